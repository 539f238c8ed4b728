package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaycrm/flowengine/adapter"
	"github.com/relaycrm/flowengine/storage"
)

// AdminNotifier emails the tenant admin about exhausted retries and
// engine bugs. Notification failures are logged, never propagated: a
// broken mail path must not change run outcomes.
type AdminNotifier struct {
	messaging adapter.Messaging
	tenants   storage.TenantStore
	logger    *slog.Logger
}

// NewAdminNotifier builds a notifier.
func NewAdminNotifier(messaging adapter.Messaging, tenants storage.TenantStore, logger *slog.Logger) *AdminNotifier {
	return &AdminNotifier{
		messaging: messaging,
		tenants:   tenants,
		logger:    logger.With("component", "notifier"),
	}
}

// Failure is the payload of one admin notification.
type Failure struct {
	TenantID       string
	RunID          string
	DefinitionID   string
	DefinitionName string
	LeadID         string
	NodeID         string
	NodeLabel      string
	Error          string
	Attempts       int
}

// NotifyFailure sends the failure email when the tenant has an admin
// address configured.
func (n *AdminNotifier) NotifyFailure(ctx context.Context, f Failure) {
	settings, err := n.tenants.GetTenantSettings(ctx, f.TenantID)
	if err != nil {
		n.logger.Warn("load tenant settings for notification",
			"tenant_id", f.TenantID,
			"error", err)
		return
	}
	if settings.AdminEmail == "" {
		n.logger.Debug("no admin email configured, skipping notification",
			"tenant_id", f.TenantID,
			"run_id", f.RunID)
		return
	}

	now := time.Now().UTC()
	subject := fmt.Sprintf("Workflow failure: %s", f.DefinitionName)
	body := fmt.Sprintf(
		"Workflow %q failed.\n\n"+
			"Definition: %s\nLead: %s\nNode: %s (%s)\nError: %s\nAttempts: %d\nRun: %s\nTime: %s\n",
		f.DefinitionName, f.DefinitionID, f.LeadID, f.NodeID, f.NodeLabel,
		f.Error, f.Attempts, f.RunID, now.Format(time.RFC3339))

	_, err = n.messaging.Send(ctx, adapter.SendRequest{
		Channel:        adapter.ChannelEmail,
		TenantID:       f.TenantID,
		To:             settings.AdminEmail,
		Subject:        subject,
		Body:           body,
		IdempotencyKey: fmt.Sprintf("notify:run:%s:node:%s:attempt:%d", f.RunID, f.NodeID, f.Attempts),
	})
	if err != nil {
		n.logger.Warn("send admin notification",
			"tenant_id", f.TenantID,
			"run_id", f.RunID,
			"error", err)
		return
	}
	n.logger.Info("admin notified of workflow failure",
		"tenant_id", f.TenantID,
		"run_id", f.RunID,
		"node_id", f.NodeID)
}

// failureFor builds the notification payload from an execution context.
func failureFor(ec *ExecContext, errMsg string) Failure {
	f := Failure{
		TenantID:     ec.Run.TenantID,
		RunID:        ec.Run.ID,
		DefinitionID: ec.Run.DefinitionID,
		LeadID:       ec.Run.LeadID,
		NodeID:       ec.Node.ID,
		NodeLabel:    ec.Node.Label,
		Error:        errMsg,
		Attempts:     ec.Attempt,
	}
	if ec.Def != nil {
		f.DefinitionName = ec.Def.Name
	}
	return f
}

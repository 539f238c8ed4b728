package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/relaycrm/flowengine/model"
)

type logRow struct {
	ID         int64     `db:"id"`
	TenantID   string    `db:"tenant_id"`
	RunID      string    `db:"run_id"`
	NodeID     string    `db:"node_id"`
	NodeKind   string    `db:"node_kind"`
	Label      string    `db:"label"`
	Status     string    `db:"status"`
	Message    string    `db:"message"`
	Error      string    `db:"error"`
	DurationMs int64     `db:"duration_ms"`
	Attempt    int       `db:"attempt"`
	WorkerID   string    `db:"worker_id"`
	Metadata   []byte    `db:"metadata"`
	Timestamp  time.Time `db:"timestamp"`
}

func (p *Postgres) AppendLog(ctx context.Context, entry *model.LogEntry) error {
	metadata, err := marshalJSON(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encode log metadata: %w", err)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	err = p.db.GetContext(ctx, &entry.ID, `
		INSERT INTO execution_log
			(tenant_id, run_id, node_id, node_kind, label, status, message, error,
			 duration_ms, attempt, worker_id, metadata, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id`,
		entry.TenantID, entry.RunID, entry.NodeID, string(entry.NodeKind), entry.Label,
		string(entry.Status), entry.Message, entry.Error, entry.DurationMs,
		entry.Attempt, entry.WorkerID, metadata, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	return nil
}

func (p *Postgres) ListLogByRun(ctx context.Context, runID string) ([]*model.LogEntry, error) {
	var rows []logRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT id, tenant_id, run_id, node_id, node_kind, label, status, message, error,
		       duration_ms, attempt, worker_id, metadata, timestamp
		FROM execution_log WHERE run_id = $1 ORDER BY timestamp ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list execution log for run %s: %w", runID, err)
	}

	entries := make([]*model.LogEntry, 0, len(rows))
	for _, r := range rows {
		entry := &model.LogEntry{
			ID:         r.ID,
			TenantID:   r.TenantID,
			RunID:      r.RunID,
			NodeID:     r.NodeID,
			NodeKind:   model.NodeKind(r.NodeKind),
			Label:      r.Label,
			Status:     model.LogStatus(r.Status),
			Message:    r.Message,
			Error:      r.Error,
			DurationMs: r.DurationMs,
			Attempt:    r.Attempt,
			WorkerID:   r.WorkerID,
			Timestamp:  r.Timestamp,
		}
		if err := unmarshalInto(r.Metadata, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("decode log metadata: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (p *Postgres) GetTenantSettings(ctx context.Context, tenantID string) (*model.TenantSettings, error) {
	var settings model.TenantSettings
	err := p.db.GetContext(ctx, &settings, `
		SELECT tenant_id, webhook_secret, signature_header, verify_token,
		       default_country_code, admin_email
		FROM tenant_settings WHERE tenant_id = $1`, tenantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &model.TenantSettings{TenantID: tenantID}, nil
		}
		return nil, fmt.Errorf("get tenant settings %s: %w", tenantID, err)
	}
	return &settings, nil
}

func (p *Postgres) GetLead(ctx context.Context, tenantID, leadID string) (*model.LeadView, error) {
	var data []byte
	err := p.db.GetContext(ctx, &data,
		`SELECT data FROM leads WHERE tenant_id = $1 AND id = $2`, tenantID, leadID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lead %s: %w", leadID, ErrNotFound)
		}
		return nil, fmt.Errorf("get lead %s: %w", leadID, err)
	}

	var fields map[string]any
	if err := unmarshalInto(data, &fields); err != nil {
		return nil, fmt.Errorf("decode lead %s: %w", leadID, err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	if _, ok := fields["id"]; !ok {
		fields["id"] = leadID
	}
	return model.NewLeadView(fields), nil
}

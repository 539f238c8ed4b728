package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/flowengine/graph"
	"github.com/relaycrm/flowengine/model"
	"github.com/relaycrm/flowengine/storage"
)

// Skip reasons recorded per candidate definition.
const (
	SkipFilter    = "filter"
	SkipRunOnce   = "runOnce"
	SkipDuplicate = "duplicate"
	SkipCooldown  = "cooldown"
	SkipInactive  = "inactive"
)

// Skip records one candidate that did not produce a run.
type Skip struct {
	DefinitionID string
	Reason       string
}

// CandidateError records a failure isolated to one candidate.
type CandidateError struct {
	DefinitionID string
	Err          error
}

// Result summarizes one event's matching pass.
type Result struct {
	RunsStarted int
	RunIDs      []string
	Skipped     []Skip
	Errors      []CandidateError
}

// Process runs the matching algorithm for one event. An error return
// means nothing was evaluated (the event should be redelivered);
// failures scoped to a single candidate are collected in the result so
// one broken definition never blocks the others.
func (m *Matcher) Process(ctx context.Context, event *model.DomainEvent) (*Result, error) {
	result := &Result{}

	lead, err := m.loadLead(ctx, event)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.logger.Info("discarding event for missing lead",
				"kind", event.Kind,
				"tenant_id", event.TenantID,
				"lead_id", event.LeadID)
			return result, nil
		}
		return nil, fmt.Errorf("load lead %s: %w", event.LeadID, err)
	}

	candidates, err := m.selectCandidates(ctx, event)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return result, nil
	}

	settings, err := m.store.GetTenantSettings(ctx, event.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant settings: %w", err)
	}

	for _, def := range candidates {
		runID, skip, err := m.evaluate(ctx, def, event, lead, settings)
		switch {
		case err != nil:
			m.logger.Error("evaluate candidate definition",
				"definition_id", def.ID,
				"tenant_id", def.TenantID,
				"error", err)
			result.Errors = append(result.Errors, CandidateError{DefinitionID: def.ID, Err: err})
		case skip != "":
			m.metrics.RunsSkipped.WithLabelValues(skip).Inc()
			m.logger.Debug("skipped candidate definition",
				"definition_id", def.ID,
				"lead_id", event.LeadID,
				"reason", skip)
			result.Skipped = append(result.Skipped, Skip{DefinitionID: def.ID, Reason: skip})
		default:
			m.metrics.RunsStarted.Inc()
			result.RunsStarted++
			result.RunIDs = append(result.RunIDs, runID)
		}
	}
	return result, nil
}

// loadLead prefers the event's lead snapshot and falls back to the
// store for events that carry only an id.
func (m *Matcher) loadLead(ctx context.Context, event *model.DomainEvent) (*model.LeadView, error) {
	if len(event.Payload.Lead) > 0 {
		return model.NewLeadView(event.Payload.Lead), nil
	}
	if event.LeadID == "" {
		return nil, storage.ErrNotFound
	}
	return m.store.GetLead(ctx, event.TenantID, event.LeadID)
}

func (m *Matcher) selectCandidates(ctx context.Context, event *model.DomainEvent) ([]*model.Definition, error) {
	if event.Kind == model.TriggerManual && event.Payload.ForceDefinitionID != "" {
		def, err := m.store.GetDefinition(ctx, event.TenantID, event.Payload.ForceDefinitionID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				m.logger.Info("manual event for unknown definition",
					"definition_id", event.Payload.ForceDefinitionID,
					"tenant_id", event.TenantID)
				return nil, nil
			}
			return nil, fmt.Errorf("load forced definition: %w", err)
		}
		return []*model.Definition{def}, nil
	}

	defs, err := m.store.ListActiveByTrigger(ctx, event.TenantID, event.Kind)
	if err != nil {
		return nil, fmt.Errorf("list definitions for %s: %w", event.Kind, err)
	}
	return defs, nil
}

// evaluate applies the filter and suppression rules to one candidate
// and starts a run when everything passes. Returns the run id or a
// skip reason.
func (m *Matcher) evaluate(ctx context.Context, def *model.Definition, event *model.DomainEvent, lead *model.LeadView, settings *model.TenantSettings) (string, string, error) {
	if !def.IsActive || def.DeletedAt != nil {
		return "", SkipInactive, nil
	}

	if !def.TriggerFilter.Matches(lead, event.Payload.Changes) {
		return "", SkipFilter, nil
	}

	leadID := event.LeadID
	if leadID == "" {
		leadID = lead.ID()
	}

	if def.RunOncePerLead {
		exists, err := m.store.HasRunForLead(ctx, def.ID, leadID)
		if err != nil {
			return "", "", fmt.Errorf("check runOncePerLead: %w", err)
		}
		if exists {
			return "", SkipRunOnce, nil
		}
	}

	if def.PreventDuplicates {
		active, err := m.store.HasActiveRunForLead(ctx, def.ID, leadID)
		if err != nil {
			return "", "", fmt.Errorf("check preventDuplicates: %w", err)
		}
		if active {
			return "", SkipDuplicate, nil
		}
	}

	if def.CooldownMinutes > 0 {
		last, found, err := m.store.LatestRunStart(ctx, def.ID, leadID)
		if err != nil {
			return "", "", fmt.Errorf("check cooldown: %w", err)
		}
		window := time.Duration(def.CooldownMinutes) * time.Minute
		if found && time.Since(last) < window {
			return "", SkipCooldown, nil
		}
	}

	runID, err := m.startRun(ctx, def, event, lead, leadID, settings)
	if err != nil {
		return "", "", err
	}
	return runID, "", nil
}

// startRun creates the run and its first-step jobs.
func (m *Matcher) startRun(ctx context.Context, def *model.Definition, event *model.DomainEvent, lead *model.LeadView, leadID string, settings *model.TenantSettings) (string, error) {
	now := time.Now().UTC()

	run := &model.Run{
		ID:           uuid.NewString(),
		TenantID:     def.TenantID,
		DefinitionID: def.ID,
		LeadID:       leadID,
		Status:       model.RunRunning,
		StartedAt:    now,
	}

	// Reply matching needs the normalized phone on the run itself; a
	// lead without a usable phone simply cannot take the reply path.
	if phone, err := lead.NormalizedPhone(settings.DefaultCountryCode); err == nil {
		run.LeadPhone = phone
	}

	run.SetContext(model.CtxLead, lead.Raw())
	run.SetContext(model.CtxEvent, map[string]any{
		"kind":          string(event.Kind),
		"appointmentId": event.Payload.AppointmentID,
		"emittedAt":     event.EmittedAt,
	})
	for k, v := range event.Payload.Context {
		run.SetContext(k, v)
	}

	starts := graph.StartEdges(def)
	type scheduled struct {
		node  *model.Node
		delay time.Duration
	}
	var plan []scheduled
	for _, edge := range starts {
		node, ok := def.Node(edge.To)
		if !ok {
			return "", fmt.Errorf("definition %s: edge to unknown node %s", def.ID, edge.To)
		}
		var delay time.Duration
		if node.Kind == model.NodeDelay {
			cfg, err := node.DelayConfig()
			if err != nil {
				return "", fmt.Errorf("delay config for node %s: %w", node.ID, err)
			}
			delay = cfg.Delay()
		}
		plan = append(plan, scheduled{node: node, delay: delay})
	}

	for _, s := range plan {
		run.AppendPath(model.PathEntry{
			NodeID:       s.node.ID,
			Kind:         s.node.Kind,
			Label:        s.node.Label,
			Status:       model.PathPending,
			ScheduledFor: now.Add(s.delay),
		})
	}

	if err := m.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	for _, s := range plan {
		job := &model.Job{
			ID:           uuid.NewString(),
			RunID:        run.ID,
			DefinitionID: def.ID,
			LeadID:       leadID,
			TenantID:     def.TenantID,
			NodeID:       s.node.ID,
			Kind:         string(s.node.Kind),
			Queue:        model.QueueExecute,
			Config:       s.node.Config,
			Status:       model.JobPending,
			ScheduledFor: now.Add(s.delay),
			MaxAttempts:  s.node.MaxAttemptsOverride(),
		}
		if err := m.enqueuer.Enqueue(ctx, job); err != nil {
			return "", fmt.Errorf("enqueue start node %s: %w", s.node.ID, err)
		}
	}

	if err := m.store.RecordRunStarted(ctx, def.ID, now); err != nil {
		// Stats are advisory; the run itself is already underway.
		m.logger.Warn("record run started",
			"definition_id", def.ID,
			"error", err)
	}

	m.logger.Info("run started",
		"run_id", run.ID,
		"definition_id", def.ID,
		"tenant_id", def.TenantID,
		"lead_id", leadID,
		"start_nodes", len(plan))
	return run.ID, nil
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/flowengine/graph"
	"github.com/relaycrm/flowengine/metrics"
	"github.com/relaycrm/flowengine/model"
	"github.com/relaycrm/flowengine/queue"
	"github.com/relaycrm/flowengine/storage"
)

// casRetries bounds the read-modify-write loop on version conflicts.
const casRetries = 5

// Advancer moves runs forward: CAS-safe run mutation, successor job
// scheduling, and run completion. The executor and the resumer share
// one implementation so the progression rules cannot drift apart.
type Advancer struct {
	store    storage.Store
	enqueuer *queue.Enqueuer
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewAdvancer builds an advancer.
func NewAdvancer(store storage.Store, enqueuer *queue.Enqueuer, m *metrics.Metrics, logger *slog.Logger) *Advancer {
	return &Advancer{
		store:    store,
		enqueuer: enqueuer,
		metrics:  m,
		logger:   logger,
	}
}

// MutateRun applies mutate to a fresh copy of the run under the
// version CAS, retrying the read-modify-write cycle on conflicts.
// mutate may return storage.ErrTerminalRun to abort without writing.
func (a *Advancer) MutateRun(ctx context.Context, runID string, mutate func(*model.Run) error) (*model.Run, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		run, err := a.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if err := mutate(run); err != nil {
			return nil, err
		}
		err = a.store.UpdateRun(ctx, run)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("update run %s: %w", runID, storage.ErrVersionConflict)
}

// ScheduleSuccessors records pending path entries and enqueues one
// execute job per edge. Scheduling is delay-aware: an edge into a
// delay node schedules that node at now plus its configured delay, and
// the delay handler itself completes immediately. This keeps delays in
// one place whether a node was reached from the trigger, a completed
// node, or a resume.
func (a *Advancer) ScheduleSuccessors(ctx context.Context, run *model.Run, def *model.Definition, edges []model.Edge) (int, error) {
	now := time.Now().UTC()

	type scheduled struct {
		node *model.Node
		at   time.Time
	}
	var plan []scheduled
	for _, edge := range edges {
		node, ok := def.Node(edge.To)
		if !ok {
			return 0, fmt.Errorf("definition %s: edge to unknown node %s", def.ID, edge.To)
		}
		at := now
		if node.Kind == model.NodeDelay {
			cfg, err := node.DelayConfig()
			if err != nil {
				return 0, fmt.Errorf("delay config for node %s: %w", node.ID, err)
			}
			at = now.Add(cfg.Delay())
		}
		plan = append(plan, scheduled{node: node, at: at})
	}
	if len(plan) == 0 {
		return 0, nil
	}

	_, err := a.MutateRun(ctx, run.ID, func(r *model.Run) error {
		if r.Status.Terminal() {
			return storage.ErrTerminalRun
		}
		for _, s := range plan {
			r.AppendPath(model.PathEntry{
				NodeID:       s.node.ID,
				Kind:         s.node.Kind,
				Label:        s.node.Label,
				Status:       model.PathPending,
				ScheduledFor: s.at,
			})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("record pending successors: %w", err)
	}

	for _, s := range plan {
		job := &model.Job{
			ID:           uuid.NewString(),
			RunID:        run.ID,
			DefinitionID: def.ID,
			LeadID:       run.LeadID,
			TenantID:     run.TenantID,
			NodeID:       s.node.ID,
			Kind:         string(s.node.Kind),
			Queue:        model.QueueExecute,
			Config:       s.node.Config,
			Status:       model.JobPending,
			ScheduledFor: s.at,
			MaxAttempts:  s.node.MaxAttemptsOverride(),
		}
		if err := a.enqueuer.Enqueue(ctx, job); err != nil {
			return 0, fmt.Errorf("enqueue successor %s: %w", s.node.ID, err)
		}
	}
	return len(plan), nil
}

// ScheduleTimeout enqueues a timeout job for a wait gate.
func (a *Advancer) ScheduleTimeout(ctx context.Context, run *model.Run, def *model.Definition, nodeID, kind string, node *model.Node, at time.Time) error {
	var config []byte
	if node != nil {
		config = node.Config
	}
	job := &model.Job{
		ID:           uuid.NewString(),
		RunID:        run.ID,
		DefinitionID: def.ID,
		LeadID:       run.LeadID,
		TenantID:     run.TenantID,
		NodeID:       nodeID,
		Kind:         kind,
		Queue:        model.QueueTimeout,
		Config:       config,
		Status:       model.JobPending,
		ScheduledFor: at,
		MaxAttempts:  1,
	}
	if err := a.enqueuer.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s for node %s: %w", kind, nodeID, err)
	}
	return nil
}

// CompleteRunIfQuiescent marks the run completed when it has no
// outstanding jobs besides the one just finishing, and records the
// success on the definition.
func (a *Advancer) CompleteRunIfQuiescent(ctx context.Context, runID, excludeJobID string) (bool, error) {
	outstanding, err := a.store.CountOutstandingByRun(ctx, runID, excludeJobID)
	if err != nil {
		return false, fmt.Errorf("count outstanding jobs: %w", err)
	}
	if outstanding > 0 {
		return false, nil
	}

	var definitionID string
	run, err := a.MutateRun(ctx, runID, func(r *model.Run) error {
		if r.Status.Terminal() {
			return storage.ErrTerminalRun
		}
		now := time.Now().UTC()
		r.Status = model.RunCompleted
		r.CompletedAt = &now
		r.CurrentNodeID = ""
		r.ClearWaits()
		definitionID = r.DefinitionID
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrTerminalRun) {
			return false, nil
		}
		return false, fmt.Errorf("complete run %s: %w", runID, err)
	}

	a.metrics.RunTransitions.WithLabelValues(string(model.RunCompleted)).Inc()
	if err := a.store.RecordRunOutcome(ctx, definitionID, true); err != nil {
		a.logger.Warn("record run success",
			"definition_id", definitionID,
			"error", err)
	}
	a.logger.Info("run completed",
		"run_id", run.ID,
		"definition_id", definitionID)
	return true, nil
}

// FailRun transitions the run to failed and records the failure on the
// definition. Terminal runs are left untouched.
func (a *Advancer) FailRun(ctx context.Context, runID, reason string) error {
	var definitionID string
	_, err := a.MutateRun(ctx, runID, func(r *model.Run) error {
		if r.Status.Terminal() {
			return storage.ErrTerminalRun
		}
		now := time.Now().UTC()
		r.Status = model.RunFailed
		r.CompletedAt = &now
		r.Error = reason
		r.ClearWaits()
		definitionID = r.DefinitionID
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrTerminalRun) {
			return nil
		}
		return fmt.Errorf("fail run %s: %w", runID, err)
	}

	a.metrics.RunTransitions.WithLabelValues(string(model.RunFailed)).Inc()
	if err := a.store.RecordRunOutcome(ctx, definitionID, false); err != nil {
		a.logger.Warn("record run failure",
			"definition_id", definitionID,
			"error", err)
	}
	return nil
}

// Resume re-enters a waiting run along the chosen handle: marks the
// waiting path entry completed, clears the wait record, returns the
// run to running, and schedules the successors. When the handle leads
// nowhere the run completes.
func (a *Advancer) Resume(ctx context.Context, runID string, def *model.Definition, nodeID, handle string, resumeMeta, ctxUpdates map[string]any) error {
	run, err := a.MutateRun(ctx, runID, func(r *model.Run) error {
		if r.Status.Terminal() {
			return storage.ErrTerminalRun
		}
		now := time.Now().UTC()
		if entry := r.PathEntryFor(nodeID); entry != nil && entry.Status == model.PathWaiting {
			entry.Status = model.PathCompleted
			entry.CompletedAt = &now
			if entry.Result == nil {
				entry.Result = make(map[string]any)
			}
			for k, v := range resumeMeta {
				entry.Result[k] = v
			}
		}
		for k, v := range ctxUpdates {
			r.SetContext(k, v)
		}
		r.ClearWaits()
		r.Status = model.RunRunning
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrTerminalRun) {
			return nil
		}
		return fmt.Errorf("resume run %s: %w", runID, err)
	}

	a.metrics.RunTransitions.WithLabelValues(string(model.RunRunning)).Inc()

	edges := graph.Successors(def, nodeID, handle)
	scheduled, err := a.ScheduleSuccessors(ctx, run, def, edges)
	if err != nil {
		return err
	}
	if scheduled == 0 {
		if _, err := a.CompleteRunIfQuiescent(ctx, runID, ""); err != nil {
			return err
		}
	}
	return nil
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relaycrm/flowengine/model"
)

// Memory is an in-memory Store used by unit tests and local
// development. Entities are stored as JSON snapshots so callers never
// share mutable state with the store, mirroring how the durable
// implementation behaves.
type Memory struct {
	mu          sync.RWMutex
	definitions map[string]json.RawMessage
	runs        map[string]json.RawMessage
	jobs        map[string]json.RawMessage
	logs        []*model.LogEntry
	tenants     map[string]*model.TenantSettings
	leads       map[string]map[string]any // tenantID/leadID -> snapshot
	logSeq      int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		definitions: make(map[string]json.RawMessage),
		runs:        make(map[string]json.RawMessage),
		jobs:        make(map[string]json.RawMessage),
		tenants:     make(map[string]*model.TenantSettings),
		leads:       make(map[string]map[string]any),
	}
}

var _ Store = (*Memory)(nil)

func encode[T any](v *T) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func decode[T any](data json.RawMessage) *T {
	var v T
	_ = json.Unmarshal(data, &v)
	return &v
}

func leadKey(tenantID, leadID string) string {
	return tenantID + "/" + leadID
}

// PutTenantSettings seeds tenant settings (test helper).
func (m *Memory) PutTenantSettings(s *model.TenantSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[s.TenantID] = s
}

// PutLead seeds a lead snapshot (test helper).
func (m *Memory) PutLead(tenantID, leadID string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leads[leadKey(tenantID, leadID)] = fields
}

// --- DefinitionStore ---

func (m *Memory) GetDefinition(_ context.Context, tenantID, id string) (*model.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.definitions[id]
	if !ok {
		return nil, fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	def := decode[model.Definition](data)
	if tenantID != "" && def.TenantID != tenantID {
		return nil, fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	return def, nil
}

func (m *Memory) ListActiveByTrigger(_ context.Context, tenantID string, t model.TriggerType) ([]*model.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var defs []*model.Definition
	for _, data := range m.definitions {
		def := decode[model.Definition](data)
		if def.TenantID != tenantID || !def.IsActive || def.DeletedAt != nil {
			continue
		}
		if model.NormalizeTriggerType(string(def.TriggerType)) != t {
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

func (m *Memory) SaveDefinition(_ context.Context, def *model.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def.TriggerType = model.NormalizeTriggerType(string(def.TriggerType))
	m.definitions[def.ID] = encode(def)
	return nil
}

func (m *Memory) RecordRunStarted(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.definitions[id]
	if !ok {
		return fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	def := decode[model.Definition](data)
	def.RunsCount++
	def.LastRunAt = &at
	m.definitions[id] = encode(def)
	return nil
}

func (m *Memory) RecordRunOutcome(_ context.Context, id string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.definitions[id]
	if !ok {
		return fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	def := decode[model.Definition](data)
	if success {
		def.SuccessCount++
	} else {
		def.FailureCount++
	}
	m.definitions[id] = encode(def)
	return nil
}

// --- RunStore ---

func (m *Memory) CreateRun(_ context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	run.Version = 1
	run.UpdatedAt = time.Now().UTC()
	m.runs[run.ID] = encode(run)
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return decode[model.Run](data), nil
}

func (m *Memory) UpdateRun(_ context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	current := decode[model.Run](data)
	if current.Version != run.Version {
		return fmt.Errorf("run %s: %w", run.ID, ErrVersionConflict)
	}
	run.Version++
	run.UpdatedAt = time.Now().UTC()
	m.runs[run.ID] = encode(run)
	return nil
}

func (m *Memory) eachRun(fn func(*model.Run) bool) {
	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !fn(decode[model.Run](m.runs[id])) {
			return
		}
	}
}

func (m *Memory) HasRunForLead(_ context.Context, definitionID, leadID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	found := false
	m.eachRun(func(r *model.Run) bool {
		if r.DefinitionID == definitionID && r.LeadID == leadID {
			found = true
			return false
		}
		return true
	})
	return found, nil
}

func (m *Memory) HasActiveRunForLead(_ context.Context, definitionID, leadID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	found := false
	m.eachRun(func(r *model.Run) bool {
		if r.DefinitionID == definitionID && r.LeadID == leadID && r.Status.Active() {
			found = true
			return false
		}
		return true
	})
	return found, nil
}

func (m *Memory) LatestRunStart(_ context.Context, definitionID, leadID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest time.Time
	found := false
	m.eachRun(func(r *model.Run) bool {
		if r.DefinitionID == definitionID && r.LeadID == leadID && r.StartedAt.After(latest) {
			latest = r.StartedAt
			found = true
		}
		return true
	})
	return latest, found, nil
}

func matchesFilter(r *model.Run, f RunFilter) bool {
	if f.TenantID != "" && r.TenantID != f.TenantID {
		return false
	}
	if f.DefinitionID != "" && r.DefinitionID != f.DefinitionID {
		return false
	}
	if f.LeadID != "" && r.LeadID != f.LeadID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if !f.CompletedAfter.IsZero() {
		if r.CompletedAt == nil || r.CompletedAt.Before(f.CompletedAfter) {
			return false
		}
	}
	return true
}

func (m *Memory) ListRuns(_ context.Context, f RunFilter) ([]*model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var runs []*model.Run
	m.eachRun(func(r *model.Run) bool {
		if matchesFilter(r, f) {
			runs = append(runs, r)
		}
		return true
	})
	sort.Slice(runs, func(i, j int) bool { return runs[i].UpdatedAt.After(runs[j].UpdatedAt) })
	if f.Limit > 0 && len(runs) > f.Limit {
		runs = runs[:f.Limit]
	}
	return runs, nil
}

func (m *Memory) CountRuns(ctx context.Context, f RunFilter) (int, error) {
	f.Limit = 0
	runs, err := m.ListRuns(ctx, f)
	return len(runs), err
}

func (m *Memory) FindWaitingForReplyByPhone(_ context.Context, tenantID, phone string) ([]*model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var runs []*model.Run
	m.eachRun(func(r *model.Run) bool {
		if r.TenantID == tenantID && r.Status == model.RunWaitingForReply &&
			r.WaitingForReply != nil && strings.EqualFold(r.LeadPhone, phone) {
			runs = append(runs, r)
		}
		return true
	})
	sort.Slice(runs, func(i, j int) bool { return runs[i].UpdatedAt.After(runs[j].UpdatedAt) })
	return runs, nil
}

func (m *Memory) findOneRun(pred func(*model.Run) bool) (*model.Run, error) {
	var found *model.Run
	m.eachRun(func(r *model.Run) bool {
		if pred(r) {
			found = r
			return false
		}
		return true
	})
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (m *Memory) FindByProviderCallID(_ context.Context, callID string) (*model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findOneRun(func(r *model.Run) bool {
		return r.WaitingForCall != nil && r.WaitingForCall.ProviderCallID == callID
	})
}

func (m *Memory) FindByProviderConversationID(_ context.Context, conversationID string) (*model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findOneRun(func(r *model.Run) bool {
		return r.WaitingForCall != nil && r.WaitingForCall.ProviderConversationID == conversationID
	})
}

func (m *Memory) FindByTaskID(_ context.Context, taskID string) (*model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findOneRun(func(r *model.Run) bool {
		return r.WaitingForTask != nil && r.WaitingForTask.TaskID == taskID
	})
}

func (m *Memory) FindStaleRuns(_ context.Context, updatedBefore time.Time, limit int) ([]*model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var runs []*model.Run
	m.eachRun(func(r *model.Run) bool {
		if !r.Status.Terminal() && r.Status != model.RunPending && r.UpdatedAt.Before(updatedBefore) {
			runs = append(runs, r)
		}
		return limit <= 0 || len(runs) < limit
	})
	return runs, nil
}

func (m *Memory) FindWaitingCallRuns(_ context.Context, updatedBefore time.Time, limit int) ([]*model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var runs []*model.Run
	m.eachRun(func(r *model.Run) bool {
		if r.Status == model.RunWaitingForCall && r.WaitingForCall != nil && r.UpdatedAt.Before(updatedBefore) {
			runs = append(runs, r)
		}
		return limit <= 0 || len(runs) < limit
	})
	return runs, nil
}

func (m *Memory) DeleteRunsBefore(_ context.Context, statuses []model.RunStatus, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, data := range m.runs {
		r := decode[model.Run](data)
		if r.CompletedAt == nil || !r.CompletedAt.Before(before) {
			continue
		}
		for _, s := range statuses {
			if r.Status == s {
				delete(m.runs, id)
				deleted++
				break
			}
		}
	}
	return deleted, nil
}

// --- JobStore ---

func (m *Memory) CreateJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	m.jobs[job.ID] = encode(job)
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return decode[model.Job](data), nil
}

func (m *Memory) UpdateJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
	}
	job.UpdatedAt = time.Now().UTC()
	m.jobs[job.ID] = encode(job)
	return nil
}

func (m *Memory) eachJob(fn func(*model.Job) bool) {
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !fn(decode[model.Job](m.jobs[id])) {
			return
		}
	}
}

func (m *Memory) ClaimDueJobs(_ context.Context, now time.Time, limit int, requeueAfter time.Duration) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []*model.Job
	m.eachJob(func(j *model.Job) bool {
		if j.Status != model.JobPending || j.ScheduledFor.After(now) {
			return true
		}
		if j.QueuedAt != nil && now.Sub(*j.QueuedAt) < requeueAfter {
			return true
		}
		queuedAt := now
		j.QueuedAt = &queuedAt
		j.UpdatedAt = now
		m.jobs[j.ID] = encode(j)
		claimed = append(claimed, j)
		return limit <= 0 || len(claimed) < limit
	})
	return claimed, nil
}

func (m *Memory) ListJobsByRun(_ context.Context, runID string) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var jobs []*model.Job
	m.eachJob(func(j *model.Job) bool {
		if j.RunID == runID {
			jobs = append(jobs, j)
		}
		return true
	})
	return jobs, nil
}

func (m *Memory) CountOutstandingByRun(_ context.Context, runID, excludeJobID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	m.eachJob(func(j *model.Job) bool {
		if j.RunID == runID && j.ID != excludeJobID {
			switch j.Status {
			case model.JobPending, model.JobProcessing, model.JobWaiting:
				count++
			}
		}
		return true
	})
	return count, nil
}

func (m *Memory) CancelPendingByRun(_ context.Context, runID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cancelled int64
	m.eachJob(func(j *model.Job) bool {
		if j.RunID == runID && (j.Status == model.JobPending || j.Status == model.JobWaiting) {
			j.Status = model.JobCancelled
			j.UpdatedAt = time.Now().UTC()
			m.jobs[j.ID] = encode(j)
			cancelled++
		}
		return true
	})
	return cancelled, nil
}

func (m *Memory) JobStats(_ context.Context, now time.Time) (JobStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats JobStats
	hourAgo := now.Add(-time.Hour)
	m.eachJob(func(j *model.Job) bool {
		switch j.Status {
		case model.JobPending:
			stats.Pending++
		case model.JobProcessing:
			stats.Processing++
		case model.JobFailed:
			if j.UpdatedAt.After(hourAgo) {
				stats.FailedLastHour++
			}
		}
		return true
	})
	return stats, nil
}

func (m *Memory) DeleteCompletedBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, data := range m.jobs {
		j := decode[model.Job](data)
		if j.Status == model.JobCompleted && j.CompletedAt != nil && j.CompletedAt.Before(before) {
			delete(m.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) DeleteOrphaned(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, data := range m.jobs {
		j := decode[model.Job](data)
		if _, ok := m.runs[j.RunID]; !ok {
			delete(m.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

// --- LogStore ---

func (m *Memory) AppendLog(_ context.Context, entry *model.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logSeq++
	entry.ID = m.logSeq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	m.logs = append(m.logs, entry)
	return nil
}

func (m *Memory) ListLogByRun(_ context.Context, runID string) ([]*model.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []*model.LogEntry
	for _, e := range m.logs {
		if e.RunID == runID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	return entries, nil
}

// --- TenantStore / LeadStore ---

func (m *Memory) GetTenantSettings(_ context.Context, tenantID string) (*model.TenantSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.tenants[tenantID]; ok {
		copied := *s
		return &copied, nil
	}
	return &model.TenantSettings{TenantID: tenantID}, nil
}

func (m *Memory) GetLead(_ context.Context, tenantID, leadID string) (*model.LeadView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields, ok := m.leads[leadKey(tenantID, leadID)]
	if !ok {
		return nil, fmt.Errorf("lead %s: %w", leadID, ErrNotFound)
	}
	data, _ := json.Marshal(fields)
	var copied map[string]any
	_ = json.Unmarshal(data, &copied)
	return model.NewLeadView(copied), nil
}

package webhook

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/relaycrm/flowengine/graph"
	"github.com/relaycrm/flowengine/model"
	"github.com/relaycrm/flowengine/storage"
)

// handleHealth serves the engine health report.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.supervisor.Health(r.Context())
	if err != nil {
		s.logger.Error("health report", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleCleanupStats previews what a cleanup would remove. Windows
// default to the supervisor's configured retention and can be
// overridden with ?days= and ?failedDays=.
func (s *Server) handleCleanupStats(w http.ResponseWriter, r *http.Request) {
	retainCompleted, retainFailed, err := s.retentionWindows(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	stats, err := s.supervisor.PreviewCleanup(r.Context(), retainCompleted, retainFailed)
	if err != nil {
		s.logger.Error("cleanup preview", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleCleanup runs a prune pass immediately.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	retainCompleted, retainFailed, err := s.retentionWindows(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	stats, err := s.supervisor.Prune(r.Context(), retainCompleted, retainFailed)
	if err != nil {
		s.logger.Error("cleanup pass", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) retentionWindows(r *http.Request) (time.Duration, time.Duration, error) {
	retainCompleted := s.supervisor.RetentionCompleted()
	retainFailed := s.supervisor.RetentionFailed()

	if v := r.URL.Query().Get("days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 1 {
			return 0, 0, errors.New("days must be a positive integer")
		}
		retainCompleted = time.Duration(days) * 24 * time.Hour
	}
	if v := r.URL.Query().Get("failedDays"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 1 {
			return 0, 0, errors.New("failedDays must be a positive integer")
		}
		retainFailed = time.Duration(days) * 24 * time.Hour
	}
	return retainCompleted, retainFailed, nil
}

// handleRecover runs a reclaim pass immediately. ?hours= overrides the
// stuck threshold.
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	stuckAfter := s.supervisor.StuckAfter()
	if v := r.URL.Query().Get("hours"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours < 1 {
			http.Error(w, "hours must be a positive integer", http.StatusBadRequest)
			return
		}
		stuckAfter = time.Duration(hours) * time.Hour
	}

	stats, err := s.supervisor.Reclaim(r.Context(), stuckAfter)
	if err != nil {
		s.logger.Error("recover pass", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleValidate lints a definition graph without saving it.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var def model.Definition
	if err := readJSON(w, r, &def); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	def.TriggerType = model.NormalizeTriggerType(string(def.TriggerType))

	result := graph.Validate(&def)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

type manualTriggerPayload struct {
	TenantID     string         `json:"tenantId"`
	LeadID       string         `json:"leadId"`
	DefinitionID string         `json:"definitionId"`
	Context      map[string]any `json:"context,omitempty"`
}

// handleManualTrigger emits a manual trigger event for one lead and
// definition.
func (s *Server) handleManualTrigger(w http.ResponseWriter, r *http.Request) {
	var payload manualTriggerPayload
	if err := readJSON(w, r, &payload); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if payload.TenantID == "" || payload.LeadID == "" || payload.DefinitionID == "" {
		http.Error(w, "tenantId, leadId and definitionId required", http.StatusBadRequest)
		return
	}

	seq, err := s.emitter.Manual(r.Context(), payload.TenantID, payload.LeadID, payload.DefinitionID, payload.Context)
	if err != nil {
		s.logger.Error("emit manual trigger",
			"tenant_id", payload.TenantID,
			"definition_id", payload.DefinitionID,
			"error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "sequence": seq})
}

// handleListRuns lists runs filtered by tenant, definition, lead, and
// status.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.RunFilter{
		TenantID:     q.Get("tenantId"),
		DefinitionID: q.Get("definitionId"),
		LeadID:       q.Get("leadId"),
		Limit:        50,
	}
	if v := q.Get("status"); v != "" {
		filter.Statuses = []model.RunStatus{model.RunStatus(v)}
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		s.logger.Error("load run", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	entries, err := s.store.ListLogByRun(r.Context(), runID)
	if err != nil {
		s.logger.Error("load run log", "run_id", runID, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	cancelled, err := s.supervisor.CancelRun(r.Context(), runID, "cancelled by admin")
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		s.logger.Error("cancel run", "run_id", runID, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runId": runID, "cancelled": cancelled})
}

type dlqReplayPayload struct {
	JobID string `json:"jobId"`
}

// handleDLQReplay re-runs a dead-lettered job.
func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	var payload dlqReplayPayload
	if err := readJSON(w, r, &payload); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if payload.JobID == "" {
		http.Error(w, "jobId required", http.StatusBadRequest)
		return
	}

	if err := s.supervisor.ReplayDeadLetter(r.Context(), payload.JobID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		s.logger.Error("replay dead letter", "job_id", payload.JobID, "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": payload.JobID, "status": "requeued"})
}

package webhook

import (
	"net/http"

	"github.com/relaycrm/flowengine/resumer"
)

// handleVoiceOutcome receives call-completion callbacks. The provider
// retries non-2xx responses aggressively, so internal failures are
// logged and acknowledged; the polling pass covers anything lost.
func (s *Server) handleVoiceOutcome(w http.ResponseWriter, r *http.Request) {
	var result resumer.CallResult
	if err := readJSON(w, r, &result); err != nil {
		s.countRequest("voice_outcome", "error")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "malformed body"})
		return
	}

	resumed, err := s.resumer.HandleCallOutcome(r.Context(), result)
	if err != nil {
		s.logger.Error("handle call outcome",
			"provider_call_id", result.ProviderCallID,
			"status", result.Status,
			"error", err)
		s.countRequest("voice_outcome", "error")
		writeJSON(w, http.StatusOK, map[string]string{"status": "error logged"})
		return
	}

	s.countRequest("voice_outcome", "ok")
	writeJSON(w, http.StatusOK, map[string]any{"resumed": resumed})
}

// handleVoicePoll triggers the outcome polling pass on demand, guarded
// by the poll shared secret.
func (s *Server) handleVoicePoll(w http.ResponseWriter, r *http.Request) {
	if s.config.PollSecret != "" && r.Header.Get("X-Poll-Secret") != s.config.PollSecret {
		s.countRequest("voice_poll", "rejected")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	resumed, err := s.resumer.PollWaitingCalls(r.Context(), s.voice, 0, 100)
	if err != nil {
		s.logger.Error("voice polling pass", "error", err)
		s.countRequest("voice_poll", "error")
		http.Error(w, "Polling failed", http.StatusInternalServerError)
		return
	}

	s.countRequest("voice_poll", "ok")
	writeJSON(w, http.StatusOK, map[string]any{"resumed": resumed})
}

type taskCompletedPayload struct {
	TaskID string `json:"taskId"`
	Result string `json:"completionResult"`
	Notes  string `json:"notes,omitempty"`
}

// handleTaskCompleted resumes the run waiting on a human task.
func (s *Server) handleTaskCompleted(w http.ResponseWriter, r *http.Request) {
	var payload taskCompletedPayload
	if err := readJSON(w, r, &payload); err != nil {
		s.countRequest("task_completed", "error")
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if payload.TaskID == "" {
		s.countRequest("task_completed", "error")
		http.Error(w, "taskId required", http.StatusBadRequest)
		return
	}

	resumed, err := s.resumer.HandleTaskCompletion(r.Context(), payload.TaskID, payload.Result, payload.Notes)
	if err != nil {
		s.logger.Error("handle task completion",
			"task_id", payload.TaskID,
			"error", err)
		s.countRequest("task_completed", "error")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.countRequest("task_completed", "ok")
	writeJSON(w, http.StatusOK, map[string]any{"resumed": resumed})
}

package resumer

import (
	"context"
	"fmt"
	"time"

	"github.com/relaycrm/flowengine/adapter"
)

// PollWaitingCalls fetches outcomes for runs stuck in waitingForCall,
// covering callbacks the provider never delivered. Runs younger than
// minAge are left alone to give the normal callback a chance. Returns
// the number of runs resumed; per-run failures are logged and do not
// stop the pass.
func (r *Resumer) PollWaitingCalls(ctx context.Context, voice adapter.Voice, minAge time.Duration, limit int) (int, error) {
	cutoff := time.Now().UTC().Add(-minAge)
	runs, err := r.store.FindWaitingCallRuns(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("find waiting call runs: %w", err)
	}

	resumed := 0
	for _, run := range runs {
		wait := run.WaitingForCall
		if wait == nil || wait.ProviderConversationID == "" {
			continue
		}

		outcome, err := voice.FetchOutcome(ctx, wait.ProviderConversationID)
		if err != nil {
			r.logger.Warn("fetch call outcome",
				"run_id", run.ID,
				"provider_conversation_id", wait.ProviderConversationID,
				"error", err)
			continue
		}

		handled, err := r.HandleCallOutcome(ctx, CallResult{
			ProviderCallID:         wait.ProviderCallID,
			ProviderConversationID: wait.ProviderConversationID,
			Status:                 outcome.Status,
			DurationSecs:           outcome.DurationSecs,
			Analysis:               outcome.Analysis,
		})
		if err != nil {
			r.logger.Warn("resume polled call outcome",
				"run_id", run.ID,
				"error", err)
			continue
		}
		if handled {
			resumed++
		}
	}

	if resumed > 0 {
		r.logger.Info("voice polling pass resumed runs",
			"checked", len(runs),
			"resumed", resumed)
	}
	return resumed, nil
}

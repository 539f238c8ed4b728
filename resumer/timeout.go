package resumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/relaycrm/flowengine/executor"
	"github.com/relaycrm/flowengine/graph"
	"github.com/relaycrm/flowengine/metrics"
	"github.com/relaycrm/flowengine/model"
	"github.com/relaycrm/flowengine/queue"
	"github.com/relaycrm/flowengine/storage"
)

// TimeoutConfig controls the timeout worker pool.
type TimeoutConfig struct {
	ConsumerName string `json:"consumerName" yaml:"consumerName"`
	Concurrency  int    `json:"concurrency" yaml:"concurrency"`
}

// DefaultTimeoutConfig returns production defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		ConsumerName: "flow-timeout",
		Concurrency:  3,
	}
}

// Validate checks config sanity.
func (c TimeoutConfig) Validate() error {
	if c.ConsumerName == "" {
		return fmt.Errorf("consumerName required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	return nil
}

// Broker is the queue surface the timeout worker needs.
type Broker interface {
	queue.Publisher
	Consumer(ctx context.Context, durable, queueName string) (jetstream.Consumer, error)
}

// TimeoutWorker consumes the timeout queue. A timeout job fires after
// a wait gate's deadline; if the run resumed in the meantime the wait
// record is gone and the job is a no-op.
type TimeoutWorker struct {
	config   TimeoutConfig
	logger   *slog.Logger
	store    storage.Store
	broker   Broker
	advancer *executor.Advancer
	metrics  *metrics.Metrics

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	consumer jetstream.Consumer
}

// NewTimeoutWorker builds the timeout-pool component.
func NewTimeoutWorker(config TimeoutConfig, store storage.Store, broker Broker, advancer *executor.Advancer, m *metrics.Metrics, logger *slog.Logger) (*TimeoutWorker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("timeout worker config: %w", err)
	}
	return &TimeoutWorker{
		config:   config,
		logger:   logger.With("component", "timeout"),
		store:    store,
		broker:   broker,
		advancer: advancer,
		metrics:  m,
	}, nil
}

// Start creates the durable consumer and spawns the worker loops.
func (w *TimeoutWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("timeout worker already running")
	}
	w.running = true
	subCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	consumer, err := w.broker.Consumer(subCtx, w.config.ConsumerName, model.QueueTimeout)
	if err != nil {
		w.mu.Lock()
		w.running = false
		w.cancel = nil
		w.mu.Unlock()
		cancel()
		return fmt.Errorf("create timeout consumer: %w", err)
	}
	w.consumer = consumer

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.consumeLoop(subCtx)
	}

	w.logger.Info("timeout worker started",
		"consumer", w.config.ConsumerName,
		"concurrency", w.config.Concurrency)
	return nil
}

// Stop halts the worker loops and waits for in-flight jobs.
func (w *TimeoutWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	w.logger.Info("timeout worker stopped")
	return nil
}

func (w *TimeoutWorker) consumeLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := w.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Debug("fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *TimeoutWorker) handleMessage(ctx context.Context, msg jetstream.Msg) {
	envelope, err := queue.DecodeMessage(msg.Data())
	if err != nil {
		w.logger.Error("decode timeout message", "error", err)
		if err := msg.Ack(); err != nil {
			w.logger.Warn("ack message", "error", err)
		}
		return
	}

	if err := w.ProcessTimeout(ctx, envelope.JobID); err != nil {
		w.logger.Error("process timeout job",
			"job_id", envelope.JobID,
			"run_id", envelope.RunID,
			"error", err)
		if err := msg.Nak(); err != nil {
			w.logger.Warn("nak message", "error", err)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		w.logger.Warn("ack message", "error", err)
	}
}

// ProcessTimeout handles one timeout job end to end.
func (w *TimeoutWorker) ProcessTimeout(ctx context.Context, jobID string) error {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load timeout job %s: %w", jobID, err)
	}
	switch job.Status {
	case model.JobCompleted, model.JobCancelled, model.JobFailed:
		return nil
	}

	run, err := w.store.GetRun(ctx, job.RunID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return w.finishJob(ctx, job, model.JobCancelled)
		}
		return fmt.Errorf("load run %s: %w", job.RunID, err)
	}
	if run.Status.Terminal() {
		return w.finishJob(ctx, job, model.JobCancelled)
	}

	job.Attempts++
	now := time.Now().UTC()
	job.LastAttemptAt = &now
	job.Status = model.JobProcessing
	if err := w.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("claim timeout job %s: %w", job.ID, err)
	}

	fired, err := w.fire(ctx, job, run)
	if err != nil {
		job.LastError = err.Error()
		if finishErr := w.finishJob(ctx, job, model.JobFailed); finishErr != nil {
			return finishErr
		}
		return err
	}

	result := "noop"
	if fired {
		result = "fired"
	}
	w.metrics.JobsProcessed.WithLabelValues(model.QueueTimeout, result).Inc()
	return w.finishJob(ctx, job, model.JobCompleted)
}

// fire dispatches by timeout kind. Returns whether the run actually
// moved; a cleared or superseded wait record means the timeout lost
// the race and nothing happens.
func (w *TimeoutWorker) fire(ctx context.Context, job *model.Job, run *model.Run) (bool, error) {
	switch job.Kind {
	case model.JobKindReplyTimeout:
		if run.WaitingForReply == nil || run.WaitingForReply.NodeID != job.NodeID {
			return false, nil
		}
		return true, w.resumeTimeout(ctx, run, job.NodeID, run.WaitingForReply.TimeoutHandle, "reply timeout")

	case model.JobKindCallTimeout:
		if run.WaitingForCall == nil || run.WaitingForCall.NodeID != job.NodeID {
			return false, nil
		}
		return true, w.resumeTimeout(ctx, run, job.NodeID, run.WaitingForCall.TimeoutHandle, "call timeout")

	case model.JobKindTaskTimeout:
		if run.WaitingForTask == nil || run.WaitingForTask.NodeID != job.NodeID {
			return false, nil
		}
		handle := graph.HandleTimeout
		node := model.Node{Kind: model.NodeHumanTask, Config: job.Config}
		if cfg, err := node.HumanTaskConfig(); err == nil && cfg.TimeoutHandle != "" {
			handle = cfg.TimeoutHandle
		}
		return true, w.resumeTimeout(ctx, run, job.NodeID, handle, "task timeout")

	case model.JobKindConditionTimeout:
		return w.fireConditionTimeout(ctx, job, run)
	}
	return false, fmt.Errorf("unknown timeout kind %q", job.Kind)
}

func (w *TimeoutWorker) resumeTimeout(ctx context.Context, run *model.Run, nodeID, handle, reason string) error {
	def, err := w.store.GetDefinition(ctx, run.TenantID, run.DefinitionID)
	if err != nil {
		return fmt.Errorf("load definition %s: %w", run.DefinitionID, err)
	}
	meta := map[string]any{
		"resumedBy":     "timeout",
		"reason":        reason,
		"matchedHandle": handle,
	}
	if err := w.advancer.Resume(ctx, run.ID, def, nodeID, handle, meta, nil); err != nil {
		return fmt.Errorf("resume after %s: %w", reason, err)
	}

	w.appendLog(ctx, run, def, nodeID, reason+" fired, resumed along "+handle)
	w.logger.Info("wait gate timed out",
		"run_id", run.ID,
		"node_id", nodeID,
		"handle", handle,
		"reason", reason)
	return nil
}

// fireConditionTimeout re-evaluates a conditionWithTimeout node: a
// condition that has become true takes the true branch, otherwise the
// timeout branch fires.
func (w *TimeoutWorker) fireConditionTimeout(ctx context.Context, job *model.Job, run *model.Run) (bool, error) {
	def, err := w.store.GetDefinition(ctx, run.TenantID, run.DefinitionID)
	if err != nil {
		return false, fmt.Errorf("load definition %s: %w", run.DefinitionID, err)
	}
	node, ok := def.Node(job.NodeID)
	if !ok {
		return false, fmt.Errorf("node %s not in definition %s", job.NodeID, def.ID)
	}
	cfg, err := node.ConditionConfig()
	if err != nil {
		return false, fmt.Errorf("condition config: %w", err)
	}

	lead, err := w.store.GetLead(ctx, run.TenantID, run.LeadID)
	if err != nil {
		return false, fmt.Errorf("load lead %s: %w", run.LeadID, err)
	}

	outcome, err := executor.EvaluateCondition(cfg, lead, run.Context)
	if err != nil {
		return false, fmt.Errorf("re-evaluate condition: %w", err)
	}

	handle := graph.HandleTimeout
	if outcome {
		handle = graph.HandleTrue
	}

	edges := graph.Successors(def, job.NodeID, handle)
	scheduled, err := w.advancer.ScheduleSuccessors(ctx, run, def, edges)
	if err != nil {
		return false, err
	}
	if scheduled == 0 {
		if _, err := w.advancer.CompleteRunIfQuiescent(ctx, run.ID, job.ID); err != nil {
			return false, err
		}
	}

	w.appendLog(ctx, run, def, job.NodeID,
		fmt.Sprintf("condition re-evaluated to %t, followed %q", outcome, handle))
	return true, nil
}

func (w *TimeoutWorker) finishJob(ctx context.Context, job *model.Job, status model.JobStatus) error {
	now := time.Now().UTC()
	job.Status = status
	job.CompletedAt = &now
	if err := w.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("finish timeout job %s: %w", job.ID, err)
	}
	return nil
}

func (w *TimeoutWorker) appendLog(ctx context.Context, run *model.Run, def *model.Definition, nodeID, message string) {
	entry := &model.LogEntry{
		TenantID:  run.TenantID,
		RunID:     run.ID,
		NodeID:    nodeID,
		Status:    model.LogTimeout,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if node, ok := def.Node(nodeID); ok {
		entry.NodeKind = node.Kind
		entry.Label = node.Label
	}
	if err := w.store.AppendLog(ctx, entry); err != nil {
		w.logger.Warn("append execution log",
			"run_id", run.ID,
			"error", err)
	}
}

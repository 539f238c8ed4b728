// Package executor hosts the node-execution worker pool: it consumes
// execute jobs, dispatches each to its node handler under a wall-clock
// timeout, records results on the run and the execution log, schedules
// successors, and applies the retry, failure-path, and dead-letter
// policy.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/relaycrm/flowengine/adapter"
	"github.com/relaycrm/flowengine/graph"
	"github.com/relaycrm/flowengine/metrics"
	"github.com/relaycrm/flowengine/model"
	"github.com/relaycrm/flowengine/queue"
	"github.com/relaycrm/flowengine/storage"
)

// Config controls the executor pool.
type Config struct {
	ConsumerName string `json:"consumerName" yaml:"consumerName"`

	// Concurrency is the number of parallel consume loops.
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// ExecTimeout is the wall-clock budget per handler execution,
	// overridable per node.
	ExecTimeout time.Duration `json:"execTimeout" yaml:"execTimeout"`

	// MaxAttempts is the default retry budget per job. Per-node
	// overrides are capped at HardMaxAttempts.
	MaxAttempts     int `json:"maxAttempts" yaml:"maxAttempts"`
	HardMaxAttempts int `json:"hardMaxAttempts" yaml:"hardMaxAttempts"`

	// WorkerID identifies this process in the execution log. Defaults
	// to the hostname.
	WorkerID string `json:"workerId" yaml:"workerId"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	host, _ := os.Hostname()
	return Config{
		ConsumerName:    "flow-execute",
		Concurrency:     10,
		ExecTimeout:     120 * time.Second,
		MaxAttempts:     3,
		HardMaxAttempts: 10,
		WorkerID:        host,
	}
}

// Validate checks config sanity.
func (c Config) Validate() error {
	if c.ConsumerName == "" {
		return fmt.Errorf("consumerName required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if c.ExecTimeout <= 0 {
		return fmt.Errorf("execTimeout must be positive")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("maxAttempts must be at least 1")
	}
	if c.HardMaxAttempts < c.MaxAttempts {
		return fmt.Errorf("hardMaxAttempts must be at least maxAttempts")
	}
	return nil
}

// Broker is the queue surface the executor needs.
type Broker interface {
	queue.Publisher
	Consumer(ctx context.Context, durable, queueName string) (jetstream.Consumer, error)
	PublishDeadLetter(ctx context.Context, entry *queue.DeadLetter) error
}

// Executor is the execute-pool component.
type Executor struct {
	config    Config
	logger    *slog.Logger
	store     storage.Store
	broker    Broker
	enqueuer  *queue.Enqueuer
	advancer  *Advancer
	metrics   *metrics.Metrics
	notifier  *AdminNotifier
	messaging adapter.Messaging
	voice     adapter.Voice
	tasks     adapter.Tasks

	handlers map[model.NodeKind]HandlerFunc

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	consumer jetstream.Consumer
}

// New builds the executor component.
func New(config Config, store storage.Store, broker Broker, messaging adapter.Messaging, voice adapter.Voice, tasks adapter.Tasks, m *metrics.Metrics, logger *slog.Logger) (*Executor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("executor config: %w", err)
	}
	logger = logger.With("component", "executor")
	enqueuer := queue.NewEnqueuer(store, broker, logger)
	e := &Executor{
		config:    config,
		logger:    logger,
		store:     store,
		broker:    broker,
		enqueuer:  enqueuer,
		advancer:  NewAdvancer(store, enqueuer, m, logger),
		metrics:   m,
		notifier:  NewAdminNotifier(messaging, store, logger),
		messaging: messaging,
		voice:     voice,
		tasks:     tasks,
	}
	e.registerHandlers()
	return e, nil
}

// Advancer exposes the run-progression helper for the resumer.
func (e *Executor) Advancer() *Advancer { return e.advancer }

// Notifier exposes the admin notifier for the resumer and supervisor.
func (e *Executor) Notifier() *AdminNotifier { return e.notifier }

// Start creates the durable consumer and spawns the worker loops.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("executor already running")
	}
	e.running = true
	subCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	consumer, err := e.broker.Consumer(subCtx, e.config.ConsumerName, model.QueueExecute)
	if err != nil {
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("create execute consumer: %w", err)
	}
	e.consumer = consumer

	for i := 0; i < e.config.Concurrency; i++ {
		e.wg.Add(1)
		go e.consumeLoop(subCtx)
	}

	e.logger.Info("executor started",
		"consumer", e.config.ConsumerName,
		"concurrency", e.config.Concurrency,
		"exec_timeout", e.config.ExecTimeout,
		"worker_id", e.config.WorkerID)
	return nil
}

// Stop halts the worker loops and waits for in-flight jobs.
func (e *Executor) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.logger.Info("executor stopped")
	return nil
}

func (e *Executor) consumeLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := e.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Debug("fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			e.handleMessage(ctx, msg)
		}
	}
}

func (e *Executor) handleMessage(ctx context.Context, msg jetstream.Msg) {
	envelope, err := queue.DecodeMessage(msg.Data())
	if err != nil {
		e.logger.Error("decode execute message", "error", err)
		if err := msg.Ack(); err != nil {
			e.logger.Warn("ack message", "error", err)
		}
		return
	}

	if err := e.ProcessJob(ctx, envelope.JobID); err != nil {
		// Infrastructure failure: the job record still drives retries,
		// broker redelivery is just the transport-level nudge.
		e.logger.Error("process job",
			"job_id", envelope.JobID,
			"run_id", envelope.RunID,
			"error", err)
		if err := msg.Nak(); err != nil {
			e.logger.Warn("nak message", "error", err)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		e.logger.Warn("ack message", "error", err)
	}
}

// ProcessJob executes one node-execution job end to end. A nil return
// acknowledges the message; an error requests broker redelivery.
func (e *Executor) ProcessJob(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Info("job gone, discarding message", "job_id", jobID)
			return nil
		}
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	switch job.Status {
	case model.JobCompleted, model.JobCancelled, model.JobFailed:
		// Duplicate delivery of finished work.
		return nil
	}

	run, err := e.store.GetRun(ctx, job.RunID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Info("run gone, cancelling job",
				"job_id", job.ID,
				"run_id", job.RunID)
			return e.finishJob(ctx, job, model.JobCancelled, "run missing", nil)
		}
		return fmt.Errorf("load run %s: %w", job.RunID, err)
	}
	if run.Status.Terminal() {
		return e.finishJob(ctx, job, model.JobCancelled, "run already "+string(run.Status), nil)
	}

	def, err := e.store.GetDefinition(ctx, run.TenantID, run.DefinitionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return e.failRunForMissingEntity(ctx, job, run, nil, "workflow definition missing")
		}
		return fmt.Errorf("load definition %s: %w", run.DefinitionID, err)
	}

	node, ok := def.Node(job.NodeID)
	if !ok {
		return e.failRunForMissingEntity(ctx, job, run, def, fmt.Sprintf("node %s not in definition", job.NodeID))
	}

	lead, err := e.store.GetLead(ctx, run.TenantID, run.LeadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return e.failRunForMissingEntity(ctx, job, run, def, "lead missing")
		}
		return fmt.Errorf("load lead %s: %w", run.LeadID, err)
	}

	// Redelivery of an already-finished node is a no-op.
	if entry := run.PathEntryFor(job.NodeID); entry != nil &&
		(entry.Status == model.PathCompleted || entry.Status == model.PathSkipped) {
		return e.finishJob(ctx, job, model.JobCompleted, "", nil)
	}

	settings, err := e.store.GetTenantSettings(ctx, run.TenantID)
	if err != nil {
		return fmt.Errorf("load tenant settings: %w", err)
	}

	handler, ok := e.handlers[node.Kind]
	if !ok {
		return e.failRunForMissingEntity(ctx, job, run, def, fmt.Sprintf("no handler for node kind %s", node.Kind))
	}

	// Claim the attempt.
	now := time.Now().UTC()
	job.Attempts++
	job.Status = model.JobProcessing
	job.LastAttemptAt = &now
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("claim job %s: %w", job.ID, err)
	}

	run, err = e.advancer.MutateRun(ctx, run.ID, func(r *model.Run) error {
		if r.Status.Terminal() {
			return storage.ErrTerminalRun
		}
		entry := r.PathEntryFor(job.NodeID)
		if entry == nil {
			r.AppendPath(model.PathEntry{
				NodeID:       node.ID,
				Kind:         node.Kind,
				Label:        node.Label,
				Status:       model.PathPending,
				ScheduledFor: job.ScheduledFor,
			})
			entry = r.PathEntryFor(job.NodeID)
		}
		entry.Status = model.PathRunning
		entry.StartedAt = &now
		r.CurrentNodeID = node.ID
		if r.Status == model.RunPending {
			r.Status = model.RunRunning
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrTerminalRun) {
			return e.finishJob(ctx, job, model.JobCancelled, "run finished concurrently", nil)
		}
		return fmt.Errorf("mark node running: %w", err)
	}

	ec := &ExecContext{
		Job:      job,
		Run:      run,
		Def:      def,
		Node:     node,
		Lead:     lead,
		Settings: settings,
		Attempt:  job.Attempts,
	}

	e.appendLog(ctx, ec, model.LogRunning, "node execution started", "", 0)

	timeout := e.config.ExecTimeout
	if override := node.ExecTimeoutSeconds(); override > 0 {
		timeout = time.Duration(override) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	result, execErr := handler(execCtx, ec)
	duration := time.Since(start)
	cancel()

	e.metrics.HandlerDuration.WithLabelValues(string(node.Kind)).Observe(duration.Seconds())

	if execErr != nil {
		// Shutdown mid-handler: leave the attempt for redelivery.
		if ctx.Err() != nil {
			return fmt.Errorf("execution interrupted by shutdown: %w", execErr)
		}
		if errors.Is(execErr, context.DeadlineExceeded) {
			execErr = adapter.Errorf(adapter.Transient, "node execution exceeded %s", timeout)
		}
		return e.handleFailure(ctx, ec, execErr, duration)
	}
	return e.handleSuccess(ctx, ec, result, duration)
}

// failRunForMissingEntity handles the engine-bug class: a referenced
// entity is gone. The run fails and the admin is notified.
func (e *Executor) failRunForMissingEntity(ctx context.Context, job *model.Job, run *model.Run, def *model.Definition, reason string) error {
	e.logger.Error("run references missing entity",
		"run_id", run.ID,
		"job_id", job.ID,
		"reason", reason)
	if err := e.advancer.FailRun(ctx, run.ID, reason); err != nil {
		return err
	}
	if err := e.finishJob(ctx, job, model.JobFailed, reason, nil); err != nil {
		return err
	}

	f := Failure{
		TenantID:     run.TenantID,
		RunID:        run.ID,
		DefinitionID: run.DefinitionID,
		LeadID:       run.LeadID,
		NodeID:       job.NodeID,
		Error:        reason,
		Attempts:     job.Attempts,
	}
	if def != nil {
		f.DefinitionName = def.Name
	}
	e.notifier.NotifyFailure(ctx, f)
	return nil
}

func (e *Executor) finishJob(ctx context.Context, job *model.Job, status model.JobStatus, lastError string, result map[string]any) error {
	now := time.Now().UTC()
	job.Status = status
	if lastError != "" {
		job.LastError = lastError
	}
	if result != nil {
		job.Result = result
	}
	if status == model.JobCompleted || status == model.JobFailed || status == model.JobCancelled {
		job.CompletedAt = &now
	}
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	return nil
}

func (e *Executor) handleSuccess(ctx context.Context, ec *ExecContext, result *Result, duration time.Duration) error {
	if result.Status == model.PathWaiting {
		return e.enterWait(ctx, ec, result, duration)
	}

	now := time.Now().UTC()
	_, err := e.advancer.MutateRun(ctx, ec.Run.ID, func(r *model.Run) error {
		if r.Status.Terminal() {
			return storage.ErrTerminalRun
		}
		if entry := r.PathEntryFor(ec.Node.ID); entry != nil {
			entry.Status = model.PathCompleted
			entry.CompletedAt = &now
			entry.DurationMs = duration.Milliseconds()
			entry.Result = result.Output
		}
		for k, v := range ec.ContextUpdates() {
			r.SetContext(k, v)
		}
		if result.Output != nil {
			r.RecordNodeResult(ec.Node.ID, result.Output)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrTerminalRun) {
			return e.finishJob(ctx, ec.Job, model.JobCancelled, "run finished concurrently", nil)
		}
		return fmt.Errorf("record node completion: %w", err)
	}

	// A pending re-evaluation job keeps the run alive through the
	// quiescence check below.
	if !result.ConditionTimeoutAt.IsZero() {
		if err := e.advancer.ScheduleTimeout(ctx, ec.Run, ec.Def, ec.Node.ID,
			model.JobKindConditionTimeout, ec.Node, result.ConditionTimeoutAt); err != nil {
			return err
		}
	}

	edges := graph.Successors(ec.Def, ec.Node.ID, result.Handle)
	scheduled, err := e.advancer.ScheduleSuccessors(ctx, ec.Run, ec.Def, edges)
	if err != nil {
		return err
	}

	if err := e.finishJob(ctx, ec.Job, model.JobCompleted, "", result.Output); err != nil {
		return err
	}

	e.metrics.JobsProcessed.WithLabelValues(model.QueueExecute, "completed").Inc()
	e.appendLog(ctx, ec, model.LogSuccess, "node completed", "", duration)

	if scheduled == 0 {
		if _, err := e.advancer.CompleteRunIfQuiescent(ctx, ec.Run.ID, ec.Job.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) enterWait(ctx context.Context, ec *ExecContext, result *Result, duration time.Duration) error {
	wait := result.Wait
	if wait == nil {
		return fmt.Errorf("node %s returned waiting without a wait spec", ec.Node.ID)
	}

	_, err := e.advancer.MutateRun(ctx, ec.Run.ID, func(r *model.Run) error {
		if r.Status.Terminal() {
			return storage.ErrTerminalRun
		}
		if entry := r.PathEntryFor(ec.Node.ID); entry != nil {
			entry.Status = model.PathWaiting
			entry.Result = result.Output
		}
		for k, v := range ec.ContextUpdates() {
			r.SetContext(k, v)
		}
		if result.Output != nil {
			r.RecordNodeResult(ec.Node.ID, result.Output)
		}
		r.Status = wait.RunStatus
		r.WaitingForReply = wait.Reply
		r.WaitingForCall = wait.Call
		r.WaitingForTask = wait.Task
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrTerminalRun) {
			return e.finishJob(ctx, ec.Job, model.JobCancelled, "run finished concurrently", nil)
		}
		return fmt.Errorf("enter wait state: %w", err)
	}

	e.metrics.RunTransitions.WithLabelValues(string(wait.RunStatus)).Inc()

	if wait.TimeoutKind != "" && !wait.TimeoutAt.IsZero() {
		if err := e.advancer.ScheduleTimeout(ctx, ec.Run, ec.Def, ec.Node.ID,
			wait.TimeoutKind, ec.Node, wait.TimeoutAt); err != nil {
			return err
		}
	}

	if err := e.finishJob(ctx, ec.Job, model.JobWaiting, "", result.Output); err != nil {
		return err
	}

	e.metrics.JobsProcessed.WithLabelValues(model.QueueExecute, "waiting").Inc()
	e.appendLog(ctx, ec, model.LogWaiting, "node waiting for "+string(wait.RunStatus), "", duration)
	return nil
}

// backoff computes the retry delay for the given attempt number:
// 2^attempt seconds with ±20% jitter.
func backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * time.Second
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(base) * jitter)
}

func (e *Executor) maxAttemptsFor(job *model.Job) int {
	max := job.MaxAttempts
	if max <= 0 {
		max = e.config.MaxAttempts
	}
	if max > e.config.HardMaxAttempts {
		max = e.config.HardMaxAttempts
	}
	return max
}

func (e *Executor) handleFailure(ctx context.Context, ec *ExecContext, execErr error, duration time.Duration) error {
	class := adapter.Classify(execErr)
	maxAttempts := e.maxAttemptsFor(ec.Job)
	errMsg := execErr.Error()

	if class == adapter.Transient && ec.Job.Attempts < maxAttempts {
		delay := backoff(ec.Job.Attempts)
		ec.Job.LastError = errMsg
		ec.Job.ScheduledFor = time.Now().UTC().Add(delay)
		if err := e.enqueuer.Requeue(ctx, ec.Job); err != nil {
			return err
		}

		// Return the path entry to pending so the run reflects the
		// scheduled retry.
		_, err := e.advancer.MutateRun(ctx, ec.Run.ID, func(r *model.Run) error {
			if r.Status.Terminal() {
				return storage.ErrTerminalRun
			}
			if entry := r.PathEntryFor(ec.Node.ID); entry != nil {
				entry.Status = model.PathPending
				entry.ScheduledFor = ec.Job.ScheduledFor
				entry.Error = errMsg
			}
			return nil
		})
		if err != nil && !errors.Is(err, storage.ErrTerminalRun) {
			return fmt.Errorf("record retry: %w", err)
		}

		e.metrics.JobsProcessed.WithLabelValues(model.QueueExecute, "retrying").Inc()
		e.appendLog(ctx, ec, model.LogRetrying,
			fmt.Sprintf("attempt %d failed, retrying in %s", ec.Job.Attempts, delay.Round(time.Millisecond)),
			errMsg, duration)
		e.logger.Warn("node execution failed, retrying",
			"run_id", ec.Run.ID,
			"node_id", ec.Node.ID,
			"attempt", ec.Job.Attempts,
			"delay", delay,
			"error", errMsg)
		return nil
	}

	return e.exhausted(ctx, ec, class, errMsg, duration)
}

// exhausted applies the terminal failure policy: failure path first,
// then skip-on-failure, then run failure with dead-letter and admin
// notification.
func (e *Executor) exhausted(ctx context.Context, ec *ExecContext, class adapter.Class, errMsg string, duration time.Duration) error {
	if class == adapter.Authz {
		e.notifier.NotifyFailure(ctx, failureFor(ec, errMsg))
	}

	if failureEdges := graph.FailureEdges(ec.Def, ec.Node.ID); len(failureEdges) > 0 {
		if err := e.markNodeFailed(ctx, ec, errMsg); err != nil {
			return err
		}
		if err := e.finishJob(ctx, ec.Job, model.JobFailed, errMsg, nil); err != nil {
			return err
		}
		if _, err := e.advancer.ScheduleSuccessors(ctx, ec.Run, ec.Def, failureEdges); err != nil {
			return err
		}
		e.metrics.JobsProcessed.WithLabelValues(model.QueueExecute, "failure_path").Inc()
		e.appendLog(ctx, ec, model.LogFailed, "retries exhausted, taking failure path", errMsg, duration)
		return nil
	}

	if ec.Node.SkipOnFailure() {
		now := time.Now().UTC()
		_, err := e.advancer.MutateRun(ctx, ec.Run.ID, func(r *model.Run) error {
			if r.Status.Terminal() {
				return storage.ErrTerminalRun
			}
			if entry := r.PathEntryFor(ec.Node.ID); entry != nil {
				entry.Status = model.PathSkipped
				entry.CompletedAt = &now
				entry.Error = errMsg
			}
			return nil
		})
		if err != nil && !errors.Is(err, storage.ErrTerminalRun) {
			return fmt.Errorf("record skipped node: %w", err)
		}
		if err := e.finishJob(ctx, ec.Job, model.JobFailed, errMsg, nil); err != nil {
			return err
		}

		scheduled, err := e.advancer.ScheduleSuccessors(ctx, ec.Run, ec.Def, graph.NonFailureSuccessors(ec.Def, ec.Node.ID))
		if err != nil {
			return err
		}
		e.metrics.JobsProcessed.WithLabelValues(model.QueueExecute, "skipped").Inc()
		e.appendLog(ctx, ec, model.LogSkipped, "node skipped after failure", errMsg, duration)
		if scheduled == 0 {
			if _, err := e.advancer.CompleteRunIfQuiescent(ctx, ec.Run.ID, ec.Job.ID); err != nil {
				return err
			}
		}
		return nil
	}

	// No failure path, no skip: the run fails and the payload goes to
	// the dead-letter queue.
	if err := e.markNodeFailed(ctx, ec, errMsg); err != nil {
		return err
	}
	if err := e.finishJob(ctx, ec.Job, model.JobFailed, errMsg, nil); err != nil {
		return err
	}
	if err := e.advancer.FailRun(ctx, ec.Run.ID, fmt.Sprintf("node %s failed: %s", ec.Node.ID, errMsg)); err != nil {
		return err
	}

	if err := e.broker.PublishDeadLetter(ctx, &queue.DeadLetter{
		JobID:        ec.Job.ID,
		RunID:        ec.Run.ID,
		DefinitionID: ec.Run.DefinitionID,
		TenantID:     ec.Run.TenantID,
		NodeID:       ec.Node.ID,
		Kind:         ec.Job.Kind,
		Attempts:     ec.Job.Attempts,
		LastError:    errMsg,
		FailedAt:     time.Now().UTC(),
	}); err != nil {
		e.logger.Error("publish dead letter",
			"job_id", ec.Job.ID,
			"run_id", ec.Run.ID,
			"error", err)
	} else {
		e.metrics.JobsDeadLetter.Inc()
	}

	if class != adapter.Authz {
		e.notifier.NotifyFailure(ctx, failureFor(ec, errMsg))
	}

	e.metrics.JobsProcessed.WithLabelValues(model.QueueExecute, "dead_letter").Inc()
	e.appendLog(ctx, ec, model.LogDeadLetter, "retries exhausted, run failed", errMsg, duration)
	e.logger.Error("node execution exhausted retries",
		"run_id", ec.Run.ID,
		"node_id", ec.Node.ID,
		"attempts", ec.Job.Attempts,
		"class", string(class),
		"error", errMsg)
	return nil
}

func (e *Executor) markNodeFailed(ctx context.Context, ec *ExecContext, errMsg string) error {
	now := time.Now().UTC()
	_, err := e.advancer.MutateRun(ctx, ec.Run.ID, func(r *model.Run) error {
		if r.Status.Terminal() {
			return storage.ErrTerminalRun
		}
		if entry := r.PathEntryFor(ec.Node.ID); entry != nil {
			entry.Status = model.PathFailed
			entry.CompletedAt = &now
			entry.Error = errMsg
		}
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrTerminalRun) {
		return fmt.Errorf("record failed node: %w", err)
	}
	return nil
}

func (e *Executor) appendLog(ctx context.Context, ec *ExecContext, status model.LogStatus, message, errMsg string, duration time.Duration) {
	entry := &model.LogEntry{
		TenantID:   ec.Run.TenantID,
		RunID:      ec.Run.ID,
		NodeID:     ec.Node.ID,
		NodeKind:   ec.Node.Kind,
		Label:      ec.Node.Label,
		Status:     status,
		Message:    message,
		Error:      errMsg,
		DurationMs: duration.Milliseconds(),
		Attempt:    ec.Attempt,
		WorkerID:   e.config.WorkerID,
		Timestamp:  time.Now().UTC(),
	}
	if err := e.store.AppendLog(ctx, entry); err != nil {
		e.logger.Warn("append execution log",
			"run_id", ec.Run.ID,
			"node_id", ec.Node.ID,
			"error", err)
	}
}

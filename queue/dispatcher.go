package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaycrm/flowengine/model"
	"github.com/relaycrm/flowengine/storage"
)

// Publisher is the subset of Queue the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg *Message) error
}

// DispatcherConfig controls the due-job scan.
type DispatcherConfig struct {
	// Interval between scans for due jobs.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// BatchSize bounds how many jobs one scan claims.
	BatchSize int `json:"batchSize" yaml:"batchSize"`

	// RequeueAfter re-publishes a claimed job whose message was lost
	// (published but never consumed, or the publish itself failed).
	RequeueAfter time.Duration `json:"requeueAfter" yaml:"requeueAfter"`
}

// DefaultDispatcherConfig returns production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Interval:     5 * time.Second,
		BatchSize:    100,
		RequeueAfter: 10 * time.Minute,
	}
}

// Validate checks config sanity.
func (c DispatcherConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batchSize must be at least 1")
	}
	if c.RequeueAfter <= 0 {
		return fmt.Errorf("requeueAfter must be positive")
	}
	return nil
}

// Dispatcher moves due persisted jobs onto the work queues. Delayed
// work (delay nodes, retries with backoff, wait timeouts) is stored as
// a pending job with a future scheduledFor; the dispatcher is the only
// thing that turns those into queue messages, so scheduled work
// survives restarts without broker-side delay support.
type Dispatcher struct {
	config    DispatcherConfig
	logger    *slog.Logger
	jobs      storage.JobStore
	publisher Publisher

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDispatcher builds a dispatcher over the given job store.
func NewDispatcher(config DispatcherConfig, jobs storage.JobStore, publisher Publisher, logger *slog.Logger) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("dispatcher config: %w", err)
	}
	return &Dispatcher{
		config:    config,
		logger:    logger.With("component", "dispatcher"),
		jobs:      jobs,
		publisher: publisher,
	}, nil
}

// Start begins the scan loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	subCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.loop(subCtx)

	d.logger.Info("dispatcher started",
		"interval", d.config.Interval,
		"batch_size", d.config.BatchSize)
	return nil
}

// Stop halts the scan loop and waits for it to finish.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	cancel := d.cancel
	done := d.done
	d.cancel = nil
	d.mu.Unlock()

	cancel()
	<-done
	d.logger.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.DispatchDue(ctx); err != nil {
				d.logger.Error("dispatch due jobs", "error", err)
			} else if n > 0 {
				d.logger.Debug("dispatched due jobs", "count", n)
			}
		}
	}
}

// DispatchDue claims one batch of due jobs and publishes a message for
// each. Returns the number published. Claiming stamps queuedAt, so a
// job is only re-published if its message went missing for longer than
// RequeueAfter.
func (d *Dispatcher) DispatchDue(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	due, err := d.jobs.ClaimDueJobs(ctx, now, d.config.BatchSize, d.config.RequeueAfter)
	if err != nil {
		return 0, fmt.Errorf("claim due jobs: %w", err)
	}

	published := 0
	for _, job := range due {
		if err := d.publishJob(ctx, job, now); err != nil {
			// Leave queuedAt stamped; the job is re-claimed after
			// RequeueAfter if the publish never landed.
			d.logger.Error("publish job",
				"job_id", job.ID,
				"run_id", job.RunID,
				"queue", job.Queue,
				"error", err)
			continue
		}
		published++
	}
	return published, nil
}

func (d *Dispatcher) publishJob(ctx context.Context, job *model.Job, now time.Time) error {
	return d.publisher.Publish(ctx, job.Queue, &Message{
		JobID:       job.ID,
		Queue:       job.Queue,
		RunID:       job.RunID,
		TenantID:    job.TenantID,
		NodeID:      job.NodeID,
		Kind:        job.Kind,
		PublishedAt: now,
	})
}

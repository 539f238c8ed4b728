// Package supervisor is the engine's maintenance loop: it reclaims
// stuck runs, prunes old runs and jobs past their retention windows,
// samples queue health, and drives the voice-outcome polling pass.
// Schedules run on cron; every pass is also invokable directly from
// the admin endpoints.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaycrm/flowengine/adapter"
	"github.com/relaycrm/flowengine/executor"
	"github.com/relaycrm/flowengine/metrics"
	"github.com/relaycrm/flowengine/queue"
	"github.com/relaycrm/flowengine/resumer"
	"github.com/relaycrm/flowengine/storage"
)

// Config controls schedules and retention.
type Config struct {
	ReclaimSchedule string `json:"reclaimSchedule" yaml:"reclaimSchedule"`
	PruneSchedule   string `json:"pruneSchedule" yaml:"pruneSchedule"`
	PollSchedule    string `json:"pollSchedule" yaml:"pollSchedule"`

	// StuckAfter is how long a non-terminal run may go without updates
	// before reclamation.
	StuckAfter time.Duration `json:"stuckAfter" yaml:"stuckAfter"`

	// ScanLimit bounds how many stale runs one reclaim pass touches.
	ScanLimit int `json:"scanLimit" yaml:"scanLimit"`

	// Retention windows for the prune pass.
	RetentionCompleted time.Duration `json:"retentionCompleted" yaml:"retentionCompleted"`
	RetentionFailed    time.Duration `json:"retentionFailed" yaml:"retentionFailed"`
	RetentionJobs      time.Duration `json:"retentionJobs" yaml:"retentionJobs"`

	// PollMinAge leaves fresh waitingForCall runs to the normal
	// callback before polling the provider.
	PollMinAge time.Duration `json:"pollMinAge" yaml:"pollMinAge"`
	PollLimit  int           `json:"pollLimit" yaml:"pollLimit"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ReclaimSchedule:    "@every 1m",
		PruneSchedule:      "0 3 * * *",
		PollSchedule:       "@every 5m",
		StuckAfter:         24 * time.Hour,
		ScanLimit:          200,
		RetentionCompleted: 30 * 24 * time.Hour,
		RetentionFailed:    90 * 24 * time.Hour,
		RetentionJobs:      7 * 24 * time.Hour,
		PollMinAge:         time.Minute,
		PollLimit:          100,
	}
}

// Validate checks config sanity.
func (c Config) Validate() error {
	if c.StuckAfter <= 0 {
		return fmt.Errorf("stuckAfter must be positive")
	}
	if c.ScanLimit < 1 {
		return fmt.Errorf("scanLimit must be at least 1")
	}
	if c.RetentionCompleted <= 0 || c.RetentionFailed <= 0 || c.RetentionJobs <= 0 {
		return fmt.Errorf("retention windows must be positive")
	}
	return nil
}

// Supervisor runs the maintenance passes.
type Supervisor struct {
	config   Config
	logger   *slog.Logger
	store    storage.Store
	advancer *executor.Advancer
	resumer  *resumer.Resumer
	enqueuer *queue.Enqueuer
	voice    adapter.Voice
	metrics  *metrics.Metrics

	cron *cron.Cron

	mu      sync.Mutex
	running bool
}

// New builds the supervisor.
func New(config Config, store storage.Store, advancer *executor.Advancer, res *resumer.Resumer, enqueuer *queue.Enqueuer, voice adapter.Voice, m *metrics.Metrics, logger *slog.Logger) (*Supervisor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("supervisor config: %w", err)
	}
	return &Supervisor{
		config:   config,
		logger:   logger.With("component", "supervisor"),
		store:    store,
		advancer: advancer,
		resumer:  res,
		enqueuer: enqueuer,
		voice:    voice,
		metrics:  m,
	}, nil
}

// StuckAfter returns the configured stuck threshold.
func (s *Supervisor) StuckAfter() time.Duration { return s.config.StuckAfter }

// RetentionCompleted returns the completed-run retention window.
func (s *Supervisor) RetentionCompleted() time.Duration { return s.config.RetentionCompleted }

// RetentionFailed returns the failed-run retention window.
func (s *Supervisor) RetentionFailed() time.Duration { return s.config.RetentionFailed }

// Start registers the cron schedules.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("supervisor already running")
	}

	s.cron = cron.New()

	if _, err := s.cron.AddFunc(s.config.ReclaimSchedule, func() {
		if _, err := s.Reclaim(ctx, s.config.StuckAfter); err != nil {
			s.logger.Error("reclaim pass", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule reclaim: %w", err)
	}

	if _, err := s.cron.AddFunc(s.config.PruneSchedule, func() {
		if _, err := s.Prune(ctx, s.config.RetentionCompleted, s.config.RetentionFailed); err != nil {
			s.logger.Error("prune pass", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule prune: %w", err)
	}

	if _, err := s.cron.AddFunc(s.config.PollSchedule, func() {
		if _, err := s.resumer.PollWaitingCalls(ctx, s.voice, s.config.PollMinAge, s.config.PollLimit); err != nil {
			s.logger.Error("voice polling pass", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule voice polling: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("supervisor started",
		"reclaim", s.config.ReclaimSchedule,
		"prune", s.config.PruneSchedule,
		"poll", s.config.PollSchedule,
		"stuck_after", s.config.StuckAfter)
	return nil
}

// Stop halts the cron schedules and waits for running passes.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("supervisor stopped")
	return nil
}

// Package trigger hosts the trigger matcher: it consumes domain
// events, finds the tenant's matching active workflow definitions,
// applies the duplicate-suppression rules, and creates a run with its
// first-step jobs for each definition that passes.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/time/rate"

	"github.com/relaycrm/flowengine/metrics"
	"github.com/relaycrm/flowengine/model"
	"github.com/relaycrm/flowengine/queue"
	"github.com/relaycrm/flowengine/storage"
)

// Config controls the matcher pool.
type Config struct {
	ConsumerName string `json:"consumerName" yaml:"consumerName"`

	// Concurrency is the number of parallel consume loops.
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// RatePerSecond caps event throughput across the pool.
	RatePerSecond float64 `json:"ratePerSecond" yaml:"ratePerSecond"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ConsumerName:  "flow-trigger",
		Concurrency:   5,
		RatePerSecond: 20,
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
	if c.RatePerSecond <= 0 {
		return fmt.Errorf("ratePerSecond must be positive")
	}
	return nil
}

// Broker is the queue surface the matcher needs: publishing follow-up
// jobs and consuming the trigger subject. *queue.Queue satisfies it.
type Broker interface {
	queue.Publisher
	Consumer(ctx context.Context, durable, queueName string) (jetstream.Consumer, error)
}

// Matcher is the trigger-pool component.
type Matcher struct {
	config   Config
	logger   *slog.Logger
	store    storage.Store
	broker   Broker
	enqueuer *queue.Enqueuer
	metrics  *metrics.Metrics
	limiter  *rate.Limiter

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	consumer jetstream.Consumer
}

// NewMatcher builds the matcher component.
func NewMatcher(config Config, store storage.Store, broker Broker, m *metrics.Metrics, logger *slog.Logger) (*Matcher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("trigger config: %w", err)
	}
	logger = logger.With("component", "trigger")
	return &Matcher{
		config:   config,
		logger:   logger,
		store:    store,
		broker:   broker,
		enqueuer: queue.NewEnqueuer(store, broker, logger),
		metrics:  m,
		limiter:  rate.NewLimiter(rate.Limit(config.RatePerSecond), int(config.RatePerSecond)),
	}, nil
}

// Start creates the durable consumer and spawns the consume loops.
func (m *Matcher) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("trigger matcher already running")
	}
	m.running = true
	subCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	consumer, err := m.broker.Consumer(subCtx, m.config.ConsumerName, model.QueueTrigger)
	if err != nil {
		m.rollbackStart(cancel)
		return fmt.Errorf("create trigger consumer: %w", err)
	}
	m.consumer = consumer

	for i := 0; i < m.config.Concurrency; i++ {
		m.wg.Add(1)
		go m.consumeLoop(subCtx)
	}

	m.logger.Info("trigger matcher started",
		"consumer", m.config.ConsumerName,
		"concurrency", m.config.Concurrency,
		"rate_per_second", m.config.RatePerSecond)
	return nil
}

func (m *Matcher) rollbackStart(cancel context.CancelFunc) {
	m.mu.Lock()
	m.running = false
	m.cancel = nil
	m.mu.Unlock()
	cancel()
}

// Stop halts the consume loops and waits for in-flight events.
func (m *Matcher) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("trigger matcher stopped")
	return nil
}

func (m *Matcher) consumeLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := m.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Debug("fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			if err := m.limiter.Wait(ctx); err != nil {
				if nakErr := msg.Nak(); nakErr != nil {
					m.logger.Warn("nak message", "error", nakErr)
				}
				return
			}
			m.handleEvent(ctx, msg)
		}
	}
}

func (m *Matcher) handleEvent(ctx context.Context, msg jetstream.Msg) {
	event, err := queue.DecodeEvent(msg.Data())
	if err != nil {
		// Malformed events never become valid; drop them.
		m.logger.Error("decode domain event", "error", err)
		m.metrics.EventsProcessed.WithLabelValues("unknown", "malformed").Inc()
		if err := msg.Ack(); err != nil {
			m.logger.Warn("ack message", "error", err)
		}
		return
	}

	result, err := m.Process(ctx, event)
	if err != nil {
		// Infrastructure failure before any candidate was evaluated:
		// redeliver.
		m.logger.Error("process domain event",
			"kind", event.Kind,
			"tenant_id", event.TenantID,
			"lead_id", event.LeadID,
			"error", err)
		m.metrics.EventsProcessed.WithLabelValues(string(event.Kind), "error").Inc()
		if err := msg.Nak(); err != nil {
			m.logger.Warn("nak message", "error", err)
		}
		return
	}

	m.metrics.EventsProcessed.WithLabelValues(string(event.Kind), "ok").Inc()
	if result.RunsStarted > 0 || len(result.Skipped) > 0 {
		m.logger.Info("domain event matched",
			"kind", event.Kind,
			"tenant_id", event.TenantID,
			"lead_id", event.LeadID,
			"runs_started", result.RunsStarted,
			"skipped", len(result.Skipped),
			"candidate_errors", len(result.Errors))
	}
	if err := msg.Ack(); err != nil {
		m.logger.Warn("ack message", "error", err)
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/relaycrm/flowengine/adapter"
	"github.com/relaycrm/flowengine/config"
	"github.com/relaycrm/flowengine/events"
	"github.com/relaycrm/flowengine/executor"
	"github.com/relaycrm/flowengine/metrics"
	"github.com/relaycrm/flowengine/queue"
	"github.com/relaycrm/flowengine/resumer"
	"github.com/relaycrm/flowengine/storage"
	"github.com/relaycrm/flowengine/supervisor"
	"github.com/relaycrm/flowengine/trigger"
	"github.com/relaycrm/flowengine/webhook"
)

// App wires every component of the engine together for the serve
// command.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store *storage.Postgres
	queue *queue.Queue

	dispatcher *queue.Dispatcher
	matcher    *trigger.Matcher
	executor   *executor.Executor
	timeouts   *resumer.TimeoutWorker
	supervisor *supervisor.Supervisor
	server     *webhook.Server

	// Emitter is exposed for the manual-trigger admin endpoint and for
	// future in-process event sources.
	Emitter *events.Emitter
}

// NewApp builds the component graph. Nothing runs until Start.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	store, err := storage.NewPostgres(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if cfg.Postgres.MigrateOnStart {
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	q, err := queue.Connect(ctx, cfg.Queue, logger)
	if err != nil {
		return nil, fmt.Errorf("connect queue: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	gateway, err := adapter.NewGateway(cfg.Gateway)
	if err != nil {
		return nil, err
	}

	enqueuer := queue.NewEnqueuer(store, q, logger)
	emitter := events.NewEmitter(q, logger)

	dispatcher, err := queue.NewDispatcher(cfg.Dispatcher, store, q, logger)
	if err != nil {
		return nil, err
	}

	matcher, err := trigger.NewMatcher(cfg.Trigger, store, q, m, logger)
	if err != nil {
		return nil, err
	}

	exec, err := executor.New(cfg.Executor, store, q, gateway, gateway, gateway, m, logger)
	if err != nil {
		return nil, err
	}

	res := resumer.New(store, exec.Advancer(), m, logger)

	timeouts, err := resumer.NewTimeoutWorker(cfg.Timeout, store, q, exec.Advancer(), m, logger)
	if err != nil {
		return nil, err
	}

	sup, err := supervisor.New(cfg.Supervisor, store, exec.Advancer(), res, enqueuer, gateway, m, logger)
	if err != nil {
		return nil, err
	}

	server, err := webhook.New(cfg.HTTP, store, res, sup, emitter, enqueuer, gateway, m, registry, logger)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		queue:      q,
		dispatcher: dispatcher,
		matcher:    matcher,
		executor:   exec,
		timeouts:   timeouts,
		supervisor: sup,
		server:     server,
		Emitter:    emitter,
	}, nil
}

// Start brings the components up in dependency order: consumers before
// producers, HTTP surface last.
func (a *App) Start(ctx context.Context) error {
	type component struct {
		name  string
		start func(context.Context) error
	}
	for _, c := range []component{
		{"executor", a.executor.Start},
		{"timeout worker", a.timeouts.Start},
		{"trigger matcher", a.matcher.Start},
		{"dispatcher", a.dispatcher.Start},
		{"supervisor", a.supervisor.Start},
		{"webhook server", a.server.Start},
	} {
		if err := c.start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", c.name, err)
		}
	}

	a.logger.Info("engine started", "http_addr", a.cfg.HTTP.Addr)
	return nil
}

// Shutdown stops components in reverse order, draining in-flight work.
func (a *App) Shutdown() {
	type component struct {
		name string
		stop func() error
	}
	for _, c := range []component{
		{"webhook server", a.server.Stop},
		{"supervisor", a.supervisor.Stop},
		{"dispatcher", a.dispatcher.Stop},
		{"trigger matcher", a.matcher.Stop},
		{"timeout worker", a.timeouts.Stop},
		{"executor", a.executor.Stop},
	} {
		if err := c.stop(); err != nil {
			a.logger.Error("stop component", "component", c.name, "error", err)
		}
	}

	a.queue.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("close storage", "error", err)
	}
	a.logger.Info("engine stopped")
}

// waitHealthy blocks until the queue connection reports healthy or the
// deadline passes. Used by serve to fail fast on a dead broker.
func (a *App) waitHealthy(ctx context.Context, deadline time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	for {
		if a.queue.Healthy() {
			return nil
		}
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("queue connection not healthy after %s", deadline)
		case <-time.After(200 * time.Millisecond):
		}
	}
}

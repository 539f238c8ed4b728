// Package webhook is the engine's HTTP surface: provider callbacks
// (messaging replies, voice outcomes, task completions) and the admin
// endpoints for health, recovery, cleanup, and run inspection.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaycrm/flowengine/adapter"
	"github.com/relaycrm/flowengine/events"
	"github.com/relaycrm/flowengine/metrics"
	"github.com/relaycrm/flowengine/queue"
	"github.com/relaycrm/flowengine/resumer"
	"github.com/relaycrm/flowengine/storage"
	"github.com/relaycrm/flowengine/supervisor"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// Config controls the HTTP listener.
type Config struct {
	Addr string `json:"addr" yaml:"addr"`

	// AdminSecret guards the /workflows endpoints via the
	// X-Admin-Secret header. Empty leaves them open (development only).
	AdminSecret string `json:"adminSecret" yaml:"adminSecret"`

	// PollSecret guards the voice polling trigger endpoint.
	PollSecret string `json:"pollSecret" yaml:"pollSecret"`

	ReadTimeout     time.Duration `json:"readTimeout" yaml:"readTimeout"`
	WriteTimeout    time.Duration `json:"writeTimeout" yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout" yaml:"shutdownTimeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8087",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate checks config sanity.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr required")
	}
	return nil
}

// Server serves provider webhooks and the admin API.
type Server struct {
	config     Config
	logger     *slog.Logger
	store      storage.Store
	resumer    *resumer.Resumer
	supervisor *supervisor.Supervisor
	emitter    *events.Emitter
	enqueuer   *queue.Enqueuer
	voice      adapter.Voice
	metrics    *metrics.Metrics
	registry   *prometheus.Registry

	mu      sync.Mutex
	running bool
	httpSrv *http.Server
}

// New builds the server.
func New(config Config, store storage.Store, res *resumer.Resumer, sup *supervisor.Supervisor, emitter *events.Emitter, enqueuer *queue.Enqueuer, voice adapter.Voice, m *metrics.Metrics, registry *prometheus.Registry, logger *slog.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("webhook config: %w", err)
	}
	return &Server{
		config:     config,
		logger:     logger.With("component", "webhook"),
		store:      store,
		resumer:    res,
		supervisor: sup,
		emitter:    emitter,
		enqueuer:   enqueuer,
		voice:      voice,
		metrics:    m,
		registry:   registry,
	}, nil
}

// Routes builds the full handler tree. Exposed for tests.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /webhook/messaging/verify", s.handleMessagingVerify)
	mux.HandleFunc("POST /webhook/messaging/reply", s.handleMessagingReply)
	mux.HandleFunc("POST /webhook/voice/outcome", s.handleVoiceOutcome)
	mux.HandleFunc("POST /webhook/voice/poll", s.handleVoicePoll)
	mux.HandleFunc("POST /webhook/task/completed", s.handleTaskCompleted)

	mux.HandleFunc("GET /workflows/health", s.admin(s.handleHealth))
	mux.HandleFunc("GET /workflows/cleanup-stats", s.admin(s.handleCleanupStats))
	mux.HandleFunc("POST /workflows/cleanup", s.admin(s.handleCleanup))
	mux.HandleFunc("POST /workflows/recover", s.admin(s.handleRecover))
	mux.HandleFunc("POST /workflows/validate", s.admin(s.handleValidate))
	mux.HandleFunc("POST /workflows/trigger", s.admin(s.handleManualTrigger))
	mux.HandleFunc("GET /workflows/runs", s.admin(s.handleListRuns))
	mux.HandleFunc("GET /workflows/runs/{id}", s.admin(s.handleGetRun))
	mux.HandleFunc("GET /workflows/runs/{id}/log", s.admin(s.handleRunLog))
	mux.HandleFunc("POST /workflows/runs/{id}/cancel", s.admin(s.handleCancelRun))
	mux.HandleFunc("POST /workflows/dlq/replay", s.admin(s.handleDLQReplay))

	return mux
}

// Start begins serving. The listener runs until Stop.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("webhook server already running")
	}

	s.httpSrv = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Routes(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.running = true

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server", "error", err)
		}
	}()

	s.logger.Info("webhook server started", "addr", s.config.Addr)
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info("webhook server stopped")
	return nil
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// admin wraps a handler with the shared-secret check.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.AdminSecret != "" && r.Header.Get("X-Admin-Secret") != s.config.AdminSecret {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) countRequest(endpoint, outcome string) {
	s.metrics.WebhookRequests.WithLabelValues(endpoint, outcome).Inc()
}

// writeJSON marshals v as JSON and writes it with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON decodes a size-limited JSON body into dst.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

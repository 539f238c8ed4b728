// Package queue owns the JetStream transport between engine
// components. All run progress travels through three work queues on a
// single stream: trigger events, node executions, and wait timeouts.
// Failed work that exhausted its retries lands on the dead-letter
// subject for manual replay.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName holds every engine subject.
	StreamName = "FLOW"

	SubjectTrigger    = "flow.trigger"
	SubjectExecute    = "flow.execute"
	SubjectTimeout    = "flow.timeout"
	SubjectDeadLetter = "flow.dlq"
)

// subjectFor maps a logical queue name to its stream subject.
func subjectFor(queue string) string {
	return "flow." + queue
}

// Config controls stream and consumer behavior.
type Config struct {
	URL string `json:"url" yaml:"url"`

	// StreamReplicas is 1 for single-node deployments.
	StreamReplicas int `json:"streamReplicas" yaml:"streamReplicas"`

	// StreamMaxAge bounds how long unconsumed messages are retained.
	StreamMaxAge time.Duration `json:"streamMaxAge" yaml:"streamMaxAge"`

	// AckWait is how long a consumer may sit on a message before
	// redelivery. Must exceed the longest node execution timeout.
	AckWait time.Duration `json:"ackWait" yaml:"ackWait"`

	// MaxDeliver bounds broker-level redelivery. Retries are handled at
	// the application level via job attempts; this is the safety net
	// for workers that die mid-message.
	MaxDeliver int `json:"maxDeliver" yaml:"maxDeliver"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		StreamReplicas: 1,
		StreamMaxAge:   72 * time.Hour,
		AckWait:        5 * time.Minute,
		MaxDeliver:     5,
	}
}

// Validate checks config sanity.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("nats url required")
	}
	if c.AckWait <= 0 {
		return fmt.Errorf("ackWait must be positive")
	}
	if c.MaxDeliver < 1 {
		return fmt.Errorf("maxDeliver must be at least 1")
	}
	return nil
}

// Queue wraps a JetStream connection with the engine's stream layout.
type Queue struct {
	config Config
	logger *slog.Logger

	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
}

// Connect dials NATS and ensures the engine stream exists.
func Connect(ctx context.Context, config Config, logger *slog.Logger) (*Queue, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("queue config: %w", err)
	}

	conn, err := nats.Connect(config.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", config.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	q := &Queue{
		config: config,
		logger: logger.With("component", "queue"),
		conn:   conn,
		js:     js,
	}
	if err := q.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureStream(ctx context.Context) error {
	stream, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"flow.>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		Replicas:  q.config.StreamReplicas,
		MaxAge:    q.config.StreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}
	q.stream = stream
	return nil
}

// Publish sends msg to the given logical queue.
func (q *Queue) Publish(ctx context.Context, queue string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode queue message: %w", err)
	}
	if _, err := q.js.Publish(ctx, subjectFor(queue), data); err != nil {
		return fmt.Errorf("publish to %s: %w", subjectFor(queue), err)
	}
	return nil
}

// PublishDeadLetter records exhausted work on the dead-letter subject.
func (q *Queue) PublishDeadLetter(ctx context.Context, entry *DeadLetter) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if _, err := q.js.Publish(ctx, SubjectDeadLetter, data); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

// Consumer creates or updates a durable pull consumer on one queue.
func (q *Queue) Consumer(ctx context.Context, durable, queue string) (jetstream.Consumer, error) {
	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subjectFor(queue),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.config.AckWait,
		MaxDeliver:    q.config.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", durable, err)
	}
	return consumer, nil
}

// Healthy reports whether the NATS connection is up.
func (q *Queue) Healthy() bool {
	return q.conn != nil && q.conn.IsConnected()
}

// Close drains and closes the connection.
func (q *Queue) Close() {
	if q.conn != nil {
		if err := q.conn.Drain(); err != nil {
			q.logger.Warn("drain nats connection", "error", err)
			q.conn.Close()
		}
	}
}

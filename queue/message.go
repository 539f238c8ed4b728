package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope carried on the work queues. It references a
// persisted job by id; the job record is the source of truth, so a
// redelivered or duplicated message is harmless — the consumer reloads
// the job and checks its status before doing anything.
type Message struct {
	JobID    string `json:"jobId"`
	Queue    string `json:"queue"`
	RunID    string `json:"runId,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
	NodeID   string `json:"nodeId,omitempty"`
	Kind     string `json:"kind,omitempty"`

	PublishedAt time.Time `json:"publishedAt"`
}

// DecodeMessage parses a queue envelope.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode queue message: %w", err)
	}
	if msg.JobID == "" {
		return nil, fmt.Errorf("queue message missing jobId")
	}
	return &msg, nil
}

// DeadLetter is the terminal record of work that exhausted its
// retries. It carries enough context to diagnose and replay.
type DeadLetter struct {
	JobID        string    `json:"jobId"`
	RunID        string    `json:"runId"`
	DefinitionID string    `json:"definitionId"`
	TenantID     string    `json:"tenantId"`
	NodeID       string    `json:"nodeId"`
	Kind         string    `json:"kind"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"lastError"`
	FailedAt     time.Time `json:"failedAt"`
}

// DecodeDeadLetter parses a dead-letter record.
func DecodeDeadLetter(data []byte) (*DeadLetter, error) {
	var entry DeadLetter
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode dead letter: %w", err)
	}
	return &entry, nil
}

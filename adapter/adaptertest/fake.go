// Package adaptertest provides scripted in-memory adapters for unit
// tests: every call is recorded, and per-call failures can be injected
// to exercise the retry and failure-path machinery.
package adaptertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaycrm/flowengine/adapter"
)

// Messaging is a scripted adapter.Messaging.
type Messaging struct {
	mu    sync.Mutex
	calls []adapter.SendRequest

	// NextErr is returned (and cleared) on the next Send.
	NextErr error
	// FailAlways makes every Send fail with FailErr.
	FailAlways bool
	FailErr    error

	seq int
}

// Send records the request and returns a synthetic provider id.
func (m *Messaging) Send(_ context.Context, req adapter.SendRequest) (*adapter.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if m.FailAlways {
		return nil, m.FailErr
	}
	if m.NextErr != nil {
		err := m.NextErr
		m.NextErr = nil
		return nil, err
	}

	m.seq++
	return &adapter.SendResult{ProviderMessageID: fmt.Sprintf("msg-%d", m.seq)}, nil
}

// Calls returns a copy of the recorded requests.
func (m *Messaging) Calls() []adapter.SendRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]adapter.SendRequest(nil), m.calls...)
}

// Voice is a scripted adapter.Voice.
type Voice struct {
	mu     sync.Mutex
	placed []adapter.PlaceCallRequest

	NextErr error
	Outcome *adapter.CallOutcome

	seq int
}

// Place records the request and returns synthetic provider ids.
func (v *Voice) Place(_ context.Context, req adapter.PlaceCallRequest) (*adapter.PlaceCallResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placed = append(v.placed, req)

	if v.NextErr != nil {
		err := v.NextErr
		v.NextErr = nil
		return nil, err
	}

	v.seq++
	return &adapter.PlaceCallResult{
		ProviderCallID:         fmt.Sprintf("call-%d", v.seq),
		ProviderConversationID: fmt.Sprintf("conv-%d", v.seq),
	}, nil
}

// FetchOutcome returns the scripted outcome, defaulting to in-progress.
func (v *Voice) FetchOutcome(_ context.Context, _ string) (*adapter.CallOutcome, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Outcome != nil {
		return v.Outcome, nil
	}
	return &adapter.CallOutcome{Status: "in_progress"}, nil
}

// Placed returns a copy of the recorded call requests.
func (v *Voice) Placed() []adapter.PlaceCallRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]adapter.PlaceCallRequest(nil), v.placed...)
}

// Tasks is a scripted adapter.Tasks.
type Tasks struct {
	mu      sync.Mutex
	created []adapter.CreateTaskRequest

	NextErr error

	seq int
}

// Create records the request and returns a synthetic task id.
func (t *Tasks) Create(_ context.Context, req adapter.CreateTaskRequest) (*adapter.CreateTaskResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.created = append(t.created, req)

	if t.NextErr != nil {
		err := t.NextErr
		t.NextErr = nil
		return nil, err
	}

	t.seq++
	return &adapter.CreateTaskResult{TaskID: fmt.Sprintf("task-%d", t.seq)}, nil
}

// Created returns a copy of the recorded task requests.
func (t *Tasks) Created() []adapter.CreateTaskRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]adapter.CreateTaskRequest(nil), t.created...)
}

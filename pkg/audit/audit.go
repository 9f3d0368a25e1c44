// Package audit records write-lock and presence transitions seen by the
// relay so operators can answer "who was editing when".
package audit

import (
	"context"
	"sync"
	"time"
)

type Event struct {
	WorkflowID string    `json:"workflowId"`
	Type       string    `json:"type"`
	UserID     string    `json:"userId,omitempty"`
	At         time.Time `json:"at"`
	// Detail is free text, e.g. "disconnected" for a release issued on
	// behalf of a dropped writer.
	Detail string `json:"detail,omitempty"`
}

type Recorder interface {
	Record(ctx context.Context, ev Event) error
	// History returns the newest events for a workflow, newest first.
	History(ctx context.Context, workflowID string, limit int) ([]Event, error)
	Close()
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(context.Context, Event) error                   { return nil }
func (Nop) History(context.Context, string, int) ([]Event, error) { return nil, nil }
func (Nop) Close()                                                {}

// Memory keeps the last Limit events per workflow.
type Memory struct {
	Limit int

	mu     sync.Mutex
	events map[string][]Event
}

func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = 100
	}
	return &Memory{Limit: limit, events: make(map[string][]Event)}
}

func (m *Memory) Record(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.events[ev.WorkflowID], ev)
	if len(list) > m.Limit {
		list = list[len(list)-m.Limit:]
	}
	m.events[ev.WorkflowID] = list
	return nil
}

func (m *Memory) History(_ context.Context, workflowID string, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.events[workflowID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]Event, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (m *Memory) Close() {}

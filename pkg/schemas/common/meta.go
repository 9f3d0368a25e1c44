package common

import (
	"time"

	"github.com/google/uuid"
)

type Meta struct {
	// Trace / request correlation ID
	CorrelationID *string `json:"correlation_id,omitempty"`
	// Unique event ID
	ID string `json:"id"`
	// Emitting participant (user id) or service name
	Producer *string `json:"producer,omitempty"`
	// Timestamp when the event was emitted
	Time time.Time `json:"time"`
	// Event name, e.g. workflowOpened
	Type string `json:"type"`
}

// NewMeta stamps a fresh id and the current time.
func NewMeta(eventType, producer string) Meta {
	m := Meta{
		ID:   uuid.NewString(),
		Time: time.Now().UTC(),
		Type: eventType,
	}
	if producer != "" {
		m.Producer = &producer
	}
	return m
}

// ProducerID returns the producer or "" when absent.
func (m Meta) ProducerID() string {
	if m.Producer == nil {
		return ""
	}
	return *m.Producer
}

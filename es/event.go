// Package es provides core event sourcing interfaces and types.
package es

import (
	"time"

	"github.com/google/uuid"
)

// EventData is an event to be written to a stream.
// Payload and metadata are opaque to the store; EventType is the only tag it reads.
type EventData struct {
	// EventID uniquely identifies the event across all streams.
	// A zero value is replaced with a random UUID on append.
	EventID uuid.UUID

	// EventType identifies the type of event
	EventType string

	// IsJSON flags the payload as JSON encoded
	IsJSON bool

	// Data contains the event payload
	Data []byte

	// Metadata contains additional event metadata
	Metadata []byte
}

// NewEventData creates an EventData with a freshly generated event ID.
func NewEventData(eventType string, isJSON bool, data, metadata []byte) EventData {
	return EventData{
		EventID:   uuid.New(),
		EventType: eventType,
		IsJSON:    isJSON,
		Data:      data,
		Metadata:  metadata,
	}
}

// RecordedEvent is an event that has been persisted to a stream.
// Recorded events are immutable.
type RecordedEvent struct {
	// Created is when the event was written
	Created time.Time

	// Stream is the name of the stream the event belongs to
	Stream string

	// EventType identifies the type of event
	EventType string

	// Data contains the event payload
	Data []byte

	// Metadata contains additional event metadata
	Metadata []byte

	// EventNumber is the zero-based, gap-free position within the stream
	EventNumber int64

	// Position is the global commit position assigned by the store
	Position int64

	// EventID is the unique identifier of the event
	EventID uuid.UUID

	// IsJSON flags the payload as JSON encoded
	IsJSON bool
}

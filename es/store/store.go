// Package store defines the result types, error taxonomy and storage dialect
// shared by the event store engine and its adapters.
package store

import (
	"math"

	"github.com/getpup/pupstore/es"
)

// MaxReadSize is the largest page a single stream read may request.
const MaxReadSize = 4096

// StreamEnd used as the start of a backward read means "from the last event".
const StreamEnd int64 = math.MaxInt64

// WriteResult is returned by appends and transaction commits.
type WriteResult struct {
	// NextExpectedVersion is the event number of the last event written.
	NextExpectedVersion int64

	// LogPosition is the global commit position of the last event written.
	LogPosition int64
}

// EventReadStatus is the outcome of a single event read.
type EventReadStatus int

const (
	// EventReadSuccess means the event was found.
	EventReadSuccess EventReadStatus = iota
	// EventReadNotFound means the stream exists but the event number is absent.
	EventReadNotFound
	// EventReadNoStream means the stream does not exist.
	EventReadNoStream
	// EventReadStreamDeleted means the stream is deleted.
	EventReadStreamDeleted
)

// String returns the status name.
func (s EventReadStatus) String() string {
	switch s {
	case EventReadSuccess:
		return "Success"
	case EventReadNotFound:
		return "NotFound"
	case EventReadNoStream:
		return "NoStream"
	case EventReadStreamDeleted:
		return "StreamDeleted"
	default:
		return "Unknown"
	}
}

// EventReadResult is the result of reading one event.
type EventReadResult struct {
	// Event is set only when Status is EventReadSuccess.
	Event       *es.RecordedEvent
	Stream      string
	EventNumber int64
	Status      EventReadStatus
}

// SliceReadStatus is the outcome of a ranged stream read.
type SliceReadStatus int

const (
	// SliceReadSuccess means the stream exists; the slice may still be empty.
	SliceReadSuccess SliceReadStatus = iota
	// SliceReadStreamNotFound means the stream does not exist.
	SliceReadStreamNotFound
	// SliceReadStreamDeleted means the stream is deleted.
	SliceReadStreamDeleted
)

// String returns the status name.
func (s SliceReadStatus) String() string {
	switch s {
	case SliceReadSuccess:
		return "Success"
	case SliceReadStreamNotFound:
		return "StreamNotFound"
	case SliceReadStreamDeleted:
		return "StreamDeleted"
	default:
		return "Unknown"
	}
}

// ReadDirection is the direction of a ranged read.
type ReadDirection int

const (
	// Forward reads with increasing event numbers.
	Forward ReadDirection = iota
	// Backward reads with decreasing event numbers.
	Backward
)

// String returns the direction name.
func (d ReadDirection) String() string {
	if d == Backward {
		return "Backward"
	}
	return "Forward"
}

// StreamEventsSlice is one page of a ranged stream read.
type StreamEventsSlice struct {
	Stream string
	Events []es.RecordedEvent

	// FromEventNumber is the start the read was issued with.
	FromEventNumber int64

	// NextEventNumber is where the following page starts.
	NextEventNumber int64

	// LastEventNumber is the stream's last event number at read time, -1 if empty.
	LastEventNumber int64

	Status        SliceReadStatus
	Direction     ReadDirection
	IsEndOfStream bool
}

// StreamMetadataResult is the result of reading a stream's metadata.
type StreamMetadataResult struct {
	Stream string

	// StreamMetadata is the raw metadata JSON, empty when none was written.
	StreamMetadata []byte

	// MetastreamVersion is the event number of the metadata event, -1 when
	// none exists and math.MaxInt64 when the stream is deleted.
	MetastreamVersion int64

	IsStreamDeleted bool
}

package es

import "fmt"

// ExpectedVersion represents the expected stream version for optimistic concurrency control.
// It is used by appends and transactions to declare expectations about the current state of a stream.
type ExpectedVersion struct {
	value int64
}

const (
	// expectedVersionAny indicates no version check should be performed
	expectedVersionAny = -2
	// expectedVersionNoStream indicates the stream must not exist
	expectedVersionNoStream = -1
	// expectedVersionEmptyStream indicates the stream must exist without events or not exist at all
	expectedVersionEmptyStream = -3
	// expectedVersionStreamExists indicates the stream must already exist
	expectedVersionStreamExists = -4
)

// Any returns an ExpectedVersion that skips version validation.
func Any() ExpectedVersion {
	return ExpectedVersion{value: expectedVersionAny}
}

// NoStream returns an ExpectedVersion that enforces the stream must not exist yet.
func NoStream() ExpectedVersion {
	return ExpectedVersion{value: expectedVersionNoStream}
}

// EmptyStream returns an ExpectedVersion that enforces the stream holds no events.
func EmptyStream() ExpectedVersion {
	return ExpectedVersion{value: expectedVersionEmptyStream}
}

// StreamExists returns an ExpectedVersion that enforces the stream must already exist,
// at whatever version.
func StreamExists() ExpectedVersion {
	return ExpectedVersion{value: expectedVersionStreamExists}
}

// Exact returns an ExpectedVersion that enforces the stream must be at exactly the specified version.
// The version is the event number of the last event and must be non-negative (>= 0).
func Exact(version int64) ExpectedVersion {
	if version < 0 {
		panic(fmt.Sprintf("exact version must be non-negative, got %d", version))
	}
	return ExpectedVersion{value: version}
}

// IsAny returns true if this is an "Any" expected version (no version check).
func (ev ExpectedVersion) IsAny() bool {
	return ev.value == expectedVersionAny
}

// IsNoStream returns true if this is a "NoStream" expected version.
func (ev ExpectedVersion) IsNoStream() bool {
	return ev.value == expectedVersionNoStream
}

// IsEmptyStream returns true if this is an "EmptyStream" expected version.
func (ev ExpectedVersion) IsEmptyStream() bool {
	return ev.value == expectedVersionEmptyStream
}

// IsStreamExists returns true if this is a "StreamExists" expected version.
func (ev ExpectedVersion) IsStreamExists() bool {
	return ev.value == expectedVersionStreamExists
}

// IsExact returns true if this is an "Exact" expected version.
func (ev ExpectedVersion) IsExact() bool {
	return ev.value >= 0
}

// Value returns the exact version number if this is an Exact expected version.
// Returns -1 for the sentinels, which is the version of a stream without events.
func (ev ExpectedVersion) Value() int64 {
	if ev.value >= 0 {
		return ev.value
	}
	return -1
}

// Matches reports whether a stream in the given state satisfies the expectation.
// exists reports whether the stream row exists, current is its last event number (-1 if empty).
func (ev ExpectedVersion) Matches(exists bool, current int64) bool {
	switch {
	case ev.IsAny():
		return true
	case ev.IsNoStream():
		return !exists
	case ev.IsEmptyStream():
		return current == -1
	case ev.IsStreamExists():
		return exists
	default:
		return exists && current == ev.value
	}
}

// String returns a string representation of the ExpectedVersion.
func (ev ExpectedVersion) String() string {
	switch {
	case ev.IsAny():
		return "Any"
	case ev.IsNoStream():
		return "NoStream"
	case ev.IsEmptyStream():
		return "EmptyStream"
	case ev.IsStreamExists():
		return "StreamExists"
	default:
		return fmt.Sprintf("Exact(%d)", ev.value)
	}
}

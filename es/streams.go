package es

import "strings"

// Reserved stream names and event types.
const (
	// SettingsStream holds the system settings as its latest event.
	SettingsStream = "$settings"

	// StreamMetadataEventType is the event type written to metastreams.
	StreamMetadataEventType = "$metadata"

	// SettingsEventType is the event type written to the settings stream.
	SettingsEventType = "$settings"

	metastreamPrefix = "$$"
)

// IsSystemStream reports whether the stream name begins with '$'.
// Metastreams are system streams too.
func IsSystemStream(stream string) bool {
	return strings.HasPrefix(stream, "$")
}

// IsMetastream reports whether the stream name begins with "$$".
func IsMetastream(stream string) bool {
	return strings.HasPrefix(stream, metastreamPrefix)
}

// MetastreamOf returns the name of the metastream holding metadata for stream.
func MetastreamOf(stream string) string {
	return metastreamPrefix + stream
}

// OriginalStreamOf strips the metastream prefix.
func OriginalStreamOf(metastream string) string {
	return strings.TrimPrefix(metastream, metastreamPrefix)
}

// StreamLifecycle is the deletion state of a stream.
type StreamLifecycle int

const (
	// StreamActive streams accept reads and writes.
	StreamActive StreamLifecycle = iota
	// StreamSoftDeleted streams are hidden but may be escalated to a hard delete.
	StreamSoftDeleted
	// StreamHardDeleted is terminal: the stream never accepts events again.
	StreamHardDeleted
)

// LifecycleOf maps the stored deletion flags onto a lifecycle state.
// The hard-delete flag wins over the soft-delete flag.
func LifecycleOf(markDeleted, deleted bool) StreamLifecycle {
	switch {
	case deleted:
		return StreamHardDeleted
	case markDeleted:
		return StreamSoftDeleted
	default:
		return StreamActive
	}
}

// IsDeleted reports whether the stream is soft or hard deleted.
func (l StreamLifecycle) IsDeleted() bool {
	return l != StreamActive
}

// String returns the lifecycle name.
func (l StreamLifecycle) String() string {
	switch l {
	case StreamActive:
		return "active"
	case StreamSoftDeleted:
		return "soft-deleted"
	case StreamHardDeleted:
		return "hard-deleted"
	default:
		return "unknown"
	}
}

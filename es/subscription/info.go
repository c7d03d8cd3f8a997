package subscription

// Status is the live state of a group.
type Status string

const (
	// StatusIdle means no subscriber is connected.
	StatusIdle Status = "Idle"
	// StatusLive means at least one subscriber is connected.
	StatusLive Status = "Live"
)

// Info describes a persistent subscription group.
type Info struct {
	Stream   string
	Group    string
	Status   Status
	Settings Settings

	// ConnectionCount is the number of connected subscribers.
	ConnectionCount int

	// Checkpoint is the last event number of the contiguous handled prefix,
	// or -1 when nothing has been handled.
	Checkpoint int64

	// ParkedMessageCount is the size of the parked set.
	ParkedMessageCount int64

	// InFlightCount is the number of delivered, unanswered events.
	InFlightCount int

	// BufferedCount is the number of read events awaiting dispatch.
	BufferedCount int
}

package subscription

import "fmt"

// NakAction tells the group what to do with an event the consumer failed.
type NakAction int

const (
	// NakUnknown is invalid.
	NakUnknown NakAction = iota
	// NakPark moves the event to the parked set.
	NakPark
	// NakRetry redelivers the event, parking it once MaxRetryCount is reached.
	NakRetry
	// NakSkip treats the event as handled.
	NakSkip
	// NakStop disconnects the subscriber.
	NakStop
)

// String returns the action name.
func (a NakAction) String() string {
	switch a {
	case NakPark:
		return "Park"
	case NakRetry:
		return "Retry"
	case NakSkip:
		return "Skip"
	case NakStop:
		return "Stop"
	default:
		return "Unknown"
	}
}

// ParseNakAction parses an action name.
func ParseNakAction(name string) (NakAction, error) {
	for _, a := range []NakAction{NakPark, NakRetry, NakSkip, NakStop} {
		if a.String() == name {
			return a, nil
		}
	}
	return NakUnknown, fmt.Errorf("unknown nak action %q", name)
}

// DropReason is why a subscriber was disconnected.
type DropReason int

const (
	// DropReasonUnsubscribed means the subscriber closed itself.
	DropReasonUnsubscribed DropReason = iota
	// DropReasonStopped means the subscriber sent Nak(NakStop).
	DropReasonStopped
	// DropReasonDeleted means the group was deleted.
	DropReasonDeleted
	// DropReasonShutdown means the manager was closed.
	DropReasonShutdown
	// DropReasonConnectionClosed means the store's connection was closed.
	DropReasonConnectionClosed
)

// String returns the reason name.
func (r DropReason) String() string {
	switch r {
	case DropReasonUnsubscribed:
		return "Unsubscribed"
	case DropReasonStopped:
		return "Stopped"
	case DropReasonDeleted:
		return "Deleted"
	case DropReasonShutdown:
		return "Shutdown"
	case DropReasonConnectionClosed:
		return "ConnectionClosed"
	default:
		return fmt.Sprintf("DropReason(%d)", int(r))
	}
}

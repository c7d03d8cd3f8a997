package subscription

import "hash/fnv"

// ConsumerStrategy names how a group spreads events over its subscribers.
type ConsumerStrategy string

const (
	// RoundRobin rotates through subscribers with free capacity.
	RoundRobin ConsumerStrategy = "RoundRobin"

	// DispatchToSingle fills the earliest connected subscriber first and
	// moves on only when it is at capacity.
	DispatchToSingle ConsumerStrategy = "DispatchToSingle"

	// Pinned sends all events of one event type to the same subscriber,
	// chosen by hashing the type. Delivery waits while that subscriber is full.
	Pinned ConsumerStrategy = "Pinned"
)

func (s ConsumerStrategy) valid() bool {
	switch s {
	case RoundRobin, DispatchToSingle, Pinned:
		return true
	}
	return false
}

// picker chooses the subscriber for the next message, or nil when none can
// take it now.
type picker interface {
	pick(subs []*subscriber, msg *message) *subscriber
}

func newPicker(s ConsumerStrategy) picker {
	switch s {
	case DispatchToSingle:
		return dispatchToSingle{}
	case Pinned:
		return pinned{}
	default:
		return &roundRobin{}
	}
}

type roundRobin struct {
	next int
}

func (r *roundRobin) pick(subs []*subscriber, _ *message) *subscriber {
	for i := 0; i < len(subs); i++ {
		idx := (r.next + i) % len(subs)
		if subs[idx].hasCapacity() {
			r.next = idx + 1
			return subs[idx]
		}
	}
	return nil
}

type dispatchToSingle struct{}

func (dispatchToSingle) pick(subs []*subscriber, _ *message) *subscriber {
	for _, s := range subs {
		if s.hasCapacity() {
			return s
		}
	}
	return nil
}

type pinned struct{}

func (pinned) pick(subs []*subscriber, msg *message) *subscriber {
	if len(subs) == 0 {
		return nil
	}
	s := subs[partition(msg.event.EventType, len(subs))]
	if !s.hasCapacity() {
		return nil
	}
	return s
}

// partition maps a key onto [0, total) with FNV-1a, so one key always lands
// on the same slot for a fixed total.
func partition(key string, total int) int {
	if total <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(total))
}

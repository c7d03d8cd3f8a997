package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/getpup/pupstore/es"
)

func testSubscribers(capacities ...int) []*subscriber {
	subs := make([]*subscriber, len(capacities))
	for i, c := range capacities {
		subs[i] = &subscriber{capacity: c}
	}
	return subs
}

func msgOfType(eventType string) *message {
	return &message{event: es.RecordedEvent{EventType: eventType}}
}

func TestRoundRobin_SkipsFullSubscribers(t *testing.T) {
	subs := testSubscribers(1, 0, 1)
	p := newPicker(RoundRobin)

	assert.Same(t, subs[0], p.pick(subs, msgOfType("a")))
	assert.Same(t, subs[2], p.pick(subs, msgOfType("a")))

	subs[0].inFlight = 1
	subs[2].inFlight = 1
	assert.Nil(t, p.pick(subs, msgOfType("a")))
}

func TestDispatchToSingle_FillsFirst(t *testing.T) {
	subs := testSubscribers(2, 2)
	p := newPicker(DispatchToSingle)

	assert.Same(t, subs[0], p.pick(subs, msgOfType("a")))
	subs[0].inFlight = 2
	assert.Same(t, subs[1], p.pick(subs, msgOfType("a")))
}

func TestPinned_SameTypeSameSubscriber(t *testing.T) {
	subs := testSubscribers(5, 5, 5, 5)
	p := newPicker(Pinned)

	first := p.pick(subs, msgOfType("OrderPlaced"))
	for i := 0; i < 10; i++ {
		assert.Same(t, first, p.pick(subs, msgOfType("OrderPlaced")))
	}

	first.inFlight = first.capacity
	assert.Nil(t, p.pick(subs, msgOfType("OrderPlaced")), "waits for the pinned subscriber")
	assert.Nil(t, p.pick(nil, msgOfType("OrderPlaced")))
}

func TestPartition(t *testing.T) {
	assert.Equal(t, 0, partition("anything", 1))
	for _, key := range []string{"a", "b", "OrderPlaced", ""} {
		n := partition(key, 7)
		assert.GreaterOrEqual(t, n, 0)
		assert.Less(t, n, 7)
		assert.Equal(t, n, partition(key, 7))
	}
}

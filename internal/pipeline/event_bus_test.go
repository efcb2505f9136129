package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBusFiltersBySource(t *testing.T) {
	bus := NewEventBus()

	var all, front []uint64
	unsubAll := bus.Subscribe(SnapshotHandlerFunc(func(s *Snapshot) { all = append(all, s.Seq) }))
	unsubFront := bus.SubscribeSource("front", SnapshotHandlerFunc(func(s *Snapshot) { front = append(front, s.Seq) }))
	ch, unsubCh := bus.SubscribeChannel("back", 1)

	bus.Publish(&Snapshot{Source: "front", Seq: 1})
	bus.Publish(&Snapshot{Source: "back", Seq: 2})
	bus.Publish(&Snapshot{Source: "back", Seq: 3}) // dropped, channel full
	bus.Publish(nil)

	assert.Equal(t, []uint64{1, 2, 3}, all)
	assert.Equal(t, []uint64{1}, front)
	assert.Equal(t, uint64(2), (<-ch).Seq)
	assert.Equal(t, 3, bus.SubscriberCount())

	unsubAll()
	unsubFront()
	unsubCh()
	unsubCh()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, bus.SubscriberCount())
}

func TestEventBusClose(t *testing.T) {
	bus := NewEventBus()
	ch, unsub := bus.SubscribeChannel("", 0)
	bus.Close()
	_, open := <-ch
	assert.False(t, open)
	unsub()
}

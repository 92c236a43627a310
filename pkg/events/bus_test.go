package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaiclabs/mosaic/pkg/models"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe("j-1")
	defer cancel()
	other, cancelOther := bus.Subscribe("j-2")
	defer cancelOther()

	bus.Publish(&models.JobEvent{JobID: "j-1", Seq: 1, EventType: models.EventJobStarted})

	ev := <-ch
	assert.Equal(t, int64(1), ev.Seq)
	assert.Empty(t, other) // other job's subscriber saw nothing
	assert.Equal(t, 1, bus.SubscriberCount("j-1"))
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("j-1")
	defer cancel()

	for i := 0; i < busBuffer+10; i++ {
		bus.Publish(&models.JobEvent{JobID: "j-1", Seq: int64(i + 1)})
	}

	// Buffer holds the first busBuffer deliveries; the overflow was
	// dropped without blocking the publisher.
	require.Len(t, ch, busBuffer)
	first := <-ch
	assert.Equal(t, int64(1), first.Seq)
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("j-1")

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, bus.SubscriberCount("j-1"))

	// Publishing to a job with no subscribers is a no-op.
	bus.Publish(&models.JobEvent{JobID: "j-1", Seq: 1})

	// Double cancel is safe.
	cancel()
}

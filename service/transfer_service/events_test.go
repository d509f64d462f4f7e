package transfer_service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesInOrder(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bus.publish(Event{Type: EventStarted, TaskId: "t1"})
	bus.publish(Event{Type: EventProgress, TaskId: "t1", Transferred: 10})
	bus.publish(Event{Type: EventCompleted, TaskId: "t1"})

	assert.Equal(t, EventStarted, (<-ch).Type)
	assert.Equal(t, EventProgress, (<-ch).Type)
	assert.Equal(t, EventCompleted, (<-ch).Type)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch, unsubscribe := bus.Subscribe()
	unsubscribe()

	_, open := <-ch
	assert.False(t, open)

	// A second unsubscribe and a publish after it must be harmless.
	unsubscribe()
	bus.publish(Event{Type: EventStarted})
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	total := subscriberBuffer + 50
	for i := 0; i < total; i++ {
		bus.publish(Event{Type: EventProgress, Transferred: int64(i)})
	}

	received := make([]Event, 0, subscriberBuffer)
	for len(ch) > 0 {
		received = append(received, <-ch)
	}

	require.Len(t, received, subscriberBuffer)
	// The newest event survives; the oldest ones were dropped.
	assert.Equal(t, int64(total-1), received[len(received)-1].Transferred)
	assert.Greater(t, received[0].Transferred, int64(0))
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	bus := NewEventBus()

	ch1, _ := bus.Subscribe()
	ch2, _ := bus.Subscribe()
	bus.Close()

	_, open1 := <-ch1
	_, open2 := <-ch2
	assert.False(t, open1)
	assert.False(t, open2)

	// Subscribing after close yields a closed channel.
	ch3, _ := bus.Subscribe()
	_, open3 := <-ch3
	assert.False(t, open3)
}

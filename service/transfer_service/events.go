package transfer_service

import (
	"sync"

	"github.com/sirupsen/logrus"

	"qkchat-transfer/model"
)

// EventType names the notifications the engine publishes.
type EventType string

const (
	EventStarted            EventType = "started"
	EventProgress           EventType = "progress"
	EventPaused             EventType = "paused"
	EventResumed            EventType = "resumed"
	EventCancelled          EventType = "cancelled"
	EventCompleted          EventType = "completed"
	EventFailed             EventType = "failed"
	EventQueueChanged       EventType = "queue_changed"
	EventActiveCountChanged EventType = "active_count_changed"
)

// Event is a single engine notification. Only the fields relevant to the
// event type are populated.
type Event struct {
	Type   EventType `json:"type"`
	TaskId string    `json:"task_id,omitempty"`

	// Progress
	Transferred int64 `json:"transferred,omitempty"`
	Total       int64 `json:"total,omitempty"`
	Percent     int   `json:"percent,omitempty"`

	// Completion / failure
	ResultUrl    string          `json:"result_url,omitempty"`
	ErrorKind    model.ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`

	// Engine counters
	ActiveCount int `json:"active_count,omitempty"`
	QueueLength int `json:"queue_length,omitempty"`
}

// subscriberBuffer is the channel capacity per subscriber. A full buffer
// drops the oldest event so publishers never block.
const subscriberBuffer = 256

// EventBus fans engine events out to subscribers over buffered channels.
type EventBus struct {
	mu     sync.Mutex
	nextId int
	subs   map[int]chan Event
	closed bool
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its channel together
// with an unsubscribe function. The channel is closed on unsubscribe and
// when the bus shuts down.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextId
	b.nextId++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// publish delivers ev to every subscriber without blocking. When a
// subscriber's buffer is full the oldest event in it is discarded.
func (b *EventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
			logrus.WithFields(logrus.Fields{
				"type":   ev.Type,
				"taskId": ev.TaskId,
			}).Warn("Slow event subscriber, dropped oldest event")
		}
	}
}

// Close closes all subscriber channels. Further publishes are no-ops.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

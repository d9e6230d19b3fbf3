// Package bus delivers pipeline events to in-process subscribers.
//
// Publishing never blocks: each subscriber has a bounded buffer and a
// subscriber that stops draining is dropped rather than stalling the
// pipeline. Every subscriber sees its own monotonically increasing
// sequence numbers.
package bus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"spool/internal/logging"
)

// Event types.
const (
	EventJobUpdate        = "job_update"
	EventTitleUpdate      = "title_update"
	EventDrive            = "drive_event"
	EventTitlesDiscovered = "titles_discovered"
	EventSubtitle         = "subtitle_event"
)

// Event is the envelope broadcast to subscribers. Seq is assigned per
// subscriber at delivery time; Payload is event-type specific and must be
// JSON-marshalable for the WebSocket path.
type Event struct {
	Seq       uint64          `json:"seq"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// subscriberBuffer is how many undelivered events a subscriber may hold
// before it is considered stuck and dropped.
const subscriberBuffer = 256

// Subscriber receives events on C until Unsubscribe or a buffer overflow
// closes the channel.
type Subscriber struct {
	C  <-chan Event
	ch chan Event

	id  uint64
	seq uint64
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscriber
	nextID uint64
	logger *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*Subscriber),
		logger: logging.Component(logger, "bus"),
	}
}

// Subscribe registers a new subscriber starting at sequence 1.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscriber{C: ch, ch: ch, id: b.nextID}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Bus) removeLocked(sub *Subscriber) {
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish marshals payload and delivers the event to every subscriber.
// A subscriber whose buffer is full is dropped.
func (b *Bus) Publish(eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("drop unmarshalable event",
			logging.String(logging.FieldEventType, eventType),
			logging.Error(err))
		return
	}

	now := time.Now().UTC()

	b.mu.Lock()
	defer b.mu.Unlock()

	var dropped []*Subscriber
	for _, sub := range b.subs {
		sub.seq++
		event := Event{
			Seq:       sub.seq,
			Type:      eventType,
			Timestamp: now,
			Payload:   raw,
		}
		select {
		case sub.ch <- event:
		default:
			dropped = append(dropped, sub)
		}
	}

	for _, sub := range dropped {
		b.logger.Warn("drop slow subscriber",
			logging.Int64("subscriber_id", int64(sub.id)),
			logging.String(logging.FieldEventType, eventType))
		b.removeLocked(sub)
	}
}

// Close drops every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		b.removeLocked(sub)
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

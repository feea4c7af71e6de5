// Package eventbus fans state-change events out to live subscribers while
// persisting every one of them to the store: many writers, many readers,
// no subscriber is ever allowed to slow down a producer.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ajfrai/agent-queue/internal/store"
)

const defaultBufferSize = 64

// Event is the value handed to subscribers. It mirrors store.Event but
// stays independent of the storage layer's column shape.
type Event struct {
	ID         int64
	EventType  string
	EntityType string
	EntityID   string
	Payload    map[string]interface{}
	CreatedAt  int64
}

// Bus is an in-process publish/subscribe hub with store-backed persistence.
// Zero value is not usable; construct with New.
type Bus struct {
	store      *store.Store
	logger     zerolog.Logger
	bufferSize int

	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextSubID   int64

	dropped int64 // diagnostic counter, not part of the contract
}

// New builds a Bus backed by st. Every Publish call persists to st before
// fanning out.
func New(st *store.Store, logger zerolog.Logger) *Bus {
	return &Bus{
		store:       st,
		logger:      logger.With().Str("component", "eventbus").Logger(),
		bufferSize:  defaultBufferSize,
		subscribers: make(map[int64]chan Event),
	}
}

// Publish persists evt and fans it out to every current subscriber. A
// subscriber whose buffer is full has this event dropped for it; the
// producer never blocks on a slow reader. Returns the assigned store id.
func (b *Bus) Publish(eventType, entityType, entityID string, payload map[string]interface{}) (int64, error) {
	rec := &store.Event{
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
	}
	id, err := b.store.AppendEvent(rec)
	if err != nil {
		return 0, err
	}

	evt := Event{
		ID:         id,
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		CreatedAt:  rec.CreatedAt,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for subID, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			atomic.AddInt64(&b.dropped, 1)
			b.logger.Warn().Int64("subscriber_id", subID).Str("event_type", eventType).
				Msg("subscriber buffer full, dropping event for this subscriber")
		}
	}

	return id, nil
}

// Subscription is a live handle on a subscriber's channel. Events is never
// closed while the subscription is active; call Unsubscribe to stop
// receiving and release the channel.
type Subscription struct {
	id     int64
	Events <-chan Event
	bus    *Bus
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if ch, ok := s.bus.subscribers[s.id]; ok {
		delete(s.bus.subscribers, s.id)
		close(ch)
	}
}

// Subscribe registers a new subscriber. It only receives events published
// after this call returns; any history must be replayed from Store via
// ListEvents using the last-seen event id.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSubID
	b.nextSubID++
	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch

	return &Subscription{id: id, Events: ch, bus: b}
}

// SubscriberCount reports how many live subscribers are attached, used by
// the system status snapshot.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

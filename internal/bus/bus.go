package bus

import (
	"context"
	"sync"
)

// State is an entity state as Home Assistant reports it.
type State struct {
	EntityID   string
	Value      string
	Attributes map[string]any
}

// StateChangedEvent is delivered whenever the watched entity's state changes.
// NewState is nil when the entity was removed.
type StateChangedEvent struct {
	EntityID string
	NewState *State
}

// Handler receives state-change events on the bus's dispatch goroutine.
type Handler func(StateChangedEvent)

// Subscriber is the narrow interface entities use to watch source entities.
type Subscriber interface {
	Subscribe(entityIDs []string, h Handler) *Subscription
}

// Bus fans state-change events out to handlers keyed by entity id. Publish may
// be called from any goroutine; events are queued and dispatched one at a time
// by Run, so handlers never run concurrently with each other.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler

	queue chan StateChangedEvent
}

// New creates a ready-to-use Bus with the given queue depth.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Bus{
		subs:  make(map[string]map[uint64]Handler),
		queue: make(chan StateChangedEvent, queueSize),
	}
}

// Subscription detaches a handler. Unsubscribe is safe to call more than once.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the handler from the bus.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Subscribe registers h for events of the given entities.
func (b *Bus) Subscribe(entityIDs []string, h Handler) *Subscription {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	for _, eid := range entityIDs {
		m, ok := b.subs[eid]
		if !ok {
			m = make(map[uint64]Handler)
			b.subs[eid] = m
		}
		m[id] = h
	}
	b.mu.Unlock()

	ids := append([]string(nil), entityIDs...)
	return &Subscription{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, eid := range ids {
			delete(b.subs[eid], id)
			if len(b.subs[eid]) == 0 {
				delete(b.subs, eid)
			}
		}
	}}
}

// Publish queues ev for dispatch. It blocks while the queue is full or until
// ctx is done, returning false in the latter case.
func (b *Bus) Publish(ctx context.Context, ev StateChangedEvent) bool {
	select {
	case b.queue <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run dispatches queued events until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-b.queue:
			b.Dispatch(ev)
		}
	}
}

// Dispatch delivers ev synchronously to every handler subscribed to its
// entity. Handlers are snapshotted first, so a handler that was subscribed
// when dispatch started still sees the event.
func (b *Bus) Dispatch(ev StateChangedEvent) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.EntityID]))
	for _, h := range b.subs[ev.EntityID] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Subscribers returns how many handlers watch entityID.
func (b *Bus) Subscribers(entityID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[entityID])
}

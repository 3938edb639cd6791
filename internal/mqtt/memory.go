package mqtt

import (
	"sync"
)

// MemoryBroker is an in-process Conn that keeps retained messages and
// delivers publications synchronously to matching subscribers. It backs the
// tests of every package that talks MQTT and the dry-run mode.
type MemoryBroker struct {
	mu        sync.Mutex
	retained  map[string][]byte
	subs      map[string]MessageHandler
	published []Message
	connected bool
	failWith  error
}

// NewMemoryBroker returns a connected broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		retained:  make(map[string][]byte),
		subs:      make(map[string]MessageHandler),
		connected: true,
	}
}

// Publish stores retained payloads (an empty retained payload clears the
// topic) and delivers the message to matching subscribers.
func (b *MemoryBroker) Publish(topic string, payload []byte, retained bool) error {
	b.mu.Lock()
	if b.failWith != nil {
		err := b.failWith
		b.mu.Unlock()
		return err
	}
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	b.published = append(b.published, Message{Topic: topic, Payload: msg.Payload, Retained: retained})
	if retained {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = msg.Payload
		}
	}
	handlers := b.matching(topic)
	b.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

// Subscribe registers handler and replays matching retained messages.
func (b *MemoryBroker) Subscribe(topic string, handler MessageHandler) error {
	b.mu.Lock()
	b.subs[topic] = handler
	var replay []Message
	for t, p := range b.retained {
		if TopicMatches(topic, t) {
			replay = append(replay, Message{Topic: t, Payload: p, Retained: true})
		}
	}
	b.mu.Unlock()

	for _, m := range replay {
		handler(m)
	}
	return nil
}

// Unsubscribe drops the given filters.
func (b *MemoryBroker) Unsubscribe(topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.subs, t)
	}
	return nil
}

// IsConnected reports the simulated connection state.
func (b *MemoryBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// SetConnected changes the simulated connection state.
func (b *MemoryBroker) SetConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

// FailPublishes makes every Publish return err until called with nil.
func (b *MemoryBroker) FailPublishes(err error) {
	b.mu.Lock()
	b.failWith = err
	b.mu.Unlock()
}

// Retained returns the retained payload of topic.
func (b *MemoryBroker) Retained(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.retained[topic]
	return p, ok
}

// Published returns every message published so far.
func (b *MemoryBroker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// Subscribed reports whether a handler is registered for filter.
func (b *MemoryBroker) Subscribed(filter string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[filter]
	return ok
}

func (b *MemoryBroker) matching(topic string) []MessageHandler {
	var hs []MessageHandler
	for f, h := range b.subs {
		if TopicMatches(f, topic) {
			hs = append(hs, h)
		}
	}
	return hs
}

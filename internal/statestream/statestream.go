// Package statestream turns Home Assistant's mqtt_statestream topics into
// state-change events, and discovers which sensors the stream carries.
//
// With statestream enabled Home Assistant publishes each entity's state to
// <prefix>/<domain>/<object_id>/state and its attributes to sibling topics.
package statestream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jkaberg/hass-weight/internal/bus"
	"github.com/jkaberg/hass-weight/internal/domain"
	"github.com/jkaberg/hass-weight/internal/mqtt"
	"github.com/sirupsen/logrus"
)

// Publisher accepts events for dispatch.
type Publisher interface {
	Publish(ctx context.Context, ev bus.StateChangedEvent) bool
}

// StateTopic returns the statestream topic carrying entityID's state.
func StateTopic(prefix, entityID string) (string, error) {
	dom, objectID, ok := strings.Cut(entityID, ".")
	if !ok || dom == "" || objectID == "" {
		return "", fmt.Errorf("invalid entity id %q", entityID)
	}
	return fmt.Sprintf("%s/%s/%s/state", prefix, dom, objectID), nil
}

// Source forwards live state messages of the watched entities to the bus.
type Source struct {
	conn   mqtt.Conn
	prefix string
	events Publisher
	logger *logrus.Logger

	mu     sync.Mutex
	topics map[string]string // topic -> entity id
}

// NewSource creates a source reading from the statestream under prefix.
func NewSource(conn mqtt.Conn, prefix string, events Publisher, logger *logrus.Logger) *Source {
	return &Source{
		conn:   conn,
		prefix: prefix,
		events: events,
		logger: logger,
		topics: make(map[string]string),
	}
}

// Run subscribes to every entity and forwards messages until ctx is done,
// then unsubscribes.
func (s *Source) Run(ctx context.Context, entityIDs []string) error {
	for _, id := range entityIDs {
		if err := s.watch(ctx, id); err != nil {
			s.stop()
			return err
		}
	}
	<-ctx.Done()
	s.stop()
	return ctx.Err()
}

func (s *Source) watch(ctx context.Context, entityID string) error {
	topic, err := StateTopic(s.prefix, entityID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, dup := s.topics[topic]; dup {
		s.mu.Unlock()
		return nil
	}
	s.topics[topic] = entityID
	s.mu.Unlock()

	err = s.conn.Subscribe(topic, func(m mqtt.Message) {
		// A retained message is the state from before we subscribed, not a change.
		if m.Retained {
			return
		}
		ev := bus.StateChangedEvent{EntityID: entityID}
		if len(m.Payload) > 0 {
			ev.NewState = &bus.State{EntityID: entityID, Value: string(m.Payload)}
		}
		if !s.events.Publish(ctx, ev) {
			s.logger.WithField("entity_id", entityID).Debug("Dropped state change during shutdown")
		}
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", entityID, err)
	}

	s.logger.WithFields(logrus.Fields{
		"entity_id": entityID,
		"topic":     topic,
	}).Info("Watching source sensor")
	return nil
}

func (s *Source) stop() {
	s.mu.Lock()
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.topics = make(map[string]string)
	s.mu.Unlock()

	if err := s.conn.Unsubscribe(topics...); err != nil {
		s.logger.WithError(err).Debug("Statestream unsubscribe failed")
	}
}

// Scanner lists sensors by reading the retained statestream topics.
type Scanner struct {
	conn   mqtt.Conn
	prefix string
	window time.Duration
	logger *logrus.Logger
}

// NewScanner creates a scanner that listens for window.
func NewScanner(conn mqtt.Conn, prefix string, window time.Duration, logger *logrus.Logger) *Scanner {
	return &Scanner{conn: conn, prefix: prefix, window: window, logger: logger}
}

// KnownSensors returns the sorted sensor entity ids seen during the scan
// window.
func (s *Scanner) KnownSensors(ctx context.Context) ([]string, error) {
	filter := fmt.Sprintf("%s/%s/+/state", s.prefix, domain.SensorDomain)
	topicPrefix := fmt.Sprintf("%s/%s/", s.prefix, domain.SensorDomain)

	var mu sync.Mutex
	seen := make(map[string]struct{})
	err := s.conn.Subscribe(filter, func(m mqtt.Message) {
		objectID := strings.TrimSuffix(strings.TrimPrefix(m.Topic, topicPrefix), "/state")
		if objectID == "" || strings.Contains(objectID, "/") {
			return
		}
		mu.Lock()
		seen[domain.SensorDomain+"."+objectID] = struct{}{}
		mu.Unlock()
	})
	if err != nil {
		return nil, fmt.Errorf("scan sensors: %w", err)
	}
	defer func() {
		if err := s.conn.Unsubscribe(filter); err != nil {
			s.logger.WithError(err).Debug("Scanner unsubscribe failed")
		}
	}()

	timer := time.NewTimer(s.window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	mu.Lock()
	defer mu.Unlock()
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	s.logger.WithField("sensors", len(ids)).Debug("Scanned statestream sensors")
	return ids, nil
}

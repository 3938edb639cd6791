package cache

import (
	"maps"
	"sync"

	"github.com/jkaberg/hass-weight/internal/bus"
	"github.com/sirupsen/logrus"
)

// Manager keeps the last known state of each entity we publish, as replayed
// from retained MQTT messages at startup. Entities consult it once when they
// are attached to restore their previous value.
//
// State and attributes arrive on separate topics, so either half may be
// stored first; LastState only reports an entry once the state half exists.
type Manager struct {
	mu     sync.RWMutex
	states map[string]*bus.State
	logger *logrus.Logger
}

// NewManager returns an empty cache.
func NewManager(logger *logrus.Logger) *Manager {
	return &Manager{
		states: make(map[string]*bus.State),
		logger: logger,
	}
}

// PutState records the raw state value of entityID.
func (m *Manager) PutState(entityID, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(entityID).Value = value
	m.logger.WithFields(logrus.Fields{"entity_id": entityID, "state": value}).Debug("Cached last state")
}

// PutAttributes records the attributes of entityID.
func (m *Manager) PutAttributes(entityID string, attrs map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(entityID).Attributes = maps.Clone(attrs)
}

func (m *Manager) entry(entityID string) *bus.State {
	st, ok := m.states[entityID]
	if !ok {
		st = &bus.State{EntityID: entityID}
		m.states[entityID] = st
	}
	return st
}

// LastState returns a copy of the cached state of entityID.
func (m *Manager) LastState(entityID string) (bus.State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[entityID]
	if !ok || st.Value == "" {
		return bus.State{}, false
	}
	return bus.State{
		EntityID:   st.EntityID,
		Value:      st.Value,
		Attributes: maps.Clone(st.Attributes),
	}, true
}

// Len returns the number of entities with a cached state.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, st := range m.states {
		if st.Value != "" {
			n++
		}
	}
	return n
}

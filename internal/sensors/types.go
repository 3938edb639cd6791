package sensors

import (
	"fmt"
	"sync"

	"github.com/jkaberg/hass-weight/internal/bus"
	"github.com/jkaberg/hass-weight/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Static Home Assistant metadata shared by every weight sensor.
const (
	DeviceClass = "weight"
	StateClass  = "measurement"
	Icon        = "mdi:scale-bathroom"

	// timestampLayout is ISO-8601 with microseconds and offset.
	timestampLayout = "2006-01-02T15:04:05.000000-07:00"
)

// Reading outcomes reported to Metrics.
const (
	OutcomeMatched    = "matched"
	OutcomeOutOfRange = "out_of_range"
	OutcomeIgnored    = "ignored"
	OutcomeInvalid    = "invalid"
)

// Restore outcomes reported to Metrics.
const (
	RestoreRestored = "restored"
	RestoreMissing  = "missing"
	RestoreSentinel = "sentinel"
	RestoreInvalid  = "invalid"
)

// RestoreStore returns the state an entity had before the last shutdown.
type RestoreStore interface {
	LastState(entityID string) (bus.State, bool)
}

// StateWriter pushes the entity's current state to Home Assistant. It is
// fire-and-forget: implementations log their own failures.
type StateWriter interface {
	WriteState(s *WeightSensor)
}

// Metrics receives per-event outcomes.
type Metrics interface {
	ObserveReading(person, outcome string)
	ObserveRestore(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveReading(string, string) {}
func (noopMetrics) ObserveRestore(string)         {}

// WeightSensor exposes the most recent source reading that fell inside one
// person's weight range. The value is sticky: readings outside the range
// leave it untouched.
type WeightSensor struct {
	source string
	person domain.PersonRange

	writer  StateWriter
	clock   clockwork.Clock
	metrics Metrics
	logger  *logrus.Logger

	mu           sync.RWMutex
	value        *float64
	lastMeasured string
	sub          *bus.Subscription
}

// NewWeightSensor creates the entity for person watching source. A nil clock
// means the real clock.
func NewWeightSensor(source string, person domain.PersonRange, writer StateWriter, clock clockwork.Clock, logger *logrus.Logger) *WeightSensor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &WeightSensor{
		source:  source,
		person:  person,
		writer:  writer,
		clock:   clock,
		metrics: noopMetrics{},
		logger:  logger,
	}
}

// SetMetrics attaches a metrics sink.
func (s *WeightSensor) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	s.metrics = m
}

func (s *WeightSensor) Name() string               { return fmt.Sprintf("Weight %s", s.person.Name) }
func (s *WeightSensor) UniqueID() string           { return domain.UniqueID(s.person.Name) }
func (s *WeightSensor) ObjectID() string           { return s.person.ObjectID() }
func (s *WeightSensor) EntityID() string           { return domain.EntityID(s.person.Name) }
func (s *WeightSensor) SourceSensor() string       { return s.source }
func (s *WeightSensor) Person() domain.PersonRange { return s.person }

// Value returns the last matching reading, or false while the entity is UNSET.
func (s *WeightSensor) Value() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.value == nil {
		return 0, false
	}
	return *s.value, true
}

// LastMeasured returns the timestamp of the last match, empty while UNSET.
func (s *WeightSensor) LastMeasured() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastMeasured
}

// State renders the value the way Home Assistant shows it.
func (s *WeightSensor) State() string {
	if v, ok := s.Value(); ok {
		return FormatReading(v)
	}
	return domain.StateUnknown
}

// Attributes returns the extra state attributes.
func (s *WeightSensor) Attributes() map[string]any {
	attrs := map[string]any{
		domain.AttrPersonName:  s.person.Name,
		domain.AttrMinWeight:   s.person.MinWeight,
		domain.AttrMaxWeight:   s.person.MaxWeight,
		domain.AttrWeightRange: WeightRange(s.person),
	}
	if lm := s.LastMeasured(); lm != "" {
		attrs[domain.AttrLastMeasured] = lm
	}
	return attrs
}

// AddedToHass restores the previous state, subscribes to the source sensor
// and writes the initial state.
func (s *WeightSensor) AddedToHass(restore RestoreStore, events bus.Subscriber) {
	if restore != nil {
		s.restore(restore)
	}

	s.mu.Lock()
	s.sub = events.Subscribe([]string{s.source}, s.handleStateChanged)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"entity_id": s.EntityID(),
		"source":    s.source,
		"range":     WeightRange(s.person),
	}).Debug("Weight sensor attached")

	s.writer.WriteState(s)
}

// WillRemove detaches the source listener. Safe to call repeatedly.
func (s *WeightSensor) WillRemove() {
	s.mu.RLock()
	sub := s.sub
	s.mu.RUnlock()
	sub.Unsubscribe()
}

func (s *WeightSensor) restore(store RestoreStore) {
	last, ok := store.LastState(s.EntityID())
	if !ok {
		s.metrics.ObserveRestore(RestoreMissing)
		return
	}
	if domain.IsSentinelState(last.Value) {
		s.metrics.ObserveRestore(RestoreSentinel)
		return
	}

	v, err := ParseReading(last.Value)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"entity_id": s.EntityID(),
			"state":     last.Value,
		}).Warn("Could not restore state")
		s.metrics.ObserveRestore(RestoreInvalid)
		return
	}

	s.mu.Lock()
	s.value = &v
	if lm, ok := last.Attributes[domain.AttrLastMeasured].(string); ok {
		s.lastMeasured = lm
	}
	s.mu.Unlock()
	s.metrics.ObserveRestore(RestoreRestored)
}

// handleStateChanged runs on the bus dispatch goroutine.
func (s *WeightSensor) handleStateChanged(ev bus.StateChangedEvent) {
	if ev.NewState == nil {
		s.metrics.ObserveReading(s.person.Name, OutcomeIgnored)
		return
	}

	weight, err := ParseReading(ev.NewState.Value)
	switch {
	case err == nil:
	case isSilent(err):
		s.metrics.ObserveReading(s.person.Name, OutcomeIgnored)
		return
	default:
		s.logger.WithFields(logrus.Fields{
			"state":  ev.NewState.Value,
			"source": s.source,
		}).Warn("Could not convert state to a number")
		s.metrics.ObserveReading(s.person.Name, OutcomeInvalid)
		return
	}

	if !s.person.Contains(weight) {
		s.metrics.ObserveReading(s.person.Name, OutcomeOutOfRange)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"weight": weight,
		"person": s.person.Name,
		"range":  WeightRange(s.person),
	}).Info("Weight matched person")

	s.mu.Lock()
	s.value = &weight
	s.lastMeasured = s.clock.Now().Format(timestampLayout)
	s.mu.Unlock()

	s.metrics.ObserveReading(s.person.Name, OutcomeMatched)
	s.writer.WriteState(s)
}

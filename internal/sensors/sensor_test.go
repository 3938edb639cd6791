package sensors

import (
	"io"
	"testing"
	"time"

	"github.com/jkaberg/hass-weight/internal/bus"
	"github.com/jkaberg/hass-weight/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const source = "sensor.scale"

type recordingWriter struct {
	writes []string
}

func (w *recordingWriter) WriteState(s *WeightSensor) {
	w.writes = append(w.writes, s.EntityID()+"="+s.State())
}

type mapStore map[string]bus.State

func (m mapStore) LastState(id string) (bus.State, bool) {
	st, ok := m[id]
	return st, ok
}

type countingMetrics struct {
	readings map[string]int
	restores map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{readings: map[string]int{}, restores: map[string]int{}}
}

func (c *countingMetrics) ObserveReading(_, outcome string) { c.readings[outcome]++ }
func (c *countingMetrics) ObserveRestore(outcome string)    { c.restores[outcome]++ }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var fixedNow = time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC)

type fixture struct {
	bus    *bus.Bus
	writer *recordingWriter
	clock  *clockwork.FakeClock
}

func newFixture() *fixture {
	return &fixture{
		bus:    bus.New(8),
		writer: &recordingWriter{},
		clock:  clockwork.NewFakeClockAt(fixedNow),
	}
}

func (f *fixture) sensor(name string, min, max float64, restore RestoreStore) *WeightSensor {
	s := NewWeightSensor(source, domain.PersonRange{Name: name, MinWeight: min, MaxWeight: max}, f.writer, f.clock, quietLogger())
	s.AddedToHass(restore, f.bus)
	return s
}

func (f *fixture) emit(value string) {
	f.bus.Dispatch(bus.StateChangedEvent{EntityID: source, NewState: &bus.State{EntityID: source, Value: value}})
}

func TestWeightSensor_Metadata(t *testing.T) {
	f := newFixture()
	s := f.sensor("Mary Jane", 50, 80, nil)

	assert.Equal(t, "Weight Mary Jane", s.Name())
	assert.Equal(t, "weight_classification_mary_jane", s.UniqueID())
	assert.Equal(t, "sensor.weight_mary_jane", s.EntityID())
	assert.Equal(t, "unknown", s.State())
	assert.Equal(t, map[string]any{
		"person_name":  "Mary Jane",
		"min_weight":   50.0,
		"max_weight":   80.0,
		"weight_range": "50.0-80.0 kg",
	}, s.Attributes())
	assert.Equal(t, []string{"sensor.weight_mary_jane=unknown"}, f.writer.writes)
}

func TestWeightSensor_InRangeSetsValue(t *testing.T) {
	tests := []struct {
		name    string
		reading string
		want    float64
	}{
		{"lower bound", "50", 50},
		{"upper bound", "80", 80},
		{"middle", "68.2", 68.2},
		{"whitespace", " 72.5 ", 72.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			s := f.sensor("A", 50, 80, nil)

			f.emit(tt.reading)

			v, ok := s.Value()
			require.True(t, ok)
			assert.Equal(t, tt.want, v)
			assert.Equal(t, "2024-03-01T07:30:00.000000+00:00", s.LastMeasured())
			assert.Equal(t, s.LastMeasured(), s.Attributes()[domain.AttrLastMeasured])
			assert.Len(t, f.writer.writes, 2)
		})
	}
}

func TestWeightSensor_OutOfRangeIsSticky(t *testing.T) {
	f := newFixture()
	m := newCountingMetrics()
	s := f.sensor("A", 50, 80, nil)
	s.SetMetrics(m)

	f.emit("60")
	first := s.LastMeasured()

	f.clock.Advance(time.Hour)
	f.emit("49.9")
	f.emit("80.1")

	v, ok := s.Value()
	require.True(t, ok)
	assert.Equal(t, 60.0, v)
	assert.Equal(t, first, s.LastMeasured())
	assert.Equal(t, 1, m.readings[OutcomeMatched])
	assert.Equal(t, 2, m.readings[OutcomeOutOfRange])
	assert.Len(t, f.writer.writes, 2)
}

func TestWeightSensor_IgnoresNonNumericAndSentinels(t *testing.T) {
	f := newFixture()
	m := newCountingMetrics()
	s := f.sensor("A", 50, 80, nil)
	s.SetMetrics(m)

	for _, v := range []string{"unknown", "unavailable", "", "heavy", "70kg"} {
		f.emit(v)
	}
	f.bus.Dispatch(bus.StateChangedEvent{EntityID: source, NewState: nil})

	_, ok := s.Value()
	assert.False(t, ok)
	assert.Empty(t, s.LastMeasured())
	assert.Equal(t, 4, m.readings[OutcomeIgnored])
	assert.Equal(t, 2, m.readings[OutcomeInvalid])
	assert.Len(t, f.writer.writes, 1)
}

func TestWeightSensor_Restore(t *testing.T) {
	tests := []struct {
		name      string
		stored    bus.State
		wantValue bool
		value     float64
		lastMeas  string
		outcome   string
	}{
		{
			name:      "numeric state restores both fields",
			stored:    bus.State{Value: "72.5", Attributes: map[string]any{domain.AttrLastMeasured: "2024-02-01T08:00:00.000000+00:00"}},
			wantValue: true, value: 72.5, lastMeas: "2024-02-01T08:00:00.000000+00:00", outcome: RestoreRestored,
		},
		{
			name:    "unavailable restores neither",
			stored:  bus.State{Value: "unavailable", Attributes: map[string]any{domain.AttrLastMeasured: "2024-02-01T08:00:00.000000+00:00"}},
			outcome: RestoreSentinel,
		},
		{
			name:    "unknown restores neither",
			stored:  bus.State{Value: "unknown"},
			outcome: RestoreSentinel,
		},
		{
			name:    "garbage restores neither",
			stored:  bus.State{Value: "abc", Attributes: map[string]any{domain.AttrLastMeasured: "x"}},
			outcome: RestoreInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			m := newCountingMetrics()
			s := NewWeightSensor(source, domain.PersonRange{Name: "A", MinWeight: 50, MaxWeight: 80}, f.writer, f.clock, quietLogger())
			s.SetMetrics(m)

			s.AddedToHass(mapStore{"sensor.weight_a": tt.stored}, f.bus)

			v, ok := s.Value()
			assert.Equal(t, tt.wantValue, ok)
			assert.Equal(t, tt.value, v)
			assert.Equal(t, tt.lastMeas, s.LastMeasured())
			assert.Equal(t, 1, m.restores[tt.outcome])
		})
	}
}

func TestWeightSensor_NoStoredState(t *testing.T) {
	f := newFixture()
	m := newCountingMetrics()
	s := NewWeightSensor(source, domain.PersonRange{Name: "A", MinWeight: 50, MaxWeight: 80}, f.writer, f.clock, quietLogger())
	s.SetMetrics(m)
	s.AddedToHass(mapStore{}, f.bus)

	_, ok := s.Value()
	assert.False(t, ok)
	assert.Equal(t, 1, m.restores[RestoreMissing])
}

func TestWeightSensor_WillRemoveDetaches(t *testing.T) {
	f := newFixture()
	s := f.sensor("A", 50, 80, nil)
	require.Equal(t, 1, f.bus.Subscribers(source))

	s.WillRemove()
	s.WillRemove()
	assert.Zero(t, f.bus.Subscribers(source))

	f.emit("60")
	_, ok := s.Value()
	assert.False(t, ok)
}

// Person A (50-80) and B (80-120) share one scale.
func TestScenario_TwoPersonsOneScale(t *testing.T) {
	f := newFixture()
	a := f.sensor("A", 50, 80, nil)
	b := f.sensor("B", 80, 120, nil)

	f.emit("68.2")
	va, ok := a.Value()
	require.True(t, ok)
	assert.Equal(t, 68.2, va)
	_, ok = b.Value()
	assert.False(t, ok)

	f.emit("unavailable")
	va, _ = a.Value()
	assert.Equal(t, 68.2, va)
	_, ok = b.Value()
	assert.False(t, ok)

	f.emit("45.0")
	va, _ = a.Value()
	assert.Equal(t, 68.2, va)
	_, ok = b.Value()
	assert.False(t, ok)
}

func TestScenario_OverlappingRangesBothClaim(t *testing.T) {
	f := newFixture()
	a := f.sensor("A", 50, 80, nil)
	b := f.sensor("B", 80, 120, nil)

	f.emit("80")

	va, okA := a.Value()
	vb, okB := b.Value()
	assert.True(t, okA)
	assert.True(t, okB)
	assert.Equal(t, 80.0, va)
	assert.Equal(t, 80.0, vb)
}

func TestParseReading(t *testing.T) {
	v, err := ParseReading("72.5")
	require.NoError(t, err)
	assert.Equal(t, 72.5, v)

	_, err = ParseReading("")
	assert.ErrorIs(t, err, ErrEmptyState)
	_, err = ParseReading("unavailable")
	assert.ErrorIs(t, err, ErrSentinelState)
	_, err = ParseReading("n/a")
	assert.ErrorIs(t, err, ErrNotNumeric)
}

func TestWeightRange(t *testing.T) {
	assert.Equal(t, "50.0-80.0 kg", WeightRange(domain.PersonRange{MinWeight: 50, MaxWeight: 80}))
	assert.Equal(t, "49.5-80.25 kg", WeightRange(domain.PersonRange{MinWeight: 49.5, MaxWeight: 80.25}))
	assert.Equal(t, "68.2", FormatReading(68.2))
	assert.Equal(t, "70", FormatReading(70))
}

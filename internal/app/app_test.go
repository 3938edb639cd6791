package app

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/jkaberg/hass-weight/internal/config"
	"github.com/jkaberg/hass-weight/internal/domain"
	"github.com/jkaberg/hass-weight/internal/mqtt"
	"github.com/jkaberg/hass-weight/internal/observability"
	"github.com/jkaberg/hass-weight/internal/transmission"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sourceTopic = "homeassistant/sensor/scale/state"

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testEntry() domain.Entry {
	return domain.Entry{
		EntryID: "entry-1",
		Domain:  domain.Domain,
		Title:   domain.DefaultTitle,
		Version: domain.EntryVersion,
		Data: domain.EntryData{
			SourceSensor: "sensor.scale",
			Persons: []domain.PersonRange{
				{Name: "Alice", MinWeight: 50, MaxWeight: 70},
				{Name: "Bob", MinWeight: 65, MaxWeight: 100},
			},
		},
	}
}

type harness struct {
	broker  *mqtt.MemoryBroker
	metrics *observability.Metrics
	cancel  context.CancelFunc
	done    chan error
}

func startApp(t *testing.T, b *mqtt.MemoryBroker, entries ...domain.Entry) *harness {
	t.Helper()
	cfg := config.GetDefaultConfig()
	cfg.RestoreWindow = 20 * time.Millisecond

	logger := quietLogger()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{broker: b, metrics: metrics, cancel: cancel, done: make(chan error, 1)}

	go func() {
		h.done <- Run(ctx, cfg, Deps{
			Conn:    b,
			Tx:      transmission.NewMQTTTransmitter(b, cfg.BaseTopic, cfg.DiscoveryPrefix, "test", logger),
			Entries: entries,
			Metrics: metrics,
			Clock:   clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC)),
			Logger:  logger,
		})
	}()

	require.Eventually(t, func() bool { return b.Subscribed(sourceTopic) }, time.Second, 5*time.Millisecond)
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("app did not stop")
	}
}

func (h *harness) state(objectID string) string {
	p, _ := h.broker.Retained("weight_classification/" + objectID + "/state")
	return string(p)
}

func TestRun_ClassifiesReadings(t *testing.T) {
	b := mqtt.NewMemoryBroker()
	h := startApp(t, b, testEntry())

	_, ok := b.Retained("homeassistant/sensor/weight_classification/alice/config")
	assert.True(t, ok, "discovery published")
	online, _ := b.Retained("weight_classification/availability")
	assert.Equal(t, mqtt.PayloadOnline, string(online))
	assert.Equal(t, "None", h.state("alice"))
	assert.Equal(t, "None", h.state("bob"))

	require.NoError(t, b.Publish(sourceTopic, []byte("55.2"), false))
	require.Eventually(t, func() bool { return h.state("alice") == "55.2" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "None", h.state("bob"))

	// Overlap: both persons claim the reading.
	require.NoError(t, b.Publish(sourceTopic, []byte("68"), false))
	require.Eventually(t, func() bool {
		return h.state("alice") == "68" && h.state("bob") == "68"
	}, time.Second, 5*time.Millisecond)

	// Out of every range: values stay.
	require.NoError(t, b.Publish(sourceTopic, []byte("120"), false))
	require.NoError(t, b.Publish(sourceTopic, []byte("unavailable"), false))
	require.NoError(t, b.Publish(sourceTopic, []byte("90"), false))
	require.Eventually(t, func() bool { return h.state("bob") == "90" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "68", h.state("alice"))

	raw, ok := b.Retained("weight_classification/bob/attributes")
	require.True(t, ok)
	var attrs map[string]any
	require.NoError(t, json.Unmarshal(raw, &attrs))
	assert.Equal(t, "Bob", attrs[domain.AttrPersonName])
	assert.Equal(t, "65.0-100.0 kg", attrs[domain.AttrWeightRange])
	assert.Equal(t, "2024-03-01T07:30:00.000000+00:00", attrs[domain.AttrLastMeasured])

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.ActiveEntities))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Entries))

	h.stop(t)

	offline, _ := b.Retained("weight_classification/availability")
	assert.Equal(t, mqtt.PayloadOffline, string(offline))
	assert.False(t, b.Subscribed(sourceTopic))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.ActiveEntities))
}

func TestRun_IgnoresRetainedSourceState(t *testing.T) {
	b := mqtt.NewMemoryBroker()
	require.NoError(t, b.Publish(sourceTopic, []byte("60"), true))

	h := startApp(t, b, testEntry())
	defer h.stop(t)

	assert.Equal(t, "None", h.state("alice"))
}

func TestRun_RestoresPreviousState(t *testing.T) {
	b := mqtt.NewMemoryBroker()
	require.NoError(t, b.Publish("weight_classification/alice/state", []byte("61.4"), true))
	require.NoError(t, b.Publish("weight_classification/alice/attributes",
		[]byte(`{"last_measured":"2024-02-28T06:00:00.000000+00:00"}`), true))
	require.NoError(t, b.Publish("weight_classification/bob/state", []byte("None"), true))

	h := startApp(t, b, testEntry())

	assert.Equal(t, "61.4", h.state("alice"))
	assert.Equal(t, "None", h.state("bob"))

	raw, _ := b.Retained("weight_classification/alice/attributes")
	var attrs map[string]any
	require.NoError(t, json.Unmarshal(raw, &attrs))
	assert.Equal(t, "2024-02-28T06:00:00.000000+00:00", attrs[domain.AttrLastMeasured])

	h.stop(t)
}

func TestRun_SkipsInvalidAndConflictingEntries(t *testing.T) {
	badRange := testEntry()
	badRange.EntryID = "entry-bad"
	badRange.Data.Persons = []domain.PersonRange{{Name: "Carol", MinWeight: 90, MaxWeight: 80}}

	conflicting := testEntry()
	conflicting.EntryID = "entry-dup"
	conflicting.Data.Persons = []domain.PersonRange{{Name: "alice", MinWeight: 10, MaxWeight: 20}}

	b := mqtt.NewMemoryBroker()
	h := startApp(t, b, testEntry(), badRange, conflicting)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Entries))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.ActiveEntities))
	_, ok := b.Retained("homeassistant/sensor/weight_classification/carol/config")
	assert.False(t, ok)

	// A reading only the skipped duplicate would claim leaves Alice unset.
	require.NoError(t, b.Publish(sourceTopic, []byte("15"), false))
	require.NoError(t, b.Publish(sourceTopic, []byte("75"), false))
	require.Eventually(t, func() bool { return h.state("bob") == "75" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "None", h.state("alice"))

	h.stop(t)
}

func TestRun_FailsWhenNoEntryIsValid(t *testing.T) {
	bad := testEntry()
	bad.Data.Persons = []domain.PersonRange{{Name: "Carol", MinWeight: 90, MaxWeight: 80}}

	b := mqtt.NewMemoryBroker()
	cfg := config.GetDefaultConfig()
	err := Run(context.Background(), cfg, Deps{
		Conn:    b,
		Tx:      transmission.NewMQTTTransmitter(b, cfg.BaseTopic, cfg.DiscoveryPrefix, "test", quietLogger()),
		Entries: []domain.Entry{bad},
		Logger:  quietLogger(),
	})
	assert.Error(t, err)
	assert.Empty(t, b.Published())
}

func TestRun_RequiresEntries(t *testing.T) {
	b := mqtt.NewMemoryBroker()
	cfg := config.GetDefaultConfig()
	err := Run(context.Background(), cfg, Deps{
		Conn:   b,
		Tx:     transmission.NewMQTTTransmitter(b, cfg.BaseTopic, cfg.DiscoveryPrefix, "test", quietLogger()),
		Logger: quietLogger(),
	})
	assert.Error(t, err)
}

func TestSetupEntry_OneSensorPerPerson(t *testing.T) {
	b := mqtt.NewMemoryBroker()
	tx := transmission.NewMQTTTransmitter(b, "weight_classification", "homeassistant", "test", quietLogger())
	in := SetupEntry(testEntry(), tx, nil, nil, quietLogger())

	require.Len(t, in.Sensors, 2)
	assert.Equal(t, "sensor.weight_alice", in.Sensors[0].EntityID())
	assert.Equal(t, "sensor.weight_bob", in.Sensors[1].EntityID())
	for _, s := range in.Sensors {
		assert.Equal(t, "sensor.scale", s.SourceSensor())
	}
}

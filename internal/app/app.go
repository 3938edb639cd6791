package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jkaberg/hass-weight/internal/bus"
	"github.com/jkaberg/hass-weight/internal/cache"
	"github.com/jkaberg/hass-weight/internal/config"
	"github.com/jkaberg/hass-weight/internal/domain"
	"github.com/jkaberg/hass-weight/internal/mqtt"
	"github.com/jkaberg/hass-weight/internal/observability"
	"github.com/jkaberg/hass-weight/internal/sensors"
	"github.com/jkaberg/hass-weight/internal/statestream"
	"github.com/jkaberg/hass-weight/internal/store"
	"github.com/jkaberg/hass-weight/internal/transmission"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Integration is one loaded config entry and its sensors.
type Integration struct {
	Entry   domain.Entry
	Sensors []*sensors.WeightSensor

	tx     transmission.Transmitter
	logger *logrus.Logger
}

// SetupEntry creates one weight sensor per configured person. All sensors
// share the entry's source sensor.
func SetupEntry(entry domain.Entry, tx transmission.Transmitter, clock clockwork.Clock, metrics sensors.Metrics, logger *logrus.Logger) *Integration {
	in := &Integration{Entry: entry, tx: tx, logger: logger}
	for _, p := range entry.Data.Persons {
		s := sensors.NewWeightSensor(entry.Data.SourceSensor, p, tx, clock, logger)
		s.SetMetrics(metrics)
		in.Sensors = append(in.Sensors, s)
	}
	return in
}

// Attach announces every sensor to Home Assistant, restores it and starts
// listening. A discovery failure is logged and does not stop other sensors.
func (in *Integration) Attach(restore sensors.RestoreStore, events bus.Subscriber) {
	for _, s := range in.Sensors {
		if err := in.tx.PublishDiscovery(s); err != nil {
			in.logger.WithError(err).WithField("entity_id", s.EntityID()).Error("Failed to publish discovery config")
		}
		s.AddedToHass(restore, events)
	}
	in.logger.WithFields(logrus.Fields{
		"entry_id": in.Entry.EntryID,
		"source":   in.Entry.Data.SourceSensor,
		"sensors":  len(in.Sensors),
	}).Info("Config entry set up")
}

// Unload detaches every sensor.
func (in *Integration) Unload() {
	for _, s := range in.Sensors {
		s.WillRemove()
	}
}

// usableEntries drops entries that fail validation or reuse a person of an
// earlier entry. Entries on disk may have been edited by hand.
func usableEntries(entries []domain.Entry, logger *logrus.Logger) []domain.Entry {
	var ok []domain.Entry
	for _, e := range entries {
		err := e.Data.Validate()
		if err == nil {
			err = store.CheckConflicts(ok, e.Data)
		}
		if err != nil {
			logger.WithError(err).WithField("entry_id", e.EntryID).Error("Skipping config entry")
			continue
		}
		ok = append(ok, e)
	}
	return ok
}

// Runner is a background component bound to the run context.
type Runner interface {
	Run(ctx context.Context) error
}

// Deps are the collaborators Run needs.
type Deps struct {
	Conn    mqtt.Conn
	Tx      *transmission.MQTTTransmitter
	Entries []domain.Entry
	Metrics *observability.Metrics // optional
	HTTP    Runner                 // optional
	Clock   clockwork.Clock        // optional
	Logger  *logrus.Logger
}

// Run sets up every entry and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, d Deps) error {
	logger := d.Logger
	if len(d.Entries) == 0 {
		return fmt.Errorf("no config entries; run the setup command first")
	}
	entries := usableEntries(d.Entries, logger)
	if len(entries) == 0 {
		return fmt.Errorf("none of the %d config entries is valid", len(d.Entries))
	}

	restore := cache.NewManager(logger)
	if err := d.Tx.Restore(ctx, restore, cfg.RestoreWindow); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logger.WithError(err).Warn("Could not collect previous sensor states")
	}

	var metrics sensors.Metrics
	if d.Metrics != nil {
		metrics = d.Metrics
	}

	events := bus.New(config.EventQueueSize)
	var integrations []*Integration
	var sources []string
	total := 0
	for _, e := range entries {
		in := SetupEntry(e, d.Tx, d.Clock, metrics, logger)
		in.Attach(restore, events)
		integrations = append(integrations, in)
		sources = append(sources, e.Data.SourceSensor)
		total += len(in.Sensors)
	}
	if d.Metrics != nil {
		d.Metrics.Entries.Set(float64(len(integrations)))
		d.Metrics.ActiveEntities.Set(float64(total))
	}

	if err := d.Tx.PublishAvailability(true); err != nil {
		logger.WithError(err).Warn("Failed to publish availability")
	}

	source := statestream.NewSource(d.Conn, cfg.StatestreamPrefix, events, logger)
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return events.Run(gctx) })
	grp.Go(func() error { return source.Run(gctx, sources) })
	if d.HTTP != nil {
		grp.Go(func() error { return d.HTTP.Run(gctx) })
	}

	err := grp.Wait()

	for _, in := range integrations {
		in.Unload()
	}
	if d.Metrics != nil {
		d.Metrics.ActiveEntities.Set(0)
	}
	if perr := d.Tx.PublishAvailability(false); perr != nil {
		logger.WithError(perr).Warn("Failed to publish offline availability")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("app: %w", err)
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/jkaberg/hass-weight/internal/app"
	"github.com/jkaberg/hass-weight/internal/config"
	"github.com/jkaberg/hass-weight/internal/domain"
	"github.com/jkaberg/hass-weight/internal/flow"
	"github.com/jkaberg/hass-weight/internal/hass"
	"github.com/jkaberg/hass-weight/internal/mqtt"
	"github.com/jkaberg/hass-weight/internal/observability"
	"github.com/jkaberg/hass-weight/internal/statestream"
	"github.com/jkaberg/hass-weight/internal/store"
	"github.com/jkaberg/hass-weight/internal/transmission"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type loggerFunc func() *logrus.Logger

func runCommand(cfg *config.Config, log loggerFunc) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the weight sensors (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd.Context(), cfg, dryRun, log())
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Use an in-memory broker instead of MQTT")
	return cmd
}

func runService(parent context.Context, cfg *config.Config, dryRun bool, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"version":      version,
		"entries_file": cfg.EntriesFile,
		"base_topic":   cfg.BaseTopic,
	}).Info("Starting hass-weight")

	entries, err := store.Open(cfg.EntriesFile, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(contextOrBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Core clients ---------------------------------------------------------------
	conn, closeConn, err := connect(cfg, dryRun, logger)
	if err != nil {
		return err
	}
	defer closeConn()

	tx := transmission.NewMQTTTransmitter(conn, cfg.BaseTopic, cfg.DiscoveryPrefix, version, logger)

	// Observability --------------------------------------------------------------
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	deps := app.Deps{
		Conn:    conn,
		Tx:      tx,
		Entries: entries.Entries(),
		Metrics: metrics,
		Logger:  logger,
	}
	if cfg.HTTPAddr != "" {
		deps.HTTP = observability.NewServer(cfg.HTTPAddr, mqttReadiness{conn: conn}, reg, logger)
	}

	// Run application ------------------------------------------------------------
	if err := app.Run(ctx, cfg, deps); err != nil {
		return err
	}
	logger.Info("hass-weight stopped")
	return nil
}

// connect returns the broker connection and its cleanup.
func connect(cfg *config.Config, dryRun bool, logger *logrus.Logger) (mqtt.Conn, func(), error) {
	if dryRun {
		logger.Warn("Dry run: using in-memory broker, nothing reaches Home Assistant")
		return mqtt.NewMemoryBroker(), func() {}, nil
	}
	if !cfg.HasMQTT() {
		return nil, nil, errors.New("an MQTT URL is required (--mqtt-url or HASS_WEIGHT_MQTT_URL)")
	}
	client, err := mqtt.NewClient(clientOptions(cfg), logger)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { client.Disconnect(250) }, nil
}

// clientOptions sets the last will on the topic discovery advertises as
// availability.
func clientOptions(cfg *config.Config) mqtt.Options {
	return mqtt.Options{
		URL:       cfg.MQTTUrl,
		ClientID:  cfg.ClientID,
		WillTopic: transmission.AvailabilityTopic(cfg.BaseTopic),
		Insecure:  cfg.MQTTInsecure,
	}
}

type mqttReadiness struct {
	conn mqtt.Conn
}

func (r mqttReadiness) CheckReadiness(context.Context) error {
	if !r.conn.IsConnected() {
		return errors.New("mqtt disconnected")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Config entry management
// -----------------------------------------------------------------------------

// sensorLister enumerates the sensor entity ids offered by the setup wizard.
type sensorLister interface {
	KnownSensors(ctx context.Context) ([]string, error)
}

func setupCommand(cfg *config.Config, log loggerFunc) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create a config entry interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := log()
			ctx := contextOrBackground(cmd.Context())

			entries, err := store.Open(cfg.EntriesFile, logger)
			if err != nil {
				return err
			}

			var known []string
			if source != "" {
				known = []string{source}
			} else {
				lister, cleanup, err := newSensorLister(cfg, logger)
				if err != nil {
					return err
				}
				known, err = lister.KnownSensors(ctx)
				cleanup()
				if err != nil {
					return fmt.Errorf("list sensors: %w", err)
				}
			}
			if len(known) == 0 {
				return errors.New("no sensors found to choose from")
			}

			res, err := flow.NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout()).Run(ctx, flow.NewConfigFlow(known, logger))
			if err != nil {
				return err
			}

			entry, err := entries.CreateEntry(res.Title, *res.Data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created entry %s with %d person(s)\n", entry.EntryID, len(entry.Data.Persons))
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Source sensor entity id (skips sensor discovery)")
	return cmd
}

// newSensorLister prefers the REST API and falls back to the statestream.
func newSensorLister(cfg *config.Config, logger *logrus.Logger) (sensorLister, func(), error) {
	if cfg.HasHassAPI() {
		return hass.NewClient(cfg.HassURL, cfg.HassToken, config.HassAPITimeout, cfg.HassInsecure, logger), func() {}, nil
	}
	conn, cleanup, err := connect(cfg, false, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("configure --hass-url and --hass-token, or MQTT with mqtt_statestream: %w", err)
	}
	return statestream.NewScanner(conn, cfg.StatestreamPrefix, cfg.ScanWindow, logger), cleanup, nil
}

func optionsCommand(cfg *config.Config, log loggerFunc) *cobra.Command {
	var sets []string

	cmd := &cobra.Command{
		Use:   "options <entry-id>",
		Short: "Set options on a config entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log()
			entries, err := store.Open(cfg.EntriesFile, logger)
			if err != nil {
				return err
			}
			entry, err := entries.Entry(args[0])
			if err != nil {
				return err
			}

			input, err := parseSets(sets)
			if err != nil {
				return err
			}

			fl := flow.NewOptionsFlow(entry)
			res, err := fl.Submit(fl.Init().StepID, input)
			if err != nil {
				return err
			}
			if _, err := entries.UpdateOptions(entry.EntryID, res.Options); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated options of %s\n", entry.EntryID)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Option as key=value (repeatable)")
	return cmd
}

// parseSets turns key=value pairs into typed options. Values are decoded as
// YAML scalars, so "true" is a bool and "5" an int.
func parseSets(sets []string) (map[string]any, error) {
	out := make(map[string]any, len(sets))
	for _, s := range sets {
		key, raw, ok := strings.Cut(s, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid option %q, want key=value", s)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func entriesCommand(cfg *config.Config, log loggerFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "entries",
		Short: "List config entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := store.Open(cfg.EntriesFile, log())
			if err != nil {
				return err
			}
			printEntries(cmd, entries.Entries())
			return nil
		},
	}
}

func printEntries(cmd *cobra.Command, entries []domain.Entry) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ENTRY ID\tSOURCE\tPERSON\tENTITY\tRANGE")
	for _, e := range entries {
		persons := append([]domain.PersonRange(nil), e.Data.Persons...)
		sort.SliceStable(persons, func(i, j int) bool { return persons[i].MinWeight < persons[j].MinWeight })
		for _, p := range persons {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%g-%g %s\n",
				e.EntryID, e.Data.SourceSensor, p.Name, domain.EntityID(p.Name), p.MinWeight, p.MaxWeight, domain.UnitKilograms)
		}
	}
}

func removeCommand(cfg *config.Config, log loggerFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <entry-id>",
		Short: "Remove a config entry and its Home Assistant entities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log()
			entries, err := store.Open(cfg.EntriesFile, logger)
			if err != nil {
				return err
			}
			removed, err := entries.RemoveEntry(args[0])
			if err != nil {
				return err
			}

			if cfg.HasMQTT() {
				conn, cleanup, err := connect(cfg, false, logger)
				if err != nil {
					logger.WithError(err).Warn("Entry removed but discovery configs were not cleared")
				} else {
					tx := transmission.NewMQTTTransmitter(conn, cfg.BaseTopic, cfg.DiscoveryPrefix, version, logger)
					for _, p := range removed.Data.Persons {
						if err := tx.ClearDiscovery(p.ObjectID()); err != nil {
							logger.WithError(err).WithField("person", p.Name).Warn("Failed to clear discovery config")
						}
					}
					cleanup()
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Removed entry %s\n", removed.EntryID)
			return nil
		},
	}
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

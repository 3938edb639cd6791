package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jkaberg/hass-weight/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// version is injected at build time via ldflags
var version = "dev"

func main() {
	if err := rootCommand(config.GetDefaultConfig()).Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand(cfg *config.Config) *cobra.Command {
	var logger *logrus.Logger

	root := &cobra.Command{
		Use:           "hass-weight",
		Short:         "Classify smart scale readings into per-person Home Assistant sensors",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	setupFlags(root, cfg)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		logger = setupLogger(cfg.Verbose)
		if cmd.Name() == "version" {
			return nil
		}
		return cfg.Validate()
	}

	log := func() *logrus.Logger { return logger }

	runCmd := runCommand(cfg, log)
	root.RunE = runCmd.RunE
	root.Flags().AddFlagSet(runCmd.Flags())

	root.AddCommand(
		runCmd,
		setupCommand(cfg, log),
		optionsCommand(cfg, log),
		entriesCommand(cfg, log),
		removeCommand(cfg, log),
		versionCommand(),
	)
	return root
}

// -----------------------------------------------------------------------------
// Helpers & Flags
// -----------------------------------------------------------------------------

func setupFlags(root *cobra.Command, cfg *config.Config) {
	f := root.PersistentFlags()

	f.StringVar(&cfg.MQTTUrl, "mqtt-url", getEnv("HASS_WEIGHT_MQTT_URL", cfg.MQTTUrl), "MQTT URL")
	f.BoolVar(&cfg.MQTTInsecure, "mqtt-insecure", getEnvBool("HASS_WEIGHT_MQTT_INSECURE", cfg.MQTTInsecure), "Skip TLS verification for mqtts:// and wss://")
	f.StringVar(&cfg.ClientID, "client-id", getEnv("HASS_WEIGHT_CLIENT_ID", cfg.ClientID), "MQTT client id")
	f.StringVar(&cfg.DiscoveryPrefix, "discovery-prefix", getEnv("HASS_WEIGHT_DISCOVERY_PREFIX", cfg.DiscoveryPrefix), "HA discovery prefix")
	f.StringVar(&cfg.StatestreamPrefix, "statestream-prefix", getEnv("HASS_WEIGHT_STATESTREAM_PREFIX", cfg.StatestreamPrefix), "base_topic of HA mqtt_statestream")
	f.StringVar(&cfg.BaseTopic, "base-topic", getEnv("HASS_WEIGHT_BASE_TOPIC", cfg.BaseTopic), "Topic for retained sensor states")
	f.StringVar(&cfg.HassURL, "hass-url", getEnv("HASS_WEIGHT_HASS_URL", cfg.HassURL), "Home Assistant URL (used by setup)")
	f.StringVar(&cfg.HassToken, "hass-token", getEnv("HASS_WEIGHT_HASS_TOKEN", cfg.HassToken), "Home Assistant long-lived access token")
	f.BoolVar(&cfg.HassInsecure, "hass-insecure", getEnvBool("HASS_WEIGHT_HASS_INSECURE", cfg.HassInsecure), "Skip TLS verification for Home Assistant")
	f.StringVar(&cfg.EntriesFile, "entries-file", getEnv("HASS_WEIGHT_ENTRIES_FILE", cfg.EntriesFile), "YAML file holding config entries")
	f.StringVar(&cfg.HTTPAddr, "http-addr", getEnv("HASS_WEIGHT_HTTP_ADDR", cfg.HTTPAddr), "Health and metrics listen address (empty disables)")
	f.BoolVarP(&cfg.Verbose, "verbose", "v", getEnvBool("HASS_WEIGHT_VERBOSE", cfg.Verbose), "Verbose logging")
	f.DurationVar(&cfg.RestoreWindow, "restore-window", getEnvDuration("HASS_WEIGHT_RESTORE_WINDOW", cfg.RestoreWindow), "How long to collect retained states at startup")
	f.DurationVar(&cfg.ScanWindow, "scan-window", getEnvDuration("HASS_WEIGHT_SCAN_WINDOW", cfg.ScanWindow), "How long to scan the statestream for sensors")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return def
}

// getEnvDuration accepts a Go duration ("5s") or plain seconds ("5").
func getEnvDuration(key string, def time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return time.Duration(v) * time.Second
	}
	return def
}

func setupLogger(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and exit",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hass-weight %s\n", version)
		},
	}
}

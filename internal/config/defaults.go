package config

import "time"

// Central place for application-wide timing constants and other defaults.

const (
	// Startup windows
	DefaultRestoreWindow = 2 * time.Second // collect retained sensor states
	DefaultScanWindow    = 3 * time.Second // collect retained statestream sensors

	// Operation time-outs
	HassAPITimeout  = 10 * time.Second // Home Assistant REST call
	ShutdownTimeout = 5 * time.Second  // graceful HTTP server shutdown

	// Event queue depth between MQTT callbacks and the dispatch loop
	EventQueueSize = 64
)

package transmission

import "github.com/jkaberg/hass-weight/internal/sensors"

// Transmitter renders weight sensors in Home Assistant.
type Transmitter interface {
	sensors.StateWriter
	PublishDiscovery(s *sensors.WeightSensor) error
	IsConnected() bool
}

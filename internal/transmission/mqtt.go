package transmission

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jkaberg/hass-weight/internal/cache"
	"github.com/jkaberg/hass-weight/internal/domain"
	"github.com/jkaberg/hass-weight/internal/mqtt"
	"github.com/jkaberg/hass-weight/internal/sensors"
	"github.com/sirupsen/logrus"
)

// payloadNone is what Home Assistant's MQTT sensor treats as "no value".
const payloadNone = "None"

// MQTTTransmitter publishes weight sensors through MQTT discovery and keeps
// their state and attributes retained on the broker so they survive restarts.
type MQTTTransmitter struct {
	conn            mqtt.Conn
	baseTopic       string
	discoveryPrefix string
	swVersion       string
	logger          *logrus.Logger

	mu               sync.Mutex
	publishedConfigs map[string]bool
}

// HADiscoveryConfig represents Home Assistant MQTT discovery configuration.
type HADiscoveryConfig struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	ObjectID            string   `json:"object_id"`
	StateTopic          string   `json:"state_topic"`
	JSONAttributesTopic string   `json:"json_attributes_topic"`
	DeviceClass         string   `json:"device_class,omitempty"`
	UnitOfMeasurement   string   `json:"unit_of_measurement,omitempty"`
	StateClass          string   `json:"state_class,omitempty"`
	Icon                string   `json:"icon,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	Device              HADevice `json:"device"`
}

// HADevice represents the device information for Home Assistant.
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// NewMQTTTransmitter creates a transmitter publishing under baseTopic.
func NewMQTTTransmitter(conn mqtt.Conn, baseTopic, discoveryPrefix, swVersion string, logger *logrus.Logger) *MQTTTransmitter {
	return &MQTTTransmitter{
		conn:             conn,
		baseTopic:        baseTopic,
		discoveryPrefix:  discoveryPrefix,
		swVersion:        swVersion,
		logger:           logger,
		publishedConfigs: make(map[string]bool),
	}
}

// StateTopic returns the retained state topic of an entity.
func (t *MQTTTransmitter) StateTopic(objectID string) string {
	return fmt.Sprintf("%s/%s/state", t.baseTopic, objectID)
}

// AttributesTopic returns the retained attributes topic of an entity.
func (t *MQTTTransmitter) AttributesTopic(objectID string) string {
	return fmt.Sprintf("%s/%s/attributes", t.baseTopic, objectID)
}

// AvailabilityTopic is shared by all entities of this process.
func (t *MQTTTransmitter) AvailabilityTopic() string {
	return AvailabilityTopic(t.baseTopic)
}

// AvailabilityTopic returns the availability topic under baseTopic. The MQTT
// last will must use the same topic.
func AvailabilityTopic(baseTopic string) string {
	return fmt.Sprintf("%s/availability", baseTopic)
}

// DiscoveryTopic returns the discovery config topic of an entity.
func (t *MQTTTransmitter) DiscoveryTopic(objectID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", t.discoveryPrefix, domain.SensorDomain, domain.Domain, objectID)
}

func (t *MQTTTransmitter) device() HADevice {
	return HADevice{
		Identifiers:  []string{domain.Domain},
		Name:         domain.DefaultTitle,
		Model:        "Weight classifier",
		Manufacturer: "hass-weight",
		SWVersion:    t.swVersion,
	}
}

// PublishDiscovery publishes the discovery config for s once per process.
func (t *MQTTTransmitter) PublishDiscovery(s *sensors.WeightSensor) error {
	t.mu.Lock()
	done := t.publishedConfigs[s.UniqueID()]
	t.mu.Unlock()
	if done {
		return nil
	}

	config := HADiscoveryConfig{
		Name:                s.Name(),
		UniqueID:            s.UniqueID(),
		ObjectID:            "weight_" + s.ObjectID(),
		StateTopic:          t.StateTopic(s.ObjectID()),
		JSONAttributesTopic: t.AttributesTopic(s.ObjectID()),
		DeviceClass:         sensors.DeviceClass,
		UnitOfMeasurement:   domain.UnitKilograms,
		StateClass:          sensors.StateClass,
		Icon:                sensors.Icon,
		AvailabilityTopic:   t.AvailabilityTopic(),
		Device:              t.device(),
	}

	topic := t.DiscoveryTopic(s.ObjectID())
	if err := t.publishJSON(topic, config, true); err != nil {
		return fmt.Errorf("failed to publish %s discovery config: %w", s.Name(), err)
	}

	t.logger.WithFields(logrus.Fields{
		"sensor_name": s.Name(),
		"entity_id":   s.EntityID(),
		"topic":       topic,
	}).Info("Published sensor discovery config")

	t.mu.Lock()
	t.publishedConfigs[s.UniqueID()] = true
	t.mu.Unlock()
	return nil
}

// ClearDiscovery removes the entity from Home Assistant and drops its
// retained state.
func (t *MQTTTransmitter) ClearDiscovery(objectID string) error {
	for _, topic := range []string{
		t.DiscoveryTopic(objectID),
		t.StateTopic(objectID),
		t.AttributesTopic(objectID),
	} {
		if err := t.conn.Publish(topic, nil, true); err != nil {
			return fmt.Errorf("failed to clear %s: %w", topic, err)
		}
	}
	t.mu.Lock()
	delete(t.publishedConfigs, domain.Domain+"_"+objectID)
	t.mu.Unlock()
	return nil
}

// WriteState publishes the entity state and attributes. Failures are logged,
// never returned: the next update supersedes a lost one.
func (t *MQTTTransmitter) WriteState(s *sensors.WeightSensor) {
	if err := t.writeState(s); err != nil {
		t.logger.WithError(err).WithField("entity_id", s.EntityID()).Warn("Failed to write sensor state")
	}
}

func (t *MQTTTransmitter) writeState(s *sensors.WeightSensor) error {
	if !t.conn.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	if err := t.publishJSON(t.AttributesTopic(s.ObjectID()), s.Attributes(), true); err != nil {
		return err
	}

	state := s.State()
	if state == domain.StateUnknown {
		state = payloadNone
	}
	if err := t.conn.Publish(t.StateTopic(s.ObjectID()), []byte(state), true); err != nil {
		return fmt.Errorf("failed to publish state: %w", err)
	}

	t.logger.WithFields(logrus.Fields{
		"entity_id": s.EntityID(),
		"state":     state,
	}).Debug("Published sensor state")
	return nil
}

// PublishAvailability publishes the availability status.
func (t *MQTTTransmitter) PublishAvailability(online bool) error {
	payload := mqtt.PayloadOnline
	if !online {
		payload = mqtt.PayloadOffline
	}
	if err := t.conn.Publish(t.AvailabilityTopic(), []byte(payload), true); err != nil {
		return fmt.Errorf("failed to publish availability: %w", err)
	}
	return nil
}

// Restore subscribes to the retained state and attributes topics for window
// and copies what the broker replays into c. Retained messages arrive right
// after subscribing; the window bounds how long we wait for them.
func (t *MQTTTransmitter) Restore(ctx context.Context, c *cache.Manager, window time.Duration) error {
	stateFilter := fmt.Sprintf("%s/+/state", t.baseTopic)
	attrFilter := fmt.Sprintf("%s/+/attributes", t.baseTopic)

	err := t.conn.Subscribe(stateFilter, func(m mqtt.Message) {
		if !m.Retained {
			return
		}
		objectID, ok := t.objectIDFromTopic(m.Topic, "state")
		if !ok {
			return
		}
		value := string(m.Payload)
		if value == payloadNone {
			value = domain.StateUnknown
		}
		c.PutState(domain.EntityID(objectID), value)
	})
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	defer t.unsubscribe(stateFilter)

	err = t.conn.Subscribe(attrFilter, func(m mqtt.Message) {
		if !m.Retained {
			return
		}
		objectID, ok := t.objectIDFromTopic(m.Topic, "attributes")
		if !ok {
			return
		}
		var attrs map[string]any
		if err := json.Unmarshal(m.Payload, &attrs); err != nil {
			t.logger.WithError(err).WithField("topic", m.Topic).Warn("Ignoring unreadable retained attributes")
			return
		}
		c.PutAttributes(domain.EntityID(objectID), attrs)
	})
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	defer t.unsubscribe(attrFilter)

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	t.logger.WithField("entities", c.Len()).Debug("Collected retained sensor states")
	return nil
}

func (t *MQTTTransmitter) unsubscribe(filter string) {
	if err := t.conn.Unsubscribe(filter); err != nil {
		t.logger.WithError(err).WithField("topic", filter).Debug("Unsubscribe failed")
	}
}

// objectIDFromTopic extracts <object_id> from <base>/<object_id>/<leaf>.
func (t *MQTTTransmitter) objectIDFromTopic(topic, leaf string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.baseTopic+"/")
	if !ok {
		return "", false
	}
	objectID, ok := strings.CutSuffix(rest, "/"+leaf)
	if !ok || objectID == "" || strings.Contains(objectID, "/") {
		return "", false
	}
	return objectID, true
}

// publishJSON marshals v and publishes it.
func (t *MQTTTransmitter) publishJSON(topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}
	if err := t.conn.Publish(topic, payload, retained); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// IsConnected checks if the MQTT client is connected.
func (t *MQTTTransmitter) IsConnected() bool {
	return t.conn.IsConnected()
}

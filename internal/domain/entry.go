package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidWeightRange is returned when a person's lower bound is not below
// the upper bound.
var ErrInvalidWeightRange = errors.New("invalid_weight_range")

// PersonRange is a named [MinWeight, MaxWeight] interval used to attribute a
// reading to one person.
type PersonRange struct {
	Name      string  `yaml:"name" json:"name"`
	MinWeight float64 `yaml:"min_weight" json:"min_weight"`
	MaxWeight float64 `yaml:"max_weight" json:"max_weight"`
}

// Validate checks the range ordering. Cross-person overlap is allowed.
func (p PersonRange) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("person name is required")
	}
	if p.MinWeight >= p.MaxWeight {
		return ErrInvalidWeightRange
	}
	return nil
}

// Contains reports whether w lies inside the range, both bounds inclusive.
func (p PersonRange) Contains(w float64) bool {
	return p.MinWeight <= w && w <= p.MaxWeight
}

// ObjectID derives the stable per-person identifier from the display name.
func (p PersonRange) ObjectID() string { return ObjectID(p.Name) }

// objectIDReplacer maps spaces, topic separators and MQTT wildcards to "_".
// The object id is a single topic level.
var objectIDReplacer = strings.NewReplacer(" ", "_", "/", "_", "+", "_", "#", "_", "\x00", "_")

// ObjectID lower-cases name and replaces spaces, "/", "+" and "#" with
// underscores.
func ObjectID(name string) string {
	return objectIDReplacer.Replace(strings.ToLower(name))
}

// UniqueID returns the registry unique id for a person's sensor.
func UniqueID(name string) string {
	return fmt.Sprintf("%s_%s", Domain, ObjectID(name))
}

// EntityID returns the entity id Home Assistant assigns to a person's sensor.
func EntityID(name string) string {
	return fmt.Sprintf("%s.weight_%s", SensorDomain, ObjectID(name))
}

// EntryData is the payload produced by the setup flow.
type EntryData struct {
	SourceSensor string        `yaml:"source_sensor" json:"source_sensor"`
	Persons      []PersonRange `yaml:"persons" json:"persons"`
}

// Validate checks the invariants every persisted entry must hold.
func (d EntryData) Validate() error {
	if !strings.HasPrefix(d.SourceSensor, SensorDomain+".") {
		return fmt.Errorf("source sensor %q is not a sensor entity", d.SourceSensor)
	}
	if len(d.Persons) == 0 {
		return fmt.Errorf("at least one person is required")
	}
	seen := make(map[string]string, len(d.Persons))
	for i, p := range d.Persons {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("person %d (%s): %w", i, p.Name, err)
		}
		// Names that slugify alike would share one entity id.
		if prev, dup := seen[p.ObjectID()]; dup {
			return fmt.Errorf("person %d (%s) collides with %s", i, p.Name, prev)
		}
		seen[p.ObjectID()] = p.Name
	}
	return nil
}

// Entry is a persisted configuration entry.
type Entry struct {
	EntryID   string         `yaml:"entry_id" json:"entry_id"`
	Domain    string         `yaml:"domain" json:"domain"`
	Title     string         `yaml:"title" json:"title"`
	Version   int            `yaml:"version" json:"version"`
	Data      EntryData      `yaml:"data" json:"data"`
	Options   map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
	CreatedAt time.Time      `yaml:"created_at" json:"created_at"`
}

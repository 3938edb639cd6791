package domain

// Central place for the identifiers shared by the setup flow, the entry store
// and the sensor entities.

const (
	Domain       = "weight_classification"
	DefaultTitle = "Weight Classification"
	EntryVersion = 1

	// Configuration keys
	ConfSourceSensor = "source_sensor"
	ConfPersons      = "persons"
	ConfPersonName   = "name"
	ConfMinWeight    = "min_weight"
	ConfMaxWeight    = "max_weight"
	ConfAddAnother   = "add_another"

	// Attributes
	AttrPersonName   = "person_name"
	AttrWeightRange  = "weight_range"
	AttrLastMeasured = "last_measured"
	AttrMinWeight    = "min_weight"
	AttrMaxWeight    = "max_weight"

	// Weight bounds accepted by the setup flow (kg)
	WeightLimitMin   = 0.0
	WeightLimitMax   = 500.0
	DefaultMinWeight = 30.0
	DefaultMaxWeight = 100.0
	UnitKilograms    = "kg"

	// Home Assistant sentinel states
	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"

	// SensorDomain is the entity domain of both the source and derived sensors.
	SensorDomain = "sensor"
)

// IsSentinelState reports whether s is one of the placeholder states Home
// Assistant uses when an entity has no real value.
func IsSentinelState(s string) bool {
	return s == StateUnknown || s == StateUnavailable
}

package flow

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// FieldKind selects how a raw form value is coerced.
type FieldKind int

const (
	FieldString FieldKind = iota
	FieldFloat
	FieldBool
	FieldSelect
)

// Field error codes shown next to the offending input.
const (
	ErrCodeRequired      = "required"
	ErrCodeInvalidNumber = "invalid_number"
	ErrCodeOutOfRange    = "out_of_range"
	ErrCodeInvalidBool   = "invalid_boolean"
	ErrCodeInvalidOption = "invalid_option"
)

// Field describes one form input.
type Field struct {
	Key      string
	Kind     FieldKind
	Required bool
	Default  any
	Min, Max *float64
	Options  []string // FieldSelect only
}

// Schema is an ordered list of fields.
type Schema []Field

// Coerce converts raw user input into typed values. Missing optional values
// fall back to the field default. The second return maps field keys to error
// codes; when it is non-empty the values must not be used.
func (s Schema) Coerce(input map[string]any) (map[string]any, map[string]string) {
	values := make(map[string]any, len(s))
	errs := make(map[string]string)

	for _, f := range s {
		raw, present := input[f.Key]
		if present {
			if str, ok := raw.(string); ok && strings.TrimSpace(str) == "" && f.Kind != FieldString {
				present = false
			}
		}
		if !present || raw == nil {
			if f.Default != nil {
				values[f.Key] = f.Default
				continue
			}
			if f.Required {
				errs[f.Key] = ErrCodeRequired
			}
			continue
		}

		v, code := f.coerce(raw)
		if code != "" {
			errs[f.Key] = code
			continue
		}
		values[f.Key] = v
	}
	return values, errs
}

func (f Field) coerce(raw any) (any, string) {
	switch f.Kind {
	case FieldString:
		s := fmt.Sprint(raw)
		if f.Required && strings.TrimSpace(s) == "" {
			return nil, ErrCodeRequired
		}
		return s, ""
	case FieldFloat:
		v, ok := toFloat(raw)
		if !ok {
			return nil, ErrCodeInvalidNumber
		}
		if (f.Min != nil && v < *f.Min) || (f.Max != nil && v > *f.Max) {
			return nil, ErrCodeOutOfRange
		}
		return v, ""
	case FieldBool:
		v, ok := toBool(raw)
		if !ok {
			return nil, ErrCodeInvalidBool
		}
		return v, ""
	case FieldSelect:
		s, ok := raw.(string)
		if !ok || !slices.Contains(f.Options, s) {
			return nil, ErrCodeInvalidOption
		}
		return s, ""
	}
	return nil, ErrCodeInvalidOption
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(raw any) (bool, bool) {
	switch v := raw.(type) {
	case bool:
		return v, true
	case int:
		return v != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on", "enable", "y":
			return true, true
		case "0", "false", "no", "off", "disable", "n":
			return false, true
		}
	}
	return false, false
}

func floatPtr(v float64) *float64 { return &v }

package sensors

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jkaberg/hass-weight/internal/domain"
)

var (
	// ErrEmptyState means the source reported no value at all.
	ErrEmptyState = errors.New("empty state")
	// ErrSentinelState means the source is unknown or unavailable.
	ErrSentinelState = errors.New("sentinel state")
	// ErrNotNumeric means the state could not be parsed as a number.
	ErrNotNumeric = errors.New("state is not numeric")
)

// ParseReading converts a raw Home Assistant state into a weight.
func ParseReading(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, ErrEmptyState
	}
	if domain.IsSentinelState(s) {
		return 0, ErrSentinelState
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNotNumeric, raw)
	}
	return v, nil
}

// isSilent reports parse errors that are dropped without a log line.
func isSilent(err error) bool {
	return errors.Is(err, ErrEmptyState) || errors.Is(err, ErrSentinelState)
}

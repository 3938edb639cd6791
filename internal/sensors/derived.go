package sensors

import (
	"fmt"
	"math"
	"strconv"

	"github.com/jkaberg/hass-weight/internal/domain"
)

// WeightRange renders a person's bounds as "<min>-<max> kg". Whole numbers
// keep one decimal (50 -> "50.0").
func WeightRange(p domain.PersonRange) string {
	return fmt.Sprintf("%s-%s %s", formatBound(p.MinWeight), formatBound(p.MaxWeight), domain.UnitKilograms)
}

func formatBound(v float64) string {
	if v == math.Trunc(v) && !math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FormatReading renders a weight for the state topic with the shortest exact
// representation.
func FormatReading(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

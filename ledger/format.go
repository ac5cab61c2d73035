package ledger

import (
	"fmt"
	"math"
)

// FormatTimestamp renders seconds as HH:MM:SS.mmm, rounding to the nearest
// millisecond. Negative input is clamped to zero.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	ms := int64(math.Round(seconds * 1000))
	hours := ms / 3_600_000
	minutes := (ms % 3_600_000) / 60_000
	secs := (ms % 60_000) / 1000
	millis := ms % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", hours, minutes, secs, millis)
}

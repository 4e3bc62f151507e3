package order

import (
	"fmt"
	"regexp"
	"time"
)

const (
	numberPrefix = "ORD"
	dayLayout    = "20060102"
)

// NumberPattern matches order numbers issued by FormatNumber for counters
// below 10000. Larger counters widen the suffix.
var NumberPattern = regexp.MustCompile(`^ORD-\d{8}-\d{4,}$`)

// DayKey returns the sequencer key of the calendar day containing t.
func DayKey(t time.Time) string {
	return t.Format(dayLayout)
}

// FormatNumber renders ORD-YYYYMMDD-NNNN.
func FormatNumber(day string, seq int64) string {
	return fmt.Sprintf("%s-%s-%04d", numberPrefix, day, seq)
}

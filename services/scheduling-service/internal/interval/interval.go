package interval

import (
	"fmt"
	"strconv"
	"strings"
)

// MinDurationMinutes is the shortest availability window a tutor may store.
const MinDurationMinutes = 30

// MinutesPerDay bounds minute-of-day values to [0, MinutesPerDay).
const MinutesPerDay = 24 * 60

// Range is a half-open [Start, End) interval in minutes.
type Range struct {
	Start int
	End   int
}

func (r Range) String() string {
	return ToTime(r.Start) + "-" + ToTime(r.End)
}

// FormatError is returned for time strings that are not HH:mm within 00:00..23:59.
// Callers usually re-wrap it with the domain error kind.
type FormatError struct {
	Value string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid time %q (want HH:mm)", e.Value)
}

// ToMinutes parses "HH:mm" into minutes since midnight.
func ToMinutes(hhmm string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(hhmm), ":")
	if !ok || !twoDigits(hh) || !twoDigits(mm) {
		return 0, &FormatError{Value: hhmm}
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, &FormatError{Value: hhmm}
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, &FormatError{Value: hhmm}
	}
	return h*60 + m, nil
}

// ToTime formats minutes since midnight as "HH:mm".
func ToTime(minutes int) string {
	if minutes < 0 {
		minutes = 0
	}
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// Overlaps reports whether two half-open ranges share at least one minute.
// Ranges that only touch at an endpoint do not overlap.
func Overlaps(a, b Range) bool {
	return a.Start < b.End && b.Start < a.End
}

// IsValidDuration reports whether [start, end) is a storable availability window.
func IsValidDuration(start, end int) bool {
	return end > start && end-start >= MinDurationMinutes
}

func twoDigits(s string) bool {
	return len(s) == 2 && s[0] >= '0' && s[0] <= '9' && s[1] >= '0' && s[1] <= '9'
}

package model

import (
	"fmt"
	"time"
)

const DateLayout = "2006-01-02"

// CellMinutes is the stitching granularity for bookable windows.
const CellMinutes = 30

// Cell is a derived 30-minute unit on a concrete date. SlotID names the weekly slot it was cut from.
type Cell struct {
	SlotID    string
	Start     Clock
	End       Clock
	Available bool
}

// Window is a bookable run of cells on a date.
type Window struct {
	Date      string `json:"date"`
	StartTime Clock  `json:"startTime"`
	EndTime   Clock  `json:"endTime"`
}

func (w Window) DurationMinutes() int {
	return int(w.EndTime - w.StartTime)
}

// ParseDate parses a YYYY-MM-DD calendar date as midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, InvalidFormat("date", fmt.Errorf("%q: want YYYY-MM-DD", s))
	}
	return d, nil
}

// DayStart truncates t to midnight of its calendar date in its own location.
func DayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// At returns the wall-clock instant c on the date of day.
func At(day time.Time, c Clock) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, 0, int(c), 0, 0, day.Location())
}

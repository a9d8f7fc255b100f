package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/interval"
)

// Clock is a wall-clock time of day in minutes since midnight. It travels as "HH:mm".
type Clock int

func ParseClock(s string) (Clock, error) {
	m, err := interval.ToMinutes(s)
	if err != nil {
		return 0, err
	}
	return Clock(m), nil
}

func (c Clock) String() string {
	return interval.ToTime(int(c))
}

func (c Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Clock) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("clock must be a string: %w", err)
	}
	parsed, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// WeeklySlot is a recurring weekly window in which a tutor can be booked.
type WeeklySlot struct {
	ID        string    `json:"id"`
	TutorID   string    `json:"tutorId"`
	DayOfWeek int       `json:"dayOfWeek"` // 0 = Sunday, 6 = Saturday
	StartTime Clock     `json:"startTime"`
	EndTime   Clock     `json:"endTime"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

func (s WeeklySlot) Range() interval.Range {
	return interval.Range{Start: int(s.StartTime), End: int(s.EndTime)}
}

// WeeklySlotPatch is a partial update; nil fields are left unchanged.
type WeeklySlotPatch struct {
	DayOfWeek *int   `json:"dayOfWeek,omitempty"`
	StartTime *Clock `json:"startTime,omitempty"`
	EndTime   *Clock `json:"endTime,omitempty"`
	IsActive  *bool  `json:"isActive,omitempty"`
}

func (p WeeklySlotPatch) Empty() bool {
	return p.DayOfWeek == nil && p.StartTime == nil && p.EndTime == nil && p.IsActive == nil
}

// Apply returns a copy of s with the patch applied.
func (p WeeklySlotPatch) Apply(s WeeklySlot) WeeklySlot {
	if p.DayOfWeek != nil {
		s.DayOfWeek = *p.DayOfWeek
	}
	if p.StartTime != nil {
		s.StartTime = *p.StartTime
	}
	if p.EndTime != nil {
		s.EndTime = *p.EndTime
	}
	if p.IsActive != nil {
		s.IsActive = *p.IsActive
	}
	return s
}

func ValidDayOfWeek(d int) bool {
	return d >= 0 && d <= 6
}

func Weekday(d int) string {
	if !ValidDayOfWeek(d) {
		return fmt.Sprintf("day(%d)", d)
	}
	return time.Weekday(d).String()
}

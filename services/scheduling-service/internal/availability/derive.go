package availability

import (
	"fmt"
	"slices"
	"time"

	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/model"
)

// Cells cuts the active weekly slots of date's weekday into 30-minute cells, ordered by start.
// A cell is unavailable when a non-cancelled session overlaps it. A trailing remainder shorter
// than one cell is dropped.
//
// date carries the location all wall-clock times are interpreted in.
func Cells(slots []model.WeeklySlot, date time.Time, sessions []model.Session) []model.Cell {
	day := model.DayStart(date)
	weekday := int(day.Weekday())

	var active []model.WeeklySlot
	for _, s := range slots {
		if s.IsActive && s.DayOfWeek == weekday {
			active = append(active, s)
		}
	}
	slices.SortStableFunc(active, func(a, b model.WeeklySlot) int {
		return int(a.StartTime - b.StartTime)
	})

	busy := busyIntervals(sessions)

	var cells []model.Cell
	for _, s := range active {
		for start := s.StartTime; start+model.CellMinutes <= s.EndTime; start += model.CellMinutes {
			end := start + model.CellMinutes
			cells = append(cells, model.Cell{
				SlotID:    s.ID,
				Start:     start,
				End:       end,
				Available: !overlapsAny(model.At(day, start), model.At(day, end), busy),
			})
		}
	}
	return cells
}

// Derive returns the bookable windows of durationMinutes on date, ordered by start.
//
// A window is a run of N = durationMinutes/30 available cells that were all cut from the same
// weekly slot and are minute-contiguous. Windows are laid out greedily from the start of each
// slot: after a window is emitted the scan resumes at the cell following it; otherwise it
// advances by one cell. Windows starting before notBefore are skipped; a zero notBefore
// disables that filter.
func Derive(slots []model.WeeklySlot, date time.Time, durationMinutes int, sessions []model.Session, notBefore time.Time) ([]model.Window, error) {
	if durationMinutes <= 0 || durationMinutes%model.CellMinutes != 0 {
		return nil, model.InvalidFormat("durationMinutes", fmt.Errorf("%d is not a positive multiple of %d", durationMinutes, model.CellMinutes))
	}
	n := durationMinutes / model.CellMinutes
	day := model.DayStart(date)
	cells := Cells(slots, day, sessions)
	dateStr := day.Format(model.DateLayout)

	windows := []model.Window{}
	for i := 0; i < len(cells); {
		if !stitchable(cells, i, n) {
			i++
			continue
		}
		start, end := cells[i].Start, cells[i+n-1].End
		if !notBefore.IsZero() && model.At(day, start).Before(notBefore) {
			i++
			continue
		}
		windows = append(windows, model.Window{Date: dateStr, StartTime: start, EndTime: end})
		i += n
	}

	slices.SortStableFunc(windows, func(a, b model.Window) int {
		return int(a.StartTime - b.StartTime)
	})
	return windows, nil
}

// Contains reports whether windows holds exactly [start, start+durationMinutes).
func Contains(windows []model.Window, start model.Clock, durationMinutes int) bool {
	for _, w := range windows {
		if w.StartTime == start && w.DurationMinutes() == durationMinutes {
			return true
		}
	}
	return false
}

// stitchable checks cells[i:i+n]. Array adjacency is not enough: cells must share an origin
// slot and each must end where the next begins.
func stitchable(cells []model.Cell, i, n int) bool {
	if i+n > len(cells) {
		return false
	}
	origin := cells[i].SlotID
	for j := i; j < i+n; j++ {
		c := cells[j]
		if !c.Available || c.SlotID != origin {
			return false
		}
		if j > i && cells[j-1].End != c.Start {
			return false
		}
	}
	return true
}

type interval struct {
	start time.Time
	end   time.Time
}

func busyIntervals(sessions []model.Session) []interval {
	var busy []interval
	for _, s := range sessions {
		if !s.Blocks() {
			continue
		}
		busy = append(busy, interval{start: s.ScheduledAt, end: s.EndsAt()})
	}
	return busy
}

func overlapsAny(start, end time.Time, busy []interval) bool {
	for _, b := range busy {
		// Half-open: [start,end) overlaps [b.start,b.end) iff start < b.end && b.start < end.
		if start.Before(b.end) && b.start.Before(end) {
			return true
		}
	}
	return false
}

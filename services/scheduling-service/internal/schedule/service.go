package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/interval"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/lock"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/model"
)

// Store persists weekly availability. Implementations return model.ErrNotFound for unknown ids.
type Store interface {
	ListSlots(ctx context.Context, tutorID string) ([]model.WeeklySlot, error)
	ListSlotsForDay(ctx context.Context, tutorID string, day int) ([]model.WeeklySlot, error)
	GetSlot(ctx context.Context, id string) (model.WeeklySlot, error)
	InsertSlot(ctx context.Context, slot model.WeeklySlot) (model.WeeklySlot, error)
	UpdateSlot(ctx context.Context, slot model.WeeklySlot) (model.WeeklySlot, error)
	DeleteSlot(ctx context.Context, id string) error
	// ReplaceDay deletes every slot of (tutorID, day), active or not, and inserts slots in one
	// unit of work.
	ReplaceDay(ctx context.Context, tutorID string, day int, slots []model.WeeklySlot) ([]model.WeeklySlot, error)
}

// Service owns the weekly availability of tutors. Writes for one (tutor, day) are serialized
// through the locker and validated against the active siblings before anything is stored.
type Service struct {
	store  Store
	locker lock.Locker
	logger *slog.Logger
	tracer trace.Tracer
}

func NewService(store Store, locker lock.Locker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		locker: locker,
		logger: logger,
		tracer: otel.Tracer("scheduling-service/schedule"),
	}
}

// DayKey is the lock key guarding a tutor's availability on one weekday.
func DayKey(tutorID string, day int) string {
	return "availability:" + tutorID + ":" + strconv.Itoa(day)
}

func (s *Service) Create(ctx context.Context, tutorID string, day int, start, end model.Clock) (model.WeeklySlot, error) {
	ctx, span := s.tracer.Start(ctx, "schedule.Create", trace.WithAttributes(
		attribute.String("tutor_id", tutorID),
		attribute.Int("day_of_week", day),
	))
	defer span.End()

	slot := model.WeeklySlot{
		ID:        uuid.NewString(),
		TutorID:   strings.TrimSpace(tutorID),
		DayOfWeek: day,
		StartTime: start,
		EndTime:   end,
		IsActive:  true,
	}
	if err := validate(slot); err != nil {
		return model.WeeklySlot{}, err
	}

	unlock, err := s.locker.Lock(ctx, DayKey(slot.TutorID, day))
	if err != nil {
		return model.WeeklySlot{}, fmt.Errorf("lock availability: %w", err)
	}
	defer unlock()

	siblings, err := s.store.ListSlotsForDay(ctx, slot.TutorID, day)
	if err != nil {
		return model.WeeklySlot{}, fmt.Errorf("list availability: %w", err)
	}
	if err := checkOverlap(slot, siblings); err != nil {
		return model.WeeklySlot{}, err
	}

	created, err := s.store.InsertSlot(ctx, slot)
	if err != nil {
		return model.WeeklySlot{}, fmt.Errorf("insert availability: %w", err)
	}
	s.logger.Info("availability created", "slot_id", created.ID, "tutor_id", created.TutorID, "day_of_week", day, "range", created.Range().String())
	return created, nil
}

// Update applies a partial change. The overlap check runs against the active slots of the
// resulting day, so moving a slot to another day is validated there.
func (s *Service) Update(ctx context.Context, id string, patch model.WeeklySlotPatch) (model.WeeklySlot, error) {
	ctx, span := s.tracer.Start(ctx, "schedule.Update", trace.WithAttributes(attribute.String("slot_id", id)))
	defer span.End()

	current, err := s.store.GetSlot(ctx, id)
	if err != nil {
		return model.WeeklySlot{}, err
	}
	if patch.Empty() {
		return current, nil
	}
	if err := validate(patch.Apply(current)); err != nil {
		return model.WeeklySlot{}, err
	}

	for attempt := 0; ; attempt++ {
		saved, retry, err := s.updateLocked(ctx, current, patch)
		if !retry || attempt == 2 {
			return saved, err
		}
		// The slot moved to another day between the read and the lock.
		if current, err = s.store.GetSlot(ctx, id); err != nil {
			return model.WeeklySlot{}, err
		}
	}
}

func (s *Service) updateLocked(ctx context.Context, seen model.WeeklySlot, patch model.WeeklySlotPatch) (model.WeeklySlot, bool, error) {
	keys := []string{DayKey(seen.TutorID, seen.DayOfWeek)}
	if patch.DayOfWeek != nil {
		keys = append(keys, DayKey(seen.TutorID, *patch.DayOfWeek))
	}
	unlock, err := lock.LockAll(ctx, s.locker, keys...)
	if err != nil {
		return model.WeeklySlot{}, false, fmt.Errorf("lock availability: %w", err)
	}
	defer unlock()

	current, err := s.store.GetSlot(ctx, seen.ID)
	if err != nil {
		return model.WeeklySlot{}, false, err
	}
	if !slices.Contains(keys, DayKey(current.TutorID, current.DayOfWeek)) {
		return model.WeeklySlot{}, true, fmt.Errorf("slot %s changed concurrently", seen.ID)
	}
	updated := patch.Apply(current)
	if err := validate(updated); err != nil {
		return model.WeeklySlot{}, false, err
	}

	saved, err := s.write(ctx, updated)
	return saved, false, err
}

func (s *Service) write(ctx context.Context, updated model.WeeklySlot) (model.WeeklySlot, error) {
	siblings, err := s.store.ListSlotsForDay(ctx, updated.TutorID, updated.DayOfWeek)
	if err != nil {
		return model.WeeklySlot{}, fmt.Errorf("list availability: %w", err)
	}
	if err := checkOverlap(updated, siblings); err != nil {
		return model.WeeklySlot{}, err
	}

	saved, err := s.store.UpdateSlot(ctx, updated)
	if err != nil {
		return model.WeeklySlot{}, fmt.Errorf("update availability: %w", err)
	}
	s.logger.Info("availability updated", "slot_id", saved.ID, "tutor_id", saved.TutorID, "day_of_week", saved.DayOfWeek, "range", saved.Range().String(), "active", saved.IsActive)
	return saved, nil
}

// SetActive toggles a slot. Re-activation is checked for overlap like any other write.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (model.WeeklySlot, error) {
	return s.Update(ctx, id, model.WeeklySlotPatch{IsActive: &active})
}

func (s *Service) Remove(ctx context.Context, id string) error {
	current, err := s.store.GetSlot(ctx, id)
	if err != nil {
		return err
	}
	unlock, err := s.locker.Lock(ctx, DayKey(current.TutorID, current.DayOfWeek))
	if err != nil {
		return fmt.Errorf("lock availability: %w", err)
	}
	defer unlock()

	if err := s.store.DeleteSlot(ctx, id); err != nil {
		return err
	}
	s.logger.Info("availability removed", "slot_id", id, "tutor_id", current.TutorID, "day_of_week", current.DayOfWeek)
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (model.WeeklySlot, error) {
	return s.store.GetSlot(ctx, id)
}

// ListByTutor returns all slots of a tutor, active or not, ordered by day then start.
func (s *Service) ListByTutor(ctx context.Context, tutorID string) ([]model.WeeklySlot, error) {
	tutorID = strings.TrimSpace(tutorID)
	if tutorID == "" {
		return nil, model.InvalidFormat("tutorId", errors.New("required"))
	}
	slots, err := s.store.ListSlots(ctx, tutorID)
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}
	sortSlots(slots)
	return slots, nil
}

// CopyDay replaces the availability of every target day with active copies of the source
// day's active slots. It is destructive: existing target slots, including inactive ones, are
// deleted. Each target day is replaced atomically; a failure part-way leaves earlier targets
// replaced.
func (s *Service) CopyDay(ctx context.Context, tutorID string, sourceDay int, targetDays []int) ([]model.WeeklySlot, error) {
	ctx, span := s.tracer.Start(ctx, "schedule.CopyDay", trace.WithAttributes(
		attribute.String("tutor_id", tutorID),
		attribute.Int("source_day", sourceDay),
		attribute.IntSlice("target_days", targetDays),
	))
	defer span.End()

	tutorID = strings.TrimSpace(tutorID)
	if tutorID == "" {
		return nil, model.InvalidFormat("tutorId", errors.New("required"))
	}
	targets, err := copyTargets(sourceDay, targetDays)
	if err != nil {
		return nil, err
	}

	keys := []string{DayKey(tutorID, sourceDay)}
	for _, d := range targets {
		keys = append(keys, DayKey(tutorID, d))
	}
	unlock, err := lock.LockAll(ctx, s.locker, keys...)
	if err != nil {
		return nil, fmt.Errorf("lock availability: %w", err)
	}
	defer unlock()

	sourceSlots, err := s.store.ListSlotsForDay(ctx, tutorID, sourceDay)
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}
	var source []model.WeeklySlot
	for _, sl := range sourceSlots {
		if sl.IsActive {
			source = append(source, sl)
		}
	}
	if len(source) == 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrNothingToCopy, model.Weekday(sourceDay))
	}
	sortSlots(source)

	var out []model.WeeklySlot
	for _, day := range targets {
		copies := make([]model.WeeklySlot, 0, len(source))
		for _, sl := range source {
			copies = append(copies, model.WeeklySlot{
				ID:        uuid.NewString(),
				TutorID:   tutorID,
				DayOfWeek: day,
				StartTime: sl.StartTime,
				EndTime:   sl.EndTime,
				IsActive:  true,
			})
		}
		replaced, err := s.store.ReplaceDay(ctx, tutorID, day, copies)
		if err != nil {
			return nil, fmt.Errorf("replace %s: %w", model.Weekday(day), err)
		}
		out = append(out, replaced...)
	}
	s.logger.Info("availability day copied",
		"tutor_id", tutorID,
		"source_day", sourceDay,
		"target_days", targets,
		"slots_per_day", len(source),
	)
	sortSlots(out)
	return out, nil
}

func copyTargets(sourceDay int, targetDays []int) ([]int, error) {
	if !model.ValidDayOfWeek(sourceDay) {
		return nil, fmt.Errorf("%w: source day %d out of range", model.ErrInvalidTarget, sourceDay)
	}
	if len(targetDays) == 0 {
		return nil, fmt.Errorf("%w: no target days", model.ErrInvalidTarget)
	}
	targets := slices.Clone(targetDays)
	slices.Sort(targets)
	targets = slices.Compact(targets)
	for _, d := range targets {
		if !model.ValidDayOfWeek(d) {
			return nil, fmt.Errorf("%w: target day %d out of range", model.ErrInvalidTarget, d)
		}
		if d == sourceDay {
			return nil, fmt.Errorf("%w: cannot copy %s onto itself", model.ErrInvalidTarget, model.Weekday(d))
		}
	}
	return targets, nil
}

func validate(slot model.WeeklySlot) error {
	if slot.TutorID == "" {
		return model.InvalidFormat("tutorId", errors.New("required"))
	}
	if !model.ValidDayOfWeek(slot.DayOfWeek) {
		return model.InvalidFormat("dayOfWeek", fmt.Errorf("%d not in 0..6", slot.DayOfWeek))
	}
	for _, c := range []model.Clock{slot.StartTime, slot.EndTime} {
		if c < 0 || int(c) >= interval.MinutesPerDay {
			return model.InvalidFormat("time", fmt.Errorf("%d minutes is outside the day", c))
		}
	}
	if !interval.IsValidDuration(int(slot.StartTime), int(slot.EndTime)) {
		return model.InvalidFormat("endTime", fmt.Errorf("%s must end at least %d minutes after it starts", slot.Range(), interval.MinDurationMinutes))
	}
	return nil
}

// checkOverlap fails with *model.OverlapError when an active candidate overlaps another active
// slot of the same day. Inactive slots never conflict.
func checkOverlap(candidate model.WeeklySlot, siblings []model.WeeklySlot) error {
	if !candidate.IsActive {
		return nil
	}
	for _, other := range siblings {
		if other.ID == candidate.ID || !other.IsActive || other.DayOfWeek != candidate.DayOfWeek {
			continue
		}
		if interval.Overlaps(candidate.Range(), other.Range()) {
			return &model.OverlapError{Conflict: other}
		}
	}
	return nil
}

func sortSlots(slots []model.WeeklySlot) {
	slices.SortStableFunc(slots, func(a, b model.WeeklySlot) int {
		if a.DayOfWeek != b.DayOfWeek {
			return a.DayOfWeek - b.DayOfWeek
		}
		return int(a.StartTime - b.StartTime)
	})
}

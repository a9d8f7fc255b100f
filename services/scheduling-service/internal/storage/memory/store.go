package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/model"
)

// Store keeps everything behind one mutex, so each method is a unit of work.
type Store struct {
	mu            sync.Mutex
	slots         map[string]model.WeeklySlot
	sessions      map[string]model.Session
	subscriptions map[string]model.Subscription
	now           func() time.Time
}

func New() *Store {
	return &Store{
		slots:         map[string]model.WeeklySlot{},
		sessions:      map[string]model.Session{},
		subscriptions: map[string]model.Subscription{},
		now:           time.Now,
	}
}

func (s *Store) ListSlots(_ context.Context, tutorID string) ([]model.WeeklySlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterSlots(func(sl model.WeeklySlot) bool { return sl.TutorID == tutorID }), nil
}

func (s *Store) ListSlotsForDay(_ context.Context, tutorID string, day int) ([]model.WeeklySlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterSlots(func(sl model.WeeklySlot) bool {
		return sl.TutorID == tutorID && sl.DayOfWeek == day
	}), nil
}

func (s *Store) GetSlot(_ context.Context, id string) (model.WeeklySlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	if !ok {
		return model.WeeklySlot{}, fmt.Errorf("%w: availability %s", model.ErrNotFound, id)
	}
	return sl, nil
}

func (s *Store) InsertSlot(_ context.Context, slot model.WeeklySlot) (model.WeeklySlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.slots[slot.ID]; exists {
		return model.WeeklySlot{}, fmt.Errorf("availability %s already exists", slot.ID)
	}
	now := s.now().UTC()
	slot.CreatedAt, slot.UpdatedAt = now, now
	s.slots[slot.ID] = slot
	return slot, nil
}

func (s *Store) UpdateSlot(_ context.Context, slot model.WeeklySlot) (model.WeeklySlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.slots[slot.ID]
	if !ok {
		return model.WeeklySlot{}, fmt.Errorf("%w: availability %s", model.ErrNotFound, slot.ID)
	}
	slot.CreatedAt = cur.CreatedAt
	slot.UpdatedAt = s.now().UTC()
	s.slots[slot.ID] = slot
	return slot, nil
}

func (s *Store) DeleteSlot(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[id]; !ok {
		return fmt.Errorf("%w: availability %s", model.ErrNotFound, id)
	}
	delete(s.slots, id)
	return nil
}

func (s *Store) ReplaceDay(_ context.Context, tutorID string, day int, slots []model.WeeklySlot) ([]model.WeeklySlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sl := range s.slots {
		if sl.TutorID == tutorID && sl.DayOfWeek == day {
			delete(s.slots, id)
		}
	}
	now := s.now().UTC()
	out := make([]model.WeeklySlot, 0, len(slots))
	for _, sl := range slots {
		sl.CreatedAt, sl.UpdatedAt = now, now
		s.slots[sl.ID] = sl
		out = append(out, sl)
	}
	return out, nil
}

func (s *Store) filterSlots(keep func(model.WeeklySlot) bool) []model.WeeklySlot {
	var out []model.WeeklySlot
	for _, sl := range s.slots {
		if keep(sl) {
			out = append(out, sl)
		}
	}
	slices.SortFunc(out, func(a, b model.WeeklySlot) int {
		if a.DayOfWeek != b.DayOfWeek {
			return a.DayOfWeek - b.DayOfWeek
		}
		return int(a.StartTime - b.StartTime)
	})
	return out
}

// PutSubscription stores a subscription as the plan catalog would provision it.
func (s *Store) PutSubscription(sub model.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.ID] = sub
}

// UpsertSubscription applies plan catalog terms. resetQuota starts a new period; otherwise the
// remaining count is kept, clamped to the plan.
func (s *Store) UpsertSubscription(_ context.Context, sub model.Subscription, resetQuota bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := sub.PlanSessionsIncluded
	if cur, ok := s.subscriptions[sub.ID]; ok && !resetQuota {
		remaining = min(cur.SessionsRemaining, sub.PlanSessionsIncluded)
	}
	sub.SessionsRemaining = remaining
	s.subscriptions[sub.ID] = sub
	return nil
}

func (s *Store) GetSubscription(_ context.Context, id string) (model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return model.Subscription{}, fmt.Errorf("%w: subscription %s", model.ErrNotFound, id)
	}
	return sub, nil
}

func (s *Store) GetSession(_ context.Context, id string) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.Session{}, fmt.Errorf("%w: session %s", model.ErrNotFound, id)
	}
	return sess, nil
}

func (s *Store) ListSessionsForTutor(_ context.Context, tutorID string, from, to time.Time) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterSessions(func(sess model.Session) bool {
		return sess.TutorID == tutorID && sess.ScheduledAt.Before(to) && sess.EndsAt().After(from)
	}), nil
}

func (s *Store) ListSessionsForStudent(_ context.Context, studentID string) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterSessions(func(sess model.Session) bool { return sess.StudentID == studentID }), nil
}

func (s *Store) CreateSession(_ context.Context, session model.Session) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, other := range s.sessions {
		if other.TutorID != session.TutorID || !other.Blocks() {
			continue
		}
		if session.ScheduledAt.Before(other.EndsAt()) && other.ScheduledAt.Before(session.EndsAt()) {
			return model.Session{}, fmt.Errorf("%w: overlaps session %s", model.ErrSlotUnavailable, other.ID)
		}
	}

	sub, ok := s.subscriptions[session.SubscriptionID]
	if !ok || sub.UserID != session.StudentID || sub.Status != model.SubscriptionActive || sub.SessionsRemaining < 1 {
		return model.Session{}, fmt.Errorf("%w: subscription %s", model.ErrQuotaExhausted, session.SubscriptionID)
	}
	sub.SessionsRemaining--
	s.subscriptions[sub.ID] = sub
	s.sessions[session.ID] = session
	return session, nil
}

func (s *Store) CancelSession(_ context.Context, id string, decide func(model.Session) (model.Cancellation, error)) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return model.Session{}, fmt.Errorf("%w: session %s", model.ErrNotFound, id)
	}
	c, err := decide(sess)
	if err != nil {
		return model.Session{}, err
	}
	at := c.At
	sess.Status = model.SessionCancelled
	sess.CancelledBy = c.By
	sess.CancelReason = c.Reason
	sess.CancelledAt = &at

	if c.RefundSubscriptionID != "" {
		if sub, ok := s.subscriptions[c.RefundSubscriptionID]; ok {
			sub.SessionsRemaining = min(sub.SessionsRemaining+1, sub.PlanSessionsIncluded)
			s.subscriptions[sub.ID] = sub
		}
	}
	s.sessions[id] = sess
	return sess, nil
}

func (s *Store) UpdateSessionStatus(_ context.Context, id string, next func(model.Session) (model.SessionStatus, error)) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return model.Session{}, fmt.Errorf("%w: session %s", model.ErrNotFound, id)
	}
	status, err := next(sess)
	if err != nil {
		return model.Session{}, err
	}
	sess.Status = status
	s.sessions[id] = sess
	return sess, nil
}

func (s *Store) filterSessions(keep func(model.Session) bool) []model.Session {
	var out []model.Session
	for _, sess := range s.sessions {
		if keep(sess) {
			out = append(out, sess)
		}
	}
	slices.SortFunc(out, func(a, b model.Session) int {
		return a.ScheduledAt.Compare(b.ScheduledAt)
	})
	return out
}

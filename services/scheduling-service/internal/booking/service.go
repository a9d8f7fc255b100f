package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/availability"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/lock"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/model"
)

const (
	EventSessionCreated   = "session.created"
	EventSessionCancelled = "session.cancelled"
)

// Store persists sessions and subscriptions. CreateSession and CancelSession are the only
// writers of SessionsRemaining and apply the session write and quota delta as one unit.
type Store interface {
	ListSlotsForDay(ctx context.Context, tutorID string, day int) ([]model.WeeklySlot, error)
	// ListSessionsForTutor returns sessions of any status overlapping [from, to).
	ListSessionsForTutor(ctx context.Context, tutorID string, from, to time.Time) ([]model.Session, error)
	ListSessionsForStudent(ctx context.Context, studentID string) ([]model.Session, error)
	GetSession(ctx context.Context, id string) (model.Session, error)
	// CreateSession inserts the session and debits one session from session.SubscriptionID,
	// which must belong to session.StudentID and be active. It fails with model.ErrQuotaExhausted
	// when no debit is possible and model.ErrSlotUnavailable when a blocking session overlaps.
	CreateSession(ctx context.Context, session model.Session) (model.Session, error)
	// CancelSession locks the session, asks decide for the cancellation and writes it together
	// with the optional refund. Errors from decide are returned unchanged.
	CancelSession(ctx context.Context, id string, decide func(model.Session) (model.Cancellation, error)) (model.Session, error)
	// UpdateSessionStatus locks the session and writes the status returned by next.
	UpdateSessionStatus(ctx context.Context, id string, next func(model.Session) (model.SessionStatus, error)) (model.Session, error)
	GetSubscription(ctx context.Context, id string) (model.Subscription, error)
}

// Notifier is the fire-and-forget notification sink.
type Notifier interface {
	Notify(ctx context.Context, userID, eventType string, payload map[string]any) error
}

type Config struct {
	// Location is the single wall-clock zone dates and weekly slots are interpreted in.
	Location *time.Location
	// CancelCutoff rejects cancellations within this long of the session start. Zero disables it.
	CancelCutoff time.Duration
	Now          func() time.Time
}

type Service struct {
	store    Store
	locker   lock.Locker
	notifier Notifier
	logger   *slog.Logger
	tracer   trace.Tracer
	loc      *time.Location
	cutoff   time.Duration
	now      func() time.Time
}

func NewService(store Store, locker lock.Locker, notifier Notifier, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CancelCutoff < 0 {
		cfg.CancelCutoff = 0
	}
	return &Service{
		store:    store,
		locker:   locker,
		notifier: notifier,
		logger:   logger,
		tracer:   otel.Tracer("scheduling-service/booking"),
		loc:      cfg.Location,
		cutoff:   cfg.CancelCutoff,
		now:      cfg.Now,
	}
}

type BookRequest struct {
	StudentID       string
	TutorID         string
	Date            string // YYYY-MM-DD
	StartTime       model.Clock
	DurationMinutes int
	SubjectID       string
	SubscriptionID  string
	Description     string
}

// DateKey is the lock key serializing bookings of one tutor on one date.
func DateKey(tutorID string, day time.Time) string {
	return "booking:" + tutorID + ":" + day.Format(model.DateLayout)
}

// Book re-derives the tutor's windows under the (tutor, date) lock and, if the requested window
// is still free, creates a pending session and debits the subscription in one store call.
func (s *Service) Book(ctx context.Context, req BookRequest) (model.Session, error) {
	ctx, span := s.tracer.Start(ctx, "booking.Book", trace.WithAttributes(
		attribute.String("tutor_id", req.TutorID),
		attribute.String("date", req.Date),
		attribute.Int("duration_minutes", req.DurationMinutes),
	))
	defer span.End()

	req.StudentID = strings.TrimSpace(req.StudentID)
	req.TutorID = strings.TrimSpace(req.TutorID)
	req.SubscriptionID = strings.TrimSpace(req.SubscriptionID)
	if req.StudentID == "" {
		return model.Session{}, model.InvalidFormat("studentId", errors.New("required"))
	}
	if req.TutorID == "" {
		return model.Session{}, model.InvalidFormat("tutorId", errors.New("required"))
	}
	if err := checkDuration(req.DurationMinutes); err != nil {
		return model.Session{}, err
	}
	day, err := model.ParseDate(req.Date, s.loc)
	if err != nil {
		return model.Session{}, err
	}
	if req.SubscriptionID == "" {
		return model.Session{}, fmt.Errorf("%w: no subscription given", model.ErrQuotaExhausted)
	}

	session, err := s.bookLocked(ctx, req, day)
	if err != nil {
		return model.Session{}, err
	}

	s.logger.Info("session booked",
		"session_id", session.ID,
		"tutor_id", session.TutorID,
		"student_id", session.StudentID,
		"scheduled_at", session.ScheduledAt.Format(time.RFC3339),
		"duration_minutes", session.DurationMinutes,
	)
	s.notify(ctx, session.TutorID, EventSessionCreated, session)
	return session, nil
}

func (s *Service) bookLocked(ctx context.Context, req BookRequest, day time.Time) (model.Session, error) {
	unlock, err := s.locker.Lock(ctx, DateKey(req.TutorID, day))
	if err != nil {
		return model.Session{}, fmt.Errorf("lock booking: %w", err)
	}
	defer unlock()

	windows, err := s.derive(ctx, req.TutorID, day, req.DurationMinutes)
	if err != nil {
		return model.Session{}, err
	}
	if !availability.Contains(windows, req.StartTime, req.DurationMinutes) {
		return model.Session{}, fmt.Errorf("%w: %s %s for %d minutes", model.ErrSlotUnavailable, req.Date, req.StartTime, req.DurationMinutes)
	}

	created, err := s.store.CreateSession(ctx, model.Session{
		ID:              uuid.NewString(),
		TutorID:         req.TutorID,
		StudentID:       req.StudentID,
		SubjectID:       strings.TrimSpace(req.SubjectID),
		ScheduledAt:     model.At(day, req.StartTime),
		DurationMinutes: req.DurationMinutes,
		Status:          model.SessionPending,
		SubscriptionID:  req.SubscriptionID,
		Description:     strings.TrimSpace(req.Description),
		CreatedAt:       s.now().UTC(),
	})
	if err != nil {
		return model.Session{}, err
	}
	return created, nil
}

// Windows returns the bookable windows of a tutor on date. Windows already in the past are omitted.
func (s *Service) Windows(ctx context.Context, tutorID, date string, durationMinutes int) ([]model.Window, error) {
	ctx, span := s.tracer.Start(ctx, "booking.Windows", trace.WithAttributes(
		attribute.String("tutor_id", tutorID),
		attribute.String("date", date),
	))
	defer span.End()

	tutorID = strings.TrimSpace(tutorID)
	if tutorID == "" {
		return nil, model.InvalidFormat("tutorId", errors.New("required"))
	}
	if err := checkDuration(durationMinutes); err != nil {
		return nil, err
	}
	day, err := model.ParseDate(date, s.loc)
	if err != nil {
		return nil, err
	}
	return s.derive(ctx, tutorID, day, durationMinutes)
}

// checkDuration admits only durations a session can be booked for, so every offered window
// is bookable.
func checkDuration(minutes int) error {
	if !model.ValidSessionDuration(minutes) {
		return model.InvalidFormat("durationMinutes", fmt.Errorf("%d not one of %v", minutes, model.SessionDurations))
	}
	return nil
}

func (s *Service) derive(ctx context.Context, tutorID string, day time.Time, durationMinutes int) ([]model.Window, error) {
	slots, err := s.store.ListSlotsForDay(ctx, tutorID, int(day.Weekday()))
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}
	sessions, err := s.store.ListSessionsForTutor(ctx, tutorID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return availability.Derive(slots, day, durationMinutes, sessions, s.now().In(s.loc))
}

// Cancel cancels a session on behalf of actingUserID. Only a student cancelling their own
// subscription-backed session gets the session returned to their quota.
func (s *Service) Cancel(ctx context.Context, sessionID, actingUserID, reason string) (model.Session, error) {
	ctx, span := s.tracer.Start(ctx, "booking.Cancel", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	actingUserID = strings.TrimSpace(actingUserID)
	if actingUserID == "" {
		return model.Session{}, model.InvalidFormat("actingUserId", errors.New("required"))
	}
	now := s.now().UTC()

	cancelled, err := s.store.CancelSession(ctx, sessionID, func(cur model.Session) (model.Cancellation, error) {
		switch cur.Status {
		case model.SessionCancelled:
			return model.Cancellation{}, model.ErrAlreadyCancelled
		case model.SessionCompleted:
			return model.Cancellation{}, model.ErrAlreadyCompleted
		}
		if s.cutoff > 0 && !now.Before(cur.ScheduledAt.Add(-s.cutoff)) {
			return model.Cancellation{}, fmt.Errorf("%w: sessions cannot be cancelled within %s of the start", model.ErrCancellationClosed, s.cutoff)
		}
		c := model.Cancellation{By: actingUserID, Reason: strings.TrimSpace(reason), At: now}
		if actingUserID == cur.StudentID && cur.SubscriptionID != "" {
			c.RefundSubscriptionID = cur.SubscriptionID
		}
		return c, nil
	})
	if err != nil {
		return model.Session{}, err
	}

	refunded := actingUserID == cancelled.StudentID && cancelled.SubscriptionID != ""
	s.logger.Info("session cancelled",
		"session_id", cancelled.ID,
		"cancelled_by", actingUserID,
		"refunded", refunded,
	)
	for _, userID := range counterparties(cancelled, actingUserID) {
		s.notify(ctx, userID, EventSessionCancelled, cancelled)
	}
	return cancelled, nil
}

// counterparties are the participants other than the actor. A third party (support) notifies both.
func counterparties(sess model.Session, actingUserID string) []string {
	switch actingUserID {
	case sess.StudentID:
		return []string{sess.TutorID}
	case sess.TutorID:
		return []string{sess.StudentID}
	}
	return []string{sess.TutorID, sess.StudentID}
}

var transitions = map[model.SessionStatus][]model.SessionStatus{
	model.SessionPending:    {model.SessionConfirmed, model.SessionInProgress},
	model.SessionConfirmed:  {model.SessionInProgress},
	model.SessionInProgress: {model.SessionCompleted},
}

// Advance moves a session forward in its lifecycle for the confirmation and session-execution
// collaborators. Cancelling goes through Cancel.
func (s *Service) Advance(ctx context.Context, sessionID string, to model.SessionStatus) (model.Session, error) {
	if to == model.SessionCancelled {
		return model.Session{}, fmt.Errorf("%w: use cancel", model.ErrInvalidTransition)
	}
	updated, err := s.store.UpdateSessionStatus(ctx, sessionID, func(cur model.Session) (model.SessionStatus, error) {
		switch cur.Status {
		case model.SessionCancelled:
			return "", model.ErrAlreadyCancelled
		case model.SessionCompleted:
			return "", model.ErrAlreadyCompleted
		}
		for _, allowed := range transitions[cur.Status] {
			if allowed == to {
				return to, nil
			}
		}
		return "", fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, cur.Status, to)
	})
	if err != nil {
		return model.Session{}, err
	}
	s.logger.Info("session status changed", "session_id", updated.ID, "status", updated.Status)
	return updated, nil
}

func (s *Service) Get(ctx context.Context, id string) (model.Session, error) {
	return s.store.GetSession(ctx, id)
}

func (s *Service) ListForTutor(ctx context.Context, tutorID string, from, to time.Time) ([]model.Session, error) {
	if strings.TrimSpace(tutorID) == "" {
		return nil, model.InvalidFormat("tutorId", errors.New("required"))
	}
	if !to.After(from) {
		return nil, model.InvalidFormat("to", errors.New("must be after from"))
	}
	return s.store.ListSessionsForTutor(ctx, tutorID, from, to)
}

func (s *Service) ListForStudent(ctx context.Context, studentID string) ([]model.Session, error) {
	if strings.TrimSpace(studentID) == "" {
		return nil, model.InvalidFormat("studentId", errors.New("required"))
	}
	return s.store.ListSessionsForStudent(ctx, studentID)
}

func (s *Service) Subscription(ctx context.Context, id string) (model.Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

// Location is the zone dates are interpreted in.
func (s *Service) Location() *time.Location {
	return s.loc
}

func (s *Service) notify(ctx context.Context, userID, eventType string, sess model.Session) {
	if s.notifier == nil {
		return
	}
	payload := map[string]any{
		"session_id":       sess.ID,
		"tutor_id":         sess.TutorID,
		"student_id":       sess.StudentID,
		"scheduled_at":     sess.ScheduledAt.Format(time.RFC3339),
		"duration_minutes": sess.DurationMinutes,
		"status":           string(sess.Status),
	}
	if sess.CancelReason != "" {
		payload["reason"] = sess.CancelReason
	}
	if err := s.notifier.Notify(ctx, userID, eventType, payload); err != nil {
		s.logger.Warn("notification failed", "err", err, "event_type", eventType, "user_id", userID, "session_id", sess.ID)
	}
}

package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/md-rashed-zaman/tutorbook/libs/db"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/model"
)

//go:embed migrations/*.sql
var Migrations embed.FS

const MigrationsDir = "migrations"

// Repository is the Postgres store for weekly availability, sessions and subscriptions.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

const slotColumns = `id::text, tutor_id, day_of_week, start_minute, end_minute, is_active, created_at, updated_at`

func (r *Repository) ListSlots(ctx context.Context, tutorID string) ([]model.WeeklySlot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM weekly_availability
		WHERE tutor_id = $1
		ORDER BY day_of_week ASC, start_minute ASC
	`, tutorID)
	if err != nil {
		return nil, err
	}
	return collectSlots(rows)
}

func (r *Repository) ListSlotsForDay(ctx context.Context, tutorID string, day int) ([]model.WeeklySlot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM weekly_availability
		WHERE tutor_id = $1 AND day_of_week = $2
		ORDER BY start_minute ASC
	`, tutorID, day)
	if err != nil {
		return nil, err
	}
	return collectSlots(rows)
}

func (r *Repository) GetSlot(ctx context.Context, id string) (model.WeeklySlot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM weekly_availability
		WHERE id = $1
	`, id)
	if err != nil {
		return model.WeeklySlot{}, mapErr(err, "availability", id)
	}
	slot, err := pgx.CollectExactlyOneRow(rows, scanSlot)
	if err != nil {
		return model.WeeklySlot{}, mapErr(err, "availability", id)
	}
	return slot, nil
}

func (r *Repository) InsertSlot(ctx context.Context, slot model.WeeklySlot) (model.WeeklySlot, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO weekly_availability (id, tutor_id, day_of_week, start_minute, end_minute, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, slot.ID, slot.TutorID, slot.DayOfWeek, int(slot.StartTime), int(slot.EndTime), slot.IsActive).
		Scan(&slot.CreatedAt, &slot.UpdatedAt)
	if err != nil {
		return model.WeeklySlot{}, r.slotWriteErr(ctx, slot, err)
	}
	return slot, nil
}

func (r *Repository) UpdateSlot(ctx context.Context, slot model.WeeklySlot) (model.WeeklySlot, error) {
	err := r.pool.QueryRow(ctx, `
		UPDATE weekly_availability
		SET day_of_week = $2,
			start_minute = $3,
			end_minute = $4,
			is_active = $5,
			updated_at = now()
		WHERE id = $1
		RETURNING created_at, updated_at
	`, slot.ID, slot.DayOfWeek, int(slot.StartTime), int(slot.EndTime), slot.IsActive).
		Scan(&slot.CreatedAt, &slot.UpdatedAt)
	if err != nil {
		return model.WeeklySlot{}, r.slotWriteErr(ctx, slot, err)
	}
	return slot, nil
}

// slotWriteErr maps a failed slot write. An exclusion violation is reported with the active
// sibling it collided with when that sibling can still be read.
func (r *Repository) slotWriteErr(ctx context.Context, slot model.WeeklySlot, err error) error {
	return overlapErr(err, slot, func() (model.WeeklySlot, error) {
		rows, err := r.pool.Query(ctx, `
			SELECT `+slotColumns+`
			FROM weekly_availability
			WHERE tutor_id = $1 AND day_of_week = $2 AND is_active
			  AND id <> $3 AND start_minute < $5 AND end_minute > $4
			ORDER BY start_minute ASC
			LIMIT 1
		`, slot.TutorID, slot.DayOfWeek, slot.ID, int(slot.StartTime), int(slot.EndTime))
		if err != nil {
			return model.WeeklySlot{}, err
		}
		return pgx.CollectExactlyOneRow(rows, scanSlot)
	})
}

func overlapErr(err error, slot model.WeeklySlot, sibling func() (model.WeeklySlot, error)) error {
	if !IsConflict(err) {
		return mapErr(err, "availability", slot.ID)
	}
	conflict, lookupErr := sibling()
	if lookupErr != nil {
		return mapErr(err, "availability", slot.ID)
	}
	return &model.OverlapError{Conflict: conflict}
}

func (r *Repository) DeleteSlot(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM weekly_availability WHERE id = $1`, id)
	if err != nil {
		return mapErr(err, "availability", id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: availability %s", model.ErrNotFound, id)
	}
	return nil
}

func (r *Repository) ReplaceDay(ctx context.Context, tutorID string, day int, slots []model.WeeklySlot) ([]model.WeeklySlot, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		DELETE FROM weekly_availability
		WHERE tutor_id = $1 AND day_of_week = $2
	`, tutorID, day); err != nil {
		return nil, err
	}

	batch := &pgx.Batch{}
	for _, s := range slots {
		batch.Queue(`
			INSERT INTO weekly_availability (id, tutor_id, day_of_week, start_minute, end_minute, is_active)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at, updated_at
		`, s.ID, tutorID, day, int(s.StartTime), int(s.EndTime), s.IsActive)
	}
	br := tx.SendBatch(ctx, batch)
	out := make([]model.WeeklySlot, 0, len(slots))
	for _, s := range slots {
		if err := br.QueryRow().Scan(&s.CreatedAt, &s.UpdatedAt); err != nil {
			_ = br.Close()
			return nil, mapErr(err, "availability", s.ID)
		}
		out = append(out, s)
	}
	if err := br.Close(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func collectSlots(rows pgx.Rows) ([]model.WeeklySlot, error) {
	slots, err := pgx.CollectRows(rows, scanSlot)
	if err != nil {
		return nil, err
	}
	return slots, nil
}

func scanSlot(row pgx.CollectableRow) (model.WeeklySlot, error) {
	var s model.WeeklySlot
	var start, end int
	err := row.Scan(&s.ID, &s.TutorID, &s.DayOfWeek, &start, &end, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	s.StartTime, s.EndTime = model.Clock(start), model.Clock(end)
	return s, err
}

const sessionColumns = `id::text, tutor_id, student_id, subject_id, scheduled_at, duration_minutes, status,
	COALESCE(subscription_id, ''), description, COALESCE(cancelled_by, ''), COALESCE(cancel_reason, ''),
	cancelled_at, created_at`

func scanSession(row pgx.CollectableRow) (model.Session, error) {
	var s model.Session
	var status string
	err := row.Scan(
		&s.ID,
		&s.TutorID,
		&s.StudentID,
		&s.SubjectID,
		&s.ScheduledAt,
		&s.DurationMinutes,
		&status,
		&s.SubscriptionID,
		&s.Description,
		&s.CancelledBy,
		&s.CancelReason,
		&s.CancelledAt,
		&s.CreatedAt,
	)
	s.Status = model.SessionStatus(status)
	return s, err
}

func (r *Repository) GetSession(ctx context.Context, id string) (model.Session, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	if err != nil {
		return model.Session{}, mapErr(err, "session", id)
	}
	s, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if err != nil {
		return model.Session{}, mapErr(err, "session", id)
	}
	return s, nil
}

func (r *Repository) ListSessionsForTutor(ctx context.Context, tutorID string, from, to time.Time) ([]model.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE tutor_id = $1
			AND scheduled_at < $3
			AND ends_at > $2
		ORDER BY scheduled_at ASC
	`, tutorID, from, to)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanSession)
}

func (r *Repository) ListSessionsForStudent(ctx context.Context, studentID string) ([]model.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE student_id = $1
		ORDER BY scheduled_at ASC
	`, studentID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanSession)
}

// CreateSession debits the subscription with a conditional update and inserts the session in
// the same transaction. The exclusion constraint on sessions rejects overlapping bookings.
func (r *Repository) CreateSession(ctx context.Context, s model.Session) (model.Session, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Session{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE subscriptions
		SET sessions_remaining = sessions_remaining - 1,
			updated_at = now()
		WHERE id = $1
			AND user_id = $2
			AND status = 'active'
			AND sessions_remaining >= 1
	`, s.SubscriptionID, s.StudentID)
	if err != nil {
		return model.Session{}, err
	}
	if tag.RowsAffected() == 0 {
		return model.Session{}, fmt.Errorf("%w: subscription %s", model.ErrQuotaExhausted, s.SubscriptionID)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO sessions
			(id, tutor_id, student_id, subject_id, scheduled_at, ends_at, duration_minutes, status, subscription_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
		RETURNING created_at
	`, s.ID, s.TutorID, s.StudentID, s.SubjectID, s.ScheduledAt, s.EndsAt(), s.DurationMinutes,
		string(s.Status), s.SubscriptionID, s.Description, s.CreatedAt).Scan(&s.CreatedAt)
	if err != nil {
		if IsConflict(err) {
			return model.Session{}, fmt.Errorf("%w: tutor %s already booked at %s", model.ErrSlotUnavailable, s.TutorID, s.ScheduledAt.Format(time.RFC3339))
		}
		return model.Session{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Session{}, err
	}
	return s, nil
}

func (r *Repository) CancelSession(ctx context.Context, id string, decide func(model.Session) (model.Cancellation, error)) (model.Session, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Session{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := getSessionForUpdate(ctx, tx, id)
	if err != nil {
		return model.Session{}, err
	}
	c, err := decide(cur)
	if err != nil {
		return model.Session{}, err
	}

	rows, err := tx.Query(ctx, `
		UPDATE sessions
		SET status = 'cancelled',
			cancelled_by = $2,
			cancel_reason = NULLIF($3, ''),
			cancelled_at = $4
		WHERE id = $1
		RETURNING `+sessionColumns, id, c.By, c.Reason, c.At)
	if err != nil {
		return model.Session{}, err
	}
	updated, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if err != nil {
		return model.Session{}, mapErr(err, "session", id)
	}

	if c.RefundSubscriptionID != "" {
		if _, err := tx.Exec(ctx, `
			UPDATE subscriptions
			SET sessions_remaining = LEAST(sessions_remaining + 1, plan_sessions_included),
				updated_at = now()
			WHERE id = $1
		`, c.RefundSubscriptionID); err != nil {
			return model.Session{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Session{}, err
	}
	return updated, nil
}

func (r *Repository) UpdateSessionStatus(ctx context.Context, id string, next func(model.Session) (model.SessionStatus, error)) (model.Session, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Session{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := getSessionForUpdate(ctx, tx, id)
	if err != nil {
		return model.Session{}, err
	}
	status, err := next(cur)
	if err != nil {
		return model.Session{}, err
	}

	rows, err := tx.Query(ctx, `
		UPDATE sessions SET status = $2 WHERE id = $1
		RETURNING `+sessionColumns, id, string(status))
	if err != nil {
		return model.Session{}, err
	}
	updated, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if err != nil {
		return model.Session{}, mapErr(err, "session", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Session{}, err
	}
	return updated, nil
}

func getSessionForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Session, error) {
	rows, err := tx.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return model.Session{}, mapErr(err, "session", id)
	}
	s, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if err != nil {
		return model.Session{}, mapErr(err, "session", id)
	}
	return s, nil
}

func (r *Repository) GetSubscription(ctx context.Context, id string) (model.Subscription, error) {
	var sub model.Subscription
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, status, plan_sessions_included, sessions_remaining
		FROM subscriptions
		WHERE id = $1
	`, id).Scan(&sub.ID, &sub.UserID, &status, &sub.PlanSessionsIncluded, &sub.SessionsRemaining)
	if err != nil {
		return model.Subscription{}, mapErr(err, "subscription", id)
	}
	sub.Status = model.SubscriptionStatus(status)
	return sub, nil
}

// UpsertSubscription mirrors plan catalog terms. A new row, or resetQuota, starts with the full
// plan; otherwise the remaining count is kept and clamped to the plan.
func (r *Repository) UpsertSubscription(ctx context.Context, sub model.Subscription, resetQuota bool) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO subscriptions (id, user_id, status, plan_sessions_included, sessions_remaining)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id)
		DO UPDATE SET user_id = EXCLUDED.user_id,
		              status = EXCLUDED.status,
		              plan_sessions_included = EXCLUDED.plan_sessions_included,
		              sessions_remaining = CASE
		                  WHEN $5::boolean THEN EXCLUDED.plan_sessions_included
		                  ELSE LEAST(subscriptions.sessions_remaining, EXCLUDED.plan_sessions_included)
		              END,
		              updated_at = now()
	`, sub.ID, sub.UserID, string(sub.Status), sub.PlanSessionsIncluded, resetQuota)
	if err != nil {
		return fmt.Errorf("upsert subscription %s: %w", sub.ID, err)
	}
	return nil
}

// IsConflict reports an exclusion constraint violation.
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isInvalidID reports a malformed uuid literal, which cannot name an existing row.
func isInvalidID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

func mapErr(err error, kind, id string) error {
	switch {
	case IsNotFound(err), isInvalidID(err):
		return fmt.Errorf("%w: %s %s", model.ErrNotFound, kind, id)
	case IsConflict(err) && kind == "availability":
		return fmt.Errorf("%w: %s %s", model.ErrOverlapConflict, kind, id)
	}
	return err
}

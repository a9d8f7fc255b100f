package postgres

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/booking"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/schedule"
)

var (
	_ schedule.Store = (*Repository)(nil)
	_ booking.Store  = (*Repository)(nil)
)

func TestMapErr(t *testing.T) {
	exclusion := &pgconn.PgError{Code: "23P01", ConstraintName: "weekly_availability_no_active_overlap"}
	badUUID := &pgconn.PgError{Code: "22P02"}

	assert.ErrorIs(t, mapErr(pgx.ErrNoRows, "session", "s-1"), model.ErrNotFound)
	assert.ErrorIs(t, mapErr(fmt.Errorf("scan: %w", pgx.ErrNoRows), "session", "s-1"), model.ErrNotFound)
	assert.ErrorIs(t, mapErr(badUUID, "availability", "nope"), model.ErrNotFound)
	assert.ErrorIs(t, mapErr(exclusion, "availability", "a-1"), model.ErrOverlapConflict)

	other := errors.New("connection reset")
	assert.Equal(t, other, mapErr(other, "availability", "a-1"))
	assert.Equal(t, exclusion, mapErr(exclusion, "session", "s-1"), "session conflicts are mapped by the caller")
}

func TestOverlapErr_NamesSibling(t *testing.T) {
	exclusion := &pgconn.PgError{Code: "23P01"}
	slot := model.WeeklySlot{ID: "a-2", TutorID: "tutor-1", DayOfWeek: 2, StartTime: 15 * 60, EndTime: 17 * 60, IsActive: true}
	sibling := model.WeeklySlot{ID: "a-1", TutorID: "tutor-1", DayOfWeek: 2, StartTime: 14 * 60, EndTime: 16 * 60, IsActive: true}

	err := overlapErr(exclusion, slot, func() (model.WeeklySlot, error) { return sibling, nil })
	var oe *model.OverlapError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "a-1", oe.Conflict.ID)
	assert.ErrorIs(t, err, model.ErrOverlapConflict)
	assert.Contains(t, err.Error(), "Tuesday 14:00-16:00")

	err = overlapErr(exclusion, slot, func() (model.WeeklySlot, error) { return model.WeeklySlot{}, pgx.ErrNoRows })
	assert.ErrorIs(t, err, model.ErrOverlapConflict)
	assert.False(t, errors.As(err, &oe))

	called := false
	other := errors.New("connection reset")
	err = overlapErr(other, slot, func() (model.WeeklySlot, error) {
		called = true
		return sibling, nil
	})
	assert.Equal(t, other, err)
	assert.False(t, called)
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23P01"})))
	assert.False(t, IsConflict(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsConflict(errors.New("boom")))
}

func TestMigrationsEmbedded(t *testing.T) {
	files, err := fs.Glob(Migrations, MigrationsDir+"/*.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"migrations/00001_weekly_availability.sql",
		"migrations/00002_sessions.sql",
	}, files)

	body, err := fs.ReadFile(Migrations, "migrations/00002_sessions.sql")
	require.NoError(t, err)
	assert.Contains(t, string(body), "sessions_no_double_booking")
}

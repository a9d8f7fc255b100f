//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/tutorbook/libs/db"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/model"
)

// Run with: TEST_DATABASE_URL=postgres://... go test -tags integration ./...
func newRepo(t *testing.T) *Repository {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, url, db.Options{MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	_, err = db.Migrate(ctx, pool, Migrations, MigrationsDir)
	require.NoError(t, err)
	return NewRepository(pool)
}

func seedSubscription(t *testing.T, r *Repository, plan, remaining int) model.Subscription {
	t.Helper()
	sub := model.Subscription{ID: "sub-" + uuid.NewString(), UserID: "student-" + uuid.NewString(), Status: model.SubscriptionActive, PlanSessionsIncluded: plan}
	require.NoError(t, r.UpsertSubscription(context.Background(), sub, true))
	for i := plan; i > remaining; i-- {
		_, err := r.CreateSession(context.Background(), newSession("tutor-seed-"+uuid.NewString(), sub, time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC)))
		require.NoError(t, err)
	}
	got, err := r.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, remaining, got.SessionsRemaining)
	return got
}

func newSession(tutorID string, sub model.Subscription, at time.Time) model.Session {
	return model.Session{
		ID:              uuid.NewString(),
		TutorID:         tutorID,
		StudentID:       sub.UserID,
		SubjectID:       "math",
		ScheduledAt:     at,
		DurationMinutes: 60,
		Status:          model.SessionPending,
		SubscriptionID:  sub.ID,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestRepository_DebitIsConditional(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	sub := seedSubscription(t, r, 4, 1)
	tutor := "tutor-" + uuid.NewString()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at := time.Date(2026, 10, 20, 14+i, 0, 0, 0, time.UTC)
			_, errs[i] = r.CreateSession(ctx, newSession(tutor, sub, at))
		}(i)
	}
	wg.Wait()

	var ok, exhausted int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, model.ErrQuotaExhausted):
			exhausted++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, exhausted)

	got, err := r.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Zero(t, got.SessionsRemaining)
}

func TestRepository_DoubleBookingRollsBackDebit(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	first := seedSubscription(t, r, 4, 4)
	second := seedSubscription(t, r, 4, 4)
	tutor := "tutor-" + uuid.NewString()
	at := time.Date(2026, 10, 20, 14, 0, 0, 0, time.UTC)

	_, err := r.CreateSession(ctx, newSession(tutor, first, at))
	require.NoError(t, err)
	_, err = r.CreateSession(ctx, newSession(tutor, second, at.Add(30*time.Minute)))
	assert.ErrorIs(t, err, model.ErrSlotUnavailable)

	got, err := r.GetSubscription(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.SessionsRemaining)
}

func TestRepository_CancelRefundCappedAtPlan(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	sub := seedSubscription(t, r, 2, 2)
	sess, err := r.CreateSession(ctx, newSession("tutor-"+uuid.NewString(), sub, time.Date(2026, 10, 21, 10, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	require.NoError(t, r.UpsertSubscription(ctx, sub, true))

	decide := func(cur model.Session) (model.Cancellation, error) {
		if cur.Status == model.SessionCancelled {
			return model.Cancellation{}, fmt.Errorf("%w: %s", model.ErrAlreadyCancelled, cur.ID)
		}
		return model.Cancellation{By: cur.StudentID, Reason: "sick", At: time.Now().UTC(), RefundSubscriptionID: cur.SubscriptionID}, nil
	}
	cancelled, err := r.CancelSession(ctx, sess.ID, decide)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCancelled, cancelled.Status)
	assert.Equal(t, "sick", cancelled.CancelReason)

	got, err := r.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SessionsRemaining)

	_, err = r.CancelSession(ctx, sess.ID, decide)
	assert.ErrorIs(t, err, model.ErrAlreadyCancelled)

	_, err = r.CancelSession(ctx, uuid.NewString(), decide)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRepository_UpsertSubscriptionClampsWithoutReset(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	sub := seedSubscription(t, r, 8, 6)

	sub.Status = model.SubscriptionPaused
	require.NoError(t, r.UpsertSubscription(ctx, sub, false))
	got, err := r.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionPaused, got.Status)
	assert.Equal(t, 6, got.SessionsRemaining)

	sub.PlanSessionsIncluded = 4
	require.NoError(t, r.UpsertSubscription(ctx, sub, false))
	got, err = r.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.SessionsRemaining)
}

func TestRepository_SlotExclusionNamesConflict(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	tutor := "tutor-" + uuid.NewString()

	first, err := r.InsertSlot(ctx, model.WeeklySlot{ID: uuid.NewString(), TutorID: tutor, DayOfWeek: 2, StartTime: 14 * 60, EndTime: 16 * 60, IsActive: true})
	require.NoError(t, err)

	_, err = r.InsertSlot(ctx, model.WeeklySlot{ID: uuid.NewString(), TutorID: tutor, DayOfWeek: 2, StartTime: 15 * 60, EndTime: 17 * 60, IsActive: true})
	var oe *model.OverlapError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, first.ID, oe.Conflict.ID)

	_, err = r.InsertSlot(ctx, model.WeeklySlot{ID: uuid.NewString(), TutorID: tutor, DayOfWeek: 2, StartTime: 15 * 60, EndTime: 17 * 60, IsActive: false})
	assert.NoError(t, err, "inactive slots are exempt")
}

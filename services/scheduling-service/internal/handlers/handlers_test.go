package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/tutorbook/libs/httpx"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/booking"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/lock"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/notify"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/schedule"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/storage/memory"
)

// 2026-10-20 is a Tuesday.
const tuesday = "2026-10-20"

func newServer(t *testing.T, remaining int) http.Handler {
	t.Helper()
	return newServerWithLocker(t, remaining, lock.NewLocal())
}

func newServerWithLocker(t *testing.T, remaining int, locker lock.Locker) http.Handler {
	t.Helper()
	store := memory.New()
	store.PutSubscription(model.Subscription{
		ID:                   "sub-1",
		UserID:               "student-1",
		Status:               model.SubscriptionActive,
		PlanSessionsIncluded: 8,
		SessionsRemaining:    remaining,
	})
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	now := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

	sched := schedule.NewService(store, locker, logger)
	book := booking.NewService(store, locker, notify.NewLog(logger), logger, booking.Config{
		Location: time.UTC,
		Now:      func() time.Time { return now },
	})
	sessions := NewSessionHandler(book, logger)
	sessions.now = func() time.Time { return now }

	mux := http.NewServeMux()
	Register(mux, NewAvailabilityHandler(sched, logger), sessions)
	return mux
}

func do(t *testing.T, h http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set(httpx.UserIDHeader, userID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[httpx.ErrorBody](t, rec).Error
}

func createTuesdayAfternoon(t *testing.T, h http.Handler) model.WeeklySlot {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/v1/availability", "tutor-1", map[string]any{
		"dayOfWeek": 2, "startTime": "14:00", "endTime": "16:00",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[model.WeeklySlot](t, rec)
}

func TestBookingFlow(t *testing.T) {
	h := newServer(t, 8)
	slot := createTuesdayAfternoon(t, h)
	assert.Equal(t, "tutor-1", slot.TutorID)

	rec := do(t, h, http.MethodGet, "/api/v1/slots?tutorId=tutor-1&date="+tuesday+"&durationMinutes=60", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	windows := decode[windowList](t, rec)
	require.Len(t, windows.Items, 2)
	assert.Equal(t, "14:00", windows.Items[0].StartTime.String())
	assert.Equal(t, "15:00", windows.Items[1].StartTime.String())

	rec = do(t, h, http.MethodPost, "/api/v1/sessions", "student-1", map[string]any{
		"tutorId": "tutor-1", "date": tuesday, "startTime": "14:00", "durationMinutes": 60, "subscriptionId": "sub-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	session := decode[model.Session](t, rec)
	assert.Equal(t, model.SessionPending, session.Status)
	assert.Equal(t, "student-1", session.StudentID)

	rec = do(t, h, http.MethodPost, "/api/v1/sessions", "student-1", map[string]any{
		"tutorId": "tutor-1", "date": tuesday, "startTime": "14:00", "durationMinutes": 60, "subscriptionId": "sub-1",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "slot_unavailable", errorCode(t, rec))

	rec = do(t, h, http.MethodGet, "/api/v1/slots?tutorId=tutor-1&date="+tuesday+"&durationMinutes=60", "", nil)
	windows = decode[windowList](t, rec)
	require.Len(t, windows.Items, 1)
	assert.Equal(t, "15:00", windows.Items[0].StartTime.String())

	rec = do(t, h, http.MethodGet, "/api/v1/subscriptions/sub-1", "", nil)
	assert.Equal(t, 7, decode[model.Subscription](t, rec).SessionsRemaining)

	rec = do(t, h, http.MethodPost, "/api/v1/sessions/"+session.ID+"/cancel", "student-1", map[string]any{"reason": "sick"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decode[model.Session](t, rec)
	assert.Equal(t, model.SessionCancelled, cancelled.Status)
	assert.Equal(t, "sick", cancelled.CancelReason)

	rec = do(t, h, http.MethodPost, "/api/v1/sessions/"+session.ID+"/cancel", "student-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_cancelled", errorCode(t, rec))

	rec = do(t, h, http.MethodGet, "/api/v1/subscriptions/sub-1", "", nil)
	assert.Equal(t, 8, decode[model.Subscription](t, rec).SessionsRemaining)

	rec = do(t, h, http.MethodGet, "/api/v1/sessions?studentId=student-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[sessionList](t, rec).Items, 1)
}

func TestCreateAvailability_OverlapReturnsConflict(t *testing.T) {
	h := newServer(t, 8)
	first := createTuesdayAfternoon(t, h)

	rec := do(t, h, http.MethodPost, "/api/v1/availability", "tutor-1", map[string]any{
		"dayOfWeek": 2, "startTime": "15:00", "endTime": "17:00",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode[overlapBody](t, rec)
	assert.Equal(t, "overlap_conflict", body.Error)
	assert.Equal(t, first.ID, body.Conflict.ID)
	assert.Contains(t, body.Message, "Tuesday 14:00-16:00")
}

func TestAvailabilityEndpoints(t *testing.T) {
	h := newServer(t, 8)
	slot := createTuesdayAfternoon(t, h)

	rec := do(t, h, http.MethodPatch, "/api/v1/availability/"+slot.ID, "tutor-1", map[string]any{"endTime": "17:00"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "17:00", decode[model.WeeklySlot](t, rec).EndTime.String())

	rec = do(t, h, http.MethodPost, "/api/v1/availability/"+slot.ID+"/active", "tutor-1", map[string]any{"isActive": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[model.WeeklySlot](t, rec).IsActive)

	rec = do(t, h, http.MethodPost, "/api/v1/availability/copy-day", "tutor-1", map[string]any{"sourceDay": 2, "targetDays": []int{3}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "nothing_to_copy", errorCode(t, rec))

	rec = do(t, h, http.MethodPost, "/api/v1/availability/"+slot.ID+"/active", "tutor-1", map[string]any{"isActive": true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/availability/copy-day", "tutor-1", map[string]any{"sourceDay": 2, "targetDays": []int{2}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_target", errorCode(t, rec))

	rec = do(t, h, http.MethodPost, "/api/v1/availability/copy-day", "tutor-1", map[string]any{"sourceDay": 2, "targetDays": []int{3, 4}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[availabilityList](t, rec).Items, 2)

	rec = do(t, h, http.MethodGet, "/api/v1/tutors/tutor-1/availability", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[availabilityList](t, rec).Items, 3)

	rec = do(t, h, http.MethodDelete, "/api/v1/availability/"+slot.ID, "tutor-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodDelete, "/api/v1/availability/"+slot.ID, "tutor-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestValidation(t *testing.T) {
	h := newServer(t, 8)
	createTuesdayAfternoon(t, h)

	rec := do(t, h, http.MethodPost, "/api/v1/availability", "tutor-1", map[string]any{
		"dayOfWeek": 2, "startTime": "25:00", "endTime": "26:00",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/availability", "tutor-1", map[string]any{"startTime": "09:00", "endTime": "10:00"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "dayOfWeek is required")

	rec = do(t, h, http.MethodPost, "/api/v1/availability", "tutor-1", map[string]any{
		"dayOfWeek": 1, "startTime": "09:00", "endTime": "10:00", "colour": "blue",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")

	rec = do(t, h, http.MethodGet, "/api/v1/slots?tutorId=tutor-1&date=20-10-2026&durationMinutes=60", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_format", errorCode(t, rec))

	rec = do(t, h, http.MethodGet, "/api/v1/slots?tutorId=tutor-1&date="+tuesday+"&durationMinutes=45", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/sessions", "", map[string]any{
		"tutorId": "tutor-1", "date": tuesday, "startTime": "14:00", "durationMinutes": 60, "subscriptionId": "sub-1",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/sessions", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/sessions/does-not-exist", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(t, rec))
}

func TestBook_QuotaExhausted(t *testing.T) {
	h := newServer(t, 0)
	createTuesdayAfternoon(t, h)

	rec := do(t, h, http.MethodPost, "/api/v1/sessions", "student-1", map[string]any{
		"tutorId": "tutor-1", "date": tuesday, "startTime": "14:00", "durationMinutes": 30, "subscriptionId": "sub-1",
	})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "quota_exhausted", errorCode(t, rec))
}

func TestAdvanceAndTutorListing(t *testing.T) {
	h := newServer(t, 8)
	createTuesdayAfternoon(t, h)

	rec := do(t, h, http.MethodPost, "/api/v1/sessions", "student-1", map[string]any{
		"tutorId": "tutor-1", "date": tuesday, "startTime": "15:00", "durationMinutes": 60, "subscriptionId": "sub-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[model.Session](t, rec).ID

	rec = do(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/status", "tutor-1", map[string]any{"status": "completed"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", errorCode(t, rec))

	rec = do(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/status", "tutor-1", map[string]any{"status": "napping"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/status", "tutor-1", map[string]any{"status": "confirmed"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.SessionConfirmed, decode[model.Session](t, rec).Status)

	rec = do(t, h, http.MethodGet, "/api/v1/sessions?tutorId=tutor-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode[sessionList](t, rec).Items
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)

	rec = do(t, h, http.MethodGet, "/api/v1/sessions?tutorId=tutor-1&from=2026-10-21T00:00:00Z", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[sessionList](t, rec).Items)

	rec = do(t, h, http.MethodGet, "/api/v1/sessions?tutorId=tutor-1&from=2026-10-21T00:00:00Z&to=2026-10-20T00:00:00Z", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequiredClockFields(t *testing.T) {
	h := newServer(t, 8)

	rec := do(t, h, http.MethodPost, "/api/v1/availability", "tutor-1", map[string]any{"dayOfWeek": 2, "endTime": "10:00"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_format", errorCode(t, rec))

	rec = do(t, h, http.MethodPost, "/api/v1/availability", "tutor-1", map[string]any{"dayOfWeek": 2, "startTime": "09:00"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/tutors/tutor-1/availability", "", nil)
	assert.Empty(t, decode[availabilityList](t, rec).Items)

	createTuesdayAfternoon(t, h)
	rec = do(t, h, http.MethodPost, "/api/v1/sessions", "student-1", map[string]any{
		"tutorId": "tutor-1", "date": tuesday, "durationMinutes": 60, "subscriptionId": "sub-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_format", errorCode(t, rec))
}

func TestSlots_RejectsUnbookableDuration(t *testing.T) {
	h := newServer(t, 8)
	rec := do(t, h, http.MethodPost, "/api/v1/availability", "tutor-1", map[string]any{
		"dayOfWeek": 2, "startTime": "14:00", "endTime": "17:00",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/v1/slots?tutorId=tutor-1&date="+tuesday+"&durationMinutes=150", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_format", errorCode(t, rec))

	rec = do(t, h, http.MethodGet, "/api/v1/slots?tutorId=tutor-1&date="+tuesday+"&durationMinutes=90", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[windowList](t, rec).Items, 2)
}

func TestAvailability_OwnedByTutor(t *testing.T) {
	h := newServer(t, 8)
	slot := createTuesdayAfternoon(t, h)

	rec := do(t, h, http.MethodPost, "/api/v1/availability", "tutor-2", map[string]any{
		"tutorId": "tutor-1", "dayOfWeek": 3, "startTime": "09:00", "endTime": "10:00",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", errorCode(t, rec))

	rec = do(t, h, http.MethodPatch, "/api/v1/availability/"+slot.ID, "tutor-2", map[string]any{"endTime": "17:00"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/v1/availability/"+slot.ID+"/active", "tutor-2", map[string]any{"isActive": false})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, h, http.MethodDelete, "/api/v1/availability/"+slot.ID, "tutor-2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/v1/availability/copy-day", "tutor-2", map[string]any{
		"tutorId": "tutor-1", "sourceDay": 2, "targetDays": []int{3},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/tutors/tutor-1/availability", "", nil)
	items := decode[availabilityList](t, rec).Items
	require.Len(t, items, 1)
	assert.Equal(t, "16:00", items[0].EndTime.String())
	assert.True(t, items[0].IsActive)

	rec = do(t, h, http.MethodDelete, "/api/v1/availability/"+slot.ID, "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, "internal callers without identity are trusted")
}

func TestBook_RequestTimeoutWhileLocked(t *testing.T) {
	locker := lock.NewLocal()
	h := httpx.WithTimeout(30 * time.Millisecond)(newServerWithLocker(t, 8, locker))
	createTuesdayAfternoon(t, h)

	day := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	unlock, err := locker.Lock(context.Background(), booking.DateKey("tutor-1", day))
	require.NoError(t, err)
	defer unlock()

	rec := do(t, h, http.MethodPost, "/api/v1/sessions", "student-1", map[string]any{
		"tutorId": "tutor-1", "date": tuesday, "startTime": "14:00", "durationMinutes": 60, "subscriptionId": "sub-1",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "busy", errorCode(t, rec))

	rec = do(t, h, http.MethodGet, "/api/v1/subscriptions/sub-1", "", nil)
	assert.Equal(t, 8, decode[model.Subscription](t, rec).SessionsRemaining)
}

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/md-rashed-zaman/tutorbook/libs/httpx"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/lock"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/model"
)

// overlapBody is the 409 body for availability writes, naming the window that blocked them.
type overlapBody struct {
	httpx.ErrorBody
	Conflict model.WeeklySlot `json:"conflict"`
}

type errorKind struct {
	target error
	status int
	code   string
}

var errorKinds = []errorKind{
	{model.ErrInvalidFormat, http.StatusBadRequest, "invalid_format"},
	{model.ErrNotFound, http.StatusNotFound, "not_found"},
	{model.ErrForbidden, http.StatusForbidden, "forbidden"},
	{model.ErrOverlapConflict, http.StatusConflict, "overlap_conflict"},
	{model.ErrSlotUnavailable, http.StatusConflict, "slot_unavailable"},
	{model.ErrAlreadyCancelled, http.StatusConflict, "already_cancelled"},
	{model.ErrAlreadyCompleted, http.StatusConflict, "already_completed"},
	{model.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{model.ErrCancellationClosed, http.StatusConflict, "cancellation_closed"},
	{model.ErrQuotaExhausted, http.StatusPaymentRequired, "quota_exhausted"},
	{model.ErrInvalidTarget, http.StatusUnprocessableEntity, "invalid_target"},
	{model.ErrNothingToCopy, http.StatusUnprocessableEntity, "nothing_to_copy"},
	{lock.ErrLockTimeout, http.StatusServiceUnavailable, "busy"},
}

func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var oe *model.OverlapError
	if errors.As(err, &oe) {
		httpx.WriteJSON(w, http.StatusConflict, overlapBody{
			ErrorBody: httpx.ErrorBody{Error: "overlap_conflict", Message: err.Error()},
			Conflict:  oe.Conflict,
		})
		return
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.target) {
			httpx.WriteError(w, k.status, k.code, err.Error())
			return
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		httpx.WriteError(w, http.StatusServiceUnavailable, "busy", "request timed out")
		return
	}
	logger.Error("request failed",
		"err", err,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", httpx.RequestIDFromContext(r.Context()),
	)
	httpx.WriteError(w, http.StatusInternalServerError, "internal", "internal error")
}

func badRequest(w http.ResponseWriter, msg string) {
	httpx.WriteError(w, http.StatusBadRequest, "invalid_format", msg)
}

package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/tutorbook/libs/httpx"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/schedule"
)

type AvailabilityHandler struct {
	svc    *schedule.Service
	logger *slog.Logger
}

func NewAvailabilityHandler(svc *schedule.Service, logger *slog.Logger) *AvailabilityHandler {
	return &AvailabilityHandler{svc: svc, logger: logger}
}

type createAvailabilityRequest struct {
	TutorID   string       `json:"tutorId"`
	DayOfWeek *int         `json:"dayOfWeek"`
	StartTime *model.Clock `json:"startTime"`
	EndTime   *model.Clock `json:"endTime"`
}

type setActiveRequest struct {
	IsActive *bool `json:"isActive"`
}

type copyDayRequest struct {
	TutorID    string `json:"tutorId"`
	SourceDay  *int   `json:"sourceDay"`
	TargetDays []int  `json:"targetDays"`
}

type availabilityList struct {
	Items []model.WeeklySlot `json:"items"`
}

// tutorFor prefers the explicit tutor in the body and falls back to the caller identity.
func tutorFor(r *http.Request, bodyTutorID string) string {
	if id := strings.TrimSpace(bodyTutorID); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(httpx.UserIDHeader))
}

// authorizeTutor rejects a caller acting on another tutor's availability. Requests without a
// caller identity come from trusted internal callers.
func authorizeTutor(r *http.Request, tutorID string) error {
	caller := strings.TrimSpace(r.Header.Get(httpx.UserIDHeader))
	if caller == "" || caller == tutorID {
		return nil
	}
	return fmt.Errorf("%w: availability of tutor %s", model.ErrForbidden, tutorID)
}

// ownSlot loads the slot behind the {id} path value and checks the caller owns it.
func (h *AvailabilityHandler) ownSlot(w http.ResponseWriter, r *http.Request) bool {
	slot, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err == nil {
		err = authorizeTutor(r, slot.TutorID)
	}
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return false
	}
	return true
}

func (h *AvailabilityHandler) List(w http.ResponseWriter, r *http.Request) {
	slots, err := h.svc.ListByTutor(r.Context(), r.PathValue("tutorID"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, availabilityList{Items: nonNil(slots)})
}

func (h *AvailabilityHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAvailabilityRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json body: "+err.Error())
		return
	}
	switch {
	case req.DayOfWeek == nil:
		badRequest(w, "dayOfWeek is required")
		return
	case req.StartTime == nil:
		badRequest(w, "startTime is required")
		return
	case req.EndTime == nil:
		badRequest(w, "endTime is required")
		return
	}
	tutorID := tutorFor(r, req.TutorID)
	if err := authorizeTutor(r, tutorID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	slot, err := h.svc.Create(r.Context(), tutorID, *req.DayOfWeek, *req.StartTime, *req.EndTime)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, slot)
}

func (h *AvailabilityHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch model.WeeklySlotPatch
	if err := httpx.DecodeJSON(r, &patch); err != nil {
		badRequest(w, "invalid json body: "+err.Error())
		return
	}
	if !h.ownSlot(w, r) {
		return
	}
	slot, err := h.svc.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, slot)
}

func (h *AvailabilityHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json body: "+err.Error())
		return
	}
	if req.IsActive == nil {
		badRequest(w, "isActive is required")
		return
	}
	if !h.ownSlot(w, r) {
		return
	}
	slot, err := h.svc.SetActive(r.Context(), r.PathValue("id"), *req.IsActive)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, slot)
}

func (h *AvailabilityHandler) Remove(w http.ResponseWriter, r *http.Request) {
	if !h.ownSlot(w, r) {
		return
	}
	if err := h.svc.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AvailabilityHandler) CopyDay(w http.ResponseWriter, r *http.Request) {
	var req copyDayRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json body: "+err.Error())
		return
	}
	if req.SourceDay == nil {
		badRequest(w, "sourceDay is required")
		return
	}
	tutorID := tutorFor(r, req.TutorID)
	if err := authorizeTutor(r, tutorID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	copied, err := h.svc.CopyDay(r.Context(), tutorID, *req.SourceDay, req.TargetDays)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, availabilityList{Items: nonNil(copied)})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

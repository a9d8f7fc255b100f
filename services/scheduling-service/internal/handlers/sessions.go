package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/tutorbook/libs/httpx"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/booking"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/model"
)

// defaultListSpan bounds a tutor session listing when the caller gives no "to".
const defaultListSpan = 30 * 24 * time.Hour

type SessionHandler struct {
	svc    *booking.Service
	logger *slog.Logger
	now    func() time.Time
}

func NewSessionHandler(svc *booking.Service, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{svc: svc, logger: logger, now: time.Now}
}

type bookRequest struct {
	TutorID         string       `json:"tutorId"`
	Date            string       `json:"date"`
	StartTime       *model.Clock `json:"startTime"`
	DurationMinutes int          `json:"durationMinutes"`
	SubjectID       string       `json:"subjectId"`
	SubscriptionID  string       `json:"subscriptionId"`
	Description     string       `json:"description"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type advanceRequest struct {
	Status string `json:"status"`
}

type windowList struct {
	TutorID         string         `json:"tutorId"`
	Date            string         `json:"date"`
	DurationMinutes int            `json:"durationMinutes"`
	Items           []model.Window `json:"items"`
}

type sessionList struct {
	Items []model.Session `json:"items"`
}

func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(httpx.UserIDHeader))
	if id == "" {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthenticated", httpx.UserIDHeader+" header is required")
		return "", false
	}
	return id, true
}

func (h *SessionHandler) Slots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	duration, err := strconv.Atoi(q.Get("durationMinutes"))
	if err != nil {
		badRequest(w, "durationMinutes must be an integer")
		return
	}
	tutorID, date := q.Get("tutorId"), q.Get("date")
	windows, err := h.svc.Windows(r.Context(), tutorID, date, duration)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, windowList{
		TutorID:         tutorID,
		Date:            date,
		DurationMinutes: duration,
		Items:           nonNil(windows),
	})
}

func (h *SessionHandler) Book(w http.ResponseWriter, r *http.Request) {
	studentID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req bookRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json body: "+err.Error())
		return
	}
	if req.StartTime == nil {
		badRequest(w, "startTime is required")
		return
	}
	session, err := h.svc.Book(r.Context(), booking.BookRequest{
		StudentID:       studentID,
		TutorID:         req.TutorID,
		Date:            req.Date,
		StartTime:       *req.StartTime,
		DurationMinutes: req.DurationMinutes,
		SubjectID:       req.SubjectID,
		SubscriptionID:  req.SubscriptionID,
		Description:     req.Description,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, session)
}

func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	actingUserID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	// The body is optional.
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid json body: "+err.Error())
		return
	}
	session, err := h.svc.Cancel(r.Context(), r.PathValue("id"), actingUserID, req.Reason)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, session)
}

func (h *SessionHandler) Advance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json body: "+err.Error())
		return
	}
	status, err := model.ParseSessionStatus(req.Status)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	session, err := h.svc.Advance(r.Context(), r.PathValue("id"), status)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, session)
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, session)
}

// List serves either ?studentId= or ?tutorId=[&from=&to=] with RFC 3339 bounds.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if studentID := q.Get("studentId"); studentID != "" {
		sessions, err := h.svc.ListForStudent(r.Context(), studentID)
		if err != nil {
			writeServiceError(w, r, h.logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, sessionList{Items: nonNil(sessions)})
		return
	}

	tutorID := q.Get("tutorId")
	if tutorID == "" {
		badRequest(w, "tutorId or studentId is required")
		return
	}
	from := h.now().UTC()
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(w, "invalid from")
			return
		}
		from = t
	}
	to := from.Add(defaultListSpan)
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(w, "invalid to")
			return
		}
		to = t
	}
	sessions, err := h.svc.ListForTutor(r.Context(), tutorID, from, to)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sessionList{Items: nonNil(sessions)})
}

func (h *SessionHandler) Subscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.svc.Subscription(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sub)
}

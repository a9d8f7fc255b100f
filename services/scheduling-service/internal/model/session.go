package model

import (
	"fmt"
	"time"
)

type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionConfirmed  SessionStatus = "confirmed"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionCancelled  SessionStatus = "cancelled"
)

func ParseSessionStatus(s string) (SessionStatus, error) {
	switch st := SessionStatus(s); st {
	case SessionPending, SessionConfirmed, SessionInProgress, SessionCompleted, SessionCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown session status %q", ErrInvalidFormat, s)
}

func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// Session durations offered to students, in minutes.
var SessionDurations = []int{30, 60, 90, 120}

func ValidSessionDuration(minutes int) bool {
	for _, d := range SessionDurations {
		if d == minutes {
			return true
		}
	}
	return false
}

type Session struct {
	ID              string        `json:"id"`
	TutorID         string        `json:"tutorId"`
	StudentID       string        `json:"studentId"`
	SubjectID       string        `json:"subjectId,omitempty"`
	ScheduledAt     time.Time     `json:"scheduledAt"`
	DurationMinutes int           `json:"durationMinutes"`
	Status          SessionStatus `json:"status"`
	SubscriptionID  string        `json:"subscriptionId,omitempty"`
	Description     string        `json:"description,omitempty"`
	CancelledBy     string        `json:"cancelledBy,omitempty"`
	CancelReason    string        `json:"cancelReason,omitempty"`
	CancelledAt     *time.Time    `json:"cancelledAt,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
}

func (s Session) EndsAt() time.Time {
	return s.ScheduledAt.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// Blocks reports whether the session still occupies its time range.
func (s Session) Blocks() bool {
	return s.Status != SessionCancelled
}

type SubscriptionStatus string

const (
	SubscriptionActive  SubscriptionStatus = "active"
	SubscriptionPaused  SubscriptionStatus = "paused"
	SubscriptionExpired SubscriptionStatus = "expired"
)

// Subscription is a student's plan instance. Only SessionsRemaining is mutated here;
// plan terms come from the plan catalog.
type Subscription struct {
	ID                   string             `json:"id"`
	UserID               string             `json:"userId"`
	Status               SubscriptionStatus `json:"status"`
	PlanSessionsIncluded int                `json:"planSessionsIncluded"`
	SessionsRemaining    int                `json:"sessionsRemaining"`
}

// Cancellation is what a cancel writes. RefundSubscriptionID is empty when no quota is returned.
type Cancellation struct {
	By                   string
	Reason               string
	At                   time.Time
	RefundSubscriptionID string
}

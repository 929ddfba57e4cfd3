package models

import (
	"strings"
	"time"
)

// Status is the submission lifecycle of a survey. Both non-pending states are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusExpired   Status = "expired"
)

// DeliveryState tracks forwarding of a submitted survey to the tracking system.
type DeliveryState string

const (
	DeliveryNotAttempted      DeliveryState = "not_attempted"
	DeliveryInProgress        DeliveryState = "in_progress"
	DeliveryDelivered         DeliveryState = "delivered"
	DeliveryFailedPermanently DeliveryState = "failed_permanently"
)

// Valid reports whether s is a known delivery state.
func (s DeliveryState) Valid() bool {
	switch s {
	case DeliveryNotAttempted, DeliveryInProgress, DeliveryDelivered, DeliveryFailedPermanently:
		return true
	}
	return false
}

// Pending reports whether the state still needs a delivery attempt.
func (s DeliveryState) Pending() bool {
	return s == DeliveryNotAttempted || s == DeliveryInProgress
}

const (
	MinScore = 1
	MaxScore = 5

	// Scores at or below this need a comment.
	CommentThreshold = 4

	DefaultCategory = "default"
)

type Survey struct {
	Token     string    `json:"token"`
	SubjectID string    `json:"subject_id"`
	Category  string    `json:"category"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    Status    `json:"status"`

	Score       int        `json:"score,omitempty"`
	Comment     string     `json:"comment,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`

	DeliveryState    DeliveryState `json:"delivery_state"`
	DeliveryAttempts int           `json:"delivery_attempts"`
	LastAttemptAt    *time.Time    `json:"last_attempt_at,omitempty"`
	LastError        string        `json:"last_error,omitempty"`
}

// NewSurvey builds a pending record that expires ttl after now.
func NewSurvey(token, subjectID, category, language string, now time.Time, ttl time.Duration) Survey {
	now = now.UTC()
	return Survey{
		Token:         token,
		SubjectID:     subjectID,
		Category:      category,
		Language:      language,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		Status:        StatusPending,
		DeliveryState: DeliveryNotAttempted,
	}
}

// ProjectKey returns the subject prefix before the first dash, e.g. "PROJ" for "PROJ-12".
func (s Survey) ProjectKey() string {
	key, _, found := strings.Cut(s.SubjectID, "-")
	if !found {
		return ""
	}
	return key
}

// ExpiredAt reports whether a pending survey is past its deadline at now.
func (s Survey) ExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// CommentRequired applies the base rule shared by every category.
func CommentRequired(score int) bool {
	return score <= CommentThreshold
}

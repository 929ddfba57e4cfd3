package dispatch

import (
	"context"
	"time"

	"github.com/paulexconde/csat/internal/models"
)

// Payload is the body forwarded to the tracking system. IssueKey repeats
// SubjectID for receivers built against the older issue_key field.
type Payload struct {
	SubjectID   string    `json:"subject_id"`
	IssueKey    string    `json:"issue_key"`
	Score       int       `json:"score"`
	Comment     string    `json:"comment"`
	Language    string    `json:"language"`
	Category    string    `json:"category"`
	SubmittedAt time.Time `json:"submitted_at"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewPayload builds the payload for a submitted survey at now.
func NewPayload(survey models.Survey, now time.Time) Payload {
	p := Payload{
		SubjectID: survey.SubjectID,
		IssueKey:  survey.SubjectID,
		Score:     survey.Score,
		Comment:   survey.Comment,
		Language:  survey.Language,
		Category:  survey.Category,
		Timestamp: now.UTC(),
	}
	if survey.SubmittedAt != nil {
		p.SubmittedAt = survey.SubmittedAt.UTC()
	}
	return p
}

// Sink receives completed survey results. Implementations return errors built
// with fault.Transient or fault.Permanent; anything else counts as transient.
// key identifies the result and stays the same across redeliveries.
type Sink interface {
	Deliver(ctx context.Context, key string, payload Payload) error
}

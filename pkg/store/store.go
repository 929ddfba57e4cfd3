package store

import (
	"context"
	"reflect"
	"strings"
	"time"

	"github.com/paulexconde/csat/internal/models"
)

// Validator adds category specific checks to a submission. It runs inside the
// store's critical section, after the status checks and the base score rule.
type Validator func(survey models.Survey, score int, comment string) error

// DeliveryUpdate is the bookkeeping written by the dispatcher after an attempt.
type DeliveryUpdate struct {
	State     models.DeliveryState
	Attempts  int
	At        time.Time
	LastError string
}

type SurveyStorer interface {
	Create(ctx context.Context, survey models.Survey) error
	Get(ctx context.Context, token string) (*models.Survey, error)
	Submit(ctx context.Context, token string, score int, comment string, validate Validator) (*models.Survey, error)

	MarkDelivery(ctx context.Context, token string, update DeliveryUpdate) error
	// ClaimDelivery moves a submitted survey to in_progress if nobody else holds
	// a fresh claim on it. The bool reports whether the caller won.
	ClaimDelivery(ctx context.Context, token string, staleAfter time.Duration) (*models.Survey, bool, error)
	// ResetDelivery puts a failed_permanently survey back to not_attempted.
	ResetDelivery(ctx context.Context, token string) (*models.Survey, error)
	ListPendingDelivery(ctx context.Context) ([]models.Survey, error)

	// List returns every record ordered by creation time.
	List(ctx context.Context) ([]models.Survey, error)

	// Sweep expires stale pending surveys and returns how many changed.
	Sweep(ctx context.Context) (int, error)

	Close() error
}

// InsertColumns extracts column names and named placeholders from the `db`
// tags of a struct, for use with sqlx named queries.
func InsertColumns(dto any) (columns string, placeholders string) {
	t := reflect.TypeOf(dto)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	var columnNames []string
	var placeholderNames []string

	for i := range t.NumField() {
		field := t.Field(i)

		dbTag := field.Tag.Get("db")
		if dbTag == "" || dbTag == "-" {
			continue // Skip fields without a `db` tag or explicitly ignored fields
		}

		columnNames = append(columnNames, dbTag)
		placeholderNames = append(placeholderNames, ":"+dbTag)
	}

	return strings.Join(columnNames, ", "), strings.Join(placeholderNames, ", ")
}

package dispatch

import (
	"errors"

	"github.com/paulexconde/csat/internal/models"
	"github.com/paulexconde/csat/pkg/fault"
)

// Outcome classifies a single delivery attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classify maps a sink error to an outcome. Errors that are not explicitly
// permanent are treated as transient so they get retried.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, fault.ErrDeliveryPermanent):
		return OutcomePermanent
	default:
		return OutcomeTransient
	}
}

// Next returns the delivery state after attempt number attempts (1-based)
// ended with outcome, and whether another attempt should follow.
func Next(attempts, maxAttempts int, outcome Outcome) (models.DeliveryState, bool) {
	switch outcome {
	case OutcomeSuccess:
		return models.DeliveryDelivered, false
	case OutcomeTransient:
		if attempts < maxAttempts {
			return models.DeliveryInProgress, true
		}
		return models.DeliveryFailedPermanently, false
	default:
		return models.DeliveryFailedPermanently, false
	}
}

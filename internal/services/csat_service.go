package services

import (
	"fmt"

	"github.com/paulexconde/csat/internal/models"
)

// NOTE: the formula for determining the CSAT score
// CSAT = Satisfied / TotalResponses * 100

type CSAT struct {
	// The total of submitted surveys
	TotalResponses int
	// Scores 4 or 5
	Satisfied int
	// Score 3
	Neutral int
	// Scores 1 or 2
	Dissatisfied int
	// Sum of every submitted score
	ScoreSum int
}

// Add counts one submitted score.
func (c *CSAT) Add(score int) {
	c.TotalResponses++
	c.ScoreSum += score
	switch {
	case score >= 4:
		c.Satisfied++
	case score == 3:
		c.Neutral++
	default:
		c.Dissatisfied++
	}
}

func (c *CSAT) CalculateCSAT() (int, error) {
	if c.TotalResponses == 0 {
		return 0, nil
	}

	totalEntities := c.Satisfied + c.Neutral + c.Dissatisfied
	if c.TotalResponses < totalEntities {
		return 0, fmt.Errorf("cannot compute csat with total responses less than the total of groups: %d total < %d grouped", c.TotalResponses, totalEntities)
	}

	return int(float64(c.Satisfied) / float64(c.TotalResponses) * 100), nil
}

// Average returns the mean score, or 0 without responses.
func (c *CSAT) Average() float64 {
	if c.TotalResponses == 0 {
		return 0
	}
	return float64(c.ScoreSum) / float64(c.TotalResponses)
}

// Stats summarises every stored survey for operators.
type Stats struct {
	Total      int                          `json:"total"`
	ByStatus   map[models.Status]int        `json:"by_status"`
	ByDelivery map[models.DeliveryState]int `json:"by_delivery"`
	Responses  int                          `json:"responses"`
	CSAT       int                          `json:"csat"`
	Average    float64                      `json:"average_score"`
}

// Summarize builds Stats from records.
func Summarize(records []models.Survey) (Stats, error) {
	stats := Stats{
		Total:      len(records),
		ByStatus:   make(map[models.Status]int),
		ByDelivery: make(map[models.DeliveryState]int),
	}

	var csat CSAT
	for _, rec := range records {
		stats.ByStatus[rec.Status]++
		if rec.Status != models.StatusSubmitted {
			continue
		}
		stats.ByDelivery[rec.DeliveryState]++
		csat.Add(rec.Score)
	}

	score, err := csat.CalculateCSAT()
	if err != nil {
		return Stats{}, err
	}
	stats.Responses = csat.TotalResponses
	stats.CSAT = score
	stats.Average = csat.Average()
	return stats, nil
}

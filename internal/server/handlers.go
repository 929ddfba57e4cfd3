package server

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/paulexconde/csat/internal/models"
	"github.com/paulexconde/csat/internal/services"
	"github.com/paulexconde/csat/pkg/fault"
)

type createRequest struct {
	SubjectID string `json:"subject_id" form:"subject_id"`
	IssueKey  string `json:"issue_key" form:"issue_key"`
	Category  string `json:"category" form:"category"`
	Language  string `json:"language" form:"language"`
}

type submitRequest struct {
	Score   int    `json:"score" form:"score"`
	Comment string `json:"comment" form:"comment"`
}

type surveyView struct {
	Token      string        `json:"token"`
	SubjectID  string        `json:"subject_id"`
	ProjectKey string        `json:"project_key"`
	Language   string        `json:"language"`
	Category   string        `json:"category"`
	Status     models.Status `json:"status"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

type deliveryView struct {
	Token            string               `json:"token"`
	SubjectID        string               `json:"subject_id"`
	Score            int                  `json:"score"`
	SubmittedAt      *time.Time           `json:"submitted_at,omitempty"`
	DeliveryState    models.DeliveryState `json:"delivery_state"`
	DeliveryAttempts int                  `json:"delivery_attempts"`
	LastAttemptAt    *time.Time           `json:"last_attempt_at,omitempty"`
	LastError        string               `json:"last_error,omitempty"`
}

func newDeliveryView(rec models.Survey) deliveryView {
	return deliveryView{
		Token:            rec.Token,
		SubjectID:        rec.SubjectID,
		Score:            rec.Score,
		SubmittedAt:      rec.SubmittedAt,
		DeliveryState:    rec.DeliveryState,
		DeliveryAttempts: rec.DeliveryAttempts,
		LastAttemptAt:    rec.LastAttemptAt,
		LastError:        rec.LastError,
	}
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) createSurvey(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fault.Validation("malformed request body")
	}

	subjectID := req.SubjectID
	if strings.TrimSpace(subjectID) == "" {
		subjectID = req.IssueKey
	}

	res, err := s.surveys.Create(c.UserContext(), services.CreateRequest{
		SubjectID: subjectID,
		Category:  req.Category,
		Language:  req.Language,
	})
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"token": res.Token,
		"link":  res.Link,
	})
}

func (s *Server) viewSurvey(c *fiber.Ctx) error {
	rec, err := s.surveys.Lookup(c.UserContext(), c.Params("token"))
	if err != nil {
		return err
	}

	lang := rec.Language
	if q := c.Query("lang"); q != "" && s.languages != nil {
		lang = s.languages.Match(q)
	}

	return c.JSON(surveyView{
		Token:      rec.Token,
		SubjectID:  rec.SubjectID,
		ProjectKey: rec.ProjectKey(),
		Language:   lang,
		Category:   rec.Category,
		Status:     rec.Status,
		ExpiresAt:  rec.ExpiresAt,
	})
}

func (s *Server) submitSurvey(c *fiber.Ctx) error {
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return fault.Validation("score must be a number")
	}

	if _, err := s.surveys.Submit(c.UserContext(), c.Params("token"), req.Score, req.Comment); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) listDeliveries(c *fiber.Ctx) error {
	state := models.DeliveryState(c.Query("state"))
	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 20)

	res, err := s.surveys.Deliveries(c.UserContext(), state, page, limit)
	if err != nil {
		return err
	}

	items := make([]deliveryView, 0, len(res.Items))
	for _, rec := range res.Items {
		items = append(items, newDeliveryView(rec))
	}

	return c.JSON(fiber.Map{
		"items":        items,
		"current_page": res.CurrentPage,
		"total_pages":  res.TotalPages,
		"prev_page":    res.PrevPage,
		"next_page":    res.NextPage,
		"total_items":  res.TotalItems,
	})
}

func (s *Server) retryDelivery(c *fiber.Ctx) error {
	rec, err := s.surveys.RetryDelivery(c.UserContext(), c.Params("token"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(newDeliveryView(*rec))
}

func (s *Server) stats(c *fiber.Ctx) error {
	stats, err := s.surveys.Stats(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(stats)
}

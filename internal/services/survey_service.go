package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/paulexconde/csat/internal/metrics"
	"github.com/paulexconde/csat/internal/models"
	"github.com/paulexconde/csat/internal/pkg/paginator"
	"github.com/paulexconde/csat/internal/pkg/workerpool"
	"github.com/paulexconde/csat/internal/token"
	"github.com/paulexconde/csat/pkg/fault"
	pkgstore "github.com/paulexconde/csat/pkg/store"
)

const (
	tokenAttempts     = 3
	defaultTTL        = 24 * time.Hour
	defaultRetryDelay = 20 * time.Millisecond
)

// Enqueuer hands a submitted survey to the delivery subsystem.
type Enqueuer interface {
	Enqueue(token string) bool
}

type CreateRequest struct {
	SubjectID string
	Category  string
	Language  string
}

type CreateResult struct {
	Token  string
	Link   string
	Survey models.Survey
}

type Options struct {
	TTL          time.Duration
	StoreRetries uint
	RetryDelay   time.Duration

	Clock   clockwork.Clock
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Tokens  *token.Generator
}

// Handles survey creation, submission and the operator views.
type SurveyService interface {
	Create(ctx context.Context, req CreateRequest) (*CreateResult, error)
	// Lookup returns a survey that can still be answered, or the error that
	// a submission would get.
	Lookup(ctx context.Context, token string) (*models.Survey, error)
	Submit(ctx context.Context, token string, score int, comment string) (*models.Survey, error)

	Deliveries(ctx context.Context, state models.DeliveryState, page, limit int) (*paginator.PaginatedResponse[models.Survey], error)
	RetryDelivery(ctx context.Context, token string) (*models.Survey, error)
	Stats(ctx context.Context) (Stats, error)
}

type surveyServiceImpl struct {
	store      pkgstore.SurveyStorer
	dispatcher Enqueuer
	rules      *CategoryRules
	languages  *Languages
	records    paginator.Paginator[models.Survey]

	ttl        time.Duration
	retries    uint
	retryDelay time.Duration
	clock      clockwork.Clock
	log        logrus.FieldLogger
	metrics    *metrics.Metrics
	tokens     *token.Generator
}

// Instantiate the SurveyService. dispatcher may be nil when results are not
// forwarded anywhere.
func NewSurveyService(store pkgstore.SurveyStorer, dispatcher Enqueuer, rules *CategoryRules, languages *Languages, opts Options) SurveyService {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.StoreRetries < 1 {
		opts.StoreRetries = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Tokens == nil {
		opts.Tokens = token.NewGenerator()
	}

	return &surveyServiceImpl{
		store:      store,
		dispatcher: dispatcher,
		rules:      rules,
		languages:  languages,
		records:    paginator.NewPaginator(paginator.Lister[models.Survey](store.List)),
		ttl:        opts.TTL,
		retries:    opts.StoreRetries,
		retryDelay: opts.RetryDelay,
		clock:      opts.Clock,
		log:        opts.Logger.WithField("component", "surveys"),
		metrics:    opts.Metrics,
		tokens:     opts.Tokens,
	}
}

// retry absorbs short lock contention and IO hiccups before surfacing them.
func (s *surveyServiceImpl) retry(ctx context.Context, fn func() error) error {
	return workerpool.Retry(ctx, s.retries, s.retryDelay, fn)
}

func (s *surveyServiceImpl) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	subjectID := strings.TrimSpace(req.SubjectID)
	if subjectID == "" {
		return nil, fault.Validation("subject_id is required")
	}

	category := strings.TrimSpace(req.Category)
	if category == "" {
		category = models.DefaultCategory
	}
	if !s.rules.Has(category) {
		return nil, fault.Validation(fmt.Sprintf("unknown category %q", category))
	}

	lang := s.languages.Match(req.Language)

	for attempt := 1; attempt <= tokenAttempts; attempt++ {
		tok, err := s.tokens.Generate()
		if err != nil {
			return nil, fault.NewInternalError("generate token", err)
		}

		rec := models.NewSurvey(tok, subjectID, category, lang, s.clock.Now(), s.ttl)
		err = s.retry(ctx, func() error { return s.store.Create(ctx, rec) })
		if errors.Is(err, fault.ErrDuplicateToken) {
			s.log.WithField("attempt", attempt).Warn("token collision, generating a new one")
			continue
		}
		if err != nil {
			return nil, err
		}

		s.metrics.Created()
		s.log.WithFields(logrus.Fields{
			"token":      shortToken(tok),
			"subject_id": subjectID,
			"category":   category,
			"language":   lang,
		}).Info("survey created")

		return &CreateResult{
			Token:  tok,
			Link:   s.languages.Link(lang, tok),
			Survey: rec,
		}, nil
	}

	return nil, fault.NewInternalError(fmt.Sprintf("no unique token after %d attempts", tokenAttempts), fault.ErrDuplicateToken)
}

func (s *surveyServiceImpl) Lookup(ctx context.Context, token string) (*models.Survey, error) {
	var rec *models.Survey
	err := s.retry(ctx, func() error {
		var err error
		rec, err = s.store.Get(ctx, token)
		return err
	})
	if err != nil {
		return nil, err
	}

	switch {
	case rec.Status == models.StatusSubmitted:
		return rec, fault.NewClientError("survey already submitted", fault.ErrAlreadySubmitted)
	case rec.Status == models.StatusExpired, rec.ExpiredAt(s.clock.Now()):
		return rec, fault.NewClientError("survey expired", fault.ErrExpired)
	}
	return rec, nil
}

func (s *surveyServiceImpl) Submit(ctx context.Context, token string, score int, comment string) (*models.Survey, error) {
	var rec *models.Survey
	err := s.retry(ctx, func() error {
		var err error
		rec, err = s.store.Submit(ctx, token, score, comment, s.rules.Validator())
		return err
	})

	log := s.log.WithField("token", shortToken(token))
	if err != nil {
		result := submissionResult(err)
		s.metrics.Submission(result)
		log.WithError(err).WithField("result", result).Info("submission rejected")
		return nil, err
	}

	s.metrics.Submission("ok")
	log.WithFields(logrus.Fields{
		"subject_id": rec.SubjectID,
		"score":      rec.Score,
	}).Info("survey submitted")

	// Delivery never affects the submission response.
	if s.dispatcher != nil && !s.dispatcher.Enqueue(rec.Token) {
		log.Warn("delivery not queued, recovery scan will pick it up")
	}
	return rec, nil
}

func (s *surveyServiceImpl) Deliveries(ctx context.Context, state models.DeliveryState, page, limit int) (*paginator.PaginatedResponse[models.Survey], error) {
	if state == "" {
		state = models.DeliveryFailedPermanently
	}
	if !state.Valid() {
		return nil, fault.Validation(fmt.Sprintf("unknown delivery state %q", state))
	}

	return s.records.Paginate(ctx, func(rec models.Survey) bool {
		return rec.Status == models.StatusSubmitted && rec.DeliveryState == state
	}, page, limit)
}

func (s *surveyServiceImpl) RetryDelivery(ctx context.Context, token string) (*models.Survey, error) {
	var rec *models.Survey
	err := s.retry(ctx, func() error {
		var err error
		rec, err = s.store.ResetDelivery(ctx, token)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("token", shortToken(token)).Info("delivery reset by operator")
	if s.dispatcher != nil {
		s.dispatcher.Enqueue(token)
	}
	return rec, nil
}

func (s *surveyServiceImpl) Stats(ctx context.Context) (Stats, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Summarize(records)
}

func submissionResult(err error) string {
	switch {
	case errors.Is(err, fault.ErrNotFound):
		return "not_found"
	case errors.Is(err, fault.ErrExpired):
		return "expired"
	case errors.Is(err, fault.ErrAlreadySubmitted):
		return "already_submitted"
	case errors.Is(err, fault.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}

func shortToken(token string) string {
	if len(token) <= 6 {
		return token
	}
	return token[:6] + "…"
}

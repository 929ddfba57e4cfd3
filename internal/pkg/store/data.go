package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/paulexconde/csat/internal/models"
	"github.com/paulexconde/csat/pkg/fault"
	pkgstore "github.com/paulexconde/csat/pkg/store"
)

var ErrClosed = errors.New("store closed")

const (
	DefaultLockTimeout    = 5 * time.Second
	DefaultLockRetryDelay = 10 * time.Millisecond
)

type Options struct {
	Clock          clockwork.Clock
	LockTimeout    time.Duration
	LockRetryDelay time.Duration
	Logger         logrus.FieldLogger

	// ObserveLockWait receives the time spent waiting for every lock.
	ObserveLockWait func(mode string, wait time.Duration)
}

// Store is a survey store backed by one JSON document on the local
// filesystem, shared by every process that opens the same path.
type Store struct {
	path           string
	lockPath       string
	clock          clockwork.Clock
	lockTimeout    time.Duration
	lockRetryDelay time.Duration
	log            logrus.FieldLogger

	observeLockWait func(mode string, wait time.Duration)
	closed          atomic.Bool

	// beforeRename runs after the temp file is synced and before it replaces
	// the snapshot. An error aborts the write.
	beforeRename func(tmp string) error
}

var _ pkgstore.SurveyStorer = (*Store)(nil)

// Open prepares the store at path: it creates the directory, clears temp
// files orphaned by a crash and checks that the snapshot decodes.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.LockRetryDelay <= 0 {
		opts.LockRetryDelay = DefaultLockRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fault.StoreIO("create store dir", err)
		}
	}

	s := &Store{
		path:            path,
		lockPath:        path + ".lock",
		clock:           opts.Clock,
		lockTimeout:     opts.LockTimeout,
		lockRetryDelay:  opts.LockRetryDelay,
		log:             opts.Logger.WithField("component", "store"),
		observeLockWait: opts.ObserveLockWait,
	}

	fl, err := s.acquire(ctx, lockExclusive)
	if err != nil {
		return nil, err
	}
	defer s.release(fl)

	removed, err := s.removeOrphans()
	if err != nil {
		return nil, fault.StoreIO("remove orphaned temp files", err)
	}
	if removed > 0 {
		s.log.WithField("files", removed).Warn("removed temp files left by an interrupted write")
	}

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := s.write(doc); err != nil {
			return nil, err
		}
	}

	s.log.WithField("path", path).WithField("surveys", len(doc.Surveys)).Info("survey store opened")
	return s, nil
}

// Path returns the snapshot location.
func (s *Store) Path() string {
	return s.path
}

// Close marks the store closed. Writes are committed before their call
// returns, so there is nothing left to flush.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.log.Info("survey store closed")
	return nil
}

// update runs fn against the current snapshot under the exclusive lock and
// persists the result when fn reports a change. fn may change the snapshot and
// still return an error; the change is written and the error returned.
func (s *Store) update(ctx context.Context, fn func(doc *document) (bool, error)) error {
	if s.closed.Load() {
		return ErrClosed
	}

	fl, err := s.acquire(ctx, lockExclusive)
	if err != nil {
		return err
	}
	defer s.release(fl)

	doc, err := s.read()
	if err != nil {
		return err
	}

	changed, fnErr := fn(doc)
	if changed {
		if err := s.write(doc); err != nil {
			return err
		}
	}
	return fnErr
}

func (s *Store) view(ctx context.Context, fn func(doc *document) error) error {
	if s.closed.Load() {
		return ErrClosed
	}

	fl, err := s.acquire(ctx, lockShared)
	if err != nil {
		return err
	}
	defer s.release(fl)

	doc, err := s.read()
	if err != nil {
		return err
	}
	return fn(doc)
}

func notFound() error {
	return fault.NewClientError("unknown survey token", fault.ErrNotFound)
}

func (s *Store) Create(ctx context.Context, survey models.Survey) error {
	if survey.Token == "" {
		return fault.Validation("token is required")
	}
	if survey.Status == "" {
		survey.Status = models.StatusPending
	}
	if survey.DeliveryState == "" {
		survey.DeliveryState = models.DeliveryNotAttempted
	}
	if survey.Status != models.StatusPending {
		return fault.Validation("new surveys must be pending")
	}

	return s.update(ctx, func(doc *document) (bool, error) {
		if _, exists := doc.Surveys[survey.Token]; exists {
			return false, fault.NewInternalError("create survey", fault.ErrDuplicateToken)
		}
		rec := survey
		doc.Surveys[rec.Token] = &rec
		return true, nil
	})
}

func (s *Store) Get(ctx context.Context, token string) (*models.Survey, error) {
	var result models.Survey
	err := s.view(ctx, func(doc *document) error {
		rec, ok := doc.Surveys[token]
		if !ok {
			return notFound()
		}
		result = *rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ValidateSubmission applies the rules every category shares.
func ValidateSubmission(score int, comment string) error {
	if score < models.MinScore || score > models.MaxScore {
		return fault.Validation(fmt.Sprintf("score must be between %d and %d", models.MinScore, models.MaxScore))
	}
	if models.CommentRequired(score) && strings.TrimSpace(comment) == "" {
		return fault.Validation(fmt.Sprintf("comment is required when the score is %d or less", models.CommentThreshold))
	}
	return nil
}

func (s *Store) Submit(ctx context.Context, token string, score int, comment string, validate pkgstore.Validator) (*models.Survey, error) {
	now := s.clock.Now().UTC()
	comment = strings.TrimSpace(comment)

	var result models.Survey
	err := s.update(ctx, func(doc *document) (bool, error) {
		rec, ok := doc.Surveys[token]
		if !ok {
			return false, notFound()
		}

		switch rec.Status {
		case models.StatusSubmitted:
			return false, fault.NewClientError("survey already submitted", fault.ErrAlreadySubmitted)
		case models.StatusExpired:
			return false, fault.NewClientError("survey expired", fault.ErrExpired)
		}

		if rec.ExpiredAt(now) {
			rec.Status = models.StatusExpired
			return true, fault.NewClientError("survey expired", fault.ErrExpired)
		}

		if err := ValidateSubmission(score, comment); err != nil {
			return false, err
		}
		if validate != nil {
			if err := validate(*rec, score, comment); err != nil {
				return false, err
			}
		}

		rec.Status = models.StatusSubmitted
		rec.Score = score
		rec.Comment = comment
		rec.SubmittedAt = &now
		result = *rec
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Store) MarkDelivery(ctx context.Context, token string, update pkgstore.DeliveryUpdate) error {
	if !update.State.Valid() {
		return fault.Validation(fmt.Sprintf("unknown delivery state %q", update.State))
	}

	return s.update(ctx, func(doc *document) (bool, error) {
		rec, ok := doc.Surveys[token]
		if !ok {
			return false, notFound()
		}
		if rec.Status != models.StatusSubmitted {
			return false, fault.Validation("delivery state only changes for submitted surveys")
		}

		rec.DeliveryState = update.State
		rec.DeliveryAttempts = update.Attempts
		rec.LastError = update.LastError
		if !update.At.IsZero() {
			at := update.At.UTC()
			rec.LastAttemptAt = &at
		}
		return true, nil
	})
}

func (s *Store) ClaimDelivery(ctx context.Context, token string, staleAfter time.Duration) (*models.Survey, bool, error) {
	now := s.clock.Now().UTC()

	var result models.Survey
	var claimed bool
	err := s.update(ctx, func(doc *document) (bool, error) {
		rec, ok := doc.Surveys[token]
		if !ok {
			return false, notFound()
		}
		result = *rec
		if rec.Status != models.StatusSubmitted {
			return false, nil
		}

		switch rec.DeliveryState {
		case models.DeliveryNotAttempted:
		case models.DeliveryInProgress:
			// Someone else holds a live claim.
			if rec.LastAttemptAt != nil && now.Sub(*rec.LastAttemptAt) < staleAfter {
				return false, nil
			}
		default:
			return false, nil
		}

		rec.DeliveryState = models.DeliveryInProgress
		rec.LastAttemptAt = &now
		result = *rec
		claimed = true
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}
	return &result, claimed, nil
}

func (s *Store) ResetDelivery(ctx context.Context, token string) (*models.Survey, error) {
	var result models.Survey
	err := s.update(ctx, func(doc *document) (bool, error) {
		rec, ok := doc.Surveys[token]
		if !ok {
			return false, notFound()
		}
		if rec.DeliveryState != models.DeliveryFailedPermanently {
			return false, fault.Validation("only permanently failed deliveries can be retried")
		}
		rec.DeliveryState = models.DeliveryNotAttempted
		rec.DeliveryAttempts = 0
		rec.LastError = ""
		result = *rec
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Store) ListPendingDelivery(ctx context.Context) ([]models.Survey, error) {
	return s.collect(ctx, func(rec *models.Survey) bool {
		return rec.Status == models.StatusSubmitted && rec.DeliveryState.Pending()
	})
}

func (s *Store) List(ctx context.Context) ([]models.Survey, error) {
	return s.collect(ctx, func(*models.Survey) bool { return true })
}

func (s *Store) collect(ctx context.Context, keep func(rec *models.Survey) bool) ([]models.Survey, error) {
	var results []models.Survey
	err := s.view(ctx, func(doc *document) error {
		results = make([]models.Survey, 0, len(doc.Surveys))
		for _, rec := range doc.Surveys {
			if keep(rec) {
				results = append(results, *rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].Token < results[j].Token
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results, nil
}

// Sweep expires every pending survey whose deadline has passed. The snapshot
// is written once for the whole batch and not at all when nothing changed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()

	var expired int
	err := s.update(ctx, func(doc *document) (bool, error) {
		for _, rec := range doc.Surveys {
			if rec.Status == models.StatusPending && !now.Before(rec.ExpiresAt) {
				rec.Status = models.StatusExpired
				expired++
			}
		}
		return expired > 0, nil
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/paulexconde/csat/internal/metrics"
	"github.com/paulexconde/csat/internal/models"
	"github.com/paulexconde/csat/internal/pkg/workerpool"
	pkgstore "github.com/paulexconde/csat/pkg/store"
)

// Config tunes delivery retries and concurrency.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         float64
	AttemptTimeout time.Duration

	// LeaseTTL is how long an in_progress claim stays valid without a new
	// attempt being recorded.
	LeaseTTL time.Duration

	Concurrency int
	QueueSize   int

	// RatePerSecond caps attempts towards the sink. Zero disables the cap.
	RatePerSecond float64
	Burst         int

	RecoveryInterval time.Duration

	// RedeliverInProgress resends records whose previous attempt was cut off
	// with an unknown outcome. When false they are flagged failed_permanently.
	RedeliverInProgress bool
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:         5,
		BaseDelay:           time.Second,
		MaxDelay:            time.Minute,
		Jitter:              0.2,
		AttemptTimeout:      10 * time.Second,
		LeaseTTL:            2 * time.Minute,
		Concurrency:         4,
		QueueSize:           256,
		RecoveryInterval:    time.Minute,
		RedeliverInProgress: true,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxAttempts < 1 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = def.Jitter
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	// A claim must outlive the longest gap between two recorded attempts.
	if gap := c.MaxDelay + c.AttemptTimeout; c.LeaseTTL <= gap {
		c.LeaseTTL = 2 * gap
	}
	if c.Concurrency < 1 {
		c.Concurrency = def.Concurrency
	}
	if c.QueueSize < 1 {
		c.QueueSize = def.QueueSize
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = def.RecoveryInterval
	}
	if c.Burst < 1 {
		c.Burst = 1
	}
	return c
}

type Options struct {
	Clock   clockwork.Clock
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Dispatcher forwards submitted surveys to a Sink with at-least-once
// semantics. Delivery bookkeeping lives in the store so any process sharing
// it can pick up work another one abandoned.
type Dispatcher struct {
	store   pkgstore.SurveyStorer
	sink    Sink
	cfg     Config
	clock   clockwork.Clock
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	id       string
	inflight sync.Map

	mu   sync.Mutex
	pool *workerpool.WorkerPool
}

func New(store pkgstore.SurveyStorer, sink Sink, cfg Config, opts Options) *Dispatcher {
	cfg = cfg.normalized()
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	id := uuid.New().String()
	d := &Dispatcher{
		store:   store,
		sink:    sink,
		cfg:     cfg,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		id:      id,
		log:     opts.Logger.WithField("component", "dispatcher").WithField("instance", id[:8]),
	}
	if cfg.RatePerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	return d
}

// Config returns the effective configuration after defaults were applied.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Start launches the delivery workers and requeues whatever earlier runs
// left undelivered.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.pool != nil {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}
	d.pool = workerpool.NewWorkerPool(ctx, d.cfg.Concurrency, d.cfg.QueueSize, d.log)
	d.mu.Unlock()

	queued, err := d.Recover(ctx)
	if err != nil {
		d.log.WithError(err).Error("initial delivery recovery failed")
		return nil
	}
	d.log.WithFields(logrus.Fields{
		"queued":      queued,
		"concurrency": d.cfg.Concurrency,
	}).Info("dispatcher started")
	return nil
}

// Schedule registers the periodic recovery scan.
func (d *Dispatcher) Schedule(ctx context.Context, scheduler gocron.Scheduler) (gocron.Job, error) {
	return scheduler.NewJob(
		gocron.DurationJob(d.cfg.RecoveryInterval),
		gocron.NewTask(func() {
			if _, err := d.Recover(ctx); err != nil {
				d.log.WithError(err).Warn("delivery recovery scan failed")
			}
		}),
		gocron.WithName("delivery-recovery"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
}

// Shutdown stops accepting work and waits for running deliveries until ctx
// ends. Abandoned deliveries stay in_progress and are recovered later.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	pool := d.pool
	d.mu.Unlock()
	if pool != nil {
		pool.Shutdown(ctx)
	}
}

// Enqueue schedules delivery of token on the worker pool. It reports false
// when the work could not be queued; the recovery scan picks it up later.
func (d *Dispatcher) Enqueue(token string) bool {
	d.mu.Lock()
	pool := d.pool
	d.mu.Unlock()
	if pool == nil {
		return false
	}

	if _, busy := d.inflight.LoadOrStore(token, struct{}{}); busy {
		return true
	}

	ok := pool.Submit(func(ctx context.Context) {
		defer d.inflight.Delete(token)
		d.metrics.QueueDepth(pool.Pending())
		if err := d.Deliver(ctx, token); err != nil {
			d.log.WithError(err).WithField("token", shortToken(token)).Warn("delivery interrupted")
		}
	})
	if !ok {
		d.inflight.Delete(token)
		d.log.WithField("token", shortToken(token)).Warn("delivery queue full, leaving record for recovery")
		return false
	}
	d.metrics.QueueDepth(pool.Pending())
	return true
}

// Recover requeues every submitted survey whose delivery is unfinished and
// returns how many were queued.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	pending, err := d.store.ListPendingDelivery(ctx)
	if err != nil {
		return 0, err
	}

	now := d.clock.Now()
	queued := 0
	for _, rec := range pending {
		if _, busy := d.inflight.Load(rec.Token); busy {
			continue
		}

		if rec.DeliveryState == models.DeliveryInProgress {
			if !stale(rec, now, d.cfg.LeaseTTL) {
				continue
			}
			if !d.cfg.RedeliverInProgress {
				d.abandon(ctx, rec)
				continue
			}
		}

		if d.Enqueue(rec.Token) {
			queued++
		}
	}
	return queued, nil
}

// abandon flags a record whose last attempt has an unknown outcome, so an
// operator decides whether to resend it.
func (d *Dispatcher) abandon(ctx context.Context, rec models.Survey) {
	log := d.log.WithField("token", shortToken(rec.Token)).WithField("subject_id", rec.SubjectID)

	claimed, ok, err := d.store.ClaimDelivery(ctx, rec.Token, d.cfg.LeaseTTL)
	if err != nil {
		log.WithError(err).Warn("claim interrupted delivery")
		return
	}
	if !ok {
		return
	}

	err = d.store.MarkDelivery(ctx, rec.Token, pkgstore.DeliveryUpdate{
		State:     models.DeliveryFailedPermanently,
		Attempts:  claimed.DeliveryAttempts,
		At:        d.clock.Now(),
		LastError: "previous attempt interrupted with unknown outcome",
	})
	if err != nil {
		log.WithError(err).Warn("flag interrupted delivery")
		return
	}
	d.metrics.Outcome(string(models.DeliveryFailedPermanently))
	log.Error("interrupted delivery needs manual follow-up")
}

// Deliver runs the whole retry loop for token in the calling goroutine. It
// returns nil when another worker owns the record or the record reached a
// final state; an error means the loop was cut short and the record is left
// for recovery.
func (d *Dispatcher) Deliver(ctx context.Context, token string) error {
	rec, claimed, err := d.store.ClaimDelivery(ctx, token, d.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	log := d.log.WithField("token", shortToken(token)).WithField("subject_id", rec.SubjectID)
	if !claimed {
		log.WithField("state", rec.DeliveryState).Debug("delivery skipped, not claimable")
		return nil
	}

	policy := d.backOff()
	attempts := rec.DeliveryAttempts

	for {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		attempts++
		started := d.clock.Now()
		sendErr := d.attempt(ctx, token, NewPayload(*rec, started))
		if ctx.Err() != nil {
			// Shutdown mid-attempt: the outcome is unknown.
			return ctx.Err()
		}

		outcome := Classify(sendErr)
		state, retry := Next(attempts, d.cfg.MaxAttempts, outcome)
		d.metrics.Attempt(outcome.String(), d.clock.Since(started))

		update := pkgstore.DeliveryUpdate{
			State:    state,
			Attempts: attempts,
			At:       d.clock.Now(),
		}
		if sendErr != nil {
			update.LastError = sendErr.Error()
		}
		if err := d.store.MarkDelivery(ctx, token, update); err != nil {
			return fmt.Errorf("record delivery attempt %d: %w", attempts, err)
		}

		alog := log.WithField("attempt", attempts)
		switch {
		case state == models.DeliveryDelivered:
			d.metrics.Outcome(string(state))
			alog.Info("survey result delivered")
			return nil
		case !retry:
			d.metrics.Outcome(string(state))
			alog.WithError(sendErr).WithField("outcome", outcome.String()).Error("survey result delivery failed permanently")
			return nil
		}

		wait := policy.NextBackOff()
		alog.WithError(sendErr).WithField("retry_in", wait).Warn("survey result delivery failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.clock.After(wait):
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, token string, payload Payload) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	err := d.sink.Deliver(attemptCtx, token, payload)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("attempt timed out after %s: %w", d.cfg.AttemptTimeout, err)
	}
	return err
}

func (d *Dispatcher) backOff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.cfg.BaseDelay
	policy.MaxInterval = d.cfg.MaxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = d.cfg.Jitter
	policy.Reset()
	return policy
}

func stale(rec models.Survey, now time.Time, ttl time.Duration) bool {
	return rec.LastAttemptAt == nil || now.Sub(*rec.LastAttemptAt) >= ttl
}

// shortToken keeps tokens out of logs in full.
func shortToken(token string) string {
	if len(token) <= 6 {
		return token
	}
	return token[:6] + "…"
}

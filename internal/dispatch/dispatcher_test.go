package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/paulexconde/csat/internal/models"
	"github.com/paulexconde/csat/internal/pkg/store"
)

var epoch = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() Config {
	return Config{
		MaxAttempts:         5,
		BaseDelay:           time.Second,
		MaxDelay:            4 * time.Second,
		Jitter:              0,
		AttemptTimeout:      2 * time.Second,
		LeaseTTL:            time.Minute,
		Concurrency:         2,
		QueueSize:           16,
		RecoveryInterval:    time.Minute,
		RedeliverInProgress: true,
	}
}

type harness struct {
	clock *clockwork.FakeClock
	store *store.Store
	disp  *Dispatcher
	calls atomic.Int32

	mu   sync.Mutex
	keys []string
}

// newHarness wires a dispatcher to a webhook server that answers with
// respond(n) for the n-th request.
func newHarness(t *testing.T, cfg Config, respond func(n int32, w http.ResponseWriter, r *http.Request)) *harness {
	t.Helper()

	h := &harness{clock: clockwork.NewFakeClockAt(epoch)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := h.calls.Add(1)
		h.mu.Lock()
		h.keys = append(h.keys, r.Header.Get("Idempotency-Key"))
		h.mu.Unlock()
		respond(n, w, r)
	}))
	t.Cleanup(srv.Close)

	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "surveys.json"), store.Options{
		Clock:  h.clock,
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	h.store = s

	sink, err := NewWebhookSink(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("webhook sink: %v", err)
	}
	h.disp = New(s, sink, cfg, Options{Clock: h.clock, Logger: quietLogger()})
	return h
}

func status(code int) func(int32, http.ResponseWriter, *http.Request) {
	return func(_ int32, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	}
}

func (h *harness) submitted(t *testing.T, token string) {
	t.Helper()
	ctx := context.Background()
	rec := models.NewSurvey(token, "PROJ-7", models.DefaultCategory, "en", h.clock.Now(), 24*time.Hour)
	if err := h.store.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.store.Submit(ctx, token, 3, "slow answer", nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func (h *harness) record(t *testing.T, token string) *models.Survey {
	t.Helper()
	rec, err := h.store.Get(context.Background(), token)
	if err != nil {
		t.Fatalf("get %s: %v", token, err)
	}
	return rec
}

func (h *harness) waitForState(t *testing.T, token string, want models.DeliveryState) *models.Survey {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := h.record(t, token)
		if rec.DeliveryState == want {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("delivery of %s never reached %s, last state %s", token, want, h.record(t, token).DeliveryState)
	return nil
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.disp.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		h.disp.Shutdown(shutdownCtx)
	})
}

// deliverAsync runs Deliver and advances the fake clock past each of the
// expected backoff waits.
func (h *harness) deliverAsync(t *testing.T, token string, retries int) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.disp.Deliver(ctx, token) }()

	for i := range retries {
		if err := h.clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("waiting for backoff %d: %v", i+1, err)
		}
		h.clock.Advance(h.disp.Config().MaxDelay)
	}
	return <-done
}

func TestDeliverRetriesServerErrorsThenSucceeds(t *testing.T) {
	h := newHarness(t, testConfig(), func(n int32, w http.ResponseWriter, _ *http.Request) {
		if n <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	h.submitted(t, "tok-retry")

	if err := h.deliverAsync(t, "tok-retry", 3); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	rec := h.record(t, "tok-retry")
	if rec.DeliveryState != models.DeliveryDelivered {
		t.Errorf("state = %s, want delivered", rec.DeliveryState)
	}
	if rec.DeliveryAttempts != 4 {
		t.Errorf("attempts = %d, want 4", rec.DeliveryAttempts)
	}
	if h.calls.Load() != 4 {
		t.Errorf("webhook calls = %d, want 4", h.calls.Load())
	}
	for _, key := range h.keys {
		if key != "tok-retry" {
			t.Errorf("Idempotency-Key = %q, want token", key)
		}
	}
}

func TestDeliverClientErrorIsPermanent(t *testing.T) {
	h := newHarness(t, testConfig(), status(http.StatusBadRequest))
	h.submitted(t, "tok-400")

	if err := h.deliverAsync(t, "tok-400", 0); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	rec := h.record(t, "tok-400")
	if rec.DeliveryState != models.DeliveryFailedPermanently {
		t.Errorf("state = %s, want failed_permanently", rec.DeliveryState)
	}
	if rec.DeliveryAttempts != 1 || h.calls.Load() != 1 {
		t.Errorf("attempts = %d, calls = %d, want 1 and 1", rec.DeliveryAttempts, h.calls.Load())
	}
	if !strings.Contains(rec.LastError, "status=400") {
		t.Errorf("last error %q does not mention the status", rec.LastError)
	}
}

func TestDeliverGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3
	h := newHarness(t, cfg, status(http.StatusServiceUnavailable))
	h.submitted(t, "tok-503")

	if err := h.deliverAsync(t, "tok-503", 2); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	rec := h.record(t, "tok-503")
	if rec.DeliveryState != models.DeliveryFailedPermanently {
		t.Errorf("state = %s, want failed_permanently", rec.DeliveryState)
	}
	if rec.DeliveryAttempts != 3 {
		t.Errorf("attempts = %d, want 3", rec.DeliveryAttempts)
	}
}

func TestDeliverTreatsTimeoutAsTransient(t *testing.T) {
	cfg := testConfig()
	cfg.AttemptTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, func(n int32, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	h.submitted(t, "tok-slow")

	if err := h.deliverAsync(t, "tok-slow", 1); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	rec := h.record(t, "tok-slow")
	if rec.DeliveryState != models.DeliveryDelivered || rec.DeliveryAttempts != 2 {
		t.Errorf("state = %s attempts = %d, want delivered after 2", rec.DeliveryState, rec.DeliveryAttempts)
	}
}

func TestDeliverSkipsLiveClaim(t *testing.T) {
	h := newHarness(t, testConfig(), status(http.StatusOK))
	h.submitted(t, "tok-claimed")

	if _, ok, err := h.store.ClaimDelivery(context.Background(), "tok-claimed", time.Minute); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	if err := h.disp.Deliver(context.Background(), "tok-claimed"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if h.calls.Load() != 0 {
		t.Errorf("webhook called %d times for a record claimed elsewhere", h.calls.Load())
	}
	if rec := h.record(t, "tok-claimed"); rec.DeliveryState != models.DeliveryInProgress {
		t.Errorf("state = %s, want in_progress", rec.DeliveryState)
	}
}

func TestDeliverIgnoresFinishedRecords(t *testing.T) {
	h := newHarness(t, testConfig(), status(http.StatusOK))
	h.submitted(t, "tok-done")

	if err := h.disp.Deliver(context.Background(), "tok-done"); err != nil {
		t.Fatalf("first deliver: %v", err)
	}
	if err := h.disp.Deliver(context.Background(), "tok-done"); err != nil {
		t.Fatalf("second deliver: %v", err)
	}
	if h.calls.Load() != 1 {
		t.Errorf("webhook calls = %d, want 1", h.calls.Load())
	}
}

func TestStartRecoversUndeliveredRecords(t *testing.T) {
	h := newHarness(t, testConfig(), status(http.StatusOK))
	h.submitted(t, "tok-fresh")
	h.submitted(t, "tok-stale")

	// A worker that claimed tok-stale and then died.
	if _, ok, err := h.store.ClaimDelivery(context.Background(), "tok-stale", time.Minute); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	h.clock.Advance(2 * time.Minute)

	h.start(t)

	h.waitForState(t, "tok-fresh", models.DeliveryDelivered)
	h.waitForState(t, "tok-stale", models.DeliveryDelivered)
}

func TestRecoverSkipsLiveInProgress(t *testing.T) {
	h := newHarness(t, testConfig(), status(http.StatusOK))
	h.submitted(t, "tok-live")

	if _, ok, err := h.store.ClaimDelivery(context.Background(), "tok-live", time.Minute); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	h.start(t)

	queued, err := h.disp.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if queued != 0 {
		t.Errorf("queued = %d, want 0", queued)
	}
}

func TestRecoverFlagsInterruptedAttemptsWhenRedeliveryDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.RedeliverInProgress = false
	h := newHarness(t, cfg, status(http.StatusOK))
	h.submitted(t, "tok-unknown")

	if _, ok, err := h.store.ClaimDelivery(context.Background(), "tok-unknown", time.Minute); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	h.clock.Advance(2 * time.Minute)

	h.start(t)

	rec := h.record(t, "tok-unknown")
	if rec.DeliveryState != models.DeliveryFailedPermanently {
		t.Errorf("state = %s, want failed_permanently", rec.DeliveryState)
	}
	if rec.LastError == "" {
		t.Error("expected last error to explain the flag")
	}
	if h.calls.Load() != 0 {
		t.Errorf("webhook calls = %d, want 0", h.calls.Load())
	}
}

func TestDeliverRespectsRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RatePerSecond = 20
	cfg.Burst = 1
	h := newHarness(t, cfg, status(http.StatusOK))

	tokens := []string{"tok-rate-1", "tok-rate-2", "tok-rate-3"}
	for _, tok := range tokens {
		h.submitted(t, tok)
	}

	started := time.Now()
	for _, tok := range tokens {
		if err := h.disp.Deliver(context.Background(), tok); err != nil {
			t.Fatalf("deliver %s: %v", tok, err)
		}
	}
	elapsed := time.Since(started)

	// One token up front, then one every 50ms.
	if elapsed < 80*time.Millisecond {
		t.Errorf("three deliveries took %s, want them spaced by the limiter", elapsed)
	}
	for _, tok := range tokens {
		if rec := h.record(t, tok); rec.DeliveryState != models.DeliveryDelivered {
			t.Errorf("%s state = %s, want delivered", tok, rec.DeliveryState)
		}
	}
}

func TestScheduledRecoveryRequeuesUndelivered(t *testing.T) {
	cfg := testConfig()
	cfg.RecoveryInterval = 50 * time.Millisecond
	h := newHarness(t, cfg, status(http.StatusOK))
	h.start(t)

	// Submitted after start and never enqueued, as when the queue was full.
	h.submitted(t, "tok-missed")
	if rec := h.record(t, "tok-missed"); rec.DeliveryState != models.DeliveryNotAttempted {
		t.Fatalf("state = %s, want not_attempted", rec.DeliveryState)
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	defer scheduler.Shutdown()

	if _, err := h.disp.Schedule(context.Background(), scheduler); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	scheduler.Start()

	h.waitForState(t, "tok-missed", models.DeliveryDelivered)
	if h.calls.Load() != 1 {
		t.Errorf("webhook calls = %d, want 1", h.calls.Load())
	}
}

func TestEnqueueBeforeStart(t *testing.T) {
	h := newHarness(t, testConfig(), status(http.StatusOK))
	if h.disp.Enqueue("anything") {
		t.Error("enqueue before start should report false")
	}
}

func TestConfigNormalized(t *testing.T) {
	cfg := Config{MaxDelay: 30 * time.Second, AttemptTimeout: 10 * time.Second, LeaseTTL: 5 * time.Second}.normalized()

	if cfg.MaxAttempts != 5 || cfg.Concurrency != 4 || cfg.QueueSize != 256 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.LeaseTTL <= cfg.MaxDelay+cfg.AttemptTimeout {
		t.Errorf("lease %s must exceed max gap %s", cfg.LeaseTTL, cfg.MaxDelay+cfg.AttemptTimeout)
	}
}

package workerpool

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/paulexconde/csat/pkg/fault"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestWorkerPoolRunsJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewWorkerPool(ctx, 3, 10, quietLogger())

	var count atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		if !pool.Submit(func(context.Context) {
			defer wg.Done()
			count.Add(1)
		}) {
			t.Fatal("expected job to be accepted")
		}
	}
	wg.Wait()

	if count.Load() != 10 {
		t.Errorf("expected 10 jobs to run, got %d", count.Load())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	pool.Shutdown(shutdownCtx)
}

func TestWorkerPoolRejectsWhenFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewWorkerPool(ctx, 1, 1, quietLogger())

	release := make(chan struct{})
	started := make(chan struct{})
	pool.Submit(func(context.Context) {
		close(started)
		<-release
	})
	<-started

	if !pool.Submit(func(context.Context) {}) {
		t.Fatal("expected queued job to be accepted")
	}
	if pool.Submit(func(context.Context) {}) {
		t.Fatal("expected job to be rejected when queue is full")
	}
	if pool.Pending() != 1 {
		t.Errorf("expected 1 pending job, got %d", pool.Pending())
	}
	close(release)
}

func TestWorkerPoolRejectsAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, 1, quietLogger())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pool.Shutdown(shutdownCtx)

	if pool.Submit(func(context.Context) {}) {
		t.Fatal("expected submit after shutdown to be rejected")
	}
	// A second shutdown must not panic.
	pool.Shutdown(shutdownCtx)
}

func TestRetry(t *testing.T) {
	busy := fault.NewInternalError("lock wait exceeded", fault.ErrStoreBusy)

	tests := []struct {
		name      string
		failures  int
		failWith  error
		tries     uint
		wantCalls int
		wantErr   error
	}{
		{name: "succeeds first time", failures: 0, failWith: busy, tries: 3, wantCalls: 1},
		{name: "recovers from busy store", failures: 2, failWith: busy, tries: 3, wantCalls: 3},
		{name: "gives up after tries", failures: 5, failWith: busy, tries: 3, wantCalls: 3, wantErr: fault.ErrStoreBusy},
		{name: "does not retry client errors", failures: 5, failWith: fault.Validation("bad score"), tries: 3, wantCalls: 1, wantErr: fault.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), tt.tries, time.Millisecond, func() error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			})

			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/paulexconde/csat/pkg/fault"
)

type Job func(ctx context.Context)

type WorkerPool struct {
	queue  chan Job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	log    logrus.FieldLogger
}

func NewWorkerPool(ctx context.Context, workerCount int, queueSize int, log logrus.FieldLogger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	pool := &WorkerPool{
		queue: make(chan Job, queueSize),
		log:   log.WithField("component", "workerpool"),
	}

	pool.wg.Add(workerCount)
	for range workerCount {
		go pool.worker(ctx)
	}

	return pool
}

func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.log.Debug("worker received shutdown signal")
			return
		case job, ok := <-p.queue:
			if !ok {
				// queue closed
				return
			}
			job(ctx)
		}
	}
}

// Submit enqueues job without blocking. It returns false when the queue is
// full or the pool is shut down; the caller decides what happens to the work.
func (p *WorkerPool) Submit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}

	select {
	case p.queue <- job:
		return true
	default:
		p.log.Warn("worker pool queue full, job not accepted")
		return false
	}
}

// Pending returns the number of queued jobs not yet picked up by a worker.
func (p *WorkerPool) Pending() int {
	return len(p.queue)
}

func (p *WorkerPool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		p.log.Warn("worker pool shutdown timed out")
	case <-done:
		p.log.Info("worker pool shutdown complete")
	}
}

// Retry runs fn until it succeeds, fails with an error that is not worth
// retrying, or tries runs out. Waits between tries grow exponentially from base.
func Retry(ctx context.Context, tries uint, base time.Duration, fn func() error) error {
	if tries < 1 {
		tries = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = base
	policy.MaxInterval = 20 * base

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && !fault.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(tries))

	return err
}

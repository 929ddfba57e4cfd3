package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/paulexconde/csat/pkg/fault"
)

type lockMode string

const (
	lockShared    lockMode = "shared"
	lockExclusive lockMode = "exclusive"
)

// acquire takes the store-wide advisory lock. Each call opens its own
// descriptor so goroutines of one process contend the same way separate
// processes do.
func (s *Store) acquire(ctx context.Context, mode lockMode) (*flock.Flock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	fl := flock.New(s.lockPath)
	start := time.Now()

	var ok bool
	var err error
	if mode == lockExclusive {
		ok, err = fl.TryLockContext(waitCtx, s.lockRetryDelay)
	} else {
		ok, err = fl.TryRLockContext(waitCtx, s.lockRetryDelay)
	}

	if s.observeLockWait != nil {
		s.observeLockWait(string(mode), time.Since(start))
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fault.NewInternalError(fmt.Sprintf("%s lock not acquired within %s", mode, s.lockTimeout), fault.ErrStoreBusy)
		}
		return nil, fault.StoreIO("acquire lock", err)
	}
	if !ok {
		return nil, fault.NewInternalError(fmt.Sprintf("%s lock not acquired within %s", mode, s.lockTimeout), fault.ErrStoreBusy)
	}

	return fl, nil
}

func (s *Store) release(fl *flock.Flock) {
	if err := fl.Unlock(); err != nil {
		s.log.WithError(err).Warn("release store lock")
	}
}

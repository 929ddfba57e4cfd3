package sweep

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"github.com/paulexconde/csat/internal/metrics"
	pkgstore "github.com/paulexconde/csat/pkg/store"
)

const DefaultInterval = time.Minute

// Sweeper expires pending surveys whose deadline passed without a
// submission. Submit performs the same check lazily for a single record;
// the sweep keeps the stored statuses accurate for records nobody opens.
type Sweeper struct {
	store    pkgstore.SurveyStorer
	interval time.Duration
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
}

func New(store pkgstore.SurveyStorer, interval time.Duration, log logrus.FieldLogger, m *metrics.Metrics) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		log:      log.WithField("component", "sweeper"),
		metrics:  m,
	}
}

// RunOnce performs a single sweep and returns the number of expired surveys.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	expired, err := s.store.Sweep(ctx)
	if err != nil {
		s.log.WithError(err).Warn("expiry sweep failed")
		return 0, err
	}
	if expired > 0 {
		s.metrics.Expired(expired)
		s.log.WithField("expired", expired).Info("expired stale surveys")
	}
	return expired, nil
}

// Schedule registers the sweep on scheduler. The first run happens as soon
// as the scheduler starts.
func (s *Sweeper) Schedule(ctx context.Context, scheduler gocron.Scheduler) (gocron.Job, error) {
	return scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			_, _ = s.RunOnce(ctx)
		}),
		gocron.WithName("expiry-sweep"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
}

package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/ManuelReschke/tiersync/app/models"
	"github.com/ManuelReschke/tiersync/internal/pkg/metrics"
)

const (
	DefaultSchedule = "0 3 * * *"
	runLockKey      = "sweep:run"
	defaultLockTTL  = 30 * time.Minute
)

// ErrRunInProgress is returned when another process holds the sweep lock.
var ErrRunInProgress = errors.New("sweep already running")

// Locker hands out short-lived exclusive locks across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Exporter archives the audit trail of one UTC day and returns the object key.
type Exporter interface {
	ExportDay(ctx context.Context, day time.Time) (string, error)
}

// TierCounter reports how many members are in each tier.
type TierCounter interface {
	CountByTier(ctx context.Context) (map[models.Tier]int64, error)
}

type SchedulerConfig struct {
	Schedule string
	LockTTL  time.Duration
	Locker   Locker
	Exporter Exporter
	Counter  TierCounter
}

// Scheduler triggers the sweep on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  *Sweeper
	clock    clockwork.Clock
	cfg      SchedulerConfig
	schedule string
}

func NewScheduler(sweeper *Sweeper, cfg SchedulerConfig, clock clockwork.Clock) (*Scheduler, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}

	s := &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		sweeper:  sweeper,
		clock:    clock,
		cfg:      cfg,
		schedule: cfg.Schedule,
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, func() {
		log.Info("[Cron] Running daily reconciliation sweep...")
		if _, err := s.RunOnce(context.Background()); err != nil {
			log.Errorf("[Cron] sweep failed: %v", err)
		}
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	log.Infof("[Cron] Scheduler started (%s)", s.schedule)
}

// Stop stops the schedule and waits for a running sweep to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		log.Warn("[Cron] Scheduler stop timed out with a sweep still running")
	}
	log.Info("[Cron] Scheduler stopped")
}

// RunOnce reads the clock once and runs a locked sweep, then the housekeeping
// that follows it.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	now := s.clock.Now().UTC()

	if s.cfg.Locker != nil {
		release, ok, err := s.cfg.Locker.Acquire(ctx, runLockKey, s.cfg.LockTTL)
		switch {
		case err != nil:
			log.Warnf("[Sweep] run lock unavailable, continuing without it: %v", err)
		case !ok:
			log.Info("[Sweep] another process is sweeping, skipping this run")
			return Summary{}, ErrRunInProgress
		default:
			defer release()
		}
	}

	sum, err := s.sweeper.Run(ctx, now)
	if err != nil {
		return sum, err
	}

	if s.cfg.Exporter != nil {
		day := now.AddDate(0, 0, -1).Truncate(24 * time.Hour)
		if key, err := s.cfg.Exporter.ExportDay(ctx, day); err != nil {
			log.Errorf("[Sweep] audit export for %s failed: %v", day.Format("2006-01-02"), err)
		} else if key != "" {
			log.Infof("[Sweep] audit events for %s exported to %s", day.Format("2006-01-02"), key)
		}
	}

	s.RefreshTierGauge(ctx)
	return sum, nil
}

// RefreshTierGauge updates the members_by_tier gauge from the store.
func (s *Scheduler) RefreshTierGauge(ctx context.Context) {
	if s.cfg.Counter == nil {
		return
	}
	counts, err := s.cfg.Counter.CountByTier(ctx)
	if err != nil {
		log.Warnf("[Sweep] counting members by tier failed: %v", err)
		return
	}
	for t, n := range counts {
		metrics.MembersByTier.WithLabelValues(string(t)).Set(float64(n))
	}
}

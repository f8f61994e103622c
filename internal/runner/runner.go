package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/reajuste/internal/engine"
	"github.com/roach88/reajuste/internal/notify"
)

// Defaults for Config fields left at zero.
const (
	DefaultReadjustmentAt      = "01:00"
	DefaultNotificationAt      = "08:00"
	DefaultReadjustmentTimeout = 30 * time.Minute
	DefaultNotificationTimeout = 15 * time.Minute

	// lockSlack keeps a lock alive a little past its pass's timeout so the
	// pass can record its last outcomes.
	lockSlack = 5 * time.Minute
)

// Readjuster is the readjustment pass. *engine.Readjuster implements it.
type Readjuster interface {
	RunPass(ctx context.Context, asOf time.Time) (engine.PassReport, error)
}

// Notifier is the notification pass. *notify.Scheduler implements it.
type Notifier interface {
	RunPass(ctx context.Context, asOf time.Time) (notify.PassReport, error)
}

// Config configures a Runner. Zero fields take the package defaults.
type Config struct {
	ReadjustmentAt Schedule
	NotificationAt Schedule

	// Soft timeouts. A pass that hits one stops where it is; the next
	// pass resumes.
	ReadjustmentTimeout time.Duration
	NotificationTimeout time.Duration

	Clock  Clock
	Lock   JobLock
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ReadjustmentAt == (Schedule{}) {
		c.ReadjustmentAt = MustParseSchedule(DefaultReadjustmentAt, time.UTC)
	}
	if c.NotificationAt == (Schedule{}) {
		c.NotificationAt = MustParseSchedule(DefaultNotificationAt, time.UTC)
	}
	if c.ReadjustmentTimeout <= 0 {
		c.ReadjustmentTimeout = DefaultReadjustmentTimeout
	}
	if c.NotificationTimeout <= 0 {
		c.NotificationTimeout = DefaultNotificationTimeout
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Lock == nil {
		c.Lock = NewLocalLock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Runner owns the clock triggers of both jobs.
type Runner struct {
	readjuster Readjuster
	notifier   Notifier
	cfg        Config
	logger     *slog.Logger
}

// New creates a Runner.
func New(r Readjuster, n Notifier, cfg Config) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		readjuster: r,
		notifier:   n,
		cfg:        cfg,
		logger:     cfg.Logger,
	}
}

// Config returns the effective configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

// RunReadjustmentPass runs one readjustment pass as of asOf under the
// readjustment lock and soft timeout. Returns ErrJobBusy without waiting
// when a readjustment pass is already running.
func (r *Runner) RunReadjustmentPass(ctx context.Context, asOf time.Time) (engine.PassReport, error) {
	var report engine.PassReport
	err := r.guard(ctx, JobReadjustment, r.cfg.ReadjustmentTimeout, func(ctx context.Context) error {
		var err error
		report, err = r.readjuster.RunPass(ctx, asOf)
		return err
	})
	return report, err
}

// RunNotificationPass runs one notification pass as of asOf under the
// notification lock and soft timeout. Returns ErrJobBusy without waiting
// when a notification pass is already running.
func (r *Runner) RunNotificationPass(ctx context.Context, asOf time.Time) (notify.PassReport, error) {
	var report notify.PassReport
	err := r.guard(ctx, JobNotification, r.cfg.NotificationTimeout, func(ctx context.Context) error {
		var err error
		report, err = r.notifier.RunPass(ctx, asOf)
		return err
	})
	return report, err
}

func (r *Runner) guard(ctx context.Context, job string, timeout time.Duration, pass func(context.Context) error) error {
	release, err := r.cfg.Lock.TryAcquire(ctx, job, timeout+lockSlack)
	if err != nil {
		if errors.Is(err, ErrJobBusy) {
			r.logger.Info("pass skipped, previous still running", "job", job)
		}
		return err
	}
	defer func() {
		// The pass context may be done already; release on a fresh one.
		if err := release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("job lock release failed", "job", job, "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := pass(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			r.logger.Warn("pass hit its soft timeout, remaining work resumes next pass",
				"job", job, "timeout", timeout.String())
		}
		return fmt.Errorf("%s pass: %w", job, err)
	}
	return nil
}

// Start fires both jobs on their schedules until ctx is cancelled, then
// waits for in-flight passes to return.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("runner started",
		"readjustment_at", r.cfg.ReadjustmentAt.String(),
		"notification_at", r.cfg.NotificationAt.String(),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.loop(ctx, JobReadjustment, r.cfg.ReadjustmentAt, func(ctx context.Context, asOf time.Time) error {
			_, err := r.RunReadjustmentPass(ctx, asOf)
			return err
		})
	}()
	go func() {
		defer wg.Done()
		r.loop(ctx, JobNotification, r.cfg.NotificationAt, func(ctx context.Context, asOf time.Time) error {
			_, err := r.RunNotificationPass(ctx, asOf)
			return err
		})
	}()
	wg.Wait()

	r.logger.Info("runner stopped")
	return ctx.Err()
}

func (r *Runner) loop(ctx context.Context, job string, s Schedule, fire func(context.Context, time.Time) error) {
	for {
		now := r.cfg.Clock.Now()
		next := s.Next(now)
		r.logger.Debug("next pass scheduled", "job", job, "at", next.Format(time.RFC3339))

		select {
		case <-ctx.Done():
			return
		case <-r.cfg.Clock.After(next.Sub(now)):
		}

		asOf := s.AsOf(next)
		if err := fire(ctx, asOf); err != nil && !errors.Is(err, ErrJobBusy) {
			r.logger.Error("scheduled pass failed", "job", job, "as_of", asOf.Format(time.DateOnly), "error", err)
		}
	}
}

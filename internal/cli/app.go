package cli

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/reajuste/internal/config"
	"github.com/roach88/reajuste/internal/delivery"
	"github.com/roach88/reajuste/internal/domain"
	"github.com/roach88/reajuste/internal/engine"
	"github.com/roach88/reajuste/internal/indexfeed"
	"github.com/roach88/reajuste/internal/notify"
	"github.com/roach88/reajuste/internal/runner"
	"github.com/roach88/reajuste/internal/store"
)

// app is what every command works against: loaded config, an open store
// and a logger.
type app struct {
	opts      *RootOptions
	cfg       config.Config
	store     *store.Store
	logger    *slog.Logger
	formatter *OutputFormatter
}

// openApp loads the configuration and opens the store. Failures are
// reported through the formatter and returned as ExitErrors.
func openApp(opts *RootOptions, cmd *cobra.Command) (*app, error) {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := config.Load(opts.ConfigPath, opts.EnvFile)
	if err != nil {
		return nil, formatter.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}

	level, _ := cfg.SlogLevel()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	storeOpts := opts.StoreOptions
	if opts.Clock != nil {
		storeOpts = append([]store.Option{store.WithClock(opts.Clock.Now)}, storeOpts...)
	}
	logger.Debug("opening database", "driver", cfg.Database.Driver)
	st, err := store.Connect(cfg.Database, storeOpts...)
	if err != nil {
		return nil, formatter.Fail(ExitCommandError, ErrCodeDatabase, "failed to open database", err)
	}

	return &app{opts: opts, cfg: cfg, store: st, logger: logger, formatter: formatter}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

func (a *app) now() time.Time {
	if a.opts.Clock != nil {
		return a.opts.Clock.Now()
	}
	return time.Now()
}

// today is the current calendar day in the configured timezone.
func (a *app) today() time.Time {
	loc, err := a.cfg.Location()
	if err != nil {
		loc = time.UTC
	}
	y, m, d := a.now().In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// deliverer routes each channel to its configured gateway: SMTP for
// e-mail, Twilio for SMS and WhatsApp. A channel without one is left out,
// so its notices fail terminally and are flagged for an operator. With
// delivery.log_only every channel is logged instead.
func (a *app) deliverer() notify.Deliverer {
	if a.opts.Deliverer != nil {
		return a.opts.Deliverer
	}
	if a.cfg.Delivery.LogOnly {
		a.logger.Warn("delivery.log_only is set, notices are logged and not sent")
		logged := delivery.NewLog(a.logger)
		return delivery.Multi{
			domain.ChannelEmail:    logged,
			domain.ChannelSMS:      logged,
			domain.ChannelWhatsApp: logged,
		}
	}

	m := delivery.Multi{}
	if a.cfg.SMTP.Host != "" {
		m[domain.ChannelEmail] = delivery.NewEmail(a.cfg.SMTP, nil)
	}
	if channels := a.cfg.Twilio.Channels(); len(channels) > 0 {
		sms := delivery.NewTwilio(a.cfg.Twilio, nil)
		for _, ch := range channels {
			m[ch] = sms
		}
	}
	for _, ch := range []domain.Channel{domain.ChannelEmail, domain.ChannelSMS, domain.ChannelWhatsApp} {
		if _, ok := m[ch]; !ok {
			a.logger.Debug("no gateway configured, notices on channel will fail", "channel", string(ch))
		}
	}
	return m
}

// jobLock returns the Redis lock when configured, else a lock row in the
// database every process shares. The returned func closes any connection
// it opened.
func (a *app) jobLock(ctx context.Context) (runner.JobLock, func(), error) {
	if a.opts.Lock != nil {
		return a.opts.Lock, func() {}, nil
	}
	if a.cfg.Redis.Addr == "" {
		return runner.NewStoreLock(a.store), func() {}, nil
	}
	client, err := runner.ConnectRedis(ctx, a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	return runner.NewRedisLock(client, a.cfg.Redis.Prefix), func() { client.Close() }, nil
}

// readjuster is the engine over the store's index values.
func (a *app) readjuster() *engine.Readjuster {
	ecfg := a.cfg.EngineConfig(a.logger)
	ecfg.Clock = a.opts.Clock
	ecfg.IDs = a.opts.IDs
	return engine.New(a.store, indexfeed.NewFeed(a.store), ecfg)
}

// runner wires the readjuster and scheduler behind the job locks.
func (a *app) runner(ctx context.Context) (*runner.Runner, func(), error) {
	readjuster := a.readjuster()

	ncfg := a.cfg.NotifyConfig(a.logger)
	ncfg.Clock = a.opts.Clock
	ncfg.IDs = a.opts.IDs
	scheduler := notify.New(a.store, a.deliverer(), ncfg)

	lock, closeLock, err := a.jobLock(ctx)
	if err != nil {
		return nil, nil, err
	}
	rcfg, err := a.cfg.RunnerConfig(lock, a.logger)
	if err != nil {
		closeLock()
		return nil, nil, err
	}
	return runner.New(readjuster, scheduler, rcfg), closeLock, nil
}

// storeFailure reports a store error with the exit code its kind calls for.
func (a *app) storeFailure(message string, err error) error {
	switch {
	case store.IsNotFound(err):
		return a.formatter.Fail(ExitCommandError, ErrCodeNotFound, message, err)
	case store.IsConcurrency(err), store.IsAlreadyLinked(err),
		errors.Is(err, store.ErrRunClosed),
		errors.Is(err, store.ErrContractMismatch):
		return a.formatter.Fail(ExitFailure, ErrCodeConflict, message, err)
	default:
		return a.formatter.Fail(ExitCommandError, ErrCodeDatabase, message, err)
	}
}

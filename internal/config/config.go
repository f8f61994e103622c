// Package config loads the reajuste configuration: defaults, then an
// optional YAML file, then a .env file, then REAJUSTE_* environment
// overrides. Per-component configs are built from the result.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/mail"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/roach88/reajuste/internal/calc"
	"github.com/roach88/reajuste/internal/delivery"
	"github.com/roach88/reajuste/internal/domain"
	"github.com/roach88/reajuste/internal/engine"
	"github.com/roach88/reajuste/internal/env"
	"github.com/roach88/reajuste/internal/indexfeed"
	"github.com/roach88/reajuste/internal/notify"
	"github.com/roach88/reajuste/internal/runner"
	"github.com/roach88/reajuste/internal/store"
)

// DefaultTimezone is the calendar the schedules and as-of dates follow.
const DefaultTimezone = "America/Sao_Paulo"

// Config is the whole service configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	Timezone string `yaml:"timezone"`

	Database store.Config          `yaml:"database"`
	Redis    RedisConfig           `yaml:"redis"`
	HTTP     HTTPConfig            `yaml:"http"`
	SMTP     delivery.SMTPConfig   `yaml:"smtp"`
	Twilio   delivery.TwilioConfig `yaml:"twilio"`
	Delivery DeliveryConfig        `yaml:"delivery"`

	Schedule     ScheduleConfig  `yaml:"schedule"`
	Readjustment engine.Config   `yaml:"readjustment"`
	Policy       PolicyConfig    `yaml:"policy"`
	Notification notify.Config   `yaml:"notification"`
	IndexFeed    IndexFeedConfig `yaml:"index_feed"`
}

// RedisConfig points the job lock at a shared Redis. An empty Addr keeps
// the lock in-process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// HTTPConfig configures the operator API.
type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DeliveryConfig chooses how notices leave the service. LogOnly routes
// every channel to the log and sends nothing; it is meant for development.
type DeliveryConfig struct {
	LogOnly bool `yaml:"log_only"`
}

// ScheduleConfig holds the daily trigger times as "HH:MM" in Timezone.
type ScheduleConfig struct {
	Readjustment        string        `yaml:"readjustment"`
	Notification        string        `yaml:"notification"`
	ReadjustmentTimeout time.Duration `yaml:"readjustment_timeout"`
	NotificationTimeout time.Duration `yaml:"notification_timeout"`
}

// PolicyConfig bounds every correction. Reductions are allowed per
// contract, not here.
type PolicyConfig struct {
	RateFloor decimal.Decimal `yaml:"rate_floor"`
	MaxAmount decimal.Decimal `yaml:"max_amount"`
	Places    int32           `yaml:"places"`
}

// IndexFeedConfig configures the central bank series client.
type IndexFeedConfig struct {
	BCBBaseURL string        `yaml:"bcb_base_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	p := calc.DefaultPolicy()
	return Config{
		LogLevel: "info",
		Timezone: DefaultTimezone,
		Database: store.Config{
			Driver: store.DriverSQLite,
			DSN:    "reajuste.db",
		},
		Redis: RedisConfig{Prefix: "reajuste:lock"},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  40 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		SMTP: delivery.SMTPConfig{Port: 587},
		Schedule: ScheduleConfig{
			Readjustment:        runner.DefaultReadjustmentAt,
			Notification:        runner.DefaultNotificationAt,
			ReadjustmentTimeout: runner.DefaultReadjustmentTimeout,
			NotificationTimeout: runner.DefaultNotificationTimeout,
		},
		Readjustment: engine.Config{
			Workers:      engine.DefaultWorkers,
			MaxAttempts:  engine.DefaultMaxAttempts,
			BackoffBase:  engine.DefaultBackoffBase,
			BackoffMax:   engine.DefaultBackoffMax,
			LeaseTimeout: engine.DefaultLeaseTimeout,
		},
		Policy: PolicyConfig{
			RateFloor: p.RateFloor,
			MaxAmount: p.MaxAmount,
			Places:    p.Places,
		},
		Notification: notify.Config{
			LeadMinDays:   notify.DefaultLeadMinDays,
			LeadMaxDays:   notify.DefaultLeadMaxDays,
			MaxAttempts:   notify.DefaultMaxAttempts,
			BackoffBase:   notify.DefaultBackoffBase,
			BackoffMax:    notify.DefaultBackoffMax,
			LeaseDuration: notify.DefaultLeaseDuration,
			Workers:       notify.DefaultWorkers,
			BatchSize:     notify.DefaultBatchSize,
		},
		IndexFeed: IndexFeedConfig{
			BCBBaseURL: indexfeed.DefaultBCBBaseURL,
			Timeout:    30 * time.Second,
		},
	}
}

// Load builds the configuration. Either path may be empty; a missing
// envFile is not an error, a missing YAML file is.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.LogLevel = env.GetString("REAJUSTE_LOG_LEVEL", c.LogLevel)
	c.Timezone = env.GetString("REAJUSTE_TIMEZONE", c.Timezone)

	c.Database.Driver = env.GetString("REAJUSTE_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = env.GetString("REAJUSTE_DB_DSN", c.Database.DSN)
	c.Database.MaxOpenConns = env.GetInt("REAJUSTE_DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = env.GetInt("REAJUSTE_DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.MaxIdleTime = env.GetDuration("REAJUSTE_DB_MAX_IDLE_TIME", c.Database.MaxIdleTime)

	c.Redis.Addr = env.GetString("REAJUSTE_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = env.GetString("REAJUSTE_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = env.GetInt("REAJUSTE_REDIS_DB", c.Redis.DB)

	c.HTTP.Addr = env.GetString("REAJUSTE_HTTP_ADDR", c.HTTP.Addr)

	c.SMTP.Host = env.GetString("REAJUSTE_SMTP_HOST", c.SMTP.Host)
	c.SMTP.Port = env.GetInt("REAJUSTE_SMTP_PORT", c.SMTP.Port)
	c.SMTP.Username = env.GetString("REAJUSTE_SMTP_USERNAME", c.SMTP.Username)
	c.SMTP.Password = env.GetString("REAJUSTE_SMTP_PASSWORD", c.SMTP.Password)
	c.SMTP.From = env.GetString("REAJUSTE_SMTP_FROM", c.SMTP.From)

	c.Twilio.AccountSID = env.GetString("REAJUSTE_TWILIO_ACCOUNT_SID", c.Twilio.AccountSID)
	c.Twilio.AuthToken = env.GetString("REAJUSTE_TWILIO_AUTH_TOKEN", c.Twilio.AuthToken)
	c.Twilio.SMSFrom = env.GetString("REAJUSTE_TWILIO_SMS_FROM", c.Twilio.SMSFrom)
	c.Twilio.WhatsAppFrom = env.GetString("REAJUSTE_TWILIO_WHATSAPP_FROM", c.Twilio.WhatsAppFrom)

	c.Delivery.LogOnly = env.GetBool("REAJUSTE_DELIVERY_LOG_ONLY", c.Delivery.LogOnly)
}

// Validate rejects settings no component could run with.
func (c Config) Validate() error {
	var errs []error

	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	loc, err := c.Location()
	if err != nil {
		errs = append(errs, err)
	}

	switch c.Database.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: must be %s or %s", c.Database.Driver, store.DriverSQLite, store.DriverPostgres))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	if loc != nil {
		if _, err := runner.ParseSchedule(c.Schedule.Readjustment, loc); err != nil {
			errs = append(errs, fmt.Errorf("schedule.readjustment: %w", err))
		}
		if _, err := runner.ParseSchedule(c.Schedule.Notification, loc); err != nil {
			errs = append(errs, fmt.Errorf("schedule.notification: %w", err))
		}
	}

	if c.Readjustment.MaxAttempts < 0 || c.Readjustment.Workers < 0 {
		errs = append(errs, errors.New("readjustment: workers and max_attempts must not be negative"))
	}
	if c.Readjustment.BackoffMax > 0 && c.Readjustment.BackoffBase > c.Readjustment.BackoffMax {
		errs = append(errs, errors.New("readjustment: backoff_base exceeds backoff_max"))
	}
	if err := c.Notification.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("notification: %w", err))
	}

	if !c.Policy.MaxAmount.IsPositive() {
		errs = append(errs, errors.New("policy.max_amount must be positive"))
	}
	if c.Policy.RateFloor.LessThanOrEqual(decimal.NewFromInt(-1)) {
		errs = append(errs, errors.New("policy.rate_floor must be above -1"))
	}
	if c.Policy.Places < 0 || c.Policy.Places > calc.AccumulationPlaces {
		errs = append(errs, fmt.Errorf("policy.places must be within [0, %d]", calc.AccumulationPlaces))
	}

	if c.SMTP.Host != "" {
		if _, err := mail.ParseAddress(c.SMTP.From); err != nil {
			errs = append(errs, fmt.Errorf("smtp.from: %w", err))
		}
	}

	if c.Twilio.AccountSID != "" {
		if c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("twilio.auth_token is required with twilio.account_sid"))
		}
		if c.Twilio.SMSFrom == "" && c.Twilio.WhatsAppFrom == "" {
			errs = append(errs, errors.New("twilio: sms_from or whatsapp_from is required"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Location loads Timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// SlogLevel maps LogLevel onto a slog level.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// CalcPolicy returns the calculator bounds.
func (c Config) CalcPolicy() calc.Policy {
	p := calc.DefaultPolicy()
	p.RateFloor = c.Policy.RateFloor
	p.MaxAmount = c.Policy.MaxAmount
	p.Places = c.Policy.Places
	return p
}

// EngineConfig returns the readjuster configuration.
func (c Config) EngineConfig(logger *slog.Logger) engine.Config {
	cfg := c.Readjustment
	cfg.Policy = c.CalcPolicy()
	cfg.Logger = logger
	return cfg
}

// NotifyConfig returns the notification scheduler configuration.
func (c Config) NotifyConfig(logger *slog.Logger) notify.Config {
	cfg := c.Notification
	cfg.Logger = logger
	return cfg
}

// Channels lists the channels with a configured gateway. Notices on any
// other channel fail terminally.
func (c Config) Channels() []domain.Channel {
	var out []domain.Channel
	if c.SMTP.Host != "" {
		out = append(out, domain.ChannelEmail)
	}
	return append(out, c.Twilio.Channels()...)
}

// RunnerConfig returns the runner configuration around the given lock.
func (c Config) RunnerConfig(lock runner.JobLock, logger *slog.Logger) (runner.Config, error) {
	loc, err := c.Location()
	if err != nil {
		return runner.Config{}, err
	}
	readjustAt, err := runner.ParseSchedule(c.Schedule.Readjustment, loc)
	if err != nil {
		return runner.Config{}, fmt.Errorf("schedule.readjustment: %w", err)
	}
	notifyAt, err := runner.ParseSchedule(c.Schedule.Notification, loc)
	if err != nil {
		return runner.Config{}, fmt.Errorf("schedule.notification: %w", err)
	}
	return runner.Config{
		ReadjustmentAt:      readjustAt,
		NotificationAt:      notifyAt,
		ReadjustmentTimeout: c.Schedule.ReadjustmentTimeout,
		NotificationTimeout: c.Schedule.NotificationTimeout,
		Lock:                lock,
		Logger:              logger,
	}, nil
}

// BCBClient returns the central bank client.
func (c Config) BCBClient() *indexfeed.BCBClient {
	client := indexfeed.NewBCBClient()
	if c.IndexFeed.BCBBaseURL != "" {
		client.BaseURL = c.IndexFeed.BCBBaseURL
	}
	if c.IndexFeed.Timeout > 0 {
		client.HTTP.Timeout = c.IndexFeed.Timeout
	}
	return client
}

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/reajuste/internal/domain"
	"github.com/roach88/reajuste/internal/engine"
	"github.com/roach88/reajuste/internal/store"
)

// Defaults for Config fields left at zero.
const (
	DefaultLeadMinDays   = 1
	DefaultLeadMaxDays   = 7
	DefaultMaxAttempts   = 5
	DefaultBackoffBase   = 15 * time.Minute
	DefaultBackoffMax    = 6 * time.Hour
	DefaultLeaseDuration = 5 * time.Minute
	DefaultWorkers       = 4
	DefaultBatchSize     = 500
)

// NoticeStore is the slice of the installment store a notification pass
// uses. *store.Store implements it.
type NoticeStore interface {
	RequeueFailedNotifications(ctx context.Context, now time.Time) (int64, error)
	FindDueForNotification(ctx context.Context, from, to time.Time) ([]domain.DueNotice, error)
	ClaimNotification(ctx context.Context, notice domain.DueNotice) (domain.NotificationRecord, bool, error)
	PendingNotifications(ctx context.Context, now time.Time, limit int) ([]domain.NotificationRecord, error)
	LeaseNotification(ctx context.Context, id string, now, leaseUntil time.Time) (domain.NotificationRecord, error)
	MarkNotificationSent(ctx context.Context, id string, sentAt time.Time) error
	MarkNotificationFailed(ctx context.Context, id, reason string, terminal bool, nextAttemptAt *time.Time) error
	GetInstallment(ctx context.Context, id int64) (domain.FinancialInstallment, error)
	GetContract(ctx context.Context, id int64) (domain.Contract, error)
}

// Config configures a Scheduler. Zero fields take the package defaults.
type Config struct {
	// LeadMinDays and LeadMaxDays bound the notice window: installments
	// due in [asOf+LeadMinDays, asOf+LeadMaxDays] are noticed.
	LeadMinDays int `yaml:"lead_min_days"`
	LeadMaxDays int `yaml:"lead_max_days"`

	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`

	// LeaseDuration is how long one worker owns a record while
	// delivering. An expired lease can be taken by the next pass.
	LeaseDuration time.Duration `yaml:"lease_duration"`

	Workers   int `yaml:"workers"`
	BatchSize int `yaml:"batch_size"`

	Clock  engine.Clock           `yaml:"-"`
	IDs    engine.PassIDGenerator `yaml:"-"`
	Logger *slog.Logger           `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.LeadMinDays <= 0 {
		c.LeadMinDays = DefaultLeadMinDays
	}
	if c.LeadMaxDays <= 0 {
		c.LeadMaxDays = DefaultLeadMaxDays
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Clock == nil {
		c.Clock = engine.ClockFunc(time.Now)
	}
	if c.IDs == nil {
		c.IDs = engine.UUIDv7Generator{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Validate reports a window that can never match.
func (c Config) Validate() error {
	if c.LeadMinDays < 0 || c.LeadMaxDays < 0 {
		return fmt.Errorf("notice window days must not be negative")
	}
	if c.LeadMaxDays > 0 && c.LeadMinDays > c.LeadMaxDays {
		return fmt.Errorf("notice window [%d, %d] is empty", c.LeadMinDays, c.LeadMaxDays)
	}
	return nil
}

// Scheduler runs notification passes.
//
// Thread-safety: RunPass may be called concurrently. Claims and leases
// are compare-and-swaps in the store, so overlapping passes never send a
// record twice.
type Scheduler struct {
	store     NoticeStore
	deliverer Deliverer
	cfg       Config
	backoff   engine.Backoff
	logger    *slog.Logger
}

// New creates a Scheduler delivering through d.
func New(s NoticeStore, d Deliverer, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		store:     s,
		deliverer: d,
		cfg:       cfg,
		backoff:   engine.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		logger:    cfg.Logger,
	}
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Window returns the due-date range noticed by a pass as of asOf.
func (s *Scheduler) Window(asOf time.Time) (from, to time.Time) {
	asOf = domain.Day(asOf)
	return asOf.AddDate(0, 0, s.cfg.LeadMinDays), asOf.AddDate(0, 0, s.cfg.LeadMaxDays)
}

// PassReport summarises one notification pass.
type PassReport struct {
	PassID     string    `json:"pass_id"`
	AsOf       time.Time `json:"as_of"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Requeued int `json:"requeued"`
	Eligible int `json:"eligible"`
	Claimed  int `json:"claimed"`
	Pending  int `json:"pending"`
	Sent     int `json:"sent"`
	Retrying int `json:"retrying"`
	Terminal int `json:"terminal"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetrying
	outcomeTerminal
	outcomeSkipped
	outcomeError
)

type tally struct {
	mu     sync.Mutex
	report *PassReport
}

func (t *tally) add(o outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch o {
	case outcomeSent:
		t.report.Sent++
	case outcomeRetrying:
		t.report.Retrying++
	case outcomeTerminal:
		t.report.Terminal++
	case outcomeSkipped:
		t.report.Skipped++
	case outcomeError:
		t.report.Errors++
	}
}

// RunPass performs one notification pass as of the given date:
//
//  1. failed records whose backoff elapsed go back to Pending
//  2. installments entering the window are claimed
//  3. pending records are leased and delivered on a bounded worker pool
//
// A claim that fails is retried by the next pass since nothing was
// written. A delivery that fails is recorded on its record.
func (s *Scheduler) RunPass(ctx context.Context, asOf time.Time) (PassReport, error) {
	asOf = domain.Day(asOf)
	report := PassReport{
		PassID:    s.cfg.IDs.Generate(),
		AsOf:      asOf,
		StartedAt: s.cfg.Clock.Now(),
	}
	log := s.logger.With("pass_id", report.PassID, "as_of", domain.FormatDate(asOf))
	log.Info("notification pass started")

	finish := func(err error) (PassReport, error) {
		report.FinishedAt = s.cfg.Clock.Now()
		if err != nil {
			return report, fmt.Errorf("notification pass: %w", err)
		}
		return report, nil
	}

	requeued, err := s.store.RequeueFailedNotifications(ctx, s.cfg.Clock.Now())
	if err != nil {
		return finish(err)
	}
	report.Requeued = int(requeued)

	from, to := s.Window(asOf)
	due, err := s.store.FindDueForNotification(ctx, from, to)
	if err != nil {
		return finish(err)
	}
	report.Eligible = len(due)

	for _, notice := range due {
		if ctx.Err() != nil {
			break
		}
		_, claimed, err := s.store.ClaimNotification(ctx, notice)
		switch {
		case err != nil:
			report.Errors++
			log.Warn("notification claim failed", "installment_id", notice.InstallmentID, "error", err)
		case claimed:
			report.Claimed++
		default:
			log.Debug("notification already claimed", "installment_id", notice.InstallmentID)
		}
	}

	pending, err := s.store.PendingNotifications(ctx, s.cfg.Clock.Now(), s.cfg.BatchSize)
	if err != nil {
		return finish(err)
	}
	report.Pending = len(pending)

	t := &tally{report: &report}
	engine.ForEach(ctx, s.cfg.Workers, pending, func(ctx context.Context, rec domain.NotificationRecord) {
		t.add(s.deliver(ctx, log, rec))
	})

	report.FinishedAt = s.cfg.Clock.Now()
	log.Info("notification pass finished",
		"eligible", report.Eligible,
		"claimed", report.Claimed,
		"pending", report.Pending,
		"sent", report.Sent,
		"retrying", report.Retrying,
		"terminal", report.Terminal,
		"skipped", report.Skipped,
		"errors", report.Errors,
	)

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("notification pass interrupted: %w", err)
	}
	return report, nil
}

// deliver leases one record, sends it and records the result.
func (s *Scheduler) deliver(ctx context.Context, log *slog.Logger, rec domain.NotificationRecord) outcome {
	log = log.With("notification_id", rec.ID, "installment_id", rec.InstallmentID, "channel", string(rec.Channel))

	now := s.cfg.Clock.Now()
	leased, err := s.store.LeaseNotification(ctx, rec.ID, now, now.Add(s.cfg.LeaseDuration))
	if err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			log.Debug("notification leased by another worker")
			return outcomeSkipped
		}
		log.Warn("notification lease failed", "error", err)
		return outcomeError
	}
	log = log.With("attempt", leased.Attempts)

	// Leases that expired mid-delivery still counted their attempt.
	if leased.Attempts > s.cfg.MaxAttempts {
		return s.fail(ctx, log, leased, errors.New("delivery attempts exhausted"), true)
	}

	notice, err := s.notice(ctx, leased)
	if err != nil {
		if store.IsNotFound(err) {
			return s.fail(ctx, log, leased, err, true)
		}
		return s.fail(ctx, log, leased, err, false)
	}
	if notice.status != domain.InstallmentOpen {
		return s.fail(ctx, log, leased, errors.New("installment no longer open"), true)
	}

	msg, err := Render(leased, notice.DueNotice)
	if err != nil {
		return s.fail(ctx, log, leased, err, true)
	}
	if msg.To == "" {
		return s.fail(ctx, log, leased, fmt.Errorf("no %s address for recipient", msg.Channel), true)
	}

	if err := s.deliverer.Deliver(ctx, msg); err != nil {
		return s.fail(ctx, log, leased, err, IsPermanent(err))
	}

	if err := s.store.MarkNotificationSent(ctx, leased.ID, s.cfg.Clock.Now()); err != nil {
		// Delivered but not recorded: the lease keeps others away until it
		// expires, after which the notice may be sent again.
		log.Error("notification sent but not recorded", "error", err, "operator_attention", true)
		return outcomeError
	}
	log.Info("notification sent", "to", msg.To, "due_date", domain.FormatDate(leased.DueDate))
	return outcomeSent
}

// fail records a delivery failure; terminal when permanent or when the
// attempt budget is spent.
func (s *Scheduler) fail(ctx context.Context, log *slog.Logger, rec domain.NotificationRecord, cause error, permanent bool) outcome {
	terminal := permanent || rec.Attempts >= s.cfg.MaxAttempts
	var next *time.Time
	if !terminal {
		at := s.cfg.Clock.Now().Add(s.backoff.Delay(rec.Attempts))
		next = &at
	}

	if err := s.store.MarkNotificationFailed(ctx, rec.ID, cause.Error(), terminal, next); err != nil {
		log.Warn("could not record notification failure", "error", cause, "record_error", err)
		return outcomeError
	}

	if terminal {
		log.Error("notification failed terminally", "error", cause, "operator_attention", true)
		return outcomeTerminal
	}
	log.Warn("notification failed, will retry", "error", cause, "next_attempt_at", next.Format(time.RFC3339))
	return outcomeRetrying
}

type deliveryNotice struct {
	domain.DueNotice
	status domain.InstallmentStatus
}

// notice reloads what a message needs at delivery time.
func (s *Scheduler) notice(ctx context.Context, rec domain.NotificationRecord) (deliveryNotice, error) {
	inst, err := s.store.GetInstallment(ctx, rec.InstallmentID)
	if err != nil {
		return deliveryNotice{}, err
	}
	contract, err := s.store.GetContract(ctx, inst.ContractID)
	if err != nil {
		return deliveryNotice{}, err
	}
	return deliveryNotice{
		DueNotice: domain.DueNotice{
			InstallmentID:  inst.ID,
			ContractID:     contract.ID,
			ContractNumber: contract.Number,
			Sequence:       inst.Sequence,
			DueDate:        rec.DueDate,
			Amount:         inst.CurrentAmount,
			Recipient:      contract.Recipient,
		},
		status: inst.Status,
	}, nil
}

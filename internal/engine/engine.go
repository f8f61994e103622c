package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/reajuste/internal/calc"
	"github.com/roach88/reajuste/internal/domain"
	"github.com/roach88/reajuste/internal/store"
)

// Defaults for Config fields left at zero.
const (
	DefaultWorkers      = 4
	DefaultMaxAttempts  = 5
	DefaultBackoffBase  = time.Hour
	DefaultBackoffMax   = 24 * time.Hour
	DefaultLeaseTimeout = 30 * time.Minute
)

// RunStore is the slice of the installment store a readjustment pass uses.
// *store.Store implements it.
type RunStore interface {
	RecoverStaleRuns(ctx context.Context, staleBefore time.Time, maxAttempts int) ([]store.RecoveryOutcome, error)
	FindDueForCorrection(ctx context.Context, asOf time.Time) ([]domain.FinancialInstallment, error)
	GetContract(ctx context.Context, id int64) (domain.Contract, error)
	BeginReadjustmentRun(ctx context.Context, installmentID int64, period, asOf time.Time) (domain.ReadjustmentRun, error)
	RecordTarget(ctx context.Context, runID string, rate, target decimal.Decimal) error
	CommitReadjustment(ctx context.Context, runID string, newAmount decimal.Decimal) (domain.ReadjustmentRun, error)
	FailRun(ctx context.Context, runID string, failure domain.RunFailure) (domain.ReadjustmentRun, error)
	SkipRun(ctx context.Context, runID, reason string) (domain.ReadjustmentRun, error)
}

// Config configures a Readjuster. Zero fields take the package defaults.
type Config struct {
	// Workers bounds the installments corrected concurrently.
	Workers int `yaml:"workers"`

	// MaxAttempts bounds transient retries of one run; the attempt that
	// reaches it fails terminally.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBase and BackoffMax shape the retry curve.
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`

	// LeaseTimeout is how long a run may sit in Processing before the
	// next pass recovers it.
	LeaseTimeout time.Duration `yaml:"lease_timeout"`

	// Policy bounds every calculation. AllowReduction is taken from each
	// contract.
	Policy calc.Policy `yaml:"-"`

	Clock  Clock           `yaml:"-"`
	IDs    PassIDGenerator `yaml:"-"`
	Logger *slog.Logger    `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
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
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
	if c.Policy.MaxAmount.IsZero() {
		c.Policy = calc.DefaultPolicy()
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
	if c.IDs == nil {
		c.IDs = UUIDv7Generator{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Readjuster runs readjustment passes: it finds installments due for
// correction and applies each correction exactly once per period.
//
// Thread-safety: RunPass may be called concurrently; the store's run
// claim keeps overlapping passes from applying a period twice. The
// runner's job lock normally prevents overlap anyway.
type Readjuster struct {
	store   RunStore
	rates   RateSource
	cfg     Config
	backoff Backoff
	logger  *slog.Logger
}

// New creates a Readjuster over the store and rate source.
func New(s RunStore, rates RateSource, cfg Config) *Readjuster {
	cfg = cfg.withDefaults()
	return &Readjuster{
		store:   s,
		rates:   rates,
		cfg:     cfg,
		backoff: Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		logger:  cfg.Logger,
	}
}

// Config returns the effective configuration.
func (r *Readjuster) Config() Config {
	return r.cfg
}

// PassReport summarises one readjustment pass.
type PassReport struct {
	PassID     string    `json:"pass_id"`
	AsOf       time.Time `json:"as_of"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Recovered  int `json:"recovered"`
	Candidates int `json:"candidates"`
	Applied    int `json:"applied"`
	Retrying   int `json:"retrying"`
	Terminal   int `json:"terminal"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

// outcome of one candidate.
type outcome int

const (
	outcomeApplied outcome = iota
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
	case outcomeApplied:
		t.report.Applied++
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

// RunPass performs one readjustment pass as of the given date:
//
//  1. recover runs left in Processing longer than LeaseTimeout
//  2. find installments due for correction
//  3. correct them on a bounded worker pool
//
// One installment's failure never blocks the others. Running the pass
// again for the same date is a no-op for every period already applied.
//
// The returned error is non-nil only when the pass itself could not run
// or ctx ended before all candidates were visited; per-installment
// failures are recorded on their runs and counted in the report.
func (r *Readjuster) RunPass(ctx context.Context, asOf time.Time) (PassReport, error) {
	asOf = domain.Day(asOf)
	report := PassReport{
		PassID:    r.cfg.IDs.Generate(),
		AsOf:      asOf,
		StartedAt: r.cfg.Clock.Now(),
	}
	log := r.logger.With("pass_id", report.PassID, "as_of", domain.FormatDate(asOf))
	log.Info("readjustment pass started")

	recovered, err := r.store.RecoverStaleRuns(ctx, r.cfg.Clock.Now().Add(-r.cfg.LeaseTimeout), r.cfg.MaxAttempts)
	report.Recovered = len(recovered)
	for _, o := range recovered {
		r.logRecovery(log, o)
	}
	if err != nil {
		report.FinishedAt = r.cfg.Clock.Now()
		return report, fmt.Errorf("readjustment pass: %w", err)
	}

	candidates, err := r.store.FindDueForCorrection(ctx, asOf)
	if err != nil {
		report.FinishedAt = r.cfg.Clock.Now()
		return report, fmt.Errorf("readjustment pass: %w", err)
	}
	report.Candidates = len(candidates)

	t := &tally{report: &report}
	ForEach(ctx, r.cfg.Workers, candidates, func(ctx context.Context, inst domain.FinancialInstallment) {
		t.add(r.correct(ctx, log, asOf, inst))
	})

	report.FinishedAt = r.cfg.Clock.Now()
	log.Info("readjustment pass finished",
		"candidates", report.Candidates,
		"applied", report.Applied,
		"retrying", report.Retrying,
		"terminal", report.Terminal,
		"skipped", report.Skipped,
		"errors", report.Errors,
		"recovered", report.Recovered,
	)

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("readjustment pass interrupted: %w", err)
	}
	return report, nil
}

// correct runs begin → rate → calculate → record → commit for one
// installment and records any failure on its run.
func (r *Readjuster) correct(ctx context.Context, log *slog.Logger, asOf time.Time, inst domain.FinancialInstallment) outcome {
	log = log.With(
		"installment_id", inst.ID,
		"contract_id", inst.ContractID,
		"period", domain.FormatDate(inst.NextCorrectionOn),
	)

	run, err := r.store.BeginReadjustmentRun(ctx, inst.ID, inst.NextCorrectionOn, asOf)
	if err != nil {
		if Classify(err) == domain.ClassConcurrency {
			log.Debug("readjustment skipped", "reason", err)
			return outcomeSkipped
		}
		// Nothing was persisted; the installment stays due.
		log.Warn("readjustment could not begin", "error", err)
		return outcomeError
	}
	log = log.With("run_id", run.ID, "attempt", run.Attempts)

	contract, err := r.store.GetContract(ctx, inst.ContractID)
	if err != nil {
		return r.fail(ctx, log, run, err)
	}

	rate, err := r.rates.Rate(ctx, contract, run.PeriodStart)
	if err != nil {
		return r.fail(ctx, log, run, err)
	}

	calculator := calc.New(r.cfg.Policy.WithReduction(contract.AllowReduction))
	target, err := calculator.Calculate(*run.PreviousAmount, rate)
	if err != nil {
		return r.fail(ctx, log, run, err)
	}

	if err := r.store.RecordTarget(ctx, run.ID, rate, target); err != nil {
		return r.fail(ctx, log, run, err)
	}

	applied, err := r.store.CommitReadjustment(ctx, run.ID, target)
	if err != nil {
		return r.fail(ctx, log, run, err)
	}

	log.Info("readjustment applied",
		"rate", rate.String(),
		"previous_amount", run.PreviousAmount.String(),
		"amount", target.String(),
		"delta", applied.AppliedDelta.String(),
	)
	return outcomeApplied
}

// fail records err on the run according to its class.
func (r *Readjuster) fail(ctx context.Context, log *slog.Logger, run domain.ReadjustmentRun, err error) outcome {
	if errors.Is(err, store.ErrNotProcessing) {
		// Recovered or skipped by someone else meanwhile.
		log.Debug("run left processing under us", "error", err)
		return outcomeSkipped
	}

	class := Classify(err)
	failure := domain.RunFailure{Reason: err.Error(), Class: class}

	result := outcomeRetrying
	switch class {
	case domain.ClassValidation:
		failure.Terminal = true
		result = outcomeTerminal
	case domain.ClassConcurrency:
		// Retry on the next pass with a fresh snapshot.
		result = outcomeSkipped
	default:
		if run.Attempts >= r.cfg.MaxAttempts {
			failure.Terminal = true
			result = outcomeTerminal
		} else {
			next := r.cfg.Clock.Now().Add(r.backoff.Delay(run.Attempts))
			failure.NextAttemptAt = &next
		}
	}

	if _, ferr := r.store.FailRun(ctx, run.ID, failure); ferr != nil {
		// Left in Processing; stale-run recovery resolves it.
		log.Warn("could not record readjustment failure", "error", err, "record_error", ferr)
		return outcomeError
	}

	if errors.Is(err, store.ErrInstallmentNotOpen) {
		// Paid or cancelled mid-run: it is never a candidate again, so the
		// run would stay open forever.
		if _, serr := r.store.SkipRun(ctx, run.ID, "installment no longer open: "+err.Error()); serr != nil {
			log.Error("could not close run of a closed installment",
				"error", serr,
				"operator_attention", true,
			)
			return outcomeError
		}
		log.Info("readjustment closed, installment no longer open", "error", err)
		return outcomeSkipped
	}

	switch result {
	case outcomeTerminal:
		log.Error("readjustment failed terminally",
			"error", err,
			"class", string(class),
			"operator_attention", true,
		)
	case outcomeSkipped:
		log.Debug("readjustment lost a race", "error", err)
	default:
		log.Warn("readjustment failed, will retry",
			"error", err,
			"class", string(class),
			"next_attempt_at", failure.NextAttemptAt.Format(time.RFC3339),
		)
	}
	return result
}

func (r *Readjuster) logRecovery(log *slog.Logger, o store.RecoveryOutcome) {
	log = log.With("run_id", o.Run.ID, "installment_id", o.Run.InstallmentID, "period", domain.FormatDate(o.Run.PeriodStart))
	switch {
	case o.Status == domain.RunApplied:
		log.Info("stale run recovered as applied")
	case o.Run.Terminal:
		log.Error("stale run needs operator attention",
			"class", string(o.Class),
			"reason", o.Run.LastError,
			"operator_attention", true,
		)
	default:
		log.Warn("stale run released for retry", "reason", o.Run.LastError)
	}
}

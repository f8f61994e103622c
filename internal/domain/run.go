package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RunStatus is the state of a ReadjustmentRun.
//
//	Scheduled → Processing → {Applied | Failed}
//	Failed → Processing (retry, while not terminal)
//	any non-terminal → Skipped (operator)
type RunStatus string

const (
	RunScheduled  RunStatus = "scheduled"
	RunProcessing RunStatus = "processing"
	RunApplied    RunStatus = "applied"
	RunFailed     RunStatus = "failed"
	RunSkipped    RunStatus = "skipped"
)

// Valid reports whether the status is known.
func (s RunStatus) Valid() bool {
	switch s {
	case RunScheduled, RunProcessing, RunApplied, RunFailed, RunSkipped:
		return true
	}
	return false
}

// ErrorClass categorises a recorded failure.
type ErrorClass string

const (
	ClassNone        ErrorClass = ""
	ClassValidation  ErrorClass = "validation"
	ClassConcurrency ErrorClass = "concurrency"
	ClassTransient   ErrorClass = "transient"
	// ClassDivergence marks stored state that matches neither the
	// snapshot nor the target after a crash.
	ClassDivergence ErrorClass = "divergence"
)

// ReadjustmentRun is one correction attempt history for an
// (installment, period) pair.
type ReadjustmentRun struct {
	ID            string    `json:"id"`
	InstallmentID int64     `json:"installment_id"`
	ContractID    int64     `json:"contract_id"`
	PeriodStart   time.Time `json:"period_start"`
	AsOf          time.Time `json:"as_of"`

	Status    RunStatus  `json:"status"`
	Attempts  int        `json:"attempts"`
	Terminal  bool       `json:"terminal"`
	LastError string     `json:"last_error,omitempty"`
	Class     ErrorClass `json:"error_class,omitempty"`

	Rate           *decimal.Decimal `json:"rate,omitempty"`
	PreviousAmount *decimal.Decimal `json:"previous_amount,omitempty"`
	TargetAmount   *decimal.Decimal `json:"target_amount,omitempty"`
	AppliedDelta   *decimal.Decimal `json:"applied_delta,omitempty"`

	StartedAt     *time.Time `json:"started_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Closed reports whether no further transition is possible without an
// operator.
func (r ReadjustmentRun) Closed() bool {
	switch r.Status {
	case RunApplied, RunSkipped:
		return true
	case RunFailed:
		return r.Terminal
	}
	return false
}

// RunFailure describes why a run moved to Failed.
type RunFailure struct {
	Reason        string
	Class         ErrorClass
	Terminal      bool
	NextAttemptAt *time.Time
}

package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/reajuste/internal/domain"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRunClosed is returned when a run for the period is already
	// Applied, Skipped or terminally Failed.
	ErrRunClosed = errors.New("readjustment run closed")

	// ErrRetryNotDue is returned when a retryable run is still inside its
	// backoff window.
	ErrRetryNotDue = errors.New("retry not due")

	// ErrNotProcessing is returned when a transition requires a run in
	// Processing and it is in some other state.
	ErrNotProcessing = errors.New("readjustment run not processing")

	// ErrInstallmentNotOpen is returned when an installment left the Open
	// status before a correction could be begun or committed.
	ErrInstallmentNotOpen = errors.New("installment not open")

	// ErrLeaseLost is returned when a notification record could not be
	// leased because another worker holds it or it left Pending.
	ErrLeaseLost = errors.New("notification lease lost")

	// ErrNotPending is returned when a notification outcome is recorded
	// for a record that is no longer Pending.
	ErrNotPending = errors.New("notification not pending")

	// ErrContractMismatch is returned when a claim and an installment of
	// different contracts are linked.
	ErrContractMismatch = errors.New("contract mismatch")
)

// AlreadyProcessingError reports that another worker holds the run for an
// (installment, period) pair.
type AlreadyProcessingError struct {
	RunID         string
	InstallmentID int64
	PeriodStart   time.Time
}

func (e *AlreadyProcessingError) Error() string {
	return fmt.Sprintf("installment %d period %s already processing (run=%s)",
		e.InstallmentID, domain.FormatDate(e.PeriodStart), e.RunID)
}

// AlreadyLinkedError reports that one side of a requested link is already
// attached elsewhere. Existing names the link that blocks it.
type AlreadyLinkedError struct {
	IntermediateID         int64
	InstallmentID          int64
	ExistingIntermediateID int64
	ExistingInstallmentID  int64
}

func (e *AlreadyLinkedError) Error() string {
	return fmt.Sprintf("cannot link intermediate %d to installment %d: intermediate %d already linked to installment %d",
		e.IntermediateID, e.InstallmentID, e.ExistingIntermediateID, e.ExistingInstallmentID)
}

// CommitConflictError reports that the installment amount changed between
// begin and commit of a readjustment.
type CommitConflictError struct {
	RunID    string
	Expected string
	Found    string
}

func (e *CommitConflictError) Error() string {
	return fmt.Sprintf("run %s: installment amount changed (expected %s, found %s)",
		e.RunID, e.Expected, e.Found)
}

// IsAlreadyProcessing returns true if err reports a run held elsewhere.
// Uses errors.As to handle wrapped errors.
func IsAlreadyProcessing(err error) bool {
	var ape *AlreadyProcessingError
	return errors.As(err, &ape)
}

// IsAlreadyLinked returns true if err reports a link conflict.
func IsAlreadyLinked(err error) bool {
	var ale *AlreadyLinkedError
	return errors.As(err, &ale)
}

// IsCommitConflict returns true if err reports a concurrent amount change.
func IsCommitConflict(err error) bool {
	var cce *CommitConflictError
	return errors.As(err, &cce)
}

// IsNotFound returns true if err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConcurrency returns true for every error that means another actor
// changed the state first.
func IsConcurrency(err error) bool {
	return IsAlreadyProcessing(err) ||
		IsCommitConflict(err) ||
		errors.Is(err, ErrNotProcessing) ||
		errors.Is(err, ErrInstallmentNotOpen) ||
		errors.Is(err, ErrLeaseLost) ||
		errors.Is(err, ErrNotPending)
}

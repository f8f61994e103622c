package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/reajuste/internal/calc"
	"github.com/roach88/reajuste/internal/domain"
	"github.com/roach88/reajuste/internal/store"
)

// ErrRateUnavailable is wrapped by RateSource implementations when the
// rate for a period cannot be obtained yet, e.g. the index month is not
// published. It classifies as transient.
var ErrRateUnavailable = errors.New("rate unavailable")

// PolicyError reports a contract whose correction policy is incomplete or
// contradictory (missing fixed rate, unknown index). It classifies as
// validation: retrying cannot fix it.
type PolicyError struct {
	ContractID int64
	Reason     string
}

// Error implements the error interface.
func (e *PolicyError) Error() string {
	return fmt.Sprintf("contract %d: invalid correction policy: %s", e.ContractID, e.Reason)
}

// IsPolicyError returns true if err is a PolicyError.
// Uses errors.As to handle wrapped errors.
func IsPolicyError(err error) bool {
	var pe *PolicyError
	return errors.As(err, &pe)
}

// Classify maps an error from any stage of a correction onto the failure
// taxonomy:
//   - validation: calculator rejections and policy errors; never retried
//   - concurrency: another actor moved the state first; skipped silently
//   - transient: everything else, including store and feed outages and
//     cancelled contexts; retried with backoff
func Classify(err error) domain.ErrorClass {
	switch {
	case err == nil:
		return domain.ClassNone
	case calc.IsValidationError(err), IsPolicyError(err):
		return domain.ClassValidation
	case store.IsConcurrency(err),
		store.IsAlreadyLinked(err),
		errors.Is(err, store.ErrRunClosed),
		errors.Is(err, store.ErrRetryNotDue):
		return domain.ClassConcurrency
	default:
		return domain.ClassTransient
	}
}

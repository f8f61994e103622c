package calc

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// InvalidRateError rejects a rate below the configured floor. It usually
// means the index feed delivered garbage.
type InvalidRateError struct {
	Rate  decimal.Decimal
	Floor decimal.Decimal
}

func (e *InvalidRateError) Error() string {
	return fmt.Sprintf("invalid rate %s: below floor %s", e.Rate, e.Floor)
}

// NegativeCorrectionError rejects a correction that would lower an amount
// under a policy that does not allow reductions.
type NegativeCorrectionError struct {
	Amount decimal.Decimal
	Result decimal.Decimal
	Rate   decimal.Decimal
}

func (e *NegativeCorrectionError) Error() string {
	return fmt.Sprintf("negative correction: %s would become %s (rate %s)", e.Amount, e.Result, e.Rate)
}

// PrecisionOverflowError rejects results outside the sane magnitude bound.
type PrecisionOverflowError struct {
	Result decimal.Decimal
	Max    decimal.Decimal
}

func (e *PrecisionOverflowError) Error() string {
	return fmt.Sprintf("precision overflow: |%s| exceeds %s", e.Result, e.Max)
}

// IsValidationError reports whether err (or anything it wraps) is one of the
// calculator's rejections.
func IsValidationError(err error) bool {
	var ir *InvalidRateError
	var nc *NegativeCorrectionError
	var po *PrecisionOverflowError
	return errors.As(err, &ir) || errors.As(err, &nc) || errors.As(err, &po)
}

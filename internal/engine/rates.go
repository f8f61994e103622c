package engine

//go:generate mockgen -destination=mocks/mock_rates.go -package=mock_engine -source=rates.go

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/reajuste/internal/domain"
)

// RateSource supplies the correction rate (a fraction, 0.10 = 10%) of a
// contract for the correction period starting at period.
//
// Implementations wrap ErrRateUnavailable when the rate is not known yet
// and return *PolicyError when the contract cannot be corrected at all.
type RateSource interface {
	Rate(ctx context.Context, contract domain.Contract, period time.Time) (decimal.Decimal, error)
}

// FixedRateSource returns the same rate for every contract. Handy for
// manual passes and tests.
type FixedRateSource decimal.Decimal

// Rate implements RateSource.
func (f FixedRateSource) Rate(context.Context, domain.Contract, time.Time) (decimal.Decimal, error) {
	return decimal.Decimal(f), nil
}

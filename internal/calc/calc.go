package calc

import (
	"github.com/shopspring/decimal"
)

// Default policy bounds.
var (
	DefaultRateFloor = decimal.RequireFromString("-0.90")
	DefaultMaxAmount = decimal.RequireFromString("1000000000000")
)

// DefaultPlaces is the minor-unit precision of BRL.
const DefaultPlaces int32 = 2

// AccumulationPlaces is the precision kept for accumulated rates.
const AccumulationPlaces int32 = 8

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Policy bounds what a correction may do.
//
// The zero Policy is not usable; start from DefaultPolicy.
type Policy struct {
	// AllowReduction permits corrections that lower the amount.
	AllowReduction bool

	// RateFloor is the lowest accepted rate (fraction, -0.90 = -90%).
	RateFloor decimal.Decimal

	// MaxAmount bounds the absolute value of any result.
	MaxAmount decimal.Decimal

	// Places is the rounding precision of results.
	Places int32
}

// DefaultPolicy disallows reductions.
func DefaultPolicy() Policy {
	return Policy{
		AllowReduction: false,
		RateFloor:      DefaultRateFloor,
		MaxAmount:      DefaultMaxAmount,
		Places:         DefaultPlaces,
	}
}

// WithReduction returns a copy of p with AllowReduction set.
func (p Policy) WithReduction(allow bool) Policy {
	p.AllowReduction = allow
	return p
}

// Calculator applies a Policy to amounts and rates.
type Calculator struct {
	policy Policy
}

// New creates a Calculator for the policy.
func New(p Policy) Calculator {
	return Calculator{policy: p}
}

// Policy returns the calculator's policy.
func (c Calculator) Policy() Policy {
	return c.policy
}

// Calculate returns amount × (1 + rate) rounded half away from zero.
//
// The rate is a fraction (0.10 = 10%). Errors:
//   - *InvalidRateError: rate below the floor, or rate ≤ -1
//   - *NegativeCorrectionError: result lower than amount without AllowReduction
//   - *PrecisionOverflowError: |result| above MaxAmount
func (c Calculator) Calculate(amount, rate decimal.Decimal) (decimal.Decimal, error) {
	if rate.LessThan(c.policy.RateFloor) || rate.LessThanOrEqual(one.Neg()) {
		return decimal.Decimal{}, &InvalidRateError{Rate: rate, Floor: c.policy.RateFloor}
	}

	result := amount.Mul(one.Add(rate)).Round(c.policy.Places)

	if result.Abs().GreaterThan(c.policy.MaxAmount) {
		return decimal.Decimal{}, &PrecisionOverflowError{Result: result, Max: c.policy.MaxAmount}
	}
	if result.LessThan(amount) && !c.policy.AllowReduction {
		return decimal.Decimal{}, &NegativeCorrectionError{Amount: amount, Result: result, Rate: rate}
	}
	return result, nil
}

// Delta returns result - amount for a successful Calculate.
func (c Calculator) Delta(amount, rate decimal.Decimal) (decimal.Decimal, error) {
	result, err := c.Calculate(amount, rate)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return result.Sub(amount), nil
}

// FromPercent converts a percentage (5.5) into a fraction (0.055).
func FromPercent(p decimal.Decimal) decimal.Decimal {
	return p.Div(hundred)
}

// Accumulate compounds monthly percentages into a single fraction:
// (1 + v1/100) × (1 + v2/100) × ... − 1, rounded to AccumulationPlaces.
// An empty input accumulates to zero.
func Accumulate(monthlyPercents []decimal.Decimal) decimal.Decimal {
	factor := one
	for _, v := range monthlyPercents {
		factor = factor.Mul(one.Add(FromPercent(v)))
	}
	return factor.Sub(one).Round(AccumulationPlaces)
}

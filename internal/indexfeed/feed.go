package indexfeed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/reajuste/internal/calc"
	"github.com/roach88/reajuste/internal/domain"
	"github.com/roach88/reajuste/internal/engine"
)

// ErrIndexUnavailable is wrapped when a month of the correction window
// has not been published or imported yet. It wraps
// engine.ErrRateUnavailable so the run is retried later.
var ErrIndexUnavailable = fmt.Errorf("index value unavailable: %w", engine.ErrRateUnavailable)

// MissingMonthsError lists the months of a correction window with no
// index value yet, as MM/YYYY. It unwraps to ErrIndexUnavailable.
type MissingMonthsError struct {
	Code   domain.IndexCode
	Months []string
}

func (e *MissingMonthsError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Code, strings.Join(e.Months, ", "), ErrIndexUnavailable)
}

func (e *MissingMonthsError) Unwrap() error {
	return ErrIndexUnavailable
}

// MissingMonths returns the absent months.
func (e *MissingMonthsError) MissingMonths() []string {
	return e.Months
}

// IndexStore reads and writes monthly index values. *store.Store
// implements it.
type IndexStore interface {
	IndexValues(ctx context.Context, code domain.IndexCode, fromKey, toKey int) ([]domain.IndexValue, error)
	UpsertIndexValue(ctx context.Context, v domain.IndexValue) (bool, error)
}

// Feed is the store-backed engine.RateSource.
type Feed struct {
	store IndexStore
}

// NewFeed creates a Feed over s.
func NewFeed(s IndexStore) *Feed {
	return &Feed{store: s}
}

// Window returns the reference months compounded for a correction period
// starting at period: the cadence months before it, as MonthKeys.
func Window(period time.Time, cadenceMonths int) (fromKey, toKey int) {
	first := domain.AddMonths(period, -cadenceMonths)
	last := domain.AddMonths(period, -1)
	return domain.MonthKey(first.Year(), int(first.Month())), domain.MonthKey(last.Year(), int(last.Month()))
}

// Rate implements engine.RateSource.
//
// Monthly indices accumulate as ∏(1 + vᵢ/100) − 1 over Window. Fixed-rate
// contracts return their rate. Contracts without correction, unknown
// codes and missing policy data are *engine.PolicyError.
func (f *Feed) Rate(ctx context.Context, contract domain.Contract, period time.Time) (decimal.Decimal, error) {
	if contract.CadenceMonths <= 0 {
		return decimal.Zero, &engine.PolicyError{ContractID: contract.ID, Reason: "no correction cadence"}
	}

	switch {
	case contract.IndexCode == domain.IndexFixedRate:
		if contract.FixedRate == nil {
			return decimal.Zero, &engine.PolicyError{ContractID: contract.ID, Reason: "fixed-rate contract without a rate"}
		}
		return *contract.FixedRate, nil

	case contract.IndexCode == domain.IndexNone:
		return decimal.Zero, &engine.PolicyError{ContractID: contract.ID, Reason: "contract is not corrected"}

	case contract.IndexCode.Monthly():
		return f.accumulated(ctx, contract.IndexCode, period, contract.CadenceMonths)

	default:
		return decimal.Zero, &engine.PolicyError{ContractID: contract.ID, Reason: fmt.Sprintf("unknown index %q", contract.IndexCode)}
	}
}

func (f *Feed) accumulated(ctx context.Context, code domain.IndexCode, period time.Time, cadence int) (decimal.Decimal, error) {
	fromKey, toKey := Window(period, cadence)
	values, err := f.store.IndexValues(ctx, code, fromKey, toKey)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s values: %w", code, err)
	}

	have := make(map[int]decimal.Decimal, len(values))
	for _, v := range values {
		have[domain.MonthKey(v.Year, v.Month)] = v.Percent
	}

	percents := make([]decimal.Decimal, 0, cadence)
	var missing []string
	for key := fromKey; key <= toKey; key++ {
		p, ok := have[key]
		if !ok {
			missing = append(missing, fmt.Sprintf("%02d/%d", key%12+1, key/12))
			continue
		}
		percents = append(percents, p)
	}
	if len(missing) > 0 {
		return decimal.Zero, &MissingMonthsError{Code: code, Months: missing}
	}
	return calc.Accumulate(percents), nil
}

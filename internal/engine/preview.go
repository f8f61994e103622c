package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/reajuste/internal/calc"
	"github.com/roach88/reajuste/internal/domain"
)

// Forecast is what the correction of one installment would do. Nothing is
// claimed or written to compute it.
type Forecast struct {
	InstallmentID  int64            `json:"installment_id"`
	ContractID     int64            `json:"contract_id"`
	ContractNumber string           `json:"contract_number"`
	Sequence       int              `json:"sequence"`
	IndexCode      domain.IndexCode `json:"index_code"`
	Period         time.Time        `json:"period"`
	DaysUntil      int              `json:"days_until"`

	Amount decimal.Decimal  `json:"amount"`
	Rate   *decimal.Decimal `json:"rate,omitempty"`
	Target *decimal.Decimal `json:"target,omitempty"`

	// IndexAvailable is false while months of the window are missing.
	IndexAvailable bool     `json:"index_available"`
	MissingMonths  []string `json:"missing_months,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Delta is Target minus Amount, zero when there is no target.
func (f Forecast) Delta() decimal.Decimal {
	if f.Target == nil {
		return decimal.Zero
	}
	return f.Target.Sub(f.Amount)
}

// monthsMissing is a rate error that knows which index months are absent.
type monthsMissing interface {
	MissingMonths() []string
}

// Preview forecasts the corrections falling due on or before asOf+days,
// soonest first. With days 0 it is what a pass as of asOf would attempt.
// A failure to compute one forecast is recorded on it, not returned.
func (r *Readjuster) Preview(ctx context.Context, asOf time.Time, days int) ([]Forecast, error) {
	if days < 0 {
		return nil, fmt.Errorf("preview: days must not be negative, got %d", days)
	}
	asOf = domain.Day(asOf)
	candidates, err := r.store.FindDueForCorrection(ctx, asOf.AddDate(0, 0, days))
	if err != nil {
		return nil, fmt.Errorf("preview: %w", err)
	}

	contracts := make(map[int64]domain.Contract)
	out := make([]Forecast, 0, len(candidates))
	for _, inst := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f := Forecast{
			InstallmentID:  inst.ID,
			ContractID:     inst.ContractID,
			Sequence:       inst.Sequence,
			Period:         inst.NextCorrectionOn,
			DaysUntil:      int(inst.NextCorrectionOn.Sub(asOf).Hours() / 24),
			Amount:         inst.CurrentAmount,
			IndexAvailable: true,
		}

		contract, ok := contracts[inst.ContractID]
		if !ok {
			if contract, err = r.store.GetContract(ctx, inst.ContractID); err != nil {
				f.Error = err.Error()
				out = append(out, f)
				continue
			}
			contracts[inst.ContractID] = contract
		}
		f.ContractNumber = contract.Number
		f.IndexCode = contract.IndexCode

		r.forecast(ctx, contract, &f)
		out = append(out, f)
	}

	slices.SortStableFunc(out, func(a, b Forecast) int {
		return a.Period.Compare(b.Period)
	})
	return out, nil
}

func (r *Readjuster) forecast(ctx context.Context, contract domain.Contract, f *Forecast) {
	rate, err := r.rates.Rate(ctx, contract, f.Period)
	if err != nil {
		var mm monthsMissing
		if errors.As(err, &mm) {
			f.IndexAvailable = false
			f.MissingMonths = mm.MissingMonths()
		}
		f.Error = err.Error()
		return
	}
	f.Rate = &rate

	target, err := calc.New(r.cfg.Policy.WithReduction(contract.AllowReduction)).Calculate(f.Amount, rate)
	if err != nil {
		f.Error = err.Error()
		return
	}
	f.Target = &target
}

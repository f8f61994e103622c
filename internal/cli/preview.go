package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/roach88/reajuste/internal/domain"
	"github.com/roach88/reajuste/internal/engine"
)

// asOf parses an --as-of flag, defaulting to today in the configured
// timezone.
func (a *app) asOf(flag string) (time.Time, error) {
	if flag == "" {
		return a.today(), nil
	}
	d, err := domain.ParseDate(flag)
	if err != nil {
		return time.Time{}, a.formatter.Fail(ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("--as-of %q is not YYYY-MM-DD", flag), nil)
	}
	return d, nil
}

// renderForecasts previews the corrections due by asOf+days. It takes no
// job lock and writes nothing.
func renderForecasts(a *app, cmd *cobra.Command, asOf time.Time, days int) error {
	if days < 0 {
		return a.formatter.Fail(ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("--days must not be negative, got %d", days), nil)
	}
	forecasts, err := a.readjuster().Preview(cmd.Context(), asOf, days)
	if err != nil {
		return a.storeFailure("failed to forecast corrections", err)
	}

	until := domain.FormatDate(asOf.AddDate(0, 0, days))
	return a.formatter.Render(forecasts, func(w io.Writer) error {
		if len(forecasts) == 0 {
			fmt.Fprintf(w, "No corrections due by %s.\n", until)
			return nil
		}
		fmt.Fprintf(w, "Corrections due by %s (as of %s), nothing applied\n", until, domain.FormatDate(asOf))
		rows := make([][]string, 0, len(forecasts))
		for _, f := range forecasts {
			rows = append(rows, []string{
				"  " + strconv.FormatInt(f.InstallmentID, 10),
				f.ContractNumber,
				domain.FormatDate(f.Period),
				strconv.Itoa(f.DaysUntil),
				string(f.IndexCode),
				f.Amount.StringFixed(2),
				rateText(f),
				amount(f.Target),
				forecastNote(f),
			})
		}
		return a.formatter.Table(
			[]string{"  INSTALLMENT", "CONTRACT", "PERIOD", "DAYS", "INDEX", "AMOUNT", "RATE", "TARGET", "NOTE"},
			rows,
		)
	})
}

var hundred = decimal.NewFromInt(100)

func rateText(f engine.Forecast) string {
	if f.Rate == nil {
		return "-"
	}
	return f.Rate.Mul(hundred).StringFixed(4) + "%"
}

func forecastNote(f engine.Forecast) string {
	switch {
	case !f.IndexAvailable:
		return "missing " + strings.Join(f.MissingMonths, " ")
	case f.Error != "":
		return f.Error
	case f.Delta().IsNegative():
		return f.Delta().StringFixed(2)
	default:
		return "+" + f.Delta().StringFixed(2)
	}
}

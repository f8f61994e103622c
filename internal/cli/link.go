package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/roach88/reajuste/internal/domain"
)

func newLinkCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "link <intermediate-id> <installment-id>",
		Short: "Link an intermediate claim to a financial installment",
		Long: `Link an intermediate claim to the financial installment that settles it.
Each side can hold at most one link; relinking the same pair is a no-op.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := parseIDs(args)
			if err != nil {
				return a.formatter.Fail(ExitCommandError, ErrCodeInvalidInput, err.Error(), nil)
			}
			if err := a.store.Link(cmd.Context(), ids[0], ids[1]); err != nil {
				return a.storeFailure("link rejected", err)
			}
			result := map[string]int64{"intermediate_id": ids[0], "installment_id": ids[1]}
			return a.formatter.Render(result, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Intermediate %d linked to installment %d.\n", ids[0], ids[1])
				return err
			})
		},
	}
}

func newUnlinkCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <intermediate-id>",
		Short: "Remove an intermediate claim's link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := parseIDs(args)
			if err != nil {
				return a.formatter.Fail(ExitCommandError, ErrCodeInvalidInput, err.Error(), nil)
			}
			if err := a.store.Unlink(cmd.Context(), ids[0]); err != nil {
				return a.storeFailure("unlink failed", err)
			}
			return a.formatter.Render(map[string]int64{"intermediate_id": ids[0]}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Intermediate %d unlinked.\n", ids[0])
				return err
			})
		},
	}
}

// resolveResult is what resolve reports.
type resolveResult struct {
	Installment domain.FinancialInstallment `json:"installment"`
	Created     bool                        `json:"created"`
}

func newResolveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <intermediate-id>",
		Short: "Return the financial installment of a claim, creating it if needed",
		Long: `Return the financial installment an intermediate claim is linked to.
An unlinked claim gets a new installment for its amount and date, linked
in the same transaction.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := parseIDs(args)
			if err != nil {
				return a.formatter.Fail(ExitCommandError, ErrCodeInvalidInput, err.Error(), nil)
			}
			inst, created, err := a.store.ResolveIntermediate(cmd.Context(), ids[0])
			if err != nil {
				return a.storeFailure("resolve failed", err)
			}

			res := resolveResult{Installment: inst, Created: created}
			return a.formatter.Render(res, func(w io.Writer) error {
				verb := "is linked to"
				if created {
					verb = "resolved to new"
				}
				_, err := fmt.Fprintf(w, "Intermediate %d %s installment %d (due %s, amount %s).\n",
					ids[0], verb, inst.ID, domain.FormatDate(inst.DueDate), inst.CurrentAmount.StringFixed(2))
				return err
			})
		},
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, len(args))
	for i, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%q is not a positive id", a)
		}
		ids[i] = id
	}
	return ids, nil
}

func amount(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(2)
}

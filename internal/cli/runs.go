package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/reajuste/internal/domain"
	"github.com/roach88/reajuste/internal/store"
)

// ListOptions holds the filters shared by list commands.
type ListOptions struct {
	*RootOptions
	Status        string
	TerminalOnly  bool
	InstallmentID int64
	Limit         int
}

func (o *ListOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Status, "status", "", "only records in this status")
	cmd.Flags().BoolVar(&o.TerminalOnly, "terminal", false, "only terminal failures awaiting an operator")
	cmd.Flags().Int64Var(&o.InstallmentID, "installment", 0, "only records of this installment")
	cmd.Flags().IntVar(&o.Limit, "limit", 50, "maximum records listed")
}

func newRunsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and resolve readjustment runs",
	}

	listOpts := &ListOptions{RootOptions: rootOpts}
	list := &cobra.Command{
		Use:   "list",
		Short: "List readjustment runs, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listRuns(listOpts, cmd)
		},
	}
	listOpts.bind(list)

	var reason string
	skip := &cobra.Command{
		Use:   "skip <run-id>",
		Short: "Close a scheduled or failed run without correcting",
		Long: `Close a scheduled or failed run without correcting the installment.
The period is consumed: the next correction date moves one cadence on.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editRun(rootOpts, cmd, args[0], func(a *app) (domain.ReadjustmentRun, error) {
				return a.store.SkipRun(cmd.Context(), args[0], reason)
			}, "skipped")
		},
	}
	skip.Flags().StringVar(&reason, "reason", "skipped by operator", "reason recorded on the run")

	retry := &cobra.Command{
		Use:   "retry <run-id>",
		Short: "Make a failed run retryable with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editRun(rootOpts, cmd, args[0], func(a *app) (domain.ReadjustmentRun, error) {
				return a.store.ResetRun(cmd.Context(), args[0])
			}, "reset for retry")
		},
	}

	var upcomingAsOf string
	var days int
	upcoming := &cobra.Command{
		Use:   "upcoming",
		Short: "Forecast the corrections due within the next days",
		Long: `List installments whose next correction falls within --days of the
as-of date, soonest first, with the rate and amount each would get and
the index months still missing. Nothing is applied.

Example:
  reajuste runs upcoming --days 30`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			asOf, err := a.asOf(upcomingAsOf)
			if err != nil {
				return err
			}
			return renderForecasts(a, cmd, asOf, days)
		},
	}
	upcoming.Flags().IntVar(&days, "days", 30, "look this many days past the as-of date")
	upcoming.Flags().StringVar(&upcomingAsOf, "as-of", "", "date YYYY-MM-DD (default today in the configured timezone)")

	cmd.AddCommand(list, skip, retry, upcoming)
	return cmd
}

func listRuns(opts *ListOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	status := domain.RunStatus(opts.Status)
	if status != "" && !status.Valid() {
		return a.formatter.Fail(ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("unknown run status %q", opts.Status), nil)
	}

	runs, err := a.store.ListRuns(cmd.Context(), store.RunFilter{
		Status:        status,
		TerminalOnly:  opts.TerminalOnly,
		InstallmentID: opts.InstallmentID,
		Limit:         opts.Limit,
	})
	if err != nil {
		return a.storeFailure("failed to list runs", err)
	}

	return a.formatter.Render(runs, func(w io.Writer) error {
		if len(runs) == 0 {
			fmt.Fprintln(w, "No runs found.")
			return nil
		}
		rows := make([][]string, 0, len(runs))
		for _, r := range runs {
			rows = append(rows, []string{
				r.ID,
				strconv.FormatInt(r.InstallmentID, 10),
				domain.FormatDate(r.PeriodStart),
				string(r.Status),
				strconv.Itoa(r.Attempts),
				strconv.FormatBool(r.Terminal),
				amount(r.PreviousAmount),
				amount(r.TargetAmount),
				r.LastError,
			})
		}
		return a.formatter.Table(
			[]string{"ID", "INSTALLMENT", "PERIOD", "STATUS", "ATTEMPTS", "TERMINAL", "PREVIOUS", "TARGET", "ERROR"},
			rows,
		)
	})
}

func editRun(opts *RootOptions, cmd *cobra.Command, id string, edit func(*app) (domain.ReadjustmentRun, error), verb string) error {
	a, err := openApp(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := edit(a)
	if err != nil {
		return a.storeFailure(fmt.Sprintf("run %s not %s", id, verb), err)
	}
	return a.formatter.Render(run, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Run %s %s (status %s, attempts %d).\n", run.ID, verb, run.Status, run.Attempts)
		return err
	})
}

func newNotificationsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Inspect and retry due-date notifications",
	}

	listOpts := &ListOptions{RootOptions: rootOpts}
	list := &cobra.Command{
		Use:   "list",
		Short: "List notification records, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listNotifications(listOpts, cmd)
		},
	}
	listOpts.bind(list)

	retry := &cobra.Command{
		Use:   "retry <notification-id>",
		Short: "Make a failed notification pending again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.store.ResetNotification(cmd.Context(), args[0])
			if err != nil {
				return a.storeFailure(fmt.Sprintf("notification %s not reset", args[0]), err)
			}
			return a.formatter.Render(rec, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Notification %s pending again.\n", rec.ID)
				return err
			})
		},
	}

	cmd.AddCommand(list, retry)
	return cmd
}

func listNotifications(opts *ListOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	status := domain.NotificationStatus(opts.Status)
	if status != "" && !status.Valid() {
		return a.formatter.Fail(ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("unknown notification status %q", opts.Status), nil)
	}

	recs, err := a.store.ListNotifications(cmd.Context(), store.NotificationFilter{
		Status:        status,
		TerminalOnly:  opts.TerminalOnly,
		InstallmentID: opts.InstallmentID,
		Limit:         opts.Limit,
	})
	if err != nil {
		return a.storeFailure("failed to list notifications", err)
	}

	return a.formatter.Render(recs, func(w io.Writer) error {
		if len(recs) == 0 {
			fmt.Fprintln(w, "No notifications found.")
			return nil
		}
		rows := make([][]string, 0, len(recs))
		for _, r := range recs {
			rows = append(rows, []string{
				r.ID,
				strconv.FormatInt(r.InstallmentID, 10),
				domain.FormatDate(r.DueDate),
				string(r.Channel),
				r.Recipient,
				string(r.Status),
				strconv.Itoa(r.Attempts),
				r.LastError,
			})
		}
		return a.formatter.Table(
			[]string{"ID", "INSTALLMENT", "DUE", "CHANNEL", "RECIPIENT", "STATUS", "ATTEMPTS", "ERROR"},
			rows,
		)
	})
}

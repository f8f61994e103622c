package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/reajuste/internal/domain"
	"github.com/roach88/reajuste/internal/engine"
	"github.com/roach88/reajuste/internal/notify"
	"github.com/roach88/reajuste/internal/runner"
)

// PassOptions holds flags for the pass commands.
type PassOptions struct {
	*RootOptions
	AsOf   string
	DryRun bool
}

func newPassCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PassOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pass",
		Short: "Run one pass now",
		Long: `Run one readjustment or notification pass immediately, under the same
job lock the scheduler uses.

Passes are idempotent per date: re-running a pass for a date already
processed applies and sends nothing new.

Example:
  reajuste pass readjustment
  reajuste pass readjustment --dry-run
  reajuste pass notification --as-of 2025-01-15 --format json`,
	}
	cmd.PersistentFlags().StringVar(&opts.AsOf, "as-of", "", "pass date YYYY-MM-DD (default today in the configured timezone)")

	readjustment := &cobra.Command{
		Use:   "readjustment",
		Short: "Correct installments due as of the date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPass(opts, cmd, true)
		},
	}
	readjustment.Flags().BoolVar(&opts.DryRun, "dry-run", false, "show the corrections the pass would apply without applying them")
	cmd.AddCommand(readjustment)
	cmd.AddCommand(&cobra.Command{
		Use:   "notification",
		Short: "Notify installments due within the notice window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPass(opts, cmd, false)
		},
	})
	return cmd
}

func runPass(opts *PassOptions, cmd *cobra.Command, readjustment bool) error {
	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	asOf, err := a.asOf(opts.AsOf)
	if err != nil {
		return err
	}
	if readjustment && opts.DryRun {
		return renderForecasts(a, cmd, asOf, 0)
	}

	ctx := cmd.Context()
	r, closeLock, err := a.runner(ctx)
	if err != nil {
		return a.formatter.Fail(ExitCommandError, ErrCodeGeneric, "failed to start runner", err)
	}
	defer closeLock()

	a.formatter.VerboseLog("Running %s pass as of %s (timezone %s)", passKind(readjustment), domain.FormatDate(asOf), a.cfg.Timezone)

	if readjustment {
		report, err := r.RunReadjustmentPass(ctx, asOf)
		if err != nil {
			return passFailure(a, err)
		}
		if err := a.formatter.Render(report, func(w io.Writer) error {
			return writeReadjustmentReport(a.formatter, w, report)
		}); err != nil {
			return err
		}
		return attention(report.Terminal + report.Errors)
	}

	report, err := r.RunNotificationPass(ctx, asOf)
	if err != nil {
		return passFailure(a, err)
	}
	if err := a.formatter.Render(report, func(w io.Writer) error {
		return writeNotificationReport(a.formatter, w, report)
	}); err != nil {
		return err
	}
	return attention(report.Terminal + report.Errors)
}

func passKind(readjustment bool) string {
	if readjustment {
		return "readjustment"
	}
	return "notification"
}

func passFailure(a *app, err error) error {
	if errors.Is(err, runner.ErrJobBusy) {
		return a.formatter.Fail(ExitBusy, ErrCodeBusy, "pass already running elsewhere", err)
	}
	return a.formatter.Fail(ExitCommandError, ErrCodeGeneric, "pass failed", err)
}

// attention turns failures that need an operator into exit code 1 after
// the report has been written.
func attention(n int) error {
	if n == 0 {
		return nil
	}
	return NewExitError(ExitFailure, fmt.Sprintf("%d item(s) need operator attention", n))
}

func writeReadjustmentReport(f *OutputFormatter, w io.Writer, r engine.PassReport) error {
	fmt.Fprintf(w, "Readjustment pass %s as of %s\n", r.PassID, domain.FormatDate(r.AsOf))
	return f.Table([]string{"  OUTCOME", "COUNT"}, [][]string{
		{"  recovered", strconv.Itoa(r.Recovered)},
		{"  candidates", strconv.Itoa(r.Candidates)},
		{"  applied", strconv.Itoa(r.Applied)},
		{"  retrying", strconv.Itoa(r.Retrying)},
		{"  terminal", strconv.Itoa(r.Terminal)},
		{"  skipped", strconv.Itoa(r.Skipped)},
		{"  errors", strconv.Itoa(r.Errors)},
		{"  duration", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()},
	})
}

func writeNotificationReport(f *OutputFormatter, w io.Writer, r notify.PassReport) error {
	fmt.Fprintf(w, "Notification pass %s as of %s\n", r.PassID, domain.FormatDate(r.AsOf))
	return f.Table([]string{"  OUTCOME", "COUNT"}, [][]string{
		{"  requeued", strconv.Itoa(r.Requeued)},
		{"  eligible", strconv.Itoa(r.Eligible)},
		{"  claimed", strconv.Itoa(r.Claimed)},
		{"  pending", strconv.Itoa(r.Pending)},
		{"  sent", strconv.Itoa(r.Sent)},
		{"  retrying", strconv.Itoa(r.Retrying)},
		{"  terminal", strconv.Itoa(r.Terminal)},
		{"  skipped", strconv.Itoa(r.Skipped)},
		{"  errors", strconv.Itoa(r.Errors)},
		{"  duration", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()},
	})
}

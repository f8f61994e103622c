package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/reajuste/internal/domain"
	"github.com/roach88/reajuste/internal/indexfeed"
)

const monthLayout = "2006-01"

// IndexFetchOptions holds flags for index fetch.
type IndexFetchOptions struct {
	*RootOptions
	From string
	To   string
}

func newIndexCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Load monthly economic index values",
		Long: `Load monthly economic index values used by index-corrected contracts.
A correction whose window has unpublished months is retried on later
passes, so importing late months is enough to unblock it.`,
	}

	var source string
	importCmd := &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Import a ;-separated Windows-1252 CSV (indice;ano;mes;valor)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return importIndexCSV(rootOpts, cmd, args[0], source)
		},
	}
	importCmd.Flags().StringVar(&source, "source", "", "source recorded on each value (default: file name)")

	fetchOpts := &IndexFetchOptions{RootOptions: rootOpts}
	fetchCmd := &cobra.Command{
		Use:   "fetch <index-code>",
		Short: "Fetch a series from the central bank SGS API",
		Long: `Fetch a monthly series from the central bank SGS API and upsert it.

Example:
  reajuste index fetch IPCA --from 2024-01 --to 2024-12`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetchIndex(fetchOpts, cmd, args[0])
		},
	}
	fetchCmd.Flags().StringVar(&fetchOpts.From, "from", "", "first month YYYY-MM (default: 11 months before --to)")
	fetchCmd.Flags().StringVar(&fetchOpts.To, "to", "", "last month YYYY-MM (default: previous month)")

	cmd.AddCommand(importCmd, fetchCmd)
	return cmd
}

func importIndexCSV(opts *RootOptions, cmd *cobra.Command, path, source string) error {
	a, err := openApp(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	f, err := os.Open(path)
	if err != nil {
		return a.formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "failed to open CSV", err)
	}
	defer f.Close()

	if source == "" {
		source = filepath.Base(path)
	}
	res, err := indexfeed.ImportCSV(cmd.Context(), a.store, f, source)
	if err != nil {
		return a.formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "failed to import CSV", err)
	}
	a.logger.Info("index csv imported", "file", path, "created", res.Created, "updated", res.Updated)

	return a.formatter.Render(res, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Imported %s: %d created, %d updated.\n", filepath.Base(path), res.Created, res.Updated)
		return err
	})
}

func fetchIndex(opts *IndexFetchOptions, cmd *cobra.Command, rawCode string) error {
	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	code := domain.IndexCode(strings.ToUpper(strings.ReplaceAll(rawCode, "-", "")))
	if _, ok := indexfeed.SGSSeries[code]; !ok {
		return a.formatter.Fail(ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("index %q has no SGS series", rawCode), nil)
	}

	to := domain.AddMonths(firstOfMonth(a.today()), -1)
	if opts.To != "" {
		if to, err = time.Parse(monthLayout, opts.To); err != nil {
			return a.formatter.Fail(ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("--to %q is not YYYY-MM", opts.To), nil)
		}
	}
	from := domain.AddMonths(to, -11)
	if opts.From != "" {
		if from, err = time.Parse(monthLayout, opts.From); err != nil {
			return a.formatter.Fail(ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("--from %q is not YYYY-MM", opts.From), nil)
		}
	}
	if from.After(to) {
		return a.formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "--from is after --to", nil)
	}
	// The API filters by day; cover the whole last month.
	lastDay := domain.AddMonths(to, 1).AddDate(0, 0, -1)

	res, err := a.cfg.BCBClient().Sync(cmd.Context(), a.store, code, from, lastDay)
	if err != nil {
		return a.formatter.Fail(ExitFailure, ErrCodeUpstream, fmt.Sprintf("failed to fetch %s", code), err)
	}
	a.logger.Info("index fetched", "index", string(code), "from", from.Format(monthLayout), "to", to.Format(monthLayout),
		"created", res.Created, "updated", res.Updated)

	return a.formatter.Render(res, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Fetched %s %s..%s: %d created, %d updated.\n",
			code, from.Format(monthLayout), to.Format(monthLayout), res.Created, res.Updated)
		return err
	})
}

func firstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

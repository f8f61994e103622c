// Package cli is the reajuste command line: the scheduler daemon, manual
// passes, and the operator tools for runs, notifications, indices and
// intermediate installments.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/reajuste/internal/engine"
	"github.com/roach88/reajuste/internal/notify"
	"github.com/roach88/reajuste/internal/runner"
	"github.com/roach88/reajuste/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	EnvFile    string

	// Overrides for tests. Nil means the production default.
	Clock        engine.Clock
	IDs          engine.PassIDGenerator
	Deliverer    notify.Deliverer
	Lock         runner.JobLock
	StoreOptions []store.Option
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the reajuste CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reajuste",
		Short: "Installment readjustment and due-date notices",
		Long: `reajuste corrects open installments by their contract's economic index
once per correction period, links intermediate claims to financial
installments, and notifies recipients ahead of each due date.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before REAJUSTE_* overrides")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newPassCommand(opts))
	cmd.AddCommand(newRunsCommand(opts))
	cmd.AddCommand(newNotificationsCommand(opts))
	cmd.AddCommand(newIndexCommand(opts))
	cmd.AddCommand(newLinkCommand(opts))
	cmd.AddCommand(newUnlinkCommand(opts))
	cmd.AddCommand(newResolveCommand(opts))

	return cmd
}

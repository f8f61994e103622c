package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/reajuste/internal/api"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	NoHTTP bool
}

func newServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daily scheduler and the operator API",
		Long: `Run both daily jobs on their configured schedules and serve the
operator HTTP API until interrupted.

Several instances may run side by side against one database; the job
lock (a row in the database, or Redis when redis.addr is set) lets only
one of them run each pass.

Example:
  reajuste serve --config /etc/reajuste.yaml
  REAJUSTE_HTTP_ADDR=:9090 reajuste serve --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.NoHTTP, "no-http", false, "run the scheduler without the HTTP API")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	r, closeLock, err := a.runner(ctx)
	if err != nil {
		return a.formatter.Fail(ExitCommandError, ErrCodeGeneric, "failed to start runner", err)
	}
	defer closeLock()

	errs := make(chan error, 2)
	go func() { errs <- r.Start(ctx) }()
	workers := 1

	if !opts.NoHTTP {
		loc, _ := a.cfg.Location()
		srv := api.New(a.store, r, api.Config{
			Addr:         a.cfg.HTTP.Addr,
			ReadTimeout:  a.cfg.HTTP.ReadTimeout,
			WriteTimeout: a.cfg.HTTP.WriteTimeout,
			Now:          a.now,
			Location:     loc,
			Logger:       a.logger,
			Forecaster:   a.readjuster(),
		})
		go func() { errs <- srv.Run(ctx) }()
		workers++
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Scheduler started. Press Ctrl-C to stop.")

	var firstErr error
	for i := 0; i < workers; i++ {
		err := <-errs
		if err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	if firstErr != nil {
		return WrapExitError(ExitFailure, "serve stopped", firstErr)
	}

	a.logger.Info("stopped gracefully")
	return nil
}

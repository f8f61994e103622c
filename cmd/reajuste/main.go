package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/roach88/reajuste/internal/cli"
)

func main() {
	err := cli.NewRootCommand().ExecuteContext(context.Background())
	if err == nil {
		return
	}

	// Command failures were already reported by the formatter; usage and
	// flag errors from cobra were not.
	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}

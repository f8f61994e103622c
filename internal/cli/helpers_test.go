package cli

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/reajuste/internal/engine"
	"github.com/roach88/reajuste/internal/store"
	"github.com/roach88/reajuste/internal/testutil"
)

// cliEnv is a database shared between a seeding store and CLI runs.
type cliEnv struct {
	dir   string
	clock *testutil.FakeClock
	store *store.Store
	ids   func() string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "reajuste.db")
	t.Setenv("REAJUSTE_DB_DSN", dbPath)
	t.Setenv("REAJUSTE_TIMEZONE", "UTC")

	clock := testutil.NewFakeClock(testutil.Epoch)
	s, err := store.Open(dbPath, store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return &cliEnv{dir: dir, clock: clock, store: s, ids: sequence("run")}
}

// sequence returns prefix-1, prefix-2, ... across every CLI run of a test.
func sequence(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

type result struct {
	out, log string
	err      error
}

// run executes the root command with deterministic clock and IDs.
func (e *cliEnv) run(t *testing.T, args ...string) result {
	t.Helper()
	return e.runWith(t, &RootOptions{}, args...)
}

func (e *cliEnv) runWith(t *testing.T, opts *RootOptions, args ...string) result {
	t.Helper()
	opts.EnvFile = filepath.Join(e.dir, ".env")
	opts.Clock = e.clock
	if opts.IDs == nil {
		opts.IDs = engine.NewFixedGenerator("pass-1")
	}
	opts.StoreOptions = append(opts.StoreOptions, store.WithIDGenerator(e.ids))

	out, log := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := newRootCommand(opts)
	cmd.SetOut(out)
	cmd.SetErr(log)
	cmd.SetArgs(args)
	cmd.SetContext(context.Background())
	err := cmd.Execute()
	return result{out: out.String(), log: log.String(), err: err}
}

package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/reajuste/internal/domain"
)

// testClock is a settable clock for store stamps.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// createTestStore creates a new temp-dir SQLite store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, _ := createTestStoreWithClock(t)
	return s
}

// createTestStoreWithClock creates a store whose stamps come from the
// returned clock, starting at 2025-01-10 09:00 UTC.
func createTestStoreWithClock(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)}
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// postgresDSNEnv names a scratch Postgres database. Tests that need one
// are skipped when it is unset.
const postgresDSNEnv = "REAJUSTE_TEST_PG_DSN"

func createPostgresTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", postgresDSNEnv)
	}
	s, err := Connect(Config{Driver: DriverPostgres, DSN: dsn, MaxOpenConns: 16})
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func date(s string) time.Time {
	d, err := domain.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// createTestContract creates an IPCA contract with a 12-month cadence
// anchored on 2024-01-15.
func createTestContract(t *testing.T, s *Store, number string) domain.Contract {
	t.Helper()
	c, err := s.CreateContract(context.Background(), domain.Contract{
		Number:        number,
		IndexCode:     domain.IndexIPCA,
		CadenceMonths: 12,
		AnchorDate:    date("2024-01-15"),
		Recipient: domain.Recipient{
			Name:    "Maria Silva",
			Email:   "maria@example.com",
			Channel: domain.ChannelEmail,
		},
	})
	if err != nil {
		t.Fatalf("CreateContract failed: %v", err)
	}
	return c
}

// createTestInstallment creates an open installment due on dueDate with
// the given amount. Its first correction is due 2025-01-15.
func createTestInstallment(t *testing.T, s *Store, contractID int64, seq int, dueDate, amount string) domain.FinancialInstallment {
	t.Helper()
	inst, err := s.CreateInstallment(context.Background(), domain.FinancialInstallment{
		ContractID:    contractID,
		Sequence:      seq,
		DueDate:       date(dueDate),
		NominalAmount: dec(amount),
	})
	if err != nil {
		t.Fatalf("CreateInstallment failed: %v", err)
	}
	return inst
}

func intermediateFor(contractID int64, seq int, amount string) domain.IntermediateInstallment {
	return domain.IntermediateInstallment{
		ContractID:  contractID,
		Sequence:    seq,
		ClaimAmount: dec(amount),
		ClaimDate:   date("2025-06-30"),
	}
}

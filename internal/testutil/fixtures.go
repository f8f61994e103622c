package testutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reajuste/internal/domain"
	"github.com/roach88/reajuste/internal/store"
)

// Epoch is the virtual start time used across package tests.
var Epoch = time.Date(2025, 1, 15, 1, 0, 0, 0, time.UTC)

// OpenStore opens a temp-dir SQLite store stamped by clock and closes it
// on cleanup.
func OpenStore(t testing.TB, clock *FakeClock) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "reajuste.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Date parses a YYYY-MM-DD date or panics.
func Date(s string) time.Time {
	d, err := domain.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Dec parses a decimal or panics.
func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// CreateContract inserts c after filling unset fields: number C-<n>, IPCA,
// 12-month cadence anchored on 2024-01-15, e-mail recipient.
func CreateContract(t testing.TB, s *store.Store, c domain.Contract) domain.Contract {
	t.Helper()
	if c.Number == "" {
		c.Number = "C-" + time.Now().Format("150405.000000000")
	}
	if c.IndexCode == "" {
		c.IndexCode = domain.IndexIPCA
	}
	if c.CadenceMonths == 0 {
		c.CadenceMonths = 12
	}
	if c.AnchorDate.IsZero() {
		c.AnchorDate = Date("2024-01-15")
	}
	if c.Recipient.Channel == "" {
		c.Recipient = domain.Recipient{
			Name:    "Maria Silva",
			Email:   "maria@example.com",
			Phone:   "+5511999990000",
			Channel: domain.ChannelEmail,
		}
	}
	out, err := s.CreateContract(context.Background(), c)
	require.NoError(t, err)
	return out
}

// CreateInstallment inserts an open installment.
func CreateInstallment(t testing.TB, s *store.Store, contractID int64, seq int, due, amount string) domain.FinancialInstallment {
	t.Helper()
	inst, err := s.CreateInstallment(context.Background(), domain.FinancialInstallment{
		ContractID:    contractID,
		Sequence:      seq,
		DueDate:       Date(due),
		NominalAmount: Dec(amount),
	})
	require.NoError(t, err)
	return inst
}

// SeedIndex stores consecutive monthly percents for code starting at
// year/month.
func SeedIndex(t testing.TB, s *store.Store, code domain.IndexCode, year, month int, percents ...string) {
	t.Helper()
	for i, p := range percents {
		key := domain.MonthKey(year, month) + i
		_, err := s.UpsertIndexValue(context.Background(), domain.IndexValue{
			Code:    code,
			Year:    key / 12,
			Month:   key%12 + 1,
			Percent: Dec(p),
			Source:  "test",
		})
		require.NoError(t, err)
	}
}

package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reajuste/internal/domain"
	mock_engine "github.com/roach88/reajuste/internal/engine/mocks"
	"github.com/roach88/reajuste/internal/store"
	"github.com/roach88/reajuste/internal/testutil"
)

type fixture struct {
	store *store.Store
	clock *testutil.FakeClock
	rates *mock_engine.MockRateSource
}

func setup(t *testing.T) fixture {
	t.Helper()
	clock := testutil.NewFakeClock(testutil.Epoch)
	return fixture{
		store: testutil.OpenStore(t, clock),
		clock: clock,
		rates: mock_engine.NewMockRateSource(gomock.NewController(t)),
	}
}

func (f fixture) readjuster(cfg Config) *Readjuster {
	cfg.Clock = f.clock
	cfg.Logger = testutil.DiscardLogger()
	return New(f.store, f.rates, cfg)
}

func TestRunPass_AppliesCorrectionOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	c := testutil.CreateContract(t, f.store, domain.Contract{Number: "C-100"})
	inst := testutil.CreateInstallment(t, f.store, c.ID, 1, "2025-03-10", "100.00")
	require.True(t, inst.NextCorrectionOn.Equal(testutil.Date("2025-01-15")))

	f.rates.EXPECT().
		Rate(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, got domain.Contract, period time.Time) (decimal.Decimal, error) {
			assert.Equal(t, c.ID, got.ID)
			assert.True(t, period.Equal(testutil.Date("2025-01-15")), "period = %v", period)
			return testutil.Dec("0.10"), nil
		}).
		Times(1)

	r := f.readjuster(Config{IDs: NewFixedGenerator("pass-1", "pass-2")})
	asOf := testutil.Date("2025-01-15")

	report, err := r.RunPass(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, "pass-1", report.PassID)
	assert.Equal(t, 1, report.Candidates)
	assert.Equal(t, 1, report.Applied)

	got, err := f.store.GetInstallment(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentAmount.Equal(testutil.Dec("110.00")), "amount = %s", got.CurrentAmount)
	assert.True(t, got.LastCorrectedOn.Equal(asOf))
	assert.True(t, got.NextCorrectionOn.Equal(testutil.Date("2026-01-15")))

	// Same date again: nothing left to do.
	report, err = r.RunPass(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Candidates)
	assert.Equal(t, 0, report.Applied)

	got, err = f.store.GetInstallment(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentAmount.Equal(testutil.Dec("110.00")))

	applied, err := f.store.ListRuns(ctx, store.RunFilter{Status: domain.RunApplied})
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.True(t, applied[0].AppliedDelta.Equal(testutil.Dec("10.00")))
	assert.True(t, applied[0].Rate.Equal(testutil.Dec("0.10")))
}

func TestRunPass_NotDueYet(t *testing.T) {
	f := setup(t)

	c := testutil.CreateContract(t, f.store, domain.Contract{Number: "C-1"})
	testutil.CreateInstallment(t, f.store, c.ID, 1, "2025-03-10", "100.00")

	report, err := f.readjuster(Config{}).RunPass(context.Background(), testutil.Date("2025-01-14"))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Candidates)
}

func TestRunPass_FixedContractsNeverDue(t *testing.T) {
	f := setup(t)

	c := testutil.CreateContract(t, f.store, domain.Contract{Number: "C-1", IndexCode: domain.IndexNone})
	testutil.CreateInstallment(t, f.store, c.ID, 1, "2025-03-10", "100.00")

	report, err := f.readjuster(Config{}).RunPass(context.Background(), testutil.Date("2030-01-01"))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Candidates)
}

func TestRunPass_NegativeCorrectionIsTerminal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	c := testutil.CreateContract(t, f.store, domain.Contract{Number: "C-1"})
	inst := testutil.CreateInstallment(t, f.store, c.ID, 1, "2025-03-10", "100.00")

	f.rates.EXPECT().Rate(gomock.Any(), gomock.Any(), gomock.Any()).Return(testutil.Dec("-0.05"), nil).Times(1)

	r := f.readjuster(Config{})
	report, err := r.RunPass(ctx, testutil.Date("2025-01-15"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Terminal)

	runs, err := f.store.ListRuns(ctx, store.RunFilter{TerminalOnly: true})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.ClassValidation, runs[0].Class)
	assert.Contains(t, runs[0].LastError, "negative correction")

	got, err := f.store.GetInstallment(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentAmount.Equal(testutil.Dec("100.00")), "amount untouched")

	// Still due, but the closed run is never retried automatically.
	f.clock.Advance(48 * time.Hour)
	report, err = r.RunPass(ctx, testutil.Date("2025-01-17"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Candidates)
	assert.Equal(t, 1, report.Skipped)
}

func TestRunPass_ReductionAllowedByContract(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	c := testutil.CreateContract(t, f.store, domain.Contract{Number: "C-1", AllowReduction: true})
	inst := testutil.CreateInstallment(t, f.store, c.ID, 1, "2025-03-10", "100.00")

	f.rates.EXPECT().Rate(gomock.Any(), gomock.Any(), gomock.Any()).Return(testutil.Dec("-0.05"), nil)

	report, err := f.readjuster(Config{}).RunPass(ctx, testutil.Date("2025-01-15"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)

	got, err := f.store.GetInstallment(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentAmount.Equal(testutil.Dec("95.00")), "amount = %s", got.CurrentAmount)
}

func TestRunPass_PolicyErrorIsTerminal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	c := testutil.CreateContract(t, f.store, domain.Contract{Number: "C-1"})
	testutil.CreateInstallment(t, f.store, c.ID, 1, "2025-03-10", "100.00")

	f.rates.EXPECT().Rate(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(decimal.Zero, &PolicyError{ContractID: c.ID, Reason: "no fixed rate"})

	report, err := f.readjuster(Config{}).RunPass(ctx, testutil.Date("2025-01-15"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Terminal)

	runs, err := f.store.ListRuns(ctx, store.RunFilter{TerminalOnly: true})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.ClassValidation, runs[0].Class)
}

func TestRunPass_TransientRetriesWithBackoff(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	c := testutil.CreateContract(t, f.store, domain.Contract{Number: "C-1"})
	testutil.CreateInstallment(t, f.store, c.ID, 1, "2025-03-10", "100.00")

	unpublished := fmt.Errorf("IPCA 12/2024: %w", ErrRateUnavailable)
	f.rates.EXPECT().Rate(gomock.Any(), gomock.Any(), gomock.Any()).Return(decimal.Zero, unpublished).Times(2)

	r := f.readjuster(Config{MaxAttempts: 2, BackoffBase: time.Hour, BackoffMax: 4 * time.Hour})
	asOf := testutil.Date("2025-01-15")

	report, err := r.RunPass(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retrying)

	runs, err := f.store.ListRuns(ctx, store.RunFilter{Status: domain.RunFailed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Terminal)
	assert.Equal(t, domain.ClassTransient, runs[0].Class)
	require.NotNil(t, runs[0].NextAttemptAt)
	assert.True(t, runs[0].NextAttemptAt.Equal(testutil.Epoch.Add(time.Hour)))

	// Within the backoff window the run is left alone.
	f.clock.Advance(30 * time.Minute)
	report, err = r.RunPass(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)

	// Second attempt exhausts the budget.
	f.clock.Advance(time.Hour)
	report, err = r.RunPass(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Terminal)

	got, err := f.store.GetRun(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.True(t, got.Terminal)
	assert.Equal(t, 2, got.Attempts)
}

func TestRunPass_FailureDoesNotBlockOthers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	bad := testutil.CreateContract(t, f.store, domain.Contract{Number: "C-BAD"})
	good := testutil.CreateContract(t, f.store, domain.Contract{Number: "C-GOOD"})
	testutil.CreateInstallment(t, f.store, bad.ID, 1, "2025-03-10", "100.00")
	okInst := testutil.CreateInstallment(t, f.store, good.ID, 1, "2025-03-10", "200.00")

	f.rates.EXPECT().Rate(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, c domain.Contract, _ time.Time) (decimal.Decimal, error) {
			if c.ID == bad.ID {
				return decimal.Zero, ErrRateUnavailable
			}
			return testutil.Dec("0.05"), nil
		}).
		Times(2)

	report, err := f.readjuster(Config{Workers: 2}).RunPass(ctx, testutil.Date("2025-01-15"))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Candidates)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 1, report.Retrying)

	got, err := f.store.GetInstallment(ctx, okInst.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentAmount.Equal(testutil.Dec("210.00")))
}

func TestRunPass_ConcurrentPassesApplyOnce(t *testing.T) {
	clock := testutil.NewFakeClock(testutil.Epoch)
	s := testutil.OpenStore(t, clock)
	ctx := context.Background()

	c := testutil.CreateContract(t, s, domain.Contract{Number: "C-1"})
	var ids []int64
	for i := 1; i <= 6; i++ {
		ids = append(ids, testutil.CreateInstallment(t, s, c.ID, i, "2025-03-10", "100.00").ID)
	}

	cfg := Config{Workers: 3, Clock: clock, Logger: testutil.DiscardLogger()}
	rates := FixedRateSource(testutil.Dec("0.10"))

	const passes = 4
	reports := make([]PassReport, passes)
	var wg sync.WaitGroup
	for i := 0; i < passes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			reports[i], err = New(s, rates, cfg).RunPass(ctx, testutil.Date("2025-01-15"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, r := range reports {
		applied += r.Applied
	}
	assert.Equal(t, len(ids), applied, "each installment applied exactly once across passes")

	for _, id := range ids {
		got, err := s.GetInstallment(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.CurrentAmount.Equal(testutil.Dec("110.00")), "installment %d amount = %s", id, got.CurrentAmount)
	}
}

func TestRunPass_RecoversAbandonedRun(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	c := testutil.CreateContract(t, f.store, domain.Contract{Number: "C-1"})
	inst := testutil.CreateInstallment(t, f.store, c.ID, 1, "2025-03-10", "100.00")

	// A worker claimed the run and died.
	_, err := f.store.BeginReadjustmentRun(ctx, inst.ID, inst.NextCorrectionOn, testutil.Date("2025-01-15"))
	require.NoError(t, err)

	f.rates.EXPECT().Rate(gomock.Any(), gomock.Any(), gomock.Any()).Return(testutil.Dec("0.10"), nil).Times(1)
	r := f.readjuster(Config{LeaseTimeout: 10 * time.Minute})

	// Lease not expired: the run is still owned.
	report, err := r.RunPass(ctx, testutil.Date("2025-01-15"))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Recovered)
	assert.Equal(t, 1, report.Skipped)

	f.clock.Advance(15 * time.Minute)
	report, err = r.RunPass(ctx, testutil.Date("2025-01-15"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)
	assert.Equal(t, 1, report.Applied)

	got, err := f.store.GetInstallment(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentAmount.Equal(testutil.Dec("110.00")))
}

func TestRunPass_InstallmentPaidMidRunClosesRun(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	c := testutil.CreateContract(t, f.store, domain.Contract{Number: "C-1"})
	inst := testutil.CreateInstallment(t, f.store, c.ID, 1, "2025-03-10", "100.00")

	f.rates.EXPECT().Rate(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ domain.Contract, _ time.Time) (decimal.Decimal, error) {
			require.NoError(t, f.store.SetInstallmentStatus(ctx, inst.ID, domain.InstallmentPaid))
			return testutil.Dec("0.10"), nil
		}).
		Times(1)

	report, err := f.readjuster(Config{}).RunPass(ctx, testutil.Date("2025-01-15"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Applied)

	runs, err := f.store.ListRuns(ctx, store.RunFilter{InstallmentID: inst.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunSkipped, runs[0].Status)
	assert.True(t, runs[0].Closed())
	assert.Contains(t, runs[0].LastError, "installment no longer open")

	got, err := f.store.GetInstallment(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentAmount.Equal(testutil.Dec("100.00")))
}

func TestRunPass_CancelledContext(t *testing.T) {
	f := setup(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.readjuster(Config{}).RunPass(ctx, testutil.Date("2025-01-15"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfig_Defaults(t *testing.T) {
	r := New(nil, nil, Config{})
	cfg := r.Config()

	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, DefaultBackoffBase, cfg.BackoffBase)
	assert.Equal(t, DefaultBackoffMax, cfg.BackoffMax)
	assert.Equal(t, DefaultLeaseTimeout, cfg.LeaseTimeout)
	assert.False(t, cfg.Policy.MaxAmount.IsZero())
	assert.NotNil(t, cfg.Clock)
	assert.NotNil(t, cfg.IDs)
	assert.NotNil(t, cfg.Logger)
}

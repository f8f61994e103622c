package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/roach88/reajuste/internal/domain"
)

func TestFindDueForCorrection(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	c := createTestContract(t, s, "C-1")
	first := createTestInstallment(t, s, c.ID, 1, "2025-02-10", "1000.00")
	second := createTestInstallment(t, s, c.ID, 2, "2025-03-10", "1000.00")
	paid := createTestInstallment(t, s, c.ID, 3, "2025-04-10", "1000.00")
	if err := s.SetInstallmentStatus(ctx, paid.ID, domain.InstallmentPaid); err != nil {
		t.Fatalf("SetInstallmentStatus failed: %v", err)
	}

	fixed, err := s.CreateContract(ctx, domain.Contract{
		Number:        "C-FIXO",
		IndexCode:     domain.IndexNone,
		CadenceMonths: 12,
		AnchorDate:    date("2024-01-15"),
	})
	if err != nil {
		t.Fatalf("CreateContract failed: %v", err)
	}
	uncorrected := createTestInstallment(t, s, fixed.ID, 1, "2025-02-10", "500.00")
	if !uncorrected.NextCorrectionOn.IsZero() {
		t.Errorf("FIXO installment NextCorrectionOn = %v, want zero", uncorrected.NextCorrectionOn)
	}

	due, err := s.FindDueForCorrection(ctx, date("2025-01-14"))
	if err != nil {
		t.Fatalf("FindDueForCorrection failed: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("expected nothing due before 2025-01-15, got %d", len(due))
	}

	due, err = s.FindDueForCorrection(ctx, date("2025-01-15"))
	if err != nil {
		t.Fatalf("FindDueForCorrection failed: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due installments, got %d", len(due))
	}
	if due[0].ID != first.ID || due[1].ID != second.ID {
		t.Errorf("due order = [%d %d], want [%d %d]", due[0].ID, due[1].ID, first.ID, second.ID)
	}
	if !due[0].NextCorrectionOn.Equal(date("2025-01-15")) {
		t.Errorf("NextCorrectionOn = %v, want 2025-01-15", due[0].NextCorrectionOn)
	}
}

func TestBeginReadjustmentRun_SnapshotsAndClaims(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	c := createTestContract(t, s, "C-1")
	inst := createTestInstallment(t, s, c.ID, 1, "2025-02-10", "1000.00")

	run, err := s.BeginReadjustmentRun(ctx, inst.ID, inst.NextCorrectionOn, date("2025-01-15"))
	if err != nil {
		t.Fatalf("BeginReadjustmentRun failed: %v", err)
	}

	if run.Status != domain.RunProcessing {
		t.Errorf("Status = %q, want processing", run.Status)
	}
	if run.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", run.Attempts)
	}
	if run.PreviousAmount == nil || !run.PreviousAmount.Equal(dec("1000")) {
		t.Errorf("PreviousAmount = %v, want 1000", run.PreviousAmount)
	}
	if run.ContractID != c.ID {
		t.Errorf("ContractID = %d, want %d", run.ContractID, c.ID)
	}
	if run.StartedAt == nil {
		t.Error("StartedAt not set")
	}

	_, err = s.BeginReadjustmentRun(ctx, inst.ID, inst.NextCorrectionOn, date("2025-01-15"))
	if !IsAlreadyProcessing(err) {
		t.Errorf("second begin error = %v, want AlreadyProcessingError", err)
	}
}

func TestBeginReadjustmentRun_ConcurrentExactlyOneWinner(t *testing.T) {
	s := createTestStore(t)
	c := createTestContract(t, s, "C-1")
	inst := createTestInstallment(t, s, c.ID, 1, "2025-02-10", "1000.00")

	raceBegin(t, s, inst)
}

// SQLite serializes every writer; Postgres has to get it right with row
// locks and the unique period index under real parallel connections.
func TestBeginReadjustmentRun_ConcurrentExactlyOneWinner_Postgres(t *testing.T) {
	s := createPostgresTestStore(t)
	c := createTestContract(t, s, "C-PG-"+uuid.NewString())
	inst := createTestInstallment(t, s, c.ID, 1, "2025-02-10", "1000.00")

	raceBegin(t, s, inst)
}

// raceBegin starts the same period from several goroutines and checks a
// single run came out of it.
func raceBegin(t *testing.T, s *Store, inst domain.FinancialInstallment) {
	t.Helper()
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.BeginReadjustmentRun(ctx, inst.ID, inst.NextCorrectionOn, date("2025-01-15"))
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	var winners, busy int
	for err := range errs {
		switch {
		case err == nil:
			winners++
		case IsAlreadyProcessing(err):
			busy++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
	if busy != workers-1 {
		t.Errorf("AlreadyProcessing = %d, want %d", busy, workers-1)
	}

	runs, err := s.ListRuns(ctx, RunFilter{InstallmentID: inst.ID})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("runs = %d, want 1", len(runs))
	}
}

func TestCommitReadjustment_AppliesOnce(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	c := createTestContract(t, s, "C-1")
	inst := createTestInstallment(t, s, c.ID, 1, "2025-02-10", "100.00")

	run, err := s.BeginReadjustmentRun(ctx, inst.ID, inst.NextCorrectionOn, date("2025-01-15"))
	if err != nil {
		t.Fatalf("BeginReadjustmentRun failed: %v", err)
	}
	if err := s.RecordTarget(ctx, run.ID, dec("0.10"), dec("110.00")); err != nil {
		t.Fatalf("RecordTarget failed: %v", err)
	}

	applied, err := s.CommitReadjustment(ctx, run.ID, dec("110.00"))
	if err != nil {
		t.Fatalf("CommitReadjustment failed: %v", err)
	}
	if applied.Status != domain.RunApplied {
		t.Errorf("Status = %q, want applied", applied.Status)
	}
	if applied.AppliedDelta == nil || !applied.AppliedDelta.Equal(dec("10")) {
		t.Errorf("AppliedDelta = %v, want 10", applied.AppliedDelta)
	}
	if applied.Rate == nil || !applied.Rate.Equal(dec("0.10")) {
		t.Errorf("Rate = %v, want 0.10", applied.Rate)
	}

	got, err := s.GetInstallment(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstallment failed: %v", err)
	}
	if !got.CurrentAmount.Equal(dec("110.00")) {
		t.Errorf("CurrentAmount = %s, want 110.00", got.CurrentAmount)
	}
	if !got.NominalAmount.Equal(dec("100.00")) {
		t.Errorf("NominalAmount = %s, want 100.00", got.NominalAmount)
	}
	if !got.LastCorrectedOn.Equal(date("2025-01-15")) {
		t.Errorf("LastCorrectedOn = %v, want 2025-01-15", got.LastCorrectedOn)
	}
	if !got.NextCorrectionOn.Equal(date("2026-01-15")) {
		t.Errorf("NextCorrectionOn = %v, want 2026-01-15", got.NextCorrectionOn)
	}

	// Same period again: consumed.
	_, err = s.BeginReadjustmentRun(ctx, inst.ID, date("2025-01-15"), date("2025-01-15"))
	if !errors.Is(err, ErrRunClosed) {
		t.Errorf("begin after apply error = %v, want ErrRunClosed", err)
	}

	// Committing twice is refused.
	_, err = s.CommitReadjustment(ctx, run.ID, dec("110.00"))
	if !errors.Is(err, ErrNotProcessing) {
		t.Errorf("second commit error = %v, want ErrNotProcessing", err)
	}

	due, err := s.FindDueForCorrection(ctx, date("2025-01-15"))
	if err != nil {
		t.Fatalf("FindDueForCorrection failed: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("expected no candidates after apply, got %d", len(due))
	}

	applies, err := s.ListRuns(ctx, RunFilter{Status: domain.RunApplied, InstallmentID: inst.ID})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(applies) != 1 {
		t.Errorf("applied runs = %d, want 1", len(applies))
	}
}

func TestCommitReadjustment_GuardsSnapshot(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	c := createTestContract(t, s, "C-1")
	inst := createTestInstallment(t, s, c.ID, 1, "2025-02-10", "100.00")

	run, err := s.BeginReadjustmentRun(ctx, inst.ID, inst.NextCorrectionOn, date("2025-01-15"))
	if err != nil {
		t.Fatalf("BeginReadjustmentRun failed: %v", err)
	}

	// Someone else changes the amount in between.
	if _, err := s.db.Exec("UPDATE financial_installments SET current_amount = '105' WHERE id = ?", inst.ID); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	_, err = s.CommitReadjustment(ctx, run.ID, dec("110.00"))
	if !IsCommitConflict(err) {
		t.Fatalf("commit error = %v, want CommitConflictError", err)
	}
	if !IsConcurrency(err) {
		t.Error("commit conflict should classify as concurrency")
	}

	got, err := s.GetInstallment(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstallment failed: %v", err)
	}
	if !got.CurrentAmount.Equal(dec("105")) {
		t.Errorf("CurrentAmount = %s, want unchanged 105", got.CurrentAmount)
	}
	if !got.LastCorrectedOn.Equal(date("2024-01-15")) {
		t.Errorf("LastCorrectedOn = %v, want unchanged", got.LastCorrectedOn)
	}
}

func TestBeginReadjustmentRun_InstallmentNotOpen(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	c := createTestContract(t, s, "C-1")
	inst := createTestInstallment(t, s, c.ID, 1, "2025-02-10", "100.00")
	if err := s.SetInstallmentStatus(ctx, inst.ID, domain.InstallmentCancelled); err != nil {
		t.Fatalf("SetInstallmentStatus failed: %v", err)
	}

	_, err := s.BeginReadjustmentRun(ctx, inst.ID, inst.NextCorrectionOn, date("2025-01-15"))
	if !errors.Is(err, ErrInstallmentNotOpen) {
		t.Errorf("error = %v, want ErrInstallmentNotOpen", err)
	}
}

func TestFailRun_RetryBackoff(t *testing.T) {
	s, clock := createTestStoreWithClock(t)
	ctx := context.Background()

	c := createTestContract(t, s, "C-1")
	inst := createTestInstallment(t, s, c.ID, 1, "2025-02-10", "100.00")

	run, err := s.BeginReadjustmentRun(ctx, inst.ID, inst.NextCorrectionOn, date("2025-01-15"))
	if err != nil {
		t.Fatalf("BeginReadjustmentRun failed: %v", err)
	}

	next := clock.Now().Add(time.Minute)
	failed, err := s.FailRun(ctx, run.ID, domain.RunFailure{
		Reason:        "index not published",
		Class:         domain.ClassTransient,
		NextAttemptAt: &next,
	})
	if err != nil {
		t.Fatalf("FailRun failed: %v", err)
	}
	if failed.Status != domain.RunFailed || failed.Terminal {
		t.Errorf("failed run = %s terminal=%v, want retryable failed", failed.Status, failed.Terminal)
	}
	if failed.Class != domain.ClassTransient || failed.LastError != "index not published" {
		t.Errorf("failure recorded as %q/%q", failed.Class, failed.LastError)
	}

	_, err = s.BeginReadjustmentRun(ctx, inst.ID, inst.NextCorrectionOn, date("2025-01-15"))
	if !errors.Is(err, ErrRetryNotDue) {
		t.Fatalf("begin inside backoff error = %v, want ErrRetryNotDue", err)
	}

	clock.Advance(2 * time.Minute)
	retried, err := s.BeginReadjustmentRun(ctx, inst.ID, inst.NextCorrectionOn, date("2025-01-16"))
	if err != nil {
		t.Fatalf("begin after backoff failed: %v", err)
	}
	if retried.ID != run.ID {
		t.Errorf("retry created a new run %s, want %s", retried.ID, run.ID)
	}
	if retried.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", retried.Attempts)
	}
	if !retried.AsOf.Equal(date("2025-01-16")) {
		t.Errorf("AsOf = %v, want 2025-01-16", retried.AsOf)
	}
}

func TestFailRun_TerminalAndReset(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	c := createTestContract(t, s, "C-1")
	inst := createTestInstallment(t, s, c.ID, 1, "2025-02-10", "100.00")

	run, err := s.BeginReadjustmentRun(ctx, inst.ID, inst.NextCorrectionOn, date("2025-01-15"))
	if err != nil {
		t.Fatalf("BeginReadjustmentRun failed: %v", err)
	}
	if _, err := s.FailRun(ctx, run.ID, domain.RunFailure{
		Reason:   "negative correction",
		Class:    domain.ClassValidation,
		Terminal: true,
	}); err != nil {
		t.Fatalf("FailRun failed: %v", err)
	}

	_, err = s.BeginReadjustmentRun(ctx, inst.ID, inst.NextCorrectionOn, date("2025-01-15"))
	if !errors.Is(err, ErrRunClosed) {
		t.Fatalf("begin on terminal run error = %v, want ErrRunClosed", err)
	}

	terminal, err := s.ListRuns(ctx, RunFilter{TerminalOnly: true})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(terminal) != 1 || terminal[0].ID != run.ID {
		t.Errorf("terminal runs = %v, want [%s]", terminal, run.ID)
	}

	reset, err := s.ResetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("ResetRun failed: %v", err)
	}
	if reset.Terminal || reset.Attempts != 0 {
		t.Errorf("reset run terminal=%v attempts=%d", reset.Terminal, reset.Attempts)
	}

	if _, err := s.BeginReadjustmentRun(ctx, inst.ID, inst.NextCorrectionOn, date("2025-01-15")); err != nil {
		t.Errorf("begin after reset failed: %v", err)
	}
}

func TestFailRun_RequiresProcessing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.FailRun(ctx, "missing", domain.RunFailure{Reason: "x"})
	if !errors.Is(err, ErrNotProcessing) {
		t.Errorf("error = %v, want ErrNotProcessing", err)
	}
}

func TestSkipRun_ConsumesPeriod(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	c := createTestContract(t, s, "C-1")
	inst := createTestInstallment(t, s, c.ID, 1, "2025-02-10", "100.00")

	run, err := s.BeginReadjustmentRun(ctx, inst.ID, inst.NextCorrectionOn, date("2025-01-15"))
	if err != nil {
		t.Fatalf("BeginReadjustmentRun failed: %v", err)
	}

	_, err = s.SkipRun(ctx, run.ID, "operator")
	if !IsAlreadyProcessing(err) {
		t.Fatalf("skip while processing error = %v, want AlreadyProcessingError", err)
	}

	if _, err := s.FailRun(ctx, run.ID, domain.RunFailure{Reason: "x", Class: domain.ClassValidation, Terminal: true}); err != nil {
		t.Fatalf("FailRun failed: %v", err)
	}

	skipped, err := s.SkipRun(ctx, run.ID, "waived by operator")
	if err != nil {
		t.Fatalf("SkipRun failed: %v", err)
	}
	if skipped.Status != domain.RunSkipped {
		t.Errorf("Status = %q, want skipped", skipped.Status)
	}

	got, err := s.GetInstallment(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstallment failed: %v", err)
	}
	if !got.CurrentAmount.Equal(dec("100")) {
		t.Errorf("CurrentAmount = %s, want unchanged 100", got.CurrentAmount)
	}
	if !got.NextCorrectionOn.Equal(date("2026-01-15")) {
		t.Errorf("NextCorrectionOn = %v, want 2026-01-15", got.NextCorrectionOn)
	}

	_, err = s.SkipRun(ctx, run.ID, "again")
	if !errors.Is(err, ErrRunClosed) {
		t.Errorf("second skip error = %v, want ErrRunClosed", err)
	}
}

func TestRecoverStaleRuns(t *testing.T) {
	s, clock := createTestStoreWithClock(t)
	ctx := context.Background()

	c := createTestContract(t, s, "C-1")
	landed := createTestInstallment(t, s, c.ID, 1, "2025-02-10", "100.00")
	abandoned := createTestInstallment(t, s, c.ID, 2, "2025-03-10", "100.00")
	diverged := createTestInstallment(t, s, c.ID, 3, "2025-04-10", "100.00")

	begin := func(inst domain.FinancialInstallment) domain.ReadjustmentRun {
		t.Helper()
		run, err := s.BeginReadjustmentRun(ctx, inst.ID, inst.NextCorrectionOn, date("2025-01-15"))
		if err != nil {
			t.Fatalf("BeginReadjustmentRun failed: %v", err)
		}
		return run
	}

	landedRun := begin(landed)
	if err := s.RecordTarget(ctx, landedRun.ID, dec("0.10"), dec("110.00")); err != nil {
		t.Fatalf("RecordTarget failed: %v", err)
	}
	// Crash after the amount landed but before the run was marked.
	if _, err := s.db.Exec("UPDATE financial_installments SET current_amount = '110.00' WHERE id = ?", landed.ID); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	abandonedRun := begin(abandoned)

	divergedRun := begin(diverged)
	if _, err := s.db.Exec("UPDATE financial_installments SET current_amount = '999' WHERE id = ?", diverged.ID); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	// Nothing is stale yet.
	outcomes, err := s.RecoverStaleRuns(ctx, clock.Now().Add(-30*time.Minute), 5)
	if err != nil {
		t.Fatalf("RecoverStaleRuns failed: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("recovered %d fresh runs, want 0", len(outcomes))
	}

	clock.Advance(time.Hour)
	outcomes, err = s.RecoverStaleRuns(ctx, clock.Now().Add(-30*time.Minute), 5)
	if err != nil {
		t.Fatalf("RecoverStaleRuns failed: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("recovered %d runs, want 3", len(outcomes))
	}

	byRun := map[string]RecoveryOutcome{}
	for _, o := range outcomes {
		byRun[o.Run.ID] = o
	}

	if o := byRun[landedRun.ID]; o.Status != domain.RunApplied {
		t.Errorf("landed run recovered as %s, want applied", o.Status)
	}
	got, err := s.GetInstallment(ctx, landed.ID)
	if err != nil {
		t.Fatalf("GetInstallment failed: %v", err)
	}
	if !got.NextCorrectionOn.Equal(date("2026-01-15")) {
		t.Errorf("recovered NextCorrectionOn = %v, want 2026-01-15", got.NextCorrectionOn)
	}

	if o := byRun[abandonedRun.ID]; o.Status != domain.RunFailed || o.Run.Terminal || o.Class != domain.ClassTransient {
		t.Errorf("abandoned run recovered as %s terminal=%v class=%s", o.Status, o.Run.Terminal, o.Class)
	}

	if o := byRun[divergedRun.ID]; o.Status != domain.RunFailed || !o.Run.Terminal || o.Class != domain.ClassDivergence {
		t.Errorf("diverged run recovered as %s terminal=%v class=%s", o.Status, o.Run.Terminal, o.Class)
	}

	// Idempotent: nothing left in Processing.
	outcomes, err = s.RecoverStaleRuns(ctx, clock.Now().Add(-30*time.Minute), 5)
	if err != nil {
		t.Fatalf("RecoverStaleRuns failed: %v", err)
	}
	if len(outcomes) != 0 {
		t.Errorf("second recovery resolved %d runs, want 0", len(outcomes))
	}

	// The abandoned run is retryable.
	retried, err := s.BeginReadjustmentRun(ctx, abandoned.ID, abandoned.NextCorrectionOn, date("2025-01-15"))
	if err != nil {
		t.Fatalf("begin after recovery failed: %v", err)
	}
	if retried.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", retried.Attempts)
	}
}

func TestRecoverStaleRuns_ExhaustedAttemptsTerminal(t *testing.T) {
	s, clock := createTestStoreWithClock(t)
	ctx := context.Background()

	c := createTestContract(t, s, "C-1")
	inst := createTestInstallment(t, s, c.ID, 1, "2025-02-10", "100.00")
	if _, err := s.BeginReadjustmentRun(ctx, inst.ID, inst.NextCorrectionOn, date("2025-01-15")); err != nil {
		t.Fatalf("BeginReadjustmentRun failed: %v", err)
	}

	clock.Advance(time.Hour)
	outcomes, err := s.RecoverStaleRuns(ctx, clock.Now(), 1)
	if err != nil {
		t.Fatalf("RecoverStaleRuns failed: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Run.Terminal {
		t.Fatalf("outcomes = %+v, want one terminal failure", outcomes)
	}
}

func TestRecordTarget_RequiresProcessing(t *testing.T) {
	s := createTestStore(t)
	err := s.RecordTarget(context.Background(), "missing", decimal.Zero, decimal.Zero)
	if !errors.Is(err, ErrNotProcessing) {
		t.Errorf("error = %v, want ErrNotProcessing", err)
	}
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/roach88/reajuste/internal/domain"
)

// FindDueForCorrection returns Open installments of correcting contracts
// whose next correction date is on or before asOf. Ordered by contract,
// sequence and ID so passes visit candidates deterministically.
func (s *Store) FindDueForCorrection(ctx context.Context, asOf time.Time) ([]domain.FinancialInstallment, error) {
	var rows []installmentRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+installmentColumns+`
		FROM financial_installments
		WHERE status = ?
		  AND next_correction_on IS NOT NULL
		  AND next_correction_on <= ?
		  AND contract_id IN (
		      SELECT id FROM contracts WHERE index_code <> ? AND cadence_months > 0
		  )
		ORDER BY contract_id ASC, seq ASC, id ASC
	`), string(domain.InstallmentOpen), domain.FormatDate(asOf), string(domain.IndexNone))
	if err != nil {
		return nil, fmt.Errorf("find due for correction: %w", err)
	}
	return installmentsFromRows(rows)
}

// BeginReadjustmentRun claims the correction of an installment for one
// period. The run row is created on first sight (Scheduled) and moved to
// Processing by a compare-and-swap on its status, inside the same
// transaction, so of two workers racing on the same pair exactly one wins.
//
// Returns:
//   - *AlreadyProcessingError when another worker holds the run
//   - ErrRunClosed when the period was already applied, skipped or
//     terminally failed
//   - ErrRetryNotDue while a retryable failure waits for its backoff
//   - ErrInstallmentNotOpen when the installment was paid or cancelled
//
// The installment amount at begin is snapshotted on the run as its
// previous amount; commit and recovery compare against it.
func (s *Store) BeginReadjustmentRun(ctx context.Context, installmentID int64, period, asOf time.Time) (domain.ReadjustmentRun, error) {
	period = domain.Day(period)
	asOf = domain.Day(asOf)
	now := s.now()

	var run domain.ReadjustmentRun
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		inst, err := getInstallment(ctx, tx, installmentID, s.forUpdate())
		if err != nil {
			return err
		}
		if inst.Status != domain.InstallmentOpen {
			return fmt.Errorf("installment %d is %s: %w", installmentID, inst.Status, ErrInstallmentNotOpen)
		}
		if !inst.NextCorrectionOn.Equal(period) {
			// The period has been consumed since the candidate was read.
			return fmt.Errorf("installment %d period %s: %w", installmentID, domain.FormatDate(period), ErrRunClosed)
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO readjustment_runs
			(id, installment_id, contract_id, period_start, as_of, status, attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT (installment_id, period_start) DO NOTHING
		`),
			s.newID(),
			installmentID,
			inst.ContractID,
			domain.FormatDate(period),
			domain.FormatDate(asOf),
			string(domain.RunScheduled),
			formatTime(now),
			formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		current, err := s.getRunByPeriod(ctx, tx, installmentID, period)
		if err != nil {
			return err
		}

		switch current.Status {
		case domain.RunScheduled:
		case domain.RunFailed:
			if current.Terminal {
				return fmt.Errorf("run %s failed terminally: %w", current.ID, ErrRunClosed)
			}
			if current.NextAttemptAt != nil && current.NextAttemptAt.After(now) {
				return fmt.Errorf("run %s next attempt at %s: %w",
					current.ID, current.NextAttemptAt.Format(time.RFC3339), ErrRetryNotDue)
			}
		case domain.RunProcessing:
			return &AlreadyProcessingError{RunID: current.ID, InstallmentID: installmentID, PeriodStart: period}
		default:
			return fmt.Errorf("run %s is %s: %w", current.ID, current.Status, ErrRunClosed)
		}

		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE readjustment_runs
			SET status = ?, attempts = attempts + 1, as_of = ?, previous_amount = ?,
			    rate = NULL, target_amount = NULL, applied_delta = NULL,
			    started_at = ?, next_attempt_at = NULL, updated_at = ?
			WHERE id = ? AND status = ?
		`),
			string(domain.RunProcessing),
			domain.FormatDate(asOf),
			inst.CurrentAmount,
			formatTime(now),
			formatTime(now),
			current.ID,
			string(current.Status),
		)
		if err != nil {
			return fmt.Errorf("claim run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &AlreadyProcessingError{RunID: current.ID, InstallmentID: installmentID, PeriodStart: period}
		}

		run, err = getRun(ctx, tx, current.ID, "")
		return err
	})
	if err != nil {
		return domain.ReadjustmentRun{}, fmt.Errorf("begin readjustment run: %w", err)
	}
	return run, nil
}

// RecordTarget persists the rate and calculated target of a Processing run
// before the commit is attempted. Recovery uses the target to tell an
// applied-but-unmarked run from an abandoned one.
func (s *Store) RecordTarget(ctx context.Context, runID string, rate, target decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE readjustment_runs
		SET rate = ?, target_amount = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`), rate, target, formatTime(s.now()), runID, string(domain.RunProcessing))
	if err != nil {
		return fmt.Errorf("record target: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record target: run %s: %w", runID, ErrNotProcessing)
	}
	return nil
}

// CommitReadjustment applies newAmount to the run's installment and marks
// the run Applied, in one transaction. The installment's last correction
// date becomes the run's as-of date and its next correction date moves one
// cadence forward.
//
// The commit is refused with *CommitConflictError when the installment no
// longer holds the amount snapshotted at begin.
func (s *Store) CommitReadjustment(ctx context.Context, runID string, newAmount decimal.Decimal) (domain.ReadjustmentRun, error) {
	now := s.now()

	var run domain.ReadjustmentRun
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		current, err := getRun(ctx, tx, runID, s.forUpdate())
		if err != nil {
			return err
		}
		if current.Status != domain.RunProcessing {
			return fmt.Errorf("run %s is %s: %w", runID, current.Status, ErrNotProcessing)
		}

		inst, err := getInstallment(ctx, tx, current.InstallmentID, s.forUpdate())
		if err != nil {
			return err
		}
		if inst.Status != domain.InstallmentOpen {
			return fmt.Errorf("installment %d is %s: %w", inst.ID, inst.Status, ErrInstallmentNotOpen)
		}
		if current.PreviousAmount == nil || !inst.CurrentAmount.Equal(*current.PreviousAmount) {
			expected := "<none>"
			if current.PreviousAmount != nil {
				expected = current.PreviousAmount.String()
			}
			return &CommitConflictError{RunID: runID, Expected: expected, Found: inst.CurrentAmount.String()}
		}

		contract, err := getContract(ctx, tx, inst.ContractID, "")
		if err != nil {
			return err
		}

		if err := applyAmount(ctx, tx, inst.ID, newAmount, current.AsOf, nextCorrection(contract, current.AsOf)); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE readjustment_runs
			SET status = ?, target_amount = ?, applied_delta = ?, last_error = '', error_class = '',
			    next_attempt_at = NULL, updated_at = ?
			WHERE id = ?
		`),
			string(domain.RunApplied),
			newAmount,
			newAmount.Sub(*current.PreviousAmount),
			formatTime(now),
			runID,
		)
		if err != nil {
			return fmt.Errorf("mark applied: %w", err)
		}

		run, err = getRun(ctx, tx, runID, "")
		return err
	})
	if err != nil {
		return domain.ReadjustmentRun{}, fmt.Errorf("commit readjustment: %w", err)
	}
	return run, nil
}

func applyAmount(ctx context.Context, tx *sqlx.Tx, installmentID int64, amount decimal.Decimal, correctedOn, next time.Time) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE financial_installments
		SET current_amount = ?, last_corrected_on = ?, next_correction_on = ?
		WHERE id = ?
	`), amount, domain.FormatDate(correctedOn), nullDate(next), installmentID)
	if err != nil {
		return fmt.Errorf("update installment %d: %w", installmentID, err)
	}
	return nil
}

// FailRun moves a Processing run to Failed.
func (s *Store) FailRun(ctx context.Context, runID string, failure domain.RunFailure) (domain.ReadjustmentRun, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE readjustment_runs
		SET status = ?, last_error = ?, error_class = ?, terminal = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`),
		string(domain.RunFailed),
		failure.Reason,
		string(failure.Class),
		failure.Terminal,
		nullTime(failure.NextAttemptAt),
		formatTime(s.now()),
		runID,
		string(domain.RunProcessing),
	)
	if err != nil {
		return domain.ReadjustmentRun{}, fmt.Errorf("fail run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ReadjustmentRun{}, fmt.Errorf("fail run %s: %w", runID, ErrNotProcessing)
	}
	return s.GetRun(ctx, runID)
}

// SkipRun closes a Scheduled or Failed run without correcting. The period
// is consumed: the installment's next correction date moves one cadence
// past the skipped period, the amount is untouched.
func (s *Store) SkipRun(ctx context.Context, runID, reason string) (domain.ReadjustmentRun, error) {
	now := s.now()

	var run domain.ReadjustmentRun
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		current, err := getRun(ctx, tx, runID, s.forUpdate())
		if err != nil {
			return err
		}
		switch current.Status {
		case domain.RunScheduled, domain.RunFailed:
		case domain.RunProcessing:
			return &AlreadyProcessingError{RunID: runID, InstallmentID: current.InstallmentID, PeriodStart: current.PeriodStart}
		default:
			return fmt.Errorf("run %s is %s: %w", runID, current.Status, ErrRunClosed)
		}

		inst, err := getInstallment(ctx, tx, current.InstallmentID, s.forUpdate())
		if err != nil && !IsNotFound(err) {
			return err
		}
		if err == nil && inst.NextCorrectionOn.Equal(current.PeriodStart) {
			contract, err := getContract(ctx, tx, inst.ContractID, "")
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, tx.Rebind(
				`UPDATE financial_installments SET next_correction_on = ? WHERE id = ?`),
				nullDate(nextCorrection(contract, current.PeriodStart)), inst.ID)
			if err != nil {
				return fmt.Errorf("advance installment %d: %w", inst.ID, err)
			}
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE readjustment_runs
			SET status = ?, last_error = ?, next_attempt_at = NULL, updated_at = ?
			WHERE id = ?
		`), string(domain.RunSkipped), reason, formatTime(now), runID)
		if err != nil {
			return fmt.Errorf("mark skipped: %w", err)
		}

		run, err = getRun(ctx, tx, runID, "")
		return err
	})
	if err != nil {
		return domain.ReadjustmentRun{}, fmt.Errorf("skip run: %w", err)
	}
	return run, nil
}

// ResetRun makes a Failed run retryable again with a fresh attempt budget.
// Used by operators after fixing the cause of a terminal failure.
func (s *Store) ResetRun(ctx context.Context, runID string) (domain.ReadjustmentRun, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE readjustment_runs
		SET terminal = FALSE, attempts = 0, next_attempt_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`), formatTime(s.now()), runID, string(domain.RunFailed))
	if err != nil {
		return domain.ReadjustmentRun{}, fmt.Errorf("reset run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		run, err := s.GetRun(ctx, runID)
		if err != nil {
			return domain.ReadjustmentRun{}, fmt.Errorf("reset run: %w", err)
		}
		return domain.ReadjustmentRun{}, fmt.Errorf("reset run %s is %s: %w", runID, run.Status, ErrRunClosed)
	}
	return s.GetRun(ctx, runID)
}

// RecoveryOutcome reports what RecoverStaleRuns decided for one run.
type RecoveryOutcome struct {
	Run    domain.ReadjustmentRun
	Status domain.RunStatus
	Class  domain.ErrorClass
}

// RecoverStaleRuns resolves runs left in Processing with a start time
// before staleBefore, typically by a worker that crashed or timed out:
//   - installment holds the recorded target: the correction landed, the
//     run is marked Applied
//   - installment holds the snapshotted previous amount: nothing landed,
//     the run becomes a retryable failure (terminal once maxAttempts is
//     reached)
//   - anything else: terminal divergence for an operator
//
// Each run is resolved in its own transaction; recovery is idempotent.
func (s *Store) RecoverStaleRuns(ctx context.Context, staleBefore time.Time, maxAttempts int) ([]RecoveryOutcome, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`
		SELECT id FROM readjustment_runs
		WHERE status = ? AND started_at < ?
		ORDER BY started_at ASC, id ASC
	`), string(domain.RunProcessing), formatTime(staleBefore))
	if err != nil {
		return nil, fmt.Errorf("recover stale runs: %w", err)
	}

	outcomes := make([]RecoveryOutcome, 0, len(ids))
	for _, id := range ids {
		outcome, ok, err := s.recoverRun(ctx, id, staleBefore, maxAttempts)
		if err != nil {
			return outcomes, fmt.Errorf("recover run %s: %w", id, err)
		}
		if ok {
			outcomes = append(outcomes, outcome)
		}
	}
	return outcomes, nil
}

func (s *Store) recoverRun(ctx context.Context, runID string, staleBefore time.Time, maxAttempts int) (RecoveryOutcome, bool, error) {
	now := s.now()

	var outcome RecoveryOutcome
	var recovered bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		run, err := getRun(ctx, tx, runID, s.forUpdate())
		if err != nil {
			return err
		}
		// Re-check under the lock: another recoverer or the original
		// worker may have moved it.
		if run.Status != domain.RunProcessing || run.StartedAt == nil || !run.StartedAt.Before(staleBefore) {
			return nil
		}

		inst, err := getInstallment(ctx, tx, run.InstallmentID, s.forUpdate())
		if err != nil && !IsNotFound(err) {
			return err
		}

		switch {
		case err == nil && run.TargetAmount != nil && inst.CurrentAmount.Equal(*run.TargetAmount):
			if !inst.LastCorrectedOn.Equal(run.AsOf) {
				contract, err := getContract(ctx, tx, inst.ContractID, "")
				if err != nil {
					return err
				}
				if err := applyAmount(ctx, tx, inst.ID, inst.CurrentAmount, run.AsOf, nextCorrection(contract, run.AsOf)); err != nil {
					return err
				}
			}
			var delta decimal.NullDecimal
			if run.PreviousAmount != nil {
				delta = decimal.NullDecimal{Decimal: run.TargetAmount.Sub(*run.PreviousAmount), Valid: true}
			}
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE readjustment_runs
				SET status = ?, applied_delta = ?, last_error = '', error_class = '', updated_at = ?
				WHERE id = ?
			`), string(domain.RunApplied), delta, formatTime(now), runID)
			outcome.Status, outcome.Class = domain.RunApplied, domain.ClassNone

		case err == nil && run.PreviousAmount != nil && inst.CurrentAmount.Equal(*run.PreviousAmount):
			terminal := maxAttempts > 0 && run.Attempts >= maxAttempts
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE readjustment_runs
				SET status = ?, terminal = ?, last_error = ?, error_class = ?, next_attempt_at = NULL, updated_at = ?
				WHERE id = ?
			`), string(domain.RunFailed), terminal, "abandoned while processing", string(domain.ClassTransient), formatTime(now), runID)
			outcome.Status, outcome.Class = domain.RunFailed, domain.ClassTransient

		default:
			reason := "installment missing"
			if err == nil {
				reason = fmt.Sprintf("installment amount %s matches neither previous nor target", inst.CurrentAmount)
			}
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE readjustment_runs
				SET status = ?, terminal = TRUE, last_error = ?, error_class = ?, next_attempt_at = NULL, updated_at = ?
				WHERE id = ?
			`), string(domain.RunFailed), reason, string(domain.ClassDivergence), formatTime(now), runID)
			outcome.Status, outcome.Class = domain.RunFailed, domain.ClassDivergence
		}
		if err != nil {
			return fmt.Errorf("resolve: %w", err)
		}

		outcome.Run, err = getRun(ctx, tx, runID, "")
		recovered = err == nil
		return err
	})
	return outcome, recovered, err
}

// GetRun retrieves a readjustment run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (domain.ReadjustmentRun, error) {
	return getRun(ctx, s.db, id, "")
}

func getRun(ctx context.Context, q sqlx.ExtContext, id string, lock string) (domain.ReadjustmentRun, error) {
	var row runRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(
		`SELECT `+runColumns+` FROM readjustment_runs WHERE id = ?`+lock), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ReadjustmentRun{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.ReadjustmentRun{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return row.toDomain()
}

func (s *Store) getRunByPeriod(ctx context.Context, tx *sqlx.Tx, installmentID int64, period time.Time) (domain.ReadjustmentRun, error) {
	var row runRow
	err := tx.GetContext(ctx, &row, tx.Rebind(`
		SELECT `+runColumns+` FROM readjustment_runs
		WHERE installment_id = ? AND period_start = ?`+s.forUpdate()),
		installmentID, domain.FormatDate(period))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ReadjustmentRun{}, fmt.Errorf("run for installment %d period %s: %w",
			installmentID, domain.FormatDate(period), ErrNotFound)
	}
	if err != nil {
		return domain.ReadjustmentRun{}, fmt.Errorf("get run by period: %w", err)
	}
	return row.toDomain()
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status        domain.RunStatus
	TerminalOnly  bool
	InstallmentID int64
	Limit         int
}

// ListRuns returns runs matching the filter, most recently updated first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]domain.ReadjustmentRun, error) {
	query := `SELECT ` + runColumns + ` FROM readjustment_runs WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.TerminalOnly {
		query += ` AND terminal = TRUE`
	}
	if f.InstallmentID != 0 {
		query += ` AND installment_id = ?`
		args = append(args, f.InstallmentID)
	}
	query += ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]domain.ReadjustmentRun, 0, len(rows))
	for _, r := range rows {
		run, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

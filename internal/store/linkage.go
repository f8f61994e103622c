package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/roach88/reajuste/internal/domain"
)

// CreateIntermediate inserts an unlinked intermediate claim.
func (s *Store) CreateIntermediate(ctx context.Context, im domain.IntermediateInstallment) (domain.IntermediateInstallment, error) {
	if im.ClaimAmount.IsNegative() {
		return domain.IntermediateInstallment{}, fmt.Errorf("create intermediate: negative claim amount %s", im.ClaimAmount)
	}
	im.ClaimDate = domain.Day(im.ClaimDate)
	im.LinkedInstallmentID = nil

	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		INSERT INTO intermediate_installments (contract_id, seq, claim_amount, claim_date)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`), im.ContractID, im.Sequence, im.ClaimAmount, domain.FormatDate(im.ClaimDate)).Scan(&im.ID)
	if err != nil {
		return domain.IntermediateInstallment{}, fmt.Errorf("create intermediate: insert: %w", err)
	}
	return im, nil
}

// GetIntermediate retrieves an intermediate claim by ID.
func (s *Store) GetIntermediate(ctx context.Context, id int64) (domain.IntermediateInstallment, error) {
	return getIntermediate(ctx, s.db, id, "")
}

func getIntermediate(ctx context.Context, q sqlx.ExtContext, id int64, lock string) (domain.IntermediateInstallment, error) {
	var row intermediateRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(
		`SELECT `+intermediateColumns+` FROM intermediate_installments WHERE id = ?`+lock), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IntermediateInstallment{}, fmt.Errorf("intermediate %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.IntermediateInstallment{}, fmt.Errorf("get intermediate %d: %w", id, err)
	}
	return row.toDomain()
}

// ListIntermediates returns a contract's intermediate claims in sequence
// order.
func (s *Store) ListIntermediates(ctx context.Context, contractID int64) ([]domain.IntermediateInstallment, error) {
	var rows []intermediateRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+intermediateColumns+`
		FROM intermediate_installments
		WHERE contract_id = ?
		ORDER BY seq ASC, id ASC
	`), contractID)
	if err != nil {
		return nil, fmt.Errorf("list intermediates: %w", err)
	}
	out := make([]domain.IntermediateInstallment, 0, len(rows))
	for _, r := range rows {
		im, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, im)
	}
	return out, nil
}

// Link attaches an intermediate claim to a financial installment. The
// relation is one-to-one in both directions:
//   - linking the same pair again is a no-op
//   - *AlreadyLinkedError when the claim points elsewhere or the
//     installment is already claimed; neither record changes
//
// Re-pointing a claim requires an explicit Unlink first.
func (s *Store) Link(ctx context.Context, intermediateID, financialID int64) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		return s.link(ctx, tx, intermediateID, financialID)
	})
	if err != nil {
		return fmt.Errorf("link: %w", err)
	}
	return nil
}

func (s *Store) link(ctx context.Context, tx *sqlx.Tx, intermediateID, financialID int64) error {
	im, err := getIntermediate(ctx, tx, intermediateID, s.forUpdate())
	if err != nil {
		return err
	}
	inst, err := getInstallment(ctx, tx, financialID, s.forUpdate())
	if err != nil {
		return err
	}
	if im.ContractID != inst.ContractID {
		return fmt.Errorf("intermediate %d (contract %d) and installment %d (contract %d): %w",
			im.ID, im.ContractID, inst.ID, inst.ContractID, ErrContractMismatch)
	}

	if im.Linked() {
		if *im.LinkedInstallmentID == financialID {
			return nil
		}
		return &AlreadyLinkedError{
			IntermediateID:         intermediateID,
			InstallmentID:          financialID,
			ExistingIntermediateID: im.ID,
			ExistingInstallmentID:  *im.LinkedInstallmentID,
		}
	}

	var holder int64
	err = tx.GetContext(ctx, &holder, tx.Rebind(
		`SELECT id FROM intermediate_installments WHERE linked_installment_id = ?`), financialID)
	switch {
	case err == nil:
		return &AlreadyLinkedError{
			IntermediateID:         intermediateID,
			InstallmentID:          financialID,
			ExistingIntermediateID: holder,
			ExistingInstallmentID:  financialID,
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("find holder of installment %d: %w", financialID, err)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE intermediate_installments
		SET linked_installment_id = ?
		WHERE id = ? AND linked_installment_id IS NULL
	`), financialID, intermediateID)
	if err != nil {
		return fmt.Errorf("set link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &AlreadyLinkedError{IntermediateID: intermediateID, InstallmentID: financialID, ExistingIntermediateID: intermediateID}
	}
	return nil
}

// Unlink clears a claim's link. Unlinking an unlinked claim is a no-op.
func (s *Store) Unlink(ctx context.Context, intermediateID int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE intermediate_installments SET linked_installment_id = NULL WHERE id = ?`), intermediateID)
	if err != nil {
		return fmt.Errorf("unlink: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unlink: intermediate %d: %w", intermediateID, ErrNotFound)
	}
	return nil
}

// UnlinkOnDeletion clears the back-reference of any claim pointing at the
// financial installment and returns how many were cleared.
func (s *Store) UnlinkOnDeletion(ctx context.Context, financialID int64) (int64, error) {
	return unlinkInstallment(ctx, s.db, financialID)
}

func unlinkInstallment(ctx context.Context, q sqlx.ExtContext, financialID int64) (int64, error) {
	res, err := q.ExecContext(ctx, q.Rebind(
		`UPDATE intermediate_installments SET linked_installment_id = NULL WHERE linked_installment_id = ?`), financialID)
	if err != nil {
		return 0, fmt.Errorf("unlink on deletion: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteFinancialInstallment clears links to the installment and deletes
// it in one transaction. Claims that pointed at it survive unlinked; run
// and notification history is kept.
func (s *Store) DeleteFinancialInstallment(ctx context.Context, id int64) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := unlinkInstallment(ctx, tx, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM financial_installments WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("installment %d: %w", id, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete financial installment: %w", err)
	}
	return nil
}

// ResolveIntermediate returns the financial installment a claim resolves
// to. An unlinked claim is materialised as a new installment of kind
// intermediate (sequence 0, due on the claim date, nominal amount the
// claim amount) and linked to it; created reports which case happened.
func (s *Store) ResolveIntermediate(ctx context.Context, intermediateID int64) (inst domain.FinancialInstallment, created bool, err error) {
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		im, err := getIntermediate(ctx, tx, intermediateID, s.forUpdate())
		if err != nil {
			return err
		}
		if im.Linked() {
			inst, err = getInstallment(ctx, tx, *im.LinkedInstallmentID, "")
			return err
		}

		contract, err := getContract(ctx, tx, im.ContractID, "")
		if err != nil {
			return err
		}
		inst, err = insertInstallment(ctx, tx, contract, domain.FinancialInstallment{
			ContractID:    im.ContractID,
			Sequence:      0,
			Kind:          domain.KindIntermediate,
			DueDate:       im.ClaimDate,
			NominalAmount: im.ClaimAmount,
		})
		if err != nil {
			return err
		}
		created = true
		return s.link(ctx, tx, im.ID, inst.ID)
	})
	if err != nil {
		return domain.FinancialInstallment{}, false, fmt.Errorf("resolve intermediate: %w", err)
	}
	return inst, created, nil
}

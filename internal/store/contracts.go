package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/roach88/reajuste/internal/domain"
)

// CreateContract inserts a contract and returns it with its assigned ID.
func (s *Store) CreateContract(ctx context.Context, c domain.Contract) (domain.Contract, error) {
	if !c.IndexCode.Valid() {
		return domain.Contract{}, fmt.Errorf("create contract: unknown index code %q", c.IndexCode)
	}
	if c.IndexCode == domain.IndexFixedRate && c.FixedRate == nil {
		return domain.Contract{}, fmt.Errorf("create contract: %s requires a fixed rate", c.IndexCode)
	}
	if c.CadenceMonths < 0 {
		return domain.Contract{}, fmt.Errorf("create contract: negative cadence %d", c.CadenceMonths)
	}
	if c.Recipient.Channel == "" {
		c.Recipient.Channel = domain.ChannelEmail
	}
	if !c.Recipient.Channel.Valid() {
		return domain.Contract{}, fmt.Errorf("create contract: unknown channel %q", c.Recipient.Channel)
	}
	c.AnchorDate = domain.Day(c.AnchorDate)

	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		INSERT INTO contracts
		(number, index_code, fixed_rate, cadence_months, anchor_date, allow_reduction,
		 recipient_name, recipient_email, recipient_phone, channel)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`),
		c.Number,
		string(c.IndexCode),
		nullDecimal(c.FixedRate),
		c.CadenceMonths,
		domain.FormatDate(c.AnchorDate),
		c.AllowReduction,
		c.Recipient.Name,
		c.Recipient.Email,
		c.Recipient.Phone,
		string(c.Recipient.Channel),
	).Scan(&c.ID)
	if err != nil {
		return domain.Contract{}, fmt.Errorf("create contract: insert: %w", err)
	}
	return c, nil
}

// GetContract retrieves a contract by ID.
func (s *Store) GetContract(ctx context.Context, id int64) (domain.Contract, error) {
	return getContract(ctx, s.db, id, "")
}

func getContract(ctx context.Context, q sqlx.ExtContext, id int64, lock string) (domain.Contract, error) {
	var row contractRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(
		`SELECT `+contractColumns+` FROM contracts WHERE id = ?`+lock), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Contract{}, fmt.Errorf("contract %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Contract{}, fmt.Errorf("get contract %d: %w", id, err)
	}
	return row.toDomain()
}

// CreateInstallment inserts a financial installment. Empty fields take
// their defaults: Kind regular, Status open, CurrentAmount the nominal
// amount and LastCorrectedOn the contract anchor. NextCorrectionOn is
// derived from the contract cadence and stays unset for contracts that
// never correct.
func (s *Store) CreateInstallment(ctx context.Context, inst domain.FinancialInstallment) (domain.FinancialInstallment, error) {
	var out domain.FinancialInstallment
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		contract, err := getContract(ctx, tx, inst.ContractID, "")
		if err != nil {
			return err
		}
		out, err = insertInstallment(ctx, tx, contract, inst)
		return err
	})
	if err != nil {
		return domain.FinancialInstallment{}, fmt.Errorf("create installment: %w", err)
	}
	return out, nil
}

func insertInstallment(ctx context.Context, tx *sqlx.Tx, contract domain.Contract, inst domain.FinancialInstallment) (domain.FinancialInstallment, error) {
	if inst.NominalAmount.IsNegative() {
		return domain.FinancialInstallment{}, fmt.Errorf("negative nominal amount %s", inst.NominalAmount)
	}
	if inst.Kind == "" {
		inst.Kind = domain.KindRegular
	}
	if inst.Status == "" {
		inst.Status = domain.InstallmentOpen
	}
	if inst.CurrentAmount.IsZero() {
		inst.CurrentAmount = inst.NominalAmount
	}
	if inst.LastCorrectedOn.IsZero() {
		inst.LastCorrectedOn = contract.AnchorDate
	}
	inst.DueDate = domain.Day(inst.DueDate)
	inst.LastCorrectedOn = domain.Day(inst.LastCorrectedOn)
	inst.NextCorrectionOn = nextCorrection(contract, inst.LastCorrectedOn)

	err := tx.QueryRowxContext(ctx, tx.Rebind(`
		INSERT INTO financial_installments
		(contract_id, seq, kind, due_date, nominal_amount, current_amount,
		 last_corrected_on, next_correction_on, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`),
		inst.ContractID,
		inst.Sequence,
		string(inst.Kind),
		domain.FormatDate(inst.DueDate),
		inst.NominalAmount,
		inst.CurrentAmount,
		domain.FormatDate(inst.LastCorrectedOn),
		nullDate(inst.NextCorrectionOn),
		string(inst.Status),
	).Scan(&inst.ID)
	if err != nil {
		return domain.FinancialInstallment{}, fmt.Errorf("insert: %w", err)
	}
	return inst, nil
}

// nextCorrection returns the date the next correction period opens, or
// the zero time when the contract never corrects.
func nextCorrection(contract domain.Contract, from time.Time) time.Time {
	if !contract.Corrects() {
		return time.Time{}
	}
	return domain.AddMonths(from, contract.CadenceMonths)
}

// GetInstallment retrieves a financial installment by ID.
func (s *Store) GetInstallment(ctx context.Context, id int64) (domain.FinancialInstallment, error) {
	return getInstallment(ctx, s.db, id, "")
}

func getInstallment(ctx context.Context, q sqlx.ExtContext, id int64, lock string) (domain.FinancialInstallment, error) {
	var row installmentRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(
		`SELECT `+installmentColumns+` FROM financial_installments WHERE id = ?`+lock), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FinancialInstallment{}, fmt.Errorf("installment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.FinancialInstallment{}, fmt.Errorf("get installment %d: %w", id, err)
	}
	return row.toDomain()
}

// ListInstallments returns a contract's financial installments in
// sequence order.
func (s *Store) ListInstallments(ctx context.Context, contractID int64) ([]domain.FinancialInstallment, error) {
	var rows []installmentRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+installmentColumns+`
		FROM financial_installments
		WHERE contract_id = ?
		ORDER BY seq ASC, id ASC
	`), contractID)
	if err != nil {
		return nil, fmt.Errorf("list installments: %w", err)
	}
	return installmentsFromRows(rows)
}

func installmentsFromRows(rows []installmentRow) ([]domain.FinancialInstallment, error) {
	out := make([]domain.FinancialInstallment, 0, len(rows))
	for _, r := range rows {
		inst, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// SetInstallmentStatus moves an installment to paid, cancelled or back to
// open. Installments that leave Open are no longer due for correction or
// notification.
func (s *Store) SetInstallmentStatus(ctx context.Context, id int64, status domain.InstallmentStatus) error {
	switch status {
	case domain.InstallmentOpen, domain.InstallmentPaid, domain.InstallmentCancelled:
	default:
		return fmt.Errorf("set installment status: unknown status %q", status)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE financial_installments SET status = ? WHERE id = ?`), string(status), id)
	if err != nil {
		return fmt.Errorf("set installment status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("installment %d: %w", id, ErrNotFound)
	}
	return nil
}

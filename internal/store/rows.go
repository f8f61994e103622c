package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/reajuste/internal/domain"
)

// timestampLayout is fixed-width so stored instants compare correctly as
// text in both dialects.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullDate(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: domain.FormatDate(t), Valid: true}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(nd decimal.NullDecimal) *decimal.Decimal {
	if !nd.Valid {
		return nil
	}
	d := nd.Decimal
	return &d
}

const contractColumns = `id, number, index_code, fixed_rate, cadence_months, anchor_date,
	allow_reduction, recipient_name, recipient_email, recipient_phone, channel`

type contractRow struct {
	ID             int64               `db:"id"`
	Number         string              `db:"number"`
	IndexCode      string              `db:"index_code"`
	FixedRate      decimal.NullDecimal `db:"fixed_rate"`
	CadenceMonths  int                 `db:"cadence_months"`
	AnchorDate     string              `db:"anchor_date"`
	AllowReduction bool                `db:"allow_reduction"`
	RecipientName  string              `db:"recipient_name"`
	RecipientEmail string              `db:"recipient_email"`
	RecipientPhone string              `db:"recipient_phone"`
	Channel        string              `db:"channel"`
}

func (r contractRow) toDomain() (domain.Contract, error) {
	anchor, err := domain.ParseDate(r.AnchorDate)
	if err != nil {
		return domain.Contract{}, fmt.Errorf("contract %d: anchor_date: %w", r.ID, err)
	}
	return domain.Contract{
		ID:             r.ID,
		Number:         r.Number,
		IndexCode:      domain.IndexCode(r.IndexCode),
		FixedRate:      decimalPtr(r.FixedRate),
		CadenceMonths:  r.CadenceMonths,
		AnchorDate:     anchor,
		AllowReduction: r.AllowReduction,
		Recipient: domain.Recipient{
			Name:    r.RecipientName,
			Email:   r.RecipientEmail,
			Phone:   r.RecipientPhone,
			Channel: domain.Channel(r.Channel),
		},
	}, nil
}

const installmentColumns = `id, contract_id, seq, kind, due_date, nominal_amount, current_amount,
	last_corrected_on, next_correction_on, status`

type installmentRow struct {
	ID               int64           `db:"id"`
	ContractID       int64           `db:"contract_id"`
	Seq              int             `db:"seq"`
	Kind             string          `db:"kind"`
	DueDate          string          `db:"due_date"`
	NominalAmount    decimal.Decimal `db:"nominal_amount"`
	CurrentAmount    decimal.Decimal `db:"current_amount"`
	LastCorrectedOn  string          `db:"last_corrected_on"`
	NextCorrectionOn sql.NullString  `db:"next_correction_on"`
	Status           string          `db:"status"`
}

func (r installmentRow) toDomain() (domain.FinancialInstallment, error) {
	due, err := domain.ParseDate(r.DueDate)
	if err != nil {
		return domain.FinancialInstallment{}, fmt.Errorf("installment %d: due_date: %w", r.ID, err)
	}
	last, err := domain.ParseDate(r.LastCorrectedOn)
	if err != nil {
		return domain.FinancialInstallment{}, fmt.Errorf("installment %d: last_corrected_on: %w", r.ID, err)
	}
	var next time.Time
	if r.NextCorrectionOn.Valid {
		next, err = domain.ParseDate(r.NextCorrectionOn.String)
		if err != nil {
			return domain.FinancialInstallment{}, fmt.Errorf("installment %d: next_correction_on: %w", r.ID, err)
		}
	}
	return domain.FinancialInstallment{
		ID:               r.ID,
		ContractID:       r.ContractID,
		Sequence:         r.Seq,
		Kind:             domain.InstallmentKind(r.Kind),
		DueDate:          due,
		NominalAmount:    r.NominalAmount,
		CurrentAmount:    r.CurrentAmount,
		LastCorrectedOn:  last,
		NextCorrectionOn: next,
		Status:           domain.InstallmentStatus(r.Status),
	}, nil
}

const intermediateColumns = `id, contract_id, seq, claim_amount, claim_date, linked_installment_id`

type intermediateRow struct {
	ID                  int64           `db:"id"`
	ContractID          int64           `db:"contract_id"`
	Seq                 int             `db:"seq"`
	ClaimAmount         decimal.Decimal `db:"claim_amount"`
	ClaimDate           string          `db:"claim_date"`
	LinkedInstallmentID sql.NullInt64   `db:"linked_installment_id"`
}

func (r intermediateRow) toDomain() (domain.IntermediateInstallment, error) {
	claimDate, err := domain.ParseDate(r.ClaimDate)
	if err != nil {
		return domain.IntermediateInstallment{}, fmt.Errorf("intermediate %d: claim_date: %w", r.ID, err)
	}
	out := domain.IntermediateInstallment{
		ID:          r.ID,
		ContractID:  r.ContractID,
		Sequence:    r.Seq,
		ClaimAmount: r.ClaimAmount,
		ClaimDate:   claimDate,
	}
	if r.LinkedInstallmentID.Valid {
		id := r.LinkedInstallmentID.Int64
		out.LinkedInstallmentID = &id
	}
	return out, nil
}

const runColumns = `id, installment_id, contract_id, period_start, as_of, status, attempts,
	terminal, last_error, error_class, rate, previous_amount, target_amount, applied_delta,
	started_at, next_attempt_at, created_at, updated_at`

type runRow struct {
	ID             string              `db:"id"`
	InstallmentID  int64               `db:"installment_id"`
	ContractID     int64               `db:"contract_id"`
	PeriodStart    string              `db:"period_start"`
	AsOf           string              `db:"as_of"`
	Status         string              `db:"status"`
	Attempts       int                 `db:"attempts"`
	Terminal       bool                `db:"terminal"`
	LastError      string              `db:"last_error"`
	ErrorClass     string              `db:"error_class"`
	Rate           decimal.NullDecimal `db:"rate"`
	PreviousAmount decimal.NullDecimal `db:"previous_amount"`
	TargetAmount   decimal.NullDecimal `db:"target_amount"`
	AppliedDelta   decimal.NullDecimal `db:"applied_delta"`
	StartedAt      sql.NullString      `db:"started_at"`
	NextAttemptAt  sql.NullString      `db:"next_attempt_at"`
	CreatedAt      string              `db:"created_at"`
	UpdatedAt      string              `db:"updated_at"`
}

func (r runRow) toDomain() (domain.ReadjustmentRun, error) {
	period, err := domain.ParseDate(r.PeriodStart)
	if err != nil {
		return domain.ReadjustmentRun{}, fmt.Errorf("run %s: period_start: %w", r.ID, err)
	}
	asOf, err := domain.ParseDate(r.AsOf)
	if err != nil {
		return domain.ReadjustmentRun{}, fmt.Errorf("run %s: as_of: %w", r.ID, err)
	}
	started, err := parseNullTime(r.StartedAt)
	if err != nil {
		return domain.ReadjustmentRun{}, fmt.Errorf("run %s: started_at: %w", r.ID, err)
	}
	next, err := parseNullTime(r.NextAttemptAt)
	if err != nil {
		return domain.ReadjustmentRun{}, fmt.Errorf("run %s: next_attempt_at: %w", r.ID, err)
	}
	updated, err := parseTime(r.UpdatedAt)
	if err != nil {
		return domain.ReadjustmentRun{}, fmt.Errorf("run %s: updated_at: %w", r.ID, err)
	}
	return domain.ReadjustmentRun{
		ID:             r.ID,
		InstallmentID:  r.InstallmentID,
		ContractID:     r.ContractID,
		PeriodStart:    period,
		AsOf:           asOf,
		Status:         domain.RunStatus(r.Status),
		Attempts:       r.Attempts,
		Terminal:       r.Terminal,
		LastError:      r.LastError,
		Class:          domain.ErrorClass(r.ErrorClass),
		Rate:           decimalPtr(r.Rate),
		PreviousAmount: decimalPtr(r.PreviousAmount),
		TargetAmount:   decimalPtr(r.TargetAmount),
		AppliedDelta:   decimalPtr(r.AppliedDelta),
		StartedAt:      started,
		NextAttemptAt:  next,
		UpdatedAt:      updated,
	}, nil
}

const notificationColumns = `id, installment_id, due_date, channel, recipient, status, attempts,
	terminal, last_error, sent_at, lease_until, next_attempt_at, created_at, updated_at`

type notificationRow struct {
	ID            string         `db:"id"`
	InstallmentID int64          `db:"installment_id"`
	DueDate       string         `db:"due_date"`
	Channel       string         `db:"channel"`
	Recipient     string         `db:"recipient"`
	Status        string         `db:"status"`
	Attempts      int            `db:"attempts"`
	Terminal      bool           `db:"terminal"`
	LastError     string         `db:"last_error"`
	SentAt        sql.NullString `db:"sent_at"`
	LeaseUntil    sql.NullString `db:"lease_until"`
	NextAttemptAt sql.NullString `db:"next_attempt_at"`
	CreatedAt     string         `db:"created_at"`
	UpdatedAt     string         `db:"updated_at"`
}

func (r notificationRow) toDomain() (domain.NotificationRecord, error) {
	due, err := domain.ParseDate(r.DueDate)
	if err != nil {
		return domain.NotificationRecord{}, fmt.Errorf("notification %s: due_date: %w", r.ID, err)
	}
	sent, err := parseNullTime(r.SentAt)
	if err != nil {
		return domain.NotificationRecord{}, fmt.Errorf("notification %s: sent_at: %w", r.ID, err)
	}
	lease, err := parseNullTime(r.LeaseUntil)
	if err != nil {
		return domain.NotificationRecord{}, fmt.Errorf("notification %s: lease_until: %w", r.ID, err)
	}
	next, err := parseNullTime(r.NextAttemptAt)
	if err != nil {
		return domain.NotificationRecord{}, fmt.Errorf("notification %s: next_attempt_at: %w", r.ID, err)
	}
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return domain.NotificationRecord{}, fmt.Errorf("notification %s: created_at: %w", r.ID, err)
	}
	return domain.NotificationRecord{
		ID:            r.ID,
		InstallmentID: r.InstallmentID,
		DueDate:       due,
		Channel:       domain.Channel(r.Channel),
		Recipient:     r.Recipient,
		Status:        domain.NotificationStatus(r.Status),
		Attempts:      r.Attempts,
		Terminal:      r.Terminal,
		LastError:     r.LastError,
		SentAt:        sent,
		LeaseUntil:    lease,
		NextAttemptAt: next,
		CreatedAt:     created,
	}, nil
}

type indexValueRow struct {
	IndexCode  string          `db:"index_code"`
	Year       int             `db:"year"`
	Month      int             `db:"month"`
	Percent    decimal.Decimal `db:"percent"`
	Source     string          `db:"source"`
	ImportedAt string          `db:"imported_at"`
}

func (r indexValueRow) toDomain() (domain.IndexValue, error) {
	imported, err := parseTime(r.ImportedAt)
	if err != nil {
		return domain.IndexValue{}, fmt.Errorf("index %s %02d/%d: imported_at: %w", r.IndexCode, r.Month, r.Year, err)
	}
	return domain.IndexValue{
		Code:       domain.IndexCode(r.IndexCode),
		Year:       r.Year,
		Month:      r.Month,
		Percent:    r.Percent,
		Source:     r.Source,
		ImportedAt: imported,
	}, nil
}

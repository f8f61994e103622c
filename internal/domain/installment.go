package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstallmentStatus is the payment state of a financial installment.
type InstallmentStatus string

const (
	InstallmentOpen      InstallmentStatus = "open"
	InstallmentPaid      InstallmentStatus = "paid"
	InstallmentCancelled InstallmentStatus = "cancelled"
)

// InstallmentKind distinguishes regular installments from those materialised
// out of an intermediate claim.
type InstallmentKind string

const (
	KindRegular      InstallmentKind = "regular"
	KindIntermediate InstallmentKind = "intermediate"
)

// FinancialInstallment is a canonical payment obligation under a contract.
type FinancialInstallment struct {
	ID         int64           `json:"id"`
	ContractID int64           `json:"contract_id"`
	Sequence   int             `json:"sequence"`
	Kind       InstallmentKind `json:"kind"`
	DueDate    time.Time       `json:"due_date"`

	NominalAmount decimal.Decimal `json:"nominal_amount"`
	CurrentAmount decimal.Decimal `json:"current_amount"`

	LastCorrectedOn  time.Time `json:"last_corrected_on"`
	NextCorrectionOn time.Time `json:"next_correction_on"`

	Status InstallmentStatus `json:"status"`
}

// IntermediateInstallment is a provisional claim awaiting reconciliation to
// a financial installment. LinkedInstallmentID is a back-reference only.
type IntermediateInstallment struct {
	ID                  int64           `json:"id"`
	ContractID          int64           `json:"contract_id"`
	Sequence            int             `json:"sequence"`
	ClaimAmount         decimal.Decimal `json:"claim_amount"`
	ClaimDate           time.Time       `json:"claim_date"`
	LinkedInstallmentID *int64          `json:"linked_installment_id,omitempty"`
}

// Linked reports whether the claim currently resolves to an installment.
func (i IntermediateInstallment) Linked() bool {
	return i.LinkedInstallmentID != nil
}

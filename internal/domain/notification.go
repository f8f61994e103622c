package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// NotificationStatus is the state of a NotificationRecord.
//
//	Pending → {Sent | Failed}
//	Failed → Pending (next tick, while not terminal)
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Valid reports whether the status is known.
func (s NotificationStatus) Valid() bool {
	switch s {
	case NotificationPending, NotificationSent, NotificationFailed:
		return true
	}
	return false
}

// NotificationRecord claims the single notice of an installment's due-date
// cycle. Its existence is what prevents duplicate sends.
type NotificationRecord struct {
	ID            string             `json:"id"`
	InstallmentID int64              `json:"installment_id"`
	DueDate       time.Time          `json:"due_date"`
	Channel       Channel            `json:"channel"`
	Recipient     string             `json:"recipient"`
	Status        NotificationStatus `json:"status"`
	Attempts      int                `json:"attempts"`
	Terminal      bool               `json:"terminal"`
	LastError     string             `json:"last_error,omitempty"`
	SentAt        *time.Time         `json:"sent_at,omitempty"`
	LeaseUntil    *time.Time         `json:"lease_until,omitempty"`
	NextAttemptAt *time.Time         `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// DueNotice is an installment found inside the notification window together
// with what delivery needs to know about it.
type DueNotice struct {
	InstallmentID  int64           `json:"installment_id"`
	ContractID     int64           `json:"contract_id"`
	ContractNumber string          `json:"contract_number"`
	Sequence       int             `json:"sequence"`
	DueDate        time.Time       `json:"due_date"`
	Amount         decimal.Decimal `json:"amount"`
	Recipient      Recipient       `json:"recipient"`
}

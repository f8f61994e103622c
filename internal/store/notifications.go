package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/reajuste/internal/domain"
)

type dueNoticeRow struct {
	InstallmentID  int64           `db:"installment_id"`
	ContractID     int64           `db:"contract_id"`
	ContractNumber string          `db:"contract_number"`
	Seq            int             `db:"seq"`
	DueDate        string          `db:"due_date"`
	Amount         decimal.Decimal `db:"amount"`
	RecipientName  string          `db:"recipient_name"`
	RecipientEmail string          `db:"recipient_email"`
	RecipientPhone string          `db:"recipient_phone"`
	Channel        string          `db:"channel"`
}

// FindDueForNotification returns Open installments whose due date falls in
// [from, to] and that have no notification record for that due date yet.
func (s *Store) FindDueForNotification(ctx context.Context, from, to time.Time) ([]domain.DueNotice, error) {
	var rows []dueNoticeRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT fi.id AS installment_id, fi.contract_id, c.number AS contract_number, fi.seq,
		       fi.due_date, fi.current_amount AS amount,
		       c.recipient_name, c.recipient_email, c.recipient_phone, c.channel
		FROM financial_installments fi
		JOIN contracts c ON c.id = fi.contract_id
		WHERE fi.status = ?
		  AND fi.due_date >= ?
		  AND fi.due_date <= ?
		  AND NOT EXISTS (
		      SELECT 1 FROM notification_records nr
		      WHERE nr.installment_id = fi.id AND nr.due_date = fi.due_date
		  )
		ORDER BY fi.due_date ASC, fi.contract_id ASC, fi.seq ASC, fi.id ASC
	`), string(domain.InstallmentOpen), domain.FormatDate(from), domain.FormatDate(to))
	if err != nil {
		return nil, fmt.Errorf("find due for notification: %w", err)
	}

	out := make([]domain.DueNotice, 0, len(rows))
	for _, r := range rows {
		due, err := domain.ParseDate(r.DueDate)
		if err != nil {
			return nil, fmt.Errorf("installment %d: due_date: %w", r.InstallmentID, err)
		}
		out = append(out, domain.DueNotice{
			InstallmentID:  r.InstallmentID,
			ContractID:     r.ContractID,
			ContractNumber: r.ContractNumber,
			Sequence:       r.Seq,
			DueDate:        due,
			Amount:         r.Amount,
			Recipient: domain.Recipient{
				Name:    r.RecipientName,
				Email:   r.RecipientEmail,
				Phone:   r.RecipientPhone,
				Channel: domain.Channel(r.Channel),
			},
		})
	}
	return out, nil
}

// ClaimNotification inserts the Pending record for a notice. Inserting is
// the claim: when a record for the (installment, due date) pair already
// exists nothing is written and claimed is false.
func (s *Store) ClaimNotification(ctx context.Context, notice domain.DueNotice) (rec domain.NotificationRecord, claimed bool, err error) {
	now := formatTime(s.now())
	var id string
	err = s.db.QueryRowxContext(ctx, s.db.Rebind(`
		INSERT INTO notification_records
		(id, installment_id, due_date, channel, recipient, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (installment_id, due_date) DO NOTHING
		RETURNING id
	`),
		s.newID(),
		notice.InstallmentID,
		domain.FormatDate(notice.DueDate),
		string(notice.Recipient.Channel),
		notice.Recipient.Address(),
		string(domain.NotificationPending),
		now,
		now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotificationRecord{}, false, nil
	}
	if err != nil {
		return domain.NotificationRecord{}, false, fmt.Errorf("claim notification: %w", err)
	}
	rec, err = s.GetNotification(ctx, id)
	if err != nil {
		return domain.NotificationRecord{}, false, fmt.Errorf("claim notification: %w", err)
	}
	return rec, true, nil
}

// RequeueFailedNotifications moves retryable Failed records whose backoff
// has elapsed back to Pending.
func (s *Store) RequeueFailedNotifications(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE notification_records
		SET status = ?, lease_until = NULL, updated_at = ?
		WHERE status = ? AND terminal = FALSE
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
	`),
		string(domain.NotificationPending),
		formatTime(s.now()),
		string(domain.NotificationFailed),
		formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue failed notifications: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PendingNotifications returns Pending records not currently leased,
// oldest first.
func (s *Store) PendingNotifications(ctx context.Context, now time.Time, limit int) ([]domain.NotificationRecord, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notification_records
		WHERE status = ? AND (lease_until IS NULL OR lease_until <= ?)
		ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query),
		string(domain.NotificationPending), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("pending notifications: %w", err)
	}
	return notificationsFromRows(rows)
}

// LeaseNotification takes a Pending record for delivery until leaseUntil,
// counting the attempt. The compare-and-swap on the lease means only one
// worker delivers a record at a time; ErrLeaseLost otherwise.
func (s *Store) LeaseNotification(ctx context.Context, id string, now, leaseUntil time.Time) (domain.NotificationRecord, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE notification_records
		SET attempts = attempts + 1, lease_until = ?, updated_at = ?
		WHERE id = ? AND status = ? AND (lease_until IS NULL OR lease_until <= ?)
	`),
		formatTime(leaseUntil),
		formatTime(s.now()),
		id,
		string(domain.NotificationPending),
		formatTime(now),
	)
	if err != nil {
		return domain.NotificationRecord{}, fmt.Errorf("lease notification: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotificationRecord{}, fmt.Errorf("lease notification %s: %w", id, ErrLeaseLost)
	}
	return s.GetNotification(ctx, id)
}

// MarkNotificationSent records a successful delivery.
func (s *Store) MarkNotificationSent(ctx context.Context, id string, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE notification_records
		SET status = ?, sent_at = ?, lease_until = NULL, last_error = '', next_attempt_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`),
		string(domain.NotificationSent),
		formatTime(sentAt),
		formatTime(s.now()),
		id,
		string(domain.NotificationPending),
	)
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark notification sent %s: %w", id, ErrNotPending)
	}
	return nil
}

// MarkNotificationFailed records a failed delivery. Terminal records are
// never requeued; the others wait for nextAttemptAt.
func (s *Store) MarkNotificationFailed(ctx context.Context, id, reason string, terminal bool, nextAttemptAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE notification_records
		SET status = ?, last_error = ?, terminal = ?, next_attempt_at = ?, lease_until = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`),
		string(domain.NotificationFailed),
		reason,
		terminal,
		nullTime(nextAttemptAt),
		formatTime(s.now()),
		id,
		string(domain.NotificationPending),
	)
	if err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark notification failed %s: %w", id, ErrNotPending)
	}
	return nil
}

// ResetNotification makes a Failed record Pending again with a fresh
// attempt budget.
func (s *Store) ResetNotification(ctx context.Context, id string) (domain.NotificationRecord, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE notification_records
		SET status = ?, terminal = FALSE, attempts = 0, next_attempt_at = NULL, lease_until = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`), string(domain.NotificationPending), formatTime(s.now()), id, string(domain.NotificationFailed))
	if err != nil {
		return domain.NotificationRecord{}, fmt.Errorf("reset notification: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetNotification(ctx, id); err != nil {
			return domain.NotificationRecord{}, fmt.Errorf("reset notification: %w", err)
		}
		return domain.NotificationRecord{}, fmt.Errorf("reset notification %s: %w", id, ErrNotPending)
	}
	return s.GetNotification(ctx, id)
}

// GetNotification retrieves a notification record by ID.
func (s *Store) GetNotification(ctx context.Context, id string) (domain.NotificationRecord, error) {
	var row notificationRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT `+notificationColumns+` FROM notification_records WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotificationRecord{}, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.NotificationRecord{}, fmt.Errorf("get notification %s: %w", id, err)
	}
	return row.toDomain()
}

// NotificationFilter narrows ListNotifications.
type NotificationFilter struct {
	Status        domain.NotificationStatus
	TerminalOnly  bool
	InstallmentID int64
	Limit         int
}

// ListNotifications returns records matching the filter, most recently
// updated first.
func (s *Store) ListNotifications(ctx context.Context, f NotificationFilter) ([]domain.NotificationRecord, error) {
	query := `SELECT ` + notificationColumns + ` FROM notification_records WHERE 1 = 1`
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

	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return notificationsFromRows(rows)
}

func notificationsFromRows(rows []notificationRow) ([]domain.NotificationRecord, error) {
	out := make([]domain.NotificationRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// AcquireJobLock takes the lock of job for token until now+ttl. A lock
// whose holder let it expire is taken over. It reports false while a live
// holder has it.
func (s *Store) AcquireJobLock(ctx context.Context, job, token string, ttl time.Duration) (bool, error) {
	now := s.now()

	var acquired bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`DELETE FROM job_locks WHERE job = ? AND expires_at <= ?`), job, formatTime(now))
		if err != nil {
			return fmt.Errorf("expire: %w", err)
		}

		res, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO job_locks (job, token, acquired_at, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (job) DO NOTHING
		`), job, token, formatTime(now), formatTime(now.Add(ttl)))
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		acquired = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("acquire %s lock: %w", job, err)
	}
	return acquired, nil
}

// ReleaseJobLock deletes the lock of job only while token still holds it.
// ErrLeaseLost means it expired and another holder may have taken it.
func (s *Store) ReleaseJobLock(ctx context.Context, job, token string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM job_locks WHERE job = ? AND token = ?`), job, token)
	if err != nil {
		return fmt.Errorf("release %s lock: %w", job, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("release %s lock: %w", job, ErrLeaseLost)
	}
	return nil
}

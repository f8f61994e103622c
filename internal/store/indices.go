package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/roach88/reajuste/internal/domain"
)

// UpsertIndexValue stores a monthly index value, replacing any earlier
// value for the same (code, year, month). created reports whether the
// month was new.
func (s *Store) UpsertIndexValue(ctx context.Context, v domain.IndexValue) (created bool, err error) {
	if !v.Code.Monthly() {
		return false, fmt.Errorf("upsert index value: %q is not a monthly index", v.Code)
	}
	if v.Month < 1 || v.Month > 12 {
		return false, fmt.Errorf("upsert index value: month %d out of range", v.Month)
	}
	if v.ImportedAt.IsZero() {
		v.ImportedAt = s.now()
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var existing int
		err := tx.GetContext(ctx, &existing, tx.Rebind(`
			SELECT COUNT(*) FROM index_values WHERE index_code = ? AND year = ? AND month = ?
		`), string(v.Code), v.Year, v.Month)
		if err != nil {
			return fmt.Errorf("check existing: %w", err)
		}
		created = existing == 0

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO index_values (index_code, year, month, percent, source, imported_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (index_code, year, month) DO UPDATE
			SET percent = excluded.percent, source = excluded.source, imported_at = excluded.imported_at
		`), string(v.Code), v.Year, v.Month, v.Percent, v.Source, formatTime(v.ImportedAt))
		if err != nil {
			return fmt.Errorf("upsert: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("upsert index value: %w", err)
	}
	return created, nil
}

// GetIndexValue returns the value of one index month.
func (s *Store) GetIndexValue(ctx context.Context, code domain.IndexCode, year, month int) (domain.IndexValue, error) {
	var row indexValueRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT index_code, year, month, percent, source, imported_at
		FROM index_values
		WHERE index_code = ? AND year = ? AND month = ?
	`), string(code), year, month)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IndexValue{}, fmt.Errorf("index %s %02d/%d: %w", code, month, year, ErrNotFound)
	}
	if err != nil {
		return domain.IndexValue{}, fmt.Errorf("get index value: %w", err)
	}
	return row.toDomain()
}

// IndexValues returns the values of code between two months inclusive,
// given as MonthKey values, in chronological order. Missing months are
// simply absent from the result.
func (s *Store) IndexValues(ctx context.Context, code domain.IndexCode, fromKey, toKey int) ([]domain.IndexValue, error) {
	var rows []indexValueRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT index_code, year, month, percent, source, imported_at
		FROM index_values
		WHERE index_code = ? AND (year * 12 + month - 1) BETWEEN ? AND ?
		ORDER BY year ASC, month ASC
	`), string(code), fromKey, toKey)
	if err != nil {
		return nil, fmt.Errorf("index values: %w", err)
	}
	out := make([]domain.IndexValue, 0, len(rows))
	for _, r := range rows {
		v, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

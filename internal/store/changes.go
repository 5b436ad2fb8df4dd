package store

import (
	"context"
	"database/sql"
	"errors"
)

// ChangesSince returns up to limit change-log entries with seq greater than after.
func (s *Store) ChangesSince(ctx context.Context, after int64, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, table_name, op, row_json, created_at FROM change_log
		WHERE seq > ? ORDER BY seq ASC LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var (
			c       Change
			row     string
			created string
		)
		if err := rows.Scan(&c.Seq, &c.Table, &c.Op, &row, &created); err != nil {
			return nil, err
		}
		c.Row = []byte(row)
		c.CreatedAt = parseTime(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Cursor returns the saved feed position for name, or 0.
func (s *Store) Cursor(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM feed_cursors WHERE name = ?`, name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// SaveCursor persists the feed position. The cursor never moves backwards.
func (s *Store) SaveCursor(ctx context.Context, name string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feed_cursors (name, seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET seq = MAX(feed_cursors.seq, excluded.seq), updated_at = excluded.updated_at
	`, name, seq, now())
	return err
}

// PruneChanges deletes change-log entries at or below seq.
func (s *Store) PruneChanges(ctx context.Context, upTo int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM change_log WHERE seq <= ?`, upTo)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

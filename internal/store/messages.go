package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

const messageColumns = `id, tenant_id, target_group_id, target_address, content, delivery_status, error_text, created_at, updated_at`

// EnqueueMessage inserts a pending outbound message. A missing id is generated.
func (s *Store) EnqueueMessage(ctx context.Context, m OutboundMessage) (*OutboundMessage, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbound_messages (id, tenant_id, target_group_id, target_address, content, delivery_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, nullable(m.TenantID), nullable(m.TargetGroupID), nullable(m.TargetAddress), m.Content,
		string(DeliveryPending), ts, ts)
	if err != nil {
		return nil, fmt.Errorf("enqueue message: %w", err)
	}
	return s.GetMessage(ctx, m.ID)
}

// MarkMessage moves a pending message to a terminal status. It reports false
// when the message was already terminal (or missing) and nothing changed.
func (s *Store) MarkMessage(ctx context.Context, id string, status DeliveryStatus, errText string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("mark message %s: %q is not terminal", id, status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbound_messages SET delivery_status = ?, error_text = ?, updated_at = ?
		WHERE id = ? AND delivery_status = 'pending'
	`, string(status), nullable(errText), now(), id)
	if err != nil {
		return false, fmt.Errorf("mark message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetMessage returns the message or ErrNotFound.
func (s *Store) GetMessage(ctx context.Context, id string) (*OutboundMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM outbound_messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

// ListPendingMessages returns up to limit pending messages, oldest first.
func (s *Store) ListPendingMessages(ctx context.Context, limit int) ([]OutboundMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM outbound_messages
		WHERE delivery_status = 'pending'
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboundMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanMessage(sc scanner) (*OutboundMessage, error) {
	var (
		m                          OutboundMessage
		tenant, group, addr, errTx sql.NullString
		status, created, updatedAt string
	)
	if err := sc.Scan(&m.ID, &tenant, &group, &addr, &m.Content, &status, &errTx, &created, &updatedAt); err != nil {
		return nil, err
	}
	m.TenantID = tenant.String
	m.TargetGroupID = group.String
	m.TargetAddress = addr.String
	m.ErrorText = errTx.String
	m.DeliveryStatus = DeliveryStatus(status)
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

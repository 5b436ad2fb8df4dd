package store

import (
	"context"
	"database/sql"
	"fmt"
)

const sessionColumns = `tenant_id, status, qr_payload, phone_identity, source, updated_at`

func (s *Store) writeSession(ctx context.Context, tenantID string, status SessionStatus, qr, phone, source string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (tenant_id, status, qr_payload, phone_identity, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			status = excluded.status,
			qr_payload = excluded.qr_payload,
			phone_identity = excluded.phone_identity,
			source = excluded.source,
			updated_at = excluded.updated_at
	`, tenantID, string(status), nullable(qr), nullable(phone), source, now())
	if err != nil {
		return fmt.Errorf("write session %s: %w", tenantID, err)
	}
	return nil
}

// SetScanning publishes a pairing code for the tenant.
func (s *Store) SetScanning(ctx context.Context, tenantID, qr string) error {
	return s.writeSession(ctx, tenantID, StatusScanning, qr, "", SourceCore)
}

// SetConnected records an authenticated session and clears the pairing code.
func (s *Store) SetConnected(ctx context.Context, tenantID, phone string) error {
	return s.writeSession(ctx, tenantID, StatusConnected, "", phone, SourceCore)
}

// SetDisconnected resets the tenant's row with both optional fields nulled.
func (s *Store) SetDisconnected(ctx context.Context, tenantID string) error {
	return s.writeSession(ctx, tenantID, StatusDisconnected, "", "", SourceCore)
}

// RequestScan asks the core to start a pairing cycle for the tenant.
func (s *Store) RequestScan(ctx context.Context, tenantID string) error {
	return s.writeSession(ctx, tenantID, StatusScanning, "", "", SourceClient)
}

// RequestDisconnect asks the core to stop the tenant's session.
func (s *Store) RequestDisconnect(ctx context.Context, tenantID string) error {
	return s.writeSession(ctx, tenantID, StatusDisconnected, "", "", SourceClient)
}

// GetSession returns the tenant's row or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, tenantID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = ?`, tenantID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, notFound(err)
	}
	return sess, nil
}

// ListSessions returns every session row ordered by tenant.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY tenant_id`)
}

// ListSessionsByStatus returns the rows in the given status.
func (s *Store) ListSessionsByStatus(ctx context.Context, status SessionStatus) ([]Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY tenant_id`, string(status))
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var (
		sess      Session
		status    string
		qr, phone sql.NullString
		updatedAt string
	)
	if err := sc.Scan(&sess.TenantID, &status, &qr, &phone, &sess.Source, &updatedAt); err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	sess.QRPayload = qr.String
	sess.PhoneIdentity = phone.String
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

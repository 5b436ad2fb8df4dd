package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const groupColumns = `id, name, owner_tenant_id, status, is_whatsapp_group, created_at, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertGroup(ctx context.Context, ex execer, g Group) error {
	created := g.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	status := g.Status
	if status == "" {
		status = GroupActive
	}
	ts := now()
	_, err := ex.ExecContext(ctx, `
		INSERT INTO groups (id, name, owner_tenant_id, status, is_whatsapp_group, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			owner_tenant_id = excluded.owner_tenant_id,
			status = excluded.status,
			is_whatsapp_group = excluded.is_whatsapp_group,
			updated_at = excluded.updated_at
	`, g.ID, g.Name, nullable(g.OwnerTenantID), string(status), g.IsWhatsAppGroup,
		created.UTC().Format(time.RFC3339Nano), ts)
	if err != nil {
		return fmt.Errorf("upsert group %s: %w", g.ID, err)
	}
	return nil
}

// UpsertGroup inserts the group or refreshes its name, owner and status.
// The original creation time is kept.
func (s *Store) UpsertGroup(ctx context.Context, g Group) error {
	return upsertGroup(ctx, s.db, g)
}

// ReplaceGroup swaps a placeholder row for the row keyed by the network id.
func (s *Store) ReplaceGroup(ctx context.Context, placeholderID string, g Group) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, placeholderID); err != nil {
			return fmt.Errorf("delete placeholder %s: %w", placeholderID, err)
		}
		return upsertGroup(ctx, tx, g)
	})
}

// ClaimGroup moves a creating row to pending. Only one caller can claim a
// given row; the rest get false, which lets replayed change events skip a
// create that is already under way.
func (s *Store) ClaimGroup(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE groups SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(GroupPending), now(), id, string(GroupCreating))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkGroupFailed flags a creating or pending group row as failed. Rows in
// any other state are left alone.
func (s *Store) MarkGroupFailed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE groups SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(GroupFailed), now(), id, string(GroupCreating), string(GroupPending))
	return err
}

// DeleteGroup removes a group row. Deleting a missing row is not an error.
func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, id)
	return err
}

// DeleteGroupsByOwner removes every row owned by the tenant.
func (s *Store) DeleteGroupsByOwner(ctx context.Context, tenantID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE owner_tenant_id = ?`, tenantID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RequestGroup inserts a placeholder row asking the core to create a group.
func (s *Store) RequestGroup(ctx context.Context, tenantID, name string) (*Group, error) {
	g := Group{
		ID:            "tmp-" + uuid.NewString(),
		Name:          name,
		OwnerTenantID: tenantID,
		Status:        GroupCreating,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (id, name, owner_tenant_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, g.ID, g.Name, nullable(tenantID), string(g.Status), now(), now())
	if err != nil {
		return nil, fmt.Errorf("request group: %w", err)
	}
	return s.GetGroup(ctx, g.ID)
}

// RequestGroupDelete asks the core to delete the group.
func (s *Store) RequestGroupDelete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE groups SET status = ?, updated_at = ? WHERE id = ?`,
		string(GroupDeleting), now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetGroup returns the group row or ErrNotFound.
func (s *Store) GetGroup(ctx context.Context, id string) (*Group, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = ?`, id)
	g, err := scanGroup(row)
	if err != nil {
		return nil, notFound(err)
	}
	return g, nil
}

// ListGroups returns groups owned by tenantID, or all groups when it is empty.
func (s *Store) ListGroups(ctx context.Context, tenantID string) ([]Group, error) {
	query := `SELECT ` + groupColumns + ` FROM groups`
	var args []any
	if tenantID != "" {
		query += ` WHERE owner_tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY name, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func scanGroup(sc scanner) (*Group, error) {
	var (
		g                  Group
		owner              sql.NullString
		status             string
		created, updatedAt string
	)
	if err := sc.Scan(&g.ID, &g.Name, &owner, &status, &g.IsWhatsAppGroup, &created, &updatedAt); err != nil {
		return nil, err
	}
	g.OwnerTenantID = owner.String
	g.Status = GroupStatus(status)
	g.CreatedAt = parseTime(created)
	g.UpdatedAt = parseTime(updatedAt)
	return &g, nil
}

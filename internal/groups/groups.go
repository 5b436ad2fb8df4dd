// Package groups mirrors each tenant's WhatsApp groups into the shared store
// and carries out group create/delete requests.
package groups

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/sigortampanel/wabridge/internal/notify"
	"github.com/sigortampanel/wabridge/internal/session"
	"github.com/sigortampanel/wabridge/internal/store"
	"github.com/sigortampanel/wabridge/internal/whatsapp"
)

// ErrNoSession is recorded when a group request arrives for a tenant with
// no live connection.
var ErrNoSession = errors.New("groups: owner has no live session")

// Store is the group slice of the shared store.
type Store interface {
	UpsertGroup(ctx context.Context, g store.Group) error
	ClaimGroup(ctx context.Context, id string) (bool, error)
	ReplaceGroup(ctx context.Context, placeholderID string, g store.Group) error
	MarkGroupFailed(ctx context.Context, id string) error
	DeleteGroup(ctx context.Context, id string) error
	DeleteGroupsByOwner(ctx context.Context, tenantID string) (int64, error)
}

// Sessions resolves a tenant's live session.
type Sessions interface {
	Lookup(tenantID string) (*session.Session, bool)
}

// Synchronizer reconciles network groups with store rows.
type Synchronizer struct {
	store    Store
	notifier notify.Notifier
	log      *slog.Logger
	timeout  time.Duration
	sessions Sessions
}

// New creates a synchronizer. timeout bounds each remote group operation.
func New(st Store, notifier notify.Notifier, log *slog.Logger, timeout time.Duration) *Synchronizer {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Synchronizer{store: st, notifier: notifier, log: log, timeout: timeout}
}

// SetSessions sets the registry used by Handle. It must be called before Handle.
func (s *Synchronizer) SetSessions(sessions Sessions) {
	s.sessions = sessions
}

// SyncTenantGroups upserts every group visible to conn as an active row
// owned by tenantID. Re-running it only refreshes names.
func (s *Synchronizer) SyncTenantGroups(ctx context.Context, tenantID string, conn whatsapp.Conn) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	list, err := conn.FetchGroups(ctx)
	if err != nil {
		return fmt.Errorf("fetch groups: %w", err)
	}
	var errs []error
	for _, g := range list {
		row := store.Group{
			ID:              g.JID,
			Name:            g.Name,
			OwnerTenantID:   tenantID,
			Status:          store.GroupActive,
			IsWhatsAppGroup: true,
			CreatedAt:       g.CreatedAt,
		}
		if err := s.store.UpsertGroup(context.WithoutCancel(ctx), row); err != nil {
			errs = append(errs, err)
		}
	}
	s.log.Info("groups: synced", "tenant", tenantID, "count", len(list))
	return errors.Join(errs...)
}

// CreateGroup creates the group a placeholder row asks for and swaps the
// placeholder for the network-keyed row. On failure the placeholder is marked
// failed and left for inspection. A nil conn counts as a failure.
//
// The placeholder is claimed first, so a replayed creating event for the
// same row is a no-op.
func (s *Synchronizer) CreateGroup(ctx context.Context, conn whatsapp.Conn, row store.Group) error {
	storeCtx := context.WithoutCancel(ctx)
	claimed, err := s.store.ClaimGroup(storeCtx, row.ID)
	if err != nil {
		return fmt.Errorf("claim group %s: %w", row.ID, err)
	}
	if !claimed {
		s.log.Debug("groups: create already handled", "tenant", row.OwnerTenantID, "group", row.ID)
		return nil
	}
	if conn == nil {
		return s.createFailed(storeCtx, row, ErrNoSession)
	}

	opCtx, cancel := s.withTimeout(ctx)
	info, err := conn.CreateGroup(opCtx, row.Name, nil)
	cancel()
	if err != nil {
		return s.createFailed(storeCtx, row, err)
	}

	name := info.Name
	if name == "" {
		name = row.Name
	}
	created := store.Group{
		ID:              info.JID,
		Name:            name,
		OwnerTenantID:   row.OwnerTenantID,
		Status:          store.GroupActive,
		IsWhatsAppGroup: true,
		CreatedAt:       info.CreatedAt,
	}
	if err := s.store.ReplaceGroup(storeCtx, row.ID, created); err != nil {
		return fmt.Errorf("store created group %s: %w", info.JID, err)
	}
	s.log.Info("groups: created", "tenant", row.OwnerTenantID, "placeholder", row.ID, "group", info.JID)
	return nil
}

func (s *Synchronizer) createFailed(ctx context.Context, row store.Group, cause error) error {
	s.log.Warn("groups: create failed", "tenant", row.OwnerTenantID, "group", row.ID, "error", cause)
	err := fmt.Errorf("create group %q: %w", row.Name, cause)
	if markErr := s.store.MarkGroupFailed(ctx, row.ID); markErr != nil {
		err = errors.Join(err, fmt.Errorf("mark failed: %w", markErr))
	}

	nctx, cancel := s.withTimeout(ctx)
	defer cancel()
	evt := notify.Event{Kind: notify.KindGroupCreateFailed, TenantID: row.OwnerTenantID, Detail: fmt.Sprintf("%s: %v", row.Name, cause)}
	if nerr := s.notifier.Notify(nctx, evt); nerr != nil {
		s.log.Warn("groups: notify failed", "error", nerr)
	}
	return err
}

// DeleteGroup removes the tenant from the group and deletes its row. When the
// tenant is an admin the other members are removed first. Remote failures
// are logged only; the row is always deleted.
func (s *Synchronizer) DeleteGroup(ctx context.Context, conn whatsapp.Conn, row store.Group) error {
	if conn != nil && whatsapp.IsGroupJID(row.ID) {
		opCtx, cancel := s.withTimeout(ctx)
		s.leave(opCtx, conn, row.ID)
		cancel()
	}
	if err := s.store.DeleteGroup(context.WithoutCancel(ctx), row.ID); err != nil {
		return fmt.Errorf("delete group row %s: %w", row.ID, err)
	}
	s.log.Info("groups: deleted", "tenant", row.OwnerTenantID, "group", row.ID)
	return nil
}

func (s *Synchronizer) leave(ctx context.Context, conn whatsapp.Conn, groupID string) {
	log := s.log.With("group", groupID)
	phone, lid := conn.Identity(), conn.LID()

	info, err := conn.GroupInfo(ctx, groupID)
	if err != nil {
		log.Warn("groups: fetch group info", "error", err)
	} else {
		isSelf := func(p whatsapp.Participant) bool { return p.Is(phone, lid) }
		if !lo.ContainsBy(info.Participants, isSelf) {
			log.Warn("groups: own account not among participants", "phone", phone, "lid", lid, "participants", len(info.Participants))
		}
		admin := lo.ContainsBy(info.Participants, func(p whatsapp.Participant) bool { return p.IsAdmin && isSelf(p) })
		if admin {
			others := lo.FilterMap(info.Participants, func(p whatsapp.Participant, _ int) (string, bool) {
				return p.JID, !isSelf(p)
			})
			if len(others) > 0 {
				if err := conn.UpdateParticipants(ctx, groupID, others, whatsapp.ParticipantRemove); err != nil {
					log.Warn("groups: remove members", "count", len(others), "error", err)
				}
			}
		}
	}
	if err := conn.LeaveGroup(ctx, groupID); err != nil {
		log.Warn("groups: leave group", "error", err)
	}
}

// ClearOwnedGroups deletes every row owned by tenantID.
func (s *Synchronizer) ClearOwnedGroups(ctx context.Context, tenantID string) error {
	n, err := s.store.DeleteGroupsByOwner(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("delete groups of %s: %w", tenantID, err)
	}
	s.log.Debug("groups: cleared owned groups", "tenant", tenantID, "count", n)
	return nil
}

// Handle acts on a group row written by a collaborator. Rows in creating or
// deleting state are handed to the owner's session worker; other states are
// ignored. Handle never waits for the worker: an owner whose queue is full is
// treated like one without a live session.
func (s *Synchronizer) Handle(ctx context.Context, row store.Group) error {
	switch row.Status {
	case store.GroupCreating:
		return s.onOwner(ctx, row, s.CreateGroup)
	case store.GroupDeleting:
		return s.onOwner(ctx, row, s.DeleteGroup)
	default:
		return nil
	}
}

func (s *Synchronizer) onOwner(ctx context.Context, row store.Group, op func(context.Context, whatsapp.Conn, store.Group) error) error {
	var sess *session.Session
	if s.sessions != nil && row.OwnerTenantID != "" {
		if found, ok := s.sessions.Lookup(row.OwnerTenantID); ok && found.Connected() {
			sess = found
		}
	}
	if sess == nil {
		return op(ctx, nil, row)
	}
	err := sess.TrySubmit(func(jobCtx context.Context, conn whatsapp.Conn) {
		if err := op(jobCtx, conn, row); err != nil {
			s.log.Warn("groups: request failed", "tenant", row.OwnerTenantID, "group", row.ID, "error", err)
		}
	})
	if err != nil {
		s.log.Warn("groups: owner worker unavailable", "tenant", row.OwnerTenantID, "group", row.ID, "error", err)
		return errors.Join(err, op(ctx, nil, row))
	}
	return nil
}

func (s *Synchronizer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

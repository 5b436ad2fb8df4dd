// Package relay delivers queued outbound messages through tenant sessions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sigortampanel/wabridge/internal/config"
	"github.com/sigortampanel/wabridge/internal/session"
	"github.com/sigortampanel/wabridge/internal/store"
	"github.com/sigortampanel/wabridge/internal/whatsapp"
)

var (
	// ErrNoTarget marks a message with neither a group nor an address.
	ErrNoTarget = errors.New("relay: message has no target")
	// ErrNoSession marks a message whose tenant has no live session.
	ErrNoSession = errors.New("relay: no live session for tenant")
)

// Store is the message slice of the shared store.
type Store interface {
	GetMessage(ctx context.Context, id string) (*store.OutboundMessage, error)
	MarkMessage(ctx context.Context, id string, status store.DeliveryStatus, errText string) (bool, error)
}

// Sessions resolves live sessions.
type Sessions interface {
	Lookup(tenantID string) (*session.Session, bool)
	Any() (*session.Session, bool)
}

// Relay sends outbound messages and records their terminal status.
type Relay struct {
	store           Store
	sessions        Sessions
	cfg             config.RelayConfig
	allowUntenanted bool
	log             *slog.Logger
}

// New creates a relay. allowUntenanted routes messages without a tenant to
// any connected session.
func New(st Store, sessions Sessions, cfg config.RelayConfig, allowUntenanted bool, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{store: st, sessions: sessions, cfg: cfg, allowUntenanted: allowUntenanted, log: log}
}

// Target returns where m goes: the group when set, otherwise the address.
func Target(m store.OutboundMessage) string {
	if m.TargetGroupID != "" {
		return m.TargetGroupID
	}
	return whatsapp.NormalizeTarget(m.TargetAddress)
}

// Deliver queues m on its tenant's worker without waiting. Terminal messages
// are ignored. Routing failures and a full queue mark the message failed
// immediately; the send itself completes asynchronously.
func (r *Relay) Deliver(ctx context.Context, m store.OutboundMessage) error {
	if m.DeliveryStatus.Terminal() {
		return nil
	}
	target := Target(m)
	if target == "" {
		return r.finish(ctx, m, ErrNoTarget)
	}
	sess, err := r.route(m)
	if err != nil {
		return r.finish(ctx, m, err)
	}

	err = sess.TrySubmit(func(jobCtx context.Context, conn whatsapp.Conn) {
		r.send(jobCtx, conn, m, target)
	})
	if err != nil {
		return r.finish(ctx, m, err)
	}
	return nil
}

func (r *Relay) route(m store.OutboundMessage) (*session.Session, error) {
	if m.TenantID == "" {
		if !r.allowUntenanted {
			return nil, fmt.Errorf("%w: message has no tenant", ErrNoSession)
		}
		if s, ok := r.sessions.Any(); ok {
			return s, nil
		}
		return nil, ErrNoSession
	}
	s, ok := r.sessions.Lookup(m.TenantID)
	if !ok || !s.Connected() {
		return nil, fmt.Errorf("%w %s", ErrNoSession, m.TenantID)
	}
	return s, nil
}

func (r *Relay) send(ctx context.Context, conn whatsapp.Conn, m store.OutboundMessage, target string) {
	// A duplicate change event may have queued this message twice.
	if cur, err := r.store.GetMessage(context.WithoutCancel(ctx), m.ID); err == nil && cur.DeliveryStatus.Terminal() {
		return
	}
	if conn == nil {
		_ = r.finish(ctx, m, session.ErrNotConnected)
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	err := conn.Send(sendCtx, target, m.Content)
	cancel()
	_ = r.finish(ctx, m, err)
}

// finish records the outcome. A nil cause marks the message sent. The
// returned error is cause, or the store error if the write failed.
func (r *Relay) finish(ctx context.Context, m store.OutboundMessage, cause error) error {
	status, errText := store.DeliverySent, ""
	if cause != nil {
		status, errText = store.DeliveryFailed, cause.Error()
	}
	log := r.log.With("message", m.ID, "tenant", m.TenantID)

	changed, err := r.store.MarkMessage(context.WithoutCancel(ctx), m.ID, status, errText)
	if err != nil {
		log.Error("relay: record delivery status", "status", status, "error", err)
		return err
	}
	switch {
	case !changed:
		log.Debug("relay: message already terminal")
	case cause != nil:
		log.Warn("relay: delivery failed", "error", cause)
	default:
		log.Info("relay: message sent")
	}
	return cause
}

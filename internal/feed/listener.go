package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/sigortampanel/wabridge/internal/session"
	"github.com/sigortampanel/wabridge/internal/store"
)

// Sessions accepts session commands.
type Sessions interface {
	Dispatch(tenantID string, cmd session.Command) error
}

// Groups handles group rows.
type Groups interface {
	Handle(ctx context.Context, row store.Group) error
}

// Relay delivers outbound messages.
type Relay interface {
	Deliver(ctx context.Context, m store.OutboundMessage) error
}

// Listener routes changes from a Source to the core components.
type Listener struct {
	source   Source
	sessions Sessions
	groups   Groups
	relay    Relay
	log      *slog.Logger
}

// NewListener wires a listener.
func NewListener(source Source, sessions Sessions, groups Groups, relay Relay, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{source: source, sessions: sessions, groups: groups, relay: relay, log: log}
}

// Run consumes changes until ctx ends or the source closes. A failing or
// panicking change is logged and committed; it never stops the loop.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.source.Start(ctx); err != nil {
		return fmt.Errorf("feed: start source: %w", err)
	}
	defer l.source.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-l.source.Changes():
			if !ok {
				return nil
			}
			l.dispatch(ctx, c)
			if err := l.source.Commit(ctx, c); err != nil && ctx.Err() == nil {
				l.log.Warn("feed: commit change", "seq", c.Seq, "error", err)
			}
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, c Change) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("feed: panic while routing change", "table", c.Table, "seq", c.Seq, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := l.route(ctx, c); err != nil {
		l.log.Warn("feed: change not applied", "table", c.Table, "op", c.Op, "seq", c.Seq, "error", err)
	}
}

func (l *Listener) route(ctx context.Context, c Change) error {
	if c.Op == store.OpDelete {
		return nil
	}
	switch c.Table {
	case store.TableSessions:
		var row store.Session
		if err := json.Unmarshal(c.Row, &row); err != nil {
			return fmt.Errorf("decode session row: %w", err)
		}
		// The core's own writes are status reports, not commands.
		if row.Source != store.SourceClient {
			return nil
		}
		switch row.Status {
		case store.StatusScanning:
			return l.sessions.Dispatch(row.TenantID, session.RequestScan)
		case store.StatusDisconnected:
			return l.sessions.Dispatch(row.TenantID, session.Disconnect)
		}
		return nil

	case store.TableGroups:
		var row store.Group
		if err := json.Unmarshal(c.Row, &row); err != nil {
			return fmt.Errorf("decode group row: %w", err)
		}
		return l.groups.Handle(ctx, row)

	case store.TableMessages:
		var m store.OutboundMessage
		if err := json.Unmarshal(c.Row, &m); err != nil {
			return fmt.Errorf("decode message row: %w", err)
		}
		if m.DeliveryStatus != store.DeliveryPending {
			return nil
		}
		return l.relay.Deliver(ctx, m)

	default:
		l.log.Debug("feed: ignoring change", "table", c.Table)
		return nil
	}
}

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sigortampanel/wabridge/internal/credentials"
	"github.com/sigortampanel/wabridge/internal/store"
)

// Command is a request routed to a tenant's session.
type Command int

const (
	// RequestScan starts a pairing cycle unless one is already in flight.
	RequestScan Command = iota + 1
	// Disconnect stops the tenant's session and removes it.
	Disconnect
)

func (c Command) String() string {
	switch c {
	case RequestScan:
		return "request_scan"
	case Disconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// Registry owns every live Session, at most one per tenant.
type Registry struct {
	deps   Deps
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	retiring map[string]<-chan struct{}
	closed   bool
}

// NewRegistry creates an empty registry. Sessions live until Shutdown or ctx ends.
func NewRegistry(ctx context.Context, deps Deps) *Registry {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Registry{
		deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		retiring: make(map[string]<-chan struct{}),
	}
}

// Dispatch routes cmd to the tenant's session without blocking. A scan
// request for a tenant whose inbox is full returns ErrBusy.
func (r *Registry) Dispatch(tenantID string, cmd Command) error {
	if err := credentials.ValidateTenant(tenantID); err != nil {
		return err
	}
	switch cmd {
	case RequestScan:
		s, err := r.getOrCreate(tenantID)
		if err != nil {
			return err
		}
		return s.tryPost(cmdStart{reconnect: false})

	case Disconnect:
		r.mu.Lock()
		s, ok := r.sessions[tenantID]
		if ok {
			delete(r.sessions, tenantID)
			r.retiring[tenantID] = s.done
		}
		r.mu.Unlock()
		if !ok {
			return nil
		}
		go func() {
			s.post(cmdStop{})
			r.forget(tenantID, s.done)
		}()
		return nil

	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
}

// getOrCreate returns the tenant's session, creating and starting it if absent.
// A new session for a tenant whose previous session is still tearing down
// waits for that teardown before handling commands.
func (r *Registry) getOrCreate(tenantID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if s, ok := r.sessions[tenantID]; ok {
		return s, nil
	}
	after := r.retiring[tenantID]
	delete(r.retiring, tenantID)

	s := newSession(r.ctx, tenantID, r.deps, after)
	r.sessions[tenantID] = s
	go s.run()
	return s, nil
}

func (r *Registry) forget(tenantID string, done <-chan struct{}) {
	<-done
	r.mu.Lock()
	if r.retiring[tenantID] == done {
		delete(r.retiring, tenantID)
	}
	r.mu.Unlock()
}

// RestoreAll resumes every session persisted as connected, reusing its
// newest credential generation. It returns how many were resumed.
func (r *Registry) RestoreAll(ctx context.Context) (int, error) {
	rows, err := r.deps.Store.ListSessionsByStatus(ctx, store.StatusConnected)
	if err != nil {
		return 0, fmt.Errorf("list connected sessions: %w", err)
	}
	n := 0
	for _, row := range rows {
		if err := credentials.ValidateTenant(row.TenantID); err != nil {
			r.deps.Log.Warn("session: skipping restore", "tenant", row.TenantID, "error", err)
			continue
		}
		s, err := r.getOrCreate(row.TenantID)
		if err != nil {
			return n, err
		}
		s.post(cmdStart{reconnect: true})
		n++
	}
	r.deps.Log.Info("session: restored sessions", "count", n)
	return n, nil
}

// Lookup returns the tenant's session.
func (r *Registry) Lookup(tenantID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tenantID]
	return s, ok
}

// Any returns a connected session, picking the lowest tenant id. It serves
// legacy rows that carry no tenant.
func (r *Registry) Any() (*Session, bool) {
	for _, id := range r.Tenants() {
		if s, ok := r.Lookup(id); ok && s.Connected() {
			return s, true
		}
	}
	return nil, false
}

// Tenants returns the registered tenant ids in order.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Shutdown closes every connection without logging out or touching the store,
// so RestoreAll can resume them after a restart. Teardowns already in
// progress are awaited.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	waits := make([]<-chan struct{}, 0, len(live)+len(r.retiring))
	for _, done := range r.retiring {
		waits = append(waits, done)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range live {
		s.post(cmdShutdown{})
		waits = append(waits, s.done)
	}
	defer r.cancel()
	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

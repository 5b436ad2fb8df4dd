// Package session runs one WhatsApp connection lifecycle per tenant.
//
// Each Session is an actor: a single goroutine owns the tenant's state and
// handles commands, connection events and timers one at a time. Network I/O
// for sends and group operations runs on a second, per-tenant worker so it
// never stalls the state machine or other tenants.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sigortampanel/wabridge/internal/config"
	"github.com/sigortampanel/wabridge/internal/credentials"
	"github.com/sigortampanel/wabridge/internal/notify"
	"github.com/sigortampanel/wabridge/internal/store"
	"github.com/sigortampanel/wabridge/internal/whatsapp"
)

var (
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("session: not connected")
	// ErrClosed is returned when the session or registry has shut down.
	ErrClosed = errors.New("session: closed")
	// ErrBusy is returned when a tenant's queue is full.
	ErrBusy = errors.New("session: queue full")

	errHandshakeTimeout = errors.New("session: handshake timed out")
)

// Phase is the in-process state of a Session.
type Phase int32

const (
	Idle Phase = iota
	Starting
	Scanning
	Connected
	Reconnecting
	Closing
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Scanning:
		return "scanning"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Store is the slice of the shared store the session manager writes.
type Store interface {
	SetScanning(ctx context.Context, tenantID, qr string) error
	SetConnected(ctx context.Context, tenantID, phone string) error
	SetDisconnected(ctx context.Context, tenantID string) error
	ListSessionsByStatus(ctx context.Context, status store.SessionStatus) ([]store.Session, error)
}

// Credentials manages credential generations on disk.
type Credentials interface {
	Current(tenantID string) (credentials.Generation, bool, error)
	Rotate(tenantID string) (credentials.Generation, error)
	Wipe(gen credentials.Generation) error
	WipeTenant(tenantID string) error
}

// GroupSync mirrors a tenant's groups into the store.
type GroupSync interface {
	SyncTenantGroups(ctx context.Context, tenantID string, conn whatsapp.Conn) error
	ClearOwnedGroups(ctx context.Context, tenantID string) error
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Store       Store
	Credentials Credentials
	Dialer      whatsapp.Dialer
	Groups      GroupSync       // optional
	Notifier    notify.Notifier // optional
	Log         *slog.Logger
	Config      config.WhatsAppConfig
	QueueSize   int
}

// Job runs on a tenant's I/O worker. conn is nil when the tenant has no
// live connection; ctx ends when that connection does.
type Job func(ctx context.Context, conn whatsapp.Conn)

// Actor messages.
type cmdStart struct{ reconnect bool }
type cmdStop struct{}
type cmdShutdown struct{}
type handshakeExpired struct{ attempt uint64 }
type retryDue struct{ attempt uint64 }

type dialResult struct {
	attempt uint64
	gen     credentials.Generation
	conn    whatsapp.Conn
	err     error
}

type connEvent struct {
	attempt uint64
	ev      whatsapp.Event
}

// Session is the live (or intended) connection of one tenant.
type Session struct {
	tenantID string
	deps     Deps
	log      *slog.Logger
	ctx      context.Context
	after    <-chan struct{}

	inbox       chan any
	inboxMu     sync.RWMutex
	inboxClosed bool
	stopping    chan struct{}
	done        chan struct{}
	// wipedAt is the attempt of the latest teardown. Dials begun before it
	// must not leave credentials behind.
	wipedAt atomic.Uint64

	jobs       chan Job
	jobMu      sync.RWMutex
	jobsClosed bool
	quit       chan struct{}
	workerDone chan struct{}

	mu      sync.RWMutex
	phase   Phase
	live    whatsapp.Conn
	liveCtx context.Context

	// Owned by the actor goroutine.
	attempt    uint64
	failures   int
	qr         string
	identity   string
	gen        credentials.Generation
	conn       whatsapp.Conn
	connCtx    context.Context
	connCancel context.CancelFunc
	handshake  *time.Timer
	retry      *time.Timer
}

// newSession builds a session. It does nothing until run is started; run
// first waits for after (the predecessor's teardown) when it is non-nil.
func newSession(ctx context.Context, tenantID string, deps Deps, after <-chan struct{}) *Session {
	queue := deps.QueueSize
	if queue <= 0 {
		queue = 64
	}
	return &Session{
		tenantID:   tenantID,
		deps:       deps,
		log:        deps.Log.With("tenant", tenantID),
		ctx:        ctx,
		after:      after,
		inbox:      make(chan any, 32),
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
		jobs:       make(chan Job, queue),
		quit:       make(chan struct{}),
		workerDone: make(chan struct{}),
	}
}

// TenantID returns the owning tenant.
func (s *Session) TenantID() string { return s.tenantID }

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Connected reports whether the session holds an authenticated connection.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase == Connected && s.live != nil
}

// Done is closed once the session has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Submit queues job on the tenant's I/O worker.
func (s *Session) Submit(ctx context.Context, job Job) error {
	s.jobMu.RLock()
	defer s.jobMu.RUnlock()
	if s.jobsClosed {
		return ErrClosed
	}
	select {
	case s.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues job without waiting. It returns ErrBusy when the queue is
// full, so one stalled tenant cannot hold up callers serving other tenants.
func (s *Session) TrySubmit(job Job) error {
	s.jobMu.RLock()
	defer s.jobMu.RUnlock()
	if s.jobsClosed {
		return ErrClosed
	}
	select {
	case s.jobs <- job:
		return nil
	default:
		return ErrBusy
	}
}

// tryPost is post without waiting for inbox space.
func (s *Session) tryPost(msg any) error {
	s.inboxMu.RLock()
	defer s.inboxMu.RUnlock()
	if s.inboxClosed {
		return ErrClosed
	}
	select {
	case s.inbox <- msg:
		return nil
	default:
		return ErrBusy
	}
}

// post hands msg to the actor. It reports false once the actor has exited;
// a message accepted here is always either handled or drained by closeInbox.
func (s *Session) post(msg any) bool {
	s.inboxMu.RLock()
	defer s.inboxMu.RUnlock()
	if s.inboxClosed {
		return false
	}
	select {
	case s.inbox <- msg:
		return true
	case <-s.stopping:
		return false
	}
}

// closeInbox rejects further posts and closes connections carried by dial
// results the actor never handled.
func (s *Session) closeInbox() {
	close(s.stopping)
	s.inboxMu.Lock()
	s.inboxClosed = true
	s.inboxMu.Unlock()
	for {
		select {
		case msg := <-s.inbox:
			if m, ok := msg.(dialResult); ok && m.conn != nil {
				s.discardDial(m.attempt, m.gen, m.conn)
			}
		default:
			return
		}
	}
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Session) setLive(conn whatsapp.Conn, ctx context.Context) {
	s.mu.Lock()
	s.live = conn
	s.liveCtx = ctx
	s.mu.Unlock()
}

func (s *Session) liveConn() (whatsapp.Conn, context.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live, s.liveCtx
}

func (s *Session) run() {
	defer close(s.done)
	defer s.closeInbox()
	if s.after != nil {
		select {
		case <-s.after:
		case <-s.ctx.Done():
		}
	}

	go s.work()
	defer s.stopWorker()

	for {
		select {
		case msg := <-s.inbox:
			if s.handle(msg) {
				return
			}
		case <-s.ctx.Done():
			s.shutdown()
			return
		}
	}
}

// handle processes one message and reports whether the actor should exit.
func (s *Session) handle(msg any) (exit bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session: panic in state machine", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	switch m := msg.(type) {
	case cmdStart:
		s.start(m.reconnect)
	case cmdStop:
		s.teardown(true)
		return true
	case cmdShutdown:
		s.shutdown()
		return true
	case dialResult:
		s.onDial(m)
	case connEvent:
		if m.attempt == s.attempt {
			s.onEvent(m.ev)
		}
	case handshakeExpired:
		if m.attempt == s.attempt && s.Phase() == Starting {
			s.log.Warn("session: no pairing code or open within timeout", "timeout", s.deps.Config.ConnectTimeout)
			s.onClosed(whatsapp.Closed{Reason: whatsapp.Transient, Err: errHandshakeTimeout})
		}
	case retryDue:
		if m.attempt == s.attempt && s.Phase() == Reconnecting {
			s.begin(true)
		}
	}
	return false
}

func (s *Session) start(reconnect bool) {
	if p := s.Phase(); p != Idle {
		s.log.Debug("session: start ignored", "phase", p.String())
		s.reassert(p)
		return
	}
	s.begin(reconnect)
}

// reassert rewrites the store row for a session that is already scanning or
// connected, since the ignored request overwrote it.
func (s *Session) reassert(p Phase) {
	var err error
	switch p {
	case Scanning:
		err = s.deps.Store.SetScanning(s.storeCtx(), s.tenantID, s.qr)
	case Connected:
		err = s.deps.Store.SetConnected(s.storeCtx(), s.tenantID, s.identity)
	default:
		return
	}
	if err != nil {
		s.log.Error("session: rewrite status", "phase", p.String(), "error", err)
	}
}

// begin opens a connection attempt. reconnect reuses the newest generation
// when one exists; otherwise a fresh generation is rotated in.
func (s *Session) begin(reconnect bool) {
	gen, err := s.generation(reconnect)
	if err != nil {
		s.log.Error("session: credential generation unavailable", "error", err)
		s.setPhase(Idle)
		s.writeDisconnected()
		return
	}

	s.attempt++
	id := s.attempt
	s.gen = gen
	s.setPhase(Starting)

	ctx, cancel := context.WithCancel(s.ctx)
	s.connCtx, s.connCancel = ctx, cancel
	s.handshake = time.AfterFunc(s.deps.Config.ConnectTimeout, func() { s.post(handshakeExpired{attempt: id}) })

	s.log.Info("session: connecting", "reconnect", reconnect, "generation", gen.Stamp)
	go func() {
		conn, err := s.deps.Dialer.Dial(ctx, gen)
		if err == nil {
			if err = conn.Connect(ctx); err == nil {
				// Stopped while connecting.
				err = ctx.Err()
			}
		}
		if err != nil {
			s.discardDial(id, gen, conn)
			conn = nil
		}
		if !s.post(dialResult{attempt: id, gen: gen, conn: conn, err: err}) && conn != nil {
			s.discardDial(id, gen, conn)
		}
	}()
}

func (s *Session) generation(reconnect bool) (credentials.Generation, error) {
	if reconnect {
		gen, ok, err := s.deps.Credentials.Current(s.tenantID)
		if err != nil {
			return credentials.Generation{}, err
		}
		if ok {
			return gen, nil
		}
	}
	return s.deps.Credentials.Rotate(s.tenantID)
}

func (s *Session) onDial(m dialResult) {
	if m.attempt != s.attempt || s.Phase() != Starting {
		if m.conn != nil {
			s.discardDial(m.attempt, m.gen, m.conn)
		}
		return
	}
	if m.err != nil {
		s.onClosed(whatsapp.Closed{Reason: whatsapp.Transient, Err: m.err})
		return
	}
	s.conn = m.conn
	go s.forward(m.attempt, m.conn, s.connCtx)
}

// discardDial closes a connection nobody will use. When a teardown ran after
// the dial began, the generation the dial may have recreated is wiped again.
func (s *Session) discardDial(id uint64, gen credentials.Generation, conn whatsapp.Conn) {
	if conn != nil {
		_ = conn.Close()
	}
	if id >= s.wipedAt.Load() {
		return
	}
	if err := s.deps.Credentials.Wipe(gen); err != nil {
		s.log.Warn("session: wipe abandoned generation", "generation", gen.Stamp, "error", err)
	}
}

// forward relays connection events to the actor until the connection ends.
func (s *Session) forward(id uint64, conn whatsapp.Conn, ctx context.Context) {
	for {
		select {
		case ev := <-conn.Events():
			if !s.post(connEvent{attempt: id, ev: ev}) {
				return
			}
			if _, closed := ev.(whatsapp.Closed); closed {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) onEvent(ev whatsapp.Event) {
	switch e := ev.(type) {
	case whatsapp.PairingCode:
		s.stopHandshake()
		qr, err := EncodeQR(e.Code, s.deps.Config.QRSize)
		if err != nil {
			s.log.Error("session: render pairing code", "error", err)
			return
		}
		s.qr = qr
		s.setPhase(Scanning)
		if err := s.deps.Store.SetScanning(s.storeCtx(), s.tenantID, qr); err != nil {
			s.log.Error("session: write scanning status", "error", err)
		}
		s.log.Info("session: pairing code published")

	case whatsapp.Opened:
		s.stopHandshake()
		s.failures = 0
		identity := e.Identity
		if identity == "" && s.conn != nil {
			identity = s.conn.Identity()
		}
		s.qr, s.identity = "", identity
		s.setLive(s.conn, s.connCtx)
		s.setPhase(Connected)
		if err := s.deps.Store.SetConnected(s.storeCtx(), s.tenantID, identity); err != nil {
			s.log.Error("session: write connected status", "error", err)
		}
		s.log.Info("session: connected", "phone", identity)
		s.syncGroups()

	case whatsapp.Closed:
		s.onClosed(e)
	}
}

func (s *Session) syncGroups() {
	if s.deps.Groups == nil {
		return
	}
	err := s.TrySubmit(func(ctx context.Context, conn whatsapp.Conn) {
		if conn == nil {
			return
		}
		if err := s.deps.Groups.SyncTenantGroups(ctx, s.tenantID, conn); err != nil {
			s.log.Warn("session: group sync failed", "error", err)
		}
	})
	if err != nil {
		s.log.Warn("session: group sync not queued", "error", err)
	}
}

func (s *Session) onClosed(c whatsapp.Closed) {
	// Events still queued from the dropped connection become stale.
	s.attempt++
	s.stopHandshake()
	s.dropConn()
	log := s.log.With("reason", c.Reason.String(), "error", c.Err)

	switch c.Reason {
	case whatsapp.AuthInvalidated:
		log.Warn("session: credentials rejected, starting a fresh pairing")
		if err := s.deps.Credentials.Wipe(s.gen); err != nil {
			log.Warn("session: wipe rejected generation", "wipe_error", err)
		}
		s.failures = 0
		s.setPhase(Idle)
		s.begin(false)

	case whatsapp.LoggedOut, whatsapp.Replaced:
		log.Warn("session: terminated remotely")
		s.teardown(false)
		s.alert(notify.Event{Kind: notify.KindSessionTerminated, TenantID: s.tenantID, Detail: c.Reason.String()})

	default:
		s.failures++
		delay := Backoff(s.failures, s.deps.Config.ReconnectBase, s.deps.Config.ReconnectMax)
		s.setPhase(Reconnecting)
		s.writeDisconnected()
		id := s.attempt
		s.retry = time.AfterFunc(delay, func() { s.post(retryDue{attempt: id}) })
		log.Info("session: reconnect scheduled", "failures", s.failures, "delay", delay)
	}
}

// teardown ends the tenant's session completely. Every step runs even when
// an earlier one fails.
func (s *Session) teardown(logout bool) {
	s.attempt++
	s.wipedAt.Store(s.attempt)
	s.stopTimers()
	s.setPhase(Closing)

	var errs []error
	if logout && s.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.deps.Config.OperationTimeout)
		if err := s.conn.Logout(ctx); err != nil {
			errs = append(errs, fmt.Errorf("logout: %w", err))
		}
		cancel()
	}
	s.dropConn()
	if err := s.drainWorker(); err != nil {
		errs = append(errs, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.deps.Config.OperationTimeout)
	defer cancel()
	if s.deps.Groups != nil {
		if err := s.deps.Groups.ClearOwnedGroups(ctx, s.tenantID); err != nil {
			errs = append(errs, fmt.Errorf("clear groups: %w", err))
		}
	}
	if err := s.deps.Store.SetDisconnected(ctx, s.tenantID); err != nil {
		errs = append(errs, fmt.Errorf("reset status: %w", err))
	}
	if err := s.deps.Credentials.WipeTenant(s.tenantID); err != nil {
		errs = append(errs, fmt.Errorf("wipe credentials: %w", err))
	}

	s.failures = 0
	s.gen = credentials.Generation{}
	s.qr, s.identity = "", ""
	s.setPhase(Idle)

	if err := errors.Join(errs...); err != nil {
		s.log.Warn("session: teardown completed with errors", "logout", logout, "error", err)
		return
	}
	s.log.Info("session: torn down", "logout", logout)
}

// shutdown drops the connection but keeps the store row and credentials so
// the session can be restored on the next start.
func (s *Session) shutdown() {
	s.attempt++
	s.stopTimers()
	s.dropConn()
	s.setPhase(Idle)
	s.log.Debug("session: shut down")
}

func (s *Session) dropConn() {
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Debug("session: close connection", "error", err)
		}
		s.conn = nil
	}
	s.setLive(nil, nil)
}

func (s *Session) stopHandshake() {
	if s.handshake != nil {
		s.handshake.Stop()
		s.handshake = nil
	}
}

func (s *Session) stopTimers() {
	s.stopHandshake()
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *Session) writeDisconnected() {
	if err := s.deps.Store.SetDisconnected(s.storeCtx(), s.tenantID); err != nil {
		s.log.Error("session: write disconnected status", "error", err)
	}
}

func (s *Session) storeCtx() context.Context {
	return context.WithoutCancel(s.ctx)
}

func (s *Session) alert(evt notify.Event) {
	if s.deps.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.Config.OperationTimeout)
	defer cancel()
	if err := s.deps.Notifier.Notify(ctx, evt); err != nil {
		s.log.Warn("session: notify failed", "kind", evt.Kind, "error", err)
	}
}

// work runs queued jobs one at a time. After quit it drains what is left;
// those jobs see no connection.
func (s *Session) work() {
	defer close(s.workerDone)
	for {
		select {
		case job := <-s.jobs:
			s.runJob(job)
		case <-s.quit:
			for {
				select {
				case job := <-s.jobs:
					s.runJob(job)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) runJob(job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session: panic in job", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	conn, ctx := s.liveConn()
	if conn == nil || ctx == nil {
		conn, ctx = nil, s.storeCtx()
	}
	job(ctx, conn)
}

// drainWorker waits until every job queued so far has run.
func (s *Session) drainWorker() error {
	barrier := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.Config.OperationTimeout)
	defer cancel()
	if err := s.Submit(ctx, func(context.Context, whatsapp.Conn) { close(barrier) }); err != nil {
		return fmt.Errorf("drain worker: %w", err)
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain worker: %w", ctx.Err())
	}
}

func (s *Session) stopWorker() {
	s.jobMu.Lock()
	s.jobsClosed = true
	s.jobMu.Unlock()
	close(s.quit)
	<-s.workerDone
}

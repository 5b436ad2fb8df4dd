package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sigortampanel/wabridge/internal/config"
	"github.com/sigortampanel/wabridge/internal/credentials"
	"github.com/sigortampanel/wabridge/internal/notify"
	"github.com/sigortampanel/wabridge/internal/store"
	"github.com/sigortampanel/wabridge/internal/whatsapp"
)

const waitTimeout = 3 * time.Second

type fakeGroups struct {
	mu      sync.Mutex
	synced  []string
	cleared []string
}

func (f *fakeGroups) SyncTenantGroups(_ context.Context, tenantID string, _ whatsapp.Conn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, tenantID)
	return nil
}

func (f *fakeGroups) ClearOwnedGroups(_ context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, tenantID)
	return nil
}

func (f *fakeGroups) counts() (synced, cleared int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.synced), len(f.cleared)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeNotifier) Notify(_ context.Context, evt notify.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeNotifier) all() []notify.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Event(nil), f.events...)
}

type harness struct {
	t        *testing.T
	st       *store.Store
	creds    *credentials.Store
	dialer   *whatsapp.FakeDialer
	groups   *fakeGroups
	notifier *fakeNotifier
	reg      *Registry
}

func testConfig() config.WhatsAppConfig {
	return config.WhatsAppConfig{
		ReconnectBase:    20 * time.Millisecond,
		ReconnectMax:     100 * time.Millisecond,
		ConnectTimeout:   2 * time.Second,
		OperationTimeout: 2 * time.Second,
		QRSize:           128,
	}
}

func newHarness(t *testing.T, mutate func(*config.WhatsAppConfig)) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open("sqlite", filepath.Join(dir, "wabridge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	creds, err := credentials.New(filepath.Join(dir, "auth"))
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		t:        t,
		st:       st,
		creds:    creds,
		dialer:   whatsapp.NewFakeDialer(),
		groups:   &fakeGroups{},
		notifier: &fakeNotifier{},
	}
	h.reg = NewRegistry(context.Background(), Deps{
		Store:       st,
		Credentials: creds,
		Dialer:      h.dialer,
		Groups:      h.groups,
		Notifier:    h.notifier,
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:      cfg,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = h.reg.Shutdown(ctx)
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) row(tenantID string) *store.Session {
	row, err := h.st.GetSession(context.Background(), tenantID)
	if err != nil {
		return nil
	}
	return row
}

func (h *harness) waitStatus(tenantID string, status store.SessionStatus) *store.Session {
	h.t.Helper()
	var row *store.Session
	waitFor(h.t, string(status)+" row for "+tenantID, func() bool {
		row = h.row(tenantID)
		return row != nil && row.Status == status
	})
	return row
}

func (h *harness) nextConn() *whatsapp.FakeConn {
	h.t.Helper()
	conn, err := h.dialer.Next(waitTimeout)
	if err != nil {
		h.t.Fatal(err)
	}
	return conn
}

// connect drives a tenant from RequestScan to an authenticated connection.
func (h *harness) connect(tenantID, phone string) *whatsapp.FakeConn {
	h.t.Helper()
	if err := h.reg.Dispatch(tenantID, RequestScan); err != nil {
		h.t.Fatalf("dispatch scan: %v", err)
	}
	conn := h.nextConn()
	conn.EmitPairing("2@pairing-" + tenantID)
	h.waitStatus(tenantID, store.StatusScanning)
	conn.EmitOpened(phone)
	h.waitStatus(tenantID, store.StatusConnected)
	return conn
}

func TestScanPublishesQRThenConnects(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.reg.Dispatch("t1", RequestScan); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	conn := h.nextConn()
	conn.EmitPairing("2@abc,def")

	row := h.waitStatus("t1", store.StatusScanning)
	if !strings.HasPrefix(row.QRPayload, qrDataURLPrefix) {
		t.Fatalf("qr payload is not a png data url: %q", row.QRPayload)
	}
	if row.PhoneIdentity != "" {
		t.Fatalf("scanning row carries phone identity %q", row.PhoneIdentity)
	}

	conn.EmitOpened("9055511122")
	row = h.waitStatus("t1", store.StatusConnected)
	if row.PhoneIdentity != "9055511122" {
		t.Fatalf("phone identity: got %q", row.PhoneIdentity)
	}
	if row.QRPayload != "" {
		t.Fatalf("connected row still carries a qr payload")
	}
	if row.Source != store.SourceCore {
		t.Fatalf("source: got %q", row.Source)
	}

	s, ok := h.reg.Lookup("t1")
	if !ok || !s.Connected() {
		t.Fatalf("session not reported as connected")
	}
	waitFor(t, "group sync", func() bool {
		synced, _ := h.groups.counts()
		return synced == 1
	})
}

func TestRequestScanWhileInFlightDialsOnce(t *testing.T) {
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.reg.Dispatch("t1", RequestScan); err != nil {
				t.Errorf("dispatch: %v", err)
			}
		}()
	}
	wg.Wait()

	conn := h.nextConn()
	conn.EmitPairing("2@abc")
	h.waitStatus("t1", store.StatusScanning)

	if err := h.reg.Dispatch("t1", RequestScan); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := h.dialer.Dials(); n != 1 {
		t.Fatalf("expected a single dial, got %d", n)
	}
	if got := len(h.reg.Tenants()); got != 1 {
		t.Fatalf("expected one registered session, got %d", got)
	}
}

func TestTransientCloseReconnectsWithSameCredentials(t *testing.T) {
	h := newHarness(t, nil)
	first := h.connect("t1", "9055511122")

	first.EmitClosed(whatsapp.Transient, errors.New("stream error"))
	h.waitStatus("t1", store.StatusDisconnected)

	second := h.nextConn()
	if second.Gen.Dir != first.Gen.Dir {
		t.Fatalf("reconnect rotated credentials: %s -> %s", first.Gen.Dir, second.Gen.Dir)
	}
	if !first.Closed() {
		t.Fatalf("dropped connection was not closed")
	}
	if first.LoggedOut() {
		t.Fatalf("transient close must not log out")
	}

	second.EmitOpened("9055511122")
	h.waitStatus("t1", store.StatusConnected)
	if _, err := os.Stat(second.Gen.Dir); err != nil {
		t.Fatalf("credential generation missing after reconnect: %v", err)
	}
}

func TestRepeatedTransientFailuresKeepRetrying(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.ConnectErr = errors.New("connection refused")

	if err := h.reg.Dispatch("t1", RequestScan); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "several reconnect attempts", func() bool { return h.dialer.Dials() >= 4 })

	s, ok := h.reg.Lookup("t1")
	if !ok {
		t.Fatal("session missing")
	}
	if p := s.Phase(); p != Reconnecting && p != Starting {
		t.Fatalf("unexpected phase %s", p)
	}
	gens, err := h.creds.List("t1")
	if err != nil {
		t.Fatalf("list generations: %v", err)
	}
	if len(gens) != 1 {
		t.Fatalf("expected one generation across retries, got %d", len(gens))
	}
}

func TestAuthInvalidatedStartsFreshPairing(t *testing.T) {
	h := newHarness(t, nil)
	first := h.connect("t1", "9055511122")

	first.EmitClosed(whatsapp.AuthInvalidated, errors.New("401"))
	second := h.nextConn()
	if second.Gen.Dir == first.Gen.Dir {
		t.Fatalf("rejected credentials were reused")
	}
	if _, err := os.Stat(first.Gen.Dir); !os.IsNotExist(err) {
		t.Fatalf("rejected generation still on disk: %v", err)
	}

	second.EmitPairing("2@fresh")
	row := h.waitStatus("t1", store.StatusScanning)
	if row.PhoneIdentity != "" {
		t.Fatalf("scanning row kept the old phone identity")
	}
}

func TestDisconnectTearsDownAndRescanRotates(t *testing.T) {
	h := newHarness(t, nil)
	first := h.connect("t1", "9055511122")

	if err := h.reg.Dispatch("t1", Disconnect); err != nil {
		t.Fatalf("dispatch disconnect: %v", err)
	}
	if err := h.reg.Dispatch("t1", RequestScan); err != nil {
		t.Fatalf("dispatch scan: %v", err)
	}

	second := h.nextConn()
	if !first.LoggedOut() || !first.Closed() {
		t.Fatalf("new session dialed before the old one logged out")
	}
	if second.Gen.Dir == first.Gen.Dir {
		t.Fatalf("rescan reused torn down credentials")
	}
	if _, err := os.Stat(first.Gen.Dir); !os.IsNotExist(err) {
		t.Fatalf("old generation still on disk: %v", err)
	}
	if _, cleared := h.groups.counts(); cleared != 1 {
		t.Fatalf("expected owned groups cleared once, got %d", cleared)
	}

	second.EmitPairing("2@again")
	h.waitStatus("t1", store.StatusScanning)
}

func TestDisconnectResetsRowAndCredentials(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect("t1", "9055511122")

	if err := h.reg.Dispatch("t1", Disconnect); err != nil {
		t.Fatalf("dispatch disconnect: %v", err)
	}
	row := h.waitStatus("t1", store.StatusDisconnected)
	if row.PhoneIdentity != "" || row.QRPayload != "" {
		t.Fatalf("disconnected row not cleared: %+v", row)
	}
	waitFor(t, "credentials wiped", func() bool {
		gens, err := h.creds.List("t1")
		return err == nil && len(gens) == 0
	})
	if !conn.LoggedOut() {
		t.Fatalf("disconnect did not log out")
	}
	if _, ok := h.reg.Lookup("t1"); ok {
		t.Fatalf("disconnected session still registered")
	}
}

func TestRemoteLogoutIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect("t1", "9055511122")

	conn.EmitClosed(whatsapp.LoggedOut, errors.New("logged out from phone"))
	h.waitStatus("t1", store.StatusDisconnected)
	waitFor(t, "termination alert", func() bool { return len(h.notifier.all()) == 1 })

	evt := h.notifier.all()[0]
	if evt.Kind != notify.KindSessionTerminated || evt.TenantID != "t1" {
		t.Fatalf("unexpected alert %+v", evt)
	}

	time.Sleep(100 * time.Millisecond)
	if n := h.dialer.Dials(); n != 1 {
		t.Fatalf("remote logout must not reconnect, got %d dials", n)
	}
	gens, err := h.creds.List("t1")
	if err != nil || len(gens) != 0 {
		t.Fatalf("credentials not wiped: %v %v", gens, err)
	}
	if conn.LoggedOut() {
		t.Fatalf("remote logout must not send a logout")
	}

	// A later scan starts over.
	if err := h.reg.Dispatch("t1", RequestScan); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	next := h.nextConn()
	next.EmitPairing("2@again")
	h.waitStatus("t1", store.StatusScanning)
}

func TestReplacedIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect("t1", "9055511122")

	conn.EmitClosed(whatsapp.Replaced, nil)
	h.waitStatus("t1", store.StatusDisconnected)
	time.Sleep(100 * time.Millisecond)
	if n := h.dialer.Dials(); n != 1 {
		t.Fatalf("replaced session must not reconnect, got %d dials", n)
	}
}

func TestDisconnectDuringScanning(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.reg.Dispatch("t1", RequestScan); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	conn := h.nextConn()
	conn.EmitPairing("2@abc")
	h.waitStatus("t1", store.StatusScanning)

	if err := h.reg.Dispatch("t1", Disconnect); err != nil {
		t.Fatalf("dispatch disconnect: %v", err)
	}
	h.waitStatus("t1", store.StatusDisconnected)
	waitFor(t, "connection closed", conn.Closed)

	conn.EmitOpened("9055511122")
	time.Sleep(50 * time.Millisecond)
	if row := h.row("t1"); row.Status != store.StatusDisconnected {
		t.Fatalf("event from a closed connection changed status to %s", row.Status)
	}
}

func TestDisconnectDuringStarting(t *testing.T) {
	h := newHarness(t, nil)
	entered, release := make(chan *whatsapp.FakeConn, 1), make(chan struct{})
	h.dialer.OnConnect = func(c *whatsapp.FakeConn) {
		entered <- c
		<-release
		// A device store opened this late recreates the generation.
		_ = os.MkdirAll(c.Gen.Dir, 0o700)
	}

	if err := h.reg.Dispatch("t1", RequestScan); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	var conn *whatsapp.FakeConn
	select {
	case conn = <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("connect never started")
	}
	sess, ok := h.reg.Lookup("t1")
	if !ok {
		t.Fatal("session missing")
	}
	if err := h.reg.Dispatch("t1", Disconnect); err != nil {
		t.Fatalf("dispatch disconnect: %v", err)
	}
	select {
	case <-sess.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session did not stop while connecting")
	}

	// The handshake finishes after the actor is gone.
	close(release)
	waitFor(t, "late connection closed", conn.Closed)

	row := h.waitStatus("t1", store.StatusDisconnected)
	if row.QRPayload != "" {
		t.Fatalf("qr published after disconnect: %q", row.QRPayload)
	}
	waitFor(t, "late generation wiped", func() bool {
		gens, err := h.creds.List("t1")
		return err == nil && len(gens) == 0
	})
	if _, err := os.Stat(conn.Gen.Dir); !os.IsNotExist(err) {
		t.Fatalf("generation dir left behind: %v", err)
	}
	if _, ok := h.reg.Lookup("t1"); ok {
		t.Fatal("session still registered")
	}
}

func TestHandshakeTimeoutRedials(t *testing.T) {
	h := newHarness(t, func(c *config.WhatsAppConfig) { c.ConnectTimeout = 150 * time.Millisecond })

	if err := h.reg.Dispatch("t1", RequestScan); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	first := h.nextConn()
	second := h.nextConn()
	if second.Gen.Dir != first.Gen.Dir {
		t.Fatalf("handshake retry rotated credentials")
	}
	waitFor(t, "silent connection closed", first.Closed)

	second.EmitPairing("2@late")
	h.waitStatus("t1", store.StatusScanning)
}

func TestRestoreAllReusesPersistedGeneration(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	gen, err := h.creds.Rotate("t1")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if err := h.st.SetConnected(ctx, "t1", "9055511122"); err != nil {
		t.Fatalf("seed connected: %v", err)
	}
	if err := h.st.SetScanning(ctx, "t2", "data:image/png;base64,x"); err != nil {
		t.Fatalf("seed scanning: %v", err)
	}

	n, err := h.reg.RestoreAll(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one restored session, got %d", n)
	}
	conn := h.nextConn()
	if conn.Gen.Dir != gen.Dir {
		t.Fatalf("restore used %s, want %s", conn.Gen.Dir, gen.Dir)
	}
	conn.EmitOpened("9055511122")
	waitFor(t, "restored session connected", func() bool {
		s, ok := h.reg.Lookup("t1")
		return ok && s.Connected()
	})
	if _, ok := h.reg.Lookup("t2"); ok {
		t.Fatalf("scanning row was restored")
	}
}

func TestShutdownKeepsStoreAndCredentials(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect("t1", "9055511122")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := h.reg.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !conn.Closed() || conn.LoggedOut() {
		t.Fatalf("shutdown should close without logging out")
	}
	if row := h.row("t1"); row == nil || row.Status != store.StatusConnected {
		t.Fatalf("shutdown rewrote the session row: %+v", row)
	}
	if _, ok, err := h.creds.Current("t1"); err != nil || !ok {
		t.Fatalf("shutdown removed credentials: %v", err)
	}
	if err := h.reg.Dispatch("t1", RequestScan); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after shutdown, got %v", err)
	}
}

func TestSubmitSeesLiveConnection(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect("t1", "9055511122")
	s, _ := h.reg.Lookup("t1")

	done := make(chan error, 1)
	err := s.Submit(context.Background(), func(ctx context.Context, c whatsapp.Conn) {
		if c == nil {
			done <- ErrNotConnected
			return
		}
		done <- c.Send(ctx, "905550001122", "merhaba")
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("job: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("job did not run")
	}
	sent := conn.Sent()
	if len(sent) != 1 || sent[0].Target != "905550001122@s.whatsapp.net" {
		t.Fatalf("unexpected sends %+v", sent)
	}
}

func TestSubmitWithoutConnectionGetsNil(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.reg.Dispatch("t1", RequestScan); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	h.nextConn()
	s, _ := h.reg.Lookup("t1")

	got := make(chan bool, 1)
	if err := s.Submit(context.Background(), func(_ context.Context, c whatsapp.Conn) { got <- c == nil }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case isNil := <-got:
		if !isNil {
			t.Fatal("job saw a connection before authentication")
		}
	case <-time.After(waitTimeout):
		t.Fatal("job did not run")
	}
}

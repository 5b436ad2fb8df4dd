package cli

import (
	"bytes"
	"context"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sigortampanel/wabridge/internal/session"
	"github.com/sigortampanel/wabridge/internal/store"
)

func runRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	rootCmd.SetArgs(nil)
	return strings.TrimSpace(buf.String()), err
}

// isolate points HOME at a fresh directory so config and store live there.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("WABRIDGE_CONFIG", "")
	t.Setenv("WABRIDGE_HOME", "")
	t.Setenv("WABRIDGE_ENV_FILE", "")
	scanWait, scanOut, scanTimeout = false, "", time.Minute
	sendTenant, sendGroup, sendTo = "", "", ""
	groupsTenant = ""
	return home
}

func openTestStore(t *testing.T, home string) *store.Store {
	t.Helper()
	st, err := store.Open("sqlite", filepath.Join(home, ".wabridge", "wabridge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestVersionCommand(t *testing.T) {
	isolate(t)
	out, err := runRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "Version: "+version) {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestConfigInitAndShow(t *testing.T) {
	home := isolate(t)
	t.Setenv("WABRIDGE_NOTIFY_SLACK_WEBHOOK_URL", "https://hooks.slack.com/services/T000/B000/XXXX")

	out, err := runRootCommand(t, "config", "init")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, ".wabridge", "config.json")); err != nil {
		t.Fatalf("config file not written: %v (%s)", err, out)
	}

	out, err = runRootCommand(t, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "source: poll") {
		t.Fatalf("expected feed source in output:\n%s", out)
	}
	if strings.Contains(out, "hooks.slack.com") {
		t.Fatalf("webhook not redacted:\n%s", out)
	}
}

func TestScanAndDisconnectWriteClientRequests(t *testing.T) {
	home := isolate(t)

	if _, err := runRootCommand(t, "scan", "acme"); err != nil {
		t.Fatalf("scan: %v", err)
	}
	st := openTestStore(t, home)
	row, err := st.GetSession(context.Background(), "acme")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if row.Status != store.StatusScanning || row.Source != store.SourceClient {
		t.Fatalf("unexpected row %+v", row)
	}

	if _, err := runRootCommand(t, "disconnect", "acme"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	row, err = st.GetSession(context.Background(), "acme")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if row.Status != store.StatusDisconnected || row.Source != store.SourceClient {
		t.Fatalf("unexpected row %+v", row)
	}
}

func TestScanRejectsInvalidTenant(t *testing.T) {
	isolate(t)
	if _, err := runRootCommand(t, "scan", "../etc"); err == nil {
		t.Fatal("expected invalid tenant error")
	}
}

func TestScanWaitTimesOutWithoutServer(t *testing.T) {
	isolate(t)
	_, err := runRootCommand(t, "scan", "acme", "--wait", "--timeout", "300ms")
	if err == nil || !strings.Contains(err.Error(), "no QR code") {
		t.Fatalf("expected wait timeout, got %v", err)
	}
}

func TestGroupsCreateListDelete(t *testing.T) {
	home := isolate(t)

	out, err := runRootCommand(t, "groups", "create", "acme", "Sales")
	if err != nil {
		t.Fatalf("groups create: %v", err)
	}
	if !strings.Contains(out, "tmp-") {
		t.Fatalf("placeholder id not printed: %q", out)
	}

	out, err = runRootCommand(t, "groups", "list", "--tenant", "acme")
	if err != nil {
		t.Fatalf("groups list: %v", err)
	}
	if !strings.Contains(out, "Sales") || !strings.Contains(out, "creating") {
		t.Fatalf("unexpected list:\n%s", out)
	}

	st := openTestStore(t, home)
	rows, err := st.ListGroups(context.Background(), "acme")
	if err != nil || len(rows) != 1 {
		t.Fatalf("list groups: %v %+v", err, rows)
	}
	if _, err := runRootCommand(t, "groups", "delete", rows[0].ID); err != nil {
		t.Fatalf("groups delete: %v", err)
	}
	got, err := st.GetGroup(context.Background(), rows[0].ID)
	if err != nil || got.Status != store.GroupDeleting {
		t.Fatalf("expected deleting row, got %+v (%v)", got, err)
	}

	if _, err := runRootCommand(t, "groups", "delete", "missing@g.us"); err == nil {
		t.Fatal("expected error for unknown group")
	}
}

func TestSendQueuesPendingMessage(t *testing.T) {
	home := isolate(t)

	if _, err := runRootCommand(t, "send", "merhaba"); err == nil {
		t.Fatal("expected error without a target")
	}
	if _, err := runRootCommand(t, "send", "--tenant", "acme", "--to", "905550000009", "Poliçeniz", "hazır"); err != nil {
		t.Fatalf("send: %v", err)
	}

	st := openTestStore(t, home)
	pending, err := st.ListPendingMessages(context.Background(), 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Content != "Poliçeniz hazır" || pending[0].TenantID != "acme" {
		t.Fatalf("unexpected pending %+v", pending)
	}

	out, err := runRootCommand(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "Pending messages: 1") {
		t.Fatalf("unexpected status:\n%s", out)
	}
}

func TestStatusListsSessions(t *testing.T) {
	home := isolate(t)
	st := openTestStore(t, home)
	if err := st.SetConnected(context.Background(), "acme", "905551112233"); err != nil {
		t.Fatalf("set connected: %v", err)
	}

	out, err := runRootCommand(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "acme") || !strings.Contains(out, "905551112233") {
		t.Fatalf("session missing from status:\n%s", out)
	}
}

func TestServeDryRunPublishesQR(t *testing.T) {
	home := isolate(t)
	t.Setenv("WABRIDGE_FEED_POLL_INTERVAL", "20ms")
	t.Setenv("WABRIDGE_LOG_LEVEL", "error")

	st := openTestStore(t, home)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var out bytes.Buffer
	go func() { done <- runServe(ctx, &out, true) }()

	if err := st.RequestScan(context.Background(), "acme"); err != nil {
		cancel()
		t.Fatalf("request scan: %v", err)
	}

	var row *store.Session
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r, err := st.GetSession(context.Background(), "acme")
		if err == nil && r.QRPayload != "" && r.Source == store.SourceCore {
			row = r
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
	if row == nil {
		t.Fatal("serve did not publish a QR code")
	}
	if row.Status != store.StatusScanning {
		t.Fatalf("unexpected status %s", row.Status)
	}
	raw, err := session.DecodeQR(row.QRPayload)
	if err != nil {
		t.Fatalf("decode qr: %v", err)
	}
	if _, err := png.DecodeConfig(bytes.NewReader(raw)); err != nil {
		t.Fatalf("qr is not a png: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, ".wabridge", "auth")); err != nil {
		t.Fatalf("credentials root not created: %v", err)
	}
}

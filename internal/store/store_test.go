package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open("sqlite", filepath.Join(t.TempDir(), "wabridge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("postgres", filepath.Join(t.TempDir(), "x.db")); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wabridge.db")
	st, err := Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = st.Close()
	st, err = Open("sqlite", path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = st.Close()
}

func TestSessionTransitionsKeepFieldsConsistent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.GetSession(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := st.SetScanning(ctx, "a", "data:image/png;base64,xyz"); err != nil {
		t.Fatalf("set scanning: %v", err)
	}
	sess, err := st.GetSession(ctx, "a")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != StatusScanning || sess.QRPayload == "" || sess.PhoneIdentity != "" {
		t.Fatalf("unexpected scanning row: %+v", sess)
	}
	if sess.Source != SourceCore {
		t.Fatalf("expected core source, got %q", sess.Source)
	}

	if err := st.SetConnected(ctx, "a", "9055511122"); err != nil {
		t.Fatalf("set connected: %v", err)
	}
	sess, _ = st.GetSession(ctx, "a")
	if sess.Status != StatusConnected || sess.QRPayload != "" || sess.PhoneIdentity != "9055511122" {
		t.Fatalf("unexpected connected row: %+v", sess)
	}

	if err := st.SetDisconnected(ctx, "a"); err != nil {
		t.Fatalf("set disconnected: %v", err)
	}
	sess, _ = st.GetSession(ctx, "a")
	if sess.Status != StatusDisconnected || sess.QRPayload != "" || sess.PhoneIdentity != "" {
		t.Fatalf("unexpected disconnected row: %+v", sess)
	}
}

func TestListSessionsByStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_ = st.SetConnected(ctx, "a", "1")
	_ = st.SetConnected(ctx, "b", "2")
	_ = st.RequestScan(ctx, "c")

	connected, err := st.ListSessionsByStatus(ctx, StatusConnected)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(connected) != 2 || connected[0].TenantID != "a" || connected[1].TenantID != "b" {
		t.Fatalf("unexpected connected rows: %+v", connected)
	}
	all, _ := st.ListSessions(ctx)
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(all))
	}
	if all[2].Source != SourceClient {
		t.Fatalf("expected client source on requested row, got %q", all[2].Source)
	}
}

func TestReplaceGroupSwapsPlaceholder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tmp, err := st.RequestGroup(ctx, "a", "Sales")
	if err != nil {
		t.Fatalf("request group: %v", err)
	}
	if tmp.Status != GroupCreating || tmp.OwnerTenantID != "a" {
		t.Fatalf("unexpected placeholder: %+v", tmp)
	}

	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	err = st.ReplaceGroup(ctx, tmp.ID, Group{
		ID:              "120363000000000001@g.us",
		Name:            "Sales",
		OwnerTenantID:   "a",
		Status:          GroupActive,
		IsWhatsAppGroup: true,
		CreatedAt:       created,
	})
	if err != nil {
		t.Fatalf("replace group: %v", err)
	}
	if _, err := st.GetGroup(ctx, tmp.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected placeholder gone, got %v", err)
	}
	g, err := st.GetGroup(ctx, "120363000000000001@g.us")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if g.Status != GroupActive || !g.IsWhatsAppGroup || !g.CreatedAt.Equal(created) {
		t.Fatalf("unexpected group: %+v", g)
	}
}

func TestClaimGroupOnlyOnce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tmp, err := st.RequestGroup(ctx, "a", "Sales")
	if err != nil {
		t.Fatalf("request group: %v", err)
	}
	ok, err := st.ClaimGroup(ctx, tmp.ID)
	if err != nil || !ok {
		t.Fatalf("first claim: %v %v", ok, err)
	}
	ok, err = st.ClaimGroup(ctx, tmp.ID)
	if err != nil || ok {
		t.Fatalf("second claim should lose: %v %v", ok, err)
	}
	g, err := st.GetGroup(ctx, tmp.ID)
	if err != nil || g.Status != GroupPending {
		t.Fatalf("expected pending row, got %+v %v", g, err)
	}
	if ok, err := st.ClaimGroup(ctx, "missing"); err != nil || ok {
		t.Fatalf("claim of missing row: %v %v", ok, err)
	}
}

func TestMarkGroupFailedLeavesSettledRows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.UpsertGroup(ctx, Group{ID: "g1@g.us", Name: "Live", OwnerTenantID: "a", IsWhatsAppGroup: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.MarkGroupFailed(ctx, "g1@g.us"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	g, err := st.GetGroup(ctx, "g1@g.us")
	if err != nil || g.Status != GroupActive {
		t.Fatalf("active row changed: %+v %v", g, err)
	}

	tmp, err := st.RequestGroup(ctx, "a", "Sales")
	if err != nil {
		t.Fatalf("request group: %v", err)
	}
	if _, err := st.ClaimGroup(ctx, tmp.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := st.MarkGroupFailed(ctx, tmp.ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if g, err := st.GetGroup(ctx, tmp.ID); err != nil || g.Status != GroupFailed {
		t.Fatalf("pending row not failed: %+v %v", g, err)
	}
}

func TestUpsertGroupIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	g := Group{ID: "g1@g.us", Name: "Old", OwnerTenantID: "a", IsWhatsAppGroup: true}
	if err := st.UpsertGroup(ctx, g); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	g.Name = "New"
	if err := st.UpsertGroup(ctx, g); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	groups, err := st.ListGroups(ctx, "a")
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	if len(groups) != 1 || groups[0].Name != "New" || groups[0].Status != GroupActive {
		t.Fatalf("unexpected groups: %+v", groups)
	}
}

func TestDeleteGroupsByOwnerScopesToTenant(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_ = st.UpsertGroup(ctx, Group{ID: "1@g.us", OwnerTenantID: "a"})
	_ = st.UpsertGroup(ctx, Group{ID: "2@g.us", OwnerTenantID: "a"})
	_ = st.UpsertGroup(ctx, Group{ID: "3@g.us", OwnerTenantID: "ab"})

	n, err := st.DeleteGroupsByOwner(ctx, "a")
	if err != nil {
		t.Fatalf("delete by owner: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}
	rest, _ := st.ListGroups(ctx, "")
	if len(rest) != 1 || rest[0].ID != "3@g.us" {
		t.Fatalf("unexpected remaining groups: %+v", rest)
	}
}

func TestRequestGroupDeleteMissing(t *testing.T) {
	st := newTestStore(t)
	if err := st.RequestGroupDelete(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkMessageNeverRevertsTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	m, err := st.EnqueueMessage(ctx, OutboundMessage{TenantID: "a", TargetGroupID: "g@g.us", Content: "hi"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if m.ID == "" || m.DeliveryStatus != DeliveryPending {
		t.Fatalf("unexpected message: %+v", m)
	}

	changed, err := st.MarkMessage(ctx, m.ID, DeliverySent, "")
	if err != nil || !changed {
		t.Fatalf("mark sent: changed=%v err=%v", changed, err)
	}
	changed, err = st.MarkMessage(ctx, m.ID, DeliveryFailed, "late failure")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if changed {
		t.Fatal("terminal status must not be overwritten")
	}
	got, _ := st.GetMessage(ctx, m.ID)
	if got.DeliveryStatus != DeliverySent || got.ErrorText != "" {
		t.Fatalf("unexpected final message: %+v", got)
	}

	if _, err := st.MarkMessage(ctx, m.ID, DeliveryPending, ""); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestListPendingMessages(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	a, _ := st.EnqueueMessage(ctx, OutboundMessage{TargetAddress: "905551112233", Content: "one"})
	b, _ := st.EnqueueMessage(ctx, OutboundMessage{TargetAddress: "905551112233", Content: "two"})
	_, _ = st.MarkMessage(ctx, a.ID, DeliveryFailed, "boom")

	pending, err := st.ListPendingMessages(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Fatalf("unexpected pending: %+v", pending)
	}
}

func TestChangeLogRecordsRowEvents(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_ = st.RequestScan(ctx, "a")
	_ = st.SetScanning(ctx, "a", "qr")
	g, _ := st.RequestGroup(ctx, "a", "Team")
	_ = st.DeleteGroup(ctx, g.ID)

	changes, err := st.ChangesSince(ctx, 0, 100)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(changes) != 4 {
		t.Fatalf("expected 4 changes, got %d", len(changes))
	}
	if changes[0].Table != TableSessions || changes[0].Op != OpInsert {
		t.Fatalf("unexpected first change: %+v", changes[0])
	}
	if changes[1].Op != OpUpdate {
		t.Fatalf("expected update, got %s", changes[1].Op)
	}
	var sess Session
	if err := json.Unmarshal(changes[1].Row, &sess); err != nil {
		t.Fatalf("decode session row: %v", err)
	}
	if sess.TenantID != "a" || sess.Status != StatusScanning || sess.QRPayload != "qr" || sess.Source != SourceCore {
		t.Fatalf("unexpected row: %+v", sess)
	}
	if changes[3].Table != TableGroups || changes[3].Op != OpDelete {
		t.Fatalf("unexpected last change: %+v", changes[3])
	}
	var grp Group
	if err := json.Unmarshal(changes[3].Row, &grp); err != nil {
		t.Fatalf("decode group row: %v", err)
	}
	if grp.ID != g.ID || grp.IsWhatsAppGroup {
		t.Fatalf("unexpected group row: %+v", grp)
	}

	later, _ := st.ChangesSince(ctx, changes[1].Seq, 100)
	if len(later) != 2 {
		t.Fatalf("expected 2 changes after seq %d, got %d", changes[1].Seq, len(later))
	}

	n, err := st.PruneChanges(ctx, changes[1].Seq)
	if err != nil || n != 2 {
		t.Fatalf("prune: n=%d err=%v", n, err)
	}
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seq, err := st.Cursor(ctx, "poll")
	if err != nil || seq != 0 {
		t.Fatalf("expected zero cursor, got %d err=%v", seq, err)
	}
	_ = st.SaveCursor(ctx, "poll", 10)
	_ = st.SaveCursor(ctx, "poll", 4)
	seq, _ = st.Cursor(ctx, "poll")
	if seq != 10 {
		t.Fatalf("expected cursor 10, got %d", seq)
	}
}

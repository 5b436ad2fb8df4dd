package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/sigortampanel/wabridge/internal/config"
	"github.com/sigortampanel/wabridge/internal/credentials"
)

// keepAliveLimit is how many consecutive keepalive failures end a connection.
const keepAliveLimit = 3

var deviceNameOnce sync.Once

// MeowDialer opens whatsmeow clients, one device database per generation.
type MeowDialer struct {
	log      *slog.Logger
	logLevel string
}

// NewMeowDialer builds a dialer. The browser name is what the phone shows
// under linked devices.
func NewMeowDialer(cfg config.WhatsAppConfig, log *slog.Logger) *MeowDialer {
	if log == nil {
		log = slog.Default()
	}
	if name := strings.TrimSpace(cfg.BrowserName); name != "" {
		deviceNameOnce.Do(func() {
			wastore.DeviceProps.Os = proto.String(name)
		})
	}
	return &MeowDialer{log: log, logLevel: cfg.DeviceLogLevel}
}

// Dial opens the generation's device store and prepares a client. The
// network handshake starts with Connect. A directory Dial had to create is
// removed again when Dial fails or ctx ends, so a dial racing a credential
// wipe leaves nothing behind.
func (d *MeowDialer) Dial(ctx context.Context, gen credentials.Generation) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := d.log.With("tenant", gen.TenantID)
	dir := filepath.Dir(gen.DevicePath())
	_, statErr := os.Stat(dir)
	created := os.IsNotExist(statErr)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create device dir: %w", err)
	}
	discard := func() {
		if created {
			_ = os.RemoveAll(dir)
		}
	}

	dsn := "file:" + gen.DevicePath() + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	container, err := sqlstore.New(ctx, "sqlite", dsn, NewSlogLogger(log, "Database", d.logLevel))
	if err != nil {
		discard()
		return nil, fmt.Errorf("failed to init device db: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = container.Close()
		discard()
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	client := whatsmeow.NewClient(device, NewSlogLogger(log, "Client", d.logLevel))
	client.EnableAutoReconnect = false

	connCtx, cancel := context.WithCancel(context.Background())
	c := &meowConn{
		client:    client,
		container: container,
		log:       log,
		events:    make(chan Event, 16),
		ctx:       connCtx,
		cancel:    cancel,
	}
	client.AddEventHandler(c.handle)
	return c, nil
}

type meowConn struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	log       *slog.Logger

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc

	ended     atomic.Bool
	closeOnce sync.Once
}

func (c *meowConn) Connect(ctx context.Context) error {
	if c.client.Store.ID == nil {
		qrChan, err := c.client.GetQRChannel(c.ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}
		go c.pumpQR(qrChan)
	}
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (c *meowConn) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch {
		case item.Event == "code":
			c.emit(PairingCode{Code: item.Code})
		case item.Event == "success":
			// Connected follows once the post-pairing reconnect completes.
		case item.Event == "timeout":
			c.emit(Closed{Reason: Transient, Err: ErrQRTimeout})
		case strings.HasPrefix(item.Event, "err-"):
			c.emit(Closed{Reason: AuthInvalidated, Err: fmt.Errorf("pairing failed: %s", item.Event)})
		default:
			err := item.Error
			if err == nil {
				err = fmt.Errorf("pairing event %s", item.Event)
			}
			c.emit(Closed{Reason: Transient, Err: err})
		}
	}
}

func (c *meowConn) handle(evt interface{}) {
	if _, ok := evt.(*events.PairSuccess); ok {
		c.log.Info("WhatsApp: device paired")
		return
	}
	ev, ok := classify(evt)
	if !ok {
		return
	}
	if _, opened := ev.(Opened); opened {
		ev = Opened{Identity: c.Identity()}
	}
	c.emit(ev)
}

// classify maps whatsmeow connection events onto Conn events.
func classify(evt interface{}) (Event, bool) {
	switch v := evt.(type) {
	case *events.Connected:
		return Opened{}, true
	case *events.LoggedOut:
		err := fmt.Errorf("logged out (reason %d)", int(v.Reason))
		if v.OnConnect {
			return Closed{Reason: AuthInvalidated, Err: err}, true
		}
		return Closed{Reason: LoggedOut, Err: err}, true
	case *events.StreamReplaced:
		return Closed{Reason: Replaced, Err: fmt.Errorf("stream replaced")}, true
	case *events.TemporaryBan:
		return Closed{Reason: LoggedOut, Err: fmt.Errorf("temporary ban: %v", v)}, true
	case *events.ClientOutdated:
		return Closed{Reason: LoggedOut, Err: fmt.Errorf("client outdated")}, true
	case *events.ConnectFailure:
		// Logged-out failures are also delivered as LoggedOut{OnConnect: true}.
		if v.Reason.IsLoggedOut() {
			return nil, false
		}
		return Closed{Reason: Transient, Err: fmt.Errorf("connect failure (reason %d): %s", int(v.Reason), v.Message)}, true
	case *events.Disconnected:
		return Closed{Reason: Transient, Err: fmt.Errorf("disconnected")}, true
	case *events.KeepAliveTimeout:
		if v.ErrorCount >= keepAliveLimit {
			return Closed{Reason: Transient, Err: fmt.Errorf("keepalive timeout after %d failures", v.ErrorCount)}, true
		}
	}
	return nil, false
}

// emit delivers ev unless the connection already ended. Closed is delivered once.
func (c *meowConn) emit(ev Event) {
	if _, closing := ev.(Closed); closing {
		if !c.ended.CompareAndSwap(false, true) {
			return
		}
	} else if c.ended.Load() {
		return
	}
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *meowConn) Events() <-chan Event { return c.events }

func (c *meowConn) Identity() string {
	if c.client.Store.ID == nil {
		return ""
	}
	return IdentityFromJID(c.client.Store.ID.String())
}

func (c *meowConn) LID() string {
	if c.client.Store.LID.IsEmpty() {
		return ""
	}
	return c.client.Store.LID.User
}

func (c *meowConn) Send(ctx context.Context, target, text string) error {
	jid, err := types.ParseJID(NormalizeTarget(target))
	if err != nil {
		return fmt.Errorf("invalid JID: %w", err)
	}
	msg := &waE2E.Message{
		Conversation: proto.String(text),
	}
	if _, err := c.client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("send to %s: %w", jid, err)
	}
	return nil
}

func (c *meowConn) FetchGroups(ctx context.Context) ([]GroupInfo, error) {
	groups, err := c.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch groups: %w", err)
	}
	out := make([]GroupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, convertGroup(g))
	}
	return out, nil
}

func (c *meowConn) GroupInfo(ctx context.Context, groupID string) (*GroupInfo, error) {
	jid, err := types.ParseJID(groupID)
	if err != nil {
		return nil, fmt.Errorf("invalid group JID: %w", err)
	}
	info, err := c.client.GetGroupInfo(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("group info %s: %w", groupID, err)
	}
	g := convertGroup(info)
	return &g, nil
}

func (c *meowConn) CreateGroup(ctx context.Context, name string, members []string) (*GroupInfo, error) {
	jids, err := parseJIDs(members)
	if err != nil {
		return nil, err
	}
	info, err := c.client.CreateGroup(ctx, whatsmeow.ReqCreateGroup{
		Name:         name,
		Participants: jids,
	})
	if err != nil {
		return nil, fmt.Errorf("create group %q: %w", name, err)
	}
	g := convertGroup(info)
	return &g, nil
}

func (c *meowConn) UpdateParticipants(ctx context.Context, groupID string, members []string, action ParticipantAction) error {
	jid, err := types.ParseJID(groupID)
	if err != nil {
		return fmt.Errorf("invalid group JID: %w", err)
	}
	jids, err := parseJIDs(members)
	if err != nil {
		return err
	}
	var change whatsmeow.ParticipantChange
	switch action {
	case ParticipantAdd:
		change = whatsmeow.ParticipantChangeAdd
	case ParticipantRemove:
		change = whatsmeow.ParticipantChangeRemove
	case ParticipantPromote:
		change = whatsmeow.ParticipantChangePromote
	case ParticipantDemote:
		change = whatsmeow.ParticipantChangeDemote
	default:
		return fmt.Errorf("unknown participant action %q", action)
	}
	if _, err := c.client.UpdateGroupParticipants(ctx, jid, jids, change); err != nil {
		return fmt.Errorf("update participants of %s: %w", groupID, err)
	}
	return nil
}

func (c *meowConn) LeaveGroup(ctx context.Context, groupID string) error {
	jid, err := types.ParseJID(groupID)
	if err != nil {
		return fmt.Errorf("invalid group JID: %w", err)
	}
	return c.client.LeaveGroup(ctx, jid)
}

func (c *meowConn) Logout(ctx context.Context) error {
	if c.client.Store.ID == nil {
		return nil
	}
	return c.client.Logout(ctx)
}

func (c *meowConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.ended.Store(true)
		c.cancel()
		c.client.Disconnect()
		err = c.container.Close()
	})
	return err
}

func parseJIDs(ids []string) ([]types.JID, error) {
	out := make([]types.JID, 0, len(ids))
	for _, id := range ids {
		jid, err := types.ParseJID(NormalizeTarget(id))
		if err != nil {
			return nil, fmt.Errorf("invalid member JID %q: %w", id, err)
		}
		out = append(out, jid)
	}
	return out, nil
}

func convertGroup(g *types.GroupInfo) GroupInfo {
	out := GroupInfo{
		JID:       g.JID.String(),
		Name:      g.GroupName.Name,
		CreatedAt: g.GroupCreated,
	}
	for _, p := range g.Participants {
		out.Participants = append(out.Participants, Participant{
			JID:         p.JID.String(),
			PhoneNumber: p.PhoneNumber.String(),
			LID:         p.LID.String(),
			IsAdmin:     p.IsAdmin || p.IsSuperAdmin,
		})
	}
	return out
}

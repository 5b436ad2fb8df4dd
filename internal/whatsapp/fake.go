package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sigortampanel/wabridge/internal/credentials"
)

// ErrFakeClosed is returned by FakeConn operations after Close.
var ErrFakeClosed = errors.New("whatsapp: fake connection closed")

// FakeDialer hands out FakeConns. It backs tests and the serve --dry-run mode.
type FakeDialer struct {
	// OnConnect runs inside every FakeConn.Connect, after ConnectErr is checked.
	OnConnect func(*FakeConn)
	// ConnectErr, when set, fails every Connect.
	ConnectErr error

	mu    sync.Mutex
	conns []*FakeConn
	dials atomic.Int64
	next  chan *FakeConn
}

// NewFakeDialer returns a dialer with no hooks.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{next: make(chan *FakeConn, 64)}
}

// Dial returns a new FakeConn bound to gen.
func (d *FakeDialer) Dial(ctx context.Context, gen credentials.Generation) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.dials.Add(1)
	c := &FakeConn{
		Gen:    gen,
		dialer: d,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
		groups: map[string]*GroupInfo{},
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	select {
	case d.next <- c:
	default:
	}
	return c, nil
}

// Dials counts Dial calls.
func (d *FakeDialer) Dials() int { return int(d.dials.Load()) }

// Conns returns every connection dialed so far.
func (d *FakeDialer) Conns() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeConn(nil), d.conns...)
}

// Last returns the most recent connection, or nil.
func (d *FakeDialer) Last() *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Next waits for the next dialed connection.
func (d *FakeDialer) Next(timeout time.Duration) (*FakeConn, error) {
	select {
	case c := <-d.next:
		return c, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no connection dialed within %s", timeout)
	}
}

// SentMessage is a message recorded by FakeConn.Send.
type SentMessage struct {
	Target string
	Text   string
}

// FakeConn is an in-memory Conn whose events are driven by the caller.
type FakeConn struct {
	Gen credentials.Generation

	// SendErr, CreateErr, RemoveErr and LeaveErr fail the matching operation.
	SendErr   error
	CreateErr error
	RemoveErr error
	LeaveErr  error
	// SendDelay stalls Send, honoring ctx.
	SendDelay time.Duration
	// SelfLID is what LID returns.
	SelfLID string

	dialer *FakeDialer
	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	identity  string
	connected bool
	closed    bool
	loggedOut bool
	sent      []SentMessage
	groups    map[string]*GroupInfo
	removed   []string
	left      []string
	ended     bool
}

func (c *FakeConn) Connect(ctx context.Context) error {
	if c.dialer.ConnectErr != nil {
		return c.dialer.ConnectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if c.dialer.OnConnect != nil {
		c.dialer.OnConnect(c)
	}
	return nil
}

func (c *FakeConn) Events() <-chan Event { return c.events }

func (c *FakeConn) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *FakeConn) LID() string { return c.SelfLID }

// Emit pushes ev to the listener unless the connection already ended.
func (c *FakeConn) Emit(ev Event) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	switch v := ev.(type) {
	case Closed:
		c.ended = true
	case Opened:
		c.identity = v.Identity
	}
	c.mu.Unlock()
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// EmitPairing emits a pairing code.
func (c *FakeConn) EmitPairing(code string) { c.Emit(PairingCode{Code: code}) }

// EmitOpened emits an authenticated open for identity.
func (c *FakeConn) EmitOpened(identity string) { c.Emit(Opened{Identity: identity}) }

// EmitClosed ends the connection with reason.
func (c *FakeConn) EmitClosed(reason CloseReason, err error) {
	c.Emit(Closed{Reason: reason, Err: err})
}

func (c *FakeConn) Send(ctx context.Context, target, text string) error {
	if c.SendDelay > 0 {
		select {
		case <-time.After(c.SendDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrFakeClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, SentMessage{Target: NormalizeTarget(target), Text: text})
	return nil
}

// Sent returns the recorded messages.
func (c *FakeConn) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

// AddGroup registers a group visible to this connection.
func (c *FakeConn) AddGroup(g GroupInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := g
	c.groups[g.JID] = &cp
}

func (c *FakeConn) FetchGroups(ctx context.Context) ([]GroupInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrFakeClosed
	}
	out := make([]GroupInfo, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, *g)
	}
	return out, nil
}

func (c *FakeConn) GroupInfo(ctx context.Context, groupID string) (*GroupInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("group %s not found", groupID)
	}
	cp := *g
	return &cp, nil
}

func (c *FakeConn) CreateGroup(ctx context.Context, name string, members []string) (*GroupInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrFakeClosed
	}
	if c.CreateErr != nil {
		return nil, c.CreateErr
	}
	g := &GroupInfo{
		JID:       "120363" + uuid.NewString()[:8] + "@g.us",
		Name:      name,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	self := c.identity + "@" + userServer
	g.Participants = append(g.Participants, Participant{JID: self, IsAdmin: true})
	for _, m := range members {
		g.Participants = append(g.Participants, Participant{JID: NormalizeTarget(m)})
	}
	c.groups[g.JID] = g
	cp := *g
	return &cp, nil
}

func (c *FakeConn) UpdateParticipants(ctx context.Context, groupID string, members []string, action ParticipantAction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if action == ParticipantRemove {
		if c.RemoveErr != nil {
			return c.RemoveErr
		}
		c.removed = append(c.removed, members...)
	}
	return nil
}

// Removed returns members removed through UpdateParticipants.
func (c *FakeConn) Removed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.removed...)
}

func (c *FakeConn) LeaveGroup(ctx context.Context, groupID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LeaveErr != nil {
		return c.LeaveErr
	}
	c.left = append(c.left, groupID)
	delete(c.groups, groupID)
	return nil
}

// Left returns groups left through LeaveGroup.
func (c *FakeConn) Left() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.left...)
}

func (c *FakeConn) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

// LoggedOut reports whether Logout was called.
func (c *FakeConn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.ended = true
		close(c.done)
	}
	return nil
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

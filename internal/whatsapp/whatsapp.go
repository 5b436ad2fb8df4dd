// Package whatsapp adapts the WhatsApp multi-device client to the small
// connection surface the session manager drives.
package whatsapp

import (
	"context"
	"errors"
	"time"

	"github.com/sigortampanel/wabridge/internal/credentials"
)

// ErrQRTimeout is reported when every pairing code expired unscanned.
var ErrQRTimeout = errors.New("whatsapp: pairing codes expired")

// CloseReason classifies why a connection ended.
type CloseReason int

const (
	// Transient covers network drops, timeouts and other retryable failures.
	Transient CloseReason = iota
	// AuthInvalidated means the stored credentials were rejected.
	AuthInvalidated
	// LoggedOut means the device was unlinked remotely or the account is barred.
	LoggedOut
	// Replaced means another client took over the session.
	Replaced
)

func (r CloseReason) String() string {
	switch r {
	case Transient:
		return "transient"
	case AuthInvalidated:
		return "auth_invalidated"
	case LoggedOut:
		return "logged_out"
	case Replaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Event is emitted by a Conn.
type Event interface{ isEvent() }

// PairingCode carries a fresh code to render as a QR image.
type PairingCode struct{ Code string }

// Opened reports an authenticated connection.
type Opened struct{ Identity string }

// Closed reports the end of the connection. No events follow it.
type Closed struct {
	Reason CloseReason
	Err    error
}

func (PairingCode) isEvent() {}
func (Opened) isEvent()      {}
func (Closed) isEvent()      {}

// ParticipantAction is a group membership change.
type ParticipantAction string

const (
	ParticipantAdd     ParticipantAction = "add"
	ParticipantRemove  ParticipantAction = "remove"
	ParticipantPromote ParticipantAction = "promote"
	ParticipantDemote  ParticipantAction = "demote"
)

// Participant is one member of a group. JID is the address to act on; in
// groups that hide phone numbers it is a LID and PhoneNumber may be empty.
type Participant struct {
	JID         string
	PhoneNumber string
	LID         string
	IsAdmin     bool
}

// Is reports whether p is the account with the given phone identity or LID
// user. Empty arguments never match.
func (p Participant) Is(phone, lid string) bool {
	for _, jid := range []string{p.JID, p.PhoneNumber, p.LID} {
		if jid == "" {
			continue
		}
		want := phone
		if IsLIDJID(jid) {
			want = lid
		}
		if want != "" && IdentityFromJID(jid) == want {
			return true
		}
	}
	return false
}

// GroupInfo describes a group as seen by the connected account.
type GroupInfo struct {
	JID          string
	Name         string
	CreatedAt    time.Time
	Participants []Participant
}

// Conn is one live connection attempt for a tenant.
type Conn interface {
	// Connect starts the handshake. Progress is reported on Events.
	Connect(ctx context.Context) error
	Events() <-chan Event
	// Identity is the phone number of the authenticated account, or "".
	Identity() string
	// LID is the user part of the account's linked identity, or "".
	LID() string

	Send(ctx context.Context, target, text string) error
	FetchGroups(ctx context.Context) ([]GroupInfo, error)
	GroupInfo(ctx context.Context, groupID string) (*GroupInfo, error)
	CreateGroup(ctx context.Context, name string, members []string) (*GroupInfo, error)
	UpdateParticipants(ctx context.Context, groupID string, members []string, action ParticipantAction) error
	LeaveGroup(ctx context.Context, groupID string) error

	// Logout unlinks the device from the account.
	Logout(ctx context.Context) error
	// Close drops the connection without unlinking. It is safe to call twice.
	Close() error
}

// Dialer opens connections backed by one credential generation.
type Dialer interface {
	Dial(ctx context.Context, gen credentials.Generation) (Conn, error)
}

package store

import "time"

// Table names as they appear in change events.
const (
	TableSessions = "sessions"
	TableGroups   = "groups"
	TableMessages = "outbound_messages"
)

// Change operations.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// SessionStatus is the persisted connection state of a tenant.
type SessionStatus string

const (
	StatusDisconnected SessionStatus = "disconnected"
	StatusScanning     SessionStatus = "scanning"
	StatusConnected    SessionStatus = "connected"
)

// Writers of session rows. The listener only acts on client writes.
const (
	SourceClient = "client"
	SourceCore   = "core"
)

// Session is one row of the sessions table. Empty strings stand for NULL.
type Session struct {
	TenantID      string        `json:"tenant_id"`
	Status        SessionStatus `json:"status"`
	QRPayload     string        `json:"qr_payload"`
	PhoneIdentity string        `json:"phone_identity"`
	Source        string        `json:"source"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// GroupStatus is the lifecycle state of a group row.
type GroupStatus string

const (
	GroupCreating GroupStatus = "creating"
	GroupDeleting GroupStatus = "deleting"
	GroupPending  GroupStatus = "pending"
	GroupActive   GroupStatus = "active"
	GroupFailed   GroupStatus = "failed"
)

// Group is one row of the groups table.
type Group struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	OwnerTenantID   string      `json:"owner_tenant_id"`
	Status          GroupStatus `json:"status"`
	IsWhatsAppGroup bool        `json:"is_whatsapp_group"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// DeliveryStatus is the state of an outbound message.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (d DeliveryStatus) Terminal() bool {
	return d == DeliverySent || d == DeliveryFailed
}

// OutboundMessage is one row of the outbound_messages table.
type OutboundMessage struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	TargetGroupID  string         `json:"target_group_id"`
	TargetAddress  string         `json:"target_address"`
	Content        string         `json:"content"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	ErrorText      string         `json:"error_text"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Change is one entry of the change log.
type Change struct {
	Seq       int64
	Table     string
	Op        string
	Row       []byte
	CreatedAt time.Time
}

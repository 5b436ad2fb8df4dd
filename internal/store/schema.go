package store

// Schema creates the shared tables, the change log and the triggers that feed it.
// Timestamps are RFC 3339 text so both drivers and the change feed read them the same way.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	tenant_id TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'disconnected',
	qr_payload TEXT,
	phone_identity TEXT,
	source TEXT NOT NULL DEFAULT 'client',
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	owner_tenant_id TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	is_whatsapp_group INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_groups_owner ON groups(owner_tenant_id);

CREATE TABLE IF NOT EXISTS outbound_messages (
	id TEXT PRIMARY KEY,
	tenant_id TEXT,
	target_group_id TEXT,
	target_address TEXT,
	content TEXT NOT NULL DEFAULT '',
	delivery_status TEXT NOT NULL DEFAULT 'pending',
	error_text TEXT,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_outbound_status ON outbound_messages(delivery_status);

CREATE TABLE IF NOT EXISTS change_log (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	op TEXT NOT NULL,
	row_json TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS feed_cursors (
	name TEXT PRIMARY KEY,
	seq INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
`

const sessionRowJSON = `json_object(
	'tenant_id', %[1]s.tenant_id, 'status', %[1]s.status, 'qr_payload', %[1]s.qr_payload,
	'phone_identity', %[1]s.phone_identity, 'source', %[1]s.source, 'updated_at', %[1]s.updated_at)`

const groupRowJSON = `json_object(
	'id', %[1]s.id, 'name', %[1]s.name, 'owner_tenant_id', %[1]s.owner_tenant_id, 'status', %[1]s.status,
	'is_whatsapp_group', json(CASE WHEN %[1]s.is_whatsapp_group THEN 'true' ELSE 'false' END),
	'created_at', %[1]s.created_at, 'updated_at', %[1]s.updated_at)`

const messageRowJSON = `json_object(
	'id', %[1]s.id, 'tenant_id', %[1]s.tenant_id, 'target_group_id', %[1]s.target_group_id,
	'target_address', %[1]s.target_address, 'content', %[1]s.content,
	'delivery_status', %[1]s.delivery_status, 'error_text', %[1]s.error_text,
	'created_at', %[1]s.created_at, 'updated_at', %[1]s.updated_at)`

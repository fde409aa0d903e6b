// Package relay implements the per-community coordination service:
// identity registry, contact/presence state, admin broadcasts, group
// membership, and email verification, all backed by an embedded SQLite
// store.
package relay

import (
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/adamavenir/cc4me/internal/errs"
)

// OpenDatabase opens (creating if necessary) the relay's SQLite store
// and applies the schema, with foreign keys on, WAL journal mode, and
// a 5s busy timeout.
func OpenDatabase(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.TransientTransport, "open relay database", err)
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, errs.Wrap(errs.TransientTransport, "apply pragma "+pragma, err)
		}
	}

	if _, err := conn.Exec(schemaSQL); err != nil {
		_ = conn.Close()
		return nil, errs.Wrap(errs.TransientTransport, "apply relay schema", err)
	}

	return conn, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS agents (
  name TEXT PRIMARY KEY,
  public_key TEXT NOT NULL,
  endpoint TEXT,
  email TEXT,
  email_verified INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'pending', -- pending, active, revoked
  last_seen INTEGER,                      -- unix ms, updated by heartbeat
  created_at INTEGER NOT NULL,
  approved_by TEXT,
  approved_at INTEGER,
  key_updated_at INTEGER
);

CREATE TABLE IF NOT EXISTS contacts (
  agent_a TEXT NOT NULL,                  -- lexicographically smaller
  agent_b TEXT NOT NULL,
  status TEXT NOT NULL,                   -- pending, active
  requested_by TEXT NOT NULL,
  greeting TEXT,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (agent_a, agent_b)
);

CREATE TABLE IF NOT EXISTS email_verifications (
  username TEXT NOT NULL,
  email TEXT NOT NULL,
  code_hash TEXT NOT NULL,                -- sha256 hex of the 6-digit code
  attempts INTEGER NOT NULL DEFAULT 0,
  verified INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  expires_at INTEGER NOT NULL,
  PRIMARY KEY (username)
);

CREATE TABLE IF NOT EXISTS admins (
  name TEXT PRIMARY KEY,
  admin_public_key TEXT NOT NULL,         -- independent admin keypair, not the agent's identity key
  added_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS broadcasts (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  payload_json TEXT NOT NULL,
  sender TEXT NOT NULL,
  signature TEXT NOT NULL,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_limits (
  bucket_key TEXT NOT NULL,               -- e.g. "auth:alice", "register:1.2.3.4"
  window_start INTEGER NOT NULL,          -- unix milliseconds, start of current window
  count INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (bucket_key, window_start)
);

CREATE TABLE IF NOT EXISTS groups (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  owner TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'active',
  settings_json TEXT NOT NULL DEFAULT '{}', -- membersCanInvite, membersCanSend, maxMembers
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS group_members (
  group_id TEXT NOT NULL,
  agent TEXT NOT NULL,
  role TEXT NOT NULL DEFAULT 'member',    -- owner, admin, member; at most one owner
  joined_at INTEGER NOT NULL,
  PRIMARY KEY (group_id, agent)
);

CREATE TABLE IF NOT EXISTS group_invitations (
  group_id TEXT NOT NULL,
  invitee TEXT NOT NULL,
  invited_by TEXT NOT NULL,
  greeting TEXT,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (group_id, invitee)
);

-- group_changes feeds the clients' member-cache refresh: an append-only
-- log of membership transitions, queried by sequence number.
CREATE TABLE IF NOT EXISTS group_changes (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  group_id TEXT NOT NULL,
  agent TEXT NOT NULL,
  change TEXT NOT NULL,                   -- created, joined, left, removed, transferred, dissolved
  at INTEGER NOT NULL
);

-- key_recoveries holds the cooling-off window between a confirmed
-- email-verified recovery request and the moment the new key is applied.
CREATE TABLE IF NOT EXISTS key_recoveries (
  email TEXT PRIMARY KEY,
  agent TEXT NOT NULL,
  new_public_key TEXT NOT NULL,
  requested_at INTEGER NOT NULL
);

-- legacy_inbox backs the pre-direct-delivery /relay/send, /relay/inbox
-- store-and-forward surface kept alive for the migration window.
CREATE TABLE IF NOT EXISTS legacy_inbox (
  id TEXT PRIMARY KEY,
  recipient TEXT NOT NULL,
  sender TEXT NOT NULL,
  envelope_raw BLOB NOT NULL,
  created_at INTEGER NOT NULL,
  acked INTEGER NOT NULL DEFAULT 0
);
`

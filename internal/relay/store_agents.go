package relay

import (
	"database/sql"
	"regexp"
	"time"

	"github.com/adamavenir/cc4me/internal/errs"
)

var agentNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// ValidateAgentName enforces the short-username shape: lowercase
// alphanumeric start, then up to 31 of [a-z0-9_-].
func ValidateAgentName(name string) error {
	if !agentNameRe.MatchString(name) {
		return errs.New(errs.Validation, "invalid agent name")
	}
	return nil
}

// AgentRow mirrors the agents table.
type AgentRow struct {
	Name          string
	PublicKey     string
	Endpoint      string
	Email         string
	EmailVerified bool
	Status        string
	LastSeen      sql.NullInt64
	CreatedAt     int64
	ApprovedBy    sql.NullString
	ApprovedAt    sql.NullInt64
	KeyUpdatedAt  sql.NullInt64
}

const agentColumns = `name, public_key, endpoint, email, email_verified, status, last_seen, created_at, approved_by, approved_at, key_updated_at`

func scanAgent(row interface {
	Scan(dest ...any) error
}) (*AgentRow, error) {
	var a AgentRow
	var emailVerified int
	err := row.Scan(&a.Name, &a.PublicKey, &a.Endpoint, &a.Email, &emailVerified, &a.Status, &a.LastSeen, &a.CreatedAt, &a.ApprovedBy, &a.ApprovedAt, &a.KeyUpdatedAt)
	if err != nil {
		return nil, err
	}
	a.EmailVerified = emailVerified != 0
	return &a, nil
}

// GetAgent returns an agent by name, or nil if not found.
func GetAgent(db *sql.DB, name string) (*AgentRow, error) {
	row := db.QueryRow("SELECT "+agentColumns+" FROM agents WHERE name = ?", name)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.TransientTransport, "query agent", err)
	}
	return agent, nil
}

// InsertAgent creates a new pending agent row. Callers must confirm
// IsVerified(db, name) beforehand; handleRegister never reaches this
// without a prior verified=true email_verifications row.
func InsertAgent(db *sql.DB, name, publicKey, email, endpoint string, now time.Time) error {
	if err := ValidateAgentName(name); err != nil {
		return err
	}
	existing, err := GetAgent(db, name)
	if err != nil {
		return err
	}
	if existing != nil {
		// re-registration is disallowed while any row exists, revoked included
		return errs.New(errs.Conflict, "agent name already registered")
	}
	_, err = db.Exec(
		`INSERT INTO agents (name, public_key, endpoint, email, email_verified, status, created_at)
		 VALUES (?, ?, ?, ?, 1, 'pending', ?)`,
		name, publicKey, endpoint, email, now.UnixMilli(),
	)
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "insert agent", err)
	}
	return nil
}

// ApproveAgent transitions a pending agent to active.
func ApproveAgent(db *sql.DB, name, approvedBy string, now time.Time) error {
	result, err := db.Exec(
		`UPDATE agents SET status = 'active', approved_by = ?, approved_at = ? WHERE name = ? AND status = 'pending'`,
		approvedBy, now.UnixMilli(), name,
	)
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "approve agent", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errs.New(errs.Conflict, "agent not pending")
	}
	return nil
}

// RevokeAgent marks an agent revoked; idempotent on repeat.
func RevokeAgent(db *sql.DB, name string) error {
	_, err := db.Exec(`UPDATE agents SET status = 'revoked' WHERE name = ?`, name)
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "revoke agent", err)
	}
	return nil
}

// UpdatePresence updates an agent's lastSeen and endpoint (heartbeat).
func UpdatePresence(db *sql.DB, name, endpoint string, now time.Time) error {
	_, err := db.Exec(`UPDATE agents SET last_seen = ?, endpoint = ? WHERE name = ?`, now.UnixMilli(), endpoint, name)
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "update presence", err)
	}
	return nil
}

// RotatePublicKey overwrites an agent's public key, signed under the
// previous key (signature already verified by the caller's auth layer).
func RotatePublicKey(db *sql.DB, name, newPublicKey string, now time.Time) error {
	_, err := db.Exec(`UPDATE agents SET public_key = ?, key_updated_at = ? WHERE name = ?`, newPublicKey, now.UnixMilli(), name)
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "rotate public key", err)
	}
	return nil
}

// AddAdmin grants admin rights to an agent under an independent admin
// keypair. Admin operations are verified against this key, never the
// agent's identity key.
func AddAdmin(db *sql.DB, name, adminPublicKey string, now time.Time) error {
	_, err := db.Exec(
		`INSERT INTO admins (name, admin_public_key, added_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET admin_public_key = excluded.admin_public_key`,
		name, adminPublicKey, now.UnixMilli(),
	)
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "add admin", err)
	}
	return nil
}

// AdminKey returns the admin public key registered for name, or "" if
// name is not an admin.
func AdminKey(db *sql.DB, name string) (string, error) {
	var key string
	err := db.QueryRow("SELECT admin_public_key FROM admins WHERE name = ?", name).Scan(&key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errs.Wrap(errs.TransientTransport, "query admin key", err)
	}
	return key, nil
}

// AdminPublicKeys returns the admin public keys of all configured admins.
func AdminPublicKeys(db *sql.DB) ([]string, error) {
	rows, err := db.Query(`SELECT admin_public_key FROM admins`)
	if err != nil {
		return nil, errs.Wrap(errs.TransientTransport, "query admin keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errs.Wrap(errs.TransientTransport, "scan admin key", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// listAgentsByStatus returns every agent row matching status, used for
// the admin pending-approvals view.
func listAgentsByStatus(db *sql.DB, status string) ([]AgentRow, error) {
	rows, err := db.Query("SELECT "+agentColumns+" FROM agents WHERE status = ?", status)
	if err != nil {
		return nil, errs.Wrap(errs.TransientTransport, "query agents by status", err)
	}
	defer rows.Close()

	var out []AgentRow
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, errs.Wrap(errs.TransientTransport, "scan agent", err)
		}
		out = append(out, *agent)
	}
	return out, rows.Err()
}

// agentByEmail looks up an agent by its registered email, used by key
// recovery which authenticates via email rather than signature.
func agentByEmail(db *sql.DB, email string) (*AgentRow, error) {
	row := db.QueryRow("SELECT "+agentColumns+" FROM agents WHERE email = ?", email)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.TransientTransport, "query agent by email", err)
	}
	return agent, nil
}

// PresenceStale reports whether lastSeen is older than maxAge relative to now.
func PresenceStale(a *AgentRow, maxAge time.Duration, now time.Time) bool {
	if !a.LastSeen.Valid {
		return true
	}
	lastSeen := time.UnixMilli(a.LastSeen.Int64)
	return now.Sub(lastSeen) > maxAge
}

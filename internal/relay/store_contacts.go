package relay

import (
	"database/sql"
	"time"
	"unicode/utf8"

	"github.com/adamavenir/cc4me/internal/errs"
)

// MaxGreetingLength is the maximum allowed length of a contact-request greeting.
const MaxGreetingLength = 500

// orderedPair returns the two names in lexicographic order, matching
// the invariant that contacts.agent_a < contacts.agent_b.
func orderedPair(a, b string) (lo, hi string) {
	if a < b {
		return a, b
	}
	return b, a
}

// ContactRow mirrors the contacts table.
type ContactRow struct {
	AgentA      string
	AgentB      string
	Status      string
	RequestedBy string
	Greeting    string
	CreatedAt   int64
}

// RequestContact wraps the existence check and insert in a single
// transaction so they are atomic.
func RequestContact(db *sql.DB, from, to, greeting string, now time.Time) error {
	if from == to {
		return errs.New(errs.Validation, "cannot request yourself as a contact")
	}
	if utf8.RuneCountInString(greeting) > MaxGreetingLength {
		return errs.New(errs.Validation, "greeting exceeds 500 characters")
	}

	tx, err := db.Begin()
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "begin contact request tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	fromAgent, err := queryAgentTx(tx, from)
	if err != nil {
		return err
	}
	if fromAgent == nil || fromAgent.Status != "active" {
		return errs.New(errs.Forbidden, "requesting agent is not active")
	}
	toAgent, err := queryAgentTx(tx, to)
	if err != nil {
		return err
	}
	if toAgent == nil || toAgent.Status != "active" {
		return errs.New(errs.NotFound, "recipient agent not active")
	}

	lo, hi := orderedPair(from, to)
	var existingStatus string
	err = tx.QueryRow("SELECT status FROM contacts WHERE agent_a = ? AND agent_b = ?", lo, hi).Scan(&existingStatus)
	switch {
	case err == sql.ErrNoRows:
		// no existing row, proceed
	case err != nil:
		return errs.Wrap(errs.TransientTransport, "query existing contact", err)
	case existingStatus == "active" || existingStatus == "pending":
		return errs.New(errs.Conflict, "contact already pending or active")
	}

	_, err = tx.Exec(
		`INSERT INTO contacts (agent_a, agent_b, status, requested_by, greeting, created_at)
		 VALUES (?, ?, 'pending', ?, ?, ?)
		 ON CONFLICT (agent_a, agent_b) DO UPDATE SET
		   status = 'pending', requested_by = excluded.requested_by,
		   greeting = excluded.greeting, created_at = excluded.created_at`,
		lo, hi, from, greeting, now.UnixMilli(),
	)
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "insert contact request", err)
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.TransientTransport, "commit contact request tx", err)
	}
	return nil
}

func queryAgentTx(tx *sql.Tx, name string) (*AgentRow, error) {
	row := tx.QueryRow("SELECT "+agentColumns+" FROM agents WHERE name = ?", name)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.TransientTransport, "query agent in tx", err)
	}
	return agent, nil
}

// ListPendingContacts returns pending rows where caller is party but
// not the requester.
func ListPendingContacts(db *sql.DB, caller string) ([]ContactRow, error) {
	rows, err := db.Query(
		`SELECT agent_a, agent_b, status, requested_by, greeting, created_at
		 FROM contacts
		 WHERE status = 'pending' AND (agent_a = ? OR agent_b = ?) AND requested_by != ?`,
		caller, caller, caller,
	)
	if err != nil {
		return nil, errs.Wrap(errs.TransientTransport, "query pending contacts", err)
	}
	defer rows.Close()

	var out []ContactRow
	for rows.Next() {
		var c ContactRow
		if err := rows.Scan(&c.AgentA, &c.AgentB, &c.Status, &c.RequestedBy, &c.Greeting, &c.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.TransientTransport, "scan pending contact", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AcceptContact flips a pending row to active. Only the non-requester may act.
func AcceptContact(db *sql.DB, caller, other string) error {
	return mutateContactPair(db, caller, other, func(tx *sql.Tx, row *ContactRow) error {
		if row == nil || row.Status != "pending" {
			return errs.New(errs.NotFound, "no pending contact request")
		}
		if row.RequestedBy == caller {
			return errs.New(errs.Validation, "requester cannot accept their own request")
		}
		_, err := tx.Exec("UPDATE contacts SET status = 'active' WHERE agent_a = ? AND agent_b = ?", row.AgentA, row.AgentB)
		return err
	})
}

// DenyContact deletes a pending row. Only the non-requester may act.
func DenyContact(db *sql.DB, caller, other string) error {
	return mutateContactPair(db, caller, other, func(tx *sql.Tx, row *ContactRow) error {
		if row == nil || row.Status != "pending" {
			return errs.New(errs.NotFound, "no pending contact request")
		}
		if row.RequestedBy == caller {
			return errs.New(errs.Validation, "requester cannot deny their own request")
		}
		_, err := tx.Exec("DELETE FROM contacts WHERE agent_a = ? AND agent_b = ?", row.AgentA, row.AgentB)
		return err
	})
}

// RemoveContact deletes an active pair. Either party may remove.
func RemoveContact(db *sql.DB, caller, other string) error {
	return mutateContactPair(db, caller, other, func(tx *sql.Tx, row *ContactRow) error {
		if row == nil || row.Status != "active" {
			return errs.New(errs.NotFound, "no active contact")
		}
		_, err := tx.Exec("DELETE FROM contacts WHERE agent_a = ? AND agent_b = ?", row.AgentA, row.AgentB)
		return err
	})
}

// mutateContactPair wraps a single-row read-then-write in one
// transaction, the shape used by every contact-pair mutation.
func mutateContactPair(db *sql.DB, caller, other string, fn func(tx *sql.Tx, row *ContactRow) error) error {
	tx, err := db.Begin()
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "begin contact mutation tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	lo, hi := orderedPair(caller, other)
	var row ContactRow
	err = tx.QueryRow(
		"SELECT agent_a, agent_b, status, requested_by, greeting, created_at FROM contacts WHERE agent_a = ? AND agent_b = ?",
		lo, hi,
	).Scan(&row.AgentA, &row.AgentB, &row.Status, &row.RequestedBy, &row.Greeting, &row.CreatedAt)

	var rowPtr *ContactRow
	switch {
	case err == sql.ErrNoRows:
		rowPtr = nil
	case err != nil:
		return errs.Wrap(errs.TransientTransport, "query contact pair", err)
	default:
		rowPtr = &row
	}

	if err := fn(tx, rowPtr); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.TransientTransport, "commit contact mutation tx", err)
	}
	return nil
}

// ListContacts joins the pairs caller participates in against the
// agents table.
func ListContacts(db *sql.DB, caller string, heartbeatInterval time.Duration, now time.Time) ([]ContactView, error) {
	rows, err := db.Query(
		`SELECT CASE WHEN agent_a = ? THEN agent_b ELSE agent_a END AS peer, created_at
		 FROM contacts WHERE status = 'active' AND (agent_a = ? OR agent_b = ?)`,
		caller, caller, caller,
	)
	if err != nil {
		return nil, errs.Wrap(errs.TransientTransport, "query contacts", err)
	}
	defer rows.Close()

	type peerRow struct {
		peer  string
		since int64
	}
	var peers []peerRow
	for rows.Next() {
		var p peerRow
		if err := rows.Scan(&p.peer, &p.since); err != nil {
			return nil, errs.Wrap(errs.TransientTransport, "scan contact peer", err)
		}
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ContactView, 0, len(peers))
	for _, p := range peers {
		agent, err := GetAgent(db, p.peer)
		if err != nil || agent == nil {
			continue
		}
		view := ContactView{
			Agent:     p.peer,
			PublicKey: agent.PublicKey,
			Endpoint:  agent.Endpoint,
			Since:     time.UnixMilli(p.since).UTC().Format(time.RFC3339),
			Online:    !PresenceStale(agent, 2*heartbeatInterval, now),
		}
		if agent.LastSeen.Valid {
			view.LastSeen = time.UnixMilli(agent.LastSeen.Int64).UTC().Format(time.RFC3339)
		}
		if agent.KeyUpdatedAt.Valid {
			view.KeyUpdatedAt = time.UnixMilli(agent.KeyUpdatedAt.Int64).UTC().Format(time.RFC3339)
		}
		out = append(out, view)
	}
	return out, nil
}

// ContactView is the relay's outward-facing contact representation.
type ContactView struct {
	Agent        string `json:"agent"`
	PublicKey    string `json:"publicKey"`
	Endpoint     string `json:"endpoint"`
	Since        string `json:"since"`
	Online       bool   `json:"online"`
	LastSeen     string `json:"lastSeen,omitempty"`
	KeyUpdatedAt string `json:"keyUpdatedAt,omitempty"`
}

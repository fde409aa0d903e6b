package relay

import (
	"database/sql"
	"time"

	"github.com/adamavenir/cc4me/internal/errs"
	"github.com/google/uuid"
)

// LegacyMessageRow mirrors legacy_inbox, the store-and-forward surface
// kept alive for the migration window.
type LegacyMessageRow struct {
	ID          string
	Recipient   string
	Sender      string
	EnvelopeRaw []byte
	CreatedAt   int64
	Acked       bool
}

// LegacySend stores an envelope for a recipient to poll later.
func LegacySend(db *sql.DB, sender, recipient string, envelopeRaw []byte, now time.Time) (string, error) {
	id := uuid.New().String()
	_, err := db.Exec(
		`INSERT INTO legacy_inbox (id, recipient, sender, envelope_raw, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, recipient, sender, envelopeRaw, now.UnixMilli(),
	)
	if err != nil {
		return "", errs.Wrap(errs.TransientTransport, "insert legacy message", err)
	}
	return id, nil
}

// LegacyInbox returns a recipient's unacked messages, oldest first.
func LegacyInbox(db *sql.DB, recipient string) ([]LegacyMessageRow, error) {
	rows, err := db.Query(
		`SELECT id, recipient, sender, envelope_raw, created_at, acked FROM legacy_inbox
		 WHERE recipient = ? AND acked = 0 ORDER BY created_at ASC`,
		recipient,
	)
	if err != nil {
		return nil, errs.Wrap(errs.TransientTransport, "query legacy inbox", err)
	}
	defer rows.Close()

	var out []LegacyMessageRow
	for rows.Next() {
		var m LegacyMessageRow
		var acked int
		if err := rows.Scan(&m.ID, &m.Recipient, &m.Sender, &m.EnvelopeRaw, &m.CreatedAt, &acked); err != nil {
			return nil, errs.Wrap(errs.TransientTransport, "scan legacy message", err)
		}
		m.Acked = acked != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// LegacyAck marks a message delivered so it no longer appears in the inbox.
func LegacyAck(db *sql.DB, recipient, id string) error {
	result, err := db.Exec("UPDATE legacy_inbox SET acked = 1 WHERE id = ? AND recipient = ?", id, recipient)
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "ack legacy message", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errs.New(errs.NotFound, "legacy message not found")
	}
	return nil
}

package relay

import (
	"database/sql"
	"time"

	"github.com/adamavenir/cc4me/internal/errs"
	"github.com/google/uuid"
)

// BroadcastTypes is the enumerated, closed set of broadcast types.
var BroadcastTypes = map[string]bool{
	"security-alert": true,
	"maintenance":    true,
	"update":         true,
	"announcement":   true,
	"revocation":     true,
}

// BroadcastRow mirrors the broadcasts table.
type BroadcastRow struct {
	ID          string
	Type        string
	PayloadJSON string
	Sender      string
	Signature   string
	CreatedAt   int64
}

// InsertBroadcast stores a new broadcast row and returns its id.
func InsertBroadcast(db *sql.DB, typ, payloadJSON, sender, signature string, now time.Time) (string, error) {
	if !BroadcastTypes[typ] {
		return "", errs.New(errs.Validation, "unknown broadcast type")
	}
	id := uuid.New().String()
	_, err := db.Exec(
		`INSERT INTO broadcasts (id, type, payload_json, sender, signature, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, typ, payloadJSON, sender, signature, now.UnixMilli(),
	)
	if err != nil {
		return "", errs.Wrap(errs.TransientTransport, "insert broadcast", err)
	}
	return id, nil
}

// ListBroadcasts returns every broadcast row, newest first; clients
// dedupe by id locally.
func ListBroadcasts(db *sql.DB) ([]BroadcastRow, error) {
	rows, err := db.Query(`SELECT id, type, payload_json, sender, signature, created_at FROM broadcasts ORDER BY created_at DESC`)
	if err != nil {
		return nil, errs.Wrap(errs.TransientTransport, "query broadcasts", err)
	}
	defer rows.Close()

	var out []BroadcastRow
	for rows.Next() {
		var b BroadcastRow
		if err := rows.Scan(&b.ID, &b.Type, &b.PayloadJSON, &b.Sender, &b.Signature, &b.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.TransientTransport, "scan broadcast", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

package relay

import (
	"database/sql"
	"time"

	"github.com/adamavenir/cc4me/internal/errs"
)

// RecoveryCoolingOff is the delay between a confirmed recovery request
// and the moment the replacement key is applied, giving the legitimate
// key holder a window to notice and intervene.
const RecoveryCoolingOff = time.Hour

// RecoveryRow mirrors the key_recoveries table.
type RecoveryRow struct {
	Email        string
	Agent        string
	NewPublicKey string
	RequestedAt  int64
}

// UpsertRecovery opens (or restarts) a cooling-off window for email.
func UpsertRecovery(db *sql.DB, email, agent, newPublicKey string, now time.Time) error {
	_, err := db.Exec(
		`INSERT INTO key_recoveries (email, agent, new_public_key, requested_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (email) DO UPDATE SET
		   agent = excluded.agent, new_public_key = excluded.new_public_key, requested_at = excluded.requested_at`,
		email, agent, newPublicKey, now.UnixMilli(),
	)
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "upsert recovery", err)
	}
	return nil
}

// GetRecovery returns the pending recovery for email, if any.
func GetRecovery(db *sql.DB, email string) (*RecoveryRow, error) {
	var row RecoveryRow
	err := db.QueryRow(
		"SELECT email, agent, new_public_key, requested_at FROM key_recoveries WHERE email = ?", email,
	).Scan(&row.Email, &row.Agent, &row.NewPublicKey, &row.RequestedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.TransientTransport, "query recovery", err)
	}
	return &row, nil
}

// DeleteRecovery closes a recovery window after the key is applied.
func DeleteRecovery(db *sql.DB, email string) error {
	_, err := db.Exec("DELETE FROM key_recoveries WHERE email = ?", email)
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "delete recovery", err)
	}
	return nil
}

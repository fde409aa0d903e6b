package relay

import (
	"database/sql"
	"time"

	"github.com/adamavenir/cc4me/internal/errs"
)

// VerificationExpiry is how long an email-verification code remains valid.
const VerificationExpiry = 10 * time.Minute

// MaxVerificationAttempts is the confirm-attempt cap per code.
const MaxVerificationAttempts = 3

// StartVerification stores a fresh code hash for username, replacing any
// prior unconsumed row.
func StartVerification(db *sql.DB, username, email, codeHash string, now time.Time) error {
	_, err := db.Exec(
		`INSERT INTO email_verifications (username, email, code_hash, attempts, verified, created_at, expires_at)
		 VALUES (?, ?, ?, 0, 0, ?, ?)
		 ON CONFLICT (username) DO UPDATE SET
		   email = excluded.email, code_hash = excluded.code_hash,
		   attempts = 0, verified = 0, created_at = excluded.created_at, expires_at = excluded.expires_at`,
		username, email, codeHash, now.UnixMilli(), now.Add(VerificationExpiry).UnixMilli(),
	)
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "start verification", err)
	}
	return nil
}

// ConfirmVerification checks codeHash against storage, incrementing
// attempts on mismatch. After MaxVerificationAttempts the row is
// consumed (deleted) regardless of outcome.
func ConfirmVerification(db *sql.DB, username, codeHash string, now time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "begin confirm tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var storedHash string
	var attempts int
	var expiresAt int64
	err = tx.QueryRow(
		"SELECT code_hash, attempts, expires_at FROM email_verifications WHERE username = ?",
		username,
	).Scan(&storedHash, &attempts, &expiresAt)
	if err == sql.ErrNoRows {
		return errs.New(errs.NotFound, "no verification in progress")
	}
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "query verification", err)
	}

	if now.UnixMilli() > expiresAt {
		_, _ = tx.Exec("DELETE FROM email_verifications WHERE username = ?", username)
		_ = tx.Commit()
		return errs.New(errs.Expired, "verification code expired")
	}

	if storedHash != codeHash {
		attempts++
		if attempts >= MaxVerificationAttempts {
			if _, err := tx.Exec("DELETE FROM email_verifications WHERE username = ?", username); err != nil {
				return errs.Wrap(errs.TransientTransport, "consume exhausted verification", err)
			}
		} else {
			if _, err := tx.Exec("UPDATE email_verifications SET attempts = ? WHERE username = ?", attempts, username); err != nil {
				return errs.Wrap(errs.TransientTransport, "record verification attempt", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return errs.Wrap(errs.TransientTransport, "commit verification attempt", err)
		}
		return errs.New(errs.Validation, "incorrect verification code")
	}

	if _, err := tx.Exec("UPDATE email_verifications SET verified = 1 WHERE username = ?", username); err != nil {
		return errs.Wrap(errs.TransientTransport, "mark verified", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.TransientTransport, "commit verification success", err)
	}
	return nil
}

// IsVerified reports whether username has an unconsumed verified=true row.
func IsVerified(db *sql.DB, username string) (bool, error) {
	var verified int
	err := db.QueryRow("SELECT verified FROM email_verifications WHERE username = ?", username).Scan(&verified)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrap(errs.TransientTransport, "query verified state", err)
	}
	return verified != 0, nil
}

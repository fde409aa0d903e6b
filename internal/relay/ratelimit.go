package relay

import (
	"database/sql"
	"sync"
	"time"

	"github.com/adamavenir/cc4me/internal/errs"
)

// Rate limit tiers. These are process-wide and injected into the
// request-handling layer rather than read from ambient module state.
const (
	AuthenticatedRequestLimit = 60
	AuthenticatedWindow       = time.Minute
	ContactRequestLimit       = 10
	ContactRequestWindow      = time.Hour
	RegistrationLimit         = 3
	RegistrationWindow        = time.Hour
)

// RateLimiter enforces per-bucket fixed-window counters backed by the
// rate_limits table, plus a process-wide aggregate circuit breaker.
// It is constructed once by cmd/relayd and injected into the request
// layer rather than read from ambient module state.
type RateLimiter struct {
	db *sql.DB

	aggregateMu       sync.Mutex
	aggregateWindow   time.Time
	aggregateCount    int
	aggregateLimit    int
	aggregateInterval time.Duration
}

// NewRateLimiter constructs a limiter against db with the default
// aggregate circuit-breaker threshold (10,000 requests/min).
func NewRateLimiter(db *sql.DB) *RateLimiter {
	return &RateLimiter{
		db:                db,
		aggregateLimit:    10000,
		aggregateInterval: time.Minute,
	}
}

// windowStart floors now to the start of its bucket's fixed window.
func windowStart(now time.Time, window time.Duration) int64 {
	return now.Truncate(window).UnixMilli()
}

// Allow increments bucketKey's counter for the window containing now
// and reports whether it remains within limit. Buckets are identified
// by a caller-chosen key, e.g. "auth:<agent>", "contact:<agent>",
// "register:<ip>".
func (rl *RateLimiter) Allow(bucketKey string, limit int, window time.Duration, now time.Time) (bool, error) {
	ws := windowStart(now, window)

	tx, err := rl.db.Begin()
	if err != nil {
		return false, errs.Wrap(errs.TransientTransport, "begin rate limit tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	err = tx.QueryRow(
		"SELECT count FROM rate_limits WHERE bucket_key = ? AND window_start = ?",
		bucketKey, ws,
	).Scan(&count)
	if err != nil && err != sql.ErrNoRows {
		return false, errs.Wrap(errs.TransientTransport, "query rate limit bucket", err)
	}

	if count >= limit {
		_ = tx.Commit()
		return false, nil
	}

	_, err = tx.Exec(
		`INSERT INTO rate_limits (bucket_key, window_start, count) VALUES (?, ?, 1)
		 ON CONFLICT (bucket_key, window_start) DO UPDATE SET count = count + 1`,
		bucketKey, ws,
	)
	if err != nil {
		return false, errs.Wrap(errs.TransientTransport, "increment rate limit bucket", err)
	}
	if err := tx.Commit(); err != nil {
		return false, errs.Wrap(errs.TransientTransport, "commit rate limit tx", err)
	}
	return true, nil
}

// AllowAuthenticated applies the 60 req/min/agent tier.
func (rl *RateLimiter) AllowAuthenticated(agent string, now time.Time) (bool, error) {
	return rl.Allow("auth:"+agent, AuthenticatedRequestLimit, AuthenticatedWindow, now)
}

// AllowContactRequest applies the 10 req/hour/agent tier.
func (rl *RateLimiter) AllowContactRequest(agent string, now time.Time) (bool, error) {
	return rl.Allow("contact:"+agent, ContactRequestLimit, ContactRequestWindow, now)
}

// AllowRegistration applies the 3 attempts/hour/IP tier.
func (rl *RateLimiter) AllowRegistration(ip string, now time.Time) (bool, error) {
	return rl.Allow("register:"+ip, RegistrationLimit, RegistrationWindow, now)
}

// AllowAggregate applies the process-wide 10,000 req/min circuit
// breaker, held in memory rather than the database since it must
// reject fast under load rather than pay a query round trip.
func (rl *RateLimiter) AllowAggregate(now time.Time) bool {
	rl.aggregateMu.Lock()
	defer rl.aggregateMu.Unlock()

	ws := now.Truncate(rl.aggregateInterval)
	if !ws.Equal(rl.aggregateWindow) {
		rl.aggregateWindow = ws
		rl.aggregateCount = 0
	}
	rl.aggregateCount++
	return rl.aggregateCount <= rl.aggregateLimit
}

// Sweep deletes rate_limits rows for windows strictly older than
// olderThan, bounding table growth. Intended to run periodically
// from a background ticker in cmd/relayd.
func Sweep(db *sql.DB, olderThan time.Time) error {
	_, err := db.Exec("DELETE FROM rate_limits WHERE window_start < ?", olderThan.UnixMilli())
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "sweep rate limits", err)
	}
	return nil
}

package relay

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cryptox "github.com/adamavenir/cc4me/internal/crypto"
	"github.com/adamavenir/cc4me/internal/errs"
)

// ClockSkew is the maximum age a signed request's X-Timestamp may have
// in either direction before it is rejected.
const ClockSkew = 5 * time.Minute

type contextKey string

const authedAgentKey contextKey = "relay.authedAgent"

// AuthedAgent returns the agent name authenticated for this request,
// if any.
func AuthedAgent(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(authedAgentKey).(string)
	return name, ok
}

// parsedSignature holds a request's decoded Authorization/X-Timestamp
// fields once the header shape and clock skew have been checked, ahead
// of knowing which public key to verify against.
type parsedSignature struct {
	agentName string
	sig       []byte
	timestamp string
	bodyBytes []byte
}

// parseSignedRequest validates the Authorization/X-Timestamp framing and
// consumes-and-replaces r.Body so handlers can still read it, but does
// not verify the signature itself — callers supply the public key to
// check against, since that lookup differs between an already-known
// agent and a first-time registration.
func parseSignedRequest(r *http.Request) (*parsedSignature, error) {
	authz := r.Header.Get("Authorization")
	const prefix = "Signature "
	if !strings.HasPrefix(authz, prefix) {
		return nil, errs.New(errs.Auth, "missing signature")
	}
	rest := strings.TrimPrefix(authz, prefix)
	sepIdx := strings.LastIndex(rest, ":")
	if sepIdx < 0 {
		return nil, errs.New(errs.Auth, "malformed signature header")
	}
	agentName, sigB64 := rest[:sepIdx], rest[sepIdx+1:]
	if agentName == "" {
		return nil, errs.New(errs.Auth, "missing agent name")
	}

	timestamp := r.Header.Get("X-Timestamp")
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return nil, errs.New(errs.Auth, "missing or malformed timestamp")
	}
	if d := time.Since(ts); d > ClockSkew || d < -ClockSkew {
		return nil, errs.New(errs.Auth, "timestamp outside allowed clock skew")
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, errs.New(errs.Auth, "malformed signature encoding")
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "read request body", err)
	}
	r.Body.Close()
	r.Body = io.NopCloser(strings.NewReader(string(bodyBytes)))

	return &parsedSignature{agentName: agentName, sig: sig, timestamp: timestamp, bodyBytes: bodyBytes}, nil
}

// verify checks the parsed signature against pub for the given request
// line, mirroring relayapi.SigningString exactly.
func (p *parsedSignature) verify(pub ed25519.PublicKey, method, path string) error {
	bodyHash := sha256Hex(p.bodyBytes)
	signingString := fmt.Sprintf("%s %s\n%s\n%s", method, path, p.timestamp, bodyHash)
	if !cryptox.Verify(pub, []byte(signingString), p.sig) {
		return errs.New(errs.Auth, "invalid signature")
	}
	return nil
}

// authenticate verifies the Authorization/X-Timestamp signature scheme
// against an agent already known to db.
func authenticate(db *sql.DB, r *http.Request) (string, error) {
	parsed, err := parseSignedRequest(r)
	if err != nil {
		return "", err
	}

	agent, err := GetAgent(db, parsed.agentName)
	if err != nil {
		return "", err
	}
	if agent == nil {
		return "", errs.New(errs.NotFound, "unknown agent")
	}
	if agent.Status == "revoked" {
		return "", errs.New(errs.Forbidden, "agent revoked")
	}

	pub, err := cryptox.DecodePublicKeyB64(agent.PublicKey)
	if err != nil {
		return "", err
	}
	if err := parsed.verify(pub, r.Method, r.URL.RequestURI()); err != nil {
		return "", err
	}

	return parsed.agentName, nil
}

// authenticateSelfSigned verifies a request signed by a keypair that
// has no registry row yet — registration itself. The caller proves
// possession of the private key matching publicKeyB64, the very key
// the request is asking the relay to store.
func authenticateSelfSigned(r *http.Request, publicKeyB64 string) (string, error) {
	parsed, err := parseSignedRequest(r)
	if err != nil {
		return "", err
	}
	pub, err := cryptox.DecodePublicKeyB64(publicKeyB64)
	if err != nil {
		return "", err
	}
	if err := parsed.verify(pub, r.Method, r.URL.RequestURI()); err != nil {
		return "", err
	}
	return parsed.agentName, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// requireAuth wraps a handler, rejecting unsigned/invalid/revoked
// requests before it runs and enforcing the per-agent rate limit tier.
func (s *Server) requireAuth(next func(w http.ResponseWriter, r *http.Request, agent string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.AllowAggregate(time.Now()) {
			writeRateLimited(w, "relay under load", time.Minute)
			return
		}
		agent, err := authenticate(s.db, r)
		if err != nil {
			writeError(w, err)
			return
		}
		ok, err := s.limiter.AllowAuthenticated(agent, time.Now())
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			writeRateLimited(w, "too many requests", AuthenticatedWindow)
			return
		}
		ctx := context.WithValue(r.Context(), authedAgentKey, agent)
		next(w, r.WithContext(ctx), agent)
	}
}

// authenticateAdmin verifies the same signed-request framing as
// authenticate, but against the caller's independent admin keypair from
// the admins table rather than its identity key. The caller must still
// be a known, non-revoked agent.
func authenticateAdmin(db *sql.DB, r *http.Request) (string, error) {
	parsed, err := parseSignedRequest(r)
	if err != nil {
		return "", err
	}

	agent, err := GetAgent(db, parsed.agentName)
	if err != nil {
		return "", err
	}
	if agent == nil {
		return "", errs.New(errs.NotFound, "unknown agent")
	}
	if agent.Status == "revoked" {
		return "", errs.New(errs.Forbidden, "agent revoked")
	}

	adminKeyB64, err := AdminKey(db, parsed.agentName)
	if err != nil {
		return "", err
	}
	if adminKeyB64 == "" {
		return "", errs.New(errs.Forbidden, "admin rights required")
	}
	pub, err := cryptox.DecodePublicKeyB64(adminKeyB64)
	if err != nil {
		return "", err
	}
	if err := parsed.verify(pub, r.Method, r.URL.RequestURI()); err != nil {
		return "", err
	}

	return parsed.agentName, nil
}

// requireAdmin wraps a handler, verifying the request signature against
// the caller's admin keypair from the admins table.
func (s *Server) requireAdmin(next func(w http.ResponseWriter, r *http.Request, agent string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.AllowAggregate(time.Now()) {
			writeRateLimited(w, "relay under load", time.Minute)
			return
		}
		agent, err := authenticateAdmin(s.db, r)
		if err != nil {
			writeError(w, err)
			return
		}
		ok, err := s.limiter.AllowAuthenticated(agent, time.Now())
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			writeRateLimited(w, "too many requests", AuthenticatedWindow)
			return
		}
		ctx := context.WithValue(r.Context(), authedAgentKey, agent)
		next(w, r.WithContext(ctx), agent)
	}
}

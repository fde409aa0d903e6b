package relay

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	cryptox "github.com/adamavenir/cc4me/internal/crypto"
	"github.com/adamavenir/cc4me/internal/errs"
	"github.com/adamavenir/cc4me/internal/relayapi"
)

func buildSignedRequestAt(t *testing.T, priv ed25519.PrivateKey, agent, method, path string, body []byte, at time.Time) *http.Request {
	t.Helper()
	ts := at.UTC().Format(time.RFC3339)
	signingString := relayapi.SigningString(method, path, ts, body)
	sig := cryptox.Sign(priv, []byte(signingString))

	var bodyReader *bytes.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	} else {
		bodyReader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, bodyReader)
	req.Header.Set("Authorization", "Signature "+agent+":"+base64.StdEncoding.EncodeToString(sig))
	req.Header.Set("X-Timestamp", ts)
	return req
}

func buildSignedRequest(t *testing.T, priv ed25519.PrivateKey, agent, method, path string, body []byte) *http.Request {
	return buildSignedRequestAt(t, priv, agent, method, path, body, time.Now())
}

func TestAuthenticateAcceptsValidSignature(t *testing.T) {
	db := openTestDB(t)
	pub, priv, err := cryptox.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	now := time.Now()
	if err := InsertAgent(db, "alice", cryptox.EncodePublicKeyB64(pub), "alice@example.com", "", now); err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	if err := ApproveAgent(db, "alice", "admin", now); err != nil {
		t.Fatalf("approve: %v", err)
	}

	body := []byte(`{"hello":"world"}`)
	req := buildSignedRequest(t, priv, "alice", http.MethodPost, "/contacts/request", body)

	agent, err := authenticate(db, req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if agent != "alice" {
		t.Fatalf("expected alice, got %s", agent)
	}

	// the body must still be readable by the handler after authentication
	replayed := make([]byte, len(body))
	n, _ := req.Body.Read(replayed)
	if string(replayed[:n]) != string(body) {
		t.Fatalf("expected body to be re-buffered for handlers, got %q", replayed[:n])
	}
}

func TestAuthenticateRejectsRevokedAgent(t *testing.T) {
	db := openTestDB(t)
	pub, priv, err := cryptox.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	now := time.Now()
	if err := InsertAgent(db, "alice", cryptox.EncodePublicKeyB64(pub), "alice@example.com", "", now); err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	if err := ApproveAgent(db, "alice", "admin", now); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := RevokeAgent(db, "alice"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	req := buildSignedRequest(t, priv, "alice", http.MethodGet, "/contacts", nil)
	if _, err := authenticate(db, req); !errs.Is(err, errs.Forbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestAuthenticateRejectsStaleTimestamp(t *testing.T) {
	db := openTestDB(t)
	pub, priv, err := cryptox.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	now := time.Now()
	if err := InsertAgent(db, "alice", cryptox.EncodePublicKeyB64(pub), "alice@example.com", "", now); err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	if err := ApproveAgent(db, "alice", "admin", now); err != nil {
		t.Fatalf("approve: %v", err)
	}

	req := buildSignedRequestAt(t, priv, "alice", http.MethodGet, "/contacts", nil, now.Add(-time.Hour))
	if _, err := authenticate(db, req); !errs.Is(err, errs.Auth) {
		t.Fatalf("expected Auth, got %v", err)
	}
}

func TestAuthenticateRejectsTamperedBody(t *testing.T) {
	db := openTestDB(t)
	pub, priv, err := cryptox.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	now := time.Now()
	if err := InsertAgent(db, "alice", cryptox.EncodePublicKeyB64(pub), "alice@example.com", "", now); err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	if err := ApproveAgent(db, "alice", "admin", now); err != nil {
		t.Fatalf("approve: %v", err)
	}

	req := buildSignedRequest(t, priv, "alice", http.MethodPost, "/contacts/request", []byte(`{"to":"bob"}`))
	req.Body = httptest.NewRequest(http.MethodPost, "/contacts/request", bytes.NewReader([]byte(`{"to":"mallory"}`))).Body

	if _, err := authenticate(db, req); !errs.Is(err, errs.Auth) {
		t.Fatalf("expected Auth on tampered body, got %v", err)
	}
}

func TestAuthenticateRejectsUnknownAgent(t *testing.T) {
	db := openTestDB(t)
	_, priv, err := cryptox.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	req := buildSignedRequest(t, priv, "ghost", http.MethodGet, "/contacts", nil)
	if _, err := authenticate(db, req); !errs.Is(err, errs.Auth) && !errs.Is(err, errs.NotFound) {
		t.Fatalf("expected Auth or NotFound for unknown agent, got %v", err)
	}
}

package relay

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	cryptox "github.com/adamavenir/cc4me/internal/crypto"
	"github.com/adamavenir/cc4me/internal/errs"
	"github.com/adamavenir/cc4me/internal/relayapi"
)

// fakeCodeSender captures the last verification code "sent" so tests
// can complete a verify/send + verify/confirm round trip without a
// real email transport.
type fakeCodeSender struct {
	mu       sync.Mutex
	lastCode string
	lastTo   string
}

func (f *fakeCodeSender) SendCode(ctx context.Context, email, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTo = email
	f.lastCode = code
	return nil
}

func (f *fakeCodeSender) code() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCode
}

func newTestRelay(t *testing.T) (*httptest.Server, *fakeCodeSender, *Server) {
	t.Helper()
	db, err := OpenDatabase(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	sender := &fakeCodeSender{}
	srv := NewServer(Config{DB: db, CodeSender: sender})
	httpSrv := httptest.NewServer(srv.Routes())
	t.Cleanup(httpSrv.Close)
	return httpSrv, sender, srv
}

// registerAgent drives a full verify/send -> verify/confirm -> register
// round trip through the live HTTP server and returns a relayapi.Client
// signed with the new agent's freshly generated keypair.
func registerAgent(t *testing.T, httpSrv *httptest.Server, sender *fakeCodeSender, name, email string) *relayapi.Client {
	t.Helper()
	ctx := context.Background()

	anon, err := relayapi.New(httpSrv.URL, relayapi.Signer{}, time.Second)
	if err != nil {
		t.Fatalf("build anonymous client: %v", err)
	}
	if err := anon.VerifySend(ctx, name, email); err != nil {
		t.Fatalf("verify send: %v", err)
	}
	if err := anon.VerifyConfirm(ctx, name, sender.code()); err != nil {
		t.Fatalf("verify confirm: %v", err)
	}

	pub, priv, err := cryptox.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	client, err := relayapi.New(httpSrv.URL, relayapi.Signer{Agent: name, PrivateKey: priv}, time.Second)
	if err != nil {
		t.Fatalf("build signed client: %v", err)
	}
	_, err = client.Register(ctx, relayapi.RegisterRequest{
		Name:      name,
		PublicKey: cryptox.EncodePublicKeyB64(pub),
		Email:     email,
		Endpoint:  "https://" + name + ".example",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return client
}

// makeAdmin grants name admin rights under a freshly generated admin
// keypair (independent of the agent's identity key) and returns a
// client signing with that admin key.
func makeAdmin(t *testing.T, httpSrv *httptest.Server, srv *Server, name string) *relayapi.Client {
	t.Helper()
	pub, priv, err := cryptox.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate admin keypair: %v", err)
	}
	if err := AddAdmin(srv.db, name, cryptox.EncodePublicKeyB64(pub), time.Now()); err != nil {
		t.Fatalf("add admin: %v", err)
	}
	client, err := relayapi.New(httpSrv.URL, relayapi.Signer{Agent: name, PrivateKey: priv}, time.Second)
	if err != nil {
		t.Fatalf("build admin client: %v", err)
	}
	return client
}

func TestRegisterApproveContactLifecycleOverHTTP(t *testing.T) {
	httpSrv, sender, srv := newTestRelay(t)
	ctx := context.Background()

	registerAgent(t, httpSrv, sender, "root-admin", "root@example.com")
	admin := makeAdmin(t, httpSrv, srv, "root-admin")
	if err := admin.Approve(ctx, "root-admin"); err != nil {
		t.Fatalf("self-approve admin: %v", err)
	}

	alice := registerAgent(t, httpSrv, sender, "alice", "alice@example.com")
	bob := registerAgent(t, httpSrv, sender, "bob", "bob@example.com")

	if err := admin.Approve(ctx, "alice"); err != nil {
		t.Fatalf("approve alice: %v", err)
	}
	if err := admin.Approve(ctx, "bob"); err != nil {
		t.Fatalf("approve bob: %v", err)
	}

	if err := alice.RequestContact(ctx, "bob", "hi bob"); err != nil {
		t.Fatalf("request contact: %v", err)
	}
	pending, err := bob.ListPendingContacts(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].From != "alice" {
		t.Fatalf("expected pending request from alice, got %+v", pending)
	}
	if err := bob.AcceptContact(ctx, "alice"); err != nil {
		t.Fatalf("accept contact: %v", err)
	}

	contacts, err := alice.ListContacts(ctx)
	if err != nil {
		t.Fatalf("list contacts: %v", err)
	}
	if len(contacts) != 1 || contacts[0].Agent != "bob" {
		t.Fatalf("expected bob as alice's contact, got %+v", contacts)
	}
}

func TestRegisterRejectsSignatureAgentMismatch(t *testing.T) {
	httpSrv, sender, _ := newTestRelay(t)
	ctx := context.Background()

	anon, err := relayapi.New(httpSrv.URL, relayapi.Signer{}, time.Second)
	if err != nil {
		t.Fatalf("build anonymous client: %v", err)
	}
	if err := anon.VerifySend(ctx, "alice", "alice@example.com"); err != nil {
		t.Fatalf("verify send: %v", err)
	}
	if err := anon.VerifyConfirm(ctx, "alice", sender.code()); err != nil {
		t.Fatalf("verify confirm: %v", err)
	}

	pub, priv, err := cryptox.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	// Signed as "mallory" while the request body claims to be "alice".
	client, err := relayapi.New(httpSrv.URL, relayapi.Signer{Agent: "mallory", PrivateKey: priv}, time.Second)
	if err != nil {
		t.Fatalf("build signed client: %v", err)
	}
	_, err = client.Register(ctx, relayapi.RegisterRequest{
		Name:      "alice",
		PublicKey: cryptox.EncodePublicKeyB64(pub),
		Email:     "alice@example.com",
	})
	if err == nil {
		t.Fatalf("expected registration to be rejected on agent-name mismatch")
	}
}

func TestRegisterRejectsUnverifiedEmail(t *testing.T) {
	httpSrv, _, _ := newTestRelay(t)
	ctx := context.Background()

	pub, priv, err := cryptox.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	client, err := relayapi.New(httpSrv.URL, relayapi.Signer{Agent: "alice", PrivateKey: priv}, time.Second)
	if err != nil {
		t.Fatalf("build signed client: %v", err)
	}
	_, err = client.Register(ctx, relayapi.RegisterRequest{
		Name:      "alice",
		PublicKey: cryptox.EncodePublicKeyB64(pub),
		Email:     "alice@example.com",
	})
	if err == nil {
		t.Fatalf("expected registration without prior email verification to fail")
	}
}

func TestGroupLifecycleOverHTTP(t *testing.T) {
	httpSrv, sender, srv := newTestRelay(t)
	ctx := context.Background()
	_ = srv

	alice := registerAgent(t, httpSrv, sender, "alice", "alice@example.com")
	bob := registerAgent(t, httpSrv, sender, "bob", "bob@example.com")

	// group membership doesn't require agent approval in this surface,
	// only a registered signing identity.
	groupID, err := alice.CreateGroup(ctx, relayapi.CreateGroupRequest{Name: "book-club"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if groupID == "" {
		t.Fatalf("expected a group id in the response")
	}

	if err := alice.InviteToGroup(ctx, groupID, "bob", "come read with us"); err != nil {
		t.Fatalf("invite bob: %v", err)
	}
	invitations, err := bob.ListGroupInvitations(ctx)
	if err != nil {
		t.Fatalf("list invitations: %v", err)
	}
	if len(invitations) != 1 || invitations[0].Greeting != "come read with us" {
		t.Fatalf("expected bob's invitation with greeting, got %+v", invitations)
	}
	if err := bob.AcceptGroupInvitation(ctx, groupID); err != nil {
		t.Fatalf("bob accepts invitation: %v", err)
	}

	members, err := alice.GroupMembers(ctx, groupID)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %+v", members)
	}

	group, err := bob.GetGroup(ctx, groupID)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group.Owner != "alice" || group.Settings.MaxMembers != MaxGroupMembers {
		t.Fatalf("unexpected group view: %+v", group)
	}

	changes, err := bob.GroupChanges(ctx, 0)
	if err != nil {
		t.Fatalf("group changes: %v", err)
	}
	if len(changes) != 2 || changes[0].Change != "created" || changes[1].Change != "joined" {
		t.Fatalf("expected created+joined change feed, got %+v", changes)
	}
}

func TestRevokeEmitsRevocationBroadcastAndLocksOutAgent(t *testing.T) {
	httpSrv, sender, srv := newTestRelay(t)
	ctx := context.Background()

	registerAgent(t, httpSrv, sender, "root-admin", "root@example.com")
	admin := makeAdmin(t, httpSrv, srv, "root-admin")
	if err := admin.Approve(ctx, "root-admin"); err != nil {
		t.Fatalf("approve admin: %v", err)
	}

	rogue := registerAgent(t, httpSrv, sender, "rogue", "rogue@example.com")
	if err := admin.Approve(ctx, "rogue"); err != nil {
		t.Fatalf("approve rogue: %v", err)
	}

	if err := admin.Revoke(ctx, "rogue"); err != nil {
		t.Fatalf("revoke rogue: %v", err)
	}
	// idempotent on repeat
	if err := admin.Revoke(ctx, "rogue"); err != nil {
		t.Fatalf("second revoke should succeed: %v", err)
	}

	agent, err := GetAgent(srv.db, "rogue")
	if err != nil || agent == nil {
		t.Fatalf("get rogue: %v", err)
	}
	if agent.Status != "revoked" {
		t.Fatalf("expected revoked status, got %s", agent.Status)
	}

	// a signed request from the revoked agent is refused
	if _, err := rogue.ListContacts(ctx); !errs.Is(err, errs.Forbidden) {
		t.Fatalf("expected Forbidden for revoked agent, got %v", err)
	}

	rows, err := ListBroadcasts(srv.db)
	if err != nil {
		t.Fatalf("list broadcasts: %v", err)
	}
	var revocations []BroadcastRow
	for _, b := range rows {
		if b.Type == "revocation" {
			revocations = append(revocations, b)
		}
	}
	if len(revocations) != 1 {
		t.Fatalf("expected exactly one revocation broadcast, got %d", len(revocations))
	}
	if !strings.Contains(revocations[0].PayloadJSON, `"revokedAgent":"rogue"`) {
		t.Fatalf("revocation payload missing revokedAgent: %s", revocations[0].PayloadJSON)
	}
}

func TestAdminOpsRejectIdentityKeySignature(t *testing.T) {
	httpSrv, sender, srv := newTestRelay(t)
	ctx := context.Background()

	// root-admin's identity client signs with the identity key, which
	// must not be accepted for admin-gated operations.
	identity := registerAgent(t, httpSrv, sender, "root-admin", "root@example.com")
	makeAdmin(t, httpSrv, srv, "root-admin")

	if err := identity.Approve(ctx, "root-admin"); !errs.Is(err, errs.Auth) {
		t.Fatalf("expected Auth error for identity-key-signed admin op, got %v", err)
	}
}

func TestKeyRecoveryCoolingOff(t *testing.T) {
	httpSrv, sender, srv := newTestRelay(t)
	ctx := context.Background()

	registerAgent(t, httpSrv, sender, "alice", "alice@example.com")

	anon, err := relayapi.New(httpSrv.URL, relayapi.Signer{}, time.Second)
	if err != nil {
		t.Fatalf("build anonymous client: %v", err)
	}

	newPub, _, err := cryptox.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate replacement keypair: %v", err)
	}
	newPubB64 := cryptox.EncodePublicKeyB64(newPub)

	status, err := anon.RecoverKey(ctx, relayapi.RecoverKeyRequest{Email: "alice@example.com", NewPublicKey: newPubB64})
	if err != nil {
		t.Fatalf("start recovery: %v", err)
	}
	if status != "code-sent" {
		t.Fatalf("expected code-sent, got %s", status)
	}

	status, err = anon.RecoverKey(ctx, relayapi.RecoverKeyRequest{
		Email: "alice@example.com", Code: sender.code(), NewPublicKey: newPubB64,
	})
	if err != nil {
		t.Fatalf("confirm recovery: %v", err)
	}
	if status != "pending" {
		t.Fatalf("expected pending cooling-off, got %s", status)
	}

	// within the hour the key must not change yet
	agent, err := GetAgent(srv.db, "alice")
	if err != nil || agent == nil {
		t.Fatalf("get alice: %v", err)
	}
	if agent.PublicKey == newPubB64 {
		t.Fatal("key rotated before the cooling-off window elapsed")
	}

	// age the pending recovery past the window and complete it
	if _, err := srv.db.Exec(
		"UPDATE key_recoveries SET requested_at = ? WHERE email = ?",
		time.Now().Add(-2*RecoveryCoolingOff).UnixMilli(), "alice@example.com",
	); err != nil {
		t.Fatalf("age recovery: %v", err)
	}
	status, err = anon.RecoverKey(ctx, relayapi.RecoverKeyRequest{Email: "alice@example.com", NewPublicKey: newPubB64})
	if err != nil {
		t.Fatalf("complete recovery: %v", err)
	}
	if status != "recovered" {
		t.Fatalf("expected recovered, got %s", status)
	}

	agent, err = GetAgent(srv.db, "alice")
	if err != nil || agent == nil {
		t.Fatalf("get alice after recovery: %v", err)
	}
	if agent.PublicKey != newPubB64 {
		t.Fatal("expected the replacement key to be applied after the window")
	}
}

package community

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adamavenir/cc4me/internal/contactcache"
	cryptox "github.com/adamavenir/cc4me/internal/crypto"
	"github.com/adamavenir/cc4me/internal/events"
	"github.com/adamavenir/cc4me/internal/relayapi"
)

// fakeRelay is a programmable relay stub: flip failing on to answer
// every request with 500, set contacts/adminKeys to serve those lists.
type fakeRelay struct {
	mu        sync.Mutex
	failing   bool
	contacts  []relayapi.ContactView
	adminKeys []string
	hits      atomic.Int64
}

func (f *fakeRelay) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *fakeRelay) setContacts(c []relayapi.ContactView) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts = c
}

func (f *fakeRelay) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		f.mu.Lock()
		failing := f.failing
		contacts := f.contacts
		adminKeys := f.adminKeys
		f.mu.Unlock()

		if failing {
			http.Error(w, `{"error":"transient_transport","message":"boom"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/contacts":
			_ = json.NewEncoder(w).Encode(contacts)
		case r.Method == http.MethodGet && r.URL.Path == "/admin/keys":
			_ = json.NewEncoder(w).Encode(adminKeys)
		default:
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		}
	})
}

func newTestManager(t *testing.T, bus *events.Bus) *Manager {
	t.Helper()
	_, priv, err := cryptox.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return New(ManagerOpts{
		Agent:             "alice",
		Endpoint:          "https://alice.example",
		DefaultPrivateKey: priv,
		DataDir:           t.TempDir(),
		HeartbeatInterval: time.Hour, // only the immediate first beat fires in tests
		RelayTimeout:      2 * time.Second,
		Events:            bus,
	})
}

func TestStickyFailoverAfterThresholdFailures(t *testing.T) {
	primary := &fakeRelay{}
	failover := &fakeRelay{}
	primarySrv := httptest.NewServer(primary.handler())
	failoverSrv := httptest.NewServer(failover.handler())
	t.Cleanup(primarySrv.Close)
	t.Cleanup(failoverSrv.Close)

	bus := events.New()
	var statusEvents []events.CommunityStatusEvent
	var mu sync.Mutex
	bus.OnCommunityStatus(func(e events.CommunityStatusEvent) {
		mu.Lock()
		statusEvents = append(statusEvents, e)
		mu.Unlock()
	})

	m := newTestManager(t, bus)
	if err := m.AddCommunity(Config{Name: "home", PrimaryURL: primarySrv.URL, FailoverURL: failoverSrv.URL}); err != nil {
		t.Fatalf("add community: %v", err)
	}
	t.Cleanup(m.Stop)
	ctx := context.Background()

	// latch firstSuccessSeen so the normal threshold (3) applies
	if err := m.RefreshContacts(ctx, "home"); err != nil {
		t.Fatalf("initial refresh: %v", err)
	}

	primary.setFailing(true)
	for i := 0; i < DefaultFailoverThreshold; i++ {
		_ = m.RefreshContacts(ctx, "home")
	}

	onFailover, err := m.Status("home")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !onFailover {
		t.Fatal("expected community on failover after threshold failures")
	}

	mu.Lock()
	gotEvents := len(statusEvents)
	mu.Unlock()
	if gotEvents != 1 || statusEvents[0].Status != events.CommunityStatusFailover {
		t.Fatalf("expected exactly one failover event, got %+v", statusEvents)
	}

	// subsequent calls are served by the failover relay
	before := failover.hits.Load()
	if err := m.RefreshContacts(ctx, "home"); err != nil {
		t.Fatalf("refresh via failover: %v", err)
	}
	if failover.hits.Load() == before {
		t.Fatal("expected the failover relay to serve the call")
	}

	// a recovered primary must not flip the community back or re-emit
	primary.setFailing(false)
	if err := m.RefreshContacts(ctx, "home"); err != nil {
		t.Fatalf("refresh after primary recovery: %v", err)
	}
	onFailover, _ = m.Status("home")
	if !onFailover {
		t.Fatal("failover must be sticky")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(statusEvents) != 1 {
		t.Fatalf("expected no second failover event, got %+v", statusEvents)
	}
}

func TestStartupFailoverFlipsFaster(t *testing.T) {
	primary := &fakeRelay{failing: true}
	failover := &fakeRelay{}
	primarySrv := httptest.NewServer(primary.handler())
	failoverSrv := httptest.NewServer(failover.handler())
	t.Cleanup(primarySrv.Close)
	t.Cleanup(failoverSrv.Close)

	m := newTestManager(t, events.New())
	if err := m.AddCommunity(Config{Name: "home", PrimaryURL: primarySrv.URL, FailoverURL: failoverSrv.URL}); err != nil {
		t.Fatalf("add community: %v", err)
	}
	t.Cleanup(m.Stop)

	// a single startup failure is enough before any success was seen
	_ = m.RefreshContacts(context.Background(), "home")

	onFailover, err := m.Status("home")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !onFailover {
		t.Fatal("expected startup failure to flip to failover immediately")
	}
}

func TestRefreshContactsPopulatesCacheAndFlagsKeyChange(t *testing.T) {
	relay := &fakeRelay{}
	srv := httptest.NewServer(relay.handler())
	t.Cleanup(srv.Close)

	bus := events.New()
	var keyChanges []events.KeyChangedEvent
	var mu sync.Mutex
	bus.OnKeyChanged(func(e events.KeyChangedEvent) {
		mu.Lock()
		keyChanges = append(keyChanges, e)
		mu.Unlock()
	})

	m := newTestManager(t, bus)
	if err := m.AddCommunity(Config{Name: "home", PrimaryURL: srv.URL}); err != nil {
		t.Fatalf("add community: %v", err)
	}
	t.Cleanup(m.Stop)
	ctx := context.Background()

	relay.setContacts([]relayapi.ContactView{
		{Agent: "bob", PublicKey: "a2V5MQ==", Endpoint: "https://bob.example/inbox/home", Online: true},
	})
	if err := m.RefreshContacts(ctx, "home"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	cache, err := m.Cache("home")
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	entry, ok := cache.Get("bob")
	if !ok || !entry.Online || entry.PublicKey != "a2V5MQ==" {
		t.Fatalf("expected bob cached online, got %+v ok=%v", entry, ok)
	}

	// the relay now reports a different key for bob
	relay.setContacts([]relayapi.ContactView{
		{Agent: "bob", PublicKey: "a2V5Mg==", Endpoint: "https://bob.example/inbox/home", Online: true},
	})
	if err := m.RefreshContacts(ctx, "home"); err != nil {
		t.Fatalf("second refresh: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(keyChanges) != 1 || keyChanges[0].Agent != "bob" || keyChanges[0].NewKey != "a2V5Mg==" {
		t.Fatalf("expected one key-changed event for bob, got %+v", keyChanges)
	}
}

func TestResolveCommunityQualifiedAndUnqualified(t *testing.T) {
	m := newTestManager(t, events.New())
	if err := m.AddCommunity(Config{Name: "home", PrimaryURL: "https://relay.home.example"}); err != nil {
		t.Fatalf("add home: %v", err)
	}
	if err := m.AddCommunity(Config{Name: "work", PrimaryURL: "https://relay.work.example"}); err != nil {
		t.Fatalf("add work: %v", err)
	}
	t.Cleanup(m.Stop)

	community, username, err := m.ResolveCommunity("bob@relay.work.example")
	if err != nil {
		t.Fatalf("resolve qualified: %v", err)
	}
	if community != "work" || username != "bob" {
		t.Fatalf("expected work/bob, got %s/%s", community, username)
	}

	if _, _, err := m.ResolveCommunity("bob@relay.nowhere.example"); err == nil {
		t.Fatal("expected unknown host to fail resolution")
	}

	// unqualified: cache hit wins over the default community
	workCache, _ := m.Cache("work")
	if err := workCache.Put(contactcache.Entry{Username: "carol", Community: "work"}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	community, username, err = m.ResolveCommunity("carol")
	if err != nil {
		t.Fatalf("resolve cached: %v", err)
	}
	if community != "work" || username != "carol" {
		t.Fatalf("expected work/carol, got %s/%s", community, username)
	}

	// unqualified and unknown: falls to the default (first-added) community
	community, _, err = m.ResolveCommunity("stranger")
	if err != nil {
		t.Fatalf("resolve default: %v", err)
	}
	if community != "home" {
		t.Fatalf("expected default community home, got %s", community)
	}
}

func TestRotateKeyPartialFailureEmitsEvent(t *testing.T) {
	healthy := &fakeRelay{}
	broken := &fakeRelay{failing: true}
	healthySrv := httptest.NewServer(healthy.handler())
	brokenSrv := httptest.NewServer(broken.handler())
	t.Cleanup(healthySrv.Close)
	t.Cleanup(brokenSrv.Close)

	bus := events.New()
	var partials []events.KeyRotationPartialEvent
	var mu sync.Mutex
	bus.OnKeyRotationPartial(func(e events.KeyRotationPartialEvent) {
		mu.Lock()
		partials = append(partials, e)
		mu.Unlock()
	})

	m := newTestManager(t, bus)
	if err := m.AddCommunity(Config{Name: "home", PrimaryURL: healthySrv.URL}); err != nil {
		t.Fatalf("add home: %v", err)
	}
	if err := m.AddCommunity(Config{Name: "work", PrimaryURL: brokenSrv.URL}); err != nil {
		t.Fatalf("add work: %v", err)
	}
	t.Cleanup(m.Stop)

	_, newPriv, err := cryptox.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate new keypair: %v", err)
	}
	if err := m.RotateKey(context.Background(), newPriv); err != nil {
		t.Fatalf("partial rotation should not error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(partials) != 1 || len(partials[0].Results) != 2 {
		t.Fatalf("expected one partial event covering both communities, got %+v", partials)
	}
	succeeded := 0
	for _, r := range partials[0].Results {
		if r.Success {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one community to succeed, got %+v", partials[0].Results)
	}
}

func TestRotateKeyTotalFailureErrors(t *testing.T) {
	broken := &fakeRelay{failing: true}
	brokenSrv := httptest.NewServer(broken.handler())
	t.Cleanup(brokenSrv.Close)

	m := newTestManager(t, events.New())
	if err := m.AddCommunity(Config{Name: "home", PrimaryURL: brokenSrv.URL}); err != nil {
		t.Fatalf("add community: %v", err)
	}
	t.Cleanup(m.Stop)

	_, newPriv, err := cryptox.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate new keypair: %v", err)
	}
	if err := m.RotateKey(context.Background(), newPriv); err == nil {
		t.Fatal("expected total rotation failure to error")
	}
}

func TestRotateKeySkipsOverrideKeyCommunities(t *testing.T) {
	relay := &fakeRelay{}
	srv := httptest.NewServer(relay.handler())
	t.Cleanup(srv.Close)

	m := newTestManager(t, events.New())
	if err := m.AddCommunity(Config{Name: "home", PrimaryURL: srv.URL}); err != nil {
		t.Fatalf("add home: %v", err)
	}
	_, overridePriv, err := cryptox.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate override key: %v", err)
	}
	if err := m.AddCommunity(Config{Name: "vault", PrimaryURL: srv.URL, PrivateKey: overridePriv}); err != nil {
		t.Fatalf("add vault: %v", err)
	}
	t.Cleanup(m.Stop)

	_, newPriv, err := cryptox.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate new key: %v", err)
	}
	if err := m.RotateKey(context.Background(), newPriv); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	homeKey, _ := m.PrivateKey("home")
	if !homeKey.Equal(newPriv) {
		t.Fatal("expected home (default key) to rotate")
	}
	vaultKey, _ := m.PrivateKey("vault")
	if !vaultKey.Equal(overridePriv) {
		t.Fatal("expected vault's override key to be left alone")
	}

	// explicitly naming the override community rotates it too
	_, vaultNewPriv, err := cryptox.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate vault key: %v", err)
	}
	if err := m.RotateKey(context.Background(), vaultNewPriv, "vault"); err != nil {
		t.Fatalf("rotate vault: %v", err)
	}
	vaultKey, _ = m.PrivateKey("vault")
	if !vaultKey.Equal(vaultNewPriv) {
		t.Fatal("expected named community to rotate its override key")
	}
}

func TestHeartbeatRefreshesAdminKeys(t *testing.T) {
	adminPub, _, err := cryptox.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate admin key: %v", err)
	}
	relay := &fakeRelay{adminKeys: []string{cryptox.EncodePublicKeyB64(adminPub)}}
	srv := httptest.NewServer(relay.handler())
	t.Cleanup(srv.Close)

	m := newTestManager(t, events.New())
	if err := m.AddCommunity(Config{Name: "home", PrimaryURL: srv.URL}); err != nil {
		t.Fatalf("add community: %v", err)
	}
	m.StartHeartbeats()
	t.Cleanup(m.Stop)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		keys, err := m.AdminKeys("home")
		if err != nil {
			t.Fatalf("admin keys: %v", err)
		}
		if len(keys) == 1 && keys[0].Equal(adminPub) {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("expected the first heartbeat to populate the admin-key cache")
}

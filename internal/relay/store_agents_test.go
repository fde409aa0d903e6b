package relay

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/adamavenir/cc4me/internal/errs"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDatabase(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInsertAgentCreatesPendingAgent(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	if err := InsertAgent(db, "alice", "pubkey", "alice@example.com", "https://alice.example", now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	agent, err := GetAgent(db, "alice")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent == nil || agent.Status != "pending" {
		t.Fatalf("expected pending agent, got %+v", agent)
	}
}

func TestApproveAgentRejectsNonPending(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	if err := InsertAgent(db, "alice", "pubkey", "alice@example.com", "", now); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := ApproveAgent(db, "alice", "admin", now); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := ApproveAgent(db, "alice", "admin", now); !errs.Is(err, errs.Conflict) {
		t.Fatalf("expected Conflict re-approving, got %v", err)
	}
}

func TestRevokeAgentIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	if err := InsertAgent(db, "alice", "pubkey", "alice@example.com", "", now); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := RevokeAgent(db, "alice"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := RevokeAgent(db, "alice"); err != nil {
		t.Fatalf("second revoke should be a no-op, got %v", err)
	}
	agent, _ := GetAgent(db, "alice")
	if agent.Status != "revoked" {
		t.Fatalf("expected revoked status, got %s", agent.Status)
	}
}

func TestPresenceStale(t *testing.T) {
	now := time.Now()
	agent := &AgentRow{}
	if !PresenceStale(agent, time.Minute, now) {
		t.Fatalf("agent with no last_seen should be stale")
	}
}

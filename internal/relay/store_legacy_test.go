package relay

import (
	"testing"
	"time"

	"github.com/adamavenir/cc4me/internal/errs"
)

func TestLegacySendInboxAckLifecycle(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	first, err := LegacySend(db, "alice", "bob", []byte("envelope-1"), now)
	if err != nil {
		t.Fatalf("send first: %v", err)
	}
	second, err := LegacySend(db, "alice", "bob", []byte("envelope-2"), now.Add(time.Second))
	if err != nil {
		t.Fatalf("send second: %v", err)
	}

	inbox, err := LegacyInbox(db, "bob")
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(inbox) != 2 || inbox[0].ID != first || inbox[1].ID != second {
		t.Fatalf("expected oldest-first unacked messages, got %+v", inbox)
	}
	if string(inbox[0].EnvelopeRaw) != "envelope-1" {
		t.Fatalf("expected raw envelope bytes preserved, got %q", inbox[0].EnvelopeRaw)
	}

	if err := LegacyAck(db, "bob", first); err != nil {
		t.Fatalf("ack: %v", err)
	}

	inbox, err = LegacyInbox(db, "bob")
	if err != nil {
		t.Fatalf("inbox after ack: %v", err)
	}
	if len(inbox) != 1 || inbox[0].ID != second {
		t.Fatalf("expected only the unacked message to remain, got %+v", inbox)
	}
}

func TestLegacyAckUnknownMessageFails(t *testing.T) {
	db := openTestDB(t)
	if err := LegacyAck(db, "bob", "does-not-exist"); !errs.Is(err, errs.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestLegacyAckWrongRecipientFails(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	id, err := LegacySend(db, "alice", "bob", []byte("envelope"), now)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := LegacyAck(db, "mallory", id); !errs.Is(err, errs.NotFound) {
		t.Fatalf("expected NotFound acking someone else's message, got %v", err)
	}

	inbox, _ := LegacyInbox(db, "bob")
	if len(inbox) != 1 {
		t.Fatalf("expected message to remain unacked, got %+v", inbox)
	}
}

func TestLegacyInboxEmptyForUnknownRecipient(t *testing.T) {
	db := openTestDB(t)
	inbox, err := LegacyInbox(db, "nobody")
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(inbox) != 0 {
		t.Fatalf("expected empty inbox, got %+v", inbox)
	}
}

package pipeline

import (
	"context"
	"crypto/ed25519"
	"encoding/json"

	cryptox "github.com/adamavenir/cc4me/internal/crypto"
	"github.com/adamavenir/cc4me/internal/envelope"
	"github.com/adamavenir/cc4me/internal/errs"
	"github.com/adamavenir/cc4me/internal/events"
	"github.com/adamavenir/cc4me/internal/groupfanout"
)

const dedupeCapacity = 1000

// DeliverOrQueue implements groupfanout.Deliverer: it attempts a direct
// delivery and, on transient failure or the member being offline,
// enqueues under the given messageId instead of minting a new one.
func (p *Pipeline) DeliverOrQueue(ctx context.Context, communityName, groupID, messageID, recipient string, raw []byte) (string, error) {
	cache, err := p.manager.Cache(communityName)
	if err != nil {
		return "", err
	}
	entry, known := cache.Get(recipient)
	if known && entry.Online && entry.Endpoint != "" {
		if err := p.attemptDirect(ctx, messageID, recipient, entry.Endpoint, true, raw); err == nil {
			p.setFinal(messageID, recipient, SendDelivered)
			return "delivered", nil
		} else if errs.Is(err, errs.Validation) {
			p.setFinal(messageID, recipient, SendFailed)
			return "failed", nil
		}
	}
	if err := p.queue.Enqueue(messageID, recipient, communityName, raw); err != nil {
		return "failed", nil
	}
	return "queued", nil
}

// Receive runs the decode-side pipeline: wire-codec validation,
// dispatch by envelope type, and dedup. communityName
// identifies which relay's contact/admin-key state should resolve the
// sender (the inbox is per-community in multi-community deployments).
func (p *Pipeline) Receive(ctx context.Context, communityName string, members *groupfanout.MemberCache, raw []byte) error {
	env, err := envelope.Parse(raw)
	if err != nil {
		return err
	}

	// Broadcasts are signed by an admin keypair, not a contact's
	// identity key; they take their own validation path against the
	// admin-key set cached from the relay on heartbeat.
	if env.Type == envelope.TypeBroadcast {
		adminKeys, err := p.manager.AdminKeys(communityName)
		if err != nil {
			return err
		}
		if err := envelope.ValidateBroadcast(env, adminKeys); err != nil {
			return err
		}
		return p.receiveBroadcast(communityName, env)
	}

	resolver := p.manager.Resolver(communityName)
	senderPub, err := envelope.Validate(ctx, env, p.username, resolver)
	if err != nil {
		return err
	}

	switch env.Type {
	case envelope.TypeDirect:
		return p.receiveDirect(communityName, env, senderPub)
	case envelope.TypeGroup:
		return p.receiveGroup(ctx, communityName, members, env, senderPub)
	case envelope.TypeContactRequest:
		return p.receiveContactRequest(env)
	default:
		return errs.New(errs.Validation, "unhandled envelope type on receive path")
	}
}

func (p *Pipeline) receiveDirect(communityName string, env *envelope.Envelope, senderPub ed25519.PublicKey) error {
	if p.dedupeSeen("direct", env.MessageID) {
		return nil
	}

	cache, err := p.manager.Cache(communityName)
	if err != nil {
		return err
	}
	entry, ok := cache.Get(env.Sender)
	if !ok {
		return errs.New(errs.Auth, "sender is not a known contact")
	}
	priv, err := p.manager.PrivateKey(communityName)
	if err != nil {
		return err
	}
	sharedKey, err := cryptox.SharedSecret(priv, senderPub, p.username, env.Sender)
	if err != nil {
		return err
	}
	plaintext, err := envelope.DecryptPayload(env, sharedKey)
	if err != nil {
		return err
	}
	_ = entry // presence metadata not needed further on this path

	p.bus.EmitMessage(events.MessageEvent{
		Sender:    env.Sender,
		MessageID: env.MessageID,
		Timestamp: env.Timestamp,
		Payload:   plaintext,
		Verified:  true,
	})
	return nil
}

func (p *Pipeline) receiveGroup(ctx context.Context, communityName string, members *groupfanout.MemberCache, env *envelope.Envelope, senderPub ed25519.PublicKey) error {
	if p.dedupeSeen("group:"+env.GroupID, env.MessageID) {
		return nil
	}

	isMember, err := members.HasMember(ctx, communityName, env.GroupID, env.Sender)
	if err != nil {
		return err
	}
	if !isMember {
		return errs.New(errs.Auth, "sender is not a group member")
	}

	priv, err := p.manager.PrivateKey(communityName)
	if err != nil {
		return err
	}
	sharedKey, err := cryptox.SharedSecret(priv, senderPub, p.username, env.Sender)
	if err != nil {
		return err
	}
	plaintext, err := envelope.DecryptPayload(env, sharedKey)
	if err != nil {
		return err
	}

	p.bus.EmitGroupMessage(events.GroupMessageEvent{
		GroupID:   env.GroupID,
		Sender:    env.Sender,
		MessageID: env.MessageID,
		Timestamp: env.Timestamp,
		Payload:   plaintext,
		Verified:  true,
	})
	return nil
}

// receiveBroadcast verifies against the cached admin-key set rather
// than against a single sender's contact-cache key; admin keys are
// refreshed on heartbeat, not here.
func (p *Pipeline) receiveBroadcast(communityName string, env *envelope.Envelope) error {
	if p.dedupeSeen("broadcast", env.MessageID) {
		return nil
	}
	// The broadcast category (security-alert, maintenance, ...) rides
	// inside the plaintext payload; the envelope type is just "broadcast".
	var body struct {
		Type string `json:"type"`
	}
	if len(env.Plaintext) > 0 {
		_ = json.Unmarshal(env.Plaintext, &body)
	}
	p.bus.EmitBroadcast(events.BroadcastEvent{
		ID:        env.MessageID,
		Type:      body.Type,
		Sender:    env.Sender,
		Payload:   env.Plaintext,
		CreatedAt: env.Timestamp,
	})
	return nil
}

// receiveContactRequest unmarshals the plaintext greeting/key pair.
// Contact-request envelopes travel unencrypted; the relay must be able
// to validate the greeting length, so it is not end-to-end encrypted.
func (p *Pipeline) receiveContactRequest(env *envelope.Envelope) error {
	var body struct {
		Greeting  string `json:"greeting"`
		PublicKey string `json:"publicKey"`
	}
	if len(env.Plaintext) > 0 {
		if err := json.Unmarshal(env.Plaintext, &body); err != nil {
			return errs.Wrap(errs.Validation, "parse contact-request payload", err)
		}
	}
	p.bus.EmitContactRequest(events.ContactRequestEvent{
		From:      env.Sender,
		Greeting:  body.Greeting,
		PublicKey: body.PublicKey,
	})
	return nil
}

func (p *Pipeline) dedupeSeen(channel, messageID string) bool {
	p.dedupeMu.Lock()
	defer p.dedupeMu.Unlock()
	ring, ok := p.dedupe[channel]
	if !ok {
		ring = newDedupeRing(dedupeCapacity)
		p.dedupe[channel] = ring
	}
	return ring.seenOrMark(messageID)
}


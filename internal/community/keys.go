package community

import (
	"context"
	"crypto/ed25519"
	"fmt"

	cryptox "github.com/adamavenir/cc4me/internal/crypto"
	"github.com/adamavenir/cc4me/internal/errs"
	"github.com/adamavenir/cc4me/internal/events"
	"github.com/adamavenir/cc4me/internal/relayapi"
)

// Resolver returns an envelope.KeyResolver bound to one community, for
// passing to envelope.Validate when decoding messages known to have
// arrived via that community's relay.
func (m *Manager) Resolver(community string) *CommunityResolver {
	return &CommunityResolver{manager: m, community: community}
}

// CommunityResolver implements envelope.KeyResolver for a single
// community.
type CommunityResolver struct {
	manager   *Manager
	community string
}

// ResolvePublicKey looks up sender's public key in the community's
// contact cache first, and only falls back to a live relay lookup when
// the sender is unknown.
func (r *CommunityResolver) ResolvePublicKey(ctx context.Context, sender string) (ed25519.PublicKey, error) {
	return r.manager.resolvePublicKey(ctx, r.community, sender)
}

func (m *Manager) resolvePublicKey(ctx context.Context, community, sender string) (ed25519.PublicKey, error) {
	cs, err := m.get(community)
	if err != nil {
		return nil, err
	}

	if entry, ok := cs.cache.Get(sender); ok && entry.PublicKey != "" {
		return cryptox.DecodePublicKeyB64(entry.PublicKey)
	}

	var view *relayapi.AgentView
	apiErr := m.callAPI(ctx, cs, func(ctx context.Context, client *relayapi.Client) error {
		v, err := client.GetAgent(ctx, sender)
		if err != nil {
			return err
		}
		view = v
		return nil
	})
	if apiErr != nil {
		return nil, apiErr
	}

	pub, err := cryptox.DecodePublicKeyB64(view.PublicKey)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// RotateKey signs and posts a new public key to each relay that holds
// the key being rotated. With no filter, that is every community on the
// manager's default signing key; communities carrying their own key
// override are skipped unless explicitly named. Partial failure across
// multiple communities emits KeyRotationPartialEvent rather than
// failing the whole operation; total failure returns an error.
func (m *Manager) RotateKey(ctx context.Context, newPrivateKey ed25519.PrivateKey, communities ...string) error {
	newPublic := newPrivateKey.Public().(ed25519.PublicKey)
	newPublicB64 := cryptox.EncodePublicKeyB64(newPublic)

	filter := map[string]bool{}
	for _, name := range communities {
		filter[name] = true
	}

	m.mu.Lock()
	defaultKey := m.opts.DefaultPrivateKey
	targets := make([]*communityState, 0, len(m.communities))
	for name, cs := range m.communities {
		if len(filter) > 0 && !filter[name] {
			continue
		}
		if len(filter) == 0 && !cs.privateKey.Equal(defaultKey) {
			continue
		}
		targets = append(targets, cs)
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		return errs.New(errs.NotFound, "no communities use the key being rotated")
	}

	results := make([]events.KeyRotationResult, 0, len(targets))
	successCount := 0

	for _, cs := range targets {
		err := m.callAPI(ctx, cs, func(ctx context.Context, client *relayapi.Client) error {
			return client.RotateKey(ctx, newPublicB64)
		})
		result := events.KeyRotationResult{Community: cs.name, Success: err == nil}
		if err != nil {
			result.Error = err.Error()
		} else {
			successCount++
			cs.mu.Lock()
			cs.privateKey = newPrivateKey
			newSigner := relayapi.Signer{Agent: m.opts.Agent, PrivateKey: newPrivateKey}
			cs.primary.SetSigner(newSigner)
			if cs.failover != nil {
				cs.failover.SetSigner(newSigner)
			}
			cs.mu.Unlock()
		}
		results = append(results, result)
	}

	if successCount == 0 {
		return errs.New(errs.TransientTransport, fmt.Sprintf("key rotation failed across all %d communities", len(targets)))
	}
	if len(filter) == 0 {
		m.mu.Lock()
		m.opts.DefaultPrivateKey = newPrivateKey
		m.mu.Unlock()
	}
	if successCount < len(targets) {
		m.opts.Events.EmitKeyRotationPartial(events.KeyRotationPartialEvent{Results: results})
	}
	return nil
}

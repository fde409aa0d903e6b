package community

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/adamavenir/cc4me/internal/contactcache"
	cryptox "github.com/adamavenir/cc4me/internal/crypto"
	"github.com/adamavenir/cc4me/internal/events"
	"github.com/adamavenir/cc4me/internal/relayapi"
)

// RefreshContacts replaces a community's contact cache with the relay's
// current contact list. The cache is swapped whole-object: a failed
// fetch leaves the previous entries untouched. A peer whose public key
// differs from the cached one triggers a KeyChangedEvent rather than a
// silent overwrite.
func (m *Manager) RefreshContacts(ctx context.Context, community string) error {
	cs, err := m.get(community)
	if err != nil {
		return err
	}

	var views []relayapi.ContactView
	apiErr := m.callAPI(ctx, cs, func(ctx context.Context, client *relayapi.Client) error {
		v, err := client.ListContacts(ctx)
		if err != nil {
			return err
		}
		views = v
		return nil
	})
	if apiErr != nil {
		return apiErr
	}

	now := time.Now()
	entries := make([]contactcache.Entry, 0, len(views))
	for _, v := range views {
		prior, had := cs.cache.Get(v.Agent)
		if had && prior.PublicKey != "" && prior.PublicKey != v.PublicKey {
			m.opts.Events.EmitKeyChanged(events.KeyChangedEvent{
				Community: community,
				Agent:     v.Agent,
				OldKey:    prior.PublicKey,
				NewKey:    v.PublicKey,
			})
		}

		entry := contactcache.Entry{
			Username:  v.Agent,
			PublicKey: v.PublicKey,
			Endpoint:  v.Endpoint,
			Online:    v.Online,
			Community: community,
			AddedAt:   now,
		}
		if had {
			entry.AddedAt = prior.AddedAt
		}
		if v.LastSeen != "" {
			if ts, err := time.Parse(time.RFC3339, v.LastSeen); err == nil {
				entry.LastSeen = ts
			}
		}
		if v.KeyUpdatedAt != "" {
			if ts, err := time.Parse(time.RFC3339, v.KeyUpdatedAt); err == nil {
				entry.KeyUpdatedAt = ts
			}
		}
		entries = append(entries, entry)
	}

	return cs.cache.ReplaceAll(entries)
}

// refreshAdminKeys re-fetches the relay's admin public keys, used to
// verify broadcast signatures. Runs after each heartbeat.
func (m *Manager) refreshAdminKeys(ctx context.Context, cs *communityState) {
	var keys []string
	err := m.callAPI(ctx, cs, func(ctx context.Context, client *relayapi.Client) error {
		k, err := client.AdminKeys(ctx)
		if err != nil {
			return err
		}
		keys = k
		return nil
	})
	if err != nil {
		m.log.Warnf("refresh admin keys for %s: %v", cs.name, err)
		return
	}

	decoded := make([]ed25519.PublicKey, 0, len(keys))
	for _, k := range keys {
		pub, err := cryptox.DecodePublicKeyB64(k)
		if err != nil {
			m.log.Warnf("skip malformed admin key for %s: %v", cs.name, err)
			continue
		}
		decoded = append(decoded, pub)
	}

	cs.adminKeysMu.Lock()
	cs.adminKeys = decoded
	cs.adminKeysMu.Unlock()
}

// AdminKeys returns the cached admin public keys for a community.
func (m *Manager) AdminKeys(community string) ([]ed25519.PublicKey, error) {
	cs, err := m.get(community)
	if err != nil {
		return nil, err
	}
	cs.adminKeysMu.RLock()
	defer cs.adminKeysMu.RUnlock()
	out := make([]ed25519.PublicKey, len(cs.adminKeys))
	copy(out, cs.adminKeys)
	return out, nil
}

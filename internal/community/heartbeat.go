package community

import (
	"context"
	"fmt"
	"time"

	"github.com/adamavenir/cc4me/internal/relayapi"
)

// StartHeartbeats launches one background goroutine per registered
// community that periodically posts presence to its active relay.
// Mirrors the daemon's one-goroutine-per-managed-resource timer
// pattern: each community owns its own ticker and stops on Manager.Stop.
func (m *Manager) StartHeartbeats() {
	m.mu.Lock()
	communities := make([]*communityState, 0, len(m.communities))
	for _, cs := range m.communities {
		communities = append(communities, cs)
	}
	m.mu.Unlock()

	for _, cs := range communities {
		m.wg.Add(1)
		go m.heartbeatLoop(cs)
	}
}

func (m *Manager) heartbeatLoop(cs *communityState) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	m.sendHeartbeat(cs)

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sendHeartbeat(cs)
		}
	}
}

func (m *Manager) sendHeartbeat(cs *communityState) {
	// Each community gets its own path under the agent's base endpoint
	// so an inbound delivery's URL alone identifies which community's
	// contact/admin-key state should validate the envelope.
	endpoint := fmt.Sprintf("%s/inbox/%s", m.opts.Endpoint, cs.name)
	ctx := context.Background()
	err := m.callAPI(ctx, cs, func(ctx context.Context, client *relayapi.Client) error {
		return client.Heartbeat(ctx, endpoint)
	})
	if err != nil {
		m.log.Warnf("heartbeat failed for %s: %v", cs.name, err)
		return
	}
	m.refreshAdminKeys(ctx, cs)
}

// Stop halts all heartbeat loops and closes contact-cache watchers.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cs := range m.communities {
		if cs.watcher != nil {
			_ = cs.watcher.Close()
		}
	}
}

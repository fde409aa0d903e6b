// Package community implements the per-community state machine: sticky
// relay failover, heartbeat scheduling, contact-cache ownership,
// qualified-name resolution, and cross-community key-rotation fan-out.
package community

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/adamavenir/cc4me/internal/contactcache"
	"github.com/adamavenir/cc4me/internal/errs"
	"github.com/adamavenir/cc4me/internal/events"
	"github.com/adamavenir/cc4me/internal/logging"
	"github.com/adamavenir/cc4me/internal/relayapi"
)

// DefaultFailoverThreshold is the number of consecutive failures before
// a community flips to its failover relay.
const DefaultFailoverThreshold = 3

// DefaultHeartbeatInterval is how often a heartbeat is sent per community.
const DefaultHeartbeatInterval = 5 * time.Minute

// StartupFailoverThreshold permits faster failover before the first
// success is ever observed against a community's primary relay.
const StartupFailoverThreshold = 1

// Config describes one community at construction time.
type Config struct {
	Name        string
	PrimaryURL  string
	FailoverURL string // optional

	// PrivateKey overrides the manager's default signing key for this
	// community.
	PrivateKey ed25519.PrivateKey
}

// ManagerOpts configures the Manager.
type ManagerOpts struct {
	Agent             string
	Endpoint          string // this agent's own public HTTPS inbox URL
	DefaultPrivateKey ed25519.PrivateKey
	DataDir           string
	HeartbeatInterval time.Duration
	FailoverThreshold int
	RelayTimeout      time.Duration
	DefaultCommunity  string
	Events            *events.Bus
}

// Manager multiplexes all per-relay operations over N communities.
type Manager struct {
	opts ManagerOpts
	log  *logging.Logger

	mu          sync.Mutex
	communities map[string]*communityState

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type communityState struct {
	mu sync.Mutex

	name       string
	primary    *relayapi.Client
	failover   *relayapi.Client
	active     *relayapi.Client
	onFailover bool

	consecutiveFailures int
	firstSuccessSeen    bool
	startupFailures     int

	privateKey ed25519.PrivateKey
	cache      *contactcache.Cache
	watcher    *contactcache.Watcher

	adminKeysMu sync.RWMutex
	adminKeys   []ed25519.PublicKey

	timer *time.Timer
}

// New constructs a Manager with no communities registered yet.
func New(opts ManagerOpts) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.FailoverThreshold <= 0 {
		opts.FailoverThreshold = DefaultFailoverThreshold
	}
	if opts.RelayTimeout <= 0 {
		opts.RelayTimeout = relayapi.DefaultTimeout
	}
	if opts.Events == nil {
		opts.Events = events.New()
	}
	return &Manager{
		opts:        opts,
		log:         logging.New("community"),
		communities: map[string]*communityState{},
		stopCh:      make(chan struct{}),
	}
}

// AddCommunity registers a community and opens its contact cache.
func (m *Manager) AddCommunity(cfg Config) error {
	signer := relayapi.Signer{Agent: m.opts.Agent, PrivateKey: cfg.PrivateKey}
	if signer.PrivateKey == nil {
		signer.PrivateKey = m.opts.DefaultPrivateKey
	}

	primary, err := relayapi.New(cfg.PrimaryURL, signer, m.opts.RelayTimeout)
	if err != nil {
		return err
	}

	var failover *relayapi.Client
	if cfg.FailoverURL != "" {
		failover, err = relayapi.New(cfg.FailoverURL, signer, m.opts.RelayTimeout)
		if err != nil {
			return err
		}
	}

	cs := &communityState{
		name:       cfg.Name,
		primary:    primary,
		failover:   failover,
		active:     primary,
		privateKey: signer.PrivateKey,
		cache:      contactcache.Open(m.opts.DataDir, cfg.Name),
	}

	m.mu.Lock()
	m.communities[cfg.Name] = cs
	if m.opts.DefaultCommunity == "" {
		m.opts.DefaultCommunity = cfg.Name
	}
	m.mu.Unlock()

	watcher, err := contactcache.Watch(cs.cache)
	if err == nil {
		cs.watcher = watcher
	} else {
		m.log.Warnf("could not watch contact cache for %s: %v", cfg.Name, err)
	}

	return nil
}

func (m *Manager) get(name string) (*communityState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.communities[name]
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("unknown community %q", name))
	}
	return cs, nil
}

// Names returns the registered community names.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.communities))
	for name := range m.communities {
		names = append(names, name)
	}
	return names
}

// Cache returns the contact cache for a community.
func (m *Manager) Cache(community string) (*contactcache.Cache, error) {
	cs, err := m.get(community)
	if err != nil {
		return nil, err
	}
	return cs.cache, nil
}

// DefaultCommunity returns the manager's default community name.
func (m *Manager) DefaultCommunity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts.DefaultCommunity
}

// callAPI routes fn through the community's currently-active relay,
// updating failover accounting on the result. A status of 0 (network
// error, surfaced via errs.TransientTransport) or >=500 counts as a
// failure; any success resets the counter and latches firstSuccessSeen.
func (m *Manager) callAPI(ctx context.Context, cs *communityState, fn func(ctx context.Context, client *relayapi.Client) error) error {
	cs.mu.Lock()
	client := cs.active
	cs.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opts.RelayTimeout)
	defer cancel()

	err := fn(ctx, client)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if isTransientFailure(err) {
		cs.consecutiveFailures++
		if !cs.firstSuccessSeen {
			cs.startupFailures++
		}
		m.maybeFailoverLocked(cs)
	} else if err == nil {
		cs.consecutiveFailures = 0
		cs.firstSuccessSeen = true
	}

	return err
}

// CallAPI routes fn through the named community's currently-active
// relay client, applying the same failover accounting as internal
// calls. Exported for use by packages that borrow the manager
// (pipeline, groupfanout) rather than owning relay clients themselves.
func (m *Manager) CallAPI(ctx context.Context, community string, fn func(ctx context.Context, client *relayapi.Client) error) error {
	cs, err := m.get(community)
	if err != nil {
		return err
	}
	return m.callAPI(ctx, cs, fn)
}

func isTransientFailure(err error) bool {
	return errs.Is(err, errs.TransientTransport)
}

// maybeFailoverLocked flips the active relay to failover once the
// threshold is reached. Failover is sticky: once flipped, the manager
// never automatically returns to primary.
func (m *Manager) maybeFailoverLocked(cs *communityState) {
	if cs.onFailover || cs.failover == nil {
		return
	}

	threshold := m.opts.FailoverThreshold
	if !cs.firstSuccessSeen && StartupFailoverThreshold < threshold {
		threshold = StartupFailoverThreshold
	}

	failures := cs.consecutiveFailures
	if !cs.firstSuccessSeen {
		failures = cs.startupFailures
	}

	if failures >= threshold {
		cs.active = cs.failover
		cs.onFailover = true
		m.opts.Events.EmitCommunityStatus(events.CommunityStatusEvent{
			Community: cs.name,
			Status:    events.CommunityStatusFailover,
		})
	}
}

// Status reports whether a community is currently on its failover relay.
func (m *Manager) Status(community string) (onFailover bool, err error) {
	cs, err := m.get(community)
	if err != nil {
		return false, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.onFailover, nil
}

// ResolveCommunity maps a possibly-qualified recipient name
// ("user" or "user@hostname") to the community that should be used,
// and returns the bare username. Qualified names resolve by matching
// the host against a community's relay hostname; unqualified names
// resolve to the first community whose cache holds the peer, falling
// back to the default community.
func (m *Manager) ResolveCommunity(recipient string) (community, username string, err error) {
	if idx := strings.LastIndex(recipient, "@"); idx >= 0 {
		username = recipient[:idx]
		host := recipient[idx+1:]
		m.mu.Lock()
		defer m.mu.Unlock()
		for name, cs := range m.communities {
			if hostMatches(cs.primary.BaseURL(), host) || (cs.failover != nil && hostMatches(cs.failover.BaseURL(), host)) {
				return name, username, nil
			}
		}
		return "", "", errs.New(errs.NotFound, fmt.Sprintf("no community matches host %q", host))
	}

	username = recipient
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, cs := range m.communities {
		if _, ok := cs.cache.Get(username); ok {
			return name, username, nil
		}
	}
	if m.opts.DefaultCommunity == "" {
		return "", "", errs.New(errs.NotFound, "no default community configured")
	}
	return m.opts.DefaultCommunity, username, nil
}

func hostMatches(baseURL, host string) bool {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(parsed.Hostname(), host)
}

// PrivateKey returns the signing key used for a given community.
func (m *Manager) PrivateKey(community string) (ed25519.PrivateKey, error) {
	cs, err := m.get(community)
	if err != nil {
		return nil, err
	}
	return cs.privateKey, nil
}

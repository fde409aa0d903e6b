// Package groupfanout implements per-member pairwise encryption and
// bounded-concurrency delivery for group messages, plus the member-list
// cache shared with the receive-side group-membership check. Delivery
// concurrency is bounded with a stdlib buffered-channel semaphore.
package groupfanout

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/adamavenir/cc4me/internal/community"
	cryptox "github.com/adamavenir/cc4me/internal/crypto"
	"github.com/adamavenir/cc4me/internal/envelope"
	"github.com/adamavenir/cc4me/internal/logging"
	"github.com/adamavenir/cc4me/internal/relayapi"
)

// MemberTTL is how long a group's member list is cached before a
// lookup miss triggers a relay refresh.
const MemberTTL = 60 * time.Second

// MaxParallelDeliveries bounds concurrent per-member delivery attempts.
const MaxParallelDeliveries = 10

// PerMemberTimeout bounds a single member's delivery attempt.
const PerMemberTimeout = 5 * time.Second

// Member is one entry in a group's roster.
type Member struct {
	Agent     string
	PublicKey string
}

// MemberCache holds per-group rosters with a TTL, refreshed from the
// relay on miss or expiry.
type MemberCache struct {
	mu        sync.Mutex
	fetchedAt map[string]time.Time
	members   map[string][]Member
	manager   *community.Manager
}

// NewMemberCache constructs an empty cache bound to manager's relay clients.
func NewMemberCache(manager *community.Manager) *MemberCache {
	return &MemberCache{
		fetchedAt: map[string]time.Time{},
		members:   map[string][]Member{},
		manager:   manager,
	}
}

// Get returns a group's roster, refreshing from the relay if the cache
// entry is missing or older than MemberTTL.
func (c *MemberCache) Get(ctx context.Context, communityName, groupID string) ([]Member, error) {
	c.mu.Lock()
	fetched, ok := c.fetchedAt[groupID]
	current := c.members[groupID]
	c.mu.Unlock()

	if ok && time.Since(fetched) < MemberTTL {
		return current, nil
	}
	return c.refresh(ctx, communityName, groupID)
}

// HasMember reports whether agent is a current member of groupID,
// forcing a refresh if agent is not found in the cached roster.
func (c *MemberCache) HasMember(ctx context.Context, communityName, groupID, agent string) (bool, error) {
	members, err := c.Get(ctx, communityName, groupID)
	if err != nil {
		return false, err
	}
	if containsMember(members, agent) {
		return true, nil
	}
	members, err = c.refresh(ctx, communityName, groupID)
	if err != nil {
		return false, err
	}
	return containsMember(members, agent), nil
}

func containsMember(members []Member, agent string) bool {
	for _, m := range members {
		if m.Agent == agent {
			return true
		}
	}
	return false
}

func (c *MemberCache) refresh(ctx context.Context, communityName, groupID string) ([]Member, error) {
	var views []relayapi.GroupMemberView
	err := c.manager.CallAPI(ctx, communityName, func(ctx context.Context, client *relayapi.Client) error {
		v, err := client.GroupMembers(ctx, groupID)
		if err != nil {
			return err
		}
		views = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	cache, cacheErr := c.manager.Cache(communityName)
	members := make([]Member, 0, len(views))
	for _, v := range views {
		publicKey := ""
		if cacheErr == nil {
			if entry, ok := cache.Get(v.Agent); ok {
				publicKey = entry.PublicKey
			}
		}
		members = append(members, Member{Agent: v.Agent, PublicKey: publicKey})
	}

	c.mu.Lock()
	c.members[groupID] = members
	c.fetchedAt[groupID] = time.Now()
	c.mu.Unlock()

	return members, nil
}

// FanoutResult is the typed outcome of SendToGroup.
type FanoutResult struct {
	MessageID string   `json:"messageId"`
	Delivered []string `json:"delivered"`
	Queued    []string `json:"queued"`
	Failed    []string `json:"failed"`
}

// Deliverer performs one member's delivery: raw is the fully built,
// signed, individually-encrypted envelope. It reports "delivered" when
// the attempt completed synchronously, or enqueues the entry itself and
// reports "queued" otherwise.
type Deliverer interface {
	DeliverOrQueue(ctx context.Context, communityName, groupID, messageID, recipient string, raw []byte) (status string, err error)
}

// Fanout sends payload to every member of a group, individually
// pairwise-encrypted, with bounded concurrency.
type Fanout struct {
	username string
	manager  *community.Manager
	members  *MemberCache
	deliver  Deliverer
	log      *logging.Logger
}

// New constructs a Fanout.
func New(username string, manager *community.Manager, members *MemberCache, deliver Deliverer) *Fanout {
	return &Fanout{
		username: username,
		manager:  manager,
		members:  members,
		deliver:  deliver,
		log:      logging.New("groupfanout"),
	}
}

type memberOutcome struct {
	agent  string
	status string
}

// SendToGroup allocates one shared messageId for the batch and delivers
// one individually pairwise-encrypted envelope per member, with bounded
// concurrency.
func (f *Fanout) SendToGroup(ctx context.Context, communityName, groupID string, plaintext []byte) (FanoutResult, error) {
	members, err := f.members.Get(ctx, communityName, groupID)
	if err != nil {
		return FanoutResult{}, err
	}

	priv, err := f.manager.PrivateKey(communityName)
	if err != nil {
		return FanoutResult{}, err
	}

	messageID := envelope.NewMessageID()

	sem := make(chan struct{}, MaxParallelDeliveries)
	var wg sync.WaitGroup
	outcomes := make([]memberOutcome, 0, len(members))
	var outcomesMu sync.Mutex

	for _, member := range members {
		if member.Agent == f.username {
			continue
		}
		member := member
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			outcome := f.sendToMember(ctx, communityName, groupID, messageID, priv, member, plaintext)
			outcomesMu.Lock()
			outcomes = append(outcomes, outcome)
			outcomesMu.Unlock()
		}()
	}
	wg.Wait()

	result := FanoutResult{MessageID: messageID}
	for _, o := range outcomes {
		switch o.status {
		case "delivered":
			result.Delivered = append(result.Delivered, o.agent)
		case "queued":
			result.Queued = append(result.Queued, o.agent)
		default:
			result.Failed = append(result.Failed, o.agent)
		}
	}
	return result, nil
}

func (f *Fanout) sendToMember(ctx context.Context, communityName, groupID, messageID string, priv ed25519.PrivateKey, member Member, plaintext []byte) memberOutcome {
	if member.PublicKey == "" {
		f.log.Warnf("no cached public key for group member %s, skipping", member.Agent)
		return memberOutcome{agent: member.Agent, status: "failed"}
	}

	peerPub, err := cryptox.DecodePublicKeyB64(member.PublicKey)
	if err != nil {
		return memberOutcome{agent: member.Agent, status: "failed"}
	}
	sharedKey, err := cryptox.SharedSecret(priv, peerPub, f.username, member.Agent)
	if err != nil {
		return memberOutcome{agent: member.Agent, status: "failed"}
	}

	payload, err := envelope.EncryptPayload(messageID, sharedKey, plaintext)
	if err != nil {
		return memberOutcome{agent: member.Agent, status: "failed"}
	}

	env := envelope.Build(envelope.TypeGroup, f.username, member.Agent, groupID, payload, nil)
	env.MessageID = messageID
	if err := env.Sign(priv); err != nil {
		return memberOutcome{agent: member.Agent, status: "failed"}
	}
	raw, err := env.Marshal()
	if err != nil {
		return memberOutcome{agent: member.Agent, status: "failed"}
	}

	ctx, cancel := context.WithTimeout(ctx, PerMemberTimeout)
	defer cancel()

	status, err := f.deliver.DeliverOrQueue(ctx, communityName, groupID, messageID, member.Agent, raw)
	if err != nil {
		return memberOutcome{agent: member.Agent, status: "failed"}
	}
	return memberOutcome{agent: member.Agent, status: status}
}

package relayapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	cryptox "github.com/adamavenir/cc4me/internal/crypto"
	"github.com/adamavenir/cc4me/internal/errs"
)

// GetAgent fetches a single agent's public record.
func (c *Client) GetAgent(ctx context.Context, name string) (*AgentView, error) {
	var out AgentView
	if err := c.DoAuthenticated(ctx, http.MethodGet, "/registry/agents/"+name, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register creates a new agent record (requires a prior verified
// email-verification row).
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AgentView, error) {
	var out AgentView
	if err := c.DoAuthenticated(ctx, http.MethodPost, "/registry/agents", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approve moves a pending agent to active.
func (c *Client) Approve(ctx context.Context, name string) error {
	return c.DoAuthenticated(ctx, http.MethodPost, "/registry/agents/"+name+"/approve", nil, nil)
}

// Revoke marks an agent revoked (terminal, idempotent). The revocation
// payload is signed with the caller's admin key so the relay can store
// it as a verifiable revocation broadcast.
func (c *Client) Revoke(ctx context.Context, name string) error {
	payload, err := json.Marshal(map[string]string{
		"revokedAgent": name,
		"revokedAt":    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return errs.Wrap(errs.Validation, "marshal revocation payload", err)
	}
	sig := cryptox.Sign(c.signer.PrivateKey, payload)
	req := RevokeRequest{
		PayloadJSON: string(payload),
		Signature:   base64.StdEncoding.EncodeToString(sig),
	}
	return c.DoAuthenticated(ctx, http.MethodPost, "/registry/agents/"+name+"/revoke", req, nil)
}

// RequestContact sends a contact request to another agent.
func (c *Client) RequestContact(ctx context.Context, to, greeting string) error {
	return c.DoAuthenticated(ctx, http.MethodPost, "/contacts/request", RequestContactRequest{To: to, Greeting: greeting}, nil)
}

// ListPendingContacts returns contact requests awaiting this agent's decision.
func (c *Client) ListPendingContacts(ctx context.Context) ([]PendingContactView, error) {
	var out []PendingContactView
	if err := c.DoAuthenticated(ctx, http.MethodGet, "/contacts/pending", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AcceptContact accepts a pending contact request from agent.
func (c *Client) AcceptContact(ctx context.Context, agent string) error {
	return c.DoAuthenticated(ctx, http.MethodPost, "/contacts/"+agent+"/accept", nil, nil)
}

// DenyContact denies a pending contact request from agent.
func (c *Client) DenyContact(ctx context.Context, agent string) error {
	return c.DoAuthenticated(ctx, http.MethodPost, "/contacts/"+agent+"/deny", nil, nil)
}

// RemoveContact removes an active contact pair.
func (c *Client) RemoveContact(ctx context.Context, agent string) error {
	return c.DoAuthenticated(ctx, http.MethodDelete, "/contacts/"+agent, nil, nil)
}

// ListContacts returns the caller's full contact list.
func (c *Client) ListContacts(ctx context.Context) ([]ContactView, error) {
	var out []ContactView
	if err := c.DoAuthenticated(ctx, http.MethodGet, "/contacts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Heartbeat updates the caller's presence (lastSeen, endpoint).
func (c *Client) Heartbeat(ctx context.Context, endpoint string) error {
	return c.DoAuthenticated(ctx, http.MethodPut, "/presence", HeartbeatRequest{Endpoint: endpoint}, nil)
}

// GetPresence fetches one agent's presence.
func (c *Client) GetPresence(ctx context.Context, agent string) (*PresenceView, error) {
	var out PresenceView
	if err := c.DoAuthenticated(ctx, http.MethodGet, "/presence/"+agent, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPresenceBatch fetches presence for multiple agents at once.
func (c *Client) GetPresenceBatch(ctx context.Context, agents []string) ([]PresenceView, error) {
	path := "/presence/batch?agents="
	for i, a := range agents {
		if i > 0 {
			path += ","
		}
		path += a
	}
	var out []PresenceView
	if err := c.DoAuthenticated(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RotateKey posts a new public key, signed with the current key.
func (c *Client) RotateKey(ctx context.Context, newPublicKey string) error {
	return c.DoAuthenticated(ctx, http.MethodPost, "/keys/rotate", RotateKeyRequest{NewPublicKey: newPublicKey}, nil)
}

// RecoverKey advances an email-verified key recovery one step and
// returns the relay's reported status ("code-sent", "pending", or
// "recovered").
func (c *Client) RecoverKey(ctx context.Context, req RecoverKeyRequest) (string, error) {
	var out struct {
		Status      string `json:"status"`
		EffectiveAt string `json:"effectiveAt"`
	}
	if err := c.DoAuthenticated(ctx, http.MethodPost, "/keys/recover", req, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// AdminKeys fetches the relay's cached list of admin public keys, used
// by clients to verify broadcast signatures.
func (c *Client) AdminKeys(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.DoAuthenticated(ctx, http.MethodGet, "/admin/keys", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Broadcasts fetches all broadcasts (clients dedupe by id locally).
func (c *Client) Broadcasts(ctx context.Context) ([]BroadcastView, error) {
	var out []BroadcastView
	if err := c.DoAuthenticated(ctx, http.MethodGet, "/admin/broadcasts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostBroadcast creates a new admin broadcast.
func (c *Client) PostBroadcast(ctx context.Context, req BroadcastRequest) error {
	return c.DoAuthenticated(ctx, http.MethodPost, "/admin/broadcast", req, nil)
}

// VerifySend requests a fresh email verification code.
func (c *Client) VerifySend(ctx context.Context, username, email string) error {
	return c.DoAuthenticated(ctx, http.MethodPost, "/verify/send", VerifySendRequest{Username: username, Email: email}, nil)
}

// VerifyConfirm submits a verification code.
func (c *Client) VerifyConfirm(ctx context.Context, username, code string) error {
	return c.DoAuthenticated(ctx, http.MethodPost, "/verify/confirm", VerifyConfirmRequest{Username: username, Code: code}, nil)
}

// CreateGroup creates a group and returns its id.
func (c *Client) CreateGroup(ctx context.Context, req CreateGroupRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.DoAuthenticated(ctx, http.MethodPost, "/groups", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// GetGroup fetches one group record.
func (c *Client) GetGroup(ctx context.Context, groupID string) (*GroupView, error) {
	var out GroupView
	if err := c.DoAuthenticated(ctx, http.MethodGet, "/groups/"+groupID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListGroups returns every group the caller belongs to.
func (c *Client) ListGroups(ctx context.Context) ([]GroupView, error) {
	var out []GroupView
	if err := c.DoAuthenticated(ctx, http.MethodGet, "/groups", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DissolveGroup deletes a group (owner only).
func (c *Client) DissolveGroup(ctx context.Context, groupID string) error {
	return c.DoAuthenticated(ctx, http.MethodDelete, "/groups/"+groupID, nil, nil)
}

// InviteToGroup extends a group invitation.
func (c *Client) InviteToGroup(ctx context.Context, groupID, invitee, greeting string) error {
	return c.DoAuthenticated(ctx, http.MethodPost, "/groups/"+groupID+"/invite", GroupInviteRequest{Invitee: invitee, Greeting: greeting}, nil)
}

// AcceptGroupInvitation joins a group the caller was invited to.
func (c *Client) AcceptGroupInvitation(ctx context.Context, groupID string) error {
	return c.DoAuthenticated(ctx, http.MethodPost, "/groups/"+groupID+"/accept", nil, nil)
}

// DeclineGroupInvitation discards a pending invitation.
func (c *Client) DeclineGroupInvitation(ctx context.Context, groupID string) error {
	return c.DoAuthenticated(ctx, http.MethodPost, "/groups/"+groupID+"/decline", nil, nil)
}

// LeaveGroup removes the caller's own membership.
func (c *Client) LeaveGroup(ctx context.Context, groupID string) error {
	return c.DoAuthenticated(ctx, http.MethodPost, "/groups/"+groupID+"/leave", nil, nil)
}

// RemoveGroupMember removes another member (owner/admin only).
func (c *Client) RemoveGroupMember(ctx context.Context, groupID, agent string) error {
	return c.DoAuthenticated(ctx, http.MethodPost, "/groups/"+groupID+"/members/"+agent+"/remove", nil, nil)
}

// TransferGroupOwnership reassigns the group owner.
func (c *Client) TransferGroupOwnership(ctx context.Context, groupID, newOwner string) error {
	return c.DoAuthenticated(ctx, http.MethodPost, "/groups/"+groupID+"/transfer", map[string]string{"newOwner": newOwner}, nil)
}

// ListGroupInvitations returns the caller's pending invitations.
func (c *Client) ListGroupInvitations(ctx context.Context) ([]GroupInvitationView, error) {
	var out []GroupInvitationView
	if err := c.DoAuthenticated(ctx, http.MethodGet, "/groups/invitations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GroupChanges returns membership-log entries after the given sequence
// number, for incremental member-cache invalidation.
func (c *Client) GroupChanges(ctx context.Context, afterSeq int64) ([]GroupChangeView, error) {
	var out []GroupChangeView
	if err := c.DoAuthenticated(ctx, http.MethodGet, fmt.Sprintf("/groups/changes?after=%d", afterSeq), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GroupMembers fetches a group's member list.
func (c *Client) GroupMembers(ctx context.Context, groupID string) ([]GroupMemberView, error) {
	var out []GroupMemberView
	if err := c.DoAuthenticated(ctx, http.MethodGet, fmt.Sprintf("/groups/%s/members", groupID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health fetches the relay's health/migration status (unauthenticated
// in practice, but routed the same way for symmetry).
func (c *Client) Health(ctx context.Context) (*HealthView, error) {
	var out HealthView
	if err := c.DoAuthenticated(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

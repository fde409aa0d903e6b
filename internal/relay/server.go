// Package relay implements the per-community coordination service:
// identity registry, contacts, presence, admin broadcasts, email
// verification, key rotation/recovery, and groups, backed by an
// embedded SQLite store and fronted by a signed-request HTTP surface.
package relay

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/adamavenir/cc4me/internal/logging"
)

// Config configures a relay server instance.
type Config struct {
	DB              *sql.DB
	CodeSender      CodeSender
	MigrationCutoff time.Time // §4.12: legacy endpoints 410 after this instant
	HeartbeatWindow time.Duration
}

// CodeSender delivers an email verification code out of band.
type CodeSender interface {
	SendCode(ctx context.Context, email, code string) error
}

// Server wires the relay's HTTP surface to its sqlite-backed stores.
type Server struct {
	db              *sql.DB
	codeSender      CodeSender
	limiter         *RateLimiter
	log             *logging.Logger
	migrationCutoff time.Time
	heartbeatWindow time.Duration
}

// NewServer constructs a Server bound to cfg.DB. cfg.DB's schema must
// already be applied via OpenDatabase.
func NewServer(cfg Config) *Server {
	heartbeatWindow := cfg.HeartbeatWindow
	if heartbeatWindow <= 0 {
		heartbeatWindow = 5 * time.Minute
	}
	return &Server{
		db:              cfg.DB,
		codeSender:      cfg.CodeSender,
		limiter:         NewRateLimiter(cfg.DB),
		log:             logging.New("relay"),
		migrationCutoff: cfg.MigrationCutoff,
		heartbeatWindow: heartbeatWindow,
	}
}

// Routes returns the relay's full HTTP surface, ready to mount on an
// http.Server or wrap with additional middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /registry/agents", s.handleRegister)
	mux.HandleFunc("GET /registry/agents/{name}", s.requireAuth(s.handleGetAgent))
	mux.HandleFunc("POST /registry/agents/{name}/approve", s.requireAdmin(s.handleApproveAgent))
	mux.HandleFunc("POST /registry/agents/{name}/revoke", s.requireAdmin(s.handleRevokeAgent))

	mux.HandleFunc("POST /contacts/request", s.requireAuth(s.handleRequestContact))
	mux.HandleFunc("GET /contacts/pending", s.requireAuth(s.handleListPendingContacts))
	mux.HandleFunc("POST /contacts/{agent}/accept", s.requireAuth(s.handleAcceptContact))
	mux.HandleFunc("POST /contacts/{agent}/deny", s.requireAuth(s.handleDenyContact))
	mux.HandleFunc("DELETE /contacts/{agent}", s.requireAuth(s.handleRemoveContact))
	mux.HandleFunc("GET /contacts", s.requireAuth(s.handleListContacts))

	mux.HandleFunc("PUT /presence", s.requireAuth(s.handleHeartbeat))
	mux.HandleFunc("GET /presence/batch", s.requireAuth(s.handlePresenceBatch))
	mux.HandleFunc("GET /presence/{agent}", s.requireAuth(s.handleGetPresence))

	mux.HandleFunc("POST /verify/send", s.handleVerifySend)
	mux.HandleFunc("POST /verify/confirm", s.handleVerifyConfirm)

	mux.HandleFunc("POST /admin/broadcast", s.requireAdmin(s.handlePostBroadcast))
	mux.HandleFunc("GET /admin/broadcasts", s.requireAuth(s.handleListBroadcasts))
	mux.HandleFunc("GET /admin/pending", s.requireAdmin(s.handleListPendingAgents))
	mux.HandleFunc("GET /admin/keys", s.requireAuth(s.handleAdminKeys))

	mux.HandleFunc("POST /keys/rotate", s.requireAuth(s.handleRotateKey))
	mux.HandleFunc("POST /keys/recover", s.handleRecoverKey)

	mux.HandleFunc("POST /groups", s.requireAuth(s.handleCreateGroup))
	mux.HandleFunc("GET /groups", s.requireAuth(s.handleListGroups))
	mux.HandleFunc("GET /groups/{id}", s.requireAuth(s.handleGetGroup))
	mux.HandleFunc("DELETE /groups/{id}", s.requireAuth(s.handleDissolveGroup))
	mux.HandleFunc("POST /groups/{id}/invite", s.requireAuth(s.handleInviteToGroup))
	mux.HandleFunc("POST /groups/{id}/accept", s.requireAuth(s.handleAcceptInvitation))
	mux.HandleFunc("POST /groups/{id}/decline", s.requireAuth(s.handleDeclineInvitation))
	mux.HandleFunc("POST /groups/{id}/leave", s.requireAuth(s.handleLeaveGroup))
	mux.HandleFunc("POST /groups/{id}/members/{agent}/remove", s.requireAuth(s.handleRemoveMember))
	mux.HandleFunc("POST /groups/{id}/transfer", s.requireAuth(s.handleTransferOwnership))
	mux.HandleFunc("GET /groups/{id}/members", s.requireAuth(s.handleListMembers))
	mux.HandleFunc("GET /groups/changes", s.requireAuth(s.handleGroupChanges))
	mux.HandleFunc("GET /groups/invitations", s.requireAuth(s.handleListInvitations))

	mux.HandleFunc("POST /relay/send", s.requireAuth(s.handleLegacySend))
	mux.HandleFunc("GET /relay/inbox/{agent}", s.requireAuth(s.handleLegacyInbox))
	mux.HandleFunc("POST /relay/inbox/{agent}/ack", s.requireAuth(s.handleLegacyAck))

	return mux
}

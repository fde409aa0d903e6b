package relay

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	cryptox "github.com/adamavenir/cc4me/internal/crypto"
	"github.com/adamavenir/cc4me/internal/errs"
	"github.com/adamavenir/cc4me/internal/relayapi"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)
	msg := err.Error()
	if kind == "" {
		status = http.StatusInternalServerError
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": string(kind), "message": msg})
}

// writeRateLimited answers 429 with the reset headers clients use to
// back off: remaining is always 0 once a limiter trips, and reset is
// the end of the current fixed window.
func writeRateLimited(w http.ResponseWriter, message string, window time.Duration) {
	reset := time.Now().Truncate(window).Add(window)
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
	writeJSON(w, http.StatusTooManyRequests, map[string]string{
		"error":   string(errs.RateLimited),
		"message": message,
	})
}

// clientIP strips the ephemeral port so the per-IP registration cap
// buckets by address, not by connection.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return errs.Wrap(errs.Validation, "read request body", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errs.Wrap(errs.Validation, "decode request body", err)
	}
	return nil
}

func agentToView(a *AgentRow) relayapi.AgentView {
	view := relayapi.AgentView{
		Name:          a.Name,
		PublicKey:     a.PublicKey,
		Endpoint:      a.Endpoint,
		Status:        a.Status,
		EmailVerified: a.EmailVerified,
		CreatedAt:     time.UnixMilli(a.CreatedAt).UTC().Format(time.RFC3339),
	}
	if a.LastSeen.Valid {
		view.LastSeen = time.UnixMilli(a.LastSeen.Int64).UTC().Format(time.RFC3339)
	}
	if a.ApprovedBy.Valid {
		view.ApprovedBy = a.ApprovedBy.String
	}
	if a.ApprovedAt.Valid {
		view.ApprovedAt = time.UnixMilli(a.ApprovedAt.Int64).UTC().Format(time.RFC3339)
	}
	return view
}

// --- health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	view := relayapi.HealthView{Status: "ok"}
	if !s.migrationCutoff.IsZero() {
		view.MigrationCutoff = s.migrationCutoff.UTC().Format(time.RFC3339)
		view.LegacyDeprecated = time.Now().After(s.migrationCutoff)
	}
	writeJSON(w, http.StatusOK, view)
}

// --- registry ---

// handleRegister is deliberately not wrapped in requireAuth: a
// registering agent has no registry row yet, so there is no stored
// public key to verify the usual signed request against. Instead the
// request is self-signed — the caller proves possession of the private
// key matching the publicKey it is asking the relay to store.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.AllowAggregate(time.Now()) {
		writeRateLimited(w, "relay under load", time.Minute)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errs.Wrap(errs.Validation, "read request body", err))
		return
	}
	r.Body.Close()
	r.Body = io.NopCloser(strings.NewReader(string(body)))

	var req relayapi.RegisterRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, errs.Wrap(errs.Validation, "decode request body", err))
			return
		}
	}

	agentName, err := authenticateSelfSigned(r, req.PublicKey)
	if err != nil {
		writeError(w, err)
		return
	}
	if agentName != req.Name {
		writeError(w, errs.New(errs.Validation, "signed agent name does not match request body"))
		return
	}

	ok, err := s.limiter.AllowRegistration(clientIP(r), time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeRateLimited(w, "too many registration attempts", RegistrationWindow)
		return
	}

	verified, err := IsVerified(s.db, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	if !verified {
		writeError(w, errs.New(errs.Forbidden, "email not verified for this username"))
		return
	}
	if err := InsertAgent(s.db, req.Name, req.PublicKey, req.Email, req.Endpoint, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	agent, err := GetAgent(s.db, req.Name)
	if err != nil || agent == nil {
		writeError(w, errs.New(errs.TransientTransport, "agent lookup failed after insert"))
		return
	}
	writeJSON(w, http.StatusCreated, agentToView(agent))
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request, caller string) {
	name := r.PathValue("name")
	agent, err := GetAgent(s.db, name)
	if err != nil {
		writeError(w, err)
		return
	}
	if agent == nil {
		writeError(w, errs.New(errs.NotFound, "agent not found"))
		return
	}
	writeJSON(w, http.StatusOK, agentToView(agent))
}

func (s *Server) handleApproveAgent(w http.ResponseWriter, r *http.Request, caller string) {
	name := r.PathValue("name")
	if err := ApproveAgent(s.db, name, caller, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

// handleRevokeAgent marks the target revoked and emits a revocation
// broadcast. The admin client signs the broadcast payload (revoked
// username + timestamp) with its admin key so later fetchers can verify
// it end to end, the same as any other broadcast.
func (s *Server) handleRevokeAgent(w http.ResponseWriter, r *http.Request, caller string) {
	name := r.PathValue("name")

	var req relayapi.RevokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var payload struct {
		RevokedAgent string `json:"revokedAgent"`
		RevokedAt    string `json:"revokedAt"`
	}
	if err := json.Unmarshal([]byte(req.PayloadJSON), &payload); err != nil {
		writeError(w, errs.Wrap(errs.Validation, "decode revocation payload", err))
		return
	}
	if payload.RevokedAgent != name {
		writeError(w, errs.New(errs.Validation, "revocation payload does not name the target agent"))
		return
	}

	adminKeyB64, err := AdminKey(s.db, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	pub, err := cryptox.DecodePublicKeyB64(adminKeyB64)
	if err != nil {
		writeError(w, err)
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		writeError(w, errs.Wrap(errs.Validation, "decode revocation signature", err))
		return
	}
	if !cryptox.Verify(pub, []byte(req.PayloadJSON), sig) {
		writeError(w, errs.New(errs.Auth, "revocation signature does not match admin key"))
		return
	}

	target, err := GetAgent(s.db, name)
	if err != nil {
		writeError(w, err)
		return
	}
	if target == nil {
		writeError(w, errs.New(errs.NotFound, "agent not found"))
		return
	}
	if target.Status == "revoked" {
		// idempotent on repeat, without a duplicate broadcast
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
		return
	}

	if err := RevokeAgent(s.db, name); err != nil {
		writeError(w, err)
		return
	}
	if _, err := InsertBroadcast(s.db, "revocation", req.PayloadJSON, caller, req.Signature, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleListPendingAgents(w http.ResponseWriter, r *http.Request, caller string) {
	rows, err := listAgentsByStatus(s.db, "pending")
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]relayapi.AgentView, 0, len(rows))
	for _, a := range rows {
		views = append(views, agentToView(&a))
	}
	writeJSON(w, http.StatusOK, views)
}

// --- contacts ---

func (s *Server) handleRequestContact(w http.ResponseWriter, r *http.Request, caller string) {
	ok, err := s.limiter.AllowContactRequest(caller, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeRateLimited(w, "too many contact requests", ContactRequestWindow)
		return
	}
	var req relayapi.RequestContactRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := RequestContact(s.db, caller, req.To, req.Greeting, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pending"})
}

func (s *Server) handleListPendingContacts(w http.ResponseWriter, r *http.Request, caller string) {
	rows, err := ListPendingContacts(s.db, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]relayapi.PendingContactView, 0, len(rows))
	for _, c := range rows {
		views = append(views, relayapi.PendingContactView{From: c.RequestedBy, Greeting: c.Greeting})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAcceptContact(w http.ResponseWriter, r *http.Request, caller string) {
	other := r.PathValue("agent")
	if err := AcceptContact(s.db, caller, other); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleDenyContact(w http.ResponseWriter, r *http.Request, caller string) {
	other := r.PathValue("agent")
	if err := DenyContact(s.db, caller, other); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "denied"})
}

func (s *Server) handleRemoveContact(w http.ResponseWriter, r *http.Request, caller string) {
	other := r.PathValue("agent")
	if err := RemoveContact(s.db, caller, other); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request, caller string) {
	views, err := ListContacts(s.db, caller, s.heartbeatWindow, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]relayapi.ContactView, 0, len(views))
	for _, v := range views {
		out = append(out, relayapi.ContactView{
			Agent: v.Agent, PublicKey: v.PublicKey, Endpoint: v.Endpoint,
			Since: v.Since, Online: v.Online, LastSeen: v.LastSeen, KeyUpdatedAt: v.KeyUpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- presence ---

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, caller string) {
	var req relayapi.HeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := UpdatePresence(s.db, caller, req.Endpoint, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) presenceView(agent *AgentRow) relayapi.PresenceView {
	view := relayapi.PresenceView{
		Agent:    agent.Name,
		Online:   !PresenceStale(agent, 2*s.heartbeatWindow, time.Now()),
		Endpoint: agent.Endpoint,
	}
	if agent.LastSeen.Valid {
		view.LastSeen = time.UnixMilli(agent.LastSeen.Int64).UTC().Format(time.RFC3339)
	}
	return view
}

func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request, caller string) {
	name := r.PathValue("agent")
	agent, err := GetAgent(s.db, name)
	if err != nil {
		writeError(w, err)
		return
	}
	if agent == nil {
		writeError(w, errs.New(errs.NotFound, "agent not found"))
		return
	}
	writeJSON(w, http.StatusOK, s.presenceView(agent))
}

func (s *Server) handlePresenceBatch(w http.ResponseWriter, r *http.Request, caller string) {
	raw := r.URL.Query().Get("agents")
	if raw == "" {
		writeJSON(w, http.StatusOK, []relayapi.PresenceView{})
		return
	}
	names := strings.Split(raw, ",")
	out := make([]relayapi.PresenceView, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		agent, err := GetAgent(s.db, name)
		if err != nil {
			writeError(w, err)
			return
		}
		if agent == nil {
			continue
		}
		out = append(out, s.presenceView(agent))
	}
	writeJSON(w, http.StatusOK, out)
}

// --- email verification ---

func generateVerificationCode() (string, error) {
	const digits = "0123456789"
	code := make([]byte, 6)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
		if err != nil {
			return "", err
		}
		code[i] = digits[n.Int64()]
	}
	return string(code), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func (s *Server) handleVerifySend(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.AllowAggregate(time.Now()) {
		writeRateLimited(w, "relay under load", time.Minute)
		return
	}
	var req relayapi.VerifySendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := ValidateAgentName(req.Username); err != nil {
		writeError(w, err)
		return
	}
	code, err := generateVerificationCode()
	if err != nil {
		writeError(w, errs.Wrap(errs.TransientTransport, "generate verification code", err))
		return
	}
	if err := StartVerification(s.db, req.Username, req.Email, hashCode(code), time.Now()); err != nil {
		writeError(w, err)
		return
	}
	if s.codeSender != nil {
		if err := s.codeSender.SendCode(r.Context(), req.Email, code); err != nil {
			s.log.Warnf("send verification code to %s: %v", req.Email, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleVerifyConfirm(w http.ResponseWriter, r *http.Request) {
	var req relayapi.VerifyConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := ConfirmVerification(s.db, req.Username, hashCode(req.Code), time.Now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

// --- admin ---

func (s *Server) handlePostBroadcast(w http.ResponseWriter, r *http.Request, caller string) {
	var req relayapi.BroadcastRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	// A broadcast's signature is carried alongside it and re-verified by
	// every client that later fetches it; the relay rejects a bad one up
	// front rather than storing garbage. Broadcasts are signed with the
	// admin keypair, not the sender's identity key.
	adminKeyB64, err := AdminKey(s.db, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	pub, err := cryptox.DecodePublicKeyB64(adminKeyB64)
	if err != nil {
		writeError(w, err)
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		writeError(w, errs.Wrap(errs.Validation, "decode broadcast signature", err))
		return
	}
	if !cryptox.Verify(pub, []byte(req.PayloadJSON), sig) {
		writeError(w, errs.New(errs.Auth, "broadcast signature does not match sender's key"))
		return
	}

	id, err := InsertBroadcast(s.db, req.Type, req.PayloadJSON, caller, req.Signature, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListBroadcasts(w http.ResponseWriter, r *http.Request, caller string) {
	rows, err := ListBroadcasts(s.db)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]relayapi.BroadcastView, 0, len(rows))
	for _, b := range rows {
		out = append(out, relayapi.BroadcastView{
			ID: b.ID, Type: b.Type, PayloadJSON: b.PayloadJSON, Sender: b.Sender,
			Signature: b.Signature, CreatedAt: time.UnixMilli(b.CreatedAt).UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminKeys(w http.ResponseWriter, r *http.Request, caller string) {
	keys, err := AdminPublicKeys(s.db)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// --- keys ---

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request, caller string) {
	var req relayapi.RotateKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := RotatePublicKey(s.db, caller, req.NewPublicKey, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rotated"})
}

// handleRecoverKey drives the three-step recovery that does not depend
// on the lost key: (1) no code yet — issue a verification code to the
// registered email; (2) code supplied — confirm it and open the 1-hour
// cooling-off window; (3) window elapsed — apply the new key.
func (s *Server) handleRecoverKey(w http.ResponseWriter, r *http.Request) {
	var req relayapi.RecoverKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	now := time.Now()

	agent, err := agentByEmail(s.db, req.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	if agent == nil {
		writeError(w, errs.New(errs.NotFound, "no agent registered to this email"))
		return
	}

	pending, err := GetRecovery(s.db, req.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	if pending != nil && pending.NewPublicKey == req.NewPublicKey {
		effective := time.UnixMilli(pending.RequestedAt).Add(RecoveryCoolingOff)
		if now.Before(effective) {
			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":      "pending",
				"effectiveAt": effective.UTC().Format(time.RFC3339),
			})
			return
		}
		if err := RotatePublicKey(s.db, pending.Agent, pending.NewPublicKey, now); err != nil {
			writeError(w, err)
			return
		}
		if err := DeleteRecovery(s.db, req.Email); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "recovered"})
		return
	}

	if req.Code == "" {
		code, err := generateVerificationCode()
		if err != nil {
			writeError(w, errs.Wrap(errs.TransientTransport, "generate verification code", err))
			return
		}
		if err := StartVerification(s.db, agent.Name, req.Email, hashCode(code), now); err != nil {
			writeError(w, err)
			return
		}
		if s.codeSender != nil {
			if err := s.codeSender.SendCode(r.Context(), req.Email, code); err != nil {
				s.log.Warnf("send recovery code to %s: %v", req.Email, err)
			}
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "code-sent"})
		return
	}

	if err := ConfirmVerification(s.db, agent.Name, hashCode(req.Code), now); err != nil {
		writeError(w, err)
		return
	}
	// Consume the verification row so a recovery confirmation cannot
	// double as a registration precondition.
	if _, err := s.db.Exec("DELETE FROM email_verifications WHERE username = ?", agent.Name); err != nil {
		writeError(w, errs.Wrap(errs.TransientTransport, "consume recovery verification", err))
		return
	}
	if err := UpsertRecovery(s.db, req.Email, agent.Name, req.NewPublicKey, now); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":      "pending",
		"effectiveAt": now.Add(RecoveryCoolingOff).UTC().Format(time.RFC3339),
	})
}

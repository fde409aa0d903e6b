package relay

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/adamavenir/cc4me/internal/errs"
)

// legacyGate implements the migration-compatibility window: before
// migrationCutoff the legacy surface works but advertises
// Deprecation: true; at and after cutoff it returns 410 Gone. An unset
// cutoff means the legacy surface never expires.
func (s *Server) legacyGate(w http.ResponseWriter) bool {
	if s.migrationCutoff.IsZero() {
		return true
	}
	if time.Now().Before(s.migrationCutoff) {
		w.Header().Set("Deprecation", "true")
		return true
	}
	w.Header().Set("Sunset", s.migrationCutoff.UTC().Format(time.RFC3339))
	writeJSON(w, http.StatusGone, map[string]string{"error": "not_found", "message": "legacy relay surface retired"})
	return false
}

func (s *Server) handleLegacySend(w http.ResponseWriter, r *http.Request, caller string) {
	if !s.legacyGate(w) {
		return
	}
	var req struct {
		Recipient   string `json:"recipient"`
		EnvelopeRaw string `json:"envelopeRaw"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.EnvelopeRaw)
	if err != nil {
		writeError(w, errs.Wrap(errs.Validation, "decode envelope", err))
		return
	}
	id, err := LegacySend(s.db, caller, req.Recipient, raw, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleLegacyInbox(w http.ResponseWriter, r *http.Request, caller string) {
	if !s.legacyGate(w) {
		return
	}
	agent := r.PathValue("agent")
	if agent != caller {
		writeError(w, errs.New(errs.Forbidden, "cannot read another agent's inbox"))
		return
	}
	rows, err := LegacyInbox(s.db, agent)
	if err != nil {
		writeError(w, err)
		return
	}
	type legacyMessage struct {
		ID          string `json:"id"`
		Sender      string `json:"sender"`
		EnvelopeRaw string `json:"envelopeRaw"`
		CreatedAt   string `json:"createdAt"`
	}
	out := make([]legacyMessage, 0, len(rows))
	for _, m := range rows {
		out = append(out, legacyMessage{
			ID:          m.ID,
			Sender:      m.Sender,
			EnvelopeRaw: base64.StdEncoding.EncodeToString(m.EnvelopeRaw),
			CreatedAt:   time.UnixMilli(m.CreatedAt).UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLegacyAck(w http.ResponseWriter, r *http.Request, caller string) {
	if !s.legacyGate(w) {
		return
	}
	agent := r.PathValue("agent")
	if agent != caller {
		writeError(w, errs.New(errs.Forbidden, "cannot ack another agent's inbox"))
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := LegacyAck(s.db, agent, req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acked"})
}

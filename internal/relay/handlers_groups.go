package relay

import (
	"net/http"
	"strconv"
	"time"

	"github.com/adamavenir/cc4me/internal/errs"
	"github.com/adamavenir/cc4me/internal/relayapi"
)

func groupToView(g *GroupRow) relayapi.GroupView {
	return relayapi.GroupView{
		ID:     g.ID,
		Name:   g.Name,
		Owner:  g.Owner,
		Status: g.Status,
		Settings: relayapi.GroupSettingsView{
			MembersCanInvite: g.Settings.MembersCanInvite,
			MembersCanSend:   g.Settings.MembersCanSend,
			MaxMembers:       g.Settings.MaxMembers,
		},
		CreatedAt: time.UnixMilli(g.CreatedAt).UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request, caller string) {
	var req relayapi.CreateGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, errs.New(errs.Validation, "group name is required"))
		return
	}

	settings := DefaultGroupSettings()
	if req.Settings != nil {
		settings = GroupSettings{
			MembersCanInvite: req.Settings.MembersCanInvite,
			MembersCanSend:   req.Settings.MembersCanSend,
			MaxMembers:       req.Settings.MaxMembers,
		}
	}

	id, err := CreateGroup(s.db, req.Name, caller, settings, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request, caller string) {
	rows, err := ListGroupsForAgent(s.db, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]relayapi.GroupView, 0, len(rows))
	for i := range rows {
		out = append(out, groupToView(&rows[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request, caller string) {
	id := r.PathValue("id")
	g, err := GetGroup(s.db, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if g == nil {
		writeError(w, errs.New(errs.NotFound, "group not found"))
		return
	}
	writeJSON(w, http.StatusOK, groupToView(g))
}

func (s *Server) handleDissolveGroup(w http.ResponseWriter, r *http.Request, caller string) {
	id := r.PathValue("id")
	if err := DissolveGroup(s.db, id, caller, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dissolved"})
}

func (s *Server) handleInviteToGroup(w http.ResponseWriter, r *http.Request, caller string) {
	id := r.PathValue("id")
	var req relayapi.GroupInviteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := InviteToGroup(s.db, id, req.Invitee, caller, req.Greeting, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "invited"})
}

func (s *Server) handleAcceptInvitation(w http.ResponseWriter, r *http.Request, caller string) {
	id := r.PathValue("id")
	if err := AcceptInvitation(s.db, id, caller, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

func (s *Server) handleDeclineInvitation(w http.ResponseWriter, r *http.Request, caller string) {
	id := r.PathValue("id")
	if err := DeclineInvitation(s.db, id, caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "declined"})
}

func (s *Server) handleLeaveGroup(w http.ResponseWriter, r *http.Request, caller string) {
	id := r.PathValue("id")
	if err := LeaveGroup(s.db, id, caller, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request, caller string) {
	id := r.PathValue("id")
	target := r.PathValue("agent")
	if err := RemoveMember(s.db, id, caller, target, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request, caller string) {
	id := r.PathValue("id")
	var req struct {
		NewOwner string `json:"newOwner"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := TransferOwnership(s.db, id, caller, req.NewOwner, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "transferred"})
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request, caller string) {
	id := r.PathValue("id")
	rows, err := ListMembers(s.db, id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]relayapi.GroupMemberView, 0, len(rows))
	for _, m := range rows {
		out = append(out, relayapi.GroupMemberView{Agent: m.Agent, Role: m.Role})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListInvitations(w http.ResponseWriter, r *http.Request, caller string) {
	rows, err := ListInvitations(s.db, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]relayapi.GroupInvitationView, 0, len(rows))
	for _, inv := range rows {
		out = append(out, relayapi.GroupInvitationView{
			GroupID:   inv.GroupID,
			InvitedBy: inv.InvitedBy,
			Greeting:  inv.Greeting,
			CreatedAt: time.UnixMilli(inv.CreatedAt).UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGroupChanges serves the append-only membership log so clients
// can invalidate their member caches incrementally.
func (s *Server) handleGroupChanges(w http.ResponseWriter, r *http.Request, caller string) {
	afterSeq := int64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, errs.Wrap(errs.Validation, "parse after", err))
			return
		}
		afterSeq = parsed
	}
	rows, err := GroupChangesSince(s.db, afterSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]relayapi.GroupChangeView, 0, len(rows))
	for _, c := range rows {
		out = append(out, relayapi.GroupChangeView{
			Seq:     c.Seq,
			GroupID: c.GroupID,
			Agent:   c.Agent,
			Change:  c.Change,
			At:      time.UnixMilli(c.At).UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

package relay

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/adamavenir/cc4me/internal/errs"
	"github.com/google/uuid"
)

// MaxGroupMembers caps every group's configurable member limit.
const MaxGroupMembers = 50

// GroupSettings is the per-group policy blob stored as settings_json.
type GroupSettings struct {
	MembersCanInvite bool `json:"membersCanInvite"`
	MembersCanSend   bool `json:"membersCanSend"`
	MaxMembers       int  `json:"maxMembers"`
}

// DefaultGroupSettings returns the policy applied when a creator
// specifies nothing.
func DefaultGroupSettings() GroupSettings {
	return GroupSettings{MembersCanInvite: true, MembersCanSend: true, MaxMembers: MaxGroupMembers}
}

// GroupRow mirrors the groups table.
type GroupRow struct {
	ID        string
	Name      string
	Owner     string
	Status    string
	Settings  GroupSettings
	CreatedAt int64
}

// MemberRow mirrors the group_members table.
type MemberRow struct {
	GroupID  string
	Agent    string
	Role     string
	JoinedAt int64
}

// InvitationRow mirrors the group_invitations table.
type InvitationRow struct {
	GroupID   string
	Invitee   string
	InvitedBy string
	Greeting  string
	CreatedAt int64
}

// GroupChangeRow is one entry of the append-only membership log.
type GroupChangeRow struct {
	Seq     int64
	GroupID string
	Agent   string
	Change  string
	At      int64
}

func logGroupChangeTx(tx *sql.Tx, groupID, agent, change string, now time.Time) error {
	_, err := tx.Exec(
		`INSERT INTO group_changes (group_id, agent, change, at) VALUES (?, ?, ?, ?)`,
		groupID, agent, change, now.UnixMilli(),
	)
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "log group change", err)
	}
	return nil
}

// CreateGroup creates a group and inserts its owner as the single
// owner-role member.
func CreateGroup(db *sql.DB, name, owner string, settings GroupSettings, now time.Time) (string, error) {
	if settings.MaxMembers <= 0 || settings.MaxMembers > MaxGroupMembers {
		return "", errs.New(errs.Validation, "maxMembers must be between 1 and 50")
	}

	tx, err := db.Begin()
	if err != nil {
		return "", errs.Wrap(errs.TransientTransport, "begin create group tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return "", errs.Wrap(errs.Validation, "marshal group settings", err)
	}

	id := uuid.New().String()
	if _, err := tx.Exec(
		`INSERT INTO groups (id, name, owner, status, settings_json, created_at) VALUES (?, ?, ?, 'active', ?, ?)`,
		id, name, owner, string(settingsJSON), now.UnixMilli(),
	); err != nil {
		return "", errs.Wrap(errs.TransientTransport, "insert group", err)
	}
	if _, err := tx.Exec(`INSERT INTO group_members (group_id, agent, role, joined_at) VALUES (?, ?, 'owner', ?)`, id, owner, now.UnixMilli()); err != nil {
		return "", errs.Wrap(errs.TransientTransport, "insert group owner membership", err)
	}
	if err := logGroupChangeTx(tx, id, owner, "created", now); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", errs.Wrap(errs.TransientTransport, "commit create group tx", err)
	}
	return id, nil
}

func scanGroup(row *sql.Row) (*GroupRow, error) {
	var g GroupRow
	var settingsJSON string
	err := row.Scan(&g.ID, &g.Name, &g.Owner, &g.Status, &settingsJSON, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.TransientTransport, "query group", err)
	}
	g.Settings = DefaultGroupSettings()
	_ = json.Unmarshal([]byte(settingsJSON), &g.Settings)
	return &g, nil
}

// GetGroup returns a group by id, or nil if not found.
func GetGroup(db *sql.DB, id string) (*GroupRow, error) {
	row := db.QueryRow(`SELECT id, name, owner, status, settings_json, created_at FROM groups WHERE id = ?`, id)
	return scanGroup(row)
}

// ListGroupsForAgent returns every group agent belongs to.
func ListGroupsForAgent(db *sql.DB, agent string) ([]GroupRow, error) {
	rows, err := db.Query(
		`SELECT g.id, g.name, g.owner, g.status, g.settings_json, g.created_at FROM groups g
		 JOIN group_members m ON m.group_id = g.id WHERE m.agent = ?`, agent,
	)
	if err != nil {
		return nil, errs.Wrap(errs.TransientTransport, "query groups for agent", err)
	}
	defer rows.Close()

	var out []GroupRow
	for rows.Next() {
		var g GroupRow
		var settingsJSON string
		if err := rows.Scan(&g.ID, &g.Name, &g.Owner, &g.Status, &settingsJSON, &g.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.TransientTransport, "scan group", err)
		}
		g.Settings = DefaultGroupSettings()
		_ = json.Unmarshal([]byte(settingsJSON), &g.Settings)
		out = append(out, g)
	}
	return out, rows.Err()
}

// DissolveGroup deletes a group and all its members/invitations in one
// transaction. Only the owner may dissolve.
func DissolveGroup(db *sql.DB, id, caller string, now time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "begin dissolve tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	err = tx.QueryRow(`SELECT owner FROM groups WHERE id = ?`, id).Scan(&owner)
	if err == sql.ErrNoRows {
		return errs.New(errs.NotFound, "group not found")
	}
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "query group owner", err)
	}
	if owner != caller {
		return errs.New(errs.Forbidden, "only the owner may dissolve this group")
	}

	for _, stmt := range []string{
		"DELETE FROM group_invitations WHERE group_id = ?",
		"DELETE FROM group_members WHERE group_id = ?",
		"DELETE FROM groups WHERE id = ?",
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			return errs.Wrap(errs.TransientTransport, "dissolve group", err)
		}
	}
	if err := logGroupChangeTx(tx, id, caller, "dissolved", now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.TransientTransport, "commit dissolve tx", err)
	}
	return nil
}

// InviteToGroup records a pending invitation. Members may invite only
// when the group's settings allow it; the owner and admins always may.
func InviteToGroup(db *sql.DB, groupID, invitee, invitedBy, greeting string, now time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "begin invite tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	group, err := getGroupTx(tx, groupID)
	if err != nil {
		return err
	}
	if group == nil {
		return errs.New(errs.NotFound, "group not found")
	}

	role := memberRoleTx(tx, groupID, invitedBy)
	if role == "" {
		return errs.New(errs.Forbidden, "only group members may invite")
	}
	if role == "member" && !group.Settings.MembersCanInvite {
		return errs.New(errs.Forbidden, "this group's settings restrict invitations to admins")
	}
	if memberRoleTx(tx, groupID, invitee) != "" {
		return errs.New(errs.Conflict, "agent is already a member")
	}

	_, err = tx.Exec(
		`INSERT INTO group_invitations (group_id, invitee, invited_by, greeting, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (group_id, invitee) DO UPDATE SET
		   invited_by = excluded.invited_by, greeting = excluded.greeting, created_at = excluded.created_at`,
		groupID, invitee, invitedBy, greeting, now.UnixMilli(),
	)
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "insert invitation", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.TransientTransport, "commit invite tx", err)
	}
	return nil
}

func getGroupTx(tx *sql.Tx, id string) (*GroupRow, error) {
	row := tx.QueryRow(`SELECT id, name, owner, status, settings_json, created_at FROM groups WHERE id = ?`, id)
	var g GroupRow
	var settingsJSON string
	err := row.Scan(&g.ID, &g.Name, &g.Owner, &g.Status, &settingsJSON, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.TransientTransport, "query group", err)
	}
	g.Settings = DefaultGroupSettings()
	_ = json.Unmarshal([]byte(settingsJSON), &g.Settings)
	return &g, nil
}

// memberRoleTx returns the member's role, or "" for a non-member.
func memberRoleTx(tx *sql.Tx, groupID, agent string) string {
	var role string
	err := tx.QueryRow("SELECT role FROM group_members WHERE group_id = ? AND agent = ?", groupID, agent).Scan(&role)
	if err != nil {
		return ""
	}
	return role
}

// AcceptInvitation converts a pending invitation into membership,
// enforcing the group's member cap.
func AcceptInvitation(db *sql.DB, groupID, invitee string, now time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "begin accept invitation tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	group, err := getGroupTx(tx, groupID)
	if err != nil {
		return err
	}
	if group == nil {
		return errs.New(errs.NotFound, "group not found")
	}

	result, err := tx.Exec("DELETE FROM group_invitations WHERE group_id = ? AND invitee = ?", groupID, invitee)
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "delete invitation", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errs.New(errs.NotFound, "no pending invitation")
	}

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM group_members WHERE group_id = ?", groupID).Scan(&count); err != nil {
		return errs.Wrap(errs.TransientTransport, "count members", err)
	}
	if count >= group.Settings.MaxMembers {
		return errs.New(errs.Conflict, "group is full")
	}

	_, err = tx.Exec(
		`INSERT INTO group_members (group_id, agent, role, joined_at) VALUES (?, ?, 'member', ?)`,
		groupID, invitee, now.UnixMilli(),
	)
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "insert membership", err)
	}
	if err := logGroupChangeTx(tx, groupID, invitee, "joined", now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.TransientTransport, "commit accept invitation tx", err)
	}
	return nil
}

// DeclineInvitation removes a pending invitation without granting membership.
func DeclineInvitation(db *sql.DB, groupID, invitee string) error {
	result, err := db.Exec("DELETE FROM group_invitations WHERE group_id = ? AND invitee = ?", groupID, invitee)
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "decline invitation", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errs.New(errs.NotFound, "no pending invitation")
	}
	return nil
}

// LeaveGroup removes agent's own membership. The owner may not leave
// without first transferring ownership.
func LeaveGroup(db *sql.DB, groupID, agent string, now time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "begin leave tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	if err := tx.QueryRow("SELECT owner FROM groups WHERE id = ?", groupID).Scan(&owner); err != nil {
		if err == sql.ErrNoRows {
			return errs.New(errs.NotFound, "group not found")
		}
		return errs.Wrap(errs.TransientTransport, "query group owner", err)
	}
	if owner == agent {
		return errs.New(errs.Validation, "owner must transfer ownership before leaving")
	}

	result, err := tx.Exec("DELETE FROM group_members WHERE group_id = ? AND agent = ?", groupID, agent)
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "remove membership", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errs.New(errs.NotFound, "not a member")
	}
	if err := logGroupChangeTx(tx, groupID, agent, "left", now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.TransientTransport, "commit leave tx", err)
	}
	return nil
}

// RemoveMember lets the owner or a group admin remove another member.
// The owner itself cannot be removed.
func RemoveMember(db *sql.DB, groupID, caller, target string, now time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "begin remove member tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	callerRole := memberRoleTx(tx, groupID, caller)
	if callerRole != "owner" && callerRole != "admin" {
		return errs.New(errs.Forbidden, "only group admins may remove members")
	}
	if memberRoleTx(tx, groupID, target) == "owner" {
		return errs.New(errs.Validation, "the owner cannot be removed")
	}

	result, err := tx.Exec("DELETE FROM group_members WHERE group_id = ? AND agent = ?", groupID, target)
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "remove member", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errs.New(errs.NotFound, "target is not a member")
	}
	if err := logGroupChangeTx(tx, groupID, target, "removed", now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.TransientTransport, "commit remove member tx", err)
	}
	return nil
}

// TransferOwnership reassigns the group owner to an existing member,
// keeping the single-owner invariant: the old owner drops to admin.
func TransferOwnership(db *sql.DB, groupID, caller, newOwner string, now time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "begin transfer tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	if err := tx.QueryRow("SELECT owner FROM groups WHERE id = ?", groupID).Scan(&owner); err != nil {
		if err == sql.ErrNoRows {
			return errs.New(errs.NotFound, "group not found")
		}
		return errs.Wrap(errs.TransientTransport, "query owner", err)
	}
	if owner != caller {
		return errs.New(errs.Forbidden, "only the owner may transfer ownership")
	}
	if memberRoleTx(tx, groupID, newOwner) == "" {
		return errs.New(errs.Validation, "new owner must already be a member")
	}

	if _, err := tx.Exec("UPDATE groups SET owner = ? WHERE id = ?", newOwner, groupID); err != nil {
		return errs.Wrap(errs.TransientTransport, "update owner", err)
	}
	if _, err := tx.Exec("UPDATE group_members SET role = 'admin' WHERE group_id = ? AND agent = ?", groupID, owner); err != nil {
		return errs.Wrap(errs.TransientTransport, "demote previous owner", err)
	}
	if _, err := tx.Exec("UPDATE group_members SET role = 'owner' WHERE group_id = ? AND agent = ?", groupID, newOwner); err != nil {
		return errs.Wrap(errs.TransientTransport, "promote new owner", err)
	}
	if err := logGroupChangeTx(tx, groupID, newOwner, "transferred", now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.TransientTransport, "commit transfer tx", err)
	}
	return nil
}

// ListMembers returns a group's current roster.
func ListMembers(db *sql.DB, groupID string) ([]MemberRow, error) {
	rows, err := db.Query("SELECT group_id, agent, role, joined_at FROM group_members WHERE group_id = ?", groupID)
	if err != nil {
		return nil, errs.Wrap(errs.TransientTransport, "query members", err)
	}
	defer rows.Close()

	var out []MemberRow
	for rows.Next() {
		var m MemberRow
		if err := rows.Scan(&m.GroupID, &m.Agent, &m.Role, &m.JoinedAt); err != nil {
			return nil, errs.Wrap(errs.TransientTransport, "scan member", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListInvitations returns pending invitations extended to agent.
func ListInvitations(db *sql.DB, agent string) ([]InvitationRow, error) {
	rows, err := db.Query("SELECT group_id, invitee, invited_by, COALESCE(greeting, ''), created_at FROM group_invitations WHERE invitee = ?", agent)
	if err != nil {
		return nil, errs.Wrap(errs.TransientTransport, "query invitations", err)
	}
	defer rows.Close()

	var out []InvitationRow
	for rows.Next() {
		var row InvitationRow
		if err := rows.Scan(&row.GroupID, &row.Invitee, &row.InvitedBy, &row.Greeting, &row.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.TransientTransport, "scan invitation", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// GroupChangesSince returns membership-log entries with seq > afterSeq,
// oldest first, for the client member-cache refresh.
func GroupChangesSince(db *sql.DB, afterSeq int64) ([]GroupChangeRow, error) {
	rows, err := db.Query("SELECT seq, group_id, agent, change, at FROM group_changes WHERE seq > ? ORDER BY seq ASC", afterSeq)
	if err != nil {
		return nil, errs.Wrap(errs.TransientTransport, "query group changes", err)
	}
	defer rows.Close()

	var out []GroupChangeRow
	for rows.Next() {
		var row GroupChangeRow
		if err := rows.Scan(&row.Seq, &row.GroupID, &row.Agent, &row.Change, &row.At); err != nil {
			return nil, errs.Wrap(errs.TransientTransport, "scan group change", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

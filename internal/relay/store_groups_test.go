package relay

import (
	"testing"
	"time"

	"github.com/adamavenir/cc4me/internal/errs"
)

func TestCreateGroupOwnerBecomesOwnerMember(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	mustRegisterAndApprove(t, db, "alice", now)

	id, err := CreateGroup(db, "book-club", "alice", DefaultGroupSettings(), now)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	members, err := ListMembers(db, id)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 1 || members[0].Agent != "alice" || members[0].Role != "owner" {
		t.Fatalf("expected alice as sole owner member, got %+v", members)
	}

	groups, err := ListGroupsForAgent(db, "alice")
	if err != nil {
		t.Fatalf("list groups for agent: %v", err)
	}
	if len(groups) != 1 || groups[0].ID != id {
		t.Fatalf("expected alice's group list to contain %s, got %+v", id, groups)
	}
}

func TestInviteAcceptLifecycle(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	mustRegisterAndApprove(t, db, "alice", now)
	mustRegisterAndApprove(t, db, "bob", now)

	id, err := CreateGroup(db, "book-club", "alice", DefaultGroupSettings(), now)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	if err := InviteToGroup(db, id, "bob", "alice", "", now); err != nil {
		t.Fatalf("invite: %v", err)
	}

	invitations, err := ListInvitations(db, "bob")
	if err != nil {
		t.Fatalf("list invitations: %v", err)
	}
	if len(invitations) != 1 || invitations[0].GroupID != id || invitations[0].InvitedBy != "alice" {
		t.Fatalf("expected pending invitation from alice, got %+v", invitations)
	}

	if err := AcceptInvitation(db, id, "bob", now); err != nil {
		t.Fatalf("accept invitation: %v", err)
	}

	members, err := ListMembers(db, id)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members after accept, got %+v", members)
	}

	invitations, _ = ListInvitations(db, "bob")
	if len(invitations) != 0 {
		t.Fatalf("expected invitation consumed after accept, got %+v", invitations)
	}
}

func TestInviteRejectsNonMemberInviter(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	mustRegisterAndApprove(t, db, "alice", now)
	mustRegisterAndApprove(t, db, "bob", now)
	mustRegisterAndApprove(t, db, "carol", now)

	id, err := CreateGroup(db, "book-club", "alice", DefaultGroupSettings(), now)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	if err := InviteToGroup(db, id, "carol", "bob", "", now); !errs.Is(err, errs.Forbidden) {
		t.Fatalf("expected Forbidden when a non-member invites, got %v", err)
	}
}

func TestInviteRejectsExistingMember(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	mustRegisterAndApprove(t, db, "alice", now)
	mustRegisterAndApprove(t, db, "bob", now)

	id, err := CreateGroup(db, "book-club", "alice", DefaultGroupSettings(), now)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := InviteToGroup(db, id, "bob", "alice", "", now); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := AcceptInvitation(db, id, "bob", now); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := InviteToGroup(db, id, "bob", "alice", "", now); !errs.Is(err, errs.Conflict) {
		t.Fatalf("expected Conflict inviting an existing member, got %v", err)
	}
}

func TestDeclineInvitationDoesNotGrantMembership(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	mustRegisterAndApprove(t, db, "alice", now)
	mustRegisterAndApprove(t, db, "bob", now)

	id, err := CreateGroup(db, "book-club", "alice", DefaultGroupSettings(), now)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := InviteToGroup(db, id, "bob", "alice", "", now); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := DeclineInvitation(db, id, "bob"); err != nil {
		t.Fatalf("decline: %v", err)
	}

	members, _ := ListMembers(db, id)
	if len(members) != 1 {
		t.Fatalf("expected decline to leave membership unchanged, got %+v", members)
	}
	if err := DeclineInvitation(db, id, "bob"); !errs.Is(err, errs.NotFound) {
		t.Fatalf("expected NotFound declining an already-consumed invitation, got %v", err)
	}
}

func TestLeaveGroupRejectsOwnerWithoutTransfer(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	mustRegisterAndApprove(t, db, "alice", now)

	id, err := CreateGroup(db, "book-club", "alice", DefaultGroupSettings(), now)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := LeaveGroup(db, id, "alice", now); !errs.Is(err, errs.Validation) {
		t.Fatalf("expected Validation when owner tries to leave, got %v", err)
	}
}

func TestLeaveGroupRemovesNonOwnerMember(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	mustRegisterAndApprove(t, db, "alice", now)
	mustRegisterAndApprove(t, db, "bob", now)

	id, err := CreateGroup(db, "book-club", "alice", DefaultGroupSettings(), now)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := InviteToGroup(db, id, "bob", "alice", "", now); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := AcceptInvitation(db, id, "bob", now); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := LeaveGroup(db, id, "bob", now); err != nil {
		t.Fatalf("leave: %v", err)
	}
	members, _ := ListMembers(db, id)
	if len(members) != 1 {
		t.Fatalf("expected bob removed, got %+v", members)
	}
}

func TestRemoveMemberRequiresAdmin(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	mustRegisterAndApprove(t, db, "alice", now)
	mustRegisterAndApprove(t, db, "bob", now)
	mustRegisterAndApprove(t, db, "carol", now)

	id, err := CreateGroup(db, "book-club", "alice", DefaultGroupSettings(), now)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	for _, invitee := range []string{"bob", "carol"} {
		if err := InviteToGroup(db, id, invitee, "alice", "", now); err != nil {
			t.Fatalf("invite %s: %v", invitee, err)
		}
		if err := AcceptInvitation(db, id, invitee, now); err != nil {
			t.Fatalf("accept %s: %v", invitee, err)
		}
	}

	if err := RemoveMember(db, id, "bob", "carol", now); !errs.Is(err, errs.Forbidden) {
		t.Fatalf("expected Forbidden when a non-admin removes a member, got %v", err)
	}

	if err := RemoveMember(db, id, "alice", "carol", now); err != nil {
		t.Fatalf("admin remove: %v", err)
	}
	members, _ := ListMembers(db, id)
	if len(members) != 2 {
		t.Fatalf("expected carol removed, got %+v", members)
	}
}

func TestTransferOwnership(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	mustRegisterAndApprove(t, db, "alice", now)
	mustRegisterAndApprove(t, db, "bob", now)

	id, err := CreateGroup(db, "book-club", "alice", DefaultGroupSettings(), now)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := InviteToGroup(db, id, "bob", "alice", "", now); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := AcceptInvitation(db, id, "bob", now); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if err := TransferOwnership(db, id, "alice", "bob", now); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	group, err := GetGroup(db, id)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group.Owner != "bob" {
		t.Fatalf("expected bob to be owner, got %s", group.Owner)
	}

	// alice is no longer owner and may now leave.
	if err := LeaveGroup(db, id, "alice", now); err != nil {
		t.Fatalf("former owner should be able to leave: %v", err)
	}
	// bob, now owner, may not leave without transferring again.
	if err := LeaveGroup(db, id, "bob", now); !errs.Is(err, errs.Validation) {
		t.Fatalf("expected Validation for new owner leaving without transfer, got %v", err)
	}
}

func TestTransferOwnershipRejectsNonMemberTarget(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	mustRegisterAndApprove(t, db, "alice", now)
	mustRegisterAndApprove(t, db, "bob", now)

	id, err := CreateGroup(db, "book-club", "alice", DefaultGroupSettings(), now)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := TransferOwnership(db, id, "alice", "bob", now); !errs.Is(err, errs.Validation) {
		t.Fatalf("expected Validation transferring to a non-member, got %v", err)
	}
}

func TestDissolveGroupOwnerOnlyAndCascades(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	mustRegisterAndApprove(t, db, "alice", now)
	mustRegisterAndApprove(t, db, "bob", now)
	mustRegisterAndApprove(t, db, "carol", now)

	id, err := CreateGroup(db, "book-club", "alice", DefaultGroupSettings(), now)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := InviteToGroup(db, id, "bob", "alice", "", now); err != nil {
		t.Fatalf("invite bob: %v", err)
	}
	if err := InviteToGroup(db, id, "carol", "alice", "", now); err != nil {
		t.Fatalf("invite carol: %v", err)
	}

	if err := DissolveGroup(db, id, "bob", now); !errs.Is(err, errs.Forbidden) {
		t.Fatalf("expected Forbidden when a non-owner dissolves, got %v", err)
	}

	if err := DissolveGroup(db, id, "alice", now); err != nil {
		t.Fatalf("dissolve: %v", err)
	}

	group, err := GetGroup(db, id)
	if err != nil {
		t.Fatalf("get group after dissolve: %v", err)
	}
	if group != nil {
		t.Fatalf("expected group to be gone, got %+v", group)
	}
	members, _ := ListMembers(db, id)
	if len(members) != 0 {
		t.Fatalf("expected members cascaded away, got %+v", members)
	}
	invitations, _ := ListInvitations(db, "carol")
	if len(invitations) != 0 {
		t.Fatalf("expected invitations cascaded away, got %+v", invitations)
	}
}

func TestTransferOwnershipKeepsSingleOwnerRole(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	mustRegisterAndApprove(t, db, "alice", now)
	mustRegisterAndApprove(t, db, "bob", now)

	id, err := CreateGroup(db, "book-club", "alice", DefaultGroupSettings(), now)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := InviteToGroup(db, id, "bob", "alice", "", now); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := AcceptInvitation(db, id, "bob", now); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := TransferOwnership(db, id, "alice", "bob", now); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	members, err := ListMembers(db, id)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	roles := map[string]string{}
	owners := 0
	for _, m := range members {
		roles[m.Agent] = m.Role
		if m.Role == "owner" {
			owners++
		}
	}
	if owners != 1 || roles["bob"] != "owner" || roles["alice"] != "admin" {
		t.Fatalf("expected bob as the single owner and alice demoted to admin, got %+v", roles)
	}
}

func TestInviteRespectsMembersCanInviteSetting(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	mustRegisterAndApprove(t, db, "alice", now)
	mustRegisterAndApprove(t, db, "bob", now)
	mustRegisterAndApprove(t, db, "carol", now)

	settings := DefaultGroupSettings()
	settings.MembersCanInvite = false
	id, err := CreateGroup(db, "book-club", "alice", settings, now)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := InviteToGroup(db, id, "bob", "alice", "", now); err != nil {
		t.Fatalf("owner invite: %v", err)
	}
	if err := AcceptInvitation(db, id, "bob", now); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// a plain member may not invite under this policy
	if err := InviteToGroup(db, id, "carol", "bob", "", now); !errs.Is(err, errs.Forbidden) {
		t.Fatalf("expected Forbidden for member invite, got %v", err)
	}
}

func TestAcceptInvitationEnforcesMemberCap(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	for _, name := range []string{"alice", "bob", "carol"} {
		mustRegisterAndApprove(t, db, name, now)
	}

	settings := DefaultGroupSettings()
	settings.MaxMembers = 2
	id, err := CreateGroup(db, "tiny", "alice", settings, now)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	for _, invitee := range []string{"bob", "carol"} {
		if err := InviteToGroup(db, id, invitee, "alice", "", now); err != nil {
			t.Fatalf("invite %s: %v", invitee, err)
		}
	}
	if err := AcceptInvitation(db, id, "bob", now); err != nil {
		t.Fatalf("bob accept: %v", err)
	}
	if err := AcceptInvitation(db, id, "carol", now); !errs.Is(err, errs.Conflict) {
		t.Fatalf("expected Conflict once the group is full, got %v", err)
	}
}

func TestCreateGroupRejectsOversizedCap(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	mustRegisterAndApprove(t, db, "alice", now)

	settings := DefaultGroupSettings()
	settings.MaxMembers = 51
	if _, err := CreateGroup(db, "too-big", "alice", settings, now); !errs.Is(err, errs.Validation) {
		t.Fatalf("expected Validation for maxMembers > 50, got %v", err)
	}
}

func TestInvitationCarriesGreeting(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	mustRegisterAndApprove(t, db, "alice", now)
	mustRegisterAndApprove(t, db, "bob", now)

	id, err := CreateGroup(db, "book-club", "alice", DefaultGroupSettings(), now)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := InviteToGroup(db, id, "bob", "alice", "join us!", now); err != nil {
		t.Fatalf("invite: %v", err)
	}
	invitations, err := ListInvitations(db, "bob")
	if err != nil {
		t.Fatalf("list invitations: %v", err)
	}
	if len(invitations) != 1 || invitations[0].Greeting != "join us!" {
		t.Fatalf("expected greeting on invitation, got %+v", invitations)
	}
}

func TestGroupChangesFeed(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	mustRegisterAndApprove(t, db, "alice", now)
	mustRegisterAndApprove(t, db, "bob", now)

	id, err := CreateGroup(db, "book-club", "alice", DefaultGroupSettings(), now)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := InviteToGroup(db, id, "bob", "alice", "", now); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := AcceptInvitation(db, id, "bob", now); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := LeaveGroup(db, id, "bob", now); err != nil {
		t.Fatalf("leave: %v", err)
	}

	changes, err := GroupChangesSince(db, 0)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	var kinds []string
	for _, c := range changes {
		kinds = append(kinds, c.Change)
	}
	want := []string{"created", "joined", "left"}
	if len(kinds) != len(want) {
		t.Fatalf("expected change feed %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected change feed %v, got %v", want, kinds)
		}
	}

	// incremental read picks up only what follows the cursor
	tail, err := GroupChangesSince(db, changes[1].Seq)
	if err != nil {
		t.Fatalf("tail changes: %v", err)
	}
	if len(tail) != 1 || tail[0].Change != "left" {
		t.Fatalf("expected only the trailing change, got %+v", tail)
	}
}

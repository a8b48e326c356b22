package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/puzzleden/escape-lobby-backend/internal/apperr"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func lobbyWith(players ...string) State {
	s := NewState("team-1", "puzzle-1", Rules{RequiredPlayers: len(players), TimedRun: true})
	for _, p := range players {
		_, s, _ = Apply(s, Command{Type: CmdJoin, ActorID: p}, t0)
	}
	return s
}

func readyAll(s State) State {
	for _, p := range s.Participants {
		_, s, _ = Apply(s, Command{Type: CmdReady, ActorID: p}, t0)
	}
	return s
}

func TestJoinIsIdempotentAndKeepsLeader(t *testing.T) {
	s := lobbyWith("alice", "bob")
	if s.LeaderID != "alice" {
		t.Fatalf("first joiner should lead, got %q", s.LeaderID)
	}

	events, next, err := Apply(s, Command{Type: CmdJoin, ActorID: "alice"}, t0)
	if err != nil {
		t.Fatalf("rejoin: unexpected err: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("rejoin should be a silent no-op, got %+v", events)
	}
	if next.LeaderID != "alice" || len(next.Participants) != 2 {
		t.Fatalf("rejoin must not mutate membership: %+v", next)
	}
}

func TestJoinConsumesMatchingInvite(t *testing.T) {
	s := NewState("team-1", "puzzle-1", Rules{RequiredPlayers: 2})
	_, s, _ = Apply(s, Command{Type: CmdJoin, ActorID: "alice"}, t0)
	_, s, err := Apply(s, Command{
		Type: CmdInvite, ActorID: "alice",
		InviteID: "inv-1", InviteEmail: "Bob@Example.com",
	}, t0)
	if err != nil {
		t.Fatalf("invite: %v", err)
	}

	_, s, err = Apply(s, Command{Type: CmdJoin, ActorID: "bob", ActorEmail: "bob@example.com"}, t0)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(s.Invites) != 0 {
		t.Fatalf("email invite should be consumed on join, got %+v", s.Invites)
	}
}

func TestInviteRejections(t *testing.T) {
	base := lobbyWith("alice", "bob")
	withPending := base
	_, withPending, _ = Apply(withPending, Command{Type: CmdLeave, ActorID: "bob"}, t0)
	_, withPending, _ = Apply(withPending, Command{
		Type: CmdInvite, ActorID: "alice", InviteID: "inv-1", InviteUserID: "carol",
	}, t0)

	cases := []struct {
		name    string
		setup   State
		cmd     Command
		kind    apperr.Kind
		wantMsg string
	}{
		{
			name:  "non-leader cannot invite",
			setup: base,
			cmd:   Command{Type: CmdInvite, ActorID: "bob", InviteID: "x", InviteUserID: "carol"},
			kind:  apperr.KindForbidden,
		},
		{
			name:  "self invite",
			setup: base,
			cmd:   Command{Type: CmdInvite, ActorID: "alice", InviteID: "x", InviteUserID: "alice"},
			kind:  apperr.KindConflict,
		},
		{
			name:  "already a participant",
			setup: base,
			cmd:   Command{Type: CmdInvite, ActorID: "alice", InviteID: "x", InviteUserID: "bob"},
			kind:  apperr.KindConflict,
		},
		{
			name:  "duplicate pending invite",
			setup: withPending,
			cmd:   Command{Type: CmdInvite, ActorID: "alice", InviteID: "x", InviteUserID: "carol"},
			kind:  apperr.KindConflict,
		},
		{
			name:    "seats exhausted",
			setup:   base,
			cmd:     Command{Type: CmdInvite, ActorID: "alice", InviteID: "x", InviteUserID: "carol"},
			kind:    apperr.KindConflict,
			wantMsg: "invite limit reached",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Apply(tc.setup, tc.cmd, t0)
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := apperr.KindOf(err); got != tc.kind {
				t.Fatalf("kind: got %v, want %v (err=%v)", got, tc.kind, err)
			}
			if tc.wantMsg != "" && err.Error() != tc.wantMsg {
				t.Fatalf("msg: got %q, want %q", err.Error(), tc.wantMsg)
			}
		})
	}
}

func TestStartPreconditionMessages(t *testing.T) {
	short := lobbyWith("alice", "bob")
	short.Rules.RequiredPlayers = 3

	full := readyAll(lobbyWith("alice", "bob", "carol"))
	oneNotReady := full
	_, oneNotReady, _ = Apply(oneNotReady, Command{Type: CmdUnready, ActorID: "carol"}, t0)

	cases := []struct {
		name    string
		setup   State
		wantMsg string
	}{
		{"player shortfall", short, "need 3 players, have 2"},
		{"readiness shortfall", oneNotReady, "1 of 3 not ready"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Apply(tc.setup, Command{Type: CmdStart, ActorID: "alice"}, t0)
			if err == nil || err.Error() != tc.wantMsg {
				t.Fatalf("got %v, want %q", err, tc.wantMsg)
			}
			if apperr.KindOf(err) != apperr.KindConflict {
				t.Fatalf("shortfall must be a conflict, got %v", apperr.KindOf(err))
			}
		})
	}
}

func TestStartSucceedsAndIsIdempotent(t *testing.T) {
	s := readyAll(lobbyWith("alice", "bob"))

	events, next, err := Apply(s, Command{Type: CmdStart, ActorID: "alice"}, t0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !ContainsEvent(events, EvtPuzzleStarting) {
		t.Fatalf("expected PuzzleStarting, got %+v", events)
	}
	if !next.Started || next.PuzzleOpenedAt == nil || !next.PuzzleOpenedAt.Equal(t0) {
		t.Fatalf("start must set Started and PuzzleOpenedAt: %+v", next)
	}
	if len(next.EnteredPuzzleAt) != 0 {
		t.Fatalf("start must clear entry timestamps")
	}

	again, next2, err := Apply(next, Command{Type: CmdStart, ActorID: "alice"}, t0.Add(time.Minute))
	if err != nil || len(again) != 0 {
		t.Fatalf("second start must be a no-op: events=%+v err=%v", again, err)
	}
	if !next2.PuzzleOpenedAt.Equal(t0) {
		t.Fatalf("second start must not move PuzzleOpenedAt")
	}
}

func TestLeaveAndKickPromoteOrDestroy(t *testing.T) {
	s := lobbyWith("alice", "bob", "carol")

	// Leader leaves: earliest-joined survivor takes over.
	events, next, err := Apply(s, Command{Type: CmdLeave, ActorID: "alice"}, t0)
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if next.LeaderID != "bob" {
		t.Fatalf("expected bob promoted, got %q", next.LeaderID)
	}
	if !ContainsEvent(events, EvtParticipantLeft) {
		t.Fatalf("expected ParticipantLeft, got %+v", events)
	}

	// Kick down to one, then the last leave destroys the lobby.
	events, next, err = Apply(next, Command{Type: CmdKick, ActorID: "bob", TargetID: "carol"}, t0)
	if err != nil {
		t.Fatalf("kick: %v", err)
	}
	if !ContainsEvent(events, EvtKicked) {
		t.Fatalf("expected Kicked, got %+v", events)
	}

	events, next, err = Apply(next, Command{Type: CmdLeave, ActorID: "bob"}, t0)
	if err != nil {
		t.Fatalf("last leave: %v", err)
	}
	ev, ok := FindEvent(events, EvtLobbyDestroyed)
	if !ok || ev.Reason != "missing_player" {
		t.Fatalf("empty lobby must destroy with missing_player, got %+v", events)
	}
	if !next.Destroyed {
		t.Fatalf("state should be terminal")
	}

	if _, _, err := Apply(next, Command{Type: CmdJoin, ActorID: "dave"}, t0); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("destroyed lobby must reject everything with not-found, got %v", err)
	}
}

func TestKickRequiresLeaderAndMembership(t *testing.T) {
	s := lobbyWith("alice", "bob")

	if _, _, err := Apply(s, Command{Type: CmdKick, ActorID: "bob", TargetID: "alice"}, t0); apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("non-leader kick: got %v", err)
	}
	if _, _, err := Apply(s, Command{Type: CmdKick, ActorID: "alice", TargetID: "ghost"}, t0); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("kick of non-member: got %v", err)
	}
}

func TestAssignRolesUniquenessAndFinalization(t *testing.T) {
	s := lobbyWith("alice", "bob")

	_, _, err := Apply(s, Command{
		Type: CmdAssignRoles, ActorID: "alice",
		Assignments: map[string]string{"alice": "navigator", "bob": "navigator"},
	}, t0)
	if apperr.KindOf(err) != apperr.KindConflict || !strings.Contains(err.Error(), "navigator") {
		t.Fatalf("duplicate role must conflict naming the role, got %v", err)
	}

	_, partial, err := Apply(s, Command{
		Type: CmdAssignRoles, ActorID: "alice",
		Assignments: map[string]string{"alice": "navigator"},
	}, t0)
	if err != nil {
		t.Fatalf("partial assign: %v", err)
	}
	if partial.AssignmentsFinalized {
		t.Fatalf("partial assignment must not finalize")
	}

	events, full, err := Apply(partial, Command{
		Type: CmdAssignRoles, ActorID: "alice",
		Assignments: map[string]string{"alice": "navigator", "bob": "solver"},
	}, t0)
	if err != nil {
		t.Fatalf("full assign: %v", err)
	}
	if !full.AssignmentsFinalized {
		t.Fatalf("full assignment should finalize")
	}
	if !ContainsEvent(events, EvtRolesAssigned) {
		t.Fatalf("expected RolesAssigned, got %+v", events)
	}
}

func TestDestroyReasons(t *testing.T) {
	cases := []struct {
		name   string
		cmd    Command
		reason string
	}{
		{"leader shutdown", Command{Type: CmdDestroy, ActorID: "alice"}, "leader_shutdown"},
		{"leader reset", Command{Type: CmdDestroy, ActorID: "alice", Reason: "reset"}, "reset"},
		{"server abort", Command{Type: CmdServerAbort}, "abort"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := lobbyWith("alice", "bob")
			events, next, err := Apply(s, tc.cmd, t0)
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			ev, ok := FindEvent(events, EvtLobbyDestroyed)
			if !ok || ev.Reason != tc.reason {
				t.Fatalf("want destroy reason %q, got %+v", tc.reason, events)
			}
			if !next.Destroyed {
				t.Fatalf("state should be terminal")
			}
		})
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	s := readyAll(lobbyWith("alice", "bob"))

	_, _, err := Apply(s, Command{Type: CmdLeave, ActorID: "bob"}, t0)
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if len(s.Participants) != 2 || !s.Ready["bob"] {
		t.Fatalf("input state was mutated: %+v", s)
	}
}

package engine

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/puzzleden/escape-lobby-backend/internal/apperr"
)

type InviteStatus string

const InvitePending InviteStatus = "pending"

// Invite is a pending entry in the lobby's invite list. Exactly one of
// UserID/Email identifies the invitee: UserID when the invitee resolved to a
// known team member, Email otherwise.
type Invite struct {
	ID        string       `json:"id"`
	UserID    string       `json:"userId,omitempty"`
	Email     string       `json:"email,omitempty"`
	InvitedBy string       `json:"invitedBy"`
	Status    InviteStatus `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Rules holds the puzzle-derived parameters the state machine needs.
type Rules struct {
	RequiredPlayers int
	TimedRun        bool
}

// State is the full lobby state. Apply never mutates its input; mutated
// containers are cloned so snapshots handed to other goroutines stay stable.
type State struct {
	TeamID   string
	PuzzleID string

	LeaderID        string
	Participants    []string // join order; unique
	Invites         []Invite
	Ready           map[string]bool
	Started         bool
	PuzzleOpenedAt  *time.Time
	EnteredPuzzleAt map[string]time.Time

	Assignments          map[string]string
	AssignmentsFinalized bool

	Destroyed bool
	Rules     Rules
}

type CommandType string

const (
	CmdCreate        CommandType = "Create"
	CmdJoin          CommandType = "Join"
	CmdInvite        CommandType = "Invite"
	CmdUninvite      CommandType = "Uninvite"
	CmdDeclineInvite CommandType = "DeclineInvite"
	CmdReady         CommandType = "Ready"
	CmdUnready       CommandType = "Unready"
	CmdKick          CommandType = "Kick"
	CmdLeave         CommandType = "Leave"
	CmdStart         CommandType = "Start"
	CmdDestroy       CommandType = "Destroy"
	CmdEnteredPuzzle CommandType = "EnteredPuzzle"
	CmdOpenPuzzle    CommandType = "OpenPuzzle"
	CmdAssignRoles   CommandType = "AssignRoles"
	CmdServerAbort   CommandType = "ServerAbort"
)

type Command struct {
	Type       CommandType
	ActorID    string
	ActorEmail string // used to match email invites on join/decline
	TargetID   string // kick target, uninvite match (id, user, or email)

	// Invite fields, resolved by the caller before dispatch.
	InviteID     string
	InviteUserID string
	InviteEmail  string

	Reason      string
	Assignments map[string]string
}

type EventType string

const (
	EvtLobbyState      EventType = "LobbyState"
	EvtParticipantLeft EventType = "ParticipantLeft"
	EvtKicked          EventType = "Kicked"
	EvtLobbyDestroyed  EventType = "LobbyDestroyed"
	EvtPuzzleStarting  EventType = "PuzzleStarting"
	EvtPuzzleOpened    EventType = "PuzzleOpened"
	EvtRolesAssigned   EventType = "RolesAssigned"
)

type Event struct {
	Type   EventType
	UserID string
	Reason string
}

// Apply runs one command against the state and returns the events to
// broadcast, the next state, and an error when the command is rejected.
// All authorization that depends only on lobby state (leadership,
// participation) is enforced here so it cannot be bypassed upstream.
func Apply(s State, cmd Command, now time.Time) ([]Event, State, error) {
	if s.Destroyed {
		return nil, s, apperr.NotFoundf("lobby no longer exists")
	}

	switch cmd.Type {
	case CmdCreate, CmdJoin:
		return applyJoin(s, cmd)

	case CmdInvite:
		return applyInvite(s, cmd, now)

	case CmdUninvite:
		if err := requireLeader(s, cmd.ActorID); err != nil {
			return nil, s, err
		}
		next, removed := removeInvite(s, cmd.TargetID, "")
		if !removed {
			return nil, s, apperr.NotFoundf("no pending invite matches %q", cmd.TargetID)
		}
		return []Event{{Type: EvtLobbyState}}, next, nil

	case CmdDeclineInvite:
		next, removed := removeInvite(s, cmd.ActorID, cmd.ActorEmail)
		if !removed {
			return nil, s, apperr.NotFoundf("no pending invite for caller")
		}
		return []Event{{Type: EvtLobbyState}}, next, nil

	case CmdReady, CmdUnready:
		if !isParticipant(s, cmd.ActorID) {
			return nil, s, apperr.Forbiddenf("caller is not a participant of this lobby")
		}
		next := s
		next.Ready = maps.Clone(s.Ready)
		if cmd.Type == CmdReady {
			next.Ready[cmd.ActorID] = true
		} else {
			delete(next.Ready, cmd.ActorID)
		}
		return []Event{{Type: EvtLobbyState}}, next, nil

	case CmdKick:
		if err := requireLeader(s, cmd.ActorID); err != nil {
			return nil, s, err
		}
		if !isParticipant(s, cmd.TargetID) {
			return nil, s, apperr.NotFoundf("user %s is not a participant", cmd.TargetID)
		}
		events, next := removeParticipant(s, cmd.TargetID, "missing_player")
		if !next.Destroyed {
			events = append([]Event{{Type: EvtKicked, UserID: cmd.TargetID}}, events...)
		}
		return events, next, nil

	case CmdLeave:
		if !isParticipant(s, cmd.ActorID) {
			return nil, s, apperr.NotFoundf("caller is not a participant of this lobby")
		}
		events, next := removeParticipant(s, cmd.ActorID, "missing_player")
		if !next.Destroyed {
			events = append([]Event{{Type: EvtParticipantLeft, UserID: cmd.ActorID}}, events...)
		}
		return events, next, nil

	case CmdStart:
		return applyStart(s, cmd, now)

	case CmdDestroy:
		if err := requireLeader(s, cmd.ActorID); err != nil {
			return nil, s, err
		}
		return destroy(s, reasonOr(cmd.Reason, "leader_shutdown"))

	case CmdServerAbort:
		// Trust was established by the caller via the shared secret; there is
		// no user identity to check here.
		return destroy(s, reasonOr(cmd.Reason, "abort"))

	case CmdEnteredPuzzle:
		if !isParticipant(s, cmd.ActorID) {
			return nil, s, apperr.Forbiddenf("caller is not a participant of this lobby")
		}
		next := s
		next.EnteredPuzzleAt = maps.Clone(s.EnteredPuzzleAt)
		if next.EnteredPuzzleAt == nil {
			next.EnteredPuzzleAt = map[string]time.Time{}
		}
		next.EnteredPuzzleAt[cmd.ActorID] = now
		return []Event{{Type: EvtLobbyState}}, next, nil

	case CmdOpenPuzzle:
		if err := requireLeader(s, cmd.ActorID); err != nil {
			return nil, s, err
		}
		next := s
		t := now
		next.PuzzleOpenedAt = &t
		next.EnteredPuzzleAt = map[string]time.Time{}
		return []Event{{Type: EvtPuzzleOpened}}, next, nil

	case CmdAssignRoles:
		return applyAssignRoles(s, cmd)

	default:
		return nil, s, apperr.Validationf("unsupported action %q", cmd.Type)
	}
}

func applyJoin(s State, cmd Command) ([]Event, State, error) {
	if isParticipant(s, cmd.ActorID) {
		// Idempotent: rejoining never changes the leader.
		return nil, s, nil
	}
	next := s
	next.Participants = append(slices.Clone(s.Participants), cmd.ActorID)
	if next.LeaderID == "" {
		next.LeaderID = cmd.ActorID
	}
	next, _ = removeInvite(next, cmd.ActorID, cmd.ActorEmail)
	return []Event{{Type: EvtLobbyState}}, next, nil
}

func applyInvite(s State, cmd Command, now time.Time) ([]Event, State, error) {
	if err := requireLeader(s, cmd.ActorID); err != nil {
		return nil, s, err
	}
	if cmd.InviteUserID == cmd.ActorID && cmd.InviteUserID != "" {
		return nil, s, apperr.Conflictf("you cannot invite yourself")
	}
	if cmd.InviteUserID != "" && isParticipant(s, cmd.InviteUserID) {
		return nil, s, apperr.Conflictf("user %s is already a participant", cmd.InviteUserID)
	}
	for _, inv := range s.Invites {
		if inv.Status != InvitePending {
			continue
		}
		if (cmd.InviteUserID != "" && inv.UserID == cmd.InviteUserID) ||
			(cmd.InviteEmail != "" && strings.EqualFold(inv.Email, cmd.InviteEmail)) {
			return nil, s, apperr.Conflictf("an invite is already pending for this player")
		}
	}
	if len(s.Participants)+countPending(s) >= s.Rules.RequiredPlayers {
		return nil, s, apperr.Conflictf("invite limit reached")
	}

	next := s
	next.Invites = append(slices.Clone(s.Invites), Invite{
		ID:        cmd.InviteID,
		UserID:    cmd.InviteUserID,
		Email:     cmd.InviteEmail,
		InvitedBy: cmd.ActorID,
		Status:    InvitePending,
		CreatedAt: now,
	})
	return []Event{{Type: EvtLobbyState}}, next, nil
}

func applyStart(s State, cmd Command, now time.Time) ([]Event, State, error) {
	if err := requireLeader(s, cmd.ActorID); err != nil {
		return nil, s, err
	}
	if s.Started {
		// Restarting would wipe run progress; treat as a no-op.
		return nil, s, nil
	}
	if len(s.Participants) < s.Rules.RequiredPlayers {
		return nil, s, apperr.Conflictf("need %d players, have %d", s.Rules.RequiredPlayers, len(s.Participants))
	}
	notReady := 0
	for _, id := range s.Participants {
		if !s.Ready[id] {
			notReady++
		}
	}
	if notReady > 0 {
		return nil, s, apperr.Conflictf("%d of %d not ready", notReady, len(s.Participants))
	}

	next := s
	next.Started = true
	t := now
	next.PuzzleOpenedAt = &t
	next.EnteredPuzzleAt = map[string]time.Time{}
	return []Event{{Type: EvtPuzzleStarting}}, next, nil
}

func applyAssignRoles(s State, cmd Command) ([]Event, State, error) {
	if err := requireLeader(s, cmd.ActorID); err != nil {
		return nil, s, err
	}
	seen := map[string]string{} // role -> user
	for userID, role := range cmd.Assignments {
		if !isParticipant(s, userID) {
			return nil, s, apperr.Validationf("user %s is not a participant", userID)
		}
		if role == "" {
			continue
		}
		if other, dup := seen[role]; dup && other != userID {
			return nil, s, apperr.Conflictf("role %q is already assigned to another player", role)
		}
		seen[role] = userID
	}

	next := s
	next.Assignments = maps.Clone(cmd.Assignments)
	if next.Assignments == nil {
		next.Assignments = map[string]string{}
	}
	next.AssignmentsFinalized = true
	for _, id := range s.Participants {
		if next.Assignments[id] == "" {
			next.AssignmentsFinalized = false
			break
		}
	}
	return []Event{{Type: EvtRolesAssigned}}, next, nil
}

// removeParticipant drops a user from membership and every per-user map,
// promoting a new leader or cascading to teardown as needed.
func removeParticipant(s State, userID, emptyReason string) ([]Event, State) {
	next := s
	next.Participants = slices.DeleteFunc(slices.Clone(s.Participants), func(id string) bool {
		return id == userID
	})
	next.Ready = maps.Clone(s.Ready)
	delete(next.Ready, userID)
	next.EnteredPuzzleAt = maps.Clone(s.EnteredPuzzleAt)
	delete(next.EnteredPuzzleAt, userID)
	next.Assignments = maps.Clone(s.Assignments)
	delete(next.Assignments, userID)

	if len(next.Participants) == 0 {
		events, destroyed, _ := destroy(next, emptyReason)
		return events, destroyed
	}
	if next.LeaderID == userID {
		// Promote the earliest-joined remaining participant so the lobby is
		// never leaderless while non-empty.
		next.LeaderID = next.Participants[0]
	}
	return []Event{{Type: EvtLobbyState}}, next
}

func destroy(s State, reason string) ([]Event, State, error) {
	next := s
	next.Destroyed = true
	next.Participants = nil
	next.Invites = nil
	next.Ready = map[string]bool{}
	return []Event{{Type: EvtLobbyDestroyed, Reason: reason}}, next, nil
}

// removeInvite removes a pending invite matched by invite id, user id, or
// email. Reports whether anything was removed.
func removeInvite(s State, idOrUser, email string) (State, bool) {
	idx := -1
	for i, inv := range s.Invites {
		if inv.Status != InvitePending {
			continue
		}
		if (idOrUser != "" && (inv.ID == idOrUser || inv.UserID == idOrUser || strings.EqualFold(inv.Email, idOrUser))) ||
			(email != "" && strings.EqualFold(inv.Email, email)) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return s, false
	}
	next := s
	next.Invites = slices.Delete(slices.Clone(s.Invites), idx, idx+1)
	return next, true
}

func requireLeader(s State, actorID string) error {
	if s.LeaderID != actorID {
		return apperr.Forbiddenf("only the lobby leader may do this")
	}
	return nil
}

func isParticipant(s State, userID string) bool {
	return userID != "" && slices.Contains(s.Participants, userID)
}

func countPending(s State) int {
	n := 0
	for _, inv := range s.Invites {
		if inv.Status == InvitePending {
			n++
		}
	}
	return n
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

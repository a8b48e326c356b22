package types

import (
	"time"

	"github.com/puzzleden/escape-lobby-backend/internal/engine"
)

// LobbyActionRequest is the body of POST .../lobby/actions, discriminated by
// Action: create | join | ready | unready | kick | leave | destroy | reset |
// enteredPuzzle | start | invite | uninvite | openPuzzle | assignRoles |
// serverAbort | declineInvite.
type LobbyActionRequest struct {
	Action      string            `json:"action"`
	TargetID    string            `json:"targetId,omitempty"`    // kick
	Identifier  string            `json:"identifier,omitempty"`  // invite/uninvite: user id or email
	Reason      string            `json:"reason,omitempty"`      // destroy/reset/serverAbort
	Assignments map[string]string `json:"assignments,omitempty"` // assignRoles
}

// SessionActionRequest is the body of POST .../session/actions, discriminated
// by Action: ackBriefing | startRun | acquireLock | releaseLock.
type SessionActionRequest struct {
	Action string `json:"action"`
	Item   string `json:"item,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// LobbySnapshot is the authoritative lobby view clients poll.
type LobbySnapshot struct {
	TeamID               string               `json:"teamId"`
	PuzzleID             string               `json:"puzzleId"`
	LeaderID             string               `json:"leaderId"`
	Participants         []string             `json:"participants"`
	Invites              []engine.Invite      `json:"invites"`
	Ready                map[string]bool      `json:"ready"`
	Started              bool                 `json:"started"`
	PuzzleOpenedAt       *time.Time           `json:"puzzleOpenedAt,omitempty"`
	EnteredPuzzleAt      map[string]time.Time `json:"enteredPuzzleAt"`
	Assignments          map[string]string    `json:"assignments"`
	AssignmentsFinalized bool                 `json:"assignmentsFinalized"`
	RequiredPlayers      int                  `json:"requiredPlayers"`
}

func SnapshotFromState(s engine.State) LobbySnapshot {
	return LobbySnapshot{
		TeamID:               s.TeamID,
		PuzzleID:             s.PuzzleID,
		LeaderID:             s.LeaderID,
		Participants:         s.Participants,
		Invites:              s.Invites,
		Ready:                s.Ready,
		Started:              s.Started,
		PuzzleOpenedAt:       s.PuzzleOpenedAt,
		EnteredPuzzleAt:      s.EnteredPuzzleAt,
		Assignments:          s.Assignments,
		AssignmentsFinalized: s.AssignmentsFinalized,
		RequiredPlayers:      s.Rules.RequiredPlayers,
	}
}

// Broadcast payloads. Every event means "state may have changed"; clients may
// re-fetch the snapshot rather than trusting the payload as a diff.

type LobbyStatePayload struct {
	Participants []string        `json:"participants"`
	Ready        map[string]bool `json:"ready"`
}

type LobbyDestroyedPayload struct {
	Reason string `json:"reason"`
}

type TeamPuzzleChangedPayload struct {
	FromPuzzleID string `json:"fromPuzzleId"`
	ToPuzzleID   string `json:"toPuzzleId"`
}

type KickedPayload struct {
	UserID string `json:"userId"`
}

type ParticipantLeftPayload struct {
	UserID string `json:"userId"`
}

type RolesAssignedPayload struct {
	Assignments map[string]string `json:"assignments"`
	Finalized   bool              `json:"finalized"`
}

type SessionUpdatedPayload struct {
	BriefingAcks   map[string]time.Time `json:"briefingAcks"`
	InventoryLocks map[string]any       `json:"inventoryLocks"`
	RunStartedAt   *time.Time           `json:"runStartedAt,omitempty"`
	RunExpiresAt   *time.Time           `json:"runExpiresAt,omitempty"`
}

type ActivityPayload struct {
	Actor string `json:"actor"`
	Kind  string `json:"type"`
	Title string `json:"title"`
}

type AbortedPayload struct {
	Reason string `json:"reason"`
}

type StartFailedPayload struct {
	Error string `json:"error"`
}

type ChatPayload struct {
	UserID string    `json:"userId"`
	Name   string    `json:"name"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

// ChatInbound is the only message clients send over the websocket.
type ChatInbound struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

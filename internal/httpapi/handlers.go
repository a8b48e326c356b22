package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/puzzleden/escape-lobby-backend/internal/apperr"
	"github.com/puzzleden/escape-lobby-backend/internal/auth"
	"github.com/puzzleden/escape-lobby-backend/internal/broadcast"
	"github.com/puzzleden/escape-lobby-backend/internal/engine"
	"github.com/puzzleden/escape-lobby-backend/internal/hub"
	"github.com/puzzleden/escape-lobby-backend/internal/lobby"
	"github.com/puzzleden/escape-lobby-backend/internal/puzzle"
	"github.com/puzzleden/escape-lobby-backend/internal/session"
	"github.com/puzzleden/escape-lobby-backend/internal/team"
	"github.com/puzzleden/escape-lobby-backend/internal/types"
)

type Handler struct {
	Hub      *hub.Hub
	Sessions *session.Coordinator
	Teams    team.Directory
	Puzzles  puzzle.Catalog
	Bc       *broadcast.Broadcaster
	Clock    clockwork.Clock
	Log      *zap.Logger
	Secret   string
}

// puzzleOf loads puzzle metadata, mapping absence to NotFound.
func (h *Handler) puzzleOf(r *http.Request, id string) (*puzzle.Puzzle, error) {
	pz, err := h.Puzzles.Get(r.Context(), id)
	if err != nil {
		return nil, apperr.Internalf(err, "loading puzzle")
	}
	if pz == nil {
		return nil, apperr.NotFoundf("puzzle %s does not exist", id)
	}
	return pz, nil
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// GetLobby serves the authoritative snapshot clients poll between broadcast
// events.
func (h *Handler) GetLobby(w http.ResponseWriter, r *http.Request) {
	key := keyFrom(r)
	if _, err := h.requireMember(r, key.TeamID); err != nil {
		h.writeErr(w, err)
		return
	}

	lb := h.Hub.Get(r.Context(), key)
	if lb == nil {
		h.writeErr(w, apperr.NotFoundf("lobby does not exist"))
		return
	}
	st, err := lb.State(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}

	resp := lobbyResponse{Lobby: types.SnapshotFromState(st)}
	rec, err := h.Sessions.Status(r.Context(), session.Key{TeamID: key.TeamID, ActivityID: key.PuzzleID})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if rec != nil {
		v := sessionViewOf(rec)
		resp.Session = &v
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// LobbyAction is the single action-discriminated lobby endpoint.
func (h *Handler) LobbyAction(w http.ResponseWriter, r *http.Request) {
	key := keyFrom(r)
	var req types.LobbyActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, apperr.Validationf("invalid request body"))
		return
	}
	if req.Action == "" {
		h.writeErr(w, apperr.Validationf("action is required"))
		return
	}

	// The real-time transport authenticates with the shared secret, not a
	// user identity.
	if req.Action == "serverAbort" {
		if !auth.VerifySecret(r, h.Secret) {
			h.writeErr(w, apperr.Unauthorizedf("invalid coordinator secret"))
			return
		}
		h.dispatch(w, r, key, engine.Command{Type: engine.CmdServerAbort, Reason: req.Reason})
		return
	}

	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeErr(w, apperr.Unauthorizedf("authentication required"))
		return
	}

	// Declining an invite is the one action open to non-members.
	if req.Action == "declineInvite" {
		m, _ := h.Teams.Member(r.Context(), key.TeamID, userID)
		cmd := engine.Command{Type: engine.CmdDeclineInvite, ActorID: userID}
		if m != nil {
			cmd.ActorEmail = m.Email
		}
		h.dispatch(w, r, key, cmd)
		return
	}

	member, err := h.requireMember(r, key.TeamID)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	cmd := engine.Command{ActorID: userID, ActorEmail: member.Email}
	switch req.Action {
	case "create":
		h.create(w, r, key, cmd)
		return
	case "join":
		cmd.Type = engine.CmdJoin
	case "ready":
		cmd.Type = engine.CmdReady
	case "unready":
		cmd.Type = engine.CmdUnready
	case "kick":
		if req.TargetID == "" {
			h.writeErr(w, apperr.Validationf("targetId is required"))
			return
		}
		cmd.Type = engine.CmdKick
		cmd.TargetID = req.TargetID
	case "leave":
		cmd.Type = engine.CmdLeave
	case "destroy":
		cmd.Type = engine.CmdDestroy
		cmd.Reason = reasonOr(req.Reason, "leader_shutdown")
	case "reset":
		cmd.Type = engine.CmdDestroy
		cmd.Reason = reasonOr(req.Reason, "reset")
	case "enteredPuzzle":
		cmd.Type = engine.CmdEnteredPuzzle
	case "start":
		cmd.Type = engine.CmdStart
	case "invite":
		if req.Identifier == "" {
			h.writeErr(w, apperr.Validationf("identifier is required"))
			return
		}
		invitee, err := h.Teams.Resolve(r.Context(), key.TeamID, req.Identifier)
		if err != nil {
			h.writeErr(w, apperr.Internalf(err, "resolving invitee"))
			return
		}
		cmd.Type = engine.CmdInvite
		cmd.InviteID = uuid.NewString()
		switch {
		case invitee != nil:
			cmd.InviteUserID = invitee.UserID
			cmd.InviteEmail = invitee.Email
		case strings.Contains(req.Identifier, "@"):
			cmd.InviteEmail = req.Identifier
		default:
			h.writeErr(w, apperr.NotFoundf("no team member matches %q", req.Identifier))
			return
		}
	case "uninvite":
		if req.Identifier == "" {
			h.writeErr(w, apperr.Validationf("identifier is required"))
			return
		}
		cmd.Type = engine.CmdUninvite
		cmd.TargetID = req.Identifier
	case "openPuzzle":
		cmd.Type = engine.CmdOpenPuzzle
	case "assignRoles":
		cmd.Type = engine.CmdAssignRoles
		cmd.Assignments = req.Assignments
	default:
		h.writeErr(w, apperr.Validationf("unknown action %q", req.Action))
		return
	}

	h.dispatch(w, r, key, cmd)
}

// create handles the ensure-or-join path, including the leader-only puzzle
// switch that tears down the team's previous lobby.
func (h *Handler) create(w http.ResponseWriter, r *http.Request, key hub.Key, cmd engine.Command) {
	pz, err := h.puzzleOf(r, key.PuzzleID)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	active := h.Hub.FindTeam(r.Context(), key.TeamID)
	if active.Lobby != nil && active.Key != key {
		if active.State.LeaderID != cmd.ActorID {
			h.writeErr(w, apperr.Conflictf(
				"your team already has an active lobby for puzzle %s", active.Key.PuzzleID))
			return
		}
		rec, err := h.Sessions.Status(r.Context(), session.Key{TeamID: active.Key.TeamID, ActivityID: active.Key.PuzzleID})
		if err != nil {
			h.writeErr(w, err)
			return
		}
		if rec != nil && rec.RunActive(h.Clock.Now()) {
			h.writeErr(w, apperr.Conflictf("puzzle switch is blocked while a run is in progress"))
			return
		}
		h.Bc.Publish(broadcast.LobbyRoom(active.Key.TeamID, active.Key.PuzzleID), broadcast.Event{
			Type: broadcast.EventTeamPuzzleChanged,
			Data: types.TeamPuzzleChangedPayload{FromPuzzleID: active.Key.PuzzleID, ToPuzzleID: key.PuzzleID},
		})
		res := active.Lobby.Do(r.Context(), engine.Command{
			Type: engine.CmdDestroy, ActorID: cmd.ActorID, Reason: "teamPuzzleChanged",
		})
		if res.Err != nil {
			h.writeErr(w, res.Err)
			return
		}
		h.Hub.Remove(active.Key)
	}

	rules := engine.Rules{RequiredPlayers: pz.RequiredPlayers(), TimedRun: pz.TimedRun()}
	lb, _, err := h.Hub.Ensure(r.Context(), key, rules)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	cmd.Type = engine.CmdCreate
	h.finish(w, key, lb.Do(r.Context(), cmd))
}

// dispatch routes a command to the lobby actor and writes the outcome.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, key hub.Key, cmd engine.Command) {
	lb := h.Hub.Get(r.Context(), key)
	if lb == nil {
		h.writeErr(w, apperr.NotFoundf("lobby does not exist"))
		return
	}
	h.finish(w, key, lb.Do(r.Context(), cmd))
}

func (h *Handler) finish(w http.ResponseWriter, key hub.Key, res lobby.Result) {
	if res.Err != nil {
		h.writeErr(w, res.Err)
		return
	}
	if res.Destroyed {
		h.Hub.Remove(key)
	}
	h.writeJSON(w, http.StatusOK, lobbyResponse{Lobby: types.SnapshotFromState(res.State)})
}

// SessionAction is the single action-discriminated endpoint for the timed
// run.
func (h *Handler) SessionAction(w http.ResponseWriter, r *http.Request) {
	key := keyFrom(r)
	var req types.SessionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, apperr.Validationf("invalid request body"))
		return
	}
	if req.Action == "" {
		h.writeErr(w, apperr.Validationf("action is required"))
		return
	}

	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeErr(w, apperr.Unauthorizedf("authentication required"))
		return
	}
	member, err := h.requireMember(r, key.TeamID)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	lb := h.Hub.Get(r.Context(), key)
	if lb == nil {
		h.writeErr(w, apperr.NotFoundf("lobby does not exist"))
		return
	}
	st, err := lb.State(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if !st.Started {
		h.writeErr(w, apperr.Conflictf("the lobby has not started"))
		return
	}
	pz, err := h.puzzleOf(r, key.PuzzleID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if !pz.TimedRun() {
		h.writeErr(w, apperr.Conflictf("puzzle %s is not a timed activity", key.PuzzleID))
		return
	}

	skey := session.Key{TeamID: key.TeamID, ActivityID: key.PuzzleID}
	isLeader := st.LeaderID == userID

	var rec *session.Record
	switch req.Action {
	case "ackBriefing":
		rec, err = h.Sessions.AckBriefing(r.Context(), skey, userID)
	case "startRun":
		if !isLeader {
			h.writeErr(w, apperr.Forbiddenf("only the lobby leader may start the run"))
			return
		}
		teamSize, cErr := h.Teams.MemberCount(r.Context(), key.TeamID)
		if cErr != nil {
			h.writeErr(w, apperr.Internalf(cErr, "counting team members"))
			return
		}
		rec, err = h.Sessions.StartRun(r.Context(), skey, session.StartRunParams{
			MinTeamSize: pz.MinTeamSize,
			TeamSize:    teamSize,
			TimeLimit:   pz.TimeLimit(),
		}, userID)
	case "acquireLock":
		rec, err = h.Sessions.AcquireLock(r.Context(), skey, userID, member.DisplayName, req.Item)
	case "releaseLock":
		rec, err = h.Sessions.ReleaseLock(r.Context(), skey, userID, isLeader, req.Item)
	default:
		h.writeErr(w, apperr.Validationf("unknown action %q", req.Action))
		return
	}
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sessionViewOf(rec))
}

// DeleteLobby is the administrative cleanup path, gated by the coordinator
// secret. Deleting an absent lobby succeeds.
func (h *Handler) DeleteLobby(w http.ResponseWriter, r *http.Request) {
	if !auth.VerifySecret(r, h.Secret) {
		h.writeErr(w, apperr.Unauthorizedf("invalid coordinator secret"))
		return
	}
	key := keyFrom(r)
	if lb := h.Hub.Get(r.Context(), key); lb != nil {
		res := lb.Do(r.Context(), engine.Command{Type: engine.CmdServerAbort, Reason: "reset"})
		if res.Err != nil && apperr.KindOf(res.Err) != apperr.KindNotFound {
			h.writeErr(w, res.Err)
			return
		}
		h.Hub.Remove(key)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) requireMember(r *http.Request, teamID string) (*team.Member, error) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		return nil, apperr.Unauthorizedf("authentication required")
	}
	m, err := h.Teams.Member(r.Context(), teamID, userID)
	if err != nil {
		return nil, apperr.Internalf(err, "checking team membership")
	}
	if m == nil {
		return nil, apperr.Forbiddenf("caller is not a member of team %s", teamID)
	}
	return m, nil
}

func keyFrom(r *http.Request) hub.Key {
	return hub.Key{
		TeamID:   chi.URLParam(r, "teamID"),
		PuzzleID: chi.URLParam(r, "puzzleID"),
	}
}

type lobbyResponse struct {
	Lobby   types.LobbySnapshot `json:"lobby"`
	Session *sessionView        `json:"session,omitempty"`
}

type sessionView struct {
	CurrentStageIndex int                      `json:"currentStageIndex"`
	SolvedStages      []string                 `json:"solvedStages"`
	Inventory         []string                 `json:"inventory"`
	Roles             map[string]string        `json:"roles"`
	BriefingAcks      map[string]time.Time     `json:"briefingAcks"`
	InventoryLocks    map[string]session.Lock  `json:"inventoryLocks"`
	RunStartedAt      *time.Time               `json:"runStartedAt,omitempty"`
	RunExpiresAt      *time.Time               `json:"runExpiresAt,omitempty"`
	FailedAt          *time.Time               `json:"failedAt,omitempty"`
	FailedReason      string                   `json:"failedReason,omitempty"`
	CompletedAt       *time.Time               `json:"completedAt,omitempty"`
}

func sessionViewOf(rec *session.Record) sessionView {
	return sessionView{
		CurrentStageIndex: rec.CurrentStageIndex,
		SolvedStages:      rec.SolvedStageIDs(),
		Inventory:         rec.InventoryItems(),
		Roles:             rec.RoleMap(),
		BriefingAcks:      rec.Acks(),
		InventoryLocks:    rec.Locks(),
		RunStartedAt:      rec.RunStartedAt,
		RunExpiresAt:      rec.RunExpiresAt,
		FailedAt:          rec.FailedAt,
		FailedReason:      rec.FailedReason,
		CompletedAt:       rec.CompletedAt,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Log.Warn("writing response", zap.Error(err))
	}
}

func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.Log.Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	var appErr *apperr.Error
	details := any(nil)
	if errors.As(err, &appErr) {
		details = appErr.Details
		if status == http.StatusInternalServerError {
			msg = appErr.Msg
		}
	}
	h.writeJSON(w, status, types.ErrorResponse{Error: msg, Code: apperr.Code(err), Details: details})
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

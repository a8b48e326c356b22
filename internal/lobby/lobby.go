package lobby

import (
	"context"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/puzzleden/escape-lobby-backend/internal/apperr"
	"github.com/puzzleden/escape-lobby-backend/internal/broadcast"
	"github.com/puzzleden/escape-lobby-backend/internal/engine"
	"github.com/puzzleden/escape-lobby-backend/internal/types"
)

type Msg interface{ isLobbyMsg() }

type Dispatch struct {
	Cmd   engine.Command
	Reply chan Result
}

func (Dispatch) isLobbyMsg() {}

type GetState struct {
	Reply chan engine.State
}

func (GetState) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type Result struct {
	State     engine.State
	Destroyed bool
	Err       error
}

// SessionStore is the session lifecycle the lobby drives at its own
// transitions. Implemented by session.Coordinator.
type SessionStore interface {
	StartFresh(ctx context.Context, teamID, activityID string, roles map[string]string) error
	Reset(ctx context.Context, teamID, activityID string) error
}

// Lobby is the actor owning one lobby's state. All mutations flow through
// its inbox so read-modify-write cycles are serialized per key; handlers talk
// to it via Do/State and never touch the state directly.
type Lobby struct {
	inbox    chan Msg
	state    engine.State
	sessions SessionStore
	bc       *broadcast.Broadcaster
	clock    clockwork.Clock
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

type Deps struct {
	Sessions SessionStore
	Bc       *broadcast.Broadcaster
	Clock    clockwork.Clock
	Log      *zap.Logger
}

func NewLobby(parent context.Context, initial engine.State, deps Deps) *Lobby {
	ctx, cancel := context.WithCancel(parent)
	l := &Lobby{
		inbox:    make(chan Msg, 64),
		state:    initial,
		sessions: deps.Sessions,
		bc:       deps.Bc,
		clock:    deps.Clock,
		log:      deps.Log,
		ctx:      ctx,
		cancel:   cancel,
	}
	go l.loop()
	return l
}

// Do sends a command to the actor and waits for the result.
func (l *Lobby) Do(ctx context.Context, cmd engine.Command) Result {
	reply := make(chan Result, 1)
	select {
	case l.inbox <- Dispatch{Cmd: cmd, Reply: reply}:
	case <-l.ctx.Done():
		return Result{Err: apperr.NotFoundf("lobby no longer exists")}
	case <-ctx.Done():
		return Result{Err: apperr.Canceledf("request cancelled")}
	}
	select {
	case res := <-reply:
		return res
	case <-l.ctx.Done():
		return Result{Err: apperr.NotFoundf("lobby no longer exists")}
	case <-ctx.Done():
		return Result{Err: apperr.Canceledf("request cancelled")}
	}
}

// State returns a snapshot of the current state.
func (l *Lobby) State(ctx context.Context) (engine.State, error) {
	reply := make(chan engine.State, 1)
	select {
	case l.inbox <- GetState{Reply: reply}:
	case <-l.ctx.Done():
		return engine.State{}, apperr.NotFoundf("lobby no longer exists")
	case <-ctx.Done():
		return engine.State{}, apperr.Canceledf("request cancelled")
	}
	select {
	case st := <-reply:
		return st, nil
	case <-l.ctx.Done():
		return engine.State{}, apperr.NotFoundf("lobby no longer exists")
	case <-ctx.Done():
		return engine.State{}, apperr.Canceledf("request cancelled")
	}
}

// Inbox exposes the raw message channel for tests.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

func (l *Lobby) loop() {
	for {
		select {
		case <-l.ctx.Done():
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Dispatch:
				msg.Reply <- l.handle(msg.Cmd)

			case GetState:
				msg.Reply <- l.state

			case Shutdown:
				l.cancel()
				return
			}
		}
	}
}

func (l *Lobby) handle(cmd engine.Command) Result {
	now := l.clock.Now()
	events, next, err := engine.Apply(l.state, cmd, now)
	if err != nil {
		if cmd.Type == engine.CmdStart && apperr.KindOf(err) == apperr.KindConflict {
			l.bc.Publish(broadcast.LobbyRoom(l.state.TeamID, l.state.PuzzleID), broadcast.Event{
				Type: broadcast.EventStartFailed,
				Data: types.StartFailedPayload{Error: err.Error()},
			})
		}
		return Result{State: l.state, Err: err}
	}

	// The fresh session record must exist before the started state becomes
	// visible; a failed upsert fails the start.
	if engine.ContainsEvent(events, engine.EvtPuzzleStarting) {
		roles := map[string]string{}
		if next.AssignmentsFinalized {
			roles = next.Assignments
		}
		if err := l.sessions.StartFresh(l.ctx, next.TeamID, next.PuzzleID, roles); err != nil {
			l.log.Error("session upsert on start failed", zap.Error(err))
			return Result{State: l.state, Err: apperr.Internalf(err, "could not start the session")}
		}
	}

	l.state = next
	l.publish(events, next)

	if next.Destroyed {
		// Teardown resets the durable record; a failure here is logged but
		// never blocks the teardown itself.
		if err := l.sessions.Reset(l.ctx, next.TeamID, next.PuzzleID); err != nil {
			l.log.Error("session reset on teardown failed", zap.Error(err))
		}
	}
	return Result{State: next, Destroyed: next.Destroyed}
}

func (l *Lobby) publish(events []engine.Event, st engine.State) {
	room := broadcast.LobbyRoom(st.TeamID, st.PuzzleID)
	stateData := types.LobbyStatePayload{Participants: st.Participants, Ready: st.Ready}

	for _, ev := range events {
		switch ev.Type {
		case engine.EvtLobbyState:
			l.bc.Publish(room, broadcast.Event{Type: broadcast.EventLobbyState, Data: stateData})

		case engine.EvtParticipantLeft:
			l.bc.Publish(room, broadcast.Event{Type: broadcast.EventParticipantLeft, Data: types.ParticipantLeftPayload{UserID: ev.UserID}})
			l.bc.Publish(room, broadcast.Event{Type: broadcast.EventLobbyState, Data: stateData})

		case engine.EvtKicked:
			l.bc.Publish(room, broadcast.Event{Type: broadcast.EventKicked, Data: types.KickedPayload{UserID: ev.UserID}})
			l.bc.Publish(room, broadcast.Event{Type: broadcast.EventLobbyState, Data: stateData})

		case engine.EvtLobbyDestroyed:
			l.bc.Publish(room, broadcast.Event{Type: broadcast.EventLobbyDestroyed, Data: types.LobbyDestroyedPayload{Reason: ev.Reason}})
			l.bc.Publish(broadcast.EscapeRoom(st.TeamID, st.PuzzleID), broadcast.Event{Type: broadcast.EventEscapeAborted, Data: types.AbortedPayload{Reason: ev.Reason}})

		case engine.EvtPuzzleStarting:
			l.bc.Publish(room, broadcast.Event{Type: broadcast.EventPuzzleStarting})

		case engine.EvtPuzzleOpened:
			l.bc.Publish(room, broadcast.Event{Type: broadcast.EventPuzzleOpened})

		case engine.EvtRolesAssigned:
			l.bc.Publish(room, broadcast.Event{Type: broadcast.EventRolesAssigned, Data: types.RolesAssignedPayload{Assignments: st.Assignments, Finalized: st.AssignmentsFinalized}})
		}
	}
}

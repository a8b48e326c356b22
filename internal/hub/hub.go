package hub

import (
	"context"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/puzzleden/escape-lobby-backend/internal/apperr"
	"github.com/puzzleden/escape-lobby-backend/internal/broadcast"
	"github.com/puzzleden/escape-lobby-backend/internal/engine"
	"github.com/puzzleden/escape-lobby-backend/internal/lobby"
)

// Key identifies one lobby in the registry.
type Key struct {
	TeamID   string
	PuzzleID string
}

type HubMsg interface{ isHubMsg() }

type EnsureLobby struct {
	Key   Key
	Rules engine.Rules
	Reply chan EnsureReply
}

type EnsureReply struct {
	Lobby  *lobby.Lobby
	WasNew bool
	Err    error
}

type GetLobby struct {
	Key   Key
	Reply chan *lobby.Lobby
}

type RemoveLobby struct {
	Key Key
}

type FindTeamLobby struct {
	TeamID string
	Reply  chan FindReply
}

// FindReply carries the team's single active lobby, or a nil Lobby when the
// team has none.
type FindReply struct {
	Lobby *lobby.Lobby
	Key   Key
	State engine.State
}

type ShutdownHub struct{}

func (EnsureLobby) isHubMsg()   {}
func (GetLobby) isHubMsg()      {}
func (RemoveLobby) isHubMsg()   {}
func (FindTeamLobby) isHubMsg() {}
func (ShutdownHub) isHubMsg()   {}

// Hub is the actor owning the lobby registry. It is the only writer of the
// key -> lobby map, which keeps the one-active-lobby-per-team invariant
// checkable without extra locking.
type Hub struct {
	inbox   chan HubMsg
	lobbies map[Key]*lobby.Lobby
	deps    lobby.Deps
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context, sessions lobby.SessionStore, bc *broadcast.Broadcaster, clock clockwork.Clock, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		lobbies: make(map[Key]*lobby.Lobby),
		deps:    lobby.Deps{Sessions: sessions, Bc: bc, Clock: clock, Log: log},
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Ensure returns the lobby for the key, creating it if absent. Creation is
// refused while the team already has an active lobby on another puzzle.
func (h *Hub) Ensure(ctx context.Context, key Key, rules engine.Rules) (*lobby.Lobby, bool, error) {
	reply := make(chan EnsureReply, 1)
	select {
	case h.inbox <- EnsureLobby{Key: key, Rules: rules, Reply: reply}:
	case <-h.ctx.Done():
		return nil, false, apperr.Internalf(h.ctx.Err(), "lobby registry is shut down")
	case <-ctx.Done():
		return nil, false, apperr.Canceledf("request cancelled")
	}
	select {
	case r := <-reply:
		return r.Lobby, r.WasNew, r.Err
	case <-h.ctx.Done():
		return nil, false, apperr.Internalf(h.ctx.Err(), "lobby registry is shut down")
	case <-ctx.Done():
		return nil, false, apperr.Canceledf("request cancelled")
	}
}

// Get returns the lobby for the key, or nil.
func (h *Hub) Get(ctx context.Context, key Key) *lobby.Lobby {
	reply := make(chan *lobby.Lobby, 1)
	select {
	case h.inbox <- GetLobby{Key: key, Reply: reply}:
	case <-h.ctx.Done():
		return nil
	case <-ctx.Done():
		return nil
	}
	select {
	case lb := <-reply:
		return lb
	case <-h.ctx.Done():
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Remove deletes the lobby for the key and stops its actor.
func (h *Hub) Remove(key Key) {
	select {
	case h.inbox <- RemoveLobby{Key: key}:
	case <-h.ctx.Done():
	}
}

// FindTeam returns the team's one non-empty lobby across puzzles, preferring
// a started one. The Lobby field is nil when the team has none.
func (h *Hub) FindTeam(ctx context.Context, teamID string) FindReply {
	reply := make(chan FindReply, 1)
	select {
	case h.inbox <- FindTeamLobby{TeamID: teamID, Reply: reply}:
	case <-h.ctx.Done():
		return FindReply{}
	case <-ctx.Done():
		return FindReply{}
	}
	select {
	case r := <-reply:
		return r
	case <-h.ctx.Done():
		return FindReply{}
	case <-ctx.Done():
		return FindReply{}
	}
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case EnsureLobby:
				if lb := h.lobbies[msg.Key]; lb != nil {
					msg.Reply <- EnsureReply{Lobby: lb}
					break
				}
				if other := h.findTeam(msg.Key.TeamID); other.Lobby != nil && other.Key != msg.Key {
					msg.Reply <- EnsureReply{Err: apperr.Conflictf(
						"team already has an active lobby for puzzle %s", other.Key.PuzzleID)}
					break
				}
				lb := lobby.NewLobby(h.ctx, engine.NewState(msg.Key.TeamID, msg.Key.PuzzleID, msg.Rules), h.deps)
				h.lobbies[msg.Key] = lb
				msg.Reply <- EnsureReply{Lobby: lb, WasNew: true}

			case GetLobby:
				msg.Reply <- h.lobbies[msg.Key] // may be nil

			case RemoveLobby:
				if lb := h.lobbies[msg.Key]; lb != nil {
					lb.Inbox() <- lobby.Shutdown{}
					delete(h.lobbies, msg.Key)
				}

			case FindTeamLobby:
				msg.Reply <- h.findTeam(msg.TeamID)

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

// findTeam scans the team's lobbies for a non-empty one, preferring started.
// Lobby actors never block on the hub, so querying them from the hub loop is
// deadlock-free.
func (h *Hub) findTeam(teamID string) FindReply {
	var best FindReply
	for key, lb := range h.lobbies {
		if key.TeamID != teamID {
			continue
		}
		st, err := lb.State(h.ctx)
		if err != nil || len(st.Participants) == 0 {
			continue
		}
		if best.Lobby == nil || (st.Started && !best.State.Started) {
			best = FindReply{Lobby: lb, Key: key, State: st}
		}
	}
	return best
}

func (h *Hub) shutdown() {
	for key, lb := range h.lobbies {
		lb.Inbox() <- lobby.Shutdown{}
		delete(h.lobbies, key)
	}
	h.cancel()
}

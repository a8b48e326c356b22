// Package broadcast fans state-change events out to the clients of a room.
// Delivery is best-effort: sends never block, and a subscriber that cannot
// keep up is removed from the room. Clients are expected to poll the
// authoritative snapshot as a backstop.
package broadcast

import (
	"sync"

	"go.uber.org/zap"
)

// Room key formats. Lobby-scoped events go to "{teamId}::{puzzleId}",
// session-scoped events to "escape:{teamId}::{puzzleId}".
func LobbyRoom(teamID, puzzleID string) string  { return teamID + "::" + puzzleID }
func EscapeRoom(teamID, puzzleID string) string { return "escape:" + teamID + "::" + puzzleID }

// Event type names in the wire catalog.
const (
	EventLobbyState        = "lobbyState"
	EventChatMessage       = "chatMessage"
	EventLobbyDestroyed    = "lobbyDestroyed"
	EventPuzzleStarting    = "puzzleStarting"
	EventPuzzleOpened      = "puzzleOpened"
	EventTeamPuzzleChanged = "teamPuzzleChanged"
	EventKicked            = "kicked"
	EventParticipantLeft   = "participantLeft"
	EventRolesAssigned     = "rolesAssigned"
	EventSessionUpdated    = "escapeSessionUpdated"
	EventEscapeActivity    = "escapeActivity"
	EventEscapeAborted     = "escapeAborted"
	EventStartFailed       = "startFailed"
)

type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type Broadcaster struct {
	mu    sync.Mutex
	rooms map[string]map[string]chan Event
	log   *zap.Logger
}

func New(log *zap.Logger) *Broadcaster {
	return &Broadcaster{
		rooms: make(map[string]map[string]chan Event),
		log:   log,
	}
}

// Subscribe registers out to receive events published to room. The same
// channel may be subscribed to several rooms.
func (b *Broadcaster) Subscribe(room, clientID string, out chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.rooms[room]
	if subs == nil {
		subs = make(map[string]chan Event)
		b.rooms[room] = subs
	}
	subs[clientID] = out
}

func (b *Broadcaster) Unsubscribe(room, clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.rooms[room]
	delete(subs, clientID)
	if len(subs) == 0 {
		delete(b.rooms, room)
	}
}

// Publish sends the event to every subscriber of the room. A subscriber whose
// buffer is full is dropped from the room rather than blocking the publisher.
func (b *Broadcaster) Publish(room string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.rooms[room] {
		select {
		case ch <- ev:
		default:
			delete(b.rooms[room], id)
			b.log.Warn("dropping slow subscriber",
				zap.String("room", room),
				zap.String("client", id),
				zap.String("event", ev.Type))
		}
	}
}

// NumSubscribers reports the current subscriber count of a room.
func (b *Broadcaster) NumSubscribers(room string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms[room])
}

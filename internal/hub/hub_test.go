package hub

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/puzzleden/escape-lobby-backend/internal/apperr"
	"github.com/puzzleden/escape-lobby-backend/internal/broadcast"
	"github.com/puzzleden/escape-lobby-backend/internal/engine"
	"github.com/puzzleden/escape-lobby-backend/internal/session"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bc := broadcast.New(zap.NewNop())
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	coord := session.NewCoordinator(session.NewMemoryStore(), bc, clock, zap.NewNop(), time.Hour)
	return NewHub(ctx, coord, bc, clock, zap.NewNop())
}

func TestHub_EnsureReturnsSamePointer(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	key := Key{TeamID: "team-1", PuzzleID: "puzzle-1"}

	lb, wasNew, err := h.Ensure(ctx, key, engine.Rules{RequiredPlayers: 2})
	if err != nil || !wasNew {
		t.Fatalf("first ensure: new=%v err=%v", wasNew, err)
	}

	again, wasNew, err := h.Ensure(ctx, key, engine.Rules{RequiredPlayers: 2})
	if err != nil || wasNew {
		t.Fatalf("second ensure: new=%v err=%v", wasNew, err)
	}
	if lb != again {
		t.Fatalf("ensure must return the one actor per key")
	}
	if got := h.Get(ctx, key); got != lb {
		t.Fatalf("get must return the same actor")
	}
}

func TestHub_GetMissingReturnsNil(t *testing.T) {
	h := newTestHub(t)
	if lb := h.Get(context.Background(), Key{TeamID: "t", PuzzleID: "p"}); lb != nil {
		t.Fatalf("expected nil for unknown key")
	}
}

func TestHub_SecondPuzzleForBusyTeamConflicts(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	key := Key{TeamID: "team-1", PuzzleID: "puzzle-1"}

	lb, _, err := h.Ensure(ctx, key, engine.Rules{RequiredPlayers: 2})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if res := lb.Do(ctx, engine.Command{Type: engine.CmdJoin, ActorID: "alice"}); res.Err != nil {
		t.Fatalf("join: %v", res.Err)
	}

	_, _, err = h.Ensure(ctx, Key{TeamID: "team-1", PuzzleID: "puzzle-2"}, engine.Rules{RequiredPlayers: 2})
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("busy team must conflict, got %v", err)
	}

	// Another team is unaffected.
	if _, _, err := h.Ensure(ctx, Key{TeamID: "team-2", PuzzleID: "puzzle-2"}, engine.Rules{}); err != nil {
		t.Fatalf("other team: %v", err)
	}
}

func TestHub_EmptyLobbyDoesNotBlockOtherPuzzles(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	// A lobby nobody joined never counts as the team's active lobby.
	if _, _, err := h.Ensure(ctx, Key{TeamID: "team-1", PuzzleID: "puzzle-1"}, engine.Rules{}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, _, err := h.Ensure(ctx, Key{TeamID: "team-1", PuzzleID: "puzzle-2"}, engine.Rules{}); err != nil {
		t.Fatalf("empty lobby should not block: %v", err)
	}
}

func TestHub_FindTeamPrefersStarted(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	key := Key{TeamID: "team-1", PuzzleID: "puzzle-1"}

	lb, _, err := h.Ensure(ctx, key, engine.Rules{RequiredPlayers: 1})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	lb.Do(ctx, engine.Command{Type: engine.CmdJoin, ActorID: "alice"})
	lb.Do(ctx, engine.Command{Type: engine.CmdReady, ActorID: "alice"})
	if res := lb.Do(ctx, engine.Command{Type: engine.CmdStart, ActorID: "alice"}); res.Err != nil {
		t.Fatalf("start: %v", res.Err)
	}

	found := h.FindTeam(ctx, "team-1")
	if found.Lobby != lb || found.Key != key {
		t.Fatalf("find: got %+v", found.Key)
	}
	if !found.State.Started {
		t.Fatalf("found state should be the started one")
	}

	if none := h.FindTeam(ctx, "team-2"); none.Lobby != nil {
		t.Fatalf("team without lobby should find nothing")
	}
}

func TestHub_CallsReturnAfterShutdown(t *testing.T) {
	h := newTestHub(t)

	h.Inbox() <- ShutdownHub{}
	<-h.ctx.Done() // the loop has processed the shutdown and exited

	done := make(chan struct{})
	go func() {
		defer close(done)
		key := Key{TeamID: "team-1", PuzzleID: "puzzle-1"}
		if _, _, err := h.Ensure(context.Background(), key, engine.Rules{}); err == nil {
			t.Errorf("ensure on a stopped hub should fail")
		}
		if lb := h.Get(context.Background(), key); lb != nil {
			t.Errorf("get on a stopped hub should return nil")
		}
		if found := h.FindTeam(context.Background(), "team-1"); found.Lobby != nil {
			t.Errorf("find on a stopped hub should return nothing")
		}
		h.Remove(key)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("hub calls hung after shutdown")
	}
}

func TestHub_RemoveStopsActor(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	key := Key{TeamID: "team-1", PuzzleID: "puzzle-1"}

	lb, _, err := h.Ensure(ctx, key, engine.Rules{})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	h.Remove(key)

	deadline := time.After(500 * time.Millisecond)
	for h.Get(ctx, key) != nil {
		select {
		case <-deadline:
			t.Fatalf("key still present after remove")
		case <-time.After(5 * time.Millisecond):
		}
	}

	deadline = time.After(500 * time.Millisecond)
	for {
		if _, err := lb.State(ctx); apperr.KindOf(err) == apperr.KindNotFound {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("actor still answering after remove")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

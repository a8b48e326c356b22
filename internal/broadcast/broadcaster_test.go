package broadcast

import (
	"testing"

	"go.uber.org/zap"
)

func TestPublishFansOutToRoomOnly(t *testing.T) {
	b := New(zap.NewNop())

	a := make(chan Event, 4)
	c := make(chan Event, 4)
	other := make(chan Event, 4)
	b.Subscribe(LobbyRoom("team-1", "puzzle-1"), "a", a)
	b.Subscribe(LobbyRoom("team-1", "puzzle-1"), "c", c)
	b.Subscribe(LobbyRoom("team-2", "puzzle-1"), "x", other)

	b.Publish(LobbyRoom("team-1", "puzzle-1"), Event{Type: EventLobbyState})

	for name, ch := range map[string]chan Event{"a": a, "c": c} {
		select {
		case ev := <-ch:
			if ev.Type != EventLobbyState {
				t.Fatalf("%s: got %q", name, ev.Type)
			}
		default:
			t.Fatalf("%s: missing event", name)
		}
	}
	if len(other) != 0 {
		t.Fatalf("other room must not receive the event")
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	b := New(zap.NewNop())
	room := LobbyRoom("team-1", "puzzle-1")

	slow := make(chan Event) // unbuffered, never read
	b.Subscribe(room, "slow", slow)

	b.Publish(room, Event{Type: EventLobbyState})

	if n := b.NumSubscribers(room); n != 0 {
		t.Fatalf("slow subscriber should be dropped, have %d", n)
	}

	// Publishing to the now-empty room must not panic or block.
	b.Publish(room, Event{Type: EventLobbyState})
}

func TestUnsubscribeRemovesEmptyRoom(t *testing.T) {
	b := New(zap.NewNop())
	room := EscapeRoom("team-1", "puzzle-1")

	out := make(chan Event, 1)
	b.Subscribe(room, "a", out)
	b.Unsubscribe(room, "a")

	if n := b.NumSubscribers(room); n != 0 {
		t.Fatalf("expected empty room, have %d", n)
	}
	b.Publish(room, Event{Type: EventSessionUpdated})
	if len(out) != 0 {
		t.Fatalf("unsubscribed channel must not receive events")
	}
}

func TestOneChannelManyRooms(t *testing.T) {
	b := New(zap.NewNop())
	out := make(chan Event, 4)

	b.Subscribe(LobbyRoom("team-1", "puzzle-1"), "a", out)
	b.Subscribe(EscapeRoom("team-1", "puzzle-1"), "a", out)

	b.Publish(LobbyRoom("team-1", "puzzle-1"), Event{Type: EventLobbyState})
	b.Publish(EscapeRoom("team-1", "puzzle-1"), Event{Type: EventSessionUpdated})

	if len(out) != 2 {
		t.Fatalf("expected both rooms to deliver, got %d", len(out))
	}
}

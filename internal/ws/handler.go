package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/puzzleden/escape-lobby-backend/internal/auth"
	"github.com/puzzleden/escape-lobby-backend/internal/broadcast"
	"github.com/puzzleden/escape-lobby-backend/internal/hub"
	"github.com/puzzleden/escape-lobby-backend/internal/team"
	"github.com/puzzleden/escape-lobby-backend/internal/types"
)

const (
	writeTimeout = 3 * time.Second
	readTimeout  = 60 * time.Second
)

type Deps struct {
	Hub   *hub.Hub
	Bc    *broadcast.Broadcaster
	Teams team.Directory
	Log   *zap.Logger
}

// Handler upgrades the connection and relays room events for one lobby. The
// stream is advisory: clients still poll the snapshot endpoint. The only
// inbound message is chat, which is republished to the lobby room.
func Handler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		teamID := chi.URLParam(r, "teamID")
		puzzleID := chi.URLParam(r, "puzzleID")

		userID, ok := auth.UserID(r.Context())
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		member, err := d.Teams.Member(r.Context(), teamID, userID)
		if err != nil || member == nil {
			http.Error(w, "not a member of this team", http.StatusForbidden)
			return
		}
		if lb := d.Hub.Get(r.Context(), hub.Key{TeamID: teamID, PuzzleID: puzzleID}); lb == nil {
			http.Error(w, "lobby not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		lobbyRoom := broadcast.LobbyRoom(teamID, puzzleID)
		escapeRoom := broadcast.EscapeRoom(teamID, puzzleID)
		out := make(chan broadcast.Event, 16)
		clientID := uuid.NewString()

		d.Bc.Subscribe(lobbyRoom, clientID, out)
		d.Bc.Subscribe(escapeRoom, clientID, out)
		defer func() {
			d.Bc.Unsubscribe(lobbyRoom, clientID)
			d.Bc.Unsubscribe(escapeRoom, clientID)
		}()

		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for {
				select {
				case <-writeCtx.Done():
					return
				case ev := <-out:
					payload, err := json.Marshal(ev)
					if err != nil {
						continue
					}
					ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
					_ = conn.Write(ctx, websocket.MessageText, payload)
					cancel()
				}
			}
		}()

		// One bucket per connection keeps a noisy client from spamming the
		// room.
		limiter := rate.NewLimiter(rate.Every(500*time.Millisecond), 5)

		for {
			ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			var in types.ChatInbound
			if err := json.Unmarshal(data, &in); err != nil || in.Type != "chat" || in.Text == "" {
				continue
			}
			if !limiter.Allow() {
				d.Log.Debug("chat rate limited", zap.String("user", userID))
				continue
			}
			d.Bc.Publish(lobbyRoom, broadcast.Event{
				Type: broadcast.EventChatMessage,
				Data: types.ChatPayload{
					UserID: userID,
					Name:   member.DisplayName,
					Text:   in.Text,
					SentAt: time.Now(),
				},
			})
		}
	}
}

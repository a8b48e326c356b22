package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/puzzleden/escape-lobby-backend/internal/auth"
)

// SetupRoutes builds the router with the hub and coordinator injected.
// events is the websocket subscription endpoint.
func SetupRoutes(h *Handler, events http.HandlerFunc, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(h.Log))
	r.Use(auth.Middleware)

	r.Get("/healthz", Healthz)

	r.Route("/teams/{teamID}/puzzles/{puzzleID}", func(r chi.Router) {
		r.Get("/lobby", h.GetLobby)
		r.Post("/lobby/actions", h.LobbyAction)
		r.Delete("/lobby", h.DeleteLobby)
		r.Post("/session/actions", h.SessionAction)
		r.Get("/events", events)
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type", auth.UserHeader, auth.SecretHeader},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("took", time.Since(start)))
		})
	}
}

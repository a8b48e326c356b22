// Package auth extracts caller identity and guards the trust boundary with
// the external real-time process. Authentication itself happens upstream; the
// gateway forwards the verified user id in a header.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
)

const (
	UserHeader   = "X-User-Id"
	SecretHeader = "X-Coordinator-Secret"
)

type ctxKey int

const userKey ctxKey = 0

// Middleware places the forwarded user id, when present, on the request
// context. Handlers decide whether identity is required; serverAbort is
// authenticated by the shared secret instead.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(UserHeader); id != "" {
			r = r.WithContext(context.WithValue(r.Context(), userKey, id))
		}
		next.ServeHTTP(w, r)
	})
}

// UserID returns the authenticated caller, if any.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey).(string)
	return id, ok && id != ""
}

// VerifySecret compares the request's coordinator secret against the
// configured one in constant time. An empty configured secret disables the
// trusted path entirely.
func VerifySecret(r *http.Request, secret string) bool {
	if secret == "" {
		return false
	}
	got := r.Header.Get(SecretHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

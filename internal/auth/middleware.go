// Package auth guards the MCP endpoint with a static bearer token.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

const bearerPrefix = "Bearer "

// NewAuthMiddleware returns middleware requiring
//
//	Authorization: Bearer <token>
//
// on every request. The prefix is case-sensitive and followed by exactly one
// space. An empty token disables the check. Rejected requests get a 401 with
// a WWW-Authenticate challenge and are logged at warn with the remote address.
func NewAuthMiddleware(token string, log zerolog.Logger) func(http.Handler) http.Handler {
	log = log.With().Str("component", "auth").Logger()
	want := []byte(token)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !authorized(r.Header.Get("Authorization"), want) {
				log.Warn().
					Str("remote", r.RemoteAddr).
					Str("path", r.URL.Path).
					Msg("rejected request with missing or invalid bearer token")
				w.Header().Set("WWW-Authenticate", `Bearer realm="upsguard"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func authorized(header string, want []byte) bool {
	provided, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), want) == 1
}

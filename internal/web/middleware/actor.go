package middleware

import (
	"net/http"
	"strings"

	"github.com/JonMunkholm/opsbulk/internal/core"
)

// Actor stores the caller named by the X-User header in the request context.
// Jobs and schedules created during the request record it as their creator.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get("X-User"))
		if actor == "" {
			actor = "anonymous"
		}
		if len(actor) > 128 {
			actor = actor[:128]
		}
		next.ServeHTTP(w, r.WithContext(core.ContextWithActor(r.Context(), actor)))
	})
}

package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// UserHeader carries the caller id set by the upstream auth gateway.
const UserHeader = "X-User-ID"

const maxUserIDLen = 128

type userKey struct{}

// Identity copies the gateway-asserted user id into the request context.
// A malformed id is rejected; a missing one is left for handlers to decide.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(UserHeader))
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(id) > maxUserIDLen || strings.ContainsAny(id, " \t\r\n") {
			writeJSONError(w, http.StatusBadRequest, "invalid "+UserHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
	})
}

// WithUserID returns ctx carrying id.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userKey{}, id)
}

// UserID returns the caller id from ctx, or "".
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

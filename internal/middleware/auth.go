package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"unicode"
)

type contextKey string

const callerIDKey contextKey = "callerID"

// CallerIDFromContext retrieves the caller id set by InternalAuth from the
// request context. The reasoning core has no authentication layer of its
// own — this
// is the identity an upstream proxy already validated. The reason handler
// logs it; it is not compared with Conversation.OwnerID, and the
// /api/reason rate limiter keys on conversationId, not on the caller.
func CallerIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(callerIDKey).(string)
	return id
}

// WithCallerID returns a new context with the given caller id set. Useful
// for tests that exercise handlers without going through InternalAuth.
func WithCallerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callerIDKey, id)
}

// InternalAuth returns middleware that trusts an upstream proxy's identity
// assertion: it requires a shared-secret header (X-Internal-Auth) matching
// secret, plus a caller id (X-Caller-ID) forwarded by that proxy. A missing
// or non-matching secret receives a 401 JSON response; a missing caller id,
// or one longer than 256 bytes or not printable ASCII, receives a 400.
func InternalAuth(secret string) func(http.Handler) http.Handler {
	secretBytes := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Internal-Auth")
			callerID := strings.TrimSpace(r.Header.Get("X-Caller-ID"))

			if len(secretBytes) == 0 || token == "" || subtle.ConstantTimeCompare([]byte(token), secretBytes) != 1 {
				respondError(w, http.StatusUnauthorized, "invalid internal auth token")
				return
			}
			if callerID == "" || len(callerID) > 256 || !isPrintableASCII(callerID) {
				respondError(w, http.StatusBadRequest, "invalid caller ID")
				return
			}

			ctx := context.WithValue(r.Context(), callerIDKey, callerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// isPrintableASCII checks that every rune is a printable ASCII character.
func isPrintableASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

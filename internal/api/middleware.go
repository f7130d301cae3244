package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/proctorhub/backend/internal/auth"
	"github.com/proctorhub/backend/internal/core"
)

type ctxKey int

const claimsKey ctxKey = iota

// bearerToken extracts the credential from the Authorization header, or
// from the token query parameter for websocket upgrades, where browser
// clients cannot set headers.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// authenticate verifies the bearer credential and stashes the verified
// claims on the request context.
func (s *Server) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, r, core.Fail(core.KindCredentialInvalid, "missing bearer credential"))
			return
		}
		claims, err := s.verifier.Verify(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	}
}

// claimsFrom returns the claims authenticate stored. Handlers are only
// reachable through authenticate, so the value is always present.
func claimsFrom(r *http.Request) *auth.Claims {
	return r.Context().Value(claimsKey).(*auth.Claims)
}

// withDeadline bounds the handler with a per-request timeout.
func withDeadline(d time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}

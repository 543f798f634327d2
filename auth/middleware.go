package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hazyhaar/ppah/kit"
)

type claimsKey struct{}

// Middleware extracts a report token from the Authorization Bearer header.
// If valid, the claims and the session ID are injected into the request
// context. Invalid or missing tokens are silently ignored; use
// RequireSession to enforce.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := bearer(r)
			if tokenStr == "" {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := ValidateToken(secret, tokenStr)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			ctx = kit.WithSessionID(ctx, claims.SessionID())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// GetClaims retrieves the ReportClaims from the context, or nil if absent.
func GetClaims(ctx context.Context) *ReportClaims {
	c, _ := ctx.Value(claimsKey{}).(*ReportClaims)
	return c
}

// RequireSession rejects requests whose token does not cover the session
// named by sessionID(r): 401 without a token, 403 for another session.
func RequireSession(sessionID func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r.Context())
			if claims == nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="ppah"`)
				deny(w, http.StatusUnauthorized, "missing or invalid report token")
				return
			}
			if claims.SessionID() != sessionID(r) {
				deny(w, http.StatusForbidden, "token does not cover this session")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

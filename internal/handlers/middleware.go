package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jjudge-oj/usermanagement/internal/token"
)

// TokenVerifier checks bearer tokens.
type TokenVerifier interface {
	Verify(tokenString string) (token.Verified, error)
}

// RequireAuth rejects requests without a valid bearer token and stores the
// verified principal in the request context.
func RequireAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			verified, err := verifier.Verify(tokenString)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), verified.Principal)))
		})
	}
}

// OptionalAuth attaches the principal when a valid bearer token is present.
// A present but invalid token is rejected.
func OptionalAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.TrimSpace(r.Header.Get("Authorization")) == "" {
				next.ServeHTTP(w, r)
				return
			}
			RequireAuth(verifier)(next).ServeHTTP(w, r)
		})
	}
}

// RequireRole allows only principals holding role. It must run after
// RequireAuth.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !principal.HasRole(role) {
				writeError(w, http.StatusForbidden, "not permitted")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", errors.New("missing authorization")
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization")
	}
	value := strings.TrimSpace(parts[1])
	if value == "" {
		return "", errors.New("invalid authorization")
	}
	return value, nil
}

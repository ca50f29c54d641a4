package middleware

import (
	"net/http"
	"strings"

	"tsxstudio/internal/pkg/errors"
	"tsxstudio/internal/pkg/logger"
)

// TokenVerifier resolves a bearer token to a user ID.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Auth resolves the caller from the Authorization header and stores the user
// ID in the request context. Requests without a valid token get a 401.
func Auth(log *logger.Logger, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				HandleError(w, r, log, errors.Unauthorized("missing bearer token"))
				return
			}

			userID, err := verifier.Verify(token)
			if err != nil {
				HandleError(w, r, log, errors.WrapWithCode(err, errors.CodeUnauthorized, "auth.verify", "invalid token"))
				return
			}

			ctx := logger.ContextWithUserID(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
// Browsers cannot set headers on websocket upgrades, so the "token" query
// parameter is accepted as a fallback.
func BearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(h, "Bearer ") {
		tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		return tok, tok != ""
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok, true
	}
	return "", false
}

// UserID returns the authenticated user or an unauthorized error.
func UserID(r *http.Request) (string, error) {
	userID, ok := logger.UserIDFromContext(r.Context())
	if !ok {
		return "", errors.Unauthorized("unauthenticated")
	}
	return userID, nil
}

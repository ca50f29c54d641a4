package middleware

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tsxstudio/internal/pkg/logger"
)

type staticVerifier map[string]string

func (v staticVerifier) Verify(token string) (string, error) {
	if userID, ok := v[token]; ok {
		return userID, nil
	}
	return "", fmt.Errorf("unknown token")
}

func TestAuth(t *testing.T) {
	var logBuf bytes.Buffer
	log := logger.New(logger.Config{Level: "debug", Format: "json", Output: &logBuf})

	handler := Auth(log, staticVerifier{"tok-1": "usr_1"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := UserID(r)
		if err != nil {
			t.Fatalf("expected user in context: %v", err)
		}
		w.Write([]byte(userID))
	}))

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/render", nil))

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "UNAUTHORIZED") {
			t.Errorf("expected UNAUTHORIZED envelope, got %s", rec.Body.String())
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/render", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/render", nil)
		req.Header.Set("Authorization", "Bearer tok-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK || rec.Body.String() != "usr_1" {
			t.Errorf("expected 200 usr_1, got %d %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("query token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/events?token=tok-1", nil))

		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}

func TestUserIDWithoutAuth(t *testing.T) {
	if _, err := UserID(httptest.NewRequest("GET", "/", nil)); err == nil {
		t.Error("expected error without authenticated user")
	}
}

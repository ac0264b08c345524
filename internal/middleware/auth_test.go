package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testSecret = "test-secret"

func TestAuthAcceptsBearerAndQueryToken(t *testing.T) {
	token, err := IssueToken(testSecret, "user-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	var got string
	h := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetUserID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/chat/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || got != "user-1" {
		t.Errorf("Expected 200 for user-1, got %d for %q", rec.Code, got)
	}

	got = ""
	req = httptest.NewRequest(http.MethodGet, "/ws/chat?token="+token, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got != "user-1" {
		t.Errorf("Expected query token to authenticate user-1, got %q", got)
	}
}

func TestAuthRejectsBadTokens(t *testing.T) {
	h := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be reached")
	}))

	expired, _ := IssueToken(testSecret, "user-1", -time.Minute)
	forged, _ := IssueToken("other-secret", "user-1", time.Hour)

	for _, header := range []string{"", "Bearer ", "Bearer " + expired, "Bearer " + forged, "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/api/chat/conversations", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401 for %q, got %d", header, rec.Code)
		}
	}
}

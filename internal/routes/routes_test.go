package routes

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/salmart/salmart-backend/internal/handlers"
	"github.com/salmart/salmart-backend/internal/middleware"
	"github.com/salmart/salmart-backend/internal/services"
)

const testSecret = "routes-test-secret"

func newTestRouter() http.Handler {
	store := services.NewMemoryMessageStore()
	hub := services.NewHub(nil)
	h := &handlers.ChatHandler{
		Chat:      services.NewChatService(store, services.NewDeliveryTracker(store, hub, hub), nil),
		Hub:       hub,
		JWTSecret: testSecret,
	}
	return NewRouter(h, Options{AllowedOrigins: []string{"http://localhost:3000"}})
}

func TestHealthIsPublic(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("Expected 200 OK, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestAPIRequiresToken(t *testing.T) {
	router := newTestRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat/conversations", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", rec.Code)
	}

	token, _ := middleware.IssueToken(testSecret, "buyer", time.Hour)
	req := httptest.NewRequest(http.MethodPost, "/api/chat/messages", strings.NewReader(`{"receiverId":"seller","text":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Errorf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/chat/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"counterpartyId":"seller"`) {
		t.Errorf("Expected conversation with seller, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/chat/messages", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	newTestRouter().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Expected allowed origin echoed, got %q", got)
	}
}

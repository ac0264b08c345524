package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/salmart/salmart-backend/internal/middleware"
	"github.com/salmart/salmart-backend/internal/models"
	"github.com/salmart/salmart-backend/internal/services"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const requestTimeout = 5 * time.Second

// ChatHandler serves the chat HTTP and WebSocket endpoints. Every route it serves
// sits behind middleware.Auth, except ChatWebSocket which authenticates itself.
type ChatHandler struct {
	Chat      *services.ChatService
	Hub       *services.Hub
	Limiter   *middleware.SendLimiter
	Uploader  services.Uploader
	JWTSecret string
}

// LoadChatHistoryResponse is returned when loading a conversation.
type LoadChatHistoryResponse struct {
	Success  bool             `json:"success"`
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// LoadChatHistory loads the conversation between the caller and another user.
// Query params: with (required, the other user's id), before (optional RFC3339
// timestamp for pagination), beforeId (optional id of the message at before, to
// page through messages sharing a timestamp) and limit (optional, default 50).
func (h *ChatHandler) LoadChatHistory(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	with := strings.TrimSpace(r.URL.Query().Get("with"))
	if with == "" {
		writeError(w, http.StatusBadRequest, "with is required")
		return
	}

	limit := services.DefaultHistoryLimit
	if lStr := r.URL.Query().Get("limit"); lStr != "" {
		if parsed, err := strconv.Atoi(lStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	var before *services.HistoryCursor
	if bStr := r.URL.Query().Get("before"); bStr != "" {
		t, err := time.Parse(time.RFC3339Nano, bStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be an RFC3339 timestamp")
			return
		}
		before = &services.HistoryCursor{Before: t}
		if idStr := r.URL.Query().Get("beforeId"); idStr != "" {
			id, err := primitive.ObjectIDFromHex(idStr)
			if err != nil {
				writeError(w, http.StatusBadRequest, "beforeId must be a message id")
				return
			}
			before.BeforeID = id
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	msgs, hasMore, err := h.Chat.History(ctx, userID, with, before, limit)
	if err != nil {
		writeServiceError(w, err, "failed to load messages")
		return
	}

	writeJSON(w, http.StatusOK, LoadChatHistoryResponse{
		Success:  true,
		Messages: msgs,
		HasMore:  hasMore,
	})
}

// SendMessage stores a message from the caller. The body is a message draft; the
// sender is always the authenticated user.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var draft models.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, "invalid message body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	saved, err := h.Chat.Send(ctx, userID, draft)
	if err != nil {
		writeServiceError(w, err, "failed to send message")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"message": saved,
	})
}

// MarkSeen marks messages addressed to the caller as seen.
func (h *ChatHandler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req models.MarkSeenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	updated, err := h.Chat.MarkSeen(ctx, userID, req)
	if err != nil {
		writeServiceError(w, err, "failed to mark messages seen")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"messageIds": updated,
	})
}

// ListConversations returns the caller's conversations, newest first.
func (h *ChatHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	convs, err := h.Chat.Conversations(ctx, userID)
	if err != nil {
		writeServiceError(w, err, "failed to load conversations")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"conversations": convs,
	})
}

// GetBargainSession returns the negotiation state for a product between the caller
// and another user. Checkout reads agreedPrice from here.
func (h *ChatHandler) GetBargainSession(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	with := strings.TrimSpace(r.URL.Query().Get("with"))
	productID := strings.TrimSpace(r.URL.Query().Get("productId"))
	if with == "" || productID == "" {
		writeError(w, http.StatusBadRequest, "with and productId are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	summary, err := h.Chat.Bargain(ctx, userID, with, productID)
	if err != nil {
		writeServiceError(w, err, "failed to load bargain")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"bargain": summary,
	})
}

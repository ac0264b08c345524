package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/salmart/salmart-backend/internal/bargain"
	"github.com/salmart/salmart-backend/internal/middleware"
	"github.com/salmart/salmart-backend/internal/models"
	"github.com/salmart/salmart-backend/internal/services"
	"golang.org/x/time/rate"
)

const (
	wsReadLimit    = 64 * 1024
	wsIdleTimeout  = 90 * time.Second
	wsSendRate     = 5
	wsSendBurst    = 10
	wsEventTimeout = 5 * time.Second
)

var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS for WebSocket is handled at the HTTP layer already, and every
		// connection is bound to a verified token.
		return true
	},
}

// ChatWebSocket handles real-time chat over WebSocket. The token comes from the
// Authorization header or, for browsers, the token query parameter. The
// connection receives events once it has joined its own room.
func (h *ChatHandler) ChatWebSocket(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := middleware.ParseToken(h.JWTSecret, token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := chatUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(appData string) error {
		return conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := h.Hub.Register(userID, conn)
	defer h.Hub.Leave(ctx, c)
	go c.WritePump()

	limiter := rate.NewLimiter(wsSendRate, wsSendBurst)

	for {
		evt, err := c.ReadEvent()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: read error for %s: %v", userID, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))

		h.handleEvent(ctx, c, limiter, evt)
	}
}

// handleEvent runs one client event to completion before the next is read, so a
// connection's sends are stored in the order it made them.
func (h *ChatHandler) handleEvent(ctx context.Context, c *services.Connection, limiter *rate.Limiter, evt models.Event) {
	ctx, cancel := context.WithTimeout(ctx, wsEventTimeout)
	defer cancel()

	switch evt.Name {
	case models.EventJoinRoom:
		var p models.JoinRoomPayload
		if err := evt.Decode(&p); err != nil {
			reply(c, models.EventJoinError, models.ErrorPayload{Message: "invalid joinRoom payload"})
			return
		}
		if p.UserID == "" {
			p.UserID = c.UserID
		}
		if err := h.Hub.JoinRoom(ctx, c, p.UserID); err != nil {
			reply(c, models.EventJoinError, models.ErrorPayload{Message: err.Error()})
			return
		}
		reply(c, models.EventJoined, models.JoinRoomPayload{UserID: p.UserID})

	case models.EventSendMessage:
		var draft models.Message
		if err := evt.Decode(&draft); err != nil {
			reply(c, models.EventMessageError, models.ErrorPayload{Message: "invalid message payload"})
			return
		}
		if !limiter.Allow() {
			reply(c, models.EventMessageError, models.ErrorPayload{Message: "You are sending messages too quickly.", ClientTempID: draft.ClientTempID})
			return
		}
		if ok, _ := h.Limiter.Allow(ctx, c.UserID); !ok {
			reply(c, models.EventMessageError, models.ErrorPayload{Message: "You are sending messages too quickly.", ClientTempID: draft.ClientTempID})
			return
		}

		saved, err := h.Chat.Send(ctx, c.UserID, draft)
		if err != nil {
			name := models.EventMessageError
			var terr *bargain.TransitionError
			if errors.As(err, &terr) {
				name = models.EventOfferError
			}
			if !models.IsValidation(err) && !models.IsAuthorization(err) && terr == nil {
				log.Printf("ws: send failed for %s: %v", c.UserID, err)
				err = errors.New("failed to send message")
			}
			reply(c, name, models.ErrorPayload{Message: err.Error(), ClientTempID: draft.ClientTempID})
			return
		}
		if !c.Joined() {
			// the room broadcast did not include this connection
			reply(c, models.EventMessageSynced, saved)
		}

	case models.EventMarkSeen:
		var req models.MarkSeenRequest
		if err := evt.Decode(&req); err != nil {
			reply(c, models.EventMarkSeenError, models.ErrorPayload{Message: "invalid markSeen payload"})
			return
		}
		if _, err := h.Chat.MarkSeen(ctx, c.UserID, req); err != nil {
			if !models.IsValidation(err) && !models.IsAuthorization(err) {
				log.Printf("ws: markSeen failed for %s: %v", c.UserID, err)
				err = errors.New("failed to mark messages seen")
			}
			reply(c, models.EventMarkSeenError, models.ErrorPayload{Message: err.Error()})
		}

	case models.EventPing:
		h.Hub.Touch(ctx, c)
		reply(c, models.EventPong, nil)

	default:
		// Ignore unknown types
	}
}

func reply(c *services.Connection, name string, data any) {
	evt, err := models.NewEvent(name, data)
	if err != nil {
		log.Printf("ws: encode %s failed: %v", name, err)
		return
	}
	c.Send(evt)
}

package services

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/salmart/salmart-backend/internal/models"
)

const (
	sendBufferSize      = 64
	userChannelPrefix   = "chat:user:"
	userChannelPattern  = "chat:user:*"
	maxSubscribeBackoff = 30 * time.Second
)

// ChatConn is the minimal interface our WebSocket implementation must satisfy.
type ChatConn interface {
	WriteJSON(v interface{}) error
	ReadJSON(dest interface{}) error
	Close() error
}

// Publisher pushes an event to every connection subscribed to a user room.
// A room with no subscriber yields a *models.DeliveryError.
type Publisher interface {
	Publish(ctx context.Context, room string, evt models.Event) error
}

// Connection is one WebSocket client. UserID is the identity verified at the
// handshake; the connection may only join that user's room.
type Connection struct {
	ID     string
	UserID string

	conn      ChatConn
	send      chan models.Event
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	joined bool
}

// Send queues an event for the writer. A client too slow to drain its buffer is
// disconnected; it reloads history on reconnect.
func (c *Connection) Send(evt models.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- evt:
		return true
	default:
		log.Printf("chat: send buffer full for connection %s (user %s), closing", c.ID, c.UserID)
		go c.Close()
		return false
	}
}

// WritePump is the only goroutine that writes to the socket, which keeps the order
// of events per connection.
func (c *Connection) WritePump() {
	for {
		select {
		case <-c.done:
			return
		case evt := <-c.send:
			if err := c.conn.WriteJSON(evt); err != nil {
				log.Printf("error writing chat event to websocket: %v", err)
				c.Close()
				return
			}
		}
	}
}

// ReadEvent blocks for the next client frame.
func (c *Connection) ReadEvent() (models.Event, error) {
	var evt models.Event
	err := c.conn.ReadJSON(&evt)
	return evt, err
}

func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Joined reports whether the connection has joined its room.
func (c *Connection) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Hub is the registry of local connections, grouped by user room.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]*Connection
	presence PresenceRegistry
}

// NewHub builds a hub. presence may be nil on a single instance.
func NewHub(presence PresenceRegistry) *Hub {
	return &Hub{
		rooms:    make(map[string]map[string]*Connection),
		presence: presence,
	}
}

// Register wraps an authenticated socket. The connection receives nothing until it
// joins its room.
func (h *Hub) Register(userID string, conn ChatConn) *Connection {
	return &Connection{
		ID:     uuid.NewString(),
		UserID: userID,
		conn:   conn,
		send:   make(chan models.Event, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// JoinRoom subscribes c to room. Joining a room other than the verified identity's
// is rejected; joining twice is a no-op.
func (h *Hub) JoinRoom(ctx context.Context, c *Connection, room string) error {
	if room != c.UserID {
		return &models.AuthorizationError{Action: "joinRoom", Caller: c.UserID, Target: room}
	}

	c.mu.Lock()
	already := c.joined
	c.joined = true
	c.mu.Unlock()

	if !already {
		h.mu.Lock()
		conns, ok := h.rooms[room]
		if !ok {
			conns = make(map[string]*Connection)
			h.rooms[room] = conns
		}
		conns[c.ID] = c
		h.mu.Unlock()
	}

	h.Touch(ctx, c)
	return nil
}

// Touch refreshes the shared presence record of a joined connection.
func (h *Hub) Touch(ctx context.Context, c *Connection) {
	if h.presence == nil || !c.Joined() {
		return
	}
	if err := h.presence.Touch(ctx, c.UserID, c.ID); err != nil {
		log.Printf("chat: presence touch failed for %s: %v", c.UserID, err)
	}
}

// Leave removes c from its room and closes it.
func (h *Hub) Leave(ctx context.Context, c *Connection) {
	h.mu.Lock()
	if conns, ok := h.rooms[c.UserID]; ok {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(h.rooms, c.UserID)
		}
	}
	h.mu.Unlock()

	if h.presence != nil && c.Joined() {
		if err := h.presence.Drop(ctx, c.UserID, c.ID); err != nil {
			log.Printf("chat: presence drop failed for %s: %v", c.UserID, err)
		}
	}
	c.Close()
}

// IsOnline reports whether the user has a joined connection here or on any instance
// sharing the presence registry.
func (h *Hub) IsOnline(ctx context.Context, userID string) bool {
	if h.LocalCount(userID) > 0 {
		return true
	}
	if h.presence == nil {
		return false
	}
	online, err := h.presence.IsOnline(ctx, userID)
	if err != nil {
		log.Printf("chat: presence lookup failed for %s: %v", userID, err)
		return false
	}
	return online
}

// LocalCount returns the number of joined connections for userID on this instance.
func (h *Hub) LocalCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

// Publish delivers evt to the local connections of room.
func (h *Hub) Publish(ctx context.Context, room string, evt models.Event) error {
	if h.deliver(room, evt) == 0 {
		return &models.DeliveryError{Room: room, Event: evt.Name}
	}
	return nil
}

func (h *Hub) deliver(room string, evt models.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, c := range h.rooms[room] {
		if c.Send(evt) {
			n++
		}
	}
	return n
}

// RedisPublisher fans events out through Redis so every instance delivers to its own
// connections of the room.
type RedisPublisher struct {
	rdb *redis.Client
	hub *Hub
}

func NewRedisPublisher(rdb *redis.Client, hub *Hub) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, hub: hub}
}

type roomEvent struct {
	Room  string       `json:"room"`
	Event models.Event `json:"event"`
}

func (p *RedisPublisher) Publish(ctx context.Context, room string, evt models.Event) error {
	if !p.hub.IsOnline(ctx, room) {
		return &models.DeliveryError{Room: room, Event: evt.Name}
	}
	data, err := json.Marshal(roomEvent{Room: room, Event: evt})
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, userChannelPrefix+room, data).Err()
}

// RunSubscriber relays Redis room events to local connections until ctx is done.
func (p *RedisPublisher) RunSubscriber(ctx context.Context) {
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		func() {
			pubsub := p.rdb.PSubscribe(ctx, userChannelPattern)
			defer pubsub.Close()

			log.Printf("✅ Chat Redis subscriber started (pattern: %s)", userChannelPattern)

			for {
				msg, err := pubsub.ReceiveMessage(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Printf("Redis subscriber error: %v", err)
					time.Sleep(backoff)
					backoff *= 2
					if backoff > maxSubscribeBackoff {
						backoff = maxSubscribeBackoff
					}
					return
				}

				backoff = time.Second

				var re roomEvent
				if err := json.Unmarshal([]byte(msg.Payload), &re); err != nil {
					log.Printf("failed to unmarshal chat event: %v", err)
					continue
				}
				p.hub.deliver(re.Room, re.Event)
			}
		}()
	}
}

package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/salmart/salmart-backend/internal/models"
)

const (
	DefaultHistoryAttempts = 3
	DefaultRetryDelay      = time.Second
	DefaultPingInterval    = 25 * time.Second
	historyPageSize        = 200
)

// ErrNotConnected is returned by socket operations before Connect succeeds.
var ErrNotConnected = errors.New("chatclient: not connected")

// NetworkError is returned when the server could not be reached after every retry.
// The caller still gets whatever the cache holds.
type NetworkError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a non-2xx answer from the API.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Config describes how to reach the chat server.
type Config struct {
	// BaseURL is the http(s) root of the API; the socket URL is derived from it.
	BaseURL string
	Token   string
	UserID  string

	HTTPClient      *http.Client
	Store           LocalStore
	HistoryAttempts int
	RetryDelay      time.Duration
	SendWindow      time.Duration
	PingInterval    time.Duration
}

// Handlers are called from the Run goroutine, one event at a time.
type Handlers struct {
	OnNewMessage func(models.Message)
	OnSynced     func(models.Message)
	OnSeen       func(models.StatusChangePayload)
	OnDelivered  func(models.StatusChangePayload)
	OnBadge      func(models.BadgeUpdatePayload)
	// OnError receives server-reported failures (messageError, offerError,
	// markSeenError, joinError) and sends that timed out locally.
	OnError func(kind, detail string)
}

// Client keeps a local cache of conversations in step with the server.
type Client struct {
	cfg      Config
	handlers Handlers
	cache    *Cache
	outbox   *Outbox
	http     *http.Client
	now      func() time.Time

	mu   sync.Mutex
	conn *websocket.Conn
	// writeMu serializes socket writes; gorilla allows one writer at a time.
	writeMu sync.Mutex
}

func New(cfg Config, h Handlers) *Client {
	if cfg.HistoryAttempts <= 0 {
		cfg.HistoryAttempts = DefaultHistoryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:      cfg,
		handlers: h,
		cache:    NewCache(cfg.Store),
		outbox:   NewOutbox(cfg.SendWindow),
		http:     httpClient,
		now:      time.Now,
	}
}

// Cache exposes the local mirror for rendering.
func (c *Client) Cache() *Cache { return c.cache }

// LoadHistory fetches the conversation with otherID and reconciles the cache with
// it. On repeated failure it returns the cached copy with a *NetworkError.
func (c *Client) LoadHistory(ctx context.Context, otherID string) ([]Entry, error) {
	key := Key(c.cfg.UserID, otherID)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.HistoryAttempts; attempt++ {
		msgs, err := c.fetchHistory(ctx, otherID)
		if err == nil {
			failed := c.cache.Reconcile(key, msgs, c.now(), c.outbox.window)
			for _, e := range failed {
				c.outbox.Confirm(e.ClientTempID)
				c.reportError(models.EventMessageError, "message "+e.ClientTempID+" was not delivered")
			}
			return c.cache.Messages(key), nil
		}
		lastErr = err
		log.Printf("chatclient: history attempt %d/%d with %s failed: %v", attempt, c.cfg.HistoryAttempts, otherID, err)

		if attempt == c.cfg.HistoryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return c.cache.Messages(key), &NetworkError{Op: "load history", Attempts: attempt, Err: ctx.Err()}
		case <-time.After(c.cfg.RetryDelay):
		}
	}
	return c.cache.Messages(key), &NetworkError{Op: "load history", Attempts: c.cfg.HistoryAttempts, Err: lastErr}
}

// fetchHistory walks the conversation backwards one page at a time, keyed by the
// (createdAt, id) of the oldest message seen, until the server reports no more.
// Reconcile treats the result as authoritative, so it must be the whole history.
func (c *Client) fetchHistory(ctx context.Context, otherID string) ([]models.Message, error) {
	var all []models.Message
	var oldest *models.Message
	for {
		q := url.Values{}
		q.Set("with", otherID)
		q.Set("limit", fmt.Sprint(historyPageSize))
		if oldest != nil {
			q.Set("before", oldest.CreatedAt.UTC().Format(time.RFC3339Nano))
			q.Set("beforeId", oldest.ID.Hex())
		}

		var resp struct {
			Messages []models.Message `json:"messages"`
			HasMore  bool             `json:"has_more"`
		}
		if err := c.do(ctx, http.MethodGet, "/api/chat/history?"+q.Encode(), nil, &resp); err != nil {
			return nil, err
		}
		if len(resp.Messages) == 0 {
			return all, nil
		}
		first := resp.Messages[0]
		if oldest != nil && first.ID == oldest.ID {
			return nil, fmt.Errorf("history cursor did not advance past %s", first.ID.Hex())
		}
		all = append(append([]models.Message(nil), resp.Messages...), all...)
		if !resp.HasMore {
			return all, nil
		}
		oldest = &first
	}
}

// Send echoes draft into the cache as pending and ships it over the socket, or
// over HTTP when no socket is open. The returned entry carries the temp id the
// server will echo back.
func (c *Client) Send(ctx context.Context, draft models.Message) (Entry, error) {
	draft.SenderID = c.cfg.UserID
	if err := draft.Validate(); err != nil {
		return Entry{}, err
	}
	now := c.now()
	if draft.ClientTempID == "" {
		draft.ClientTempID = c.outbox.NewTempID(now)
	}
	key := Key(draft.SenderID, draft.ReceiverID)
	e := c.cache.AddPending(key, draft, now)
	c.outbox.Track(key, e)

	return e, c.ship(ctx, key, e.Message)
}

// Retry resends a failed entry under its original temp id.
func (c *Client) Retry(ctx context.Context, otherID, tempID string) error {
	key := Key(c.cfg.UserID, otherID)
	var found *Entry
	for _, e := range c.cache.Messages(key) {
		if e.Local() && e.ClientTempID == tempID {
			e := e
			found = &e
			break
		}
	}
	if found == nil {
		return fmt.Errorf("no local message %s", tempID)
	}
	now := c.now()
	c.cache.MarkPending(key, tempID, now)
	found.State = StatePending
	found.QueuedAt = now
	c.outbox.Track(key, *found)
	return c.ship(ctx, key, found.Message)
}

func (c *Client) ship(ctx context.Context, key string, msg models.Message) error {
	err := c.emit(models.EventSendMessage, msg)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotConnected) {
		log.Printf("chatclient: socket send failed, falling back to HTTP: %v", err)
	}

	var resp struct {
		Message models.Message `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/chat/messages", msg, &resp); err != nil {
		c.outbox.Confirm(msg.ClientTempID)
		c.cache.MarkFailed(key, msg.ClientTempID)
		return err
	}
	c.outbox.Confirm(msg.ClientTempID)
	c.cache.Merge(key, resp.Message)
	return nil
}

// MarkSeen marks messages from otherID as seen, locally first.
func (c *Client) MarkSeen(ctx context.Context, otherID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	c.cache.ApplyStatus(Key(c.cfg.UserID, otherID), ids, models.MessageStatusSeen)

	req := models.MarkSeenRequest{MessageIDs: ids, ReceiverID: c.cfg.UserID}
	err := c.emit(models.EventMarkSeen, req)
	if errors.Is(err, ErrNotConnected) {
		return c.do(ctx, http.MethodPost, "/api/chat/seen", req, nil)
	}
	return err
}

// ExpirePending fails every send that outlived the window and reports each one.
func (c *Client) ExpirePending() int {
	expired := c.outbox.Expired(c.now())
	for tempID, key := range expired {
		if c.cache.MarkFailed(key, tempID) {
			c.reportError(models.EventMessageError, "message "+tempID+" was not delivered")
		}
	}
	return len(expired)
}

// Connect opens the socket and joins the caller's own room. It returns once the
// server has acknowledged the join.
func (c *Client) Connect(ctx context.Context) error {
	wsURL, err := c.socketURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return &NetworkError{Op: "connect", Attempts: 1, Err: err}
	}

	join, err := models.NewEvent(models.EventJoinRoom, models.JoinRoomPayload{UserID: c.cfg.UserID})
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return &NetworkError{Op: "join", Attempts: 1, Err: err}
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	for {
		var evt models.Event
		if err := conn.ReadJSON(&evt); err != nil {
			conn.Close()
			return &NetworkError{Op: "join", Attempts: 1, Err: err}
		}
		switch evt.Name {
		case models.EventJoined:
			_ = conn.SetReadDeadline(time.Time{})
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			return nil
		case models.EventJoinError:
			var p models.ErrorPayload
			_ = evt.Decode(&p)
			conn.Close()
			return &ServerError{Status: http.StatusForbidden, Message: p.Message}
		}
	}
}

// Run reads events until the socket closes or ctx is done, keeping presence alive
// with pings. Reconnecting is the caller's job: Connect again, then LoadHistory
// for open conversations to pick up what was missed.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := c.emit(models.EventPing, nil); err != nil {
					return
				}
			}
		}
	}()
	defer c.disconnect(conn)

	for {
		var evt models.Event
		if err := conn.ReadJSON(&evt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.handle(evt)
	}
}

// Close drops the socket. Run returns shortly after.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Client) disconnect(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) handle(evt models.Event) {
	switch evt.Name {
	case models.EventNewMessage, models.EventMessageSynced:
		var m models.Message
		if err := evt.Decode(&m); err != nil {
			log.Printf("chatclient: bad %s payload: %v", evt.Name, err)
			return
		}
		c.cache.Merge(Key(m.SenderID, m.ReceiverID), m)
		if evt.Name == models.EventMessageSynced {
			c.outbox.Confirm(m.ClientTempID)
			if c.handlers.OnSynced != nil {
				c.handlers.OnSynced(m)
			}
		} else if c.handlers.OnNewMessage != nil {
			c.handlers.OnNewMessage(m)
		}

	case models.EventMessagesSeen, models.EventMessagesDelivered:
		var p models.StatusChangePayload
		if err := evt.Decode(&p); err != nil {
			log.Printf("chatclient: bad %s payload: %v", evt.Name, err)
			return
		}
		c.cache.ApplyStatus(Key(c.cfg.UserID, p.ReceiverID), p.MessageIDs, p.Status)
		if evt.Name == models.EventMessagesSeen && c.handlers.OnSeen != nil {
			c.handlers.OnSeen(p)
		}
		if evt.Name == models.EventMessagesDelivered && c.handlers.OnDelivered != nil {
			c.handlers.OnDelivered(p)
		}

	case models.EventBadgeUpdate:
		var p models.BadgeUpdatePayload
		if err := evt.Decode(&p); err == nil && c.handlers.OnBadge != nil {
			c.handlers.OnBadge(p)
		}

	case models.EventMessageError, models.EventOfferError, models.EventMarkSeenError, models.EventJoinError:
		var p models.ErrorPayload
		_ = evt.Decode(&p)
		if p.ClientTempID != "" {
			if key, _, ok := c.outbox.Lookup(p.ClientTempID); ok {
				c.outbox.Confirm(p.ClientTempID)
				c.cache.MarkFailed(key, p.ClientTempID)
			}
		}
		c.reportError(evt.Name, p.Message)
	}
}

func (c *Client) reportError(kind, detail string) {
	if c.handlers.OnError != nil {
		c.handlers.OnError(kind, detail)
	}
}

func (c *Client) emit(name string, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	evt, err := models.NewEvent(name, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(evt)
}

func (c *Client) socketURL() (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/chat"
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, dest interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &ServerError{Status: resp.StatusCode, Message: e.Message}
	}
	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

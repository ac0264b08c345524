package chatclient

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultSendWindow is how long a send may stay unconfirmed before it is failed.
const DefaultSendWindow = 30 * time.Second

type outboxItem struct {
	key      string
	queuedAt time.Time
	msg      Entry
}

// Outbox hands out temp ids for optimistic sends and remembers them until the
// server confirms or the window runs out.
type Outbox struct {
	mu      sync.Mutex
	window  time.Duration
	entropy io.Reader
	items   map[string]outboxItem
}

func NewOutbox(window time.Duration) *Outbox {
	if window <= 0 {
		window = DefaultSendWindow
	}
	return &Outbox{
		window:  window,
		entropy: ulid.Monotonic(rand.Reader, 0),
		items:   make(map[string]outboxItem),
	}
}

// NewTempID returns a ULID, so temp ids sort by creation time.
func (o *Outbox) NewTempID(now time.Time) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), o.entropy).String()
}

// Track starts the window for a pending entry.
func (o *Outbox) Track(key string, e Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[e.ClientTempID] = outboxItem{key: key, queuedAt: e.QueuedAt, msg: e}
}

// Confirm forgets a temp id once the server has echoed it.
func (o *Outbox) Confirm(tempID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.items[tempID]; !ok {
		return false
	}
	delete(o.items, tempID)
	return true
}

// Lookup returns the conversation key and entry of a tracked send.
func (o *Outbox) Lookup(tempID string) (string, Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[tempID]
	return item.key, item.msg, ok
}

// Expired removes and returns every send older than the window, keyed by temp id.
func (o *Outbox) Expired(now time.Time) map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string)
	for id, item := range o.items {
		if now.Sub(item.queuedAt) > o.window {
			out[id] = item.key
			delete(o.items, id)
		}
	}
	return out
}

// Pending reports how many sends are awaiting confirmation.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

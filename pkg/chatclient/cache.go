// Package chatclient is the client side of the marketplace chat: a local mirror of
// each conversation, an outbox for optimistic sends, and a connection that keeps
// both in step with the server.
package chatclient

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/salmart/salmart-backend/internal/models"
)

// SendState tracks a message through the client's outbox.
type SendState string

const (
	StateSynced  SendState = "synced"
	StatePending SendState = "pending"
	StateFailed  SendState = "failed"
)

// Entry is one cached message. Pending and failed entries have no server id yet and
// are matched back to the server copy by ClientTempID.
type Entry struct {
	models.Message
	State    SendState `json:"state"`
	QueuedAt time.Time `json:"queuedAt,omitempty"`
}

// Local reports whether the server has not confirmed the entry.
func (e *Entry) Local() bool {
	return e.ID.IsZero()
}

// Cache mirrors conversations locally so they render before the network answers.
// Every mutation is written through to the LocalStore.
type Cache struct {
	mu    sync.Mutex
	store LocalStore
	convs map[string][]Entry
	flags map[string]bool
}

func NewCache(store LocalStore) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Cache{
		store: store,
		convs: make(map[string][]Entry),
	}
}

// Key returns the cache key of the conversation between two users.
func Key(userA, userB string) string {
	return models.ConversationKey(userA, userB)
}

// Messages returns a copy of the cached conversation.
func (c *Cache) Messages(key string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.load(key)...)
}

// Merge folds server messages into the conversation. A message already present by
// id only advances its status; a message echoing a local send replaces it.
// Merging the same message twice leaves the list unchanged.
func (c *Cache) Merge(key string, incoming ...models.Message) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.load(key)
	for _, m := range incoming {
		entries = mergeOne(entries, m)
	}
	sortEntries(entries)
	c.save(key, entries)
	return append([]Entry(nil), entries...)
}

func mergeOne(entries []Entry, m models.Message) []Entry {
	for i := range entries {
		e := &entries[i]
		if !m.ID.IsZero() && e.ID == m.ID {
			if e.Status.Advances(m.Status) {
				e.Status = m.Status
			}
			if m.BargainStatus != "" {
				e.BargainStatus = m.BargainStatus
			}
			return entries
		}
	}
	if m.ClientTempID != "" {
		for i := range entries {
			e := &entries[i]
			if e.Local() && e.ClientTempID == m.ClientTempID {
				*e = Entry{Message: m, State: StateSynced}
				return entries
			}
		}
	}
	return append(entries, Entry{Message: m, State: StateSynced})
}

// AddPending records an optimistic send. msg must carry a ClientTempID.
func (c *Cache) AddPending(key string, msg models.Message, at time.Time) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = at.UTC()
	}
	if msg.Status == "" {
		msg.Status = models.MessageStatusSent
	}
	e := Entry{Message: msg, State: StatePending, QueuedAt: at}
	entries := append(c.load(key), e)
	sortEntries(entries)
	c.save(key, entries)
	return e
}

// Reconcile replaces the conversation with an authoritative history. Local entries
// the server echoed are dropped; the rest stay, and pending ones older than window
// turn failed and are returned.
func (c *Cache) Reconcile(key string, server []models.Message, now time.Time, window time.Duration) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.load(key)
	known := make(map[string]models.DeliveryStatus, len(old))
	for _, e := range old {
		if !e.Local() {
			known[e.ID.Hex()] = e.Status
		}
	}

	echoed := make(map[string]bool)
	entries := make([]Entry, 0, len(server)+2)
	for _, m := range server {
		if status, ok := known[m.ID.Hex()]; ok && m.Status.Advances(status) {
			m.Status = status
		}
		if m.ClientTempID != "" {
			echoed[m.ClientTempID] = true
		}
		entries = append(entries, Entry{Message: m, State: StateSynced})
	}

	var failed []Entry
	for _, e := range old {
		if !e.Local() || echoed[e.ClientTempID] {
			continue
		}
		if e.State == StatePending && now.Sub(e.QueuedAt) > window {
			e.State = StateFailed
			failed = append(failed, e)
		}
		entries = append(entries, e)
	}

	sortEntries(entries)
	c.save(key, entries)
	return failed
}

// MarkFailed flags a local send as failed. It reports whether the entry was found.
func (c *Cache) MarkFailed(key, tempID string) bool {
	return c.setLocalState(key, tempID, StateFailed)
}

// MarkPending puts a failed send back in flight for a retry.
func (c *Cache) MarkPending(key, tempID string, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.load(key)
	for i := range entries {
		if entries[i].Local() && entries[i].ClientTempID == tempID {
			entries[i].State = StatePending
			entries[i].QueuedAt = at
			c.save(key, entries)
			return true
		}
	}
	return false
}

func (c *Cache) setLocalState(key, tempID string, state SendState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.load(key)
	for i := range entries {
		if entries[i].Local() && entries[i].ClientTempID == tempID {
			entries[i].State = state
			c.save(key, entries)
			return true
		}
	}
	return false
}

// ApplyStatus advances the listed messages to status. Messages already at or past
// it are left alone, so repeated seen events change nothing.
func (c *Cache) ApplyStatus(key string, ids []string, status models.DeliveryStatus) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	entries := c.load(key)
	changed := 0
	for i := range entries {
		e := &entries[i]
		if e.Local() || !want[e.ID.Hex()] || !e.Status.Advances(status) {
			continue
		}
		e.Status = status
		changed++
	}
	if changed > 0 {
		c.save(key, entries)
	}
	return changed
}

// PreviewSent reports whether me already sent the product context message for
// productID in this conversation. The answer is derived once from history and then
// kept as a flag.
func (c *Cache) PreviewSent(key, productID, me string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	flag := previewFlag(key, productID, me)
	if c.loadFlags()[flag] {
		return true
	}
	for _, e := range c.load(key) {
		if e.SenderID == me && !e.Kind.IsNegotiation() && previewProduct(e.Text) == productID {
			c.setFlag(flag)
			return true
		}
	}
	return false
}

// MarkPreviewSent records that me sent the product context message.
func (c *Cache) MarkPreviewSent(key, productID, me string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadFlags()
	c.setFlag(previewFlag(key, productID, me))
}

// previewFlag is per sender: both sides of a conversation may share one store.
func previewFlag(key, productID, me string) string {
	return "preview:" + key + ":" + productID + ":" + me
}

// previewProduct returns the productId of a structured context message, or "".
func previewProduct(text string) string {
	var fields map[string]any
	if json.Unmarshal([]byte(text), &fields) != nil {
		return ""
	}
	id, _ := fields["productId"].(string)
	return id
}

func (c *Cache) load(key string) []Entry {
	if entries, ok := c.convs[key]; ok {
		return entries
	}
	entries, err := c.store.LoadConversation(key)
	if err != nil {
		log.Printf("chatclient: load %s from local store: %v", key, err)
	}
	c.convs[key] = entries
	return entries
}

func (c *Cache) save(key string, entries []Entry) {
	c.convs[key] = entries
	if err := c.store.SaveConversation(key, entries); err != nil {
		log.Printf("chatclient: save %s to local store: %v", key, err)
	}
}

func (c *Cache) loadFlags() map[string]bool {
	if c.flags != nil {
		return c.flags
	}
	flags, err := c.store.LoadFlags()
	if err != nil {
		log.Printf("chatclient: load flags: %v", err)
	}
	if flags == nil {
		flags = make(map[string]bool)
	}
	c.flags = flags
	return flags
}

func (c *Cache) setFlag(flag string) {
	c.flags[flag] = true
	if err := c.store.SetFlag(flag); err != nil {
		log.Printf("chatclient: save flag %s: %v", flag, err)
	}
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.Hex() < b.ID.Hex()
	})
}

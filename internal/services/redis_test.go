package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/salmart/salmart-backend/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisPresenceExpiresStaleConnections(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	p := NewRedisPresence(rdb, time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	if online, err := p.IsOnline(ctx, "alice"); err != nil || online {
		t.Fatalf("Expected alice offline before any touch, got %v/%v", online, err)
	}
	if err := p.Touch(ctx, "alice", "conn-1"); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if online, _ := p.IsOnline(ctx, "alice"); !online {
		t.Error("Expected alice online after touch")
	}

	now = now.Add(2 * time.Minute)
	if online, _ := p.IsOnline(ctx, "alice"); online {
		t.Error("Expected alice offline once the touch expired")
	}

	p.Touch(ctx, "alice", "conn-1")
	p.Touch(ctx, "alice", "conn-2")
	if err := p.Drop(ctx, "alice", "conn-1"); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	if online, _ := p.IsOnline(ctx, "alice"); !online {
		t.Error("Expected alice online while conn-2 is alive")
	}
	p.Drop(ctx, "alice", "conn-2")
	if online, _ := p.IsOnline(ctx, "alice"); online {
		t.Error("Expected alice offline after dropping every connection")
	}
}

func TestCachedStoreServesCacheUntilWrite(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	inner := NewMemoryMessageStore()
	store := NewCachedMessageStore(inner, NewCacheService(rdb), time.Minute)

	first, err := store.Append(ctx, &models.Message{SenderID: "a", ReceiverID: "b", Text: "one"})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if msgs, _ := store.ListBetween(ctx, "a", "b"); len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}

	// Behind the cache's back: the warmed copy is still served.
	inner.Append(ctx, &models.Message{SenderID: "b", ReceiverID: "a", Text: "two"})
	if msgs, _ := store.ListBetween(ctx, "b", "a"); len(msgs) != 1 {
		t.Errorf("Expected the cached history of 1, got %d", len(msgs))
	}

	store.Append(ctx, &models.Message{SenderID: "a", ReceiverID: "b", Text: "three"})
	msgs, _ := store.ListBetween(ctx, "a", "b")
	if len(msgs) != 3 {
		t.Fatalf("Expected 3 messages after a write through the cache, got %d", len(msgs))
	}

	if _, err := store.MarkSeen(ctx, []primitive.ObjectID{first.ID}, "b"); err != nil {
		t.Fatalf("MarkSeen failed: %v", err)
	}
	msgs, _ = store.ListBetween(ctx, "a", "b")
	if msgs[0].ID != first.ID || msgs[0].Status != models.MessageStatusSeen {
		t.Errorf("Expected the first message seen after invalidation, got %+v", msgs[0])
	}
}

func TestRedisPublisherRejectsOfflineRoom(t *testing.T) {
	rdb := newTestRedis(t)
	hub := NewHub(NewRedisPresence(rdb, time.Minute))
	pub := NewRedisPublisher(rdb, hub)

	evt, _ := models.NewEvent(models.EventNewMessage, map[string]string{"text": "hi"})
	err := pub.Publish(context.Background(), "bob", evt)
	if !errors.Is(err, models.ErrNoSubscriber) {
		t.Errorf("Expected ErrNoSubscriber for an offline room, got %v", err)
	}
}

func TestRedisPublisherDeliversAcrossInstances(t *testing.T) {
	rdb := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	presence := NewRedisPresence(rdb, time.Minute)
	home := NewHub(presence)
	away := NewHub(presence)
	go NewRedisPublisher(rdb, home).RunSubscriber(ctx)

	fc := newFakeConn()
	c := home.Register("bob", fc)
	if err := home.JoinRoom(ctx, c, "bob"); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	go c.WritePump()
	defer home.Leave(ctx, c)

	if !away.IsOnline(ctx, "bob") {
		t.Fatal("Expected bob online through shared presence")
	}

	// The subscriber may not be listening yet; publish until the event lands.
	pub := NewRedisPublisher(rdb, away)
	evt, _ := models.NewEvent(models.EventNewMessage, map[string]string{"text": "hi"})
	deadline := time.After(2 * time.Second)
	for delivered := false; !delivered; {
		if err := pub.Publish(ctx, "bob", evt); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		select {
		case <-fc.wrote:
			delivered = true
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("Timed out waiting for the relayed event")
		}
	}

	fc.mu.Lock()
	got := fc.written[0]
	fc.mu.Unlock()
	if got.Name != models.EventNewMessage {
		t.Errorf("Expected %s, got %s", models.EventNewMessage, got.Name)
	}
}

package chatclient

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/salmart/salmart-backend/internal/models"
)

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	store, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	key := Key("buyer", "seller")
	c := NewCache(store)
	m := serverMsg("seller", "buyer", "hello", time.Now().UTC().Truncate(time.Millisecond))
	c.Merge(key, m)
	c.AddPending(key, models.Message{SenderID: "buyer", ReceiverID: "seller", Text: "hi", ClientTempID: "tmp-1"}, time.Now())
	c.MarkPreviewSent(key, "p1", "buyer")
	store.Close()

	store, err = OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer store.Close()

	c = NewCache(store)
	got := c.Messages(key)
	if len(got) != 2 {
		t.Fatalf("Expected 2 entries after reopen, got %d", len(got))
	}
	if got[0].ID != m.ID || got[0].State != StateSynced {
		t.Errorf("Expected server message first, got %+v", got[0])
	}
	if got[1].ClientTempID != "tmp-1" || got[1].State != StatePending {
		t.Errorf("Expected pending local entry, got %+v", got[1])
	}
	if !c.PreviewSent(key, "p1", "buyer") {
		t.Error("Expected preview flag to persist")
	}
}

func TestSQLiteStoreOverwritesConversation(t *testing.T) {
	store, err := OpenSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	key := Key("a", "b")
	first := []Entry{{Message: serverMsg("a", "b", "one", time.Now()), State: StateSynced}}
	second := append(first, Entry{Message: serverMsg("b", "a", "two", time.Now()), State: StateSynced})

	if err := store.SaveConversation(key, first); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.SaveConversation(key, second); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}
	got, err := store.LoadConversation(key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Expected 2 entries, got %d", len(got))
	}

	if err := store.SetFlag("x"); err != nil {
		t.Fatalf("SetFlag failed: %v", err)
	}
	if err := store.SetFlag("x"); err != nil {
		t.Errorf("Expected repeated SetFlag to be a no-op, got %v", err)
	}

	missing, err := store.LoadConversation("nobody")
	if err != nil || len(missing) != 0 {
		t.Errorf("Expected empty conversation, got %v, %v", missing, err)
	}
}

package chatclient

import "sync"

// LocalStore persists the client cache across restarts.
type LocalStore interface {
	LoadConversation(key string) ([]Entry, error)
	SaveConversation(key string, entries []Entry) error
	LoadFlags() (map[string]bool, error)
	SetFlag(flag string) error
}

// MemoryStore keeps the cache for the life of the process only.
type MemoryStore struct {
	mu    sync.Mutex
	convs map[string][]Entry
	flags map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs: make(map[string][]Entry),
		flags: make(map[string]bool),
	}
}

func (s *MemoryStore) LoadConversation(key string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.convs[key]...), nil
}

func (s *MemoryStore) SaveConversation(key string, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[key] = append([]Entry(nil), entries...)
	return nil
}

func (s *MemoryStore) LoadFlags() (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.flags))
	for k, v := range s.flags {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) SetFlag(flag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[flag] = true
	return nil
}

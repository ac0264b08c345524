package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/salmart/salmart-backend/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	chatHistoryKeyPrefix = "chat:history:"
	chatGenKeyPrefix     = "chat:gen:"
	chatGenTTL           = 24 * time.Hour
	defaultHistoryTTL    = 5 * time.Minute
)

// CachedMessageStore caches conversation histories in Redis in front of another
// store. Every mutation bumps the conversation's generation counter, so a read that
// raced a write can only populate a key nobody will ask for again.
type CachedMessageStore struct {
	MessageStore
	cache *CacheService
	ttl   time.Duration
}

func NewCachedMessageStore(inner MessageStore, cache *CacheService, ttl time.Duration) *CachedMessageStore {
	if ttl <= 0 {
		ttl = defaultHistoryTTL
	}
	return &CachedMessageStore{MessageStore: inner, cache: cache, ttl: ttl}
}

func chatGenKey(userA, userB string) string {
	return chatGenKeyPrefix + models.ConversationKey(userA, userB)
}

func chatHistoryKey(userA, userB string, gen int64) string {
	return fmt.Sprintf("%s%s:v%d", chatHistoryKeyPrefix, models.ConversationKey(userA, userB), gen)
}

func (s *CachedMessageStore) ListBetween(ctx context.Context, userA, userB string) ([]models.Message, error) {
	if !s.cache.Enabled() {
		return s.MessageStore.ListBetween(ctx, userA, userB)
	}

	gen, err := s.cache.Counter(ctx, chatGenKey(userA, userB))
	if err != nil {
		log.Printf("chat_cache: generation lookup failed for %s: %v", models.ConversationKey(userA, userB), err)
		return s.MessageStore.ListBetween(ctx, userA, userB)
	}
	key := chatHistoryKey(userA, userB, gen)

	var msgs []models.Message
	if ok, _ := s.cache.Get(ctx, key, &msgs); ok {
		return msgs, nil
	}

	msgs, err = s.MessageStore.ListBetween(ctx, userA, userB)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, msgs, s.ttl); err != nil {
		log.Printf("chat_cache: warm failed for %s: %v", key, err)
	}
	return msgs, nil
}

func (s *CachedMessageStore) Append(ctx context.Context, msg *models.Message) (*models.Message, error) {
	m, err := s.MessageStore.Append(ctx, msg)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, [2]string{m.SenderID, m.ReceiverID})
	return m, nil
}

func (s *CachedMessageStore) MarkSeen(ctx context.Context, ids []primitive.ObjectID, receiverID string) ([]models.Message, error) {
	changed, err := s.MessageStore.MarkSeen(ctx, ids, receiverID)
	s.invalidate(ctx, pairsOf(changed)...)
	return changed, err
}

func (s *CachedMessageStore) MarkDelivered(ctx context.Context, ids []primitive.ObjectID, receiverID string) ([]models.Message, error) {
	changed, err := s.MessageStore.MarkDelivered(ctx, ids, receiverID)
	s.invalidate(ctx, pairsOf(changed)...)
	return changed, err
}

func (s *CachedMessageStore) SetBargainStatus(ctx context.Context, id primitive.ObjectID, status models.BargainStatus) (*models.Message, error) {
	m, err := s.MessageStore.SetBargainStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, [2]string{m.SenderID, m.ReceiverID})
	return m, nil
}

func (s *CachedMessageStore) invalidate(ctx context.Context, pairs ...[2]string) {
	if len(pairs) == 0 {
		return
	}
	keys := make([]string, 0, len(pairs))
	for _, p := range pairs {
		keys = append(keys, chatGenKey(p[0], p[1]))
	}
	if err := s.cache.Bump(ctx, chatGenTTL, keys...); err != nil {
		log.Printf("chat_cache: invalidate failed: %v", err)
	}
}

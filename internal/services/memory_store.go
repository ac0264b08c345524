package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/salmart/salmart-backend/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// MemoryMessageStore is an in-process MessageStore. It backs tests and local runs
// with MESSAGE_STORE=memory.
type MemoryMessageStore struct {
	mu   sync.RWMutex
	msgs []models.Message
	byID map[primitive.ObjectID]int
	now  func() time.Time
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		byID: make(map[primitive.ObjectID]int),
		now:  time.Now,
	}
}

func (s *MemoryMessageStore) Append(ctx context.Context, msg *models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := prepareAppend(msg, s.now())
	if err != nil {
		return nil, err
	}
	s.byID[m.ID] = len(s.msgs)
	s.msgs = append(s.msgs, m)
	return &m, nil
}

func (s *MemoryMessageStore) ListBetween(ctx context.Context, userA, userB string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Message, 0)
	for _, m := range s.msgs {
		if (m.SenderID == userA && m.ReceiverID == userB) || (m.SenderID == userB && m.ReceiverID == userA) {
			out = append(out, m)
		}
	}
	sortMessages(out)
	return out, nil
}

func (s *MemoryMessageStore) FindByClientTempID(ctx context.Context, senderID, tempID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if m := s.msgs[i]; m.SenderID == senderID && m.ClientTempID == tempID {
			return &m, nil
		}
	}
	return nil, nil
}

func (s *MemoryMessageStore) MarkSeen(ctx context.Context, ids []primitive.ObjectID, receiverID string) ([]models.Message, error) {
	return s.advance(ids, receiverID, models.MessageStatusSeen)
}

func (s *MemoryMessageStore) MarkDelivered(ctx context.Context, ids []primitive.ObjectID, receiverID string) ([]models.Message, error) {
	return s.advance(ids, receiverID, models.MessageStatusDelivered)
}

func (s *MemoryMessageStore) advance(ids []primitive.ObjectID, receiverID string, to models.DeliveryStatus) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := make([]models.Message, 0, len(ids))
	for _, id := range dedupeIDs(ids) {
		i, ok := s.byID[id]
		if !ok {
			continue
		}
		m := &s.msgs[i]
		if m.ReceiverID != receiverID || !m.Status.Advances(to) {
			continue
		}
		m.Status = to
		changed = append(changed, *m)
	}
	return changed, nil
}

func (s *MemoryMessageStore) SetBargainStatus(ctx context.Context, id primitive.ObjectID, status models.BargainStatus) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[id]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	s.msgs[i].BargainStatus = status
	m := s.msgs[i]
	return &m, nil
}

func (s *MemoryMessageStore) UnreadCount(ctx context.Context, receiverID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, m := range s.msgs {
		if m.ReceiverID == receiverID && m.Status != models.MessageStatusSeen {
			n++
		}
	}
	return n, nil
}

func (s *MemoryMessageStore) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mine := make([]models.Message, 0)
	for _, m := range s.msgs {
		if m.SenderID == userID || m.ReceiverID == userID {
			mine = append(mine, m)
		}
	}
	sortMessages(mine)

	byPeer := make(map[string]*models.ConversationSummary)
	for _, m := range mine {
		peer := m.Counterparty(userID)
		c, ok := byPeer[peer]
		if !ok {
			c = &models.ConversationSummary{CounterpartyID: peer}
			byPeer[peer] = c
		}
		c.LastMessage = m
		if m.ReceiverID == userID && m.Status != models.MessageStatusSeen {
			c.Unread++
		}
	}

	out := make([]models.ConversationSummary, 0, len(byPeer))
	for _, c := range byPeer {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessage, out[j].LastMessage
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID.Hex() > b.ID.Hex()
	})
	return out, nil
}

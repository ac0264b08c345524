package services

import (
	"context"
	"sort"
	"time"

	"github.com/salmart/salmart-backend/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MessageStore persists chat messages. Implementations must keep the status of a
// message monotonic: sent → delivered → seen, never backwards.
type MessageStore interface {
	// Append stores a validated draft, assigning id, createdAt and status sent.
	Append(ctx context.Context, msg *models.Message) (*models.Message, error)
	// ListBetween returns every message between two users in creation order.
	ListBetween(ctx context.Context, userA, userB string) ([]models.Message, error)
	// MarkSeen sets status seen on the given messages addressed to receiverID and
	// returns only the ones that actually changed.
	MarkSeen(ctx context.Context, ids []primitive.ObjectID, receiverID string) ([]models.Message, error)
	// MarkDelivered moves sent messages addressed to receiverID to delivered and
	// returns the ones that changed.
	MarkDelivered(ctx context.Context, ids []primitive.ObjectID, receiverID string) ([]models.Message, error)
	// SetBargainStatus updates the negotiation outcome recorded on an offer-kind message.
	SetBargainStatus(ctx context.Context, id primitive.ObjectID, status models.BargainStatus) (*models.Message, error)
	// UnreadCount counts messages addressed to receiverID that are not seen yet.
	UnreadCount(ctx context.Context, receiverID string) (int64, error)
	// ListConversations returns one summary per counterparty, most recent first.
	ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	// FindByClientTempID returns the message senderID stored under tempID, or nil.
	FindByClientTempID(ctx context.Context, senderID, tempID string) (*models.Message, error)
}

// prepareAppend validates a draft and returns the copy that will be stored.
func prepareAppend(msg *models.Message, now time.Time) (models.Message, error) {
	if err := msg.Validate(); err != nil {
		return models.Message{}, err
	}
	m := *msg
	m.ID = primitive.NewObjectIDFromTimestamp(now)
	// Millisecond precision matches what MongoDB keeps, so history cursors agree
	// across stores.
	m.CreatedAt = now.UTC().Truncate(time.Millisecond)
	m.Status = models.MessageStatusSent
	if m.Attachment != nil && !m.HasAttachment() {
		m.Attachment = nil
	}
	return m, nil
}

// ParseMessageIDs converts hex ids to ObjectIDs, dropping duplicates.
func ParseMessageIDs(ids []string) ([]primitive.ObjectID, error) {
	seen := make(map[primitive.ObjectID]bool, len(ids))
	out := make([]primitive.ObjectID, 0, len(ids))
	for _, raw := range ids {
		id, err := primitive.ObjectIDFromHex(raw)
		if err != nil {
			return nil, &models.ValidationError{Field: "messageIds", Reason: "invalid message id " + raw}
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

// sortMessages orders messages by createdAt, then id.
func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID.Hex() < msgs[j].ID.Hex()
	})
}

// HistoryCursor marks the oldest message a client already holds. Messages strictly
// before it in (createdAt, id) order form the next page. A zero ID makes the cursor
// time-only.
type HistoryCursor struct {
	Before   time.Time
	BeforeID primitive.ObjectID
}

// precedes reports whether m sorts before the cursor.
func (c *HistoryCursor) precedes(m *models.Message) bool {
	if !m.CreatedAt.Equal(c.Before) {
		return m.CreatedAt.Before(c.Before)
	}
	if c.BeforeID.IsZero() {
		return false
	}
	return m.ID.Hex() < c.BeforeID.Hex()
}

// pairsOf returns the distinct conversations touched by msgs.
func pairsOf(msgs []models.Message) [][2]string {
	seen := make(map[string]bool)
	var out [][2]string
	for _, m := range msgs {
		key := models.ConversationKey(m.SenderID, m.ReceiverID)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, [2]string{m.SenderID, m.ReceiverID})
	}
	return out
}

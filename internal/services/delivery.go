package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/salmart/salmart-backend/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// OnlineChecker answers whether a user currently has a live connection.
type OnlineChecker interface {
	IsOnline(ctx context.Context, userID string) bool
}

// DeliveryTracker moves messages along sent → delivered → seen and tells the
// affected rooms. Status changes are persisted before anything is published; a
// dropped event never rolls them back.
type DeliveryTracker struct {
	store  MessageStore
	online OnlineChecker
	pub    Publisher
	now    func() time.Time
}

func NewDeliveryTracker(store MessageStore, online OnlineChecker, pub Publisher) *DeliveryTracker {
	return &DeliveryTracker{store: store, online: online, pub: pub, now: time.Now}
}

// Dispatch announces a freshly stored message: the sender's tabs get messageSynced,
// the receiver gets newMessage and a badge update, and if the receiver is connected
// the message is marked delivered. It returns the latest version of the message.
func (t *DeliveryTracker) Dispatch(ctx context.Context, msg *models.Message) *models.Message {
	t.emit(ctx, msg.SenderID, models.EventMessageSynced, msg)
	t.emit(ctx, msg.ReceiverID, models.EventNewMessage, msg)
	t.badge(ctx, msg.ReceiverID, 1)

	if t.online == nil || !t.online.IsOnline(ctx, msg.ReceiverID) {
		return msg
	}
	changed, err := t.store.MarkDelivered(ctx, []primitive.ObjectID{msg.ID}, msg.ReceiverID)
	if err != nil {
		log.Printf("chat: mark delivered failed for %s: %v", msg.ID.Hex(), err)
		return msg
	}
	if len(changed) == 0 {
		return msg
	}
	t.statusChanged(ctx, msg.ReceiverID, changed, models.MessageStatusDelivered)
	return &changed[0]
}

// Resync repeats messageSynced to the sender for a message that was already stored,
// so a resend whose first acknowledgement was lost still settles the client.
func (t *DeliveryTracker) Resync(ctx context.Context, msg *models.Message) {
	t.emit(ctx, msg.SenderID, models.EventMessageSynced, msg)
}

// Seen announces messages a receiver just read. Only messages that changed status
// are passed in, so repeating a markSeen broadcasts nothing.
func (t *DeliveryTracker) Seen(ctx context.Context, receiverID string, changed []models.Message) {
	if len(changed) == 0 {
		return
	}
	t.statusChanged(ctx, receiverID, changed, models.MessageStatusSeen)
	t.badge(ctx, receiverID, -len(changed))
}

// statusChanged emits one event per sender, listing that sender's messages.
func (t *DeliveryTracker) statusChanged(ctx context.Context, receiverID string, changed []models.Message, status models.DeliveryStatus) {
	name := models.EventMessagesDelivered
	if status == models.MessageStatusSeen {
		name = models.EventMessagesSeen
	}

	bySender := make(map[string][]string)
	var order []string
	for _, m := range changed {
		if _, ok := bySender[m.SenderID]; !ok {
			order = append(order, m.SenderID)
		}
		bySender[m.SenderID] = append(bySender[m.SenderID], m.ID.Hex())
	}

	at := t.now().UTC()
	for _, sender := range order {
		t.emit(ctx, sender, name, models.StatusChangePayload{
			MessageIDs: bySender[sender],
			ReceiverID: receiverID,
			Status:     status,
			At:         at,
		})
	}
}

func (t *DeliveryTracker) badge(ctx context.Context, userID string, delta int) {
	unread, err := t.store.UnreadCount(ctx, userID)
	if err != nil {
		log.Printf("chat: unread count failed for %s: %v", userID, err)
		return
	}
	t.emit(ctx, userID, models.EventBadgeUpdate, models.BadgeUpdatePayload{
		UserID: userID,
		Unread: unread,
		Delta:  delta,
	})
}

func (t *DeliveryTracker) emit(ctx context.Context, room, name string, data any) {
	if t.pub == nil {
		return
	}
	evt, err := models.NewEvent(name, data)
	if err != nil {
		log.Printf("chat: encode %s failed: %v", name, err)
		return
	}
	err = t.pub.Publish(ctx, room, evt)
	if errors.Is(err, models.ErrNoSubscriber) {
		return
	}
	if err != nil {
		log.Printf("chat: publish %s to %s failed: %v", name, room, err)
	}
}

package models

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DeliveryStatus represents the delivery/read status of a message from the sender's
// point of view. Valid values: "sent", "delivered", "seen".
type DeliveryStatus string

const (
	MessageStatusSent      DeliveryStatus = "sent"
	MessageStatusDelivered DeliveryStatus = "delivered"
	MessageStatusSeen      DeliveryStatus = "seen"
)

func (s DeliveryStatus) rank() int {
	switch s {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusSeen:
		return 3
	}
	return 0
}

// Advances reports whether moving from s to next is a forward transition.
// Delivered is not a prerequisite for seen.
func (s DeliveryStatus) Advances(next DeliveryStatus) bool {
	return next.rank() > s.rank()
}

// BargainStatus is the negotiation outcome recorded on offer-kind messages.
// The empty value means "no bargain status".
type BargainStatus string

const (
	BargainPending  BargainStatus = "pending"
	BargainAccepted BargainStatus = "accepted"
	BargainDeclined BargainStatus = "declined"
)

// MessageKind tags what a message means to the chat and the negotiation thread.
type MessageKind string

const (
	KindText                 MessageKind = "text"
	KindImage                MessageKind = "image"
	KindFile                 MessageKind = "file"
	KindBargainStart         MessageKind = "bargain-start"
	KindEndBargain           MessageKind = "end-bargain"
	KindBuyerAccept          MessageKind = "buyerAccept"
	KindSellerAccept         MessageKind = "sellerAccept"
	KindSellerDecline        MessageKind = "sellerDecline"
	KindBuyerDeclineResponse MessageKind = "buyerDeclineResponse"
	KindOffer                MessageKind = "offer"
	KindCounterOffer         MessageKind = "counter-offer"
)

var knownKinds = map[MessageKind]bool{
	KindText: true, KindImage: true, KindFile: true,
	KindBargainStart: true, KindEndBargain: true,
	KindBuyerAccept: true, KindSellerAccept: true,
	KindSellerDecline: true, KindBuyerDeclineResponse: true,
	KindOffer: true, KindCounterOffer: true,
}

// Valid reports whether k belongs to the closed kind set.
func (k MessageKind) Valid() bool {
	return knownKinds[k]
}

// IsNegotiation reports whether messages of this kind carry a structured payload.
func (k MessageKind) IsNegotiation() bool {
	switch k {
	case "", KindText, KindImage, KindFile:
		return false
	}
	return knownKinds[k]
}

// IsOfferKind reports whether the kind puts a price on the table.
func (k MessageKind) IsOfferKind() bool {
	return k == KindBargainStart || k == KindOffer || k == KindCounterOffer
}

// Attachment is a single uploaded file referenced by URL.
type Attachment struct {
	URL string `bson:"url" json:"url"`
}

// Message is stored in MongoDB, one document per message, and is also the wire shape
// pushed to clients.
type Message struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SenderID      string             `bson:"sender_id" json:"senderId"`
	ReceiverID    string             `bson:"receiver_id" json:"receiverId"`
	Text          string             `bson:"text,omitempty" json:"text,omitempty"`
	Attachment    *Attachment        `bson:"attachment,omitempty" json:"attachment,omitempty"`
	Kind          MessageKind        `bson:"message_type" json:"messageType"`
	Status        DeliveryStatus     `bson:"status" json:"status"`
	ProposedPrice *float64           `bson:"proposed_price,omitempty" json:"proposedPrice,omitempty"`
	BargainStatus BargainStatus      `bson:"bargain_status,omitempty" json:"bargainStatus,omitempty"`
	CreatedAt     time.Time          `bson:"created_at" json:"createdAt"`
	// ClientTempID echoes the sender's optimistic id so its local copy can be replaced.
	ClientTempID string `bson:"client_temp_id,omitempty" json:"clientTempId,omitempty"`
}

// HasAttachment reports whether the message references a non-empty attachment URL.
func (m *Message) HasAttachment() bool {
	return m.Attachment != nil && strings.TrimSpace(m.Attachment.URL) != ""
}

// Validate enforces the construction rules of a message: both parties are known,
// the kind is in the closed set, and text or attachment is present.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.SenderID) == "" {
		return &ValidationError{Field: "senderId", Reason: "sender is required"}
	}
	if strings.TrimSpace(m.ReceiverID) == "" {
		return &ValidationError{Field: "receiverId", Reason: "receiver is required"}
	}
	if m.SenderID == m.ReceiverID {
		return &ValidationError{Field: "receiverId", Reason: "cannot message yourself"}
	}
	if m.Kind == "" {
		m.Kind = KindText
	}
	if !m.Kind.Valid() {
		return &ValidationError{Field: "messageType", Reason: "unknown message type " + string(m.Kind)}
	}
	if strings.TrimSpace(m.Text) == "" && !m.HasAttachment() {
		return &ValidationError{Field: "text", Reason: "message must have text or an attachment"}
	}
	return nil
}

// NewMessage builds a validated message draft. Status starts at sent.
func NewMessage(senderID, receiverID string, kind MessageKind, text string, attachmentURL string) (*Message, error) {
	m := &Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Kind:       kind,
		Text:       text,
		Status:     MessageStatusSent,
	}
	if strings.TrimSpace(attachmentURL) != "" {
		m.Attachment = &Attachment{URL: attachmentURL}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Counterparty returns the other participant of the message relative to userID.
func (m *Message) Counterparty(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// ConversationKey returns an order-independent key for the pair of users.
func ConversationKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// MarkSeenRequest is used when a receiver marks messages as seen.
type MarkSeenRequest struct {
	MessageIDs []string `json:"messageIds"`
	ReceiverID string   `json:"receiverId"`
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	CounterpartyID string       `json:"counterpartyId"`
	Counterparty   *UserProfile `json:"counterparty,omitempty"`
	LastMessage    Message      `json:"lastMessage"`
	Unread         int64        `json:"unread"`
}

// UserProfile holds the public profile fields the chat reads for display.
type UserProfile struct {
	ID             string `json:"id"`
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

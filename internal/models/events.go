package models

import (
	"encoding/json"
	"time"
)

// Event names, server → client.
const (
	EventNewMessage        = "newMessage"
	EventMessageSynced     = "messageSynced"
	EventMessagesSeen      = "messagesSeen"
	EventMessagesDelivered = "messagesDelivered"
	EventBadgeUpdate       = "badge-update"
	EventJoined            = "joined"
	EventPong              = "pong"
	EventMessageError      = "messageError"
	EventOfferError        = "offerError"
	EventMarkSeenError     = "markSeenError"
	EventJoinError         = "joinError"
)

// Event names, client → server.
const (
	EventJoinRoom    = "joinRoom"
	EventSendMessage = "sendMessage"
	EventMarkSeen    = "markSeen"
	EventPing        = "ping"
)

// Event is the envelope for every WebSocket frame in both directions.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals data into an event envelope.
func NewEvent(name string, data any) (Event, error) {
	if data == nil {
		return Event{Name: name}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: raw}, nil
}

// Decode unmarshals the event data into dest.
func (e Event) Decode(dest any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, dest)
}

// JoinRoomPayload asks to subscribe the connection to a user room.
type JoinRoomPayload struct {
	UserID string `json:"userId"`
}

// StatusChangePayload carries the ids of messages that reached a new status.
// It is used for both messagesSeen and messagesDelivered.
type StatusChangePayload struct {
	MessageIDs []string       `json:"messageIds"`
	ReceiverID string         `json:"receiverId"`
	Status     DeliveryStatus `json:"status"`
	At         time.Time      `json:"at"`
}

// BadgeUpdatePayload tells a user's UI how many messages are still unread.
type BadgeUpdatePayload struct {
	UserID string `json:"userId"`
	Unread int64  `json:"unread"`
	Delta  int    `json:"delta"`
}

// ErrorPayload is the data of messageError, offerError, markSeenError and joinError.
type ErrorPayload struct {
	Message      string `json:"message"`
	ClientTempID string `json:"clientTempId,omitempty"`
}

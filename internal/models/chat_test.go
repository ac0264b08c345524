package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewMessageRequiresTextOrAttachment(t *testing.T) {
	_, err := NewMessage("buyer", "seller", KindText, "   ", "")
	if err == nil {
		t.Fatal("Expected validation error for empty text and attachment")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected *ValidationError, got %T", err)
	}

	m, err := NewMessage("buyer", "seller", KindImage, "", "https://res.cloudinary.com/x.png")
	if err != nil {
		t.Fatalf("Expected attachment-only message to be valid, got %v", err)
	}
	if m.Status != MessageStatusSent {
		t.Errorf("Expected status sent, got %s", m.Status)
	}

	if _, err := NewMessage("buyer", "seller", KindText, "hello", ""); err != nil {
		t.Errorf("Expected text-only message to be valid, got %v", err)
	}
}

func TestValidateRejectsUnknownKindAndSelfMessage(t *testing.T) {
	if _, err := NewMessage("a", "b", MessageKind("haggle"), "hi", ""); !IsValidation(err) {
		t.Errorf("Expected validation error for unknown kind, got %v", err)
	}
	if _, err := NewMessage("a", "a", KindText, "hi", ""); !IsValidation(err) {
		t.Errorf("Expected validation error for self message, got %v", err)
	}
	m := &Message{SenderID: "a", ReceiverID: "b", Text: "hi"}
	if err := m.Validate(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if m.Kind != KindText {
		t.Errorf("Expected empty kind to default to text, got %s", m.Kind)
	}
}

func TestDeliveryStatusAdvances(t *testing.T) {
	if !MessageStatusSent.Advances(MessageStatusSeen) {
		t.Error("Expected sent -> seen to be a forward transition")
	}
	if !MessageStatusSent.Advances(MessageStatusDelivered) {
		t.Error("Expected sent -> delivered to be a forward transition")
	}
	if MessageStatusSeen.Advances(MessageStatusDelivered) {
		t.Error("Expected seen -> delivered to be rejected")
	}
	if MessageStatusSeen.Advances(MessageStatusSeen) {
		t.Error("Expected seen -> seen to be rejected")
	}
}

func TestNegotiationPayloadKeepsContext(t *testing.T) {
	text := `{"productId":"P1","price":5000,"productName":"Blender","image":"https://img/1.png"}`
	m := &Message{Kind: KindOffer, Text: text}

	p, err := ParseNegotiationPayload(m)
	if err != nil {
		t.Fatalf("Failed to parse payload: %v", err)
	}
	if p.ProductID != "P1" || p.Price != 5000 {
		t.Errorf("Expected P1/5000, got %s/%v", p.ProductID, p.Price)
	}
	if p.String("productName") != "Blender" {
		t.Errorf("Expected productName Blender, got %q", p.String("productName"))
	}

	encoded, err := EncodeNegotiationPayload(*p)
	if err != nil {
		t.Fatalf("Failed to encode payload: %v", err)
	}
	var got, want map[string]any
	json.Unmarshal([]byte(encoded), &got)
	json.Unmarshal([]byte(text), &want)
	if len(got) != len(want) {
		t.Fatalf("Expected %d keys after re-encoding, got %d (%s)", len(want), len(got), encoded)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Key %s: expected %v, got %v", k, v, got[k])
		}
	}
}

func TestParseNegotiationPayloadMalformed(t *testing.T) {
	cases := []string{
		"not-json",
		`{"price":100}`,
		`{"productId":"","price":100}`,
		`{"productId":"P1"}`,
		`{"productId":"P1","price":"abc"}`,
		`{"productId":"P1","price":-3}`,
		`[1,2,3]`,
		`null`,
	}
	for _, text := range cases {
		_, err := ParseNegotiationPayload(&Message{Kind: KindCounterOffer, Text: text})
		if !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("Expected ErrMalformedPayload for %q, got %v", text, err)
		}
	}

	p, err := ParseNegotiationPayload(&Message{Kind: KindOffer, Text: `{"productId":"P1","price":"4500"}`})
	if err != nil {
		t.Fatalf("Expected numeric string price to parse, got %v", err)
	}
	if p.Price != 4500 {
		t.Errorf("Expected price 4500, got %v", p.Price)
	}
}

func TestMessageJSONShape(t *testing.T) {
	price := 4500.0
	m := Message{
		SenderID:      "u1",
		ReceiverID:    "u2",
		Text:          `{"productId":"P1","price":4500}`,
		Kind:          KindCounterOffer,
		Status:        MessageStatusSent,
		ProposedPrice: &price,
		BargainStatus: BargainPending,
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var fields map[string]any
	json.Unmarshal(data, &fields)
	for _, key := range []string{"id", "senderId", "receiverId", "text", "messageType", "status", "proposedPrice", "bargainStatus", "createdAt"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("Expected key %q in %s", key, data)
		}
	}
	if _, ok := fields["attachment"]; ok {
		t.Errorf("Expected no attachment key, got %s", data)
	}
}

func TestConversationKeyIsOrderIndependent(t *testing.T) {
	if ConversationKey("a", "b") != ConversationKey("b", "a") {
		t.Error("Expected conversation key to ignore argument order")
	}
}

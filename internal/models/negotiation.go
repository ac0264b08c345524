package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strings"
)

// NegotiationPayload is the structured JSON carried in the text of negotiation-kind
// messages. Keys other than productId and price are kept in Extra so the payload
// round-trips without loss.
type NegotiationPayload struct {
	ProductID string
	Price     float64
	Extra     map[string]json.RawMessage
}

// String returns the payload's context value for key when it is a JSON string.
func (p *NegotiationPayload) String(key string) string {
	raw, ok := p.Extra[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func (p NegotiationPayload) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(p.Extra)+2)
	for k, v := range p.Extra {
		out[k] = v
	}
	id, err := json.Marshal(p.ProductID)
	if err != nil {
		return nil, err
	}
	price, err := json.Marshal(p.Price)
	if err != nil {
		return nil, err
	}
	out["productId"] = id
	out["price"] = price
	return json.Marshal(out)
}

func (p *NegotiationPayload) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return errors.New("payload is not an object")
	}

	rawID, ok := fields["productId"]
	if !ok {
		return errors.New("productId is missing")
	}
	var id string
	if err := json.Unmarshal(rawID, &id); err != nil {
		return errors.New("productId must be a string")
	}
	if strings.TrimSpace(id) == "" {
		return errors.New("productId is empty")
	}

	rawPrice, ok := fields["price"]
	if !ok {
		return errors.New("price is missing")
	}
	price, err := decodePrice(rawPrice)
	if err != nil {
		return err
	}

	delete(fields, "productId")
	delete(fields, "price")
	p.ProductID = id
	p.Price = price
	p.Extra = fields
	return nil
}

// decodePrice accepts a JSON number or a numeric string ("4500").
func decodePrice(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, errors.New("price must be numeric")
		}
		raw = json.RawMessage(strings.TrimSpace(s))
	}
	var price float64
	if err := json.Unmarshal(raw, &price); err != nil {
		return 0, errors.New("price must be numeric")
	}
	if price < 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, errors.New("price must be a non-negative number")
	}
	return price, nil
}

// ParseNegotiationPayload decodes the structured payload of a negotiation message.
// Failures are reported as *MalformedPayloadError.
func ParseNegotiationPayload(m *Message) (*NegotiationPayload, error) {
	var id string
	if !m.ID.IsZero() {
		id = m.ID.Hex()
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return nil, &MalformedPayloadError{MessageID: id, Err: errors.New("empty payload")}
	}
	var p NegotiationPayload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return nil, &MalformedPayloadError{MessageID: id, Err: err}
	}
	return &p, nil
}

// EncodeNegotiationPayload serializes p for use as a message's text.
func EncodeNegotiationPayload(p NegotiationPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

package bargain

import (
	"log"

	"github.com/salmart/salmart-backend/internal/models"
)

// Result is the folded negotiation state of a message history.
type Result struct {
	// Sessions holds the current instance of every session, in order of first opening.
	Sessions []Session
	// Closed holds instances superseded by a reopening bargain-start.
	Closed []Session
	// Anomalies lists excluded messages with the reason they were excluded.
	Anomalies []Anomaly
	// Excluded is keyed by MessageKey.
	Excluded map[string]bool
	// OfferStatus is the bargain status of offer-kind and resolving messages, keyed by
	// MessageKey. An empty value means the offer was superseded.
	OfferStatus map[string]models.BargainStatus
}

// Fold applies msgs in order and returns the resulting sessions. msgs must be in
// creation order, as returned by the message store.
func Fold(msgs []models.Message, opts ...Option) Result {
	m := NewMachine(opts...)
	for _, msg := range msgs {
		if err := m.Apply(msg); err != nil {
			log.Printf("bargain: excluding %s message %s: %v", msg.Kind, MessageKey(&msg), err)
		}
	}
	return m.Result()
}

// Result snapshots the machine.
func (m *Machine) Result() Result {
	c := m.Clone()
	r := Result{
		Closed:      c.closed,
		Anomalies:   c.anomalies,
		Excluded:    c.excluded,
		OfferStatus: c.offerStatus,
	}
	for _, k := range c.order {
		r.Sessions = append(r.Sessions, *c.sessions[k])
	}
	return r
}

// Session returns the current instance for a product between two users.
func (r Result) Session(productID, userA, userB string) (Session, bool) {
	for _, s := range r.Sessions {
		if s.ProductID != productID {
			continue
		}
		if models.ConversationKey(s.BuyerID, s.SellerID) == models.ConversationKey(userA, userB) {
			return s, true
		}
	}
	return Session{ProductID: productID, State: Idle}, false
}

// Sets summarizes sessions from viewer's perspective, keyed by productID+":"+counterparty.
type Sets struct {
	Ended    map[string]bool
	Active   map[string]bool
	Accepted map[string]bool
}

// SetKey builds the key used by Sets.
func SetKey(productID, counterparty string) string {
	return productID + ":" + counterparty
}

// SetsFor groups the viewer's sessions into ended (ended or declined), active and
// accepted.
func (r Result) SetsFor(viewer string) Sets {
	sets := Sets{
		Ended:    make(map[string]bool),
		Active:   make(map[string]bool),
		Accepted: make(map[string]bool),
	}
	for i := range r.Sessions {
		s := &r.Sessions[i]
		if s.BuyerID != viewer && s.SellerID != viewer {
			continue
		}
		key := SetKey(s.ProductID, s.Counterparty(viewer))
		switch s.State {
		case Offered, Countered:
			sets.Active[key] = true
		case Accepted:
			sets.Accepted[key] = true
		case Declined, Ended:
			sets.Ended[key] = true
		}
	}
	return sets
}

// ViewItem is one renderable message of a conversation.
type ViewItem struct {
	Message models.Message `json:"message"`
	// Inert marks a negotiation message excluded from folding; it renders as plain text.
	Inert         bool                 `json:"inert,omitempty"`
	BargainStatus models.BargainStatus `json:"bargainStatus,omitempty"`
}

// View returns the messages viewer may render. A buyerAccept is shown only to its
// receiver, so a seller never sees the buyer's payment prompt.
func View(msgs []models.Message, viewer string, r Result) []ViewItem {
	items := make([]ViewItem, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Kind == models.KindBuyerAccept && msg.ReceiverID != viewer {
			continue
		}
		item := ViewItem{Message: msg}
		if msg.Kind.IsNegotiation() {
			key := MessageKey(&msg)
			item.Inert = r.Excluded[key]
			if status, ok := r.OfferStatus[key]; ok {
				item.BargainStatus = status
			}
		}
		items = append(items, item)
	}
	return items
}

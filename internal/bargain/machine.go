// Package bargain folds the negotiation messages of a conversation into per
// (buyer, seller, product) sessions and decides which negotiation steps are legal.
//
// The state is never stored. It is recomputed from the ordered message history, so
// it is safe to rebuild after any resync.
package bargain

import (
	"fmt"
	"time"

	"github.com/salmart/salmart-backend/internal/models"
)

// State is the lifecycle position of one bargain session.
type State string

const (
	Idle      State = "idle"
	Offered   State = "offered"
	Countered State = "countered"
	Accepted  State = "accepted"
	Declined  State = "declined"
	Ended     State = "ended"
)

// Open reports whether a price is on the table and awaiting a response.
func (s State) Open() bool {
	return s == Offered || s == Countered
}

// Terminal reports whether the session accepts no further offers.
func (s State) Terminal() bool {
	return s == Accepted || s == Declined || s == Ended
}

// Session is the folded state of one session instance.
type Session struct {
	ProductID string `json:"productId"`
	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`
	// Instance starts at 1 and increments each time a bargain-start reopens the
	// (buyer, seller, product) tuple after a decline or end.
	Instance    int    `json:"instance"`
	State       State  `json:"state"`
	LastOfferor string `json:"lastOfferor,omitempty"`
	LastOfferID string `json:"lastOfferId,omitempty"`
	// Price is the price carried by the last offer-kind message.
	Price float64 `json:"price"`
	// FrozenPrice is set when the session is accepted or declined.
	FrozenPrice *float64  `json:"frozenPrice,omitempty"`
	ResolvedBy  string    `json:"resolvedBy,omitempty"`
	OpenedAt    time.Time `json:"openedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Counterparty returns the other participant of the session relative to userID.
func (s *Session) Counterparty(userID string) string {
	if s.BuyerID == userID {
		return s.SellerID
	}
	return s.BuyerID
}

// TransitionError reports a negotiation step that is not legal in the current state.
type TransitionError struct {
	Kind   models.MessageKind
	State  State
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s: %s", e.Kind, e.State, e.Reason)
}

// Anomaly records a negotiation message excluded from folding.
type Anomaly struct {
	MessageID string
	Kind      models.MessageKind
	Err       error
}

// SellerResolver returns the seller of a product when the caller knows it.
type SellerResolver func(productID string) (sellerID string, ok bool)

// Option configures a Machine.
type Option func(*Machine)

// WithSellerResolver lets the machine assign roles from listing ownership instead of
// inferring them from who opened the session.
func WithSellerResolver(r SellerResolver) Option {
	return func(m *Machine) { m.resolver = r }
}

type sessionKey struct {
	productID string
	pair      string
}

// Machine applies negotiation messages in order. The zero value is not usable; use
// NewMachine.
type Machine struct {
	sessions    map[sessionKey]*Session
	order       []sessionKey
	closed      []Session
	anomalies   []Anomaly
	excluded    map[string]bool
	offerStatus map[string]models.BargainStatus
	resolver    SellerResolver
}

func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		sessions:    make(map[sessionKey]*Session),
		excluded:    make(map[string]bool),
		offerStatus: make(map[string]models.BargainStatus),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MessageKey identifies a message inside the fold: its id, or its client temp id for
// messages not yet stored.
func MessageKey(msg *models.Message) string {
	if !msg.ID.IsZero() {
		return msg.ID.Hex()
	}
	if msg.ClientTempID != "" {
		return "tmp:" + msg.ClientTempID
	}
	return ""
}

// Apply folds one message into the machine. Non-negotiation messages are ignored.
// A malformed or illegal message is recorded as an anomaly, excluded, and its error
// returned; the machine state is left unchanged.
func (m *Machine) Apply(msg models.Message) error {
	if !msg.Kind.IsNegotiation() {
		return nil
	}
	err := m.apply(&msg)
	if err != nil {
		key := MessageKey(&msg)
		if key != "" {
			m.excluded[key] = true
		}
		m.anomalies = append(m.anomalies, Anomaly{MessageID: key, Kind: msg.Kind, Err: err})
	}
	return err
}

// Check reports whether msg would be accepted, without changing the machine.
func (m *Machine) Check(msg models.Message) error {
	if !msg.Kind.IsNegotiation() {
		return nil
	}
	return m.Clone().apply(&msg)
}

// Clone returns an independent copy of the machine.
func (m *Machine) Clone() *Machine {
	c := &Machine{
		sessions:    make(map[sessionKey]*Session, len(m.sessions)),
		order:       append([]sessionKey(nil), m.order...),
		closed:      append([]Session(nil), m.closed...),
		anomalies:   append([]Anomaly(nil), m.anomalies...),
		excluded:    make(map[string]bool, len(m.excluded)),
		offerStatus: make(map[string]models.BargainStatus, len(m.offerStatus)),
		resolver:    m.resolver,
	}
	for k, s := range m.sessions {
		cp := *s
		c.sessions[k] = &cp
	}
	for k, v := range m.excluded {
		c.excluded[k] = v
	}
	for k, v := range m.offerStatus {
		c.offerStatus[k] = v
	}
	return c
}

// Session returns the current instance for a product between two users.
func (m *Machine) Session(productID, userA, userB string) (Session, bool) {
	s, ok := m.sessions[sessionKey{productID: productID, pair: models.ConversationKey(userA, userB)}]
	if !ok {
		return Session{ProductID: productID, State: Idle}, false
	}
	return *s, true
}

func (m *Machine) apply(msg *models.Message) error {
	p, err := models.ParseNegotiationPayload(msg)
	if err != nil {
		return err
	}

	key := sessionKey{productID: p.ProductID, pair: models.ConversationKey(msg.SenderID, msg.ReceiverID)}
	s := m.sessions[key]
	state := Idle
	if s != nil {
		state = s.State
	}
	illegal := func(reason string) error {
		return &TransitionError{Kind: msg.Kind, State: state, Reason: reason}
	}

	switch msg.Kind {
	case models.KindBargainStart:
		switch state {
		case Idle:
			m.open(key, msg, p, nil)
		case Declined, Ended:
			m.closed = append(m.closed, *s)
			m.open(key, msg, p, s)
		case Accepted:
			return illegal("end the accepted bargain before starting a new one")
		default:
			return illegal("a bargain is already in progress")
		}

	case models.KindOffer:
		switch {
		case state == Idle:
			m.open(key, msg, p, nil)
		case state.Open():
			if msg.SenderID != s.LastOfferor {
				s.State = Countered
			}
			m.putOnTable(s, msg, p)
		default:
			return illegal("start a new bargain to make an offer")
		}

	case models.KindCounterOffer:
		if !state.Open() {
			return illegal("there is no offer to counter")
		}
		if msg.SenderID == s.LastOfferor {
			return illegal("cannot counter your own offer")
		}
		s.State = Countered
		m.putOnTable(s, msg, p)

	case models.KindSellerAccept, models.KindBuyerAccept:
		if state == Accepted && msg.SenderID == s.ResolvedBy {
			// companion notice of an acceptance already recorded
			return nil
		}
		if !state.Open() {
			return illegal("there is no offer to accept")
		}
		if msg.SenderID == s.LastOfferor {
			return illegal("cannot accept your own offer")
		}
		m.resolve(s, msg, Accepted)

	case models.KindSellerDecline, models.KindBuyerDeclineResponse:
		if state == Declined && msg.SenderID == s.ResolvedBy {
			return nil
		}
		if !state.Open() {
			return illegal("there is no offer to decline")
		}
		if msg.SenderID == s.LastOfferor {
			return illegal("cannot decline your own offer")
		}
		m.resolve(s, msg, Declined)

	case models.KindEndBargain:
		switch state {
		case Idle:
			return illegal("there is no bargain to end")
		case Ended:
			return nil
		}
		if s.State.Open() && s.LastOfferID != "" {
			m.offerStatus[s.LastOfferID] = ""
		}
		s.State = Ended
		s.UpdatedAt = msg.CreatedAt
	}
	return nil
}

func (m *Machine) open(key sessionKey, msg *models.Message, p *models.NegotiationPayload, prev *Session) {
	s := &Session{
		ProductID: p.ProductID,
		Instance:  1,
		State:     Offered,
		OpenedAt:  msg.CreatedAt,
	}
	if prev != nil {
		s.Instance = prev.Instance + 1
		s.BuyerID, s.SellerID = prev.BuyerID, prev.SellerID
	} else {
		m.order = append(m.order, key)
	}
	if s.SellerID == "" {
		m.assignRoles(s, msg, p)
	}
	m.putOnTable(s, msg, p)
	m.sessions[key] = s
}

// assignRoles picks buyer and seller for a new session: explicit payload context
// first, then the resolver, then the opening kind (bargain-start is sent by the
// buyer, an opening offer by the seller).
func (m *Machine) assignRoles(s *Session, msg *models.Message, p *models.NegotiationPayload) {
	seller := p.String("sellerId")
	if seller == "" {
		if buyer := p.String("buyerId"); buyer == msg.SenderID || buyer == msg.ReceiverID {
			if buyer == msg.SenderID {
				seller = msg.ReceiverID
			} else {
				seller = msg.SenderID
			}
		}
	}
	if seller == "" && m.resolver != nil {
		if id, ok := m.resolver(p.ProductID); ok {
			seller = id
		}
	}
	if seller != msg.SenderID && seller != msg.ReceiverID {
		if msg.Kind == models.KindBargainStart {
			seller = msg.ReceiverID
		} else {
			seller = msg.SenderID
		}
	}
	s.SellerID = seller
	s.BuyerID = msg.Counterparty(seller)
}

func (m *Machine) putOnTable(s *Session, msg *models.Message, p *models.NegotiationPayload) {
	if s.LastOfferID != "" && m.offerStatus[s.LastOfferID] == models.BargainPending {
		m.offerStatus[s.LastOfferID] = ""
	}
	s.LastOfferor = msg.SenderID
	s.LastOfferID = MessageKey(msg)
	s.Price = p.Price
	s.UpdatedAt = msg.CreatedAt
	if s.LastOfferID != "" {
		m.offerStatus[s.LastOfferID] = models.BargainPending
	}
}

// resolve freezes the price of the last offer on the table. The price comes from the
// offer's payload, not from the accept or decline message.
func (m *Machine) resolve(s *Session, msg *models.Message, to State) {
	price := s.Price
	s.FrozenPrice = &price
	s.State = to
	s.ResolvedBy = msg.SenderID
	s.UpdatedAt = msg.CreatedAt

	status := models.BargainAccepted
	if to == Declined {
		status = models.BargainDeclined
	}
	if s.LastOfferID != "" {
		m.offerStatus[s.LastOfferID] = status
	}
	if key := MessageKey(msg); key != "" {
		m.offerStatus[key] = status
	}
}

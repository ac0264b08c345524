package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/salmart/salmart-backend/internal/bargain"
	"github.com/salmart/salmart-backend/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// ChatService is the write path of the chat: validation, negotiation legality,
// persistence and fan-out, in that order.
type ChatService struct {
	store   MessageStore
	tracker *DeliveryTracker
	users   UserDirectory
	locks   *keyedMutex
	opts    []bargain.Option
}

// NewChatService builds the service. users may be nil, in which case receivers are
// not checked and conversations are not enriched with profiles.
func NewChatService(store MessageStore, tracker *DeliveryTracker, users UserDirectory, opts ...bargain.Option) *ChatService {
	return &ChatService{
		store:   store,
		tracker: tracker,
		users:   users,
		locks:   newKeyedMutex(),
		opts:    opts,
	}
}

// Send stores a draft from callerID and announces it. A negotiation message that is
// illegal in the current session state is rejected with a *bargain.TransitionError
// and nothing is stored. A negotiation message whose payload does not parse is
// stored as plain history and excluded from bargaining.
func (s *ChatService) Send(ctx context.Context, callerID string, draft models.Message) (*models.Message, error) {
	if draft.SenderID == "" {
		draft.SenderID = callerID
	}
	if draft.SenderID != callerID {
		return nil, &models.AuthorizationError{Action: "sendMessage", Caller: callerID, Target: draft.SenderID}
	}
	draft.ID = primitive.NilObjectID
	draft.ProposedPrice = nil
	draft.BargainStatus = ""
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	if s.users != nil {
		ok, err := s.users.Exists(ctx, draft.ReceiverID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up receiver: %w", err)
		}
		if !ok {
			return nil, &models.ValidationError{Field: "receiverId", Reason: "receiver not found"}
		}
	}

	unlock := s.locks.Lock(models.ConversationKey(draft.SenderID, draft.ReceiverID))
	defer unlock()

	if draft.ClientTempID != "" {
		prior, err := s.store.FindByClientTempID(ctx, draft.SenderID, draft.ClientTempID)
		if err != nil {
			return nil, fmt.Errorf("failed to check for a resend: %w", err)
		}
		if prior != nil {
			s.tracker.Resync(ctx, prior)
			return prior, nil
		}
	}

	var updates []offerUpdate
	if draft.Kind.IsNegotiation() {
		var err error
		updates, err = s.prepareNegotiation(ctx, &draft)
		if err != nil {
			return nil, err
		}
	}

	stored, err := s.store.Append(ctx, &draft)
	if err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	for _, u := range updates {
		s.recordOutcome(ctx, u.offerID, u.status)
	}

	return s.tracker.Dispatch(ctx, stored), nil
}

// offerUpdate is a bargain status change on an earlier offer message.
type offerUpdate struct {
	offerID string
	status  models.BargainStatus
}

// recordOutcome writes a bargain status onto an earlier offer. The new message is
// already stored, so a failure here is logged and left for the fold to correct.
func (s *ChatService) recordOutcome(ctx context.Context, offerID string, status models.BargainStatus) {
	id, err := primitive.ObjectIDFromHex(offerID)
	if err != nil {
		log.Printf("chat: offer %q is not a stored message id", offerID)
		return
	}
	if _, err := s.store.SetBargainStatus(ctx, id, status); err != nil {
		log.Printf("chat: failed to set bargain status %q on %s: %v", status, offerID, err)
	}
}

// prepareNegotiation checks the draft against the folded history and fills in its
// price and bargain status. It returns the status changes the draft causes on
// earlier offers: superseded, accepted or declined.
func (s *ChatService) prepareNegotiation(ctx context.Context, draft *models.Message) ([]offerUpdate, error) {
	p, err := models.ParseNegotiationPayload(draft)
	if err != nil {
		log.Printf("chat: storing %s from %s without bargain effect: %v", draft.Kind, draft.SenderID, err)
		return nil, nil
	}

	history, err := s.store.ListBetween(ctx, draft.SenderID, draft.ReceiverID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	m := bargain.NewMachine(s.opts...)
	for _, msg := range history {
		m.Apply(msg)
	}
	before, _ := m.Session(p.ProductID, draft.SenderID, draft.ReceiverID)
	if err := m.Apply(*draft); err != nil {
		return nil, err
	}
	after, _ := m.Session(p.ProductID, draft.SenderID, draft.ReceiverID)

	var updates []offerUpdate
	if draft.Kind.IsOfferKind() {
		price := p.Price
		draft.ProposedPrice = &price
		draft.BargainStatus = models.BargainPending
		if before.State.Open() && before.LastOfferID != "" {
			updates = append(updates, offerUpdate{offerID: before.LastOfferID})
		}
		return updates, nil
	}

	if before.State == after.State || before.LastOfferID == "" {
		return nil, nil
	}
	switch after.State {
	case bargain.Accepted:
		draft.BargainStatus = models.BargainAccepted
	case bargain.Declined:
		draft.BargainStatus = models.BargainDeclined
	case bargain.Ended:
		if before.State.Open() {
			return []offerUpdate{{offerID: before.LastOfferID}}, nil
		}
		return nil, nil
	default:
		return nil, nil
	}
	if after.FrozenPrice != nil {
		price := *after.FrozenPrice
		draft.ProposedPrice = &price
	}
	return []offerUpdate{{offerID: before.LastOfferID, status: draft.BargainStatus}}, nil
}

// History returns the conversation between callerID and otherID in creation order,
// windowed to the limit most recent messages before the cursor.
func (s *ChatService) History(ctx context.Context, callerID, otherID string, before *HistoryCursor, limit int) ([]models.Message, bool, error) {
	if otherID == "" || otherID == callerID {
		return nil, false, &models.ValidationError{Field: "with", Reason: "a counterparty is required"}
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	msgs, err := s.store.ListBetween(ctx, callerID, otherID)
	if err != nil {
		return nil, false, err
	}
	end := len(msgs)
	if before != nil {
		for end > 0 && !before.precedes(&msgs[end-1]) {
			end--
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return msgs[start:end], start > 0, nil
}

// MarkSeen marks messages addressed to callerID as seen and returns the ids that
// changed. Marking on behalf of another receiver is an AuthorizationError.
func (s *ChatService) MarkSeen(ctx context.Context, callerID string, req models.MarkSeenRequest) ([]string, error) {
	if req.ReceiverID == "" {
		req.ReceiverID = callerID
	}
	if req.ReceiverID != callerID {
		return nil, &models.AuthorizationError{Action: "markSeen", Caller: callerID, Target: req.ReceiverID}
	}
	ids, err := ParseMessageIDs(req.MessageIDs)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []string{}, nil
	}

	changed, err := s.store.MarkSeen(ctx, ids, req.ReceiverID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark messages seen: %w", err)
	}
	s.tracker.Seen(ctx, req.ReceiverID, changed)

	out := make([]string, 0, len(changed))
	for _, m := range changed {
		out = append(out, m.ID.Hex())
	}
	return out, nil
}

// Conversations lists callerID's conversations, newest first.
func (s *ChatService) Conversations(ctx context.Context, callerID string) ([]models.ConversationSummary, error) {
	convs, err := s.store.ListConversations(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if s.users == nil || len(convs) == 0 {
		return convs, nil
	}

	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.CounterpartyID)
	}
	profiles, err := s.users.Profiles(ctx, ids)
	if err != nil {
		log.Printf("chat: profile lookup failed for %s: %v", callerID, err)
		return convs, nil
	}
	for i := range convs {
		if p, ok := profiles[convs[i].CounterpartyID]; ok {
			p := p
			convs[i].Counterparty = &p
		}
	}
	return convs, nil
}

// BargainSummary is the negotiation state of one product between two users.
type BargainSummary struct {
	Session bargain.Session `json:"session"`
	// Previous holds earlier, closed instances for the same product.
	Previous []bargain.Session `json:"previous,omitempty"`
	// AgreedPrice is set only while the session is accepted; it is the amount the
	// payment flow should charge.
	AgreedPrice *float64      `json:"agreedPrice,omitempty"`
	Sets        bargain.Sets  `json:"sets"`
	Anomalies   []AnomalyInfo `json:"anomalies,omitempty"`
}

// AnomalyInfo describes a negotiation message that was excluded from bargaining.
type AnomalyInfo struct {
	MessageID string             `json:"messageId"`
	Kind      models.MessageKind `json:"messageType"`
	Reason    string             `json:"reason"`
}

// ErrNoBargain is returned when no session exists for the product.
var ErrNoBargain = errors.New("no bargain for this product")

// Bargain folds the conversation between callerID and otherID and returns the
// session for productID.
func (s *ChatService) Bargain(ctx context.Context, callerID, otherID, productID string) (*BargainSummary, error) {
	if otherID == "" || productID == "" {
		return nil, &models.ValidationError{Field: "productId", Reason: "counterparty and product are required"}
	}
	msgs, err := s.store.ListBetween(ctx, callerID, otherID)
	if err != nil {
		return nil, err
	}
	r := bargain.Fold(msgs, s.opts...)

	session, ok := r.Session(productID, callerID, otherID)
	if !ok {
		return nil, ErrNoBargain
	}
	summary := &BargainSummary{Session: session, Sets: r.SetsFor(callerID)}
	for _, c := range r.Closed {
		if c.ProductID == productID {
			summary.Previous = append(summary.Previous, c)
		}
	}
	if session.State == bargain.Accepted && session.FrozenPrice != nil {
		price := *session.FrozenPrice
		summary.AgreedPrice = &price
	}
	for _, a := range r.Anomalies {
		summary.Anomalies = append(summary.Anomalies, AnomalyInfo{
			MessageID: a.MessageID,
			Kind:      a.Kind,
			Reason:    a.Err.Error(),
		})
	}
	return summary, nil
}

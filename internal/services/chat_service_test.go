package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/salmart/salmart-backend/internal/bargain"
	"github.com/salmart/salmart-backend/internal/models"
)

type published struct {
	room string
	evt  models.Event
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(ctx context.Context, room string, evt models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{room: room, evt: evt})
	return nil
}

func (p *recordingPublisher) named(room, name string) []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Event
	for _, e := range p.events {
		if e.room == room && e.evt.Name == name {
			out = append(out, e.evt)
		}
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type staticOnline map[string]bool

func (o staticOnline) IsOnline(ctx context.Context, userID string) bool {
	return o[userID]
}

func newTestService(online staticOnline) (*ChatService, *MemoryMessageStore, *recordingPublisher) {
	store := NewMemoryMessageStore()
	pub := &recordingPublisher{}
	tracker := NewDeliveryTracker(store, online, pub)
	return NewChatService(store, tracker, nil), store, pub
}

func send(t *testing.T, svc *ChatService, from, to string, kind models.MessageKind, text string) *models.Message {
	t.Helper()
	m, err := svc.Send(context.Background(), from, models.Message{ReceiverID: to, Kind: kind, Text: text})
	if err != nil {
		t.Fatalf("Send %s from %s failed: %v", kind, from, err)
	}
	return m
}

func TestSendAcceptedCounterFreezesPrice(t *testing.T) {
	svc, store, _ := newTestService(nil)
	ctx := context.Background()

	start := send(t, svc, "buyer", "seller", models.KindBargainStart, `{"productId":"P1","price":5000}`)
	counter := send(t, svc, "seller", "buyer", models.KindCounterOffer, `{"productId":"P1","price":4500}`)
	accept := send(t, svc, "buyer", "seller", models.KindBuyerAccept, `{"productId":"P1","price":4500}`)

	if counter.ProposedPrice == nil || *counter.ProposedPrice != 4500 {
		t.Errorf("Expected counter proposed price 4500, got %v", counter.ProposedPrice)
	}
	if accept.BargainStatus != models.BargainAccepted {
		t.Errorf("Expected accept message status accepted, got %q", accept.BargainStatus)
	}

	msgs, _ := store.ListBetween(ctx, "buyer", "seller")
	byID := map[string]models.Message{}
	for _, m := range msgs {
		byID[m.ID.Hex()] = m
	}
	if got := byID[start.ID.Hex()].BargainStatus; got != "" {
		t.Errorf("Expected superseded opening offer to have no bargain status, got %q", got)
	}
	if got := byID[counter.ID.Hex()].BargainStatus; got != models.BargainAccepted {
		t.Errorf("Expected counter-offer to be accepted, got %q", got)
	}

	summary, err := svc.Bargain(ctx, "buyer", "seller", "P1")
	if err != nil {
		t.Fatalf("Bargain failed: %v", err)
	}
	if summary.Session.State != bargain.Accepted {
		t.Errorf("Expected accepted session, got %s", summary.Session.State)
	}
	if summary.AgreedPrice == nil || *summary.AgreedPrice != 4500 {
		t.Errorf("Expected agreed price 4500, got %v", summary.AgreedPrice)
	}
	if !summary.Sets.Accepted[bargain.SetKey("P1", "seller")] {
		t.Errorf("Expected P1 in buyer's accepted set, got %+v", summary.Sets)
	}
}

func TestSendRejectsIllegalNegotiationStep(t *testing.T) {
	svc, store, pub := newTestService(nil)
	ctx := context.Background()

	send(t, svc, "buyer", "seller", models.KindBargainStart, `{"productId":"P1","price":5000}`)
	before := pub.count()

	_, err := svc.Send(ctx, "buyer", models.Message{
		ReceiverID: "seller",
		Kind:       models.KindCounterOffer,
		Text:       `{"productId":"P1","price":4800}`,
	})
	var terr *bargain.TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("Expected *bargain.TransitionError, got %v", err)
	}

	msgs, _ := store.ListBetween(ctx, "buyer", "seller")
	if len(msgs) != 1 {
		t.Errorf("Expected rejected counter not to be stored, got %d messages", len(msgs))
	}
	if pub.count() != before {
		t.Errorf("Expected no events for a rejected step, got %d new", pub.count()-before)
	}
}

func TestSendMalformedNegotiationIsStoredInert(t *testing.T) {
	svc, store, _ := newTestService(nil)
	ctx := context.Background()

	m := send(t, svc, "buyer", "seller", models.KindOffer, "five thousand please")
	if m.BargainStatus != "" || m.ProposedPrice != nil {
		t.Errorf("Expected malformed offer to carry no bargain fields, got %q/%v", m.BargainStatus, m.ProposedPrice)
	}

	msgs, _ := store.ListBetween(ctx, "buyer", "seller")
	r := bargain.Fold(msgs)
	if len(r.Sessions) != 0 {
		t.Errorf("Expected no sessions from a malformed offer, got %d", len(r.Sessions))
	}
	view := bargain.View(msgs, "seller", r)
	if len(view) != 1 || !view[0].Inert {
		t.Errorf("Expected the malformed offer to render inert, got %+v", view)
	}
}

func TestSendValidationStoresNothing(t *testing.T) {
	svc, store, pub := newTestService(nil)
	ctx := context.Background()

	_, err := svc.Send(ctx, "buyer", models.Message{ReceiverID: "seller", Text: "   "})
	if !models.IsValidation(err) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	msgs, _ := store.ListBetween(ctx, "buyer", "seller")
	if len(msgs) != 0 {
		t.Errorf("Expected no stored messages, got %d", len(msgs))
	}
	if pub.count() != 0 {
		t.Errorf("Expected no events, got %d", pub.count())
	}

	_, err = svc.Send(ctx, "buyer", models.Message{SenderID: "seller", ReceiverID: "other", Text: "hi"})
	if !models.IsAuthorization(err) {
		t.Errorf("Expected authorization error when sending as someone else, got %v", err)
	}
}

func TestSendAnnouncesToBothRooms(t *testing.T) {
	svc, _, pub := newTestService(nil)

	m, err := svc.Send(context.Background(), "buyer", models.Message{
		ReceiverID:   "seller",
		Text:         "is this still available?",
		ClientTempID: "tmp-1",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if m.Status != models.MessageStatusSent {
		t.Errorf("Expected status sent for offline receiver, got %s", m.Status)
	}

	synced := pub.named("buyer", models.EventMessageSynced)
	if len(synced) != 1 {
		t.Fatalf("Expected 1 messageSynced to sender, got %d", len(synced))
	}
	var echoed models.Message
	if err := synced[0].Decode(&echoed); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if echoed.ClientTempID != "tmp-1" || echoed.ID != m.ID {
		t.Errorf("Expected synced echo with temp id and stored id, got %+v", echoed)
	}
	if len(pub.named("seller", models.EventNewMessage)) != 1 {
		t.Error("Expected newMessage in receiver room")
	}

	badges := pub.named("seller", models.EventBadgeUpdate)
	if len(badges) != 1 {
		t.Fatalf("Expected 1 badge-update, got %d", len(badges))
	}
	var badge models.BadgeUpdatePayload
	badges[0].Decode(&badge)
	if badge.Unread != 1 || badge.Delta != 1 {
		t.Errorf("Expected unread 1 delta 1, got %+v", badge)
	}
}

func TestSendMarksDeliveredWhenReceiverOnline(t *testing.T) {
	svc, _, pub := newTestService(staticOnline{"seller": true})

	m := send(t, svc, "buyer", "seller", models.KindText, "hello")
	if m.Status != models.MessageStatusDelivered {
		t.Errorf("Expected delivered, got %s", m.Status)
	}
	delivered := pub.named("buyer", models.EventMessagesDelivered)
	if len(delivered) != 1 {
		t.Fatalf("Expected 1 messagesDelivered to sender, got %d", len(delivered))
	}
	var payload models.StatusChangePayload
	delivered[0].Decode(&payload)
	if len(payload.MessageIDs) != 1 || payload.MessageIDs[0] != m.ID.Hex() {
		t.Errorf("Expected delivered ids [%s], got %v", m.ID.Hex(), payload.MessageIDs)
	}
}

func TestMarkSeenIsIdempotent(t *testing.T) {
	svc, store, pub := newTestService(nil)
	ctx := context.Background()

	a := send(t, svc, "buyer", "seller", models.KindText, "first")
	b := send(t, svc, "buyer", "seller", models.KindText, "second")
	req := models.MarkSeenRequest{MessageIDs: []string{a.ID.Hex(), b.ID.Hex()}, ReceiverID: "seller"}

	changed, err := svc.MarkSeen(ctx, "seller", req)
	if err != nil {
		t.Fatalf("MarkSeen failed: %v", err)
	}
	if len(changed) != 2 {
		t.Errorf("Expected 2 changed, got %d", len(changed))
	}
	if n := len(pub.named("buyer", models.EventMessagesSeen)); n != 1 {
		t.Errorf("Expected 1 messagesSeen event, got %d", n)
	}

	before := pub.count()
	changed, err = svc.MarkSeen(ctx, "seller", req)
	if err != nil {
		t.Fatalf("Second MarkSeen failed: %v", err)
	}
	if len(changed) != 0 {
		t.Errorf("Expected nothing to change on repeat, got %v", changed)
	}
	if pub.count() != before {
		t.Errorf("Expected no broadcast on repeat, got %d new events", pub.count()-before)
	}

	unread, _ := store.UnreadCount(ctx, "seller")
	if unread != 0 {
		t.Errorf("Expected unread 0, got %d", unread)
	}
}

func TestMarkSeenAfterOfflineSkipsDelivered(t *testing.T) {
	svc, store, pub := newTestService(staticOnline{})
	ctx := context.Background()

	m := send(t, svc, "buyer", "seller", models.KindText, "sent while you were away")
	if m.Status != models.MessageStatusSent {
		t.Fatalf("Expected sent, got %s", m.Status)
	}

	if _, err := svc.MarkSeen(ctx, "seller", models.MarkSeenRequest{MessageIDs: []string{m.ID.Hex()}}); err != nil {
		t.Fatalf("MarkSeen failed: %v", err)
	}
	msgs, _ := store.ListBetween(ctx, "buyer", "seller")
	if msgs[0].Status != models.MessageStatusSeen {
		t.Errorf("Expected seen, got %s", msgs[0].Status)
	}
	if len(pub.named("buyer", models.EventMessagesSeen)) != 1 {
		t.Error("Expected sender to be told about the seen message")
	}
}

func TestMarkSeenRejectsOtherReceiver(t *testing.T) {
	svc, _, _ := newTestService(nil)
	m := send(t, svc, "buyer", "seller", models.KindText, "hi")

	_, err := svc.MarkSeen(context.Background(), "buyer", models.MarkSeenRequest{
		MessageIDs: []string{m.ID.Hex()},
		ReceiverID: "seller",
	})
	if !models.IsAuthorization(err) {
		t.Errorf("Expected authorization error, got %v", err)
	}

	changed, err := svc.MarkSeen(context.Background(), "buyer", models.MarkSeenRequest{
		MessageIDs: []string{m.ID.Hex()},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(changed) != 0 {
		t.Errorf("Expected sender unable to mark own message seen, got %v", changed)
	}
}

func TestHistoryWindow(t *testing.T) {
	svc, store, _ := newTestService(nil)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	for i := 0; i < 5; i++ {
		send(t, svc, "buyer", "seller", models.KindText, "msg")
	}

	msgs, hasMore, err := svc.History(ctx, "seller", "buyer", nil, 3)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(msgs) != 3 || !hasMore {
		t.Fatalf("Expected 3 messages with more, got %d/%v", len(msgs), hasMore)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Errorf("Expected ascending order at %d", i)
		}
	}

	older, hasMore, err := svc.History(ctx, "seller", "buyer", &HistoryCursor{Before: msgs[0].CreatedAt}, 3)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(older) != 2 || hasMore {
		t.Errorf("Expected 2 older messages and no more, got %d/%v", len(older), hasMore)
	}

	if _, _, err := svc.History(ctx, "seller", "", nil, 0); !models.IsValidation(err) {
		t.Errorf("Expected validation error without counterparty, got %v", err)
	}
}

func TestHistoryPagesThroughTiedTimestamps(t *testing.T) {
	svc, store, _ := newTestService(nil)
	ctx := context.Background()
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	for i := 0; i < 5; i++ {
		send(t, svc, "buyer", "seller", models.KindText, "same instant")
	}

	all, _, err := svc.History(ctx, "seller", "buyer", nil, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}

	var paged []models.Message
	var cursor *HistoryCursor
	for pages := 0; pages < 10; pages++ {
		page, hasMore, err := svc.History(ctx, "seller", "buyer", cursor, 2)
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		paged = append(page, paged...)
		if !hasMore {
			break
		}
		cursor = &HistoryCursor{Before: page[0].CreatedAt, BeforeID: page[0].ID}
	}

	if len(paged) != len(all) {
		t.Fatalf("Expected %d messages across pages, got %d", len(all), len(paged))
	}
	for i := range all {
		if paged[i].ID != all[i].ID {
			t.Errorf("Expected %s at %d, got %s", all[i].ID.Hex(), i, paged[i].ID.Hex())
		}
	}

	page, _, err := svc.History(ctx, "seller", "buyer", &HistoryCursor{Before: fixed}, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(page) != 0 {
		t.Errorf("Expected a time-only cursor to exclude its own instant, got %d", len(page))
	}
}

func TestSendResendWithSameTempIDStoresOnce(t *testing.T) {
	svc, store, pub := newTestService(nil)
	ctx := context.Background()

	draft := models.Message{ReceiverID: "seller", Text: "hello", ClientTempID: "tmp-1"}
	first, err := svc.Send(ctx, "buyer", draft)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	second, err := svc.Send(ctx, "buyer", draft)
	if err != nil {
		t.Fatalf("Resend failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected resend to return %s, got %s", first.ID.Hex(), second.ID.Hex())
	}

	msgs, _ := store.ListBetween(ctx, "buyer", "seller")
	if len(msgs) != 1 {
		t.Errorf("Expected 1 stored message, got %d", len(msgs))
	}
	if got := len(pub.named("buyer", models.EventMessageSynced)); got != 2 {
		t.Errorf("Expected messageSynced on both sends, got %d", got)
	}
	if got := len(pub.named("seller", models.EventNewMessage)); got != 1 {
		t.Errorf("Expected one newMessage for the receiver, got %d", got)
	}

	if _, err := svc.Send(ctx, "other", draft); err != nil {
		t.Fatalf("Send from another sender failed: %v", err)
	}
	msgs, _ = store.ListBetween(ctx, "other", "seller")
	if len(msgs) != 1 {
		t.Errorf("Expected the same temp id from another sender to be stored, got %d", len(msgs))
	}
}

func TestSendRecordsOutcomeOnEarlierOffer(t *testing.T) {
	svc, store, _ := newTestService(nil)
	ctx := context.Background()

	start := send(t, svc, "buyer", "seller", models.KindBargainStart, `{"productId":"P1","price":5000}`)
	if start.BargainStatus != models.BargainPending {
		t.Errorf("Expected new offer to be pending, got %q", start.BargainStatus)
	}
	counter := send(t, svc, "seller", "buyer", models.KindCounterOffer, `{"productId":"P1","price":4800}`)
	send(t, svc, "buyer", "seller", models.KindBuyerDeclineResponse, `{"productId":"P1","price":4800}`)

	msgs, _ := store.ListBetween(ctx, "buyer", "seller")
	byID := map[string]models.Message{}
	for _, m := range msgs {
		byID[m.ID.Hex()] = m
	}
	if got := byID[start.ID.Hex()].BargainStatus; got != "" {
		t.Errorf("Expected superseded offer to carry no status, got %q", got)
	}
	if got := byID[counter.ID.Hex()].BargainStatus; got != models.BargainDeclined {
		t.Errorf("Expected declined counter, got %q", got)
	}

	// Not a stored id: logged and skipped.
	svc.recordOutcome(ctx, "not-an-id", models.BargainAccepted)
}

func TestConversationsListsLatestPerCounterparty(t *testing.T) {
	svc, _, _ := newTestService(nil)

	send(t, svc, "buyer", "seller", models.KindText, "one")
	send(t, svc, "other", "seller", models.KindText, "two")
	last := send(t, svc, "seller", "buyer", models.KindText, "three")

	convs, err := svc.Conversations(context.Background(), "seller")
	if err != nil {
		t.Fatalf("Conversations failed: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("Expected 2 conversations, got %d", len(convs))
	}
	if convs[0].CounterpartyID != "buyer" || convs[0].LastMessage.ID != last.ID {
		t.Errorf("Expected buyer conversation first with latest message, got %+v", convs[0])
	}
	if convs[0].Unread != 1 || convs[1].Unread != 1 {
		t.Errorf("Expected 1 unread in each, got %d and %d", convs[0].Unread, convs[1].Unread)
	}
}

func TestBargainWithoutSession(t *testing.T) {
	svc, _, _ := newTestService(nil)
	send(t, svc, "buyer", "seller", models.KindText, "hi")

	_, err := svc.Bargain(context.Background(), "buyer", "seller", "P1")
	if !errors.Is(err, ErrNoBargain) {
		t.Errorf("Expected ErrNoBargain, got %v", err)
	}
}

package services

import (
	"testing"

	"github.com/salmart/salmart-backend/internal/bargain"
	"github.com/salmart/salmart-backend/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestProductResolverAssignsSellerFromOwnership(t *testing.T) {
	dir := NewPostgresProductDirectory(nil)
	dir.owners.Store("P1", "seller")

	resolve := dir.Resolver()
	if id, ok := resolve("P1"); !ok || id != "seller" {
		t.Fatalf("Expected seller, got %q, %v", id, ok)
	}
	if _, ok := resolve("unknown"); ok {
		t.Error("Expected unknown product to be unresolved")
	}

	// The seller opens with bargain-start, which would otherwise make them the buyer.
	m := bargain.NewMachine(bargain.WithSellerResolver(resolve))
	err := m.Apply(models.Message{
		ID:         primitive.NewObjectID(),
		SenderID:   "seller",
		ReceiverID: "buyer",
		Kind:       models.KindBargainStart,
		Text:       `{"productId":"P1","price":5000}`,
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	s, ok := m.Session("P1", "seller", "buyer")
	if !ok {
		t.Fatal("Expected a session for P1")
	}
	if s.SellerID != "seller" || s.BuyerID != "buyer" {
		t.Errorf("Expected seller/buyer from ownership, got seller=%s buyer=%s", s.SellerID, s.BuyerID)
	}
}

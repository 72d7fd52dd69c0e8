package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/rail"
	"github.com/transfa/escrow-service/internal/store"
)

type conflictingRepoStub struct {
	store.Repository

	txn *domain.Transaction
}

func (s *conflictingRepoStub) FindTransactionByRailReference(ctx context.Context, method domain.PaymentMethod, reference string) (*domain.Transaction, error) {
	return nil, store.ErrTransactionNotFound
}

func (s *conflictingRepoStub) GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	if s.txn == nil || s.txn.ID != transactionID {
		return nil, store.ErrTransactionNotFound
	}
	return s.txn.Clone(), nil
}

func (s *conflictingRepoStub) BindRailReference(ctx context.Context, method domain.PaymentMethod, reference string, transactionID uuid.UUID) error {
	return nil
}

func (s *conflictingRepoStub) UpdateTransaction(ctx context.Context, txn *domain.Transaction) (*domain.Transaction, error) {
	return nil, store.ErrVersionConflict
}

func newConsumerService(repo store.Repository) *Service {
	return NewService(Deps{
		Repo:   repo,
		Rails:  rail.NewRegistry(&stubRail{method: domain.PaymentMethodCryptoUSDC}),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Config{})
}

func chainHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func TestHandleRailMessage_AcksMalformedPayload(t *testing.T) {
	consumer := NewEventConsumer(newConsumerService(&conflictingRepoStub{}))
	if !consumer.HandleRailMessage(domain.StageCapture, []byte("{not json")) {
		t.Fatal("expected malformed payload to be acknowledged")
	}
}

func TestHandleRailMessage_AcksUnknownTransaction(t *testing.T) {
	consumer := NewEventConsumer(newConsumerService(&conflictingRepoStub{}))
	body, _ := json.Marshal(domain.RailEvent{TransactionID: uuid.New(), Reference: chainHash(7)})
	if !consumer.HandleRailMessage(domain.StageCapture, body) {
		t.Fatal("expected unknown transaction to be acknowledged")
	}
}

func TestHandleRailMessage_RequeuesOnVersionConflict(t *testing.T) {
	txn := &domain.Transaction{
		ID:            uuid.New(),
		PaymentMethod: domain.PaymentMethodCryptoUSDC,
		Status:        domain.TransactionPending,
		TotalAmount:   500000,
		Version:       3,
		CreatedAt:     time.Now().UTC(),
	}
	consumer := NewEventConsumer(newConsumerService(&conflictingRepoStub{txn: txn}))

	body, _ := json.Marshal(domain.RailEvent{TransactionID: txn.ID, Reference: chainHash(9)})
	if consumer.HandleRailMessage(domain.StageCapture, body) {
		t.Fatal("expected a lost version race to be re-queued")
	}
}

func TestHandleRailMessage_DefaultsToChainRail(t *testing.T) {
	txn := &domain.Transaction{ID: uuid.New(), PaymentMethod: domain.PaymentMethodStripe, Status: domain.TransactionPending}
	consumer := NewEventConsumer(newConsumerService(&conflictingRepoStub{txn: txn}))

	body, _ := json.Marshal(map[string]string{"transaction_id": txn.ID.String(), "reference": chainHash(11)})
	// A chain confirmation for a card transaction is a rail mismatch and is dropped.
	if !consumer.HandleRailMessage(domain.StageCapture, body) {
		t.Fatal("expected rail mismatch to be acknowledged")
	}
}

func TestBindingsCoverInboundRoutingKeys(t *testing.T) {
	bindings := NewEventConsumer(newConsumerService(&conflictingRepoStub{})).Bindings()
	for _, key := range []string{
		domain.RoutingChainCaptureConfirmed,
		domain.RoutingChainPayoutConfirmed,
		domain.RoutingChainRefundConfirmed,
		domain.RoutingPropertyCreated,
		domain.RoutingPropertyUpdated,
	} {
		if bindings[key] == nil {
			t.Fatalf("missing handler for %s", key)
		}
	}
}

func TestHandlePropertyMessage_SyncsProjection(t *testing.T) {
	repo := store.NewMemoryRepository()
	consumer := NewEventConsumer(newConsumerService(repo))

	property := domain.Property{ID: uuid.New(), SellerID: uuid.New(), Price: 250000, Status: domain.PropertyActive}
	body, _ := json.Marshal(property)
	if !consumer.HandlePropertyMessage(body) {
		t.Fatal("expected property sync to be acknowledged")
	}
	stored, err := repo.GetProperty(context.Background(), property.ID)
	if err != nil {
		t.Fatalf("GetProperty returned error: %v", err)
	}
	if stored.Price != 250000 || stored.Status != domain.PropertyActive {
		t.Fatalf("unexpected projection %+v", stored)
	}

	bad, _ := json.Marshal(domain.Property{ID: uuid.New(), SellerID: uuid.New(), Status: "archived"})
	if !consumer.HandlePropertyMessage(bad) {
		t.Fatal("expected invalid property payload to be dropped")
	}
}

func TestRedisOfferThrottle_NilClientIsDisabled(t *testing.T) {
	throttle := NewRedisOfferThrottle(nil, " escrow:limits: ")
	if throttle.prefix != "escrow:limits" {
		t.Fatalf("unexpected prefix %q", throttle.prefix)
	}
	decision, err := throttle.ConsumeOfferSubmission(context.Background(), uuid.New(), uuid.New(), OfferLimits{PerBuyer: 5, BuyerWindow: time.Minute})
	if err != nil || !decision.Allowed {
		t.Fatalf("expected disabled throttle to allow, got %+v err=%v", decision, err)
	}
}

func TestRedisOfferThrottle_KeysSeparateBuyerAndListing(t *testing.T) {
	throttle := NewRedisOfferThrottle(nil, "escrow:rate_limit")
	buyer := uuid.MustParse("0b7c5a56-36a1-4c38-9d83-5a0f8e4a1c11")
	property := uuid.MustParse("7f3e9d21-5b4a-4f7e-8c1d-2a6b9e0c3d44")
	keys := throttle.keys(buyer, property)
	if keys[0] != "escrow:rate_limit:offers:buyer:"+buyer.String() {
		t.Fatalf("unexpected buyer key %q", keys[0])
	}
	if keys[1] != "escrow:rate_limit:offers:listing:"+property.String()+":buyer:"+buyer.String() {
		t.Fatalf("unexpected listing key %q", keys[1])
	}
}

func TestParseThrottleReply(t *testing.T) {
	allowed, err := parseThrottleReply([]interface{}{int64(1), int64(0), int64(0)})
	if err != nil || !allowed.Allowed {
		t.Fatalf("expected allowed, got %+v err=%v", allowed, err)
	}

	listing, err := parseThrottleReply([]interface{}{int64(0), int64(2), int64(1500)})
	if err != nil {
		t.Fatal(err)
	}
	if listing.Allowed || listing.Scope != ThrottleScopeListing || listing.RetryAfterSeconds != 2 {
		t.Fatalf("unexpected listing decision %+v", listing)
	}

	buyer, err := parseThrottleReply([]interface{}{int64(0), int64(1), int64(0)})
	if err != nil {
		t.Fatal(err)
	}
	if buyer.Scope != ThrottleScopeBuyer || buyer.RetryAfterSeconds != 1 {
		t.Fatalf("retry-after must be at least one second, got %+v", buyer)
	}

	if _, err := parseThrottleReply([]interface{}{"1"}); err == nil {
		t.Fatal("expected malformed reply to fail")
	}
}

package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func validTerms() OfferTerms {
	return OfferTerms{
		OfferAmount:   500000,
		EarnestMoney:  7500,
		FinancingType: "Conventional",
		ClosingDate:   now.Add(MinClosingLead),
		Contingencies: []Contingency{"financing", "inspection", "financing"},
	}
}

func TestOfferTermsValidate_Normalizes(t *testing.T) {
	terms, err := validTerms().Validate(now)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if terms.FinancingType != FinancingConventional {
		t.Fatalf("expected conventional financing, got %q", terms.FinancingType)
	}
	if terms.PaymentMethod != PaymentMethodStripe {
		t.Fatalf("expected default payment method stripe, got %q", terms.PaymentMethod)
	}
	if len(terms.Contingencies) != 2 || terms.Contingencies[0] != ContingencyFinancing || terms.Contingencies[1] != ContingencyInspection {
		t.Fatalf("expected de-duplicated sorted contingencies, got %v", terms.Contingencies)
	}
	if !terms.EarnestInCustomaryRange() {
		t.Fatal("expected 1.5% earnest money to be in the customary range")
	}
}

func TestOfferTermsValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*OfferTerms)
	}{
		{"negative amount", func(o *OfferTerms) { o.OfferAmount = -1 }},
		{"negative earnest", func(o *OfferTerms) { o.EarnestMoney = -1 }},
		{"closing too soon", func(o *OfferTerms) { o.ClosingDate = now.Add(MinClosingLead - time.Second) }},
		{"missing closing date", func(o *OfferTerms) { o.ClosingDate = time.Time{} }},
		{"unknown financing", func(o *OfferTerms) { o.FinancingType = "seller_carry" }},
		{"unknown contingency", func(o *OfferTerms) { o.Contingencies = []Contingency{"survey"} }},
		{"unknown payment method", func(o *OfferTerms) { o.PaymentMethod = "paypal" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			terms := validTerms()
			tc.mutate(&terms)
			if _, err := terms.Validate(now); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestNewOffer_ExpiresSevenDaysAfterCreation(t *testing.T) {
	p := &Property{ID: uuid.New(), SellerID: uuid.New(), Status: PropertyActive}
	o := NewOffer(p, uuid.New(), validTerms(), now)
	if !o.ExpiresAt.Equal(o.CreatedAt.Add(7 * 24 * time.Hour)) {
		t.Fatalf("expected expires_at = created_at + 7d, got %v", o.ExpiresAt)
	}
	if o.Due(o.ExpiresAt.Add(-time.Nanosecond)) {
		t.Fatal("offer must not be due before expires_at")
	}
	if !o.Due(o.ExpiresAt) {
		t.Fatal("offer must be due at expires_at")
	}
	if o.IsOpen(o.ExpiresAt) {
		t.Fatal("offer must not be open at expires_at")
	}
}

func TestRespondentID(t *testing.T) {
	p := &Property{ID: uuid.New(), SellerID: uuid.New(), Status: PropertyActive}
	buyer := uuid.New()
	o := NewOffer(p, buyer, validTerms(), now)
	if o.RespondentID() != p.SellerID {
		t.Fatal("seller must respond to a buyer's offer")
	}
	counter := NewCounterOffer(o, 480000, now)
	if counter.RespondentID() != buyer {
		t.Fatal("buyer must respond to a counter-offer")
	}
	if counter.CounterOf == nil || *counter.CounterOf != o.ID {
		t.Fatal("counter-offer must reference the original")
	}
	if counter.OfferAmount != 480000 || counter.Status != OfferPending {
		t.Fatalf("unexpected counter-offer state: %+v", counter)
	}
}

func TestOfferResponseValidate(t *testing.T) {
	neg := int64(-5)
	if err := (OfferResponse{Decision: DecisionCounter}).Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected missing counter amount to fail, got %v", err)
	}
	if err := (OfferResponse{Decision: DecisionCounter, CounterAmount: &neg}).Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected negative counter amount to fail, got %v", err)
	}
	if err := (OfferResponse{Decision: "maybe"}).Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unknown decision to fail, got %v", err)
	}
	if err := (OfferResponse{Decision: DecisionAccept}).Validate(); err != nil {
		t.Fatalf("expected accept to validate, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]TransactionStatus{
		{TransactionPending, TransactionEscrow},
		{TransactionPending, TransactionCancelled},
		{TransactionEscrow, TransactionCompleted},
		{TransactionEscrow, TransactionCancelled},
		{TransactionEscrow, TransactionDisputed},
	}
	for _, edge := range allowed {
		if !CanTransition(edge[0], edge[1]) {
			t.Fatalf("expected %s -> %s to be allowed", edge[0], edge[1])
		}
	}
	denied := [][2]TransactionStatus{
		{TransactionPending, TransactionCompleted},
		{TransactionPending, TransactionDisputed},
		{TransactionCompleted, TransactionCancelled},
		{TransactionDisputed, TransactionEscrow},
	}
	for _, edge := range denied {
		if CanTransition(edge[0], edge[1]) {
			t.Fatalf("expected %s -> %s to be denied", edge[0], edge[1])
		}
	}
}

func TestTransitionTo_RejectsMissingEdges(t *testing.T) {
	txn := &Transaction{Status: TransactionPending}
	if err := txn.Complete(now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state completing a pending transaction, got %v", err)
	}
	if txn.Status != TransactionPending || txn.ReleasedAt != nil {
		t.Fatal("a rejected transition must leave the transaction untouched")
	}
	if err := txn.TransitionTo(TransactionCancelled); err != nil {
		t.Fatalf("pending -> cancelled: %v", err)
	}
	if err := txn.StartEscrow(now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state funding a cancelled transaction, got %v", err)
	}
	if txn.EscrowReleaseAt != nil {
		t.Fatal("a rejected transition must not anchor a hold window")
	}
}

func TestIdempotencyKeys_AdvanceWithSequence(t *testing.T) {
	id := uuid.MustParse("9b2f3c1e-0a4d-4d8e-9a55-2f1c7f0e6b11")
	txn := &Transaction{ID: id}
	if got := txn.PayoutIdempotencyKey(); got != id.String() {
		t.Fatalf("first payout key = %s", got)
	}
	txn.PayoutKeySeq = 2
	if got := txn.PayoutIdempotencyKey(); got != id.String()+".2" {
		t.Fatalf("sequenced payout key = %s", got)
	}
	if got := txn.RefundIdempotencyKey(); got != id.String() {
		t.Fatalf("refund key must not follow the payout sequence, got %s", got)
	}
}

func TestStartEscrow_AnchorsHoldWindow(t *testing.T) {
	txn := &Transaction{Status: TransactionPending, PaymentMethod: PaymentMethodStripe}
	if err := txn.StartEscrow(now); err != nil {
		t.Fatal(err)
	}

	if txn.Status != TransactionEscrow {
		t.Fatalf("expected escrow, got %s", txn.Status)
	}
	if !txn.EscrowReleaseAt.Equal(now.Add(48 * time.Hour)) {
		t.Fatalf("expected release at start+48h, got %v", txn.EscrowReleaseAt)
	}
	if got := txn.HoldRemaining(now.Add(time.Hour)); got != 47*time.Hour {
		t.Fatalf("expected 47h remaining, got %s", got)
	}
	if txn.ReleaseEligible(now.Add(47 * time.Hour)) {
		t.Fatal("release must not be eligible before the hold elapses")
	}
	if !txn.ReleaseEligible(now.Add(48 * time.Hour)) {
		t.Fatal("release must be eligible once the hold elapses")
	}
	if txn.HoldRemaining(now.Add(72*time.Hour)) != 0 {
		t.Fatal("hold remaining must never be negative")
	}
}

func TestRailReference_UsesFieldsOfOwnRail(t *testing.T) {
	card := &Transaction{PaymentMethod: PaymentMethodStripe}
	card.SetRailReference(StagePayout, "tr_123")
	if card.StripeTransferID == nil || *card.StripeTransferID != "tr_123" {
		t.Fatal("expected stripe transfer id to be set")
	}
	if card.CryptoPayoutHash != nil {
		t.Fatal("chain fields must stay empty on a card transaction")
	}

	chain := &Transaction{PaymentMethod: PaymentMethodCryptoUSDC}
	chain.SetRailReference(StageCapture, "0xfeed")
	if ref := chain.RailReference(StageCapture); ref == nil || *ref != "0xfeed" {
		t.Fatal("expected chain capture hash to round-trip")
	}
}

func TestRailEventValidate(t *testing.T) {
	ev := RailEvent{TransactionID: uuid.New(), Rail: PaymentMethodCryptoUSDC, Stage: StageCapture, Reference: "0x1"}
	if err := ev.Validate(); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}
	ev.Reference = " "
	if err := ev.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected blank reference to fail, got %v", err)
	}
	if stage, ok := StageForRoutingKey(RoutingChainRefundConfirmed); !ok || stage != StageRefund {
		t.Fatalf("unexpected stage for refund routing key: %s", stage)
	}
}

/**
 * @description
 * Transaction domain model and the escrow state machine rules that do not need
 * storage: status transitions, the 48h hold arithmetic and per-rail reference
 * bookkeeping.
 *
 * @notes
 * - seller_amount + platform_fee == total_amount on every stored row. Callers
 *   set the money fields only through fees.Quote.
 * - Version is bumped by the store on every successful compare-and-set.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EscrowHoldDuration is the fixed window between funds confirmation and release.
const EscrowHoldDuration = 48 * time.Hour

type PaymentMethod string

const (
	PaymentMethodStripe     PaymentMethod = "stripe"
	PaymentMethodCryptoUSDC PaymentMethod = "crypto_usdc"
)

func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	switch pm := PaymentMethod(strings.ToLower(strings.TrimSpace(raw))); pm {
	case PaymentMethodStripe, PaymentMethodCryptoUSDC:
		return pm, nil
	case "":
		return PaymentMethodStripe, nil
	default:
		return "", fmt.Errorf("%w: unknown payment method %q", ErrValidation, raw)
	}
}

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionEscrow    TransactionStatus = "escrow"
	TransactionCompleted TransactionStatus = "completed"
	TransactionCancelled TransactionStatus = "cancelled"
	TransactionDisputed  TransactionStatus = "disputed"
)

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionPending: {TransactionEscrow, TransactionCancelled},
	TransactionEscrow:  {TransactionCompleted, TransactionCancelled, TransactionDisputed},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range transactionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionTo moves t to status to. Every status write goes through here.
func (t *Transaction) TransitionTo(to TransactionStatus) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: transaction cannot move from %s to %s", ErrInvalidState, t.Status, to)
	}
	t.Status = to
	return nil
}

// SettlementKind names the money movement currently claimed on a transaction.
type SettlementKind string

const (
	SettlementNone    SettlementKind = ""
	SettlementRelease SettlementKind = "release"
	SettlementCancel  SettlementKind = "cancel"
)

// RailStage identifies which leg of a transaction a rail reference belongs to.
type RailStage string

const (
	StageCapture RailStage = "capture"
	StagePayout  RailStage = "payout"
	StageRefund  RailStage = "refund"
)

func ParseRailStage(raw string) (RailStage, error) {
	switch s := RailStage(strings.ToLower(strings.TrimSpace(raw))); s {
	case StageCapture, StagePayout, StageRefund:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown rail stage %q", ErrValidation, raw)
	}
}

// Transaction maps to the `transactions` table.
type Transaction struct {
	ID         uuid.UUID  `json:"id"`
	PropertyID uuid.UUID  `json:"property_id"`
	BuyerID    uuid.UUID  `json:"buyer_id"`
	SellerID   uuid.UUID  `json:"seller_id"`
	OfferID    *uuid.UUID `json:"offer_id,omitempty"`

	TotalAmount  int64 `json:"total_amount"`
	PlatformFee  int64 `json:"platform_fee"`
	SellerAmount int64 `json:"seller_amount"`

	PaymentMethod         PaymentMethod `json:"payment_method"`
	StripePaymentIntentID *string       `json:"stripe_payment_intent_id,omitempty"`
	StripeTransferID      *string       `json:"stripe_transfer_id,omitempty"`
	StripeRefundID        *string       `json:"stripe_refund_id,omitempty"`
	CryptoWalletAddress   *string       `json:"crypto_wallet_address,omitempty"`
	CryptoTransactionHash *string       `json:"crypto_transaction_hash,omitempty"`
	CryptoAmount          *string       `json:"crypto_amount,omitempty"`
	CryptoPayoutHash      *string       `json:"crypto_payout_hash,omitempty"`
	CryptoRefundHash      *string       `json:"crypto_refund_hash,omitempty"`

	Status             TransactionStatus `json:"status"`
	CaptureSubmittedAt *time.Time        `json:"capture_submitted_at,omitempty"`
	EscrowStartedAt    *time.Time        `json:"escrow_started_at,omitempty"`
	EscrowReleaseAt    *time.Time        `json:"escrow_release_at,omitempty"`
	ReleasedAt         *time.Time        `json:"released_at,omitempty"`

	SettlementClaim     SettlementKind `json:"settlement_claim,omitempty"`
	SettlementClaimedAt *time.Time     `json:"settlement_claimed_at,omitempty"`
	SettlementReference *string        `json:"settlement_reference,omitempty"`
	PayoutAttempts      int            `json:"payout_attempts"`
	NextPayoutAttemptAt *time.Time     `json:"next_payout_attempt_at,omitempty"`
	PayoutFlagged       bool           `json:"payout_flagged"`
	LastPayoutError     *string        `json:"last_payout_error,omitempty"`
	// PayoutKeySeq and RefundKeySeq advance after a rail definitively rejects
	// the movement, so the next attempt is not answered from the rail's
	// idempotency cache.
	PayoutKeySeq int `json:"-"`
	RefundKeySeq int `json:"-"`
	CancelReason        *string        `json:"cancel_reason,omitempty"`
	DisputeReason       *string        `json:"dispute_reason,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate a candidate before a
// compare-and-set without touching shared state.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.OfferID = cloneUUID(t.OfferID)
	c.StripePaymentIntentID = cloneString(t.StripePaymentIntentID)
	c.StripeTransferID = cloneString(t.StripeTransferID)
	c.StripeRefundID = cloneString(t.StripeRefundID)
	c.CryptoWalletAddress = cloneString(t.CryptoWalletAddress)
	c.CryptoTransactionHash = cloneString(t.CryptoTransactionHash)
	c.CryptoAmount = cloneString(t.CryptoAmount)
	c.CryptoPayoutHash = cloneString(t.CryptoPayoutHash)
	c.CryptoRefundHash = cloneString(t.CryptoRefundHash)
	c.CaptureSubmittedAt = cloneTime(t.CaptureSubmittedAt)
	c.EscrowStartedAt = cloneTime(t.EscrowStartedAt)
	c.EscrowReleaseAt = cloneTime(t.EscrowReleaseAt)
	c.ReleasedAt = cloneTime(t.ReleasedAt)
	c.SettlementClaimedAt = cloneTime(t.SettlementClaimedAt)
	c.SettlementReference = cloneString(t.SettlementReference)
	c.NextPayoutAttemptAt = cloneTime(t.NextPayoutAttemptAt)
	c.LastPayoutError = cloneString(t.LastPayoutError)
	c.CancelReason = cloneString(t.CancelReason)
	c.DisputeReason = cloneString(t.DisputeReason)
	return &c
}

// StartEscrow anchors the hold window. It is the only place escrow_release_at is set.
func (t *Transaction) StartEscrow(now time.Time) error {
	if err := t.TransitionTo(TransactionEscrow); err != nil {
		return err
	}
	start := now
	release := now.Add(EscrowHoldDuration)
	t.EscrowStartedAt = &start
	t.EscrowReleaseAt = &release
	t.CaptureSubmittedAt = nil
	return nil
}

// HoldRemaining is the time left before release eligibility, never negative.
func (t *Transaction) HoldRemaining(now time.Time) time.Duration {
	if t.EscrowReleaseAt == nil {
		return 0
	}
	if left := t.EscrowReleaseAt.Sub(now); left > 0 {
		return left
	}
	return 0
}

// ReleaseEligible reports whether the scheduler may attempt a release at now.
func (t *Transaction) ReleaseEligible(now time.Time) bool {
	return t.Status == TransactionEscrow &&
		t.ReleasedAt == nil &&
		t.EscrowReleaseAt != nil &&
		!now.Before(*t.EscrowReleaseAt) &&
		t.SettlementClaim == SettlementNone &&
		!t.PayoutFlagged &&
		(t.NextPayoutAttemptAt == nil || !now.Before(*t.NextPayoutAttemptAt))
}

// ReleaseCandidate is ReleaseEligible extended to releases abandoned past lease.
func (t *Transaction) ReleaseCandidate(now time.Time, lease time.Duration) bool {
	switch t.SettlementClaim {
	case SettlementNone:
		return t.ReleaseEligible(now)
	case SettlementRelease:
		if !t.ClaimStale(now, lease) {
			return false
		}
		c := t.Clone()
		c.ClearClaim()
		return c.ReleaseEligible(now)
	default:
		return false
	}
}

// ClaimStale reports whether a settlement claim was abandoned mid-call and can
// be taken over. Claims with a rail reference are waiting on a confirmation
// event and are never stale.
func (t *Transaction) ClaimStale(now time.Time, lease time.Duration) bool {
	if t.SettlementClaim == SettlementNone || t.SettlementReference != nil || t.SettlementClaimedAt == nil {
		return false
	}
	return !now.Before(t.SettlementClaimedAt.Add(lease))
}

// Claim marks kind as in flight.
func (t *Transaction) Claim(kind SettlementKind, now time.Time) {
	at := now
	t.SettlementClaim = kind
	t.SettlementClaimedAt = &at
	t.SettlementReference = nil
}

// ClearClaim drops any in-flight settlement marker.
func (t *Transaction) ClearClaim() {
	t.SettlementClaim = SettlementNone
	t.SettlementClaimedAt = nil
	t.SettlementReference = nil
}

// Complete marks a confirmed payout.
func (t *Transaction) Complete(now time.Time) error {
	if err := t.TransitionTo(TransactionCompleted); err != nil {
		return err
	}
	at := now
	t.ReleasedAt = &at
	t.NextPayoutAttemptAt = nil
	t.LastPayoutError = nil
	t.ClearClaim()
	return nil
}

// PayoutIdempotencyKey is the key for the next payout attempt.
func (t *Transaction) PayoutIdempotencyKey() string {
	return sequencedKey(t.ID, t.PayoutKeySeq)
}

// RefundIdempotencyKey is the key for the next refund attempt.
func (t *Transaction) RefundIdempotencyKey() string {
	return sequencedKey(t.ID, t.RefundKeySeq)
}

func sequencedKey(id uuid.UUID, seq int) string {
	if seq == 0 {
		return id.String()
	}
	return fmt.Sprintf("%s.%d", id, seq)
}

// RailReference returns the stored reference for stage, if any.
func (t *Transaction) RailReference(stage RailStage) *string {
	switch t.PaymentMethod {
	case PaymentMethodStripe:
		switch stage {
		case StageCapture:
			return t.StripePaymentIntentID
		case StagePayout:
			return t.StripeTransferID
		case StageRefund:
			return t.StripeRefundID
		}
	case PaymentMethodCryptoUSDC:
		switch stage {
		case StageCapture:
			return t.CryptoTransactionHash
		case StagePayout:
			return t.CryptoPayoutHash
		case StageRefund:
			return t.CryptoRefundHash
		}
	}
	return nil
}

// SetRailReference stores reference in the field for this rail and stage.
func (t *Transaction) SetRailReference(stage RailStage, reference string) {
	ref := reference
	switch t.PaymentMethod {
	case PaymentMethodStripe:
		switch stage {
		case StageCapture:
			t.StripePaymentIntentID = &ref
		case StagePayout:
			t.StripeTransferID = &ref
		case StageRefund:
			t.StripeRefundID = &ref
		}
	case PaymentMethodCryptoUSDC:
		switch stage {
		case StageCapture:
			t.CryptoTransactionHash = &ref
		case StagePayout:
			t.CryptoPayoutHash = &ref
		case StageRefund:
			t.CryptoRefundHash = &ref
		}
	}
}

// EscrowStatus is the read model returned to parties polling a transaction.
type EscrowStatus struct {
	Transaction     *Transaction `json:"transaction"`
	HoldRemaining   string       `json:"hold_remaining"`
	HoldSeconds     int64        `json:"hold_remaining_seconds"`
	ReleaseEligible bool         `json:"release_eligible"`
}

// ManualIntervention is an escalation that needs an operator.
type ManualIntervention struct {
	ID            uuid.UUID  `json:"id"`
	TransactionID uuid.UUID  `json:"transaction_id"`
	Reason        string     `json:"reason"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

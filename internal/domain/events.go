/**
 * @description
 * Event payloads exchanged over RabbitMQ. Outbound lifecycle events are
 * published to the marketplace exchange; inbound rail confirmations arrive on
 * the rail.* routing keys.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const MarketplaceExchange = "marketplace.events"

// Outbound routing keys.
const (
	EventOfferSubmitted         = "offer.submitted"
	EventOfferAccepted          = "offer.accepted"
	EventOfferRejected          = "offer.rejected"
	EventOfferCountered         = "offer.countered"
	EventOfferExpired           = "offer.expired"
	EventTransactionCreated     = "transaction.created"
	EventTransactionCaptureSent = "transaction.capture.submitted"
	EventTransactionEscrow      = "transaction.escrow.started"
	EventTransactionCompleted   = "transaction.completed"
	EventTransactionCancelled   = "transaction.cancelled"
	EventTransactionDisputed    = "transaction.disputed"
	EventPayoutFailed           = "escrow.payout.failed"
	EventPayoutEscalated        = "escrow.payout.escalated"
)

// Inbound routing keys for chain confirmations.
const (
	RoutingChainCaptureConfirmed = "rail.chain.capture.confirmed"
	RoutingChainPayoutConfirmed  = "rail.chain.payout.confirmed"
	RoutingChainRefundConfirmed  = "rail.chain.refund.confirmed"
)

// Inbound routing keys for the listing projection.
const (
	RoutingPropertyCreated = "property.created"
	RoutingPropertyUpdated = "property.updated"
)

type OfferEvent struct {
	OfferID    uuid.UUID   `json:"offer_id"`
	PropertyID uuid.UUID   `json:"property_id"`
	BuyerID    uuid.UUID   `json:"buyer_id"`
	SellerID   uuid.UUID   `json:"seller_id"`
	Status     OfferStatus `json:"status"`
	Amount     int64       `json:"amount"`
	CounterOf  *uuid.UUID  `json:"counter_of,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

func NewOfferEvent(o *Offer, at time.Time) OfferEvent {
	return OfferEvent{
		OfferID:    o.ID,
		PropertyID: o.PropertyID,
		BuyerID:    o.BuyerID,
		SellerID:   o.SellerID,
		Status:     o.Status,
		Amount:     o.OfferAmount,
		CounterOf:  o.CounterOf,
		Timestamp:  at,
	}
}

type TransactionEvent struct {
	TransactionID uuid.UUID         `json:"transaction_id"`
	PropertyID    uuid.UUID         `json:"property_id"`
	BuyerID       uuid.UUID         `json:"buyer_id"`
	SellerID      uuid.UUID         `json:"seller_id"`
	Status        TransactionStatus `json:"status"`
	PaymentMethod PaymentMethod     `json:"payment_method"`
	TotalAmount   int64             `json:"total_amount"`
	PlatformFee   int64             `json:"platform_fee"`
	SellerAmount  int64             `json:"seller_amount"`
	Reason        string            `json:"reason,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

func NewTransactionEvent(t *Transaction, reason string, at time.Time) TransactionEvent {
	return TransactionEvent{
		TransactionID: t.ID,
		PropertyID:    t.PropertyID,
		BuyerID:       t.BuyerID,
		SellerID:      t.SellerID,
		Status:        t.Status,
		PaymentMethod: t.PaymentMethod,
		TotalAmount:   t.TotalAmount,
		PlatformFee:   t.PlatformFee,
		SellerAmount:  t.SellerAmount,
		Reason:        reason,
		Timestamp:     at,
	}
}

// RailEvent is an inbound confirmation from a payment rail, delivered either on
// the message bus or through the internal webhook.
type RailEvent struct {
	TransactionID uuid.UUID     `json:"transaction_id"`
	Rail          PaymentMethod `json:"rail"`
	Stage         RailStage     `json:"stage"`
	Reference     string        `json:"reference"`
	Amount        string        `json:"amount,omitempty"`
	OccurredAt    time.Time     `json:"occurred_at"`
}

func (e RailEvent) Validate() error {
	if e.TransactionID == uuid.Nil {
		return fmt.Errorf("%w: transaction_id is required", ErrValidation)
	}
	if _, err := ParseRailStage(string(e.Stage)); err != nil {
		return err
	}
	if strings.TrimSpace(e.Reference) == "" {
		return fmt.Errorf("%w: reference is required", ErrValidation)
	}
	if e.Rail != PaymentMethodStripe && e.Rail != PaymentMethodCryptoUSDC {
		return fmt.Errorf("%w: unknown rail %q", ErrValidation, e.Rail)
	}
	return nil
}

// StageForRoutingKey maps an inbound chain routing key to its stage.
func StageForRoutingKey(routingKey string) (RailStage, bool) {
	switch routingKey {
	case RoutingChainCaptureConfirmed:
		return StageCapture, true
	case RoutingChainPayoutConfirmed:
		return StagePayout, true
	case RoutingChainRefundConfirmed:
		return StageRefund, true
	}
	return "", false
}

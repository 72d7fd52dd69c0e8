package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

const consumerTimeout = 15 * time.Second

// EventConsumer adapts bus deliveries to service calls. Handlers return true
// to ack and false to requeue; only failures that may clear on redelivery are
// requeued.
type EventConsumer struct {
	svc *Service
}

func NewEventConsumer(svc *Service) *EventConsumer {
	return &EventConsumer{svc: svc}
}

// Bindings maps every inbound routing key to its handler.
func (c *EventConsumer) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		domain.RoutingChainCaptureConfirmed: c.chainHandler(domain.RoutingChainCaptureConfirmed),
		domain.RoutingChainPayoutConfirmed:  c.chainHandler(domain.RoutingChainPayoutConfirmed),
		domain.RoutingChainRefundConfirmed:  c.chainHandler(domain.RoutingChainRefundConfirmed),
		domain.RoutingPropertyCreated:       c.HandlePropertyMessage,
		domain.RoutingPropertyUpdated:       c.HandlePropertyMessage,
	}
}

func (c *EventConsumer) chainHandler(routingKey string) func([]byte) bool {
	stage, _ := domain.StageForRoutingKey(routingKey)
	return func(body []byte) bool {
		return c.HandleRailMessage(stage, body)
	}
}

// HandleRailMessage decodes a chain confirmation. The routing key fixes the
// stage; the rail defaults to the chain when the payload omits it.
func (c *EventConsumer) HandleRailMessage(stage domain.RailStage, body []byte) bool {
	var event domain.RailEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.svc.logger.Warn("rail consumer: failed to unmarshal payload", "error", err)
		return true
	}
	event.Stage = stage
	if event.Rail == "" {
		event.Rail = domain.PaymentMethodCryptoUSDC
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	if err := c.svc.HandleRailEvent(ctx, event); err != nil {
		if permanentFailure(err) {
			c.svc.logger.Warn("rail consumer: dropping event",
				"transaction_id", event.TransactionID, "stage", stage, "reference", event.Reference, "error", err)
			return true
		}
		c.svc.logger.Error("rail consumer: processing error",
			"transaction_id", event.TransactionID, "stage", stage, "reference", event.Reference, "error", err)
		return false
	}
	return true
}

// HandlePropertyMessage applies a listing projection update.
func (c *EventConsumer) HandlePropertyMessage(body []byte) bool {
	var property domain.Property
	if err := json.Unmarshal(body, &property); err != nil {
		c.svc.logger.Warn("property consumer: failed to unmarshal payload", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	if err := c.svc.SyncProperty(ctx, &property); err != nil {
		if permanentFailure(err) {
			c.svc.logger.Warn("property consumer: dropping event", "property_id", property.ID, "error", err)
			return true
		}
		c.svc.logger.Error("property consumer: processing error", "property_id", property.ID, "error", err)
		return false
	}
	return true
}

// permanentFailure reports errors that redelivery cannot fix. A lost version
// race is retried: the competing write may have been the one we wait for.
func permanentFailure(err error) bool {
	if errors.Is(err, store.ErrVersionConflict) {
		return false
	}
	for _, target := range []error{
		domain.ErrValidation,
		domain.ErrNotFound,
		domain.ErrInvalidState,
		domain.ErrRailMismatch,
		domain.ErrDuplicateRailReference,
		domain.ErrAlreadyReleased,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

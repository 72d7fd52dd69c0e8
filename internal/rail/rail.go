/**
 * @description
 * Payment rail abstraction. A rail moves money into escrow (capture), out to
 * the seller (payout) or back to the buyer (refund) and reports the result in
 * the state machine's vocabulary. Synchronous rails return Confirmed=true;
 * asynchronous rails return Confirmed=false and confirm later through a rail
 * event.
 *
 * @notes
 * - Every call carries an idempotency key. Callers derive it from the transaction
 *   id and only move to a new key after a definitive (non-transient) failure, so
 *   a retried payout can never pay twice.
 * - Failures wrap the domain sentinels (ErrPaymentDeclined, ErrInsufficientFunds,
 *   ErrPayoutFailed, ErrRefundFailed). Network-level failures additionally wrap
 *   ErrTransient and are the only errors the retry decorator repeats.
 */

package rail

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
)

// ErrTransient marks a failure that may succeed when repeated with the same
// idempotency key.
var ErrTransient = errors.New("transient rail failure")

type Operation string

const (
	OpCapture Operation = "capture"
	OpPayout  Operation = "payout"
	OpRefund  Operation = "refund"
)

type CaptureRequest struct {
	TransactionID  uuid.UUID
	Amount         int64
	PayerRef       string
	IdempotencyKey string
}

type PayoutRequest struct {
	TransactionID  uuid.UUID
	Amount         int64
	Destination    string
	IdempotencyKey string
}

type RefundRequest struct {
	TransactionID  uuid.UUID
	Amount         int64
	CaptureRef     string
	Destination    string
	IdempotencyKey string
}

// Result is a rail's answer to a money movement.
type Result struct {
	Method    domain.PaymentMethod
	Reference string
	Confirmed bool
	// Amount is the rail-native amount string when it differs from minor units
	// (USDC with six decimals on the chain rail).
	Amount string
	// PayerAccount is the payer's rail-side account captured from, when known.
	PayerAccount string
}

// Confirmation is proof from a rail that a movement settled.
type Confirmation struct {
	Method    domain.PaymentMethod
	Reference string
	Amount    string
}

// ConfirmationFrom lifts a confirmed synchronous result.
func ConfirmationFrom(r Result) Confirmation {
	return Confirmation{Method: r.Method, Reference: r.Reference, Amount: r.Amount}
}

// Rail is implemented by each payment rail.
type Rail interface {
	Method() domain.PaymentMethod
	Capture(ctx context.Context, req CaptureRequest) (Result, error)
	Payout(ctx context.Context, req PayoutRequest) (Result, error)
	Refund(ctx context.Context, req RefundRequest) (Result, error)
}

// Registry resolves the rail for a payment method.
type Registry struct {
	rails map[domain.PaymentMethod]Rail
}

func NewRegistry(rails ...Rail) *Registry {
	reg := &Registry{rails: make(map[domain.PaymentMethod]Rail, len(rails))}
	for _, r := range rails {
		if r != nil {
			reg.rails[r.Method()] = r
		}
	}
	return reg
}

func (r *Registry) Get(method domain.PaymentMethod) (Rail, error) {
	if rl, ok := r.rails[method]; ok {
		return rl, nil
	}
	return nil, fmt.Errorf("%w: no rail configured for payment method %q", domain.ErrValidation, method)
}

func (r *Registry) Methods() []domain.PaymentMethod {
	out := make([]domain.PaymentMethod, 0, len(r.rails))
	for m := range r.rails {
		out = append(out, m)
	}
	return out
}

// transient wraps a retryable failure of op. Payout and refund failures also
// carry their domain sentinel so callers can schedule a retry or escalate.
func transient(op Operation, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if kind := failureFor(op); kind != nil {
		return fmt.Errorf("%w: %w: %s", kind, ErrTransient, msg)
	}
	return fmt.Errorf("%w: %s", ErrTransient, msg)
}

// permanent wraps a non-retryable, non-decline failure of op.
func permanent(op Operation, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if kind := failureFor(op); kind != nil {
		return fmt.Errorf("%w: %s", kind, msg)
	}
	return errors.New(msg)
}

func failureFor(op Operation) error {
	switch op {
	case OpPayout:
		return domain.ErrPayoutFailed
	case OpRefund:
		return domain.ErrRefundFailed
	default:
		return nil
	}
}

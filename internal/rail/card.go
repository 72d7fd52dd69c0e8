package rail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/transfa/escrow-service/internal/domain"
)

// stripeAPI is the subset of the Stripe client the card rail calls.
type stripeAPI interface {
	NewPaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	NewTransfer(params *stripe.TransferParams) (*stripe.Transfer, error)
	NewRefund(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClient struct {
	api *client.API
}

func (c stripeClient) NewPaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return c.api.PaymentIntents.New(params)
}

func (c stripeClient) NewTransfer(params *stripe.TransferParams) (*stripe.Transfer, error) {
	return c.api.Transfers.New(params)
}

func (c stripeClient) NewRefund(params *stripe.RefundParams) (*stripe.Refund, error) {
	return c.api.Refunds.New(params)
}

// CardRail settles through Stripe: a confirmed PaymentIntent for capture, a
// Transfer to the seller's connected account for payout and a Refund against
// the PaymentIntent for refunds.
type CardRail struct {
	api      stripeAPI
	currency string
}

func NewCardRail(secretKey, currency string) *CardRail {
	return newCardRail(stripeClient{api: client.New(strings.TrimSpace(secretKey), nil)}, currency)
}

func newCardRail(api stripeAPI, currency string) *CardRail {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &CardRail{api: api, currency: currency}
}

func (r *CardRail) Method() domain.PaymentMethod {
	return domain.PaymentMethodStripe
}

func (r *CardRail) Capture(ctx context.Context, req CaptureRequest) (Result, error) {
	if strings.TrimSpace(req.PayerRef) == "" {
		return Result{}, fmt.Errorf("%w: stripe payment method is required", domain.ErrValidation)
	}
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.Amount),
		Currency:           stripe.String(r.currency),
		PaymentMethod:      stripe.String(req.PayerRef),
		PaymentMethodTypes: stripe.StringSlice([]string{"card", "us_bank_account"}),
		Confirm:            stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey("capture-" + req.IdempotencyKey)
	params.AddMetadata("transaction_id", req.TransactionID.String())

	pi, err := r.api.NewPaymentIntent(params)
	if err != nil {
		return Result{}, mapStripeError(OpCapture, err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return Result{Method: r.Method(), Reference: pi.ID, Confirmed: true}, nil
	case stripe.PaymentIntentStatusProcessing:
		// ACH debits settle days later and confirm through the webhook.
		return Result{Method: r.Method(), Reference: pi.ID, Confirmed: false}, nil
	default:
		return Result{}, fmt.Errorf("%w: payment intent %s ended in status %s", domain.ErrPaymentDeclined, pi.ID, pi.Status)
	}
}

func (r *CardRail) Payout(ctx context.Context, req PayoutRequest) (Result, error) {
	if strings.TrimSpace(req.Destination) == "" {
		return Result{}, permanent(OpPayout, "seller has no connected stripe account")
	}
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(r.currency),
		Destination:   stripe.String(req.Destination),
		TransferGroup: stripe.String(req.TransactionID.String()),
	}
	params.Context = ctx
	params.SetIdempotencyKey("payout-" + req.IdempotencyKey)
	params.AddMetadata("transaction_id", req.TransactionID.String())

	tr, err := r.api.NewTransfer(params)
	if err != nil {
		return Result{}, mapStripeError(OpPayout, err)
	}
	return Result{Method: r.Method(), Reference: tr.ID, Confirmed: true}, nil
}

func (r *CardRail) Refund(ctx context.Context, req RefundRequest) (Result, error) {
	if strings.TrimSpace(req.CaptureRef) == "" {
		return Result{}, permanent(OpRefund, "transaction has no payment intent to refund")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.CaptureRef),
		Amount:        stripe.Int64(req.Amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey("refund-" + req.IdempotencyKey)
	params.AddMetadata("transaction_id", req.TransactionID.String())

	rf, err := r.api.NewRefund(params)
	if err != nil {
		return Result{}, mapStripeError(OpRefund, err)
	}
	switch rf.Status {
	case stripe.RefundStatusSucceeded:
		return Result{Method: r.Method(), Reference: rf.ID, Confirmed: true}, nil
	case stripe.RefundStatusPending:
		return Result{Method: r.Method(), Reference: rf.ID, Confirmed: false}, nil
	default:
		return Result{}, permanent(OpRefund, "refund %s ended in status %s", rf.ID, rf.Status)
	}
}

// mapStripeError translates Stripe failures into rail sentinels. Card errors
// are declines; 5xx, rate limits and connection errors are transient.
func mapStripeError(op Operation, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return transient(op, "stripe request failed: %v", err)
	}

	if op == OpCapture && se.Type == stripe.ErrorTypeCard {
		if string(se.DeclineCode) == "insufficient_funds" || string(se.Code) == "insufficient_funds" {
			return fmt.Errorf("%w: %s", domain.ErrInsufficientFunds, se.Msg)
		}
		return fmt.Errorf("%w: %s", domain.ErrPaymentDeclined, se.Msg)
	}
	if se.HTTPStatusCode == 429 || se.HTTPStatusCode >= 500 || se.Type == stripe.ErrorTypeAPI {
		return transient(op, "stripe %s error (%d): %s", se.Type, se.HTTPStatusCode, se.Msg)
	}
	if op == OpCapture {
		return fmt.Errorf("%w: %s", domain.ErrPaymentDeclined, se.Msg)
	}
	return permanent(op, "stripe %s error: %s", se.Type, se.Msg)
}

package rail

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/transfa/escrow-service/internal/domain"
)

const (
	buyerWallet  = "0x52908400098527886e0f7030069857d2e4169ee7"
	escrowWallet = "0x8617e340b3d01fa5f11f306f4090fd50e238070d"
	sampleHash   = "0x88df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944b"
)

func TestUSDCConversion(t *testing.T) {
	assert.Equal(t, "5000.000000", ToUSDC(500000))
	assert.Equal(t, "0.010000", ToUSDC(1))

	minor, err := FromUSDC("4850.00")
	require.NoError(t, err)
	assert.EqualValues(t, 485000, minor)

	_, err = FromUSDC("1.000001")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = FromUSDC("abc")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestNormalizeAddressAndHash(t *testing.T) {
	addr, err := NormalizeAddress(buyerWallet)
	require.NoError(t, err)
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", addr)

	_, err = NormalizeAddress("0x1234")
	assert.ErrorIs(t, err, domain.ErrValidation)

	h, err := NormalizeTxHash(strings.ToUpper(sampleHash[2:]))
	assert.Error(t, err, "hash without 0x prefix must be rejected")
	assert.Empty(t, h)

	h, err = NormalizeTxHash(sampleHash)
	require.NoError(t, err)
	assert.Equal(t, sampleHash, h)
}

type stripeStub struct {
	pi       *stripe.PaymentIntent
	piErr    error
	transfer *stripe.Transfer
	refund   *stripe.Refund
	lastPI   *stripe.PaymentIntentParams
	lastTr   *stripe.TransferParams
}

func (s *stripeStub) NewPaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.lastPI = params
	return s.pi, s.piErr
}

func (s *stripeStub) NewTransfer(params *stripe.TransferParams) (*stripe.Transfer, error) {
	s.lastTr = params
	return s.transfer, nil
}

func (s *stripeStub) NewRefund(params *stripe.RefundParams) (*stripe.Refund, error) {
	return s.refund, nil
}

func TestCardRail_CaptureConfirmsSucceededIntent(t *testing.T) {
	stub := &stripeStub{pi: &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusSucceeded}}
	r := newCardRail(stub, "")
	txID := uuid.New()

	res, err := r.Capture(context.Background(), CaptureRequest{TransactionID: txID, Amount: 500000, PayerRef: "pm_card_visa", IdempotencyKey: txID.String()})
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.Equal(t, "pi_1", res.Reference)
	assert.Equal(t, domain.PaymentMethodStripe, res.Method)
	assert.Equal(t, "capture-"+txID.String(), *stub.lastPI.IdempotencyKey)
	assert.Equal(t, "usd", *stub.lastPI.Currency)
}

func TestCardRail_CaptureProcessingIsSubmitted(t *testing.T) {
	stub := &stripeStub{pi: &stripe.PaymentIntent{ID: "pi_ach", Status: stripe.PaymentIntentStatusProcessing}}
	res, err := newCardRail(stub, "usd").Capture(context.Background(), CaptureRequest{Amount: 1, PayerRef: "pm_ach"})
	require.NoError(t, err)
	assert.False(t, res.Confirmed)
}

func TestCardRail_MapsCardErrors(t *testing.T) {
	insufficient := &stripeStub{piErr: &stripe.Error{Type: stripe.ErrorTypeCard, DeclineCode: "insufficient_funds", HTTPStatusCode: 402}}
	_, err := newCardRail(insufficient, "usd").Capture(context.Background(), CaptureRequest{Amount: 1, PayerRef: "pm"})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	declined := &stripeStub{piErr: &stripe.Error{Type: stripe.ErrorTypeCard, DeclineCode: "generic_decline", HTTPStatusCode: 402}}
	_, err = newCardRail(declined, "usd").Capture(context.Background(), CaptureRequest{Amount: 1, PayerRef: "pm"})
	assert.ErrorIs(t, err, domain.ErrPaymentDeclined)
	assert.NotErrorIs(t, err, ErrTransient)

	outage := &stripeStub{piErr: &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 503}}
	_, err = newCardRail(outage, "usd").Capture(context.Background(), CaptureRequest{Amount: 1, PayerRef: "pm"})
	assert.ErrorIs(t, err, ErrTransient)
}

func TestCardRail_PayoutRequiresConnectedAccount(t *testing.T) {
	stub := &stripeStub{transfer: &stripe.Transfer{ID: "tr_1"}}
	r := newCardRail(stub, "usd")

	_, err := r.Payout(context.Background(), PayoutRequest{Amount: 485000})
	assert.ErrorIs(t, err, domain.ErrPayoutFailed)

	res, err := r.Payout(context.Background(), PayoutRequest{Amount: 485000, Destination: "acct_123", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.Equal(t, "acct_123", *stub.lastTr.Destination)
	assert.EqualValues(t, 485000, *stub.lastTr.Amount)
}

func TestCardRail_PendingRefundIsSubmitted(t *testing.T) {
	stub := &stripeStub{refund: &stripe.Refund{ID: "re_1", Status: stripe.RefundStatusPending}}
	res, err := newCardRail(stub, "usd").Refund(context.Background(), RefundRequest{Amount: 1, CaptureRef: "pi_1"})
	require.NoError(t, err)
	assert.False(t, res.Confirmed)
	assert.Equal(t, "re_1", res.Reference)
}

func TestChainRail_CaptureSubmitsToRelayer(t *testing.T) {
	var gotKey, gotAuth string
	var got relayerTransferRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/transfers/inbound", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(relayerTransferResponse{ID: "rl_1", TxHash: sampleHash, Status: "submitted"})
	}))
	defer srv.Close()

	r := NewChainRail(srv.URL+"/", "secret", escrowWallet)
	txID := uuid.New()
	res, err := r.Capture(context.Background(), CaptureRequest{TransactionID: txID, Amount: 500000, PayerRef: buyerWallet, IdempotencyKey: txID.String()})
	require.NoError(t, err)

	assert.False(t, res.Confirmed)
	assert.Equal(t, sampleHash, res.Reference)
	assert.Equal(t, "5000.000000", res.Amount)
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", res.PayerAccount)
	assert.Equal(t, "capture-"+txID.String(), gotKey)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "USDC", got.Asset)
	assert.Equal(t, txID.String(), got.ReferenceID)
}

func TestChainRail_MapsRelayerStatuses(t *testing.T) {
	status := http.StatusPaymentRequired
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(relayerTransferResponse{Status: "rejected", Reason: "balance"})
	}))
	defer srv.Close()
	r := NewChainRail(srv.URL, "", escrowWallet)

	_, err := r.Capture(context.Background(), CaptureRequest{Amount: 1, PayerRef: buyerWallet})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	status = http.StatusBadGateway
	_, err = r.Payout(context.Background(), PayoutRequest{Amount: 1, Destination: escrowWallet})
	assert.ErrorIs(t, err, domain.ErrPayoutFailed)
	assert.ErrorIs(t, err, ErrTransient)

	status = http.StatusUnprocessableEntity
	_, err = r.Refund(context.Background(), RefundRequest{Amount: 1, Destination: buyerWallet})
	assert.ErrorIs(t, err, domain.ErrRefundFailed)
	assert.NotErrorIs(t, err, ErrTransient)
}

func TestChainRail_RejectsInvalidWalletBeforeCalling(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	_, err := NewChainRail(srv.URL, "", escrowWallet).Capture(context.Background(), CaptureRequest{Amount: 1, PayerRef: "not-a-wallet"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

type flakyRail struct {
	failures int
	err      error
	calls    int
}

func (f *flakyRail) Method() domain.PaymentMethod { return domain.PaymentMethodStripe }

func (f *flakyRail) Capture(ctx context.Context, req CaptureRequest) (Result, error) {
	f.calls++
	if f.calls <= f.failures {
		return Result{}, f.err
	}
	return Result{Method: domain.PaymentMethodStripe, Reference: "ok", Confirmed: true}, nil
}

func (f *flakyRail) Payout(ctx context.Context, req PayoutRequest) (Result, error) {
	return f.Capture(ctx, CaptureRequest{})
}

func (f *flakyRail) Refund(ctx context.Context, req RefundRequest) (Result, error) {
	return f.Capture(ctx, CaptureRequest{})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWithRetry_RetriesTransientFailures(t *testing.T) {
	inner := &flakyRail{failures: 2, err: transient(OpPayout, "timeout")}
	r := WithRetry(inner, RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond}, quietLogger(), nil)

	res, err := r.Payout(context.Background(), PayoutRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Reference)
	assert.Equal(t, 3, inner.calls)
}

func TestWithRetry_DoesNotRetryDeclines(t *testing.T) {
	inner := &flakyRail{failures: 5, err: domain.ErrPaymentDeclined}
	r := WithRetry(inner, RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond}, quietLogger(), nil)

	_, err := r.Capture(context.Background(), CaptureRequest{})
	assert.ErrorIs(t, err, domain.ErrPaymentDeclined)
	assert.Equal(t, 1, inner.calls)
}

func TestWithRetry_GivesUpAfterBound(t *testing.T) {
	inner := &flakyRail{failures: 10, err: transient(OpPayout, "down")}
	r := WithRetry(inner, RetryPolicy{MaxRetries: 1, Backoff: time.Millisecond}, quietLogger(), nil)

	_, err := r.Payout(context.Background(), PayoutRequest{})
	assert.True(t, errors.Is(err, domain.ErrPayoutFailed))
	assert.Equal(t, 2, inner.calls)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(newCardRail(&stripeStub{}, "usd"), NewChainRail("http://relayer", "", escrowWallet))

	r, err := reg.Get(domain.PaymentMethodCryptoUSDC)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentMethodCryptoUSDC, r.Method())

	_, err = NewRegistry().Get(domain.PaymentMethodStripe)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Len(t, reg.Methods(), 2)
}

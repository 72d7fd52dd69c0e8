package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"
)

// USDCDecimals is the on-chain precision of the stablecoin.
const USDCDecimals = 6

// minorUnitExponent is the exponent of the platform currency's minor unit (cents).
const minorUnitExponent = -2

// ToUSDC renders a minor-unit amount as a six-decimal USDC string.
func ToUSDC(minor int64) string {
	return decimal.New(minor, minorUnitExponent).StringFixed(USDCDecimals)
}

// FromUSDC parses a USDC amount back into minor units. Amounts finer than a
// cent are rejected.
func FromUSDC(amount string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, fmt.Errorf("%w: invalid USDC amount %q", domain.ErrValidation, amount)
	}
	minor := d.Shift(-minorUnitExponent)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: USDC amount %q has sub-cent precision", domain.ErrValidation, amount)
	}
	return minor.IntPart(), nil
}

// NormalizeAddress validates an EVM address and returns its checksummed form.
func NormalizeAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return "", fmt.Errorf("%w: invalid wallet address %q", domain.ErrValidation, raw)
	}
	return common.HexToAddress(raw).Hex(), nil
}

// NormalizeTxHash validates a 32-byte transaction hash and returns it lower-cased.
func NormalizeTxHash(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		return "", fmt.Errorf("%w: invalid transaction hash %q", domain.ErrValidation, raw)
	}
	return common.BytesToHash(b).Hex(), nil
}

// ChainRail moves USDC through a custody relayer. The relayer broadcasts the
// transfer and reports the hash immediately; finality arrives later as a
// rail.chain.*.confirmed event, so every result is unconfirmed.
type ChainRail struct {
	baseURL      string
	apiKey       string
	escrowWallet string
	httpClient   *http.Client
}

func NewChainRail(baseURL, apiKey, escrowWallet string) *ChainRail {
	return &ChainRail{
		baseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:       strings.TrimSpace(apiKey),
		escrowWallet: strings.TrimSpace(escrowWallet),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *ChainRail) Method() domain.PaymentMethod {
	return domain.PaymentMethodCryptoUSDC
}

type relayerTransferRequest struct {
	ReferenceID string `json:"reference_id"`
	Asset       string `json:"asset"`
	From        string `json:"from,omitempty"`
	To          string `json:"to"`
	Amount      string `json:"amount"`
}

type relayerTransferResponse struct {
	ID     string `json:"id"`
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (r *ChainRail) Capture(ctx context.Context, req CaptureRequest) (Result, error) {
	from, err := NormalizeAddress(req.PayerRef)
	if err != nil {
		return Result{}, err
	}
	to, err := NormalizeAddress(r.escrowWallet)
	if err != nil {
		return Result{}, fmt.Errorf("chain rail escrow wallet misconfigured: %w", err)
	}
	res, err := r.transfer(ctx, OpCapture, "/v1/transfers/inbound", req.IdempotencyKey, relayerTransferRequest{
		ReferenceID: req.TransactionID.String(),
		Asset:       "USDC",
		From:        from,
		To:          to,
		Amount:      ToUSDC(req.Amount),
	})
	if err != nil {
		return Result{}, err
	}
	res.PayerAccount = from
	return res, nil
}

func (r *ChainRail) Payout(ctx context.Context, req PayoutRequest) (Result, error) {
	to, err := NormalizeAddress(req.Destination)
	if err != nil {
		return Result{}, permanent(OpPayout, "seller wallet: %v", err)
	}
	return r.transfer(ctx, OpPayout, "/v1/transfers/outbound", req.IdempotencyKey, relayerTransferRequest{
		ReferenceID: req.TransactionID.String(),
		Asset:       "USDC",
		To:          to,
		Amount:      ToUSDC(req.Amount),
	})
}

func (r *ChainRail) Refund(ctx context.Context, req RefundRequest) (Result, error) {
	to, err := NormalizeAddress(req.Destination)
	if err != nil {
		return Result{}, permanent(OpRefund, "buyer wallet: %v", err)
	}
	return r.transfer(ctx, OpRefund, "/v1/transfers/outbound", req.IdempotencyKey, relayerTransferRequest{
		ReferenceID: req.TransactionID.String(),
		Asset:       "USDC",
		To:          to,
		Amount:      ToUSDC(req.Amount),
	})
}

func (r *ChainRail) transfer(ctx context.Context, op Operation, path, idempotencyKey string, payload relayerTransferRequest) (Result, error) {
	if r.baseURL == "" {
		return Result{}, permanent(op, "chain relayer base url is empty")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal relayer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create relayer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", string(op)+"-"+idempotencyKey)
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Result{}, transient(op, "relayer request failed: %v", err)
	}
	defer resp.Body.Close()

	var out relayerTransferResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{}, transient(op, "relayer returned status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusPaymentRequired && op == OpCapture:
		return Result{}, fmt.Errorf("%w: %s", domain.ErrInsufficientFunds, out.Reason)
	case resp.StatusCode >= 400 && op == OpCapture:
		return Result{}, fmt.Errorf("%w: relayer rejected transfer (%d): %s", domain.ErrPaymentDeclined, resp.StatusCode, out.Reason)
	case resp.StatusCode >= 400:
		return Result{}, permanent(op, "relayer rejected transfer (%d): %s", resp.StatusCode, out.Reason)
	}
	if decodeErr != nil {
		return Result{}, transient(op, "failed to decode relayer response: %v", decodeErr)
	}
	if strings.EqualFold(out.Status, "rejected") {
		if op == OpCapture {
			return Result{}, fmt.Errorf("%w: %s", domain.ErrPaymentDeclined, out.Reason)
		}
		return Result{}, permanent(op, "relayer rejected transfer: %s", out.Reason)
	}

	hash, err := NormalizeTxHash(out.TxHash)
	if err != nil {
		return Result{}, errors.Join(permanent(op, "relayer returned no usable transaction hash"), err)
	}
	return Result{
		Method:    r.Method(),
		Reference: hash,
		Confirmed: false,
		Amount:    payload.Amount,
	}, nil
}

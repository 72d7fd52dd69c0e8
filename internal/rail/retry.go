package rail

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/metrics"
)

// RetryPolicy bounds every rail call.
type RetryPolicy struct {
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Timeout <= 0 {
		p.Timeout = 20 * time.Second
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Backoff <= 0 {
		p.Backoff = 250 * time.Millisecond
	}
	return p
}

// retryingRail applies a per-attempt timeout and repeats ErrTransient failures.
// Declines and other permanent failures are returned on the first attempt.
type retryingRail struct {
	next    Rail
	policy  RetryPolicy
	logger  *slog.Logger
	metrics *metrics.EscrowMetrics
}

// WithRetry decorates r. The same idempotency key is reused on every attempt.
func WithRetry(r Rail, policy RetryPolicy, logger *slog.Logger, m *metrics.EscrowMetrics) Rail {
	if logger == nil {
		logger = slog.Default()
	}
	return &retryingRail{next: r, policy: policy.normalized(), logger: logger, metrics: m}
}

func (r *retryingRail) Method() domain.PaymentMethod {
	return r.next.Method()
}

func (r *retryingRail) Capture(ctx context.Context, req CaptureRequest) (Result, error) {
	return r.do(ctx, OpCapture, func(ctx context.Context) (Result, error) { return r.next.Capture(ctx, req) })
}

func (r *retryingRail) Payout(ctx context.Context, req PayoutRequest) (Result, error) {
	return r.do(ctx, OpPayout, func(ctx context.Context) (Result, error) { return r.next.Payout(ctx, req) })
}

func (r *retryingRail) Refund(ctx context.Context, req RefundRequest) (Result, error) {
	return r.do(ctx, OpRefund, func(ctx context.Context) (Result, error) { return r.next.Refund(ctx, req) })
}

func (r *retryingRail) do(ctx context.Context, op Operation, call func(context.Context) (Result, error)) (Result, error) {
	method := string(r.next.Method())
	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := r.policy.Backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return Result{}, errors.Join(lastErr, ctx.Err())
			case <-time.After(wait):
			}
		}

		started := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
		res, err := call(attemptCtx)
		cancel()

		if err == nil {
			outcome := "submitted"
			if res.Confirmed {
				outcome = "confirmed"
			}
			r.metrics.ObserveRailCall(method, string(op), outcome, time.Since(started))
			return res, nil
		}

		r.metrics.ObserveRailCall(method, string(op), "error", time.Since(started))
		lastErr = err
		if !errors.Is(err, ErrTransient) {
			return Result{}, err
		}
		r.logger.Warn("transient rail failure", "rail", method, "operation", op, "attempt", attempt+1, "error", err)
	}
	return Result{}, lastErr
}

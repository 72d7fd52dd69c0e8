/**
 * @description
 * The escrow engine's application service. It owns the offer ledger and the
 * transaction state machine, calls the payment rails and publishes lifecycle
 * events. Every operation takes the acting party explicitly; nothing reads
 * identity from ambient state.
 *
 * @dependencies
 * - internal/store: persistence with atomic multi-entity operations.
 * - internal/rail: payment rail registry.
 * - pkg/identityclient: verification status and payout destinations.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/metrics"
	"github.com/transfa/escrow-service/internal/rail"
	"github.com/transfa/escrow-service/internal/store"
	"github.com/transfa/escrow-service/pkg/identityclient"
)

// EventPublisher is satisfied by rabbitmq.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// OfferThrottle is satisfied by RedisOfferThrottle.
type OfferThrottle interface {
	ConsumeOfferSubmission(ctx context.Context, buyerID, propertyID uuid.UUID, limits OfferLimits) (ThrottleDecision, error)
}

// IdentityDirectory is satisfied by identityclient.Client.
type IdentityDirectory interface {
	GetProfile(ctx context.Context, userID string) (*identityclient.Profile, error)
}

// EscrowTimer arms prompt in-process release attempts. The database deadline
// stays authoritative; a lost timer is covered by the sweep.
type EscrowTimer interface {
	Arm(transactionID uuid.UUID, releaseAt time.Time)
	Disarm(transactionID uuid.UUID)
}

type noopTimer struct{}

func (noopTimer) Arm(uuid.UUID, time.Time) {}
func (noopTimer) Disarm(uuid.UUID)         {}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, string, interface{}) error { return nil }

// Config carries the tunables the service reads.
type Config struct {
	HighValueOfferThreshold int64
	OfferSubmitRateLimit    int
	OfferListingRateLimit   int
	PayoutMaxAttempts       int
	PayoutBackoffBase       time.Duration
	PayoutBackoffMax        time.Duration
	SettlementLease         time.Duration
}

func (c Config) normalized() Config {
	if c.PayoutMaxAttempts <= 0 {
		c.PayoutMaxAttempts = 5
	}
	if c.PayoutBackoffBase <= 0 {
		c.PayoutBackoffBase = time.Minute
	}
	if c.PayoutBackoffMax <= 0 {
		c.PayoutBackoffMax = time.Hour
	}
	if c.PayoutBackoffMax < c.PayoutBackoffBase {
		c.PayoutBackoffMax = c.PayoutBackoffBase
	}
	if c.SettlementLease <= 0 {
		c.SettlementLease = 5 * time.Minute
	}
	return c
}

// Deps are the collaborators of the service. Identity and Limiter are optional.
type Deps struct {
	Repo      store.Repository
	Rails     *rail.Registry
	Publisher EventPublisher
	Identity  IdentityDirectory
	Limiter   OfferThrottle
	Metrics   *metrics.EscrowMetrics
	Logger    *slog.Logger
}

type Service struct {
	repo      store.Repository
	rails     *rail.Registry
	publisher EventPublisher
	identity  IdentityDirectory
	limiter   OfferThrottle
	metrics   *metrics.EscrowMetrics
	logger    *slog.Logger
	timer     EscrowTimer
	cfg       Config
	nowFn     func() time.Time
}

func NewService(deps Deps, cfg Config) *Service {
	s := &Service{
		repo:      deps.Repo,
		rails:     deps.Rails,
		publisher: deps.Publisher,
		identity:  deps.Identity,
		limiter:   deps.Limiter,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		timer:     noopTimer{},
		cfg:       cfg.normalized(),
		nowFn:     time.Now,
	}
	if s.publisher == nil {
		s.publisher = noopPublisher{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.rails == nil {
		s.rails = rail.NewRegistry()
	}
	return s
}

// SetNowFunc overrides the service clock.
func (s *Service) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	s.nowFn = fn
}

// SetEscrowTimer attaches the scheduler once it has been built.
func (s *Service) SetEscrowTimer(t EscrowTimer) {
	if t == nil {
		t = noopTimer{}
	}
	s.timer = t
}

func (s *Service) SettlementLease() time.Duration {
	return s.cfg.SettlementLease
}

func (s *Service) now() time.Time {
	return s.nowFn().UTC()
}

func (s *Service) publish(ctx context.Context, routingKey string, body interface{}) {
	if err := s.publisher.Publish(ctx, domain.MarketplaceExchange, routingKey, body); err != nil {
		s.logger.Warn("failed to publish event", "routing_key", routingKey, "error", err)
	}
}

func (s *Service) publishTransaction(ctx context.Context, routingKey string, txn *domain.Transaction, reason string) {
	s.metrics.TransactionTransition(string(txn.Status), string(txn.PaymentMethod))
	s.publish(ctx, routingKey, domain.NewTransactionEvent(txn, reason, s.now()))
}

// translate maps store errors onto the domain sentinels the API understands.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrPropertyNotFound),
		errors.Is(err, store.ErrOfferNotFound),
		errors.Is(err, store.ErrTransactionNotFound):
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	case errors.Is(err, store.ErrOfferNotPending),
		errors.Is(err, store.ErrPropertyNotActive),
		errors.Is(err, store.ErrPropertyNotPending),
		errors.Is(err, store.ErrVersionConflict):
		return fmt.Errorf("%w: %w", domain.ErrInvalidState, err)
	case errors.Is(err, store.ErrDuplicateOffer):
		return fmt.Errorf("%w: %w", domain.ErrValidation, err)
	case errors.Is(err, store.ErrRailReferenceTaken):
		return fmt.Errorf("%w: %w", domain.ErrDuplicateRailReference, err)
	default:
		return err
	}
}

// requireVerified enforces the high-value verification policy. It is a no-op
// when no identity service or threshold is configured.
func (s *Service) requireVerified(ctx context.Context, userID uuid.UUID, amount int64) error {
	if s.identity == nil || s.cfg.HighValueOfferThreshold <= 0 || amount < s.cfg.HighValueOfferThreshold {
		return nil
	}
	profile, err := s.identity.GetProfile(ctx, userID.String())
	if err != nil {
		if errors.Is(err, identityclient.ErrProfileNotFound) {
			return fmt.Errorf("%w: no identity profile on file", domain.ErrVerificationRequired)
		}
		return fmt.Errorf("identity lookup failed: %w", err)
	}
	if !profile.Verified() {
		return fmt.Errorf("%w: identity verification is required for amounts of %d or more", domain.ErrVerificationRequired, s.cfg.HighValueOfferThreshold)
	}
	return nil
}

// payoutDestination resolves the seller's account on the transaction's rail.
func (s *Service) payoutDestination(ctx context.Context, txn *domain.Transaction) (string, error) {
	if s.identity == nil {
		return "", nil
	}
	profile, err := s.identity.GetProfile(ctx, txn.SellerID.String())
	if err != nil {
		return "", err
	}
	switch txn.PaymentMethod {
	case domain.PaymentMethodCryptoUSDC:
		return profile.WalletAddress, nil
	default:
		return profile.StripeAccountID, nil
	}
}

func (s *Service) railFor(method domain.PaymentMethod) (rail.Rail, error) {
	return s.rails.Get(method)
}

func canView(actor domain.Actor, buyerID, sellerID uuid.UUID) bool {
	return actor.IsAdmin() || actor.IsParty(buyerID, sellerID)
}

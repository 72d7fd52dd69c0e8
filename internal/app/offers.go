package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/fees"
	"github.com/transfa/escrow-service/internal/store"
)

const (
	offerSubmitScope   = "offer_submit"
	offerSubmitWindow  = time.Minute
	offerListingWindow = time.Hour
)

// OfferOutcome is the result of responding to an offer. Counter and
// Transaction are set only for the matching decision.
type OfferOutcome struct {
	Offer       *domain.Offer       `json:"offer"`
	Counter     *domain.Offer       `json:"counter_offer,omitempty"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
}

// RateLimitError carries the retry hint for a throttled caller.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %d seconds", domain.ErrRateLimited, e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error {
	return domain.ErrRateLimited
}

// SubmitOffer records a buyer's pending offer on an active property.
func (s *Service) SubmitOffer(ctx context.Context, actor domain.Actor, propertyID uuid.UUID, terms domain.OfferTerms) (*domain.Offer, error) {
	now := s.now()
	terms, err := terms.Validate(now)
	if err != nil {
		return nil, err
	}
	if err := s.throttleOfferSubmission(ctx, actor.ID, propertyID); err != nil {
		return nil, err
	}

	property, err := s.repo.GetProperty(ctx, propertyID)
	if err != nil {
		return nil, translate(err)
	}
	if property.Status != domain.PropertyActive {
		return nil, fmt.Errorf("%w: property is not accepting offers", domain.ErrValidation)
	}
	if property.SellerID == actor.ID {
		return nil, fmt.Errorf("%w: sellers cannot make offers on their own property", domain.ErrValidation)
	}
	if _, err := s.railFor(terms.PaymentMethod); err != nil {
		return nil, err
	}
	if err := s.requireVerified(ctx, actor.ID, terms.OfferAmount); err != nil {
		return nil, err
	}
	if !terms.EarnestInCustomaryRange() {
		s.logger.Warn("earnest money outside customary range",
			"property_id", propertyID, "buyer_id", actor.ID,
			"offer_amount", terms.OfferAmount, "earnest_money", terms.EarnestMoney)
	}

	offer := domain.NewOffer(property, actor.ID, terms, now)
	if err := s.repo.CreateOffer(ctx, offer); err != nil {
		return nil, translate(err)
	}

	s.metrics.OfferTransition(string(offer.Status))
	s.publish(ctx, domain.EventOfferSubmitted, domain.NewOfferEvent(offer, now))
	s.logger.Info("offer submitted", "offer_id", offer.ID, "property_id", propertyID, "amount", offer.OfferAmount)
	return offer, nil
}

func (s *Service) throttleOfferSubmission(ctx context.Context, buyerID, propertyID uuid.UUID) error {
	limits := OfferLimits{
		PerBuyer:      s.cfg.OfferSubmitRateLimit,
		BuyerWindow:   offerSubmitWindow,
		PerListing:    s.cfg.OfferListingRateLimit,
		ListingWindow: offerListingWindow,
	}
	if s.limiter == nil || !limits.enabled() {
		return nil
	}
	decision, err := s.limiter.ConsumeOfferSubmission(ctx, buyerID, propertyID, limits)
	if err != nil {
		// Fail open: losing the limiter must not block offers.
		s.logger.Warn("offer rate limiter unavailable", "buyer_id", buyerID, "error", err)
		return nil
	}
	if !decision.Allowed {
		s.metrics.RecordThrottle(offerSubmitScope + "_" + decision.Scope)
		s.logger.Info("offer submission throttled", "buyer_id", buyerID, "property_id", propertyID, "scope", decision.Scope)
		return &RateLimitError{RetryAfterSeconds: decision.RetryAfterSeconds}
	}
	return nil
}

// RespondToOffer applies the respondent's decision to a pending offer.
func (s *Service) RespondToOffer(ctx context.Context, actor domain.Actor, offerID uuid.UUID, resp domain.OfferResponse) (*OfferOutcome, error) {
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	offer, err := s.repo.GetOffer(ctx, offerID)
	if err != nil {
		return nil, translate(err)
	}
	if actor.ID != offer.RespondentID() {
		return nil, fmt.Errorf("%w: only the receiving party may respond to this offer", domain.ErrNotAuthorized)
	}

	now := s.now()
	if !offer.IsOpen(now) {
		return nil, fmt.Errorf("%w: offer is %s", domain.ErrInvalidState, s.offerStateLabel(offer, now))
	}

	transition := domain.OfferTransition{At: now, SellerResponse: resp.ResponseText}
	switch resp.Decision {
	case domain.DecisionAccept:
		return s.acceptOffer(ctx, actor, offer, transition)
	case domain.DecisionReject:
		transition.Status = domain.OfferRejected
		rejected, err := s.repo.TransitionOffer(ctx, offer.ID, transition)
		if err != nil {
			return nil, translate(err)
		}
		s.metrics.OfferTransition(string(rejected.Status))
		s.publish(ctx, domain.EventOfferRejected, domain.NewOfferEvent(rejected, now))
		return &OfferOutcome{Offer: rejected}, nil
	default:
		return s.counterOffer(ctx, actor, offer, transition, *resp.CounterAmount)
	}
}

func (s *Service) offerStateLabel(o *domain.Offer, now time.Time) string {
	if o.Due(now) {
		return string(domain.OfferExpired)
	}
	return string(o.Status)
}

func (s *Service) acceptOffer(ctx context.Context, actor domain.Actor, offer *domain.Offer, transition domain.OfferTransition) (*OfferOutcome, error) {
	if err := s.requireVerified(ctx, actor.ID, offer.OfferAmount); err != nil {
		return nil, err
	}
	split, err := fees.Quote(offer.OfferAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	transition.Status = domain.OfferAccepted
	offerID := offer.ID
	txn, err := newTransaction(offer.PropertyID, offer.BuyerID, offer.SellerID, &offerID, split, offer.PaymentMethod, transition.At)
	if err != nil {
		return nil, err
	}

	accepted, err := s.repo.AcceptOffer(ctx, offer.ID, transition, txn)
	if err != nil {
		if errors.Is(err, store.ErrPropertyNotActive) {
			return nil, fmt.Errorf("%w: property is already under contract", domain.ErrInvalidState)
		}
		return nil, translate(err)
	}

	s.metrics.OfferTransition(string(accepted.Status))
	s.publish(ctx, domain.EventOfferAccepted, domain.NewOfferEvent(accepted, transition.At))
	s.publishTransaction(ctx, domain.EventTransactionCreated, txn, "")
	s.logger.Info("offer accepted", "offer_id", accepted.ID, "transaction_id", txn.ID, "total_amount", txn.TotalAmount)
	return &OfferOutcome{Offer: accepted, Transaction: txn}, nil
}

func (s *Service) counterOffer(ctx context.Context, actor domain.Actor, offer *domain.Offer, transition domain.OfferTransition, amount int64) (*OfferOutcome, error) {
	if offer.CounterOf != nil {
		return nil, fmt.Errorf("%w: a counter-offer can only be accepted or rejected", domain.ErrValidation)
	}
	// The counter is a new submission and carries the original closing date.
	if offer.ClosingDate.Before(transition.At.Add(domain.MinClosingLead)) {
		return nil, fmt.Errorf("%w: closing date %s is less than %s away; reject and ask for a new offer",
			domain.ErrValidation, offer.ClosingDate.Format(time.DateOnly), domain.MinClosingLead)
	}
	if err := s.requireVerified(ctx, actor.ID, amount); err != nil {
		return nil, err
	}

	transition.Status = domain.OfferCountered
	transition.CounterAmount = &amount
	counter := domain.NewCounterOffer(offer, amount, transition.At)

	countered, err := s.repo.CounterOffer(ctx, offer.ID, transition, counter)
	if err != nil {
		return nil, translate(err)
	}

	s.metrics.OfferTransition(string(countered.Status))
	s.metrics.OfferTransition(string(counter.Status))
	s.publish(ctx, domain.EventOfferCountered, domain.NewOfferEvent(countered, transition.At))
	s.publish(ctx, domain.EventOfferSubmitted, domain.NewOfferEvent(counter, transition.At))
	return &OfferOutcome{Offer: countered, Counter: counter}, nil
}

// SweepExpiredOffers expires every pending offer whose deadline has passed.
func (s *Service) SweepExpiredOffers(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.repo.ExpireOffers(ctx, now)
	if err != nil {
		return 0, err
	}
	for i := range expired {
		s.metrics.OfferTransition(string(domain.OfferExpired))
		s.publish(ctx, domain.EventOfferExpired, domain.NewOfferEvent(&expired[i], now))
	}
	return len(expired), nil
}

// GetOffer returns an offer visible to its buyer, its seller or an admin.
func (s *Service) GetOffer(ctx context.Context, actor domain.Actor, offerID uuid.UUID) (*domain.Offer, error) {
	offer, err := s.repo.GetOffer(ctx, offerID)
	if err != nil {
		return nil, translate(err)
	}
	if !canView(actor, offer.BuyerID, offer.SellerID) {
		return nil, fmt.Errorf("%w: offer belongs to other parties", domain.ErrNotAuthorized)
	}
	return offer, nil
}

// ListOffersForProperty is the seller's inbox for one listing.
func (s *Service) ListOffersForProperty(ctx context.Context, actor domain.Actor, propertyID uuid.UUID) ([]domain.Offer, error) {
	property, err := s.repo.GetProperty(ctx, propertyID)
	if err != nil {
		return nil, translate(err)
	}
	if !actor.IsAdmin() && actor.ID != property.SellerID {
		return nil, fmt.Errorf("%w: only the seller may list offers on a property", domain.ErrNotAuthorized)
	}
	return s.repo.ListOffersByProperty(ctx, propertyID)
}

// ListOffersForUser returns every offer the actor made or received.
func (s *Service) ListOffersForUser(ctx context.Context, actor domain.Actor) ([]domain.Offer, error) {
	return s.repo.ListOffersByUser(ctx, actor.ID)
}

// SyncProperty applies a listing projection update from the listing owner.
func (s *Service) SyncProperty(ctx context.Context, property *domain.Property) error {
	if property == nil || property.ID == uuid.Nil || property.SellerID == uuid.Nil {
		return fmt.Errorf("%w: property id and seller id are required", domain.ErrValidation)
	}
	if property.Price < 0 {
		return fmt.Errorf("%w: property price must be non-negative", domain.ErrValidation)
	}
	switch property.Status {
	case domain.PropertyDraft, domain.PropertyActive, domain.PropertyPending, domain.PropertySold, domain.PropertyWithdrawn:
	default:
		return fmt.Errorf("%w: unknown property status %q", domain.ErrValidation, property.Status)
	}
	if property.UpdatedAt.IsZero() {
		property.UpdatedAt = s.now()
	}
	return s.repo.UpsertProperty(ctx, property)
}

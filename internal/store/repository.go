/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the escrow engine performs. Every multi-entity change (accept, direct
 * purchase, release completion, cancel completion) is a single method so that
 * implementations can run it as one atomic unit.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
)

var (
	ErrPropertyNotFound    = errors.New("property not found")
	ErrOfferNotFound       = errors.New("offer not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrOfferNotPending     = errors.New("offer is no longer pending")
	ErrPropertyNotActive   = errors.New("property is not active")
	ErrPropertyNotPending  = errors.New("property is not pending")
	ErrDuplicateOffer      = errors.New("buyer already has an open offer on this property")
	ErrVersionConflict     = errors.New("transaction was modified concurrently")
	ErrRailReferenceTaken  = errors.New("rail reference already bound to another transaction")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Property methods
	GetProperty(ctx context.Context, propertyID uuid.UUID) (*domain.Property, error)
	// UpsertProperty syncs the listing projection published by the listing owner.
	// The status of a property under contract (pending or sold) is never
	// overwritten by a sync.
	UpsertProperty(ctx context.Context, property *domain.Property) error

	// Offer methods
	// CreateOffer inserts a pending offer. It fails with ErrDuplicateOffer when the
	// buyer already has a pending offer on the same property.
	CreateOffer(ctx context.Context, offer *domain.Offer) error
	GetOffer(ctx context.Context, offerID uuid.UUID) (*domain.Offer, error)
	ListOffersByProperty(ctx context.Context, propertyID uuid.UUID) ([]domain.Offer, error)
	ListOffersByUser(ctx context.Context, userID uuid.UUID) ([]domain.Offer, error)
	// TransitionOffer moves a pending offer to a terminal status.
	TransitionOffer(ctx context.Context, offerID uuid.UUID, transition domain.OfferTransition) (*domain.Offer, error)
	// CounterOffer marks the original countered and inserts the counter-offer.
	CounterOffer(ctx context.Context, offerID uuid.UUID, transition domain.OfferTransition, counter *domain.Offer) (*domain.Offer, error)
	// AcceptOffer marks the offer accepted, moves the property active -> pending
	// and inserts the transaction.
	AcceptOffer(ctx context.Context, offerID uuid.UUID, transition domain.OfferTransition, txn *domain.Transaction) (*domain.Offer, error)
	// ExpireOffers transitions every pending offer with expires_at <= now.
	ExpireOffers(ctx context.Context, now time.Time) ([]domain.Offer, error)

	// Transaction methods
	// CreateDirectTransaction moves the property active -> pending and inserts txn.
	CreateDirectTransaction(ctx context.Context, txn *domain.Transaction) error
	GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	// UpdateTransaction persists txn if the stored version equals txn.Version and
	// returns the stored row with its new version.
	UpdateTransaction(ctx context.Context, txn *domain.Transaction) (*domain.Transaction, error)
	// CompleteRelease is UpdateTransaction plus property pending -> sold.
	CompleteRelease(ctx context.Context, txn *domain.Transaction) (*domain.Transaction, error)
	// CompleteCancel is UpdateTransaction plus property pending -> active.
	CompleteCancel(ctx context.Context, txn *domain.Transaction) (*domain.Transaction, error)
	// ListReleaseCandidates returns escrow transactions whose hold has elapsed and
	// which are not flagged, not backing off and either unclaimed or holding a
	// claim older than lease with no rail reference.
	ListReleaseCandidates(ctx context.Context, now time.Time, lease time.Duration) ([]domain.Transaction, error)
	ListEscrowTransactions(ctx context.Context) ([]domain.Transaction, error)

	// Rail receipt methods
	// BindRailReference records reference as belonging to transactionID. Binding
	// the same pair twice is a no-op; binding it to another transaction fails
	// with ErrRailReferenceTaken.
	BindRailReference(ctx context.Context, rail domain.PaymentMethod, reference string, transactionID uuid.UUID) error
	FindTransactionByRailReference(ctx context.Context, rail domain.PaymentMethod, reference string) (*domain.Transaction, error)

	CreateManualIntervention(ctx context.Context, item *domain.ManualIntervention) error
	ListActivity(ctx context.Context, userID uuid.UUID, opts domain.ActivityListOptions) ([]domain.ActivityItem, error)
}

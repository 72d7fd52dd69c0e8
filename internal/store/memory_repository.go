/**
 * @description
 * In-process implementation of the `Repository` interface. A single mutex
 * serializes every method, which gives each multi-entity method the same
 * all-or-nothing behaviour the PostgreSQL transactions provide. Used by tests
 * and by STORE_DRIVER=memory.
 */

package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
)

type railKey struct {
	rail      domain.PaymentMethod
	reference string
}

// MemoryRepository keeps all records in maps guarded by one mutex.
type MemoryRepository struct {
	mu            sync.Mutex
	properties    map[uuid.UUID]*domain.Property
	offers        map[uuid.UUID]*domain.Offer
	transactions  map[uuid.UUID]*domain.Transaction
	receipts      map[railKey]uuid.UUID
	interventions []domain.ManualIntervention
	nowFn         func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		properties:   make(map[uuid.UUID]*domain.Property),
		offers:       make(map[uuid.UUID]*domain.Offer),
		transactions: make(map[uuid.UUID]*domain.Transaction),
		receipts:     make(map[railKey]uuid.UUID),
		nowFn:        time.Now,
	}
}

// SetNowFunc overrides the clock used for updated_at stamps.
func (r *MemoryRepository) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nowFn = fn
}

func (r *MemoryRepository) GetProperty(ctx context.Context, propertyID uuid.UUID) (*domain.Property, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.properties[propertyID]
	if !ok {
		return nil, ErrPropertyNotFound
	}
	c := *p
	return &c, nil
}

func (r *MemoryRepository) UpsertProperty(ctx context.Context, property *domain.Property) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *property
	if existing, ok := r.properties[property.ID]; ok {
		if existing.Status == domain.PropertyPending || existing.Status == domain.PropertySold {
			c.Status = existing.Status
			c.SoldAt = existing.SoldAt
		}
	}
	c.UpdatedAt = r.nowFn()
	r.properties[property.ID] = &c
	return nil
}

func (r *MemoryRepository) CreateOffer(ctx context.Context, offer *domain.Offer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasPendingOffer(offer.PropertyID, offer.BuyerID) {
		return ErrDuplicateOffer
	}
	r.offers[offer.ID] = offer.Clone()
	return nil
}

func (r *MemoryRepository) hasPendingOffer(propertyID, buyerID uuid.UUID) bool {
	for _, o := range r.offers {
		if o.PropertyID == propertyID && o.BuyerID == buyerID && o.Status == domain.OfferPending {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) GetOffer(ctx context.Context, offerID uuid.UUID) (*domain.Offer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.offers[offerID]
	if !ok {
		return nil, ErrOfferNotFound
	}
	return o.Clone(), nil
}

func (r *MemoryRepository) ListOffersByProperty(ctx context.Context, propertyID uuid.UUID) ([]domain.Offer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collectOffers(func(o *domain.Offer) bool { return o.PropertyID == propertyID }), nil
}

func (r *MemoryRepository) ListOffersByUser(ctx context.Context, userID uuid.UUID) ([]domain.Offer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collectOffers(func(o *domain.Offer) bool { return o.BuyerID == userID || o.SellerID == userID }), nil
}

func (r *MemoryRepository) collectOffers(match func(*domain.Offer) bool) []domain.Offer {
	out := make([]domain.Offer, 0)
	for _, o := range r.offers {
		if match(o) {
			out = append(out, *o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *MemoryRepository) pendingOffer(offerID uuid.UUID) (*domain.Offer, error) {
	o, ok := r.offers[offerID]
	if !ok {
		return nil, ErrOfferNotFound
	}
	if o.Status != domain.OfferPending {
		return nil, ErrOfferNotPending
	}
	return o, nil
}

func (r *MemoryRepository) TransitionOffer(ctx context.Context, offerID uuid.UUID, transition domain.OfferTransition) (*domain.Offer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, err := r.pendingOffer(offerID)
	if err != nil {
		return nil, err
	}
	transition.Apply(o)
	return o.Clone(), nil
}

func (r *MemoryRepository) CounterOffer(ctx context.Context, offerID uuid.UUID, transition domain.OfferTransition, counter *domain.Offer) (*domain.Offer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, err := r.pendingOffer(offerID)
	if err != nil {
		return nil, err
	}
	transition.Apply(o)
	r.offers[counter.ID] = counter.Clone()
	return o.Clone(), nil
}

func (r *MemoryRepository) AcceptOffer(ctx context.Context, offerID uuid.UUID, transition domain.OfferTransition, txn *domain.Transaction) (*domain.Offer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, err := r.pendingOffer(offerID)
	if err != nil {
		return nil, err
	}
	p, ok := r.properties[o.PropertyID]
	if !ok {
		return nil, ErrPropertyNotFound
	}
	if p.Status != domain.PropertyActive {
		return nil, ErrPropertyNotActive
	}

	transition.Apply(o)
	p.Status = domain.PropertyPending
	p.UpdatedAt = transition.At
	stored := txn.Clone()
	stored.Version = 1
	r.transactions[stored.ID] = stored
	txn.Version = stored.Version
	return o.Clone(), nil
}

func (r *MemoryRepository) ExpireOffers(ctx context.Context, now time.Time) ([]domain.Offer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expired := make([]domain.Offer, 0)
	for _, o := range r.offers {
		if !o.Due(now) {
			continue
		}
		domain.OfferTransition{Status: domain.OfferExpired, At: now}.Apply(o)
		expired = append(expired, *o.Clone())
	}
	return expired, nil
}

func (r *MemoryRepository) CreateDirectTransaction(ctx context.Context, txn *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.properties[txn.PropertyID]
	if !ok {
		return ErrPropertyNotFound
	}
	if p.Status != domain.PropertyActive {
		return ErrPropertyNotActive
	}
	p.Status = domain.PropertyPending
	p.UpdatedAt = txn.CreatedAt
	stored := txn.Clone()
	stored.Version = 1
	r.transactions[stored.ID] = stored
	txn.Version = stored.Version
	return nil
}

func (r *MemoryRepository) GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transactions[transactionID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return t.Clone(), nil
}

func (r *MemoryRepository) UpdateTransaction(ctx context.Context, txn *domain.Transaction) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.swapTransaction(txn)
}

func (r *MemoryRepository) swapTransaction(txn *domain.Transaction) (*domain.Transaction, error) {
	current, ok := r.transactions[txn.ID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if current.Version != txn.Version {
		return nil, ErrVersionConflict
	}
	stored := txn.Clone()
	stored.Version = current.Version + 1
	stored.UpdatedAt = r.nowFn()
	r.transactions[txn.ID] = stored
	return stored.Clone(), nil
}

func (r *MemoryRepository) CompleteRelease(ctx context.Context, txn *domain.Transaction) (*domain.Transaction, error) {
	return r.completeWithProperty(txn, func(p *domain.Property, at time.Time) {
		p.Status = domain.PropertySold
		soldAt := at
		p.SoldAt = &soldAt
	})
}

func (r *MemoryRepository) CompleteCancel(ctx context.Context, txn *domain.Transaction) (*domain.Transaction, error) {
	return r.completeWithProperty(txn, func(p *domain.Property, _ time.Time) {
		p.Status = domain.PropertyActive
	})
}

func (r *MemoryRepository) completeWithProperty(txn *domain.Transaction, apply func(*domain.Property, time.Time)) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.properties[txn.PropertyID]
	if !ok {
		return nil, ErrPropertyNotFound
	}
	if p.Status != domain.PropertyPending {
		return nil, ErrPropertyNotPending
	}
	updated, err := r.swapTransaction(txn)
	if err != nil {
		return nil, err
	}
	apply(p, updated.UpdatedAt)
	p.UpdatedAt = updated.UpdatedAt
	return updated, nil
}

func (r *MemoryRepository) ListReleaseCandidates(ctx context.Context, now time.Time, lease time.Duration) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Transaction, 0)
	for _, t := range r.transactions {
		if t.ReleaseCandidate(now, lease) {
			out = append(out, *t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EscrowReleaseAt.Before(*out[j].EscrowReleaseAt) })
	return out, nil
}

func (r *MemoryRepository) ListEscrowTransactions(ctx context.Context) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Transaction, 0)
	for _, t := range r.transactions {
		if t.Status == domain.TransactionEscrow {
			out = append(out, *t.Clone())
		}
	}
	return out, nil
}

func (r *MemoryRepository) BindRailReference(ctx context.Context, rail domain.PaymentMethod, reference string, transactionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := railKey{rail: rail, reference: reference}
	if bound, ok := r.receipts[key]; ok {
		if bound != transactionID {
			return ErrRailReferenceTaken
		}
		return nil
	}
	r.receipts[key] = transactionID
	return nil
}

func (r *MemoryRepository) FindTransactionByRailReference(ctx context.Context, rail domain.PaymentMethod, reference string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.receipts[railKey{rail: rail, reference: reference}]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	t, ok := r.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return t.Clone(), nil
}

func (r *MemoryRepository) CreateManualIntervention(ctx context.Context, item *domain.ManualIntervention) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = r.nowFn()
	}
	r.interventions = append(r.interventions, *item)
	return nil
}

// ManualInterventions returns a snapshot of the escalation queue.
func (r *MemoryRepository) ManualInterventions() []domain.ManualIntervention {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.interventions)
}

func (r *MemoryRepository) ListActivity(ctx context.Context, userID uuid.UUID, opts domain.ActivityListOptions) ([]domain.ActivityItem, error) {
	opts = opts.Normalize()
	r.mu.Lock()
	defer r.mu.Unlock()

	items := make([]domain.ActivityItem, 0)
	for _, o := range r.offers {
		if o.BuyerID != userID && o.SellerID != userID {
			continue
		}
		items = append(items, domain.ActivityItem{
			Kind:       domain.ActivityOffer,
			ID:         o.ID,
			PropertyID: o.PropertyID,
			BuyerID:    o.BuyerID,
			SellerID:   o.SellerID,
			Status:     string(o.Status),
			Amount:     o.OfferAmount,
			CreatedAt:  o.CreatedAt,
		})
	}
	for _, t := range r.transactions {
		if t.BuyerID != userID && t.SellerID != userID {
			continue
		}
		items = append(items, domain.ActivityItem{
			Kind:       domain.ActivityTransaction,
			ID:         t.ID,
			PropertyID: t.PropertyID,
			BuyerID:    t.BuyerID,
			SellerID:   t.SellerID,
			Status:     string(t.Status),
			Amount:     t.TotalAmount,
			CreatedAt:  t.CreatedAt,
		})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })

	if opts.Offset >= len(items) {
		return []domain.ActivityItem{}, nil
	}
	end := min(opts.Offset+opts.Limit, len(items))
	return items[opts.Offset:end], nil
}

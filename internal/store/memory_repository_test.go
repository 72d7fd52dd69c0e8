package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/escrow-service/internal/domain"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedProperty(t *testing.T, repo *MemoryRepository, status domain.PropertyStatus) *domain.Property {
	t.Helper()
	p := &domain.Property{ID: uuid.New(), SellerID: uuid.New(), Price: 500000, Status: status}
	require.NoError(t, repo.UpsertProperty(context.Background(), p))
	return p
}

func seedOffer(t *testing.T, repo *MemoryRepository, p *domain.Property, buyerID uuid.UUID) *domain.Offer {
	t.Helper()
	terms := domain.OfferTerms{
		OfferAmount:   500000,
		EarnestMoney:  5000,
		FinancingType: domain.FinancingCash,
		ClosingDate:   baseTime.Add(30 * 24 * time.Hour),
		PaymentMethod: domain.PaymentMethodStripe,
	}
	o := domain.NewOffer(p, buyerID, terms, baseTime)
	require.NoError(t, repo.CreateOffer(context.Background(), o))
	return o
}

func newTxnForOffer(o *domain.Offer) *domain.Transaction {
	offerID := o.ID
	return &domain.Transaction{
		ID:            uuid.New(),
		PropertyID:    o.PropertyID,
		BuyerID:       o.BuyerID,
		SellerID:      o.SellerID,
		OfferID:       &offerID,
		TotalAmount:   o.OfferAmount,
		PlatformFee:   15000,
		SellerAmount:  o.OfferAmount - 15000,
		PaymentMethod: o.PaymentMethod,
		Status:        domain.TransactionPending,
		CreatedAt:     baseTime,
		UpdatedAt:     baseTime,
	}
}

func TestCreateOffer_RejectsSecondPendingOfferFromSameBuyer(t *testing.T) {
	repo := NewMemoryRepository()
	p := seedProperty(t, repo, domain.PropertyActive)
	buyer := uuid.New()
	seedOffer(t, repo, p, buyer)

	dup := domain.NewOffer(p, buyer, domain.OfferTerms{ClosingDate: baseTime.Add(30 * 24 * time.Hour)}, baseTime)
	err := repo.CreateOffer(context.Background(), dup)
	assert.ErrorIs(t, err, ErrDuplicateOffer)

	other := domain.NewOffer(p, uuid.New(), domain.OfferTerms{ClosingDate: baseTime.Add(30 * 24 * time.Hour)}, baseTime)
	assert.NoError(t, repo.CreateOffer(context.Background(), other))
}

func TestAcceptOffer_MovesPropertyAndInsertsTransaction(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	p := seedProperty(t, repo, domain.PropertyActive)
	o := seedOffer(t, repo, p, uuid.New())
	txn := newTxnForOffer(o)

	accepted, err := repo.AcceptOffer(ctx, o.ID, domain.OfferTransition{Status: domain.OfferAccepted, At: baseTime}, txn)
	require.NoError(t, err)
	assert.Equal(t, domain.OfferAccepted, accepted.Status)
	require.NotNil(t, accepted.AcceptedAt)

	prop, err := repo.GetProperty(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PropertyPending, prop.Status)

	stored, err := repo.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.Version)
}

func TestAcceptOffer_FailsAtomicallyWhenPropertyNotActive(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	p := seedProperty(t, repo, domain.PropertyActive)
	o := seedOffer(t, repo, p, uuid.New())
	require.NoError(t, repo.CreateDirectTransaction(ctx, &domain.Transaction{
		ID: uuid.New(), PropertyID: p.ID, Status: domain.TransactionPending, CreatedAt: baseTime,
	}))

	txn := newTxnForOffer(o)
	_, err := repo.AcceptOffer(ctx, o.ID, domain.OfferTransition{Status: domain.OfferAccepted, At: baseTime}, txn)
	assert.ErrorIs(t, err, ErrPropertyNotActive)

	stillPending, err := repo.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OfferPending, stillPending.Status)
	_, err = repo.GetTransaction(ctx, txn.ID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestAcceptAndReject_ConcurrentlyOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	p := seedProperty(t, repo, domain.PropertyActive)
	o := seedOffer(t, repo, p, uuid.New())

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		notReady int
	)
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrOfferNotPending):
			notReady++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := repo.AcceptOffer(ctx, o.ID, domain.OfferTransition{Status: domain.OfferAccepted, At: baseTime}, newTxnForOffer(o))
			record(err)
		}()
		go func() {
			defer wg.Done()
			_, err := repo.TransitionOffer(ctx, o.ID, domain.OfferTransition{Status: domain.OfferRejected, At: baseTime})
			record(err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 15, notReady)
	feed, err := repo.ListActivity(ctx, o.BuyerID, domain.ActivityListOptions{Limit: 100})
	require.NoError(t, err)
	transactions := 0
	for _, item := range feed {
		if item.Kind == domain.ActivityTransaction {
			transactions++
		}
	}
	assert.LessOrEqual(t, transactions, 1)
}

func TestUpdateTransaction_RejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	p := seedProperty(t, repo, domain.PropertyActive)
	txn := &domain.Transaction{ID: uuid.New(), PropertyID: p.ID, Status: domain.TransactionPending, CreatedAt: baseTime}
	require.NoError(t, repo.CreateDirectTransaction(ctx, txn))

	first := txn.Clone()
	require.NoError(t, first.StartEscrow(baseTime))
	updated, err := repo.UpdateTransaction(ctx, first)
	require.NoError(t, err)
	assert.EqualValues(t, 2, updated.Version)

	stale := txn.Clone()
	stale.Status = domain.TransactionCancelled
	_, err = repo.UpdateTransaction(ctx, stale)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestCompleteRelease_MarksPropertySold(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	p := seedProperty(t, repo, domain.PropertyActive)
	txn := &domain.Transaction{ID: uuid.New(), PropertyID: p.ID, Status: domain.TransactionPending, CreatedAt: baseTime}
	require.NoError(t, repo.CreateDirectTransaction(ctx, txn))

	done := txn.Clone()
	require.NoError(t, done.StartEscrow(baseTime))
	require.NoError(t, done.Complete(baseTime.Add(domain.EscrowHoldDuration)))
	_, err := repo.CompleteRelease(ctx, done)
	require.NoError(t, err)

	prop, err := repo.GetProperty(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PropertySold, prop.Status)
	assert.NotNil(t, prop.SoldAt)

	// A listing sync must not reopen a sold property.
	require.NoError(t, repo.UpsertProperty(ctx, &domain.Property{ID: p.ID, SellerID: p.SellerID, Price: 1, Status: domain.PropertyActive}))
	prop, err = repo.GetProperty(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PropertySold, prop.Status)
}

func TestExpireOffers_OnlyTouchesDueOffers(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	p := seedProperty(t, repo, domain.PropertyActive)
	o := seedOffer(t, repo, p, uuid.New())

	expired, err := repo.ExpireOffers(ctx, o.ExpiresAt.Add(-time.Nanosecond))
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = repo.ExpireOffers(ctx, o.ExpiresAt)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, domain.OfferExpired, expired[0].Status)

	again, err := repo.ExpireOffers(ctx, o.ExpiresAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestBindRailReference_IsOneToOne(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	a, b := uuid.New(), uuid.New()

	require.NoError(t, repo.BindRailReference(ctx, domain.PaymentMethodCryptoUSDC, "0xabc", a))
	require.NoError(t, repo.BindRailReference(ctx, domain.PaymentMethodCryptoUSDC, "0xabc", a))
	assert.ErrorIs(t, repo.BindRailReference(ctx, domain.PaymentMethodCryptoUSDC, "0xabc", b), ErrRailReferenceTaken)
	assert.NoError(t, repo.BindRailReference(ctx, domain.PaymentMethodStripe, "0xabc", b))
}

func TestListReleaseCandidates_SkipsLiveClaimsAndBackoff(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	lease := 5 * time.Minute
	now := baseTime.Add(domain.EscrowHoldDuration + time.Minute)

	mk := func(mutate func(*domain.Transaction)) uuid.UUID {
		p := seedProperty(t, repo, domain.PropertyActive)
		txn := &domain.Transaction{ID: uuid.New(), PropertyID: p.ID, Status: domain.TransactionPending, CreatedAt: baseTime}
		require.NoError(t, repo.CreateDirectTransaction(ctx, txn))
		next := txn.Clone()
		require.NoError(t, next.StartEscrow(baseTime))
		mutate(next)
		_, err := repo.UpdateTransaction(ctx, next)
		require.NoError(t, err)
		return txn.ID
	}

	due := mk(func(*domain.Transaction) {})
	mk(func(t *domain.Transaction) { t.Claim(domain.SettlementRelease, now.Add(-time.Minute)) })
	stale := mk(func(t *domain.Transaction) { t.Claim(domain.SettlementRelease, now.Add(-lease)) })
	mk(func(t *domain.Transaction) {
		t.Claim(domain.SettlementRelease, now.Add(-time.Hour))
		ref := "0xpending"
		t.SettlementReference = &ref
	})
	mk(func(t *domain.Transaction) { t.PayoutFlagged = true })
	mk(func(t *domain.Transaction) {
		next := now.Add(time.Minute)
		t.NextPayoutAttemptAt = &next
	})

	got, err := repo.ListReleaseCandidates(ctx, now, lease)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(got))
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{due, stale}, ids)
}

func TestListActivity_MergesAndPages(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	p := seedProperty(t, repo, domain.PropertyActive)
	buyer := uuid.New()
	o := seedOffer(t, repo, p, buyer)
	txn := newTxnForOffer(o)
	txn.CreatedAt = baseTime.Add(time.Hour)
	_, err := repo.AcceptOffer(ctx, o.ID, domain.OfferTransition{Status: domain.OfferAccepted, At: baseTime}, txn)
	require.NoError(t, err)

	feed, err := repo.ListActivity(ctx, buyer, domain.ActivityListOptions{})
	require.NoError(t, err)
	require.Len(t, feed, 2)
	assert.Equal(t, domain.ActivityTransaction, feed[0].Kind)
	assert.Equal(t, domain.ActivityOffer, feed[1].Kind)

	page, err := repo.ListActivity(ctx, buyer, domain.ActivityListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, o.ID, page[0].ID)

	stranger, err := repo.ListActivity(ctx, uuid.New(), domain.ActivityListOptions{})
	require.NoError(t, err)
	assert.Empty(t, stranger)
}

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/fees"
	"github.com/transfa/escrow-service/internal/rail"
	"github.com/transfa/escrow-service/internal/store"
)

func newTransaction(propertyID, buyerID, sellerID uuid.UUID, offerID *uuid.UUID, split fees.Split, method domain.PaymentMethod, now time.Time) (*domain.Transaction, error) {
	if !split.Balanced() {
		return nil, fmt.Errorf("%w: fee %d and proceeds %d do not add up to %d", domain.ErrValidation, split.PlatformFee, split.SellerAmount, split.TotalAmount)
	}
	return &domain.Transaction{
		ID:            uuid.New(),
		PropertyID:    propertyID,
		BuyerID:       buyerID,
		SellerID:      sellerID,
		OfferID:       offerID,
		TotalAmount:   split.TotalAmount,
		PlatformFee:   split.PlatformFee,
		SellerAmount:  split.SellerAmount,
		PaymentMethod: method,
		Status:        domain.TransactionPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// CreateTransactionDirect opens a transaction at list price without an offer.
func (s *Service) CreateTransactionDirect(ctx context.Context, actor domain.Actor, propertyID uuid.UUID, method domain.PaymentMethod) (*domain.Transaction, error) {
	method, err := domain.ParsePaymentMethod(string(method))
	if err != nil {
		return nil, err
	}
	if _, err := s.railFor(method); err != nil {
		return nil, err
	}

	property, err := s.repo.GetProperty(ctx, propertyID)
	if err != nil {
		return nil, translate(err)
	}
	if property.SellerID == actor.ID {
		return nil, fmt.Errorf("%w: sellers cannot buy their own property", domain.ErrValidation)
	}
	if property.Status != domain.PropertyActive {
		return nil, fmt.Errorf("%w: property is %s", domain.ErrInvalidState, property.Status)
	}
	if err := s.requireVerified(ctx, actor.ID, property.Price); err != nil {
		return nil, err
	}
	split, err := fees.Quote(property.Price)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	txn, err := newTransaction(property.ID, actor.ID, property.SellerID, nil, split, method, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateDirectTransaction(ctx, txn); err != nil {
		return nil, translate(err)
	}

	s.publishTransaction(ctx, domain.EventTransactionCreated, txn, "direct purchase")
	s.logger.Info("direct transaction created", "transaction_id", txn.ID, "property_id", property.ID, "total_amount", txn.TotalAmount)
	return txn, nil
}

// captureInFlight reports whether a capture was handed to the rail and has not
// resolved. A submission with no reference that is older than the lease is
// treated as abandoned.
func (s *Service) captureInFlight(txn *domain.Transaction, now time.Time) bool {
	if txn.CaptureSubmittedAt == nil {
		return false
	}
	if txn.RailReference(domain.StageCapture) != nil {
		return true
	}
	return now.Before(txn.CaptureSubmittedAt.Add(s.cfg.SettlementLease))
}

// CaptureFunds asks the transaction's rail to pull the buyer's funds into
// escrow. Synchronous rails start the hold immediately; asynchronous rails
// leave the transaction pending until a confirmation arrives.
func (s *Service) CaptureFunds(ctx context.Context, actor domain.Actor, transactionID uuid.UUID, payerRef string) (*domain.Transaction, error) {
	payerRef = strings.TrimSpace(payerRef)
	if payerRef == "" {
		return nil, fmt.Errorf("%w: payer reference is required", domain.ErrValidation)
	}
	txn, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, translate(err)
	}
	if actor.ID != txn.BuyerID {
		return nil, fmt.Errorf("%w: only the buyer may fund a transaction", domain.ErrNotAuthorized)
	}
	if txn.Status != domain.TransactionPending {
		return nil, fmt.Errorf("%w: transaction is %s", domain.ErrInvalidState, txn.Status)
	}
	now := s.now()
	if s.captureInFlight(txn, now) {
		return nil, fmt.Errorf("%w: a capture is already in flight", domain.ErrInvalidState)
	}
	r, err := s.railFor(txn.PaymentMethod)
	if err != nil {
		return nil, err
	}

	// Mark the capture before calling out so a concurrent request loses the
	// version race instead of capturing twice.
	marked := txn.Clone()
	submittedAt := now
	marked.CaptureSubmittedAt = &submittedAt
	marked, err = s.repo.UpdateTransaction(ctx, marked)
	if err != nil {
		return nil, translate(err)
	}

	res, err := r.Capture(ctx, rail.CaptureRequest{
		TransactionID:  txn.ID,
		Amount:         txn.TotalAmount,
		PayerRef:       payerRef,
		IdempotencyKey: txn.ID.String() + ":" + payerRef,
	})
	if err != nil {
		s.releaseCaptureMark(ctx, marked)
		s.logger.Warn("capture failed", "transaction_id", txn.ID, "rail", txn.PaymentMethod, "error", err)
		return nil, err
	}

	if err := s.repo.BindRailReference(ctx, txn.PaymentMethod, res.Reference, txn.ID); err != nil {
		s.logger.Error("capture reference already bound", "transaction_id", txn.ID, "reference", res.Reference, "error", err)
		return nil, translate(err)
	}
	submitted := marked.Clone()
	submitted.SetRailReference(domain.StageCapture, res.Reference)
	if txn.PaymentMethod == domain.PaymentMethodCryptoUSDC {
		if res.PayerAccount != "" {
			payer := res.PayerAccount
			submitted.CryptoWalletAddress = &payer
		}
		if res.Amount != "" {
			amount := res.Amount
			submitted.CryptoAmount = &amount
		}
	}
	submitted, err = s.repo.UpdateTransaction(ctx, submitted)
	if errors.Is(err, store.ErrVersionConflict) {
		// The confirmation event can win the race against this write.
		if current, getErr := s.repo.GetTransaction(ctx, txn.ID); getErr == nil && current.Status == domain.TransactionEscrow {
			return current, nil
		}
	}
	if err != nil {
		return nil, translate(err)
	}

	if res.Confirmed {
		return s.ConfirmFundsReceived(ctx, txn.ID, rail.ConfirmationFrom(res))
	}
	s.publishTransaction(ctx, domain.EventTransactionCaptureSent, submitted, "")
	s.logger.Info("capture submitted", "transaction_id", txn.ID, "rail", txn.PaymentMethod, "reference", res.Reference)
	return submitted, nil
}

func (s *Service) releaseCaptureMark(ctx context.Context, marked *domain.Transaction) {
	cleared := marked.Clone()
	cleared.CaptureSubmittedAt = nil
	if _, err := s.repo.UpdateTransaction(ctx, cleared); err != nil {
		s.logger.Warn("failed to clear capture marker", "transaction_id", marked.ID, "error", err)
	}
}

// ConfirmFundsReceived moves a pending transaction into escrow once its rail
// confirms the capture. Repeating a confirmation that already took effect
// returns the current state.
func (s *Service) ConfirmFundsReceived(ctx context.Context, transactionID uuid.UUID, conf rail.Confirmation) (*domain.Transaction, error) {
	txn, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, translate(err)
	}
	if conf.Method != txn.PaymentMethod {
		return nil, fmt.Errorf("%w: transaction uses %s, confirmation came from %s", domain.ErrRailMismatch, txn.PaymentMethod, conf.Method)
	}
	reference, err := s.normalizeReference(conf.Method, conf.Reference)
	if err != nil {
		return nil, err
	}

	recorded := txn.RailReference(domain.StageCapture)
	if txn.Status == domain.TransactionEscrow && recorded != nil && *recorded == reference {
		return txn, nil
	}
	if txn.Status != domain.TransactionPending {
		return nil, fmt.Errorf("%w: transaction is %s", domain.ErrInvalidState, txn.Status)
	}
	if recorded != nil && *recorded != reference {
		return nil, fmt.Errorf("%w: confirmation %s does not match submitted capture %s", domain.ErrValidation, reference, *recorded)
	}
	if conf.Amount != "" && conf.Method == domain.PaymentMethodCryptoUSDC {
		minor, err := rail.FromUSDC(conf.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
		}
		if minor != txn.TotalAmount {
			return nil, fmt.Errorf("%w: confirmed amount %s does not cover total %d", domain.ErrValidation, conf.Amount, txn.TotalAmount)
		}
	}
	if err := s.repo.BindRailReference(ctx, txn.PaymentMethod, reference, txn.ID); err != nil {
		return nil, translate(err)
	}

	escrowed := txn.Clone()
	escrowed.SetRailReference(domain.StageCapture, reference)
	if conf.Amount != "" && escrowed.CryptoAmount == nil && conf.Method == domain.PaymentMethodCryptoUSDC {
		amount := conf.Amount
		escrowed.CryptoAmount = &amount
	}
	if err := escrowed.StartEscrow(s.now()); err != nil {
		return nil, err
	}
	escrowed, err = s.repo.UpdateTransaction(ctx, escrowed)
	if err != nil {
		return nil, translate(err)
	}

	s.timer.Arm(escrowed.ID, *escrowed.EscrowReleaseAt)
	s.publishTransaction(ctx, domain.EventTransactionEscrow, escrowed, "")
	s.logger.Info("escrow started", "transaction_id", escrowed.ID, "release_at", escrowed.EscrowReleaseAt)
	return escrowed, nil
}

func (s *Service) normalizeReference(method domain.PaymentMethod, reference string) (string, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return "", fmt.Errorf("%w: rail reference is required", domain.ErrValidation)
	}
	if method == domain.PaymentMethodCryptoUSDC {
		hash, err := rail.NormalizeTxHash(reference)
		if err != nil {
			return "", fmt.Errorf("%w: %w", domain.ErrValidation, err)
		}
		return hash, nil
	}
	return reference, nil
}

// Cancel ends a transaction before completion. Either party may cancel while
// funds have not been captured; once funds are in escrow only an admin may
// cancel, and the buyer is refunded in full.
func (s *Service) Cancel(ctx context.Context, actor domain.Actor, transactionID uuid.UUID, reason string) (*domain.Transaction, error) {
	txn, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, translate(err)
	}
	reason = strings.TrimSpace(reason)

	switch txn.Status {
	case domain.TransactionPending:
		if !canView(actor, txn.BuyerID, txn.SellerID) {
			return nil, fmt.Errorf("%w: only a party to the transaction may cancel it", domain.ErrNotAuthorized)
		}
		cancelled := txn.Clone()
		if err := cancelled.TransitionTo(domain.TransactionCancelled); err != nil {
			return nil, err
		}
		cancelled.CaptureSubmittedAt = nil
		cancelled.CancelReason = optionalString(reason)
		cancelled.ClearClaim()
		return s.finishCancel(ctx, cancelled)
	case domain.TransactionEscrow:
		if !actor.IsAdmin() {
			return nil, fmt.Errorf("%w: funds are in escrow; only an admin may cancel", domain.ErrNotAuthorized)
		}
		return s.refundAndCancel(ctx, txn, reason)
	default:
		return nil, fmt.Errorf("%w: transaction is %s", domain.ErrInvalidState, txn.Status)
	}
}

func (s *Service) refundAndCancel(ctx context.Context, txn *domain.Transaction, reason string) (*domain.Transaction, error) {
	now := s.now()
	switch txn.SettlementClaim {
	case domain.SettlementNone:
	case domain.SettlementCancel:
		if !txn.ClaimStale(now, s.cfg.SettlementLease) {
			return nil, fmt.Errorf("%w: a refund is already in flight", domain.ErrInvalidState)
		}
	default:
		return nil, fmt.Errorf("%w: a payout is in flight", domain.ErrInvalidState)
	}
	r, err := s.railFor(txn.PaymentMethod)
	if err != nil {
		return nil, err
	}

	claimed := txn.Clone()
	claimed.Claim(domain.SettlementCancel, now)
	claimed.CancelReason = optionalString(reason)
	claimed, err = s.repo.UpdateTransaction(ctx, claimed)
	if err != nil {
		return nil, translate(err)
	}
	s.timer.Disarm(txn.ID)

	req := rail.RefundRequest{
		TransactionID:  txn.ID,
		Amount:         txn.TotalAmount,
		IdempotencyKey: claimed.RefundIdempotencyKey(),
	}
	if ref := txn.RailReference(domain.StageCapture); ref != nil {
		req.CaptureRef = *ref
	}
	if txn.CryptoWalletAddress != nil {
		req.Destination = *txn.CryptoWalletAddress
	}

	res, err := r.Refund(ctx, req)
	if err != nil {
		released := claimed.Clone()
		released.ClearClaim()
		if !errors.Is(err, rail.ErrTransient) {
			released.RefundKeySeq++
		}
		if _, updateErr := s.repo.UpdateTransaction(ctx, released); updateErr != nil {
			s.logger.Warn("failed to release refund claim", "transaction_id", txn.ID, "error", updateErr)
		} else if released.EscrowReleaseAt != nil {
			s.timer.Arm(txn.ID, *released.EscrowReleaseAt)
		}
		s.logger.Error("refund failed", "transaction_id", txn.ID, "rail", txn.PaymentMethod, "error", err)
		if !errors.Is(err, domain.ErrRefundFailed) {
			err = fmt.Errorf("%w: %w", domain.ErrRefundFailed, err)
		}
		return nil, err
	}

	if err := s.repo.BindRailReference(ctx, txn.PaymentMethod, res.Reference, txn.ID); err != nil {
		s.logger.Error("refund reference already bound", "transaction_id", txn.ID, "reference", res.Reference, "error", err)
		return nil, translate(err)
	}
	refunded := claimed.Clone()
	refunded.SetRailReference(domain.StageRefund, res.Reference)
	if !res.Confirmed {
		ref := res.Reference
		refunded.SettlementReference = &ref
		refunded, err = s.repo.UpdateTransaction(ctx, refunded)
		if err != nil {
			return nil, translate(err)
		}
		s.logger.Info("refund submitted", "transaction_id", txn.ID, "reference", res.Reference)
		return refunded, nil
	}
	if err := refunded.TransitionTo(domain.TransactionCancelled); err != nil {
		return nil, err
	}
	refunded.ClearClaim()
	return s.finishCancel(ctx, refunded)
}

func (s *Service) finishCancel(ctx context.Context, cancelled *domain.Transaction) (*domain.Transaction, error) {
	stored, err := s.repo.CompleteCancel(ctx, cancelled)
	if err != nil {
		return nil, translate(err)
	}
	s.timer.Disarm(stored.ID)
	reason := ""
	if stored.CancelReason != nil {
		reason = *stored.CancelReason
	}
	s.publishTransaction(ctx, domain.EventTransactionCancelled, stored, reason)
	s.logger.Info("transaction cancelled", "transaction_id", stored.ID, "reason", reason)
	return stored, nil
}

// Dispute freezes an escrowed transaction for manual resolution.
func (s *Service) Dispute(ctx context.Context, actor domain.Actor, transactionID uuid.UUID, reason string) (*domain.Transaction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", domain.ErrValidation)
	}
	txn, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, translate(err)
	}
	if !actor.IsParty(txn.BuyerID, txn.SellerID) {
		return nil, fmt.Errorf("%w: only the buyer or seller may dispute", domain.ErrNotAuthorized)
	}
	if txn.Status != domain.TransactionEscrow {
		return nil, fmt.Errorf("%w: transaction is %s", domain.ErrInvalidState, txn.Status)
	}
	if txn.SettlementClaim != domain.SettlementNone {
		return nil, fmt.Errorf("%w: settlement is already in flight", domain.ErrInvalidState)
	}

	disputed := txn.Clone()
	if err := disputed.TransitionTo(domain.TransactionDisputed); err != nil {
		return nil, err
	}
	disputed.DisputeReason = &reason
	disputed.NextPayoutAttemptAt = nil
	disputed, err = s.repo.UpdateTransaction(ctx, disputed)
	if err != nil {
		return nil, translate(err)
	}
	s.timer.Disarm(disputed.ID)
	s.publishTransaction(ctx, domain.EventTransactionDisputed, disputed, reason)
	s.logger.Warn("transaction disputed", "transaction_id", disputed.ID, "actor_id", actor.ID)
	return disputed, nil
}

// GetEscrowStatus returns the transaction with its remaining hold.
func (s *Service) GetEscrowStatus(ctx context.Context, actor domain.Actor, transactionID uuid.UUID) (*domain.EscrowStatus, error) {
	txn, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, translate(err)
	}
	if !canView(actor, txn.BuyerID, txn.SellerID) {
		return nil, fmt.Errorf("%w: transaction belongs to other parties", domain.ErrNotAuthorized)
	}
	now := s.now()
	remaining := txn.HoldRemaining(now)
	return &domain.EscrowStatus{
		Transaction:     txn,
		HoldRemaining:   remaining.Round(time.Second).String(),
		HoldSeconds:     int64(remaining / time.Second),
		ReleaseEligible: txn.ReleaseEligible(now),
	}, nil
}

// ActivityFeed merges the actor's offers and transactions, newest first.
func (s *Service) ActivityFeed(ctx context.Context, actor domain.Actor, opts domain.ActivityListOptions) ([]domain.ActivityItem, error) {
	return s.repo.ListActivity(ctx, actor.ID, opts.Normalize())
}

// QuoteFees previews the platform fee split for an amount.
func (s *Service) QuoteFees(amount int64) (fees.Split, error) {
	split, err := fees.Quote(amount)
	if err != nil {
		return fees.Split{}, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	return split, nil
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

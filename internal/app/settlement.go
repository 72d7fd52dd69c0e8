package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/rail"
	"github.com/transfa/escrow-service/internal/store"
)

// Release pays the seller once the hold has elapsed. It claims the transaction
// with a version compare-and-set before calling the rail, so concurrent
// attempts from the timer, the sweep and another replica pay out at most once.
func (s *Service) Release(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	txn, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, translate(err)
	}
	now := s.now()

	if txn.ReleasedAt != nil || txn.Status == domain.TransactionCompleted {
		return nil, domain.ErrAlreadyReleased
	}
	if txn.Status != domain.TransactionEscrow {
		return nil, fmt.Errorf("%w: transaction is %s", domain.ErrInvalidState, txn.Status)
	}
	if txn.EscrowReleaseAt == nil || now.Before(*txn.EscrowReleaseAt) {
		return nil, fmt.Errorf("%w: hold ends in %s", domain.ErrTooEarly, txn.HoldRemaining(now).Round(time.Second))
	}
	if txn.PayoutFlagged {
		return nil, fmt.Errorf("%w: payout is awaiting manual intervention", domain.ErrInvalidState)
	}
	switch txn.SettlementClaim {
	case domain.SettlementNone:
	case domain.SettlementRelease:
		if !txn.ClaimStale(now, s.cfg.SettlementLease) {
			return nil, fmt.Errorf("%w: a payout is already in flight", domain.ErrInvalidState)
		}
		s.logger.Warn("taking over abandoned release claim", "transaction_id", txn.ID, "claimed_at", txn.SettlementClaimedAt)
	default:
		return nil, fmt.Errorf("%w: a refund is in flight", domain.ErrInvalidState)
	}
	if txn.NextPayoutAttemptAt != nil && now.Before(*txn.NextPayoutAttemptAt) {
		return nil, fmt.Errorf("%w: payout retry scheduled for %s", domain.ErrTooEarly, txn.NextPayoutAttemptAt.Format(time.RFC3339))
	}
	r, err := s.railFor(txn.PaymentMethod)
	if err != nil {
		return nil, err
	}

	claimed := txn.Clone()
	claimed.Claim(domain.SettlementRelease, now)
	claimed, err = s.repo.UpdateTransaction(ctx, claimed)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			s.metrics.ReleaseAttempt("lost_claim")
		}
		return nil, translate(err)
	}

	destination, err := s.payoutDestination(ctx, claimed)
	if err != nil {
		return s.recordPayoutFailure(ctx, claimed, fmt.Errorf("%w: %w: resolve payout destination: %w", domain.ErrPayoutFailed, rail.ErrTransient, err))
	}

	res, err := r.Payout(ctx, rail.PayoutRequest{
		TransactionID:  claimed.ID,
		Amount:         claimed.SellerAmount,
		Destination:    destination,
		IdempotencyKey: claimed.PayoutIdempotencyKey(),
	})
	if err != nil {
		return s.recordPayoutFailure(ctx, claimed, err)
	}

	if err := s.repo.BindRailReference(ctx, claimed.PaymentMethod, res.Reference, claimed.ID); err != nil {
		s.logger.Error("payout reference already bound", "transaction_id", claimed.ID, "reference", res.Reference, "error", err)
		return nil, translate(err)
	}
	paid := claimed.Clone()
	paid.SetRailReference(domain.StagePayout, res.Reference)
	if !res.Confirmed {
		ref := res.Reference
		paid.SettlementReference = &ref
		paid, err = s.repo.UpdateTransaction(ctx, paid)
		if err != nil {
			return nil, translate(err)
		}
		s.metrics.ReleaseAttempt("submitted")
		s.logger.Info("payout submitted", "transaction_id", paid.ID, "reference", res.Reference)
		return paid, nil
	}
	if err := paid.Complete(now); err != nil {
		return nil, err
	}
	return s.finishRelease(ctx, paid)
}

func (s *Service) finishRelease(ctx context.Context, paid *domain.Transaction) (*domain.Transaction, error) {
	stored, err := s.repo.CompleteRelease(ctx, paid)
	if err != nil {
		return nil, translate(err)
	}
	s.timer.Disarm(stored.ID)
	s.metrics.ReleaseAttempt("completed")
	s.publishTransaction(ctx, domain.EventTransactionCompleted, stored, "")
	s.logger.Info("escrow released", "transaction_id", stored.ID, "seller_amount", stored.SellerAmount, "platform_fee", stored.PlatformFee)
	return stored, nil
}

// recordPayoutFailure drops the claim and either schedules the next attempt
// with exponential backoff or, after the final attempt, flags the transaction
// for manual intervention.
func (s *Service) recordPayoutFailure(ctx context.Context, claimed *domain.Transaction, cause error) (*domain.Transaction, error) {
	now := s.now()
	if !errors.Is(cause, domain.ErrPayoutFailed) {
		cause = fmt.Errorf("%w: %w", domain.ErrPayoutFailed, cause)
	}

	failed := claimed.Clone()
	failed.ClearClaim()
	failed.PayoutAttempts++
	// A transient failure may still have moved money; only a definitive
	// rejection gets a fresh key.
	if !errors.Is(cause, rail.ErrTransient) {
		failed.PayoutKeySeq++
	}
	msg := cause.Error()
	failed.LastPayoutError = &msg

	escalate := failed.PayoutAttempts >= s.cfg.PayoutMaxAttempts
	if escalate {
		failed.PayoutFlagged = true
		failed.NextPayoutAttemptAt = nil
	} else {
		next := now.Add(s.payoutBackoff(failed.PayoutAttempts))
		failed.NextPayoutAttemptAt = &next
	}

	stored, err := s.repo.UpdateTransaction(ctx, failed)
	if err != nil {
		s.logger.Error("failed to record payout failure", "transaction_id", claimed.ID, "error", err, "cause", cause)
		return nil, cause
	}

	if !escalate {
		s.metrics.ReleaseAttempt("failed")
		s.timer.Arm(stored.ID, *stored.NextPayoutAttemptAt)
		s.publishTransaction(ctx, domain.EventPayoutFailed, stored, msg)
		s.logger.Warn("payout failed; retry scheduled",
			"transaction_id", stored.ID, "attempt", stored.PayoutAttempts, "next_attempt_at", stored.NextPayoutAttemptAt, "error", cause)
		return stored, cause
	}

	s.metrics.ReleaseAttempt("escalated")
	s.metrics.PayoutEscalated()
	s.timer.Disarm(stored.ID)
	s.openManualIntervention(ctx, stored.ID, fmt.Sprintf("payout failed after %d attempts: %s", stored.PayoutAttempts, msg))
	s.publishTransaction(ctx, domain.EventPayoutEscalated, stored, msg)
	s.logger.Error("payout escalated to manual intervention", "transaction_id", stored.ID, "attempts", stored.PayoutAttempts, "error", cause)
	return stored, cause
}

// payoutBackoff is base * 2^(attempt-1), capped.
func (s *Service) payoutBackoff(attempt int) time.Duration {
	delay := s.cfg.PayoutBackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.PayoutBackoffMax {
			return s.cfg.PayoutBackoffMax
		}
	}
	return delay
}

func (s *Service) openManualIntervention(ctx context.Context, transactionID uuid.UUID, reason string) {
	item := &domain.ManualIntervention{
		ID:            uuid.New(),
		TransactionID: transactionID,
		Reason:        reason,
		CreatedAt:     s.now(),
	}
	if err := s.repo.CreateManualIntervention(ctx, item); err != nil {
		s.logger.Error("failed to record manual intervention", "transaction_id", transactionID, "reason", reason, "error", err)
	}
}

// ReleaseDueEscrows attempts a release for every candidate the store reports.
// Individual failures are logged and counted; the sweep keeps going.
func (s *Service) ReleaseDueEscrows(ctx context.Context) (released int, err error) {
	candidates, err := s.repo.ListReleaseCandidates(ctx, s.now(), s.cfg.SettlementLease)
	if err != nil {
		return 0, err
	}
	for i := range candidates {
		if ctx.Err() != nil {
			return released, ctx.Err()
		}
		txn, err := s.Release(ctx, candidates[i].ID)
		switch {
		case err == nil && txn.Status == domain.TransactionCompleted:
			released++
		case err == nil:
		case errors.Is(err, domain.ErrAlreadyReleased), errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrTooEarly):
			s.logger.Debug("release candidate skipped", "transaction_id", candidates[i].ID, "reason", err)
		default:
			s.logger.Warn("release attempt failed", "transaction_id", candidates[i].ID, "error", err)
		}
	}
	return released, nil
}

// PendingEscrows lists every transaction still holding funds, for timer recovery.
func (s *Service) PendingEscrows(ctx context.Context) ([]domain.Transaction, error) {
	return s.repo.ListEscrowTransactions(ctx)
}

// ConfirmSettlement completes a payout or refund whose rail reference was
// recorded when it was submitted.
func (s *Service) ConfirmSettlement(ctx context.Context, method domain.PaymentMethod, reference string) (*domain.Transaction, error) {
	reference, err := s.normalizeReference(method, reference)
	if err != nil {
		return nil, err
	}
	txn, err := s.repo.FindTransactionByRailReference(ctx, method, reference)
	if err != nil {
		return nil, translate(err)
	}
	switch {
	case sameRef(txn.RailReference(domain.StagePayout), reference):
		return s.confirmStage(ctx, txn, domain.StagePayout, reference)
	case sameRef(txn.RailReference(domain.StageRefund), reference):
		return s.confirmStage(ctx, txn, domain.StageRefund, reference)
	default:
		return nil, fmt.Errorf("%w: %s is not a settlement reference", domain.ErrValidation, reference)
	}
}

func sameRef(stored *string, reference string) bool {
	return stored != nil && *stored == reference
}

// confirmStage completes the claimed settlement of txn. A confirmation that
// already took effect is returned as-is.
func (s *Service) confirmStage(ctx context.Context, txn *domain.Transaction, stage domain.RailStage, reference string) (*domain.Transaction, error) {
	want, done := domain.SettlementRelease, domain.TransactionCompleted
	if stage == domain.StageRefund {
		want, done = domain.SettlementCancel, domain.TransactionCancelled
	}
	if txn.Status == done && sameRef(txn.RailReference(stage), reference) {
		return txn, nil
	}
	if txn.Status != domain.TransactionEscrow || txn.SettlementClaim != want {
		return nil, fmt.Errorf("%w: no %s in flight for transaction in status %s", domain.ErrInvalidState, stage, txn.Status)
	}
	if txn.SettlementReference != nil && *txn.SettlementReference != reference {
		return nil, fmt.Errorf("%w: confirmation %s does not match submitted %s %s", domain.ErrValidation, reference, stage, *txn.SettlementReference)
	}
	if err := s.repo.BindRailReference(ctx, txn.PaymentMethod, reference, txn.ID); err != nil {
		return nil, translate(err)
	}

	settled := txn.Clone()
	settled.SetRailReference(stage, reference)
	if stage == domain.StagePayout {
		if err := settled.Complete(s.now()); err != nil {
			return nil, err
		}
		return s.finishRelease(ctx, settled)
	}
	if err := settled.TransitionTo(domain.TransactionCancelled); err != nil {
		return nil, err
	}
	settled.ClearClaim()
	return s.finishCancel(ctx, settled)
}

// strayCapture records a second capture landing on an already funded
// transaction. The reference is bound so a redelivery is not recorded twice.
func (s *Service) strayCapture(ctx context.Context, txn *domain.Transaction, reference string, seen bool) error {
	if seen {
		s.logger.Info("stray capture already recorded", "transaction_id", txn.ID, "reference", reference)
		return nil
	}
	if err := s.repo.BindRailReference(ctx, txn.PaymentMethod, reference, txn.ID); err != nil {
		return translate(err)
	}
	funded := "unknown capture"
	if recorded := txn.RailReference(domain.StageCapture); recorded != nil {
		funded = *recorded
	}
	s.openManualIntervention(ctx, txn.ID, fmt.Sprintf("capture %s confirmed on %s transaction already funded by %s; buyer funds need a manual refund", reference, txn.Status, funded))
	s.logger.Error("second capture on funded transaction", "transaction_id", txn.ID, "reference", reference, "funded_by", funded, "status", txn.Status)
	return nil
}

// HandleRailEvent applies an inbound rail confirmation. Confirmations that
// arrive for a transaction that can no longer take them are recorded for an
// operator instead of being dropped.
func (s *Service) HandleRailEvent(ctx context.Context, ev domain.RailEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	reference, err := s.normalizeReference(ev.Rail, ev.Reference)
	if err != nil {
		return err
	}
	bound, err := s.repo.FindTransactionByRailReference(ctx, ev.Rail, reference)
	seen := err == nil
	switch {
	case err == nil && bound.ID != ev.TransactionID:
		s.logger.Error("rail reference belongs to another transaction",
			"transaction_id", ev.TransactionID, "bound_transaction_id", bound.ID, "reference", reference)
		return fmt.Errorf("%w: %s is bound to another transaction", domain.ErrDuplicateRailReference, reference)
	case err != nil && !errors.Is(err, store.ErrTransactionNotFound):
		return err
	}

	txn, err := s.repo.GetTransaction(ctx, ev.TransactionID)
	if err != nil {
		return translate(err)
	}
	if txn.PaymentMethod != ev.Rail {
		return fmt.Errorf("%w: transaction uses %s, event came from %s", domain.ErrRailMismatch, txn.PaymentMethod, ev.Rail)
	}

	switch ev.Stage {
	case domain.StageCapture:
		if txn.Status == domain.TransactionCancelled {
			s.openManualIntervention(ctx, txn.ID, fmt.Sprintf("capture %s confirmed after cancellation; buyer funds need a manual refund", reference))
			return nil
		}
		if recorded := txn.RailReference(domain.StageCapture); txn.Status != domain.TransactionPending && !sameRef(recorded, reference) {
			return s.strayCapture(ctx, txn, reference, seen)
		}
		_, err = s.ConfirmFundsReceived(ctx, txn.ID, rail.Confirmation{Method: ev.Rail, Reference: reference, Amount: ev.Amount})
	default:
		_, err = s.confirmStage(ctx, txn, ev.Stage, reference)
		if errors.Is(err, domain.ErrInvalidState) {
			s.openManualIntervention(ctx, txn.ID, fmt.Sprintf("%s %s confirmed while transaction was %s", ev.Stage, reference, txn.Status))
			return nil
		}
	}
	return err
}

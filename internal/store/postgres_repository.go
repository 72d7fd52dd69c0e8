/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Multi-entity changes run inside a single database transaction; per-row
 * serialization uses compare-and-set updates (`WHERE status = 'pending'` for
 * offers, `WHERE version = $n` for transactions).
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/escrow-service/internal/domain"
)

//go:embed schema.sql
var Schema string

const (
	uniqueViolation            = "23505"
	pendingOfferConstraintName = "offers_one_pending_per_buyer"
	releaseCandidateBatchLimit = 500
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate applies the embedded schema.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const offerColumns = `
	id, property_id, buyer_id, seller_id, counter_of, offer_amount, earnest_money,
	financing_type, closing_date, contingencies, payment_method, status,
	seller_response, counter_offer_amount, accepted_at, rejected_at, countered_at,
	expired_at, expires_at, created_at, updated_at`

const transactionColumns = `
	id, property_id, buyer_id, seller_id, offer_id, total_amount, platform_fee, seller_amount,
	payment_method, stripe_payment_intent_id, stripe_transfer_id, stripe_refund_id,
	crypto_wallet_address, crypto_transaction_hash, crypto_amount, crypto_payout_hash,
	crypto_refund_hash, status, capture_submitted_at, escrow_started_at, escrow_release_at,
	released_at, settlement_claim, settlement_claimed_at, settlement_reference,
	payout_attempts, next_payout_attempt_at, payout_flagged, last_payout_error,
	payout_key_seq, refund_key_seq, cancel_reason, dispute_reason, version, created_at, updated_at`

func scanOffer(row pgx.Row) (*domain.Offer, error) {
	var (
		o             domain.Offer
		financing     string
		contingencies []string
		paymentMethod string
		status        string
	)
	err := row.Scan(
		&o.ID, &o.PropertyID, &o.BuyerID, &o.SellerID, &o.CounterOf, &o.OfferAmount, &o.EarnestMoney,
		&financing, &o.ClosingDate, &contingencies, &paymentMethod, &status,
		&o.SellerResponse, &o.CounterOfferAmount, &o.AcceptedAt, &o.RejectedAt, &o.CounteredAt,
		&o.ExpiredAt, &o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.FinancingType = domain.FinancingType(financing)
	o.PaymentMethod = domain.PaymentMethod(paymentMethod)
	o.Status = domain.OfferStatus(status)
	o.Contingencies = make([]domain.Contingency, 0, len(contingencies))
	for _, c := range contingencies {
		o.Contingencies = append(o.Contingencies, domain.Contingency(c))
	}
	return &o, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		t             domain.Transaction
		paymentMethod string
		status        string
		claim         string
	)
	err := row.Scan(
		&t.ID, &t.PropertyID, &t.BuyerID, &t.SellerID, &t.OfferID, &t.TotalAmount, &t.PlatformFee, &t.SellerAmount,
		&paymentMethod, &t.StripePaymentIntentID, &t.StripeTransferID, &t.StripeRefundID,
		&t.CryptoWalletAddress, &t.CryptoTransactionHash, &t.CryptoAmount, &t.CryptoPayoutHash,
		&t.CryptoRefundHash, &status, &t.CaptureSubmittedAt, &t.EscrowStartedAt, &t.EscrowReleaseAt,
		&t.ReleasedAt, &claim, &t.SettlementClaimedAt, &t.SettlementReference,
		&t.PayoutAttempts, &t.NextPayoutAttemptAt, &t.PayoutFlagged, &t.LastPayoutError,
		&t.PayoutKeySeq, &t.RefundKeySeq, &t.CancelReason, &t.DisputeReason, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.PaymentMethod = domain.PaymentMethod(paymentMethod)
	t.Status = domain.TransactionStatus(status)
	t.SettlementClaim = domain.SettlementKind(claim)
	return &t, nil
}

func collectOffers(rows pgx.Rows) ([]domain.Offer, error) {
	defer rows.Close()
	out := make([]domain.Offer, 0)
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func collectTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()
	out := make([]domain.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// prefixed qualifies every column in a column list with alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

func contingencyStrings(in []domain.Contingency) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		out = append(out, string(c))
	}
	return out
}

func (r *PostgresRepository) GetProperty(ctx context.Context, propertyID uuid.UUID) (*domain.Property, error) {
	var (
		p      domain.Property
		status string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, seller_id, price, status, sold_at, updated_at
		FROM properties WHERE id = $1
	`, propertyID).Scan(&p.ID, &p.SellerID, &p.Price, &status, &p.SoldAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPropertyNotFound
		}
		return nil, err
	}
	p.Status = domain.PropertyStatus(status)
	return &p, nil
}

func (r *PostgresRepository) UpsertProperty(ctx context.Context, property *domain.Property) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO properties (id, seller_id, price, status, sold_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			seller_id = EXCLUDED.seller_id,
			price = EXCLUDED.price,
			status = CASE WHEN properties.status IN ('pending', 'sold') THEN properties.status ELSE EXCLUDED.status END,
			updated_at = NOW()
	`, property.ID, property.SellerID, property.Price, string(property.Status), property.SoldAt)
	return err
}

func insertOffer(ctx context.Context, q querier, o *domain.Offer) error {
	_, err := q.Exec(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`,
		o.ID, o.PropertyID, o.BuyerID, o.SellerID, o.CounterOf, o.OfferAmount, o.EarnestMoney,
		string(o.FinancingType), o.ClosingDate, contingencyStrings(o.Contingencies), string(o.PaymentMethod), string(o.Status),
		o.SellerResponse, o.CounterOfferAmount, o.AcceptedAt, o.RejectedAt, o.CounteredAt,
		o.ExpiredAt, o.ExpiresAt, o.CreatedAt, o.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == pendingOfferConstraintName {
		return ErrDuplicateOffer
	}
	return err
}

func (r *PostgresRepository) CreateOffer(ctx context.Context, offer *domain.Offer) error {
	return insertOffer(ctx, r.db, offer)
}

func (r *PostgresRepository) GetOffer(ctx context.Context, offerID uuid.UUID) (*domain.Offer, error) {
	o, err := scanOffer(r.db.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, offerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, err
	}
	return o, nil
}

func (r *PostgresRepository) ListOffersByProperty(ctx context.Context, propertyID uuid.UUID) ([]domain.Offer, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+offerColumns+` FROM offers WHERE property_id = $1 ORDER BY created_at DESC
	`, propertyID)
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

func (r *PostgresRepository) ListOffersByUser(ctx context.Context, userID uuid.UUID) ([]domain.Offer, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+offerColumns+` FROM offers WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

func transitionTimestampColumn(status domain.OfferStatus) (string, error) {
	switch status {
	case domain.OfferAccepted:
		return "accepted_at", nil
	case domain.OfferRejected:
		return "rejected_at", nil
	case domain.OfferCountered:
		return "countered_at", nil
	case domain.OfferExpired:
		return "expired_at", nil
	default:
		return "", fmt.Errorf("offer status %q is not a terminal transition", status)
	}
}

// transitionOffer is the compare-and-set on offer status shared by every
// respondent path.
func transitionOffer(ctx context.Context, q querier, offerID uuid.UUID, tr domain.OfferTransition) (*domain.Offer, error) {
	column, err := transitionTimestampColumn(tr.Status)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		UPDATE offers SET
			status = $2,
			%s = $3,
			seller_response = COALESCE($4, seller_response),
			counter_offer_amount = COALESCE($5, counter_offer_amount),
			updated_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+offerColumns, column)

	o, err := scanOffer(q.QueryRow(ctx, query, offerID, string(tr.Status), tr.At, tr.SellerResponse, tr.CounterAmount))
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM offers WHERE id = $1)`, offerID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrOfferNotFound
	}
	return nil, ErrOfferNotPending
}

func (r *PostgresRepository) TransitionOffer(ctx context.Context, offerID uuid.UUID, transition domain.OfferTransition) (*domain.Offer, error) {
	return transitionOffer(ctx, r.db, offerID, transition)
}

func (r *PostgresRepository) CounterOffer(ctx context.Context, offerID uuid.UUID, transition domain.OfferTransition, counter *domain.Offer) (*domain.Offer, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	original, err := transitionOffer(ctx, tx, offerID, transition)
	if err != nil {
		return nil, err
	}
	if err := insertOffer(ctx, tx, counter); err != nil {
		return nil, fmt.Errorf("failed to insert counter-offer: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit counter-offer: %w", err)
	}
	return original, nil
}

func (r *PostgresRepository) AcceptOffer(ctx context.Context, offerID uuid.UUID, transition domain.OfferTransition, txn *domain.Transaction) (*domain.Offer, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	accepted, err := transitionOffer(ctx, tx, offerID, transition)
	if err != nil {
		return nil, err
	}
	if err := movePropertyStatus(ctx, tx, accepted.PropertyID, domain.PropertyActive, domain.PropertyPending, transition.At); err != nil {
		return nil, err
	}
	if err := insertTransaction(ctx, tx, txn); err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit acceptance: %w", err)
	}
	txn.Version = 1
	return accepted, nil
}

func (r *PostgresRepository) ExpireOffers(ctx context.Context, now time.Time) ([]domain.Offer, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE offers SET status = 'expired', expired_at = $1, updated_at = $1
		WHERE status = 'pending' AND expires_at <= $1
		RETURNING `+offerColumns, now)
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

// movePropertyStatus is the compare-and-set on property status.
func movePropertyStatus(ctx context.Context, q querier, propertyID uuid.UUID, from, to domain.PropertyStatus, at time.Time) error {
	var soldAt *time.Time
	if to == domain.PropertySold {
		soldAt = &at
	}
	tag, err := q.Exec(ctx, `
		UPDATE properties SET status = $3, sold_at = COALESCE($4, sold_at), updated_at = $5
		WHERE id = $1 AND status = $2
	`, propertyID, string(from), string(to), soldAt, at)
	if err != nil {
		return fmt.Errorf("failed to update property status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM properties WHERE id = $1)`, propertyID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrPropertyNotFound
	}
	if from == domain.PropertyActive {
		return ErrPropertyNotActive
	}
	return ErrPropertyNotPending
}

func insertTransaction(ctx context.Context, q querier, t *domain.Transaction) error {
	_, err := q.Exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		        $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33,
		        1, $34, $35)
	`,
		t.ID, t.PropertyID, t.BuyerID, t.SellerID, t.OfferID, t.TotalAmount, t.PlatformFee, t.SellerAmount,
		string(t.PaymentMethod), t.StripePaymentIntentID, t.StripeTransferID, t.StripeRefundID,
		t.CryptoWalletAddress, t.CryptoTransactionHash, t.CryptoAmount, t.CryptoPayoutHash,
		t.CryptoRefundHash, string(t.Status), t.CaptureSubmittedAt, t.EscrowStartedAt, t.EscrowReleaseAt,
		t.ReleasedAt, string(t.SettlementClaim), t.SettlementClaimedAt, t.SettlementReference,
		t.PayoutAttempts, t.NextPayoutAttemptAt, t.PayoutFlagged, t.LastPayoutError,
		t.PayoutKeySeq, t.RefundKeySeq, t.CancelReason, t.DisputeReason, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (r *PostgresRepository) CreateDirectTransaction(ctx context.Context, txn *domain.Transaction) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := movePropertyStatus(ctx, tx, txn.PropertyID, domain.PropertyActive, domain.PropertyPending, txn.CreatedAt); err != nil {
		return err
	}
	if err := insertTransaction(ctx, tx, txn); err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit direct purchase: %w", err)
	}
	txn.Version = 1
	return nil
}

func (r *PostgresRepository) GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return t, nil
}

// updateTransaction writes every mutable column if the stored version matches.
// Identity and money columns are immutable after insert.
func updateTransaction(ctx context.Context, q querier, t *domain.Transaction) (*domain.Transaction, error) {
	updated, err := scanTransaction(q.QueryRow(ctx, `
		UPDATE transactions SET
			stripe_payment_intent_id = $3,
			stripe_transfer_id = $4,
			stripe_refund_id = $5,
			crypto_wallet_address = $6,
			crypto_transaction_hash = $7,
			crypto_amount = $8,
			crypto_payout_hash = $9,
			crypto_refund_hash = $10,
			status = $11,
			capture_submitted_at = $12,
			escrow_started_at = $13,
			escrow_release_at = $14,
			released_at = $15,
			settlement_claim = $16,
			settlement_claimed_at = $17,
			settlement_reference = $18,
			payout_attempts = $19,
			next_payout_attempt_at = $20,
			payout_flagged = $21,
			last_payout_error = $22,
			cancel_reason = $23,
			dispute_reason = $24,
			payout_key_seq = $25,
			refund_key_seq = $26,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING `+transactionColumns,
		t.ID, t.Version,
		t.StripePaymentIntentID, t.StripeTransferID, t.StripeRefundID,
		t.CryptoWalletAddress, t.CryptoTransactionHash, t.CryptoAmount, t.CryptoPayoutHash, t.CryptoRefundHash,
		string(t.Status), t.CaptureSubmittedAt, t.EscrowStartedAt, t.EscrowReleaseAt, t.ReleasedAt,
		string(t.SettlementClaim), t.SettlementClaimedAt, t.SettlementReference,
		t.PayoutAttempts, t.NextPayoutAttemptAt, t.PayoutFlagged, t.LastPayoutError,
		t.CancelReason, t.DisputeReason, t.PayoutKeySeq, t.RefundKeySeq,
	))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrTransactionNotFound
	}
	return nil, ErrVersionConflict
}

func (r *PostgresRepository) UpdateTransaction(ctx context.Context, txn *domain.Transaction) (*domain.Transaction, error) {
	return updateTransaction(ctx, r.db, txn)
}

func (r *PostgresRepository) CompleteRelease(ctx context.Context, txn *domain.Transaction) (*domain.Transaction, error) {
	return r.completeWithProperty(ctx, txn, domain.PropertySold)
}

func (r *PostgresRepository) CompleteCancel(ctx context.Context, txn *domain.Transaction) (*domain.Transaction, error) {
	return r.completeWithProperty(ctx, txn, domain.PropertyActive)
}

func (r *PostgresRepository) completeWithProperty(ctx context.Context, txn *domain.Transaction, propertyStatus domain.PropertyStatus) (*domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := updateTransaction(ctx, tx, txn)
	if err != nil {
		return nil, err
	}
	if err := movePropertyStatus(ctx, tx, updated.PropertyID, domain.PropertyPending, propertyStatus, updated.UpdatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit settlement: %w", err)
	}
	return updated, nil
}

func (r *PostgresRepository) ListReleaseCandidates(ctx context.Context, now time.Time, lease time.Duration) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'escrow'
		  AND released_at IS NULL
		  AND escrow_release_at <= $1
		  AND payout_flagged = FALSE
		  AND (next_payout_attempt_at IS NULL OR next_payout_attempt_at <= $1)
		  AND (
		        settlement_claim = ''
		     OR (settlement_claim = 'release' AND settlement_reference IS NULL AND settlement_claimed_at <= $2)
		  )
		ORDER BY escrow_release_at
		LIMIT $3
	`, now, now.Add(-lease), releaseCandidateBatchLimit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (r *PostgresRepository) ListEscrowTransactions(ctx context.Context) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE status = 'escrow' ORDER BY escrow_release_at
	`)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (r *PostgresRepository) BindRailReference(ctx context.Context, rail domain.PaymentMethod, reference string, transactionID uuid.UUID) error {
	var bound uuid.UUID
	err := r.db.QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO rail_event_receipts (rail, reference, transaction_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (rail, reference) DO NOTHING
			RETURNING transaction_id
		)
		SELECT transaction_id FROM inserted
		UNION ALL
		SELECT transaction_id FROM rail_event_receipts WHERE rail = $1 AND reference = $2
		LIMIT 1
	`, string(rail), reference, transactionID).Scan(&bound)
	if errors.Is(err, pgx.ErrNoRows) {
		// A concurrent insert committed after this statement's snapshot.
		err = r.db.QueryRow(ctx, `
			SELECT transaction_id FROM rail_event_receipts WHERE rail = $1 AND reference = $2
		`, string(rail), reference).Scan(&bound)
	}
	if err != nil {
		return fmt.Errorf("failed to bind rail reference: %w", err)
	}
	if bound != transactionID {
		return ErrRailReferenceTaken
	}
	return nil
}

func (r *PostgresRepository) FindTransactionByRailReference(ctx context.Context, rail domain.PaymentMethod, reference string) (*domain.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRow(ctx, `
		SELECT `+prefixed("t", transactionColumns)+`
		FROM rail_event_receipts r
		JOIN transactions t ON t.id = r.transaction_id
		WHERE r.rail = $1 AND r.reference = $2
	`, string(rail), reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return t, nil
}

func (r *PostgresRepository) CreateManualIntervention(ctx context.Context, item *domain.ManualIntervention) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	return r.db.QueryRow(ctx, `
		INSERT INTO manual_interventions (id, transaction_id, reason)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, item.ID, item.TransactionID, item.Reason).Scan(&item.CreatedAt)
}

func (r *PostgresRepository) ListActivity(ctx context.Context, userID uuid.UUID, opts domain.ActivityListOptions) ([]domain.ActivityItem, error) {
	opts = opts.Normalize()
	rows, err := r.db.Query(ctx, `
		SELECT kind, id, property_id, buyer_id, seller_id, status, amount, created_at
		FROM activity_feed
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.ActivityItem, 0, opts.Limit)
	for rows.Next() {
		var (
			item domain.ActivityItem
			kind string
		)
		if err := rows.Scan(&kind, &item.ID, &item.PropertyID, &item.BuyerID, &item.SellerID, &item.Status, &item.Amount, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.Kind = domain.ActivityKind(kind)
		items = append(items, item)
	}
	return items, rows.Err()
}

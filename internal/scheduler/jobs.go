/**
 * @description
 * Scheduled job implementations for the escrow service: the release sweep that
 * pays out escrows whose hold has ended and the offer expiry sweep.
 */
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/metrics"
)

// EscrowService defines the lifecycle operations the jobs drive.
type EscrowService interface {
	ReleaseDueEscrows(ctx context.Context) (int, error)
	SweepExpiredOffers(ctx context.Context) (int, error)
	Release(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	PendingEscrows(ctx context.Context) ([]domain.Transaction, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	svc     EscrowService
	metrics *metrics.EscrowMetrics
	logger  *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(svc EscrowService, m *metrics.EscrowMetrics, logger *slog.Logger) *Jobs {
	return &Jobs{
		svc:     svc,
		metrics: m,
		logger:  logger,
	}
}

// ReleaseDueEscrows is the job that pays out every escrow whose hold has ended.
func (j *Jobs) ReleaseDueEscrows() {
	j.logger.Info("starting escrow release job")
	ctx := context.Background()
	started := time.Now()
	defer func() { j.metrics.ObserveSweep("escrow_release", time.Since(started)) }()

	released, err := j.svc.ReleaseDueEscrows(ctx)
	if err != nil {
		j.logger.Error("failed to run escrow release sweep", "error", err, "released", released)
		return
	}

	j.logger.Info("escrow release job finished", "released", released)
}

// ExpireOffers is the job that expires pending offers past their deadline.
func (j *Jobs) ExpireOffers() {
	j.logger.Info("starting offer expiry job")
	ctx := context.Background()
	started := time.Now()
	defer func() { j.metrics.ObserveSweep("offer_expiry", time.Since(started)) }()

	expired, err := j.svc.SweepExpiredOffers(ctx)
	if err != nil {
		j.logger.Error("failed to expire offers", "error", err)
		return
	}

	j.logger.Info("offer expiry job finished", "expired", expired)
}

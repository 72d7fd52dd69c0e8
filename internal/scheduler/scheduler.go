/**
 * @description
 * Cron scheduler setup for the sweeps plus the in-process release timers that
 * fire as soon as an individual escrow hold ends.
 *
 * @notes
 * - Timers are an optimisation. The stored release deadline is authoritative
 *   and the release sweep picks up anything a lost timer missed.
 */
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/transfa/escrow-service/internal/config"
	"github.com/transfa/escrow-service/internal/domain"
)

const timerReleaseTimeout = 60 * time.Second

type armedTimer struct {
	timer *time.Timer
	gen   uint64
}

// Scheduler manages the cron jobs and per-transaction release timers.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config

	mu       sync.Mutex
	timers   map[uuid.UUID]armedTimer
	gen      uint64
	stopped  bool
	inflight sync.WaitGroup
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	// A sweep still running when its next tick fires skips that tick.
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
		timers: make(map[uuid.UUID]armedTimer),
	}
}

// RecoverOnStartup runs one release sweep and re-arms a timer for every
// escrow still holding funds, so a restart does not delay releases until the
// next cron tick.
func (s *Scheduler) RecoverOnStartup(ctx context.Context) error {
	s.jobs.ReleaseDueEscrows()

	pending, err := s.jobs.svc.PendingEscrows(ctx)
	if err != nil {
		return err
	}
	armed := 0
	for i := range pending {
		txn := &pending[i]
		if txn.PayoutFlagged || txn.EscrowReleaseAt == nil {
			continue
		}
		at := *txn.EscrowReleaseAt
		if txn.NextPayoutAttemptAt != nil && txn.NextPayoutAttemptAt.After(at) {
			at = *txn.NextPayoutAttemptAt
		}
		s.Arm(txn.ID, at)
		armed++
	}
	s.logger.Info("recovered escrow timers", "armed", armed, "pending", len(pending))
	return nil
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.EscrowSweepSchedule, s.jobs.ReleaseDueEscrows); err != nil {
		s.logger.Error("failed to schedule escrow release job", "error", err)
	} else {
		s.logger.Info("scheduled escrow release job", "schedule", s.config.EscrowSweepSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.OfferExpirySweepSchedule, s.jobs.ExpireOffers); err != nil {
		s.logger.Error("failed to schedule offer expiry job", "error", err)
	} else {
		s.logger.Info("scheduled offer expiry job", "schedule", s.config.OfferExpirySweepSchedule)
	}

	s.cron.Start()
}

// Arm schedules a release attempt for transactionID at releaseAt, replacing
// any timer already armed for it. A deadline in the past fires immediately.
func (s *Scheduler) Arm(transactionID uuid.UUID, releaseAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if existing, ok := s.timers[transactionID]; ok {
		existing.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timers[transactionID] = armedTimer{
		gen:   gen,
		timer: time.AfterFunc(time.Until(releaseAt), func() { s.fire(transactionID, gen) }),
	}
}

// Disarm cancels the timer for transactionID, if any.
func (s *Scheduler) Disarm(transactionID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.timers[transactionID]; ok {
		existing.timer.Stop()
		delete(s.timers, transactionID)
	}
}

// Armed reports how many release timers are pending.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) fire(transactionID uuid.UUID, gen uint64) {
	s.mu.Lock()
	current, ok := s.timers[transactionID]
	if !ok || current.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, transactionID)
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), timerReleaseTimeout)
	defer cancel()

	txn, err := s.jobs.svc.Release(ctx, transactionID)
	switch {
	case err == nil:
		s.logger.Info("timer release attempted", "transaction_id", transactionID, "status", txn.Status)
	case errors.Is(err, domain.ErrAlreadyReleased), errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrTooEarly):
		s.logger.Debug("timer release skipped", "transaction_id", transactionID, "reason", err)
	default:
		s.logger.Warn("timer release failed; sweep will retry", "transaction_id", transactionID, "error", err)
	}
}

// Stop cancels pending timers and gracefully stops the cron scheduler. The
// returned context is done once running jobs and timer releases have returned.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	s.stopped = true
	for id, armed := range s.timers {
		armed.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronCtx.Done()
		s.inflight.Wait()
		cancel()
	}()
	return ctx
}

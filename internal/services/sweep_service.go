package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/assocevents/registration-backend/internal/database"
)

const sweepBatchSize = 50

// SweepService manages scheduled background jobs
type SweepService struct {
	cron             *cron.Cron
	registrationRepo *database.RegistrationRepository
	reconciler       *ReconcileService
	rateLimiter      *RateLimitService
	staleAfter       time.Duration
	logger           *logrus.Logger
}

// NewSweepService creates a new SweepService. staleAfter is how long a
// payment may sit in initiated state before the sweep asks the gateway about
// it directly.
func NewSweepService(
	registrationRepo *database.RegistrationRepository,
	reconciler *ReconcileService,
	rateLimiter *RateLimitService,
	staleAfter time.Duration,
	logger *logrus.Logger,
) *SweepService {
	return &SweepService{
		cron:             cron.New(),
		registrationRepo: registrationRepo,
		reconciler:       reconciler,
		rateLimiter:      rateLimiter,
		staleAfter:       staleAfter,
		logger:           logger,
	}
}

// Start schedules all background jobs
func (s *SweepService) Start() error {
	s.logger.Info("Starting sweep service...")

	// Resolve payments stuck in initiated state every 15 minutes. Covers
	// callbacks the gateway dropped or we failed to process.
	_, err := s.cron.AddFunc("*/15 * * * *", s.staleSweepJob)
	if err != nil {
		return fmt.Errorf("failed to schedule stale payment sweep: %w", err)
	}
	s.logger.Info("Scheduled: stale payment sweep (every 15 minutes)")

	// Expired rate limit records serve no further decision; purge hourly.
	_, err = s.cron.AddFunc("0 * * * *", s.rateLimitCleanupJob)
	if err != nil {
		return fmt.Errorf("failed to schedule rate limit cleanup: %w", err)
	}
	s.logger.Info("Scheduled: rate limit cleanup (hourly)")

	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for a running job to finish
func (s *SweepService) Stop() {
	s.logger.Info("Stopping sweep service...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Sweep service stopped")
}

// RunStaleSweepNow triggers the sweep immediately. Used by the admin surface.
func (s *SweepService) RunStaleSweepNow() {
	s.staleSweepJob()
}

func (s *SweepService) staleSweepJob() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	stale, err := s.registrationRepo.ListStaleInitiated(ctx, s.staleAfter, sweepBatchSize)
	if err != nil {
		s.logger.WithError(err).Error("[SWEEP] Failed to list stale payments")
		return
	}
	if len(stale) == 0 {
		return
	}

	s.logger.WithField("count", len(stale)).Info("[SWEEP] Resolving stale initiated payments")

	resolved := 0
	for _, registration := range stale {
		finalStatus, err := s.reconciler.ReconcileStale(ctx, registration)
		if err != nil {
			// Inquiry failures leave the row for the next run.
			s.logger.WithError(err).WithField("registration_id", registration.ID).
				Warn("[SWEEP] Could not resolve stale payment")
			continue
		}
		if finalStatus.IsTerminal() {
			resolved++
		}
	}

	s.logger.WithFields(logrus.Fields{
		"resolved": resolved,
		"total":    len(stale),
		"duration": time.Since(start).String(),
	}).Info("[SWEEP] Stale payment sweep complete")
}

func (s *SweepService) rateLimitCleanupJob() {
	deleted, err := s.rateLimiter.CleanupExpiredRateLimits()
	if err != nil {
		s.logger.WithError(err).Error("[SWEEP] Rate limit cleanup failed")
		return
	}
	if deleted > 0 {
		s.logger.WithField("deleted", deleted).Info("[SWEEP] Cleaned up expired rate limit records")
	}
}

package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/assocevents/registration-backend/internal/config"
	"github.com/assocevents/registration-backend/internal/database"
	"github.com/assocevents/registration-backend/internal/models"
)

// PassGenerator renders the QR-coded PDF pass for a registration snapshot.
// Satisfied by *PassService.
type PassGenerator interface {
	GeneratePass(snapshot models.RegistrationSnapshot) ([]byte, error)
}

// MailSender delivers attendee passes and operator alerts.
// Satisfied by *MailService.
type MailSender interface {
	SendPass(snapshot models.RegistrationSnapshot, passPDF []byte) error
	SendOperatorAlert(snapshot models.RegistrationSnapshot, attempts int, lastErr error) error
}

// notifyJob is the explicit job descriptor: identity, payload snapshot and
// attempt state all travel together.
type notifyJob struct {
	ID       uuid.UUID
	Snapshot models.RegistrationSnapshot
	Attempt  int
	Manual   bool // admin-triggered resend, distinct from post-payment dispatch
}

// NotifyService is the asynchronous pass-delivery dispatcher. Jobs execute on
// a worker pool, independent of the reconciler's request cycle. The pass is
// regenerated at execution time from the snapshot captured at enqueue, so a
// delayed job still delivers internally consistent content.
type NotifyService struct {
	passGen   PassGenerator
	mailer    MailSender
	eventRepo *database.PaymentEventRepository
	cfg       config.NotifyConfig
	logger    *logrus.Logger

	jobs   chan notifyJob
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewNotifyService creates the dispatcher. Jobs enqueued before Start sit in
// the buffer until the workers come up.
func NewNotifyService(
	passGen PassGenerator,
	mailer MailSender,
	eventRepo *database.PaymentEventRepository,
	cfg config.NotifyConfig,
	logger *logrus.Logger,
) *NotifyService {
	s := &NotifyService{
		passGen:   passGen,
		mailer:    mailer,
		eventRepo: eventRepo,
		cfg:       cfg,
		logger:    logger,
		jobs:      make(chan notifyJob, 64),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start launches the worker pool
func (s *NotifyService) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.logger.WithField("workers", workers).Info("Notification dispatcher started")
}

// Stop drains the workers. Pending delayed retries are abandoned; the sweep
// and the admin resend endpoint cover anything lost to a restart.
func (s *NotifyService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Notification dispatcher stopped")
}

// Enqueue schedules automatic post-payment pass delivery. At-most-once per
// completion is guaranteed by the reconciler's compare-and-set, not here.
func (s *NotifyService) Enqueue(snapshot models.RegistrationSnapshot) {
	s.submit(notifyJob{
		ID:       uuid.New(),
		Snapshot: snapshot,
		Attempt:  1,
	})
}

// Resend schedules a manual re-delivery. It is a distinct operation from the
// automatic dispatch and is never blocked by it.
func (s *NotifyService) Resend(snapshot models.RegistrationSnapshot) {
	s.submit(notifyJob{
		ID:       uuid.New(),
		Snapshot: snapshot,
		Attempt:  1,
		Manual:   true,
	})
}

func (s *NotifyService) submit(job notifyJob) {
	select {
	case s.jobs <- job:
	case <-s.ctx.Done():
		s.logger.WithFields(logrus.Fields{
			"job_id":          job.ID,
			"registration_id": job.Snapshot.RegistrationID,
		}).Warn("Dispatcher stopped, notification job dropped")
	}
}

func (s *NotifyService) worker() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.jobs:
			s.process(job)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *NotifyService) process(job notifyJob) {
	log := s.logger.WithFields(logrus.Fields{
		"job_id":          job.ID,
		"registration_id": job.Snapshot.RegistrationID,
		"email":           job.Snapshot.Email,
		"attempt":         job.Attempt,
		"manual":          job.Manual,
	})

	err := s.deliver(job.Snapshot)
	if err == nil {
		log.Info("Pass delivered")
		return
	}

	// Rendering, network and mail-transport failures are indistinguishable
	// at this layer: all retry on the same schedule.
	log.WithError(err).Warn("Pass delivery failed")

	if job.Attempt >= s.cfg.MaxAttempts {
		s.exhausted(job, err)
		return
	}

	delay := s.backoffFor(job.Attempt)
	log.WithField("retry_in", delay.String()).Info("Scheduling delivery retry")

	next := job
	next.Attempt++
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(delay):
			s.submit(next)
		case <-s.ctx.Done():
		}
	}()
}

// deliver regenerates the pass and emails it
func (s *NotifyService) deliver(snapshot models.RegistrationSnapshot) error {
	passPDF, err := s.passGen.GeneratePass(snapshot)
	if err != nil {
		return err
	}
	return s.mailer.SendPass(snapshot, passPDF)
}

// exhausted is the terminal handler: after the final attempt fails, a human
// takes over. The operator alert goes to a separate recipient and carries
// enough identity to act on.
func (s *NotifyService) exhausted(job notifyJob, lastErr error) {
	s.logger.WithFields(logrus.Fields{
		"job_id":          job.ID,
		"registration_id": job.Snapshot.RegistrationID,
		"email":           job.Snapshot.Email,
		"membership":      job.Snapshot.MembershipOrNIC,
		"attempts":        job.Attempt,
	}).Error("Pass delivery exhausted all attempts, alerting operator")

	if err := s.mailer.SendOperatorAlert(job.Snapshot, job.Attempt, lastErr); err != nil {
		s.logger.WithError(err).WithField("registration_id", job.Snapshot.RegistrationID).
			Error("CRITICAL: Operator alert delivery failed")
	}

	event := models.NewPaymentEvent(models.PaymentEventNotifyExhausted, models.PaymentSourceBackend).
		SetRegistration(job.Snapshot.RegistrationID, job.Snapshot.ClientRef).
		SetError(lastErr.Error())
	if err := s.eventRepo.Log(context.Background(), event); err != nil {
		s.logger.WithError(err).Error("Failed to log notification exhaustion event")
	}
}

func (s *NotifyService) backoffFor(failedAttempt int) time.Duration {
	if len(s.cfg.Backoff) == 0 {
		return time.Minute
	}
	idx := failedAttempt - 1
	if idx >= len(s.cfg.Backoff) {
		idx = len(s.cfg.Backoff) - 1
	}
	return s.cfg.Backoff[idx]
}

package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/assocevents/registration-backend/internal/database"
	"github.com/assocevents/registration-backend/internal/models"
)

// ErrPaymentNotPending indicates payment initiation was attempted on a
// registration that is not in pending state.
var ErrPaymentNotPending = errors.New("registration payment is not pending")

// ErrPaymentNotTerminal indicates a retry was attempted before the payment
// reached a terminal state.
var ErrPaymentNotTerminal = errors.New("registration payment is not in a terminal state")

// RegistrationService is the payment-initiation side of the flow: it creates
// registrations, starts payments through the gateway and owns the explicit
// retry exception path. Finalization belongs to the ReconcileService.
type RegistrationService struct {
	registrationRepo *database.RegistrationRepository
	eventRepo        *database.PaymentEventRepository
	gateway          *GatewayService
	logger           *logrus.Logger
}

// NewRegistrationService creates a new registration service
func NewRegistrationService(
	registrationRepo *database.RegistrationRepository,
	eventRepo *database.PaymentEventRepository,
	gateway *GatewayService,
	logger *logrus.Logger,
) *RegistrationService {
	return &RegistrationService{
		registrationRepo: registrationRepo,
		eventRepo:        eventRepo,
		gateway:          gateway,
		logger:           logger,
	}
}

// Create validates and persists a new registration in pending state
func (s *RegistrationService) Create(ctx context.Context, req *models.CreateRegistrationRequest) (*models.Registration, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.registrationRepo.Create(ctx, req)
}

// Get returns a registration by id
func (s *RegistrationService) Get(ctx context.Context, id int64) (*models.Registration, error) {
	return s.registrationRepo.GetByID(ctx, id)
}

// InitiatePayment starts the gateway payment for a pending registration and
// records the transaction reference. A semantic gateway rejection comes back
// as a typed result, not an error.
func (s *RegistrationService) InitiatePayment(ctx context.Context, id int64) (*InitiateResult, error) {
	registration, err := s.registrationRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if registration.PaymentStatus != models.PaymentPending {
		return nil, fmt.Errorf("%w: status is %s", ErrPaymentNotPending, registration.PaymentStatus)
	}

	result, err := s.gateway.InitiatePayment(ctx, &InitiatePaymentParams{
		AttendeeName:   registration.FullName,
		Email:          registration.Email,
		Amount:         registration.TotalAmount,
		ClientRef:      registration.ClientRef,
		RegistrationID: registration.ID,
		EventType:      string(registration.EventType),
	})
	if err != nil {
		s.auditInitiate(ctx, registration, models.PaymentEventInitiateFailed, "", err.Error())
		return nil, fmt.Errorf("payment gateway error: %w", err)
	}

	if !result.Success {
		s.auditInitiate(ctx, registration, models.PaymentEventInitiateFailed, "", result.Message)
		return result, nil
	}

	applied, err := s.registrationRepo.MarkInitiated(ctx, registration.ID, result.TransactionID)
	if err != nil {
		return nil, err
	}
	if !applied {
		// A concurrent initiation won the pending → initiated transition.
		return nil, fmt.Errorf("%w: initiated concurrently", ErrPaymentNotPending)
	}

	s.auditInitiate(ctx, registration, models.PaymentEventInitiated, result.TransactionID, "")

	s.logger.WithFields(logrus.Fields{
		"registration_id": registration.ID,
		"client_ref":      registration.ClientRef,
		"transaction_id":  result.TransactionID,
	}).Info("Payment initiated for registration")

	return result, nil
}

// RetryPayment is the explicit resubmit action: it resets a terminal
// registration back to pending (reusing the same row) and initiates a fresh
// payment.
func (s *RegistrationService) RetryPayment(ctx context.Context, id int64) (*InitiateResult, error) {
	applied, err := s.registrationRepo.ResetForRetry(ctx, id)
	if err != nil {
		return nil, err
	}
	if !applied {
		registration, getErr := s.registrationRepo.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: status is %s", ErrPaymentNotTerminal, registration.PaymentStatus)
	}

	registration, err := s.registrationRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	event := models.NewPaymentEvent(models.PaymentEventRetryReset, models.PaymentSourceBackend).
		SetRegistration(registration.ID, registration.ClientRef)
	if logErr := s.eventRepo.Log(ctx, event); logErr != nil {
		s.logger.WithError(logErr).Error("Failed to log retry reset event")
	}

	return s.InitiatePayment(ctx, id)
}

func (s *RegistrationService) auditInitiate(ctx context.Context, registration *models.Registration, eventType models.PaymentEventType, transactionID, errMsg string) {
	event := models.NewPaymentEvent(eventType, models.PaymentSourceBackend).
		SetRegistration(registration.ID, registration.ClientRef).
		SetTransactionID(transactionID)
	if errMsg != "" {
		event.SetError(errMsg)
	}
	if err := s.eventRepo.Log(ctx, event); err != nil {
		s.logger.WithError(err).Error("Failed to log initiation event")
	}
}

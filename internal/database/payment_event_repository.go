package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/assocevents/registration-backend/internal/models"
)

// PaymentEventRepository handles the append-only payment audit log
type PaymentEventRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewPaymentEventRepository creates a new payment event repository
func NewPaymentEventRepository(db *sqlx.DB, logger *logrus.Logger) *PaymentEventRepository {
	return &PaymentEventRepository{
		db:     db,
		logger: logger,
	}
}

// Log creates a new payment event entry
// This should NEVER fail silently - payment events must be logged
func (r *PaymentEventRepository) Log(ctx context.Context, event *models.PaymentEvent) error {
	if event == nil {
		return fmt.Errorf("payment event cannot be nil")
	}

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO payment_events (
			id, registration_id, client_ref, transaction_id,
			event_type, event_source,
			expected_amount, received_amount, amounts_match,
			gateway_status, payload, raw_body,
			error_message, processing_time_ms,
			ip_address, user_agent, correlation_id,
			created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6,
			$7, $8, $9,
			$10, $11, $12,
			$13, $14,
			$15, $16, $17,
			$18
		)`

	_, err := r.db.ExecContext(ctx, query,
		event.ID, event.RegistrationID, event.ClientRef, event.TransactionID,
		event.EventType, event.EventSource,
		event.ExpectedAmount, event.ReceivedAmount, event.AmountsMatch,
		event.GatewayStatus, event.Payload, event.RawBody,
		event.ErrorMessage, event.ProcessingTimeMs,
		event.IPAddress, event.UserAgent, event.CorrelationID,
		event.CreatedAt,
	)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"event_type": event.EventType,
			"client_ref": event.ClientRef,
		}).Error("CRITICAL: Failed to log payment event")
		return fmt.Errorf("failed to log payment event: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.EventType,
	}).Debug("Payment event logged")

	return nil
}

// GetByClientRef retrieves all events for a client reference, oldest first
func (r *PaymentEventRepository) GetByClientRef(ctx context.Context, clientRef string) ([]*models.PaymentEvent, error) {
	var events []*models.PaymentEvent
	query := `
		SELECT * FROM payment_events
		WHERE client_ref = $1
		ORDER BY created_at ASC`

	err := r.db.SelectContext(ctx, &events, query, clientRef)
	if err != nil {
		return nil, fmt.Errorf("failed to get events by client ref: %w", err)
	}
	return events, nil
}

// GetByRegistrationID retrieves all events for a registration, oldest first
func (r *PaymentEventRepository) GetByRegistrationID(ctx context.Context, registrationID int64) ([]*models.PaymentEvent, error) {
	var events []*models.PaymentEvent
	query := `
		SELECT * FROM payment_events
		WHERE registration_id = $1
		ORDER BY created_at ASC`

	err := r.db.SelectContext(ctx, &events, query, registrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events by registration id: %w", err)
	}
	return events, nil
}

// GetAmountMismatches retrieves events where amounts don't match.
// This feeds the fraud review queue.
func (r *PaymentEventRepository) GetAmountMismatches(ctx context.Context, limit int) ([]*models.PaymentEvent, error) {
	var events []*models.PaymentEvent
	query := `
		SELECT * FROM payment_events
		WHERE amounts_match = FALSE
		ORDER BY created_at DESC
		LIMIT $1`

	err := r.db.SelectContext(ctx, &events, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get amount mismatches: %w", err)
	}
	return events, nil
}

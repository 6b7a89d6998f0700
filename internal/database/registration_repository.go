package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/assocevents/registration-backend/internal/models"
	"github.com/assocevents/registration-backend/pkg/reference"
)

// ErrDuplicateRegistration indicates a registration already exists for the
// membership number (or email, for non-members) on the same event.
var ErrDuplicateRegistration = errors.New("registration already exists for this attendee")

// ErrRegistrationNotFound indicates no registration matched the lookup.
var ErrRegistrationNotFound = errors.New("registration not found")

// RegistrationRepository handles registration persistence
type RegistrationRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewRegistrationRepository creates a new registration repository
func NewRegistrationRepository(db *sqlx.DB, logger *logrus.Logger) *RegistrationRepository {
	return &RegistrationRepository{
		db:     db,
		logger: logger,
	}
}

const registrationColumns = `
	id, client_ref, event_type, full_name, email, phone,
	membership_number, category, nic_passport,
	registration_fee, lunch_fee, total_amount,
	payment_status, payment_reqid, payment_ref_no, raw_response,
	attended, checked_in_at, meal_received,
	created_at, updated_at`

// Create inserts a new registration in pending state with its client
// reference. Duplicate prevention: at most one registration per membership
// number, or per email when the membership number is absent, scoped to the
// event type.
func (r *RegistrationRepository) Create(ctx context.Context, req *models.CreateRegistrationRequest) (*models.Registration, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Uniqueness check. The partial unique indexes on
	// (event_type, membership_number) and (event_type, email) back this up
	// against concurrent inserts.
	var count int
	isMember := req.MembershipNumber != nil && *req.MembershipNumber != ""
	if isMember {
		err = tx.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM registrations WHERE event_type = $1 AND membership_number = $2`,
			req.EventType, *req.MembershipNumber)
	} else {
		err = tx.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM registrations WHERE event_type = $1 AND email = $2 AND membership_number IS NULL`,
			req.EventType, req.Email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check existing registration: %w", err)
	}
	if count > 0 {
		return nil, ErrDuplicateRegistration
	}

	total := req.RegistrationFee + req.LunchFee

	// The client reference encodes the row id, so the id is drawn from the
	// sequence up front and the final reference goes in with the insert. A
	// placeholder value would collide on the client_ref unique index when two
	// registrations are created concurrently.
	var id int64
	if err := tx.GetContext(ctx, &id,
		`SELECT nextval(pg_get_serial_sequence('registrations', 'id'))`); err != nil {
		return nil, fmt.Errorf("failed to allocate registration id: %w", err)
	}
	clientRef, err := reference.Format(req.EventType, id)
	if err != nil {
		return nil, fmt.Errorf("failed to build client reference: %w", err)
	}

	var registration models.Registration
	err = tx.GetContext(ctx, &registration, `
		INSERT INTO registrations (
			id, client_ref, event_type, full_name, email, phone,
			membership_number, category, nic_passport,
			registration_fee, lunch_fee, total_amount,
			payment_status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12,
			'pending', NOW(), NOW()
		)
		RETURNING `+registrationColumns,
		id, clientRef, req.EventType, req.FullName, req.Email, req.Phone,
		req.MembershipNumber, req.Category, req.NICPassport,
		req.RegistrationFee, req.LunchFee, total,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create registration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit registration: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"registration_id": registration.ID,
		"client_ref":      clientRef,
		"event_type":      req.EventType,
		"total_amount":    total,
	}).Info("Registration created")

	return &registration, nil
}

// GetByID retrieves a registration by its internal id
func (r *RegistrationRepository) GetByID(ctx context.Context, id int64) (*models.Registration, error) {
	var registration models.Registration
	err := r.db.GetContext(ctx, &registration,
		`SELECT `+registrationColumns+` FROM registrations WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, ErrRegistrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}
	return &registration, nil
}

// GetByClientRef retrieves a registration by its client reference
func (r *RegistrationRepository) GetByClientRef(ctx context.Context, clientRef string) (*models.Registration, error) {
	var registration models.Registration
	err := r.db.GetContext(ctx, &registration,
		`SELECT `+registrationColumns+` FROM registrations WHERE client_ref = $1`, clientRef)
	if err == sql.ErrNoRows {
		return nil, ErrRegistrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registration by client ref: %w", err)
	}
	return &registration, nil
}

// MarkInitiated moves a registration from pending to initiated, storing the
// gateway transaction reference. The WHERE clause guards the transition: a
// row that is no longer pending is left untouched.
func (r *RegistrationRepository) MarkInitiated(ctx context.Context, id int64, transactionID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE registrations
		SET payment_status = 'initiated',
		    payment_reqid = $2,
		    updated_at = NOW()
		WHERE id = $1 AND payment_status = 'pending'`,
		id, transactionID)
	if err != nil {
		return false, fmt.Errorf("failed to mark registration initiated: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows == 1, nil
}

// FinalizePayment applies the terminal payment status in a single atomic
// compare-and-set. The idempotency check and the transition are one
// statement: two near-simultaneous callback deliveries cannot both win, so
// side effects keyed on the returned applied flag run at most once.
func (r *RegistrationRepository) FinalizePayment(
	ctx context.Context,
	id int64,
	status models.PaymentStatus,
	paymentRefNo string,
	rawResponse models.JSONB,
) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("finalize requires a terminal status, got %s", status)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE registrations
		SET payment_status = $2,
		    payment_ref_no = $3,
		    raw_response = $4,
		    updated_at = NOW()
		WHERE id = $1 AND payment_status IN ('pending', 'initiated')`,
		id, status, paymentRefNo, rawResponse)
	if err != nil {
		return false, fmt.Errorf("failed to finalize payment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if rows == 1 {
		r.logger.WithFields(logrus.Fields{
			"registration_id": id,
			"payment_status":  status,
			"payment_ref_no":  paymentRefNo,
		}).Info("Payment finalized")
	}
	return rows == 1, nil
}

// ResetForRetry is the explicit exception path completed/failed → pending,
// triggered only by the resubmit endpoint. It reuses the same row: no new
// record is created for a payment retry.
func (r *RegistrationRepository) ResetForRetry(ctx context.Context, id int64) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE registrations
		SET payment_status = 'pending',
		    payment_reqid = NULL,
		    payment_ref_no = NULL,
		    raw_response = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND payment_status IN ('completed', 'failed')`,
		id)
	if err != nil {
		return false, fmt.Errorf("failed to reset registration for retry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows == 1, nil
}

// MarkAttended records check-in. Admin-facing; never touched by the reconciler.
func (r *RegistrationRepository) MarkAttended(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE registrations
		SET attended = TRUE,
		    checked_in_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark attended: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrRegistrationNotFound
	}
	return nil
}

// MarkMealReceived records meal collection
func (r *RegistrationRepository) MarkMealReceived(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE registrations
		SET meal_received = TRUE,
		    updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark meal received: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrRegistrationNotFound
	}
	return nil
}

// ListStaleInitiated returns registrations stuck in initiated longer than the
// payment timeout, for the reconciliation sweep to status-inquire.
func (r *RegistrationRepository) ListStaleInitiated(ctx context.Context, olderThan time.Duration, limit int) ([]*models.Registration, error) {
	var registrations []*models.Registration
	err := r.db.SelectContext(ctx, &registrations, `
		SELECT `+registrationColumns+`
		FROM registrations
		WHERE payment_status = 'initiated'
		AND updated_at < NOW() - $1::interval
		ORDER BY updated_at ASC
		LIMIT $2`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale initiated registrations: %w", err)
	}
	return registrations, nil
}

package services

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/assocevents/registration-backend/internal/config"
	"github.com/assocevents/registration-backend/internal/database"
	"github.com/assocevents/registration-backend/internal/models"
	"github.com/assocevents/registration-backend/pkg/reference"
	"github.com/assocevents/registration-backend/pkg/signature"
)

// Failure reasons carried on the redirect for the frontend failure page.
const (
	ReasonInvalidSignature = "invalid_signature"
	ReasonNotFound         = "not_found"
	ReasonInquiryFailed    = "status_inquiry_failed"
	ReasonPaymentFailed    = "payment_failed"
	ReasonInternalError    = "internal_error"
)

// statusInquirer fetches authoritative transaction state from the gateway.
// Satisfied by *GatewayService.
type statusInquirer interface {
	CheckStatus(ctx context.Context, transactionID string) (*StatusResult, error)
}

// passDispatcher enqueues asynchronous pass delivery. Satisfied by *NotifyService.
type passDispatcher interface {
	Enqueue(snapshot models.RegistrationSnapshot)
}

// CallbackMeta carries request metadata into the audit log
type CallbackMeta struct {
	IPAddress     string
	UserAgent     string
	CorrelationID string
	RawBody       string // callback exactly as delivered, kept for forensic replay
}

// Outcome is the reconciler's decision: always a deterministic redirect
// target, never an error surfaced to the gateway.
type Outcome struct {
	RedirectURL    string
	RegistrationID int64
	Completed      bool
	Reason         string
}

// ReconcileService is the payment-callback state machine. It verifies a
// callback, resolves it to a registration, and applies the terminal payment
// state exactly once.
type ReconcileService struct {
	registrationRepo *database.RegistrationRepository
	eventRepo        *database.PaymentEventRepository
	inquirer         statusInquirer
	signer           *signature.Signer
	dispatcher       passDispatcher
	payment          config.PaymentConfig
	logger           *logrus.Logger
}

// NewReconcileService creates a new callback reconciler
func NewReconcileService(
	registrationRepo *database.RegistrationRepository,
	eventRepo *database.PaymentEventRepository,
	inquirer statusInquirer,
	signer *signature.Signer,
	dispatcher passDispatcher,
	payment config.PaymentConfig,
	logger *logrus.Logger,
) *ReconcileService {
	return &ReconcileService{
		registrationRepo: registrationRepo,
		eventRepo:        eventRepo,
		inquirer:         inquirer,
		signer:           signer,
		dispatcher:       dispatcher,
		payment:          payment,
		logger:           logger,
	}
}

// Reconcile runs the callback through the state machine. Each step is a hard
// precondition for the next; any rejection short-circuits into a failure
// redirect with no state mutation.
func (s *ReconcileService) Reconcile(ctx context.Context, values map[string]string, meta CallbackMeta) Outcome {
	start := time.Now()

	// Step 1: normalize heterogeneous field names into the canonical shape.
	data := NormalizeCallback(values)

	s.audit(ctx, models.NewPaymentEvent(models.PaymentEventCallbackReceived, models.PaymentSourceGatewayCallback).
		SetClientRef(data.ClientRef).
		SetTransactionID(data.TransactionID).
		SetGatewayStatus(data.Status).
		SetPayload(rawPayload(data.Raw)).
		SetRawBody(meta.RawBody).
		SetMetadata(meta.IPAddress, meta.UserAgent, meta.CorrelationID))

	// The signature covers the fields as they arrived; capture them before
	// any inquiry merge.
	signedFields := data.SignedFields()

	// Step 2: missing-data fallback. Redirect-only callbacks can omit amount
	// and status; fetch the authoritative values before proceeding. An
	// inquiry failure is a reconciliation failure, never a silent completed.
	if !data.HasUsableOutcome() {
		if !s.inquire(ctx, &data, meta) {
			return s.failure(data, 0, ReasonInquiryFailed)
		}
	}

	// Step 3: signature verification. A mismatch is a hard rejection: log
	// both signatures for forensic replay, mutate nothing.
	if !s.signer.Verify(signedFields, data.Signature) {
		computed := s.signer.Sign(signedFields)
		s.logger.WithFields(logrus.Fields{
			"client_ref":         data.ClientRef,
			"transaction_id":     data.TransactionID,
			"received_signature": data.Signature,
			"computed_signature": computed,
			"correlation_id":     meta.CorrelationID,
		}).Warn("Callback signature mismatch, rejecting")

		s.audit(ctx, models.NewPaymentEvent(models.PaymentEventSignatureRejected, models.PaymentSourceGatewayCallback).
			SetClientRef(data.ClientRef).
			SetTransactionID(data.TransactionID).
			SetError(fmt.Sprintf("received=%s computed=%s", data.Signature, computed)).
			SetMetadata(meta.IPAddress, meta.UserAgent, meta.CorrelationID))

		return s.failure(data, 0, ReasonInvalidSignature)
	}

	// Step 4: resolve the client reference to exactly one registration. The
	// reference encodes the id; no match means a data-integrity anomaly and
	// never a new row.
	_, registrationID, err := reference.Parse(data.ClientRef)
	if err != nil {
		s.auditUnknownReference(ctx, data, meta, err.Error())
		return s.failure(data, 0, ReasonNotFound)
	}

	registration, err := s.registrationRepo.GetByID(ctx, registrationID)
	if err != nil {
		if err == database.ErrRegistrationNotFound {
			s.auditUnknownReference(ctx, data, meta, "no registration for reference")
			return s.failure(data, 0, ReasonNotFound)
		}
		s.logger.WithError(err).WithField("client_ref", data.ClientRef).Error("Registration lookup failed")
		s.auditInternalError(ctx, data, meta, err.Error())
		return s.failure(data, 0, ReasonInternalError)
	}

	// Amount verification feeds the review queue; the bank's status stays
	// authoritative for the state transition.
	receivedAmount := parseAmount(data.Amount)
	amountEvent := models.NewPaymentEvent(eventTypeFor(data), models.PaymentSourceGatewayCallback).
		SetRegistration(registration.ID, registration.ClientRef).
		SetTransactionID(data.TransactionID).
		SetGatewayStatus(data.Status).
		SetPayload(rawPayload(data.Raw)).
		SetMetadata(meta.IPAddress, meta.UserAgent, meta.CorrelationID)
	if !amountEvent.SetAmounts(registration.TotalAmount, receivedAmount) {
		s.logger.WithFields(logrus.Fields{
			"registration_id": registration.ID,
			"expected":        registration.TotalAmount,
			"received":        receivedAmount,
		}).Warn("Callback amount does not match registration total")
	}

	// Steps 5+6: idempotency and transition are a single atomic
	// compare-and-set on the current payment status.
	finalStatus := models.PaymentFailed
	if data.IsSuccess() {
		finalStatus = models.PaymentCompleted
	}

	applied, err := s.registrationRepo.FinalizePayment(
		ctx, registration.ID, finalStatus, data.TransactionID, models.JSONB(rawPayload(data.Raw)))
	if err != nil {
		s.logger.WithError(err).WithField("registration_id", registration.ID).Error("Payment finalize failed")
		s.auditInternalError(ctx, data, meta, err.Error())
		return s.failure(data, registration.ID, ReasonInternalError)
	}

	if !applied {
		// The row was already terminal: re-delivery of the callback, which is
		// expected gateway behavior. Return the same outcome as the first
		// delivery without re-running side effects.
		current, err := s.registrationRepo.GetByID(ctx, registration.ID)
		if err != nil {
			s.logger.WithError(err).WithField("registration_id", registration.ID).Error("Re-read after duplicate callback failed")
			s.auditInternalError(ctx, data, meta, err.Error())
			return s.failure(data, registration.ID, ReasonInternalError)
		}

		s.audit(ctx, models.NewPaymentEvent(models.PaymentEventDuplicateCallback, models.PaymentSourceGatewayCallback).
			SetRegistration(registration.ID, registration.ClientRef).
			SetTransactionID(data.TransactionID).
			SetGatewayStatus(data.Status).
			SetProcessingTime(start).
			SetMetadata(meta.IPAddress, meta.UserAgent, meta.CorrelationID))

		if current.PaymentStatus == models.PaymentCompleted {
			return s.success(registration.ID)
		}
		return s.failure(data, registration.ID, ReasonPaymentFailed)
	}

	amountEvent.SetProcessingTime(start)
	s.audit(ctx, amountEvent)

	if finalStatus == models.PaymentCompleted {
		// Step 7: side-effect dispatch, fire-and-forget. Exactly-once is
		// guaranteed by the CAS above, not by the queue.
		snapshot := registration.Snapshot()
		snapshot.PaymentRefNo = data.TransactionID
		s.dispatcher.Enqueue(snapshot)

		s.logger.WithFields(logrus.Fields{
			"registration_id": registration.ID,
			"transaction_id":  data.TransactionID,
			"duration_ms":     time.Since(start).Milliseconds(),
		}).Info("Payment reconciled as completed")

		return s.success(registration.ID)
	}

	s.logger.WithFields(logrus.Fields{
		"registration_id": registration.ID,
		"gateway_status":  data.Status,
		"response_code":   data.ResponseCode,
	}).Info("Payment reconciled as failed")

	return s.failure(data, registration.ID, ReasonPaymentFailed)
}

// inquire runs the synchronous status inquiry and merges the authoritative
// values into data. Returns false when the inquiry cannot resolve the
// transaction.
func (s *ReconcileService) inquire(ctx context.Context, data *CallbackData, meta CallbackMeta) bool {
	if data.TransactionID == "" {
		s.audit(ctx, models.NewPaymentEvent(models.PaymentEventStatusInquiryFailed, models.PaymentSourceGatewayAPI).
			SetClientRef(data.ClientRef).
			SetError("callback carried no transaction id to inquire on").
			SetMetadata(meta.IPAddress, meta.UserAgent, meta.CorrelationID))
		return false
	}

	result, err := s.inquirer.CheckStatus(ctx, data.TransactionID)
	if err != nil || !result.Success {
		message := "gateway reported inquiry failure"
		if err != nil {
			message = err.Error()
		} else if result.Message != "" {
			message = result.Message
		}
		s.logger.WithFields(logrus.Fields{
			"transaction_id": data.TransactionID,
			"error":          message,
		}).Warn("Status inquiry failed, failing reconciliation closed")

		s.audit(ctx, models.NewPaymentEvent(models.PaymentEventStatusInquiryFailed, models.PaymentSourceGatewayAPI).
			SetClientRef(data.ClientRef).
			SetTransactionID(data.TransactionID).
			SetError(message).
			SetMetadata(meta.IPAddress, meta.UserAgent, meta.CorrelationID))
		return false
	}

	data.Status = result.Status
	data.Amount = fmt.Sprintf("%.2f", result.Amount)
	if result.BankReference != "" {
		data.BankReference = result.BankReference
	}

	s.audit(ctx, models.NewPaymentEvent(models.PaymentEventStatusInquiry, models.PaymentSourceGatewayAPI).
		SetClientRef(data.ClientRef).
		SetTransactionID(data.TransactionID).
		SetGatewayStatus(result.Status).
		SetMetadata(meta.IPAddress, meta.UserAgent, meta.CorrelationID))
	return true
}

// auditInternalError records an unexpected backend failure, which the caller
// converts into an internal_error redirect rather than a 5xx.
func (s *ReconcileService) auditInternalError(ctx context.Context, data CallbackData, meta CallbackMeta, detail string) {
	s.audit(ctx, models.NewPaymentEvent(models.PaymentEventError, models.PaymentSourceBackend).
		SetClientRef(data.ClientRef).
		SetTransactionID(data.TransactionID).
		SetError(detail).
		SetMetadata(meta.IPAddress, meta.UserAgent, meta.CorrelationID))
}

func (s *ReconcileService) auditUnknownReference(ctx context.Context, data CallbackData, meta CallbackMeta, detail string) {
	s.logger.WithFields(logrus.Fields{
		"client_ref":     data.ClientRef,
		"transaction_id": data.TransactionID,
		"detail":         detail,
	}).Warn("Callback reference does not resolve to a registration")

	s.audit(ctx, models.NewPaymentEvent(models.PaymentEventReferenceUnknown, models.PaymentSourceGatewayCallback).
		SetClientRef(data.ClientRef).
		SetTransactionID(data.TransactionID).
		SetError(detail).
		SetMetadata(meta.IPAddress, meta.UserAgent, meta.CorrelationID))
}

// audit writes a payment event; a failed audit write is logged but never
// interrupts reconciliation.
func (s *ReconcileService) audit(ctx context.Context, event *models.PaymentEvent) {
	if err := s.eventRepo.Log(ctx, event); err != nil {
		s.logger.WithError(err).WithField("event_type", event.EventType).Error("Failed to write payment event")
	}
}

func (s *ReconcileService) success(registrationID int64) Outcome {
	return Outcome{
		RedirectURL:    appendQuery(s.payment.SuccessURL, map[string]string{"id": strconv.FormatInt(registrationID, 10)}),
		RegistrationID: registrationID,
		Completed:      true,
	}
}

func (s *ReconcileService) failure(data CallbackData, registrationID int64, reason string) Outcome {
	params := map[string]string{"reason": reason}
	if registrationID > 0 {
		params["id"] = strconv.FormatInt(registrationID, 10)
	}
	return Outcome{
		RedirectURL:    appendQuery(s.payment.FailureURL, params),
		RegistrationID: registrationID,
		Reason:         reason,
	}
}

// ReconcileStale resolves a registration stuck in initiated state by asking
// the gateway directly. Used by the background sweep after the payment window
// has expired. An inquiry failure leaves the row untouched for the next run;
// anything but an affirmative success from the gateway finalizes as failed.
func (s *ReconcileService) ReconcileStale(ctx context.Context, registration *models.Registration) (models.PaymentStatus, error) {
	if registration.PaymentStatus != models.PaymentInitiated || registration.PaymentReqID == nil {
		return registration.PaymentStatus, nil
	}
	transactionID := *registration.PaymentReqID

	result, err := s.inquirer.CheckStatus(ctx, transactionID)
	if err != nil || !result.Success {
		message := "gateway reported inquiry failure"
		if err != nil {
			message = err.Error()
		} else if result.Message != "" {
			message = result.Message
		}
		s.audit(ctx, models.NewPaymentEvent(models.PaymentEventStatusInquiryFailed, models.PaymentSourceSweep).
			SetRegistration(registration.ID, registration.ClientRef).
			SetTransactionID(transactionID).
			SetError(message))
		return registration.PaymentStatus, fmt.Errorf("status inquiry for %s: %s", registration.ClientRef, message)
	}

	finalStatus := models.PaymentFailed
	normalizedStatus := NormalizeCallback(map[string]string{"status": result.Status})
	if normalizedStatus.IsSuccess() {
		finalStatus = models.PaymentCompleted
	}

	payload := models.JSONB{
		"status":         result.Status,
		"amount":         result.Amount,
		"bank_reference": result.BankReference,
	}
	applied, err := s.registrationRepo.FinalizePayment(ctx, registration.ID, finalStatus, transactionID, payload)
	if err != nil {
		return registration.PaymentStatus, err
	}
	if !applied {
		// A callback landed between the listing and the inquiry; it won.
		current, err := s.registrationRepo.GetByID(ctx, registration.ID)
		if err != nil {
			return registration.PaymentStatus, err
		}
		return current.PaymentStatus, nil
	}

	event := models.NewPaymentEvent(models.PaymentEventCompleted, models.PaymentSourceSweep)
	if finalStatus == models.PaymentFailed {
		event = models.NewPaymentEvent(models.PaymentEventFailed, models.PaymentSourceSweep)
	}
	event.SetRegistration(registration.ID, registration.ClientRef).
		SetTransactionID(transactionID).
		SetGatewayStatus(result.Status)
	event.SetAmounts(registration.TotalAmount, result.Amount)
	s.audit(ctx, event)

	if finalStatus == models.PaymentCompleted {
		snapshot := registration.Snapshot()
		snapshot.PaymentRefNo = transactionID
		s.dispatcher.Enqueue(snapshot)
	}

	s.logger.WithFields(logrus.Fields{
		"registration_id": registration.ID,
		"client_ref":      registration.ClientRef,
		"final_status":    finalStatus,
	}).Info("Stale payment resolved by sweep")

	return finalStatus, nil
}

// InternalErrorOutcome is the redirect used when reconciliation itself
// panics; the handler's recover path returns it so the gateway never sees a
// 5xx it would retry forever.
func (s *ReconcileService) InternalErrorOutcome() Outcome {
	return Outcome{
		RedirectURL: appendQuery(s.payment.FailureURL, map[string]string{"reason": ReasonInternalError}),
		Reason:      ReasonInternalError,
	}
}

func appendQuery(base string, params map[string]string) string {
	u, err := url.Parse(base)
	if err != nil {
		u = &url.URL{Path: base}
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func eventTypeFor(data CallbackData) models.PaymentEventType {
	if data.IsSuccess() {
		return models.PaymentEventCompleted
	}
	return models.PaymentEventFailed
}

func parseAmount(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func rawPayload(raw map[string]string) map[string]interface{} {
	payload := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		payload[k] = v
	}
	return payload
}

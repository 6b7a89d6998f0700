package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentEventType represents the type of payment event
type PaymentEventType string

const (
	PaymentEventInitiated           PaymentEventType = "payment_initiated"
	PaymentEventInitiateFailed      PaymentEventType = "payment_initiate_failed"
	PaymentEventCallbackReceived    PaymentEventType = "callback_received"
	PaymentEventStatusInquiry       PaymentEventType = "status_inquiry"
	PaymentEventStatusInquiryFailed PaymentEventType = "status_inquiry_failed"
	PaymentEventSignatureRejected   PaymentEventType = "signature_rejected"
	PaymentEventReferenceUnknown    PaymentEventType = "reference_unknown"
	PaymentEventCompleted           PaymentEventType = "payment_completed"
	PaymentEventFailed              PaymentEventType = "payment_failed"
	PaymentEventDuplicateCallback   PaymentEventType = "duplicate_callback"
	PaymentEventRetryReset          PaymentEventType = "retry_reset"
	PaymentEventPassResent          PaymentEventType = "pass_resent"
	PaymentEventNotifyExhausted     PaymentEventType = "notification_exhausted"
	PaymentEventError               PaymentEventType = "error"
)

// PaymentEventSource identifies where the event originated
type PaymentEventSource string

const (
	PaymentSourceBackend         PaymentEventSource = "backend"
	PaymentSourceGatewayCallback PaymentEventSource = "gateway_callback"
	PaymentSourceGatewayAPI      PaymentEventSource = "gateway_api"
	PaymentSourceAdmin           PaymentEventSource = "admin"
	PaymentSourceSweep           PaymentEventSource = "sweep"
)

// PaymentEvent is an immutable audit log entry for payment lifecycle events.
// Rows are append-only; payment events must never be lost.
type PaymentEvent struct {
	ID             uuid.UUID `json:"id" db:"id"`
	RegistrationID *int64    `json:"registration_id,omitempty" db:"registration_id"`
	ClientRef      *string   `json:"client_ref,omitempty" db:"client_ref"`
	TransactionID  *string   `json:"transaction_id,omitempty" db:"transaction_id"`

	EventType   PaymentEventType   `json:"event_type" db:"event_type"`
	EventSource PaymentEventSource `json:"event_source" db:"event_source"`

	// Amount tracking
	ExpectedAmount *float64 `json:"expected_amount,omitempty" db:"expected_amount"`
	ReceivedAmount *float64 `json:"received_amount,omitempty" db:"received_amount"`
	AmountsMatch   *bool    `json:"amounts_match,omitempty" db:"amounts_match"`

	GatewayStatus *string `json:"gateway_status,omitempty" db:"gateway_status"`

	// Raw payloads kept for forensic replay
	Payload JSONB   `json:"payload,omitempty" db:"payload"`
	RawBody *string `json:"raw_body,omitempty" db:"raw_body"`

	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`

	ProcessingTimeMs *int    `json:"processing_time_ms,omitempty" db:"processing_time_ms"`
	IPAddress        *string `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent        *string `json:"user_agent,omitempty" db:"user_agent"`
	CorrelationID    *string `json:"correlation_id,omitempty" db:"correlation_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewPaymentEvent creates a new payment event with required fields
func NewPaymentEvent(eventType PaymentEventType, source PaymentEventSource) *PaymentEvent {
	return &PaymentEvent{
		ID:          uuid.New(),
		EventType:   eventType,
		EventSource: source,
		CreatedAt:   time.Now(),
	}
}

// SetRegistration sets the registration identity on the event
func (e *PaymentEvent) SetRegistration(id int64, clientRef string) *PaymentEvent {
	e.RegistrationID = &id
	e.ClientRef = &clientRef
	return e
}

// SetClientRef sets only the client reference (registration may be unknown)
func (e *PaymentEvent) SetClientRef(ref string) *PaymentEvent {
	e.ClientRef = &ref
	return e
}

// SetTransactionID sets the bank-assigned transaction id
func (e *PaymentEvent) SetTransactionID(txnID string) *PaymentEvent {
	if txnID != "" {
		e.TransactionID = &txnID
	}
	return e
}

// SetAmounts records expected vs received amounts and returns whether they match
func (e *PaymentEvent) SetAmounts(expected, received float64) bool {
	e.ExpectedAmount = &expected
	e.ReceivedAmount = &received

	// Compare with tolerance for floating point
	const tolerance = 0.01
	diff := expected - received
	if diff < 0 {
		diff = -diff
	}
	match := diff < tolerance
	e.AmountsMatch = &match
	return match
}

// SetGatewayStatus records the gateway's reported status verbatim
func (e *PaymentEvent) SetGatewayStatus(status string) *PaymentEvent {
	e.GatewayStatus = &status
	return e
}

// SetPayload attaches the structured payload
func (e *PaymentEvent) SetPayload(payload map[string]interface{}) *PaymentEvent {
	e.Payload = JSONB(payload)
	return e
}

// SetRawBody stores the raw body before parsing
func (e *PaymentEvent) SetRawBody(body string) *PaymentEvent {
	if body != "" {
		e.RawBody = &body
	}
	return e
}

// SetError sets error information
func (e *PaymentEvent) SetError(message string) *PaymentEvent {
	e.ErrorMessage = &message
	return e
}

// SetMetadata sets request metadata
func (e *PaymentEvent) SetMetadata(ip, userAgent, correlationID string) *PaymentEvent {
	if ip != "" {
		e.IPAddress = &ip
	}
	if userAgent != "" {
		e.UserAgent = &userAgent
	}
	if correlationID != "" {
		e.CorrelationID = &correlationID
	}
	return e
}

// SetProcessingTime calculates and sets processing time
func (e *PaymentEvent) SetProcessingTime(startTime time.Time) *PaymentEvent {
	durationMs := int(time.Since(startTime).Milliseconds())
	e.ProcessingTimeMs = &durationMs
	return e
}

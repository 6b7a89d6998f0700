package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/assocevents/registration-backend/internal/config"
	"github.com/assocevents/registration-backend/pkg/signature"
)

const (
	initiatePath = "/payments/initiate"
	statusPath   = "/payments/status"

	transportRetries = 3
)

// transportBackoff is the wait between transport-level retry attempts.
var transportBackoff = []time.Duration{500 * time.Millisecond, 1 * time.Second}

// GatewayService talks to the bank payment bridge. It performs the outbound
// initiation and status-inquiry calls; it never mutates registrations.
type GatewayService struct {
	config config.PaymentConfig
	signer *signature.Signer
	logger *logrus.Logger
	client *http.Client
}

// NewGatewayService creates a new gateway client
func NewGatewayService(cfg config.PaymentConfig, signer *signature.Signer, logger *logrus.Logger) *GatewayService {
	return &GatewayService{
		config: cfg,
		signer: signer,
		logger: logger,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// InitiatePaymentParams contains everything needed to initiate a payment
type InitiatePaymentParams struct {
	AttendeeName   string
	Email          string
	Amount         float64
	ClientRef      string
	RegistrationID int64
	EventType      string
}

// InitiateResult is the typed outcome of a payment initiation. A gateway-level
// rejection (bad merchant config, invalid amount) is Success=false with a nil
// error: retrying it will not change the outcome.
type InitiateResult struct {
	Success       bool   `json:"success"`
	PaymentURL    string `json:"payment_url,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Message       string `json:"message,omitempty"`
}

// StatusResult is the authoritative transaction state from a status inquiry
type StatusResult struct {
	Success       bool    `json:"success"`
	Status        string  `json:"status"`
	Amount        float64 `json:"amount"`
	BankReference string  `json:"bank_reference,omitempty"`
	Message       string  `json:"message,omitempty"`
}

// initiateRequest is the wire shape of the initiation call
type initiateRequest struct {
	ClientID       string `json:"client_id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	Amount         string `json:"amount"`
	Reference      string `json:"reference"`
	ReturnURL      string `json:"return_url"`
	RegistrationID string `json:"registration_id"`
	EventType      string `json:"event_type"`
	Signature      string `json:"signature"`
}

// initiateResponse is the wire shape of the initiation response
type initiateResponse struct {
	Success       bool   `json:"success"`
	PaymentURL    string `json:"payment_url"`
	TransactionID string `json:"transaction_id"`
	Message       string `json:"message"`
}

// statusRequest is the wire shape of the status-inquiry call
type statusRequest struct {
	ClientID      string `json:"client_id"`
	TransactionID string `json:"transaction_id"`
	Operation     string `json:"operation"`
	Signature     string `json:"signature"`
}

// statusResponse is the wire shape of the status-inquiry response
type statusResponse struct {
	Success       bool   `json:"success"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	BankReference string `json:"bank_reference"`
	Message       string `json:"message"`
}

// InitiatePayment signs and posts an initiation request. The caller stores
// the returned transaction id; this service has no side effects beyond the
// outbound call.
func (s *GatewayService) InitiatePayment(ctx context.Context, params *InitiatePaymentParams) (*InitiateResult, error) {
	if s.config.ClientID == "" || s.config.SharedSecret == "" {
		return nil, fmt.Errorf("payment gateway not configured: missing client credentials")
	}

	amountStr := fmt.Sprintf("%.2f", params.Amount)
	registrationID := fmt.Sprintf("%d", params.RegistrationID)

	fields := map[string]string{
		"client_id":       s.config.ClientID,
		"name":            params.AttendeeName,
		"email":           params.Email,
		"amount":          amountStr,
		"reference":       params.ClientRef,
		"return_url":      s.config.CallbackURL,
		"registration_id": registrationID,
		"event_type":      params.EventType,
	}

	request := &initiateRequest{
		ClientID:       s.config.ClientID,
		Name:           params.AttendeeName,
		Email:          params.Email,
		Amount:         amountStr,
		Reference:      params.ClientRef,
		ReturnURL:      s.config.CallbackURL,
		RegistrationID: registrationID,
		EventType:      params.EventType,
		Signature:      s.signer.Sign(fields),
	}

	s.logger.WithFields(logrus.Fields{
		"reference": params.ClientRef,
		"amount":    amountStr,
		"endpoint":  s.config.GatewayURL(),
		"test_mode": s.config.TestMode,
	}).Info("Initiating gateway payment")

	body, err := s.post(ctx, s.config.GatewayURL()+initiatePath, request)
	if err != nil {
		return nil, err
	}

	var resp initiateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed gateway response: %w", err)
	}

	if !resp.Success {
		// Semantic failure, not transport: surfaced without retry.
		s.logger.WithFields(logrus.Fields{
			"reference": params.ClientRef,
			"message":   resp.Message,
		}).Warn("Gateway rejected payment initiation")
		return &InitiateResult{Success: false, Message: resp.Message}, nil
	}

	if resp.PaymentURL == "" || resp.TransactionID == "" {
		return nil, fmt.Errorf("gateway success response missing payment_url or transaction_id")
	}

	s.logger.WithFields(logrus.Fields{
		"reference":      params.ClientRef,
		"transaction_id": resp.TransactionID,
	}).Info("Gateway payment initiated")

	return &InitiateResult{
		Success:       true,
		PaymentURL:    resp.PaymentURL,
		TransactionID: resp.TransactionID,
		Message:       resp.Message,
	}, nil
}

// CheckStatus fetches the authoritative amount and status for a transaction,
// using the same signed-request discipline as initiation.
func (s *GatewayService) CheckStatus(ctx context.Context, transactionID string) (*StatusResult, error) {
	if transactionID == "" {
		return nil, fmt.Errorf("transaction id is required for status inquiry")
	}

	fields := map[string]string{
		"client_id":      s.config.ClientID,
		"transaction_id": transactionID,
		"operation":      "status",
	}

	request := &statusRequest{
		ClientID:      s.config.ClientID,
		TransactionID: transactionID,
		Operation:     "status",
		Signature:     s.signer.Sign(fields),
	}

	body, err := s.post(ctx, s.config.GatewayURL()+statusPath, request)
	if err != nil {
		return nil, err
	}

	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed status inquiry response: %w", err)
	}

	if !resp.Success {
		return &StatusResult{Success: false, Message: resp.Message}, nil
	}

	var amount float64
	if resp.Amount != "" {
		if _, err := fmt.Sscanf(resp.Amount, "%f", &amount); err != nil {
			return nil, fmt.Errorf("status inquiry returned unparseable amount %q", resp.Amount)
		}
	}

	return &StatusResult{
		Success:       true,
		Status:        resp.Status,
		Amount:        amount,
		BankReference: resp.BankReference,
		Message:       resp.Message,
	}, nil
}

// post sends a JSON request with bounded transport retries. Only connection
// errors are retried; a non-2xx status or unreadable body is returned as a
// failure describing its class for operator diagnosis.
func (s *GatewayService) post(ctx context.Context, url string, payload interface{}) ([]byte, error) {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= transportRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
		if err != nil {
			return nil, fmt.Errorf("failed to create gateway request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.config.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+s.config.AuthToken)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			// Connection error or timeout: the only retryable class.
			lastErr = fmt.Errorf("gateway unreachable: %w", err)
			s.logger.WithError(err).WithFields(logrus.Fields{
				"url":     url,
				"attempt": attempt,
			}).Warn("Gateway request failed, will retry")

			if attempt < transportRetries {
				select {
				case <-time.After(transportBackoff[attempt-1]):
				case <-ctx.Done():
					return nil, fmt.Errorf("gateway request cancelled: %w", ctx.Err())
				}
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("failed to read gateway response: %w", readErr)
		}

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, string(body))
		}

		return body, nil
	}

	return nil, lastErr
}

// IsConfigured returns true if the gateway client has usable credentials
func (s *GatewayService) IsConfigured() bool {
	return s.config.ClientID != "" && s.config.SharedSecret != ""
}

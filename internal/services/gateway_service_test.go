package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assocevents/registration-backend/internal/config"
	"github.com/assocevents/registration-backend/pkg/signature"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) (*GatewayService, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.PaymentConfig{
		Endpoint:     server.URL,
		ClientID:     "assoc-events",
		AuthToken:    "test-auth-token",
		SharedSecret: "test-shared-secret",
		CallbackURL:  "https://events.example.org/api/v1/payments/callback",
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return NewGatewayService(cfg, signature.NewSigner(cfg.SharedSecret), logger), server
}

func TestInitiatePayment_Success(t *testing.T) {
	signer := signature.NewSigner("test-shared-secret")

	gateway, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, initiatePath, r.URL.Path)
		assert.Equal(t, "Bearer test-auth-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "CONF-42", req["reference"])
		assert.Equal(t, "7500.00", req["amount"])

		// The request signature covers every field except the signature itself
		signed := map[string]string{}
		for k, v := range req {
			if k != "signature" {
				signed[k] = v
			}
		}
		assert.True(t, signer.Verify(signed, req["signature"]))

		json.NewEncoder(w).Encode(initiateResponse{
			Success:       true,
			PaymentURL:    "https://pay.example.com/session/xyz",
			TransactionID: "TXN-9001",
		})
	})

	result, err := gateway.InitiatePayment(context.Background(), &InitiatePaymentParams{
		AttendeeName:   "A. Attendee",
		Email:          "attendee@example.org",
		Amount:         7500,
		ClientRef:      "CONF-42",
		RegistrationID: 42,
		EventType:      "conference",
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "https://pay.example.com/session/xyz", result.PaymentURL)
	assert.Equal(t, "TXN-9001", result.TransactionID)
}

func TestInitiatePayment_GatewayRejection(t *testing.T) {
	var calls int32
	gateway, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(initiateResponse{
			Success: false,
			Message: "merchant account suspended",
		})
	})

	result, err := gateway.InitiatePayment(context.Background(), &InitiatePaymentParams{
		AttendeeName:   "A. Attendee",
		Email:          "attendee@example.org",
		Amount:         7500,
		ClientRef:      "CONF-42",
		RegistrationID: 42,
		EventType:      "conference",
	})

	// A semantic rejection is a typed result, not an error, and is not retried
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "merchant account suspended", result.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestInitiatePayment_MissingCredentials(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	gateway := NewGatewayService(config.PaymentConfig{}, signature.NewSigner(""), logger)

	_, err := gateway.InitiatePayment(context.Background(), &InitiatePaymentParams{
		ClientRef: "CONF-1",
		Amount:    100,
	})
	assert.Error(t, err)
	assert.False(t, gateway.IsConfigured())
}

func TestInitiatePayment_ServerError_NotRetried(t *testing.T) {
	var calls int32
	gateway, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "internal error", http.StatusInternalServerError)
	})

	_, err := gateway.InitiatePayment(context.Background(), &InitiatePaymentParams{
		AttendeeName: "A. Attendee",
		ClientRef:    "CONF-42",
		Amount:       100,
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestInitiatePayment_MalformedResponse(t *testing.T) {
	gateway, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	})

	_, err := gateway.InitiatePayment(context.Background(), &InitiatePaymentParams{
		AttendeeName: "A. Attendee",
		ClientRef:    "CONF-42",
		Amount:       100,
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")
}

func TestInitiatePayment_SuccessMissingFields(t *testing.T) {
	gateway, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(initiateResponse{Success: true})
	})

	_, err := gateway.InitiatePayment(context.Background(), &InitiatePaymentParams{
		AttendeeName: "A. Attendee",
		ClientRef:    "CONF-42",
		Amount:       100,
	})

	assert.Error(t, err)
}

func TestCheckStatus_Success(t *testing.T) {
	gateway, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, statusPath, r.URL.Path)

		var req statusRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "TXN-9001", req.TransactionID)
		assert.Equal(t, "status", req.Operation)
		assert.NotEmpty(t, req.Signature)

		json.NewEncoder(w).Encode(statusResponse{
			Success:       true,
			Status:        "completed",
			Amount:        "7500.00",
			BankReference: "APPR-17",
		})
	})

	result, err := gateway.CheckStatus(context.Background(), "TXN-9001")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, 7500.00, result.Amount)
	assert.Equal(t, "APPR-17", result.BankReference)
}

func TestCheckStatus_InquiryFailure(t *testing.T) {
	gateway, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(statusResponse{
			Success: false,
			Message: "unknown transaction",
		})
	})

	result, err := gateway.CheckStatus(context.Background(), "TXN-MISSING")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "unknown transaction", result.Message)
}

func TestCheckStatus_EmptyTransactionID(t *testing.T) {
	gateway, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := gateway.CheckStatus(context.Background(), "")
	assert.Error(t, err)
}

func TestPost_RetriesConnectionErrors(t *testing.T) {
	// Shrink the backoff so the test does not sleep for real
	originalBackoff := transportBackoff
	transportBackoff = []time.Duration{time.Millisecond, time.Millisecond}
	defer func() { transportBackoff = originalBackoff }()

	gateway, server := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {})
	server.Close()

	start := time.Now()
	_, err := gateway.CheckStatus(context.Background(), "TXN-9001")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "gateway unreachable")
	assert.Less(t, time.Since(start), 5*time.Second)
}

package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/assocevents/registration-backend/internal/config"
	"github.com/assocevents/registration-backend/internal/database"
	"github.com/assocevents/registration-backend/internal/models"
	"github.com/assocevents/registration-backend/internal/services"
	"github.com/assocevents/registration-backend/pkg/jwt"
)

const (
	adminTestUsername = "desk-admin"
	adminTestPassword = "event-day-2026"
)

type stubPassGen struct{}

func (s *stubPassGen) GeneratePass(_ models.RegistrationSnapshot) ([]byte, error) {
	return []byte("%PDF-test"), nil
}

type stubMailSender struct {
	mu   sync.Mutex
	sent int
}

func (s *stubMailSender) SendPass(_ models.RegistrationSnapshot, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	return nil
}

func (s *stubMailSender) SendOperatorAlert(_ models.RegistrationSnapshot, _ int, _ error) error {
	return nil
}

func (s *stubMailSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func newAdminRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock, *stubMailSender) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	registrationRepo := database.NewRegistrationRepository(db, logger)
	eventRepo := database.NewPaymentEventRepository(db, logger)

	mailer := &stubMailSender{}
	notifier := services.NewNotifyService(&stubPassGen{}, mailer, eventRepo, config.NotifyConfig{
		Workers:     1,
		MaxAttempts: 1,
		Backoff:     []time.Duration{time.Millisecond},
	}, logger)
	notifier.Start(context.Background())
	t.Cleanup(notifier.Stop)

	hash, err := bcrypt.GenerateFromPassword([]byte(adminTestPassword), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := config.JWTConfig{
		Secret:            "admin-handler-test-secret",
		AccessTokenExpiry: time.Hour,
		AdminUsername:     adminTestUsername,
		AdminPasswordHash: string(hash),
	}
	jwtService := jwt.NewService(cfg.Secret, cfg.AccessTokenExpiry)

	handler := NewAdminHandler(registrationRepo, eventRepo, notifier, jwtService, cfg, logger)
	router := gin.New()
	router.POST("/admin/login", handler.Login)
	router.POST("/admin/registrations/:id/checkin", handler.CheckIn)
	router.POST("/admin/registrations/:id/meal", handler.MarkMeal)
	router.POST("/admin/registrations/:id/resend-pass", handler.ResendPass)
	router.GET("/admin/registrations/:id/payment-events", handler.RegistrationEvents)
	router.GET("/admin/payment-events/:ref", handler.PaymentEvents)
	router.GET("/admin/amount-mismatches", handler.AmountMismatches)
	return router, mock, mailer
}

// adminRegistrationRow builds a row in the given payment and attendance state
func adminRegistrationRow(id int64, status string, attended, meal bool) *sqlmock.Rows {
	now := time.Now()
	var checkedInAt interface{}
	if attended {
		checkedInAt = now
	}
	refNo := "REF-" + status
	return sqlmock.NewRows(handlerRegistrationColumns).AddRow(
		id, "CONF-42", "conference", "A. Attendee", "attendee@example.org", "0771234567",
		"ASSOC-1042", "member", "199012345678",
		5000.0, 2500.0, 7500.0,
		status, "TXN-9001", refNo, nil,
		attended, checkedInAt, meal,
		now, now,
	)
}

func postJSON(router *gin.Engine, path string, payload interface{}) *httptest.ResponseRecorder {
	buf := &bytes.Buffer{}
	json.NewEncoder(buf).Encode(payload)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, buf)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestAdminLogin_Success(t *testing.T) {
	router, _, _ := newAdminRouter(t)

	w := postJSON(router, "/admin/login", AdminLoginRequest{
		Username: adminTestUsername,
		Password: adminTestPassword,
	})

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["access_token"])
	assert.Equal(t, float64(3600), resp["expires_in"])
}

func TestAdminLogin_WrongPassword(t *testing.T) {
	router, _, _ := newAdminRouter(t)

	w := postJSON(router, "/admin/login", AdminLoginRequest{
		Username: adminTestUsername,
		Password: "wrong",
	})

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminLogin_UnknownUsername(t *testing.T) {
	router, _, _ := newAdminRouter(t)

	w := postJSON(router, "/admin/login", AdminLoginRequest{
		Username: "someone-else",
		Password: adminTestPassword,
	})

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminCheckIn_Success(t *testing.T) {
	router, mock, _ := newAdminRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM registrations WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(adminRegistrationRow(42, "completed", false, false))
	mock.ExpectExec("UPDATE registrations").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := postJSON(router, "/admin/registrations/42/checkin", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "CONF-42")
}

func TestAdminCheckIn_RequiresCompletedPayment(t *testing.T) {
	router, mock, _ := newAdminRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM registrations WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(adminRegistrationRow(42, "initiated", false, false))

	w := postJSON(router, "/admin/registrations/42/checkin", nil)

	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "PAYMENT_NOT_COMPLETED")
}

func TestAdminCheckIn_AlreadyCheckedIn(t *testing.T) {
	router, mock, _ := newAdminRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM registrations WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(adminRegistrationRow(42, "completed", true, false))

	w := postJSON(router, "/admin/registrations/42/checkin", nil)

	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "ALREADY_CHECKED_IN")
}

func TestAdminMarkMeal_RequiresCheckIn(t *testing.T) {
	router, mock, _ := newAdminRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM registrations WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(adminRegistrationRow(42, "completed", false, false))

	w := postJSON(router, "/admin/registrations/42/meal", nil)

	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_CHECKED_IN")
}

func TestAdminMarkMeal_AlreadyCollected(t *testing.T) {
	router, mock, _ := newAdminRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM registrations WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(adminRegistrationRow(42, "completed", true, true))

	w := postJSON(router, "/admin/registrations/42/meal", nil)

	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "MEAL_ALREADY_RECEIVED")
}

func TestAdminMarkMeal_Success(t *testing.T) {
	router, mock, _ := newAdminRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM registrations WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(adminRegistrationRow(42, "completed", true, false))
	mock.ExpectExec("UPDATE registrations").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := postJSON(router, "/admin/registrations/42/meal", nil)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestAdminResendPass_QueuesDelivery(t *testing.T) {
	router, mock, mailer := newAdminRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM registrations WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(adminRegistrationRow(42, "completed", true, false))
	// The manual resend is audited with the admin as the source
	mock.ExpectExec("INSERT INTO payment_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := postJSON(router, "/admin/registrations/42/resend-pass", nil)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "attendee@example.org")

	deadline := time.Now().Add(5 * time.Second)
	for mailer.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, mailer.sentCount())
}

func TestAdminResendPass_RequiresCompletedPayment(t *testing.T) {
	router, mock, mailer := newAdminRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM registrations WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(adminRegistrationRow(42, "failed", false, false))

	w := postJSON(router, "/admin/registrations/42/resend-pass", nil)

	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 0, mailer.sentCount())
}

func TestAdminPaymentEvents(t *testing.T) {
	router, mock, _ := newAdminRouter(t)

	rows := sqlmock.NewRows([]string{"id", "client_ref", "event_type", "event_source", "created_at"}).
		AddRow(uuid.NewString(), "CONF-42", "callback_received", "gateway_callback", time.Now()).
		AddRow(uuid.NewString(), "CONF-42", "payment_completed", "gateway_callback", time.Now())
	mock.ExpectQuery("SELECT (.+) FROM payment_events").
		WithArgs("CONF-42").
		WillReturnRows(rows)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/payment-events/CONF-42", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(2), resp["count"])
}

func TestAdminRegistrationEvents(t *testing.T) {
	router, mock, _ := newAdminRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM registrations WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(adminRegistrationRow(42, "completed", false, false))

	rows := sqlmock.NewRows([]string{"id", "client_ref", "event_type", "event_source", "created_at"}).
		AddRow(uuid.NewString(), "CONF-42", "payment_initiated", "backend", time.Now()).
		AddRow(uuid.NewString(), "CONF-42", "callback_received", "gateway_callback", time.Now()).
		AddRow(uuid.NewString(), "CONF-42", "payment_completed", "gateway_callback", time.Now())
	mock.ExpectQuery("SELECT (.+) FROM payment_events").
		WithArgs(int64(42)).
		WillReturnRows(rows)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/registrations/42/payment-events", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(3), resp["count"])
	assert.Equal(t, "CONF-42", resp["client_ref"])
}

func TestAdminRegistrationEvents_UnknownRegistration(t *testing.T) {
	router, mock, _ := newAdminRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM registrations WHERE id").
		WithArgs(int64(404)).
		WillReturnError(sql.ErrNoRows)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/registrations/404/payment-events", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminAmountMismatches_LimitClamped(t *testing.T) {
	router, mock, _ := newAdminRouter(t)

	// Out-of-range limits fall back to the default of 50
	mock.ExpectQuery("SELECT (.+) FROM payment_events").
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "client_ref", "event_type", "event_source", "created_at"}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/amount-mismatches?limit=9999", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(0), resp["count"])
}

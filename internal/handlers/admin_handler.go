package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/assocevents/registration-backend/internal/config"
	"github.com/assocevents/registration-backend/internal/database"
	"github.com/assocevents/registration-backend/internal/models"
	"github.com/assocevents/registration-backend/internal/services"
	"github.com/assocevents/registration-backend/pkg/jwt"
)

// AdminLoginRequest is the inbound payload for desk admin login
type AdminLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AdminHandler serves the event-day desk surface: login, check-in, meal
// tracking and pass redelivery.
type AdminHandler struct {
	registrationRepo *database.RegistrationRepository
	eventRepo        *database.PaymentEventRepository
	notifier         *services.NotifyService
	jwtService       *jwt.Service
	cfg              config.JWTConfig
	logger           *logrus.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(
	registrationRepo *database.RegistrationRepository,
	eventRepo *database.PaymentEventRepository,
	notifier *services.NotifyService,
	jwtService *jwt.Service,
	cfg config.JWTConfig,
	logger *logrus.Logger,
) *AdminHandler {
	return &AdminHandler{
		registrationRepo: registrationRepo,
		eventRepo:        eventRepo,
		notifier:         notifier,
		jwtService:       jwtService,
		cfg:              cfg,
		logger:           logger,
	}
}

// Login authenticates the desk admin and returns an access token
// POST /api/v1/admin/login
func (h *AdminHandler) Login(c *gin.Context) {
	var req AdminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if req.Username != h.cfg.AdminUsername ||
		bcrypt.CompareHashAndPassword([]byte(h.cfg.AdminPasswordHash), []byte(req.Password)) != nil {
		h.logger.WithFields(logrus.Fields{
			"username": req.Username,
			"ip":       c.ClientIP(),
		}).Warn("Admin login failed")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	token, err := h.jwtService.GenerateToken(req.Username, "admin")
	if err != nil {
		h.logger.WithError(err).Error("Failed to generate admin token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	h.logger.WithField("username", req.Username).Info("Admin login successful")

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"expires_in":   int(h.cfg.AccessTokenExpiry.Seconds()),
	})
}

// CheckIn marks an attendee as arrived. Only paid registrations can check in.
// POST /api/v1/admin/registrations/:id/checkin
func (h *AdminHandler) CheckIn(c *gin.Context) {
	registration, ok := h.loadRegistration(c)
	if !ok {
		return
	}

	if registration.PaymentStatus != models.PaymentCompleted {
		c.JSON(http.StatusConflict, gin.H{
			"error":          "Registration has no completed payment",
			"code":           "PAYMENT_NOT_COMPLETED",
			"payment_status": registration.PaymentStatus,
		})
		return
	}

	if registration.Attended {
		c.JSON(http.StatusConflict, gin.H{
			"error":         "Attendee already checked in",
			"code":          "ALREADY_CHECKED_IN",
			"checked_in_at": registration.CheckedInAt,
		})
		return
	}

	if err := h.registrationRepo.MarkAttended(c.Request.Context(), registration.ID); err != nil {
		h.logger.WithError(err).WithField("registration_id", registration.ID).Error("Check-in failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record check-in"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Checked in", "client_ref": registration.ClientRef})
}

// MarkMeal records lunch collection for a checked-in attendee
// POST /api/v1/admin/registrations/:id/meal
func (h *AdminHandler) MarkMeal(c *gin.Context) {
	registration, ok := h.loadRegistration(c)
	if !ok {
		return
	}

	if !registration.Attended {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Attendee has not checked in",
			"code":  "NOT_CHECKED_IN",
		})
		return
	}

	if registration.MealReceived {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Meal already collected",
			"code":  "MEAL_ALREADY_RECEIVED",
		})
		return
	}

	if err := h.registrationRepo.MarkMealReceived(c.Request.Context(), registration.ID); err != nil {
		h.logger.WithError(err).WithField("registration_id", registration.ID).Error("Meal marking failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record meal collection"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Meal recorded", "client_ref": registration.ClientRef})
}

// ResendPass re-queues pass generation and delivery for a paid registration
// POST /api/v1/admin/registrations/:id/resend-pass
func (h *AdminHandler) ResendPass(c *gin.Context) {
	registration, ok := h.loadRegistration(c)
	if !ok {
		return
	}

	if registration.PaymentStatus != models.PaymentCompleted {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Registration has no completed payment",
			"code":  "PAYMENT_NOT_COMPLETED",
		})
		return
	}

	h.notifier.Resend(registration.Snapshot())

	event := models.NewPaymentEvent(models.PaymentEventPassResent, models.PaymentSourceAdmin).
		SetRegistration(registration.ID, registration.ClientRef)
	if err := h.eventRepo.Log(c.Request.Context(), event); err != nil {
		h.logger.WithError(err).WithField("registration_id", registration.ID).Error("Failed to log pass resend event")
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message":    "Pass delivery queued",
		"client_ref": registration.ClientRef,
		"email":      registration.Email,
	})
}

// PaymentEvents returns the audit trail for a client reference
// GET /api/v1/admin/payment-events/:ref
func (h *AdminHandler) PaymentEvents(c *gin.Context) {
	clientRef := c.Param("ref")
	if clientRef == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Client reference is required"})
		return
	}

	events, err := h.eventRepo.GetByClientRef(c.Request.Context(), clientRef)
	if err != nil {
		h.logger.WithError(err).WithField("client_ref", clientRef).Error("Failed to fetch payment events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch payment events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"client_ref": clientRef, "events": events, "count": len(events)})
}

// RegistrationEvents returns the full payment history for one registration,
// oldest first, for the desk to walk a disputed payment step by step
// GET /api/v1/admin/registrations/:id/payment-events
func (h *AdminHandler) RegistrationEvents(c *gin.Context) {
	registration, ok := h.loadRegistration(c)
	if !ok {
		return
	}

	events, err := h.eventRepo.GetByRegistrationID(c.Request.Context(), registration.ID)
	if err != nil {
		h.logger.WithError(err).WithField("registration_id", registration.ID).Error("Failed to fetch payment events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch payment events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"registration_id": registration.ID,
		"client_ref":      registration.ClientRef,
		"payment_status":  registration.PaymentStatus,
		"events":          events,
		"count":           len(events),
	})
}

// AmountMismatches lists reconciliations where the callback amount differed
// from the registration total, for manual fraud review
// GET /api/v1/admin/amount-mismatches
func (h *AdminHandler) AmountMismatches(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	events, err := h.eventRepo.GetAmountMismatches(c.Request.Context(), limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to fetch amount mismatches")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch amount mismatches"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (h *AdminHandler) loadRegistration(c *gin.Context) (*models.Registration, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid registration id"})
		return nil, false
	}

	registration, err := h.registrationRepo.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrRegistrationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Registration not found"})
			return nil, false
		}
		h.logger.WithError(err).WithField("registration_id", id).Error("Failed to fetch registration")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch registration"})
		return nil, false
	}

	return registration, true
}

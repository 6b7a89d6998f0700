package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/assocevents/registration-backend/internal/database"
	"github.com/assocevents/registration-backend/internal/models"
	"github.com/assocevents/registration-backend/internal/services"
	"github.com/assocevents/registration-backend/internal/utils"
	"github.com/assocevents/registration-backend/pkg/validator"
)

type RegistrationHandler struct {
	registrationService *services.RegistrationService
	phoneValidator      *validator.PhoneValidator
	rateLimiter         *services.RateLimitService
	logger              *logrus.Logger
}

func NewRegistrationHandler(
	registrationService *services.RegistrationService,
	phoneValidator *validator.PhoneValidator,
	rateLimiter *services.RateLimitService,
	logger *logrus.Logger,
) *RegistrationHandler {
	return &RegistrationHandler{
		registrationService: registrationService,
		phoneValidator:      phoneValidator,
		rateLimiter:         rateLimiter,
		logger:              logger,
	}
}

// Create creates a new registration in pending payment state
// POST /api/v1/registrations
func (h *RegistrationHandler) Create(c *gin.Context) {
	var req models.CreateRegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	clientIP := utils.GetRealIP(c)
	if err := h.rateLimiter.CheckRegistrationRateLimit(req.Email, clientIP); err != nil {
		var rateLimitErr *services.RateLimitError
		if errors.As(err, &rateLimitErr) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       rateLimitErr.Message,
				"code":        "RATE_LIMITED",
				"retry_after": rateLimitErr.RetryAfter,
			})
			return
		}
		// A rate limit store failure never blocks a registration
		h.logger.WithError(err).Warn("Rate limit check failed, allowing request")
	}
	if err := h.rateLimiter.RecordRegistrationAttempt(req.Email, clientIP); err != nil {
		h.logger.WithError(err).Warn("Failed to record registration attempt")
	}

	// International attendees may register with a foreign number; everyone
	// else must present a local mobile number.
	var sanitizedPhone string
	var err error
	if req.Category == models.CategoryInternational {
		sanitizedPhone, err = h.phoneValidator.ValidateInternational(req.Phone)
	} else {
		sanitizedPhone, err = h.phoneValidator.Validate(req.Phone)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": "phone"})
		return
	}
	req.Phone = sanitizedPhone

	registration, err := h.registrationService.Create(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, database.ErrDuplicateRegistration) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "A registration for this event already exists for this attendee",
				"code":  "DUPLICATE_REGISTRATION",
			})
			return
		}
		h.logger.WithError(err).Error("Failed to create registration")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, registration)
}

// Get retrieves a registration by id
// GET /api/v1/registrations/:id
func (h *RegistrationHandler) Get(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	registration, err := h.registrationService.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrRegistrationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Registration not found"})
			return
		}
		h.logger.WithError(err).WithField("registration_id", id).Error("Failed to fetch registration")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch registration"})
		return
	}

	c.JSON(http.StatusOK, registration)
}

// InitiatePayment starts the gateway payment for a pending registration
// POST /api/v1/registrations/:id/pay
func (h *RegistrationHandler) InitiatePayment(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	result, err := h.registrationService.InitiatePayment(c.Request.Context(), id)
	if err != nil {
		h.respondInitiateError(c, id, err)
		return
	}

	if !result.Success {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "Payment gateway rejected the request",
			"code":    "GATEWAY_REJECTED",
			"message": result.Message,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment_url":    result.PaymentURL,
		"transaction_id": result.TransactionID,
	})
}

// RetryPayment resets a failed or completed payment and starts a fresh one
// POST /api/v1/registrations/:id/retry
func (h *RegistrationHandler) RetryPayment(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	result, err := h.registrationService.RetryPayment(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrPaymentNotTerminal) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "Payment must be completed or failed before it can be retried",
				"code":  "PAYMENT_NOT_TERMINAL",
			})
			return
		}
		h.respondInitiateError(c, id, err)
		return
	}

	if !result.Success {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "Payment gateway rejected the request",
			"code":    "GATEWAY_REJECTED",
			"message": result.Message,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment_url":    result.PaymentURL,
		"transaction_id": result.TransactionID,
	})
}

func (h *RegistrationHandler) parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid registration id"})
		return 0, false
	}
	return id, true
}

func (h *RegistrationHandler) respondInitiateError(c *gin.Context, id int64, err error) {
	switch {
	case errors.Is(err, database.ErrRegistrationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Registration not found"})
	case errors.Is(err, services.ErrPaymentNotPending):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Payment has already been initiated or completed",
			"code":  "PAYMENT_NOT_PENDING",
		})
	default:
		h.logger.WithError(err).WithField("registration_id", id).Error("Payment initiation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to initiate payment"})
	}
}

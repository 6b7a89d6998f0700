package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/assocevents/registration-backend/internal/services"
	"github.com/assocevents/registration-backend/internal/utils"
)

// CallbackHandler receives asynchronous payment callbacks from the bank
// gateway. The gateway retries any non-2xx/3xx response, so this handler
// always answers with a redirect, even when reconciliation blows up.
type CallbackHandler struct {
	reconciler *services.ReconcileService
	logger     *logrus.Logger
}

func NewCallbackHandler(reconciler *services.ReconcileService, logger *logrus.Logger) *CallbackHandler {
	return &CallbackHandler{
		reconciler: reconciler,
		logger:     logger,
	}
}

// Handle processes a payment callback delivered as either a browser redirect
// (GET with query parameters) or a server-to-server notification (POST form).
// GET|POST /api/v1/payments/callback
func (h *CallbackHandler) Handle(c *gin.Context) {
	correlationID := uuid.New().String()

	defer func() {
		if r := recover(); r != nil {
			h.logger.WithFields(logrus.Fields{
				"panic":          r,
				"correlation_id": correlationID,
			}).Error("Panic during callback reconciliation")
			c.Redirect(http.StatusFound, h.reconciler.InternalErrorOutcome().RedirectURL)
		}
	}()

	values, rawBody := h.collectValues(c)

	outcome := h.reconciler.Reconcile(c.Request.Context(), values, services.CallbackMeta{
		IPAddress:     utils.GetRealIP(c),
		UserAgent:     utils.GetUserAgent(c),
		CorrelationID: correlationID,
		RawBody:       rawBody,
	})

	c.Redirect(http.StatusFound, outcome.RedirectURL)
}

// collectValues flattens query and form parameters into a single map, and
// returns the callback as delivered for the audit trail. Form values win on
// key collision since POST bodies carry the signed payload.
func (h *CallbackHandler) collectValues(c *gin.Context) (map[string]string, string) {
	values := make(map[string]string)

	for key, vals := range c.Request.URL.Query() {
		if len(vals) > 0 {
			values[key] = vals[0]
		}
	}

	rawBody := c.Request.URL.RawQuery
	if c.Request.Method == http.MethodPost {
		if err := c.Request.ParseForm(); err == nil {
			for key, vals := range c.Request.PostForm {
				if len(vals) > 0 {
					values[key] = vals[0]
				}
			}
			if encoded := c.Request.PostForm.Encode(); encoded != "" {
				rawBody = encoded
			}
		}
	}

	return values, rawBody
}

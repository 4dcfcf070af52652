package webhooks

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowpay/internal/logging"
)

// Handler provides the inbound webhook endpoint and the admin event views.
type Handler struct {
	processor *Processor
}

// NewHandler creates a new webhook handler.
func NewHandler(processor *Processor) *Handler {
	return &Handler{processor: processor}
}

// RegisterRoutes mounts the gateway-facing endpoint. It must not sit behind
// caller identity checks; the signature authenticates the sender.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/webhooks/stripe", h.Receive)
}

// RegisterAdminRoutes sets up event inspection routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/webhook-events", h.ListEvents)
	r.GET("/admin/webhook-events/:eventId", h.GetEvent)
}

// Receive handles POST /webhooks/stripe. Any non-2xx answer makes the
// gateway redeliver.
func (h *Handler) Receive(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable body"})
		return
	}

	res, err := h.processor.Handle(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch {
	case errors.Is(err, ErrInvalidSignature):
		logging.L(c.Request.Context()).Warn("rejected webhook with bad signature", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Signature verification failed"})
	case errors.Is(err, ErrMalformedEvent) && res.EventID == "":
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_event", "message": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":    "processing_failed",
			"message":  err.Error(),
			"status":   res.Status,
			"event_id": res.EventID,
		})
	default:
		c.JSON(http.StatusOK, res)
	}
}

// ListEvents handles GET /v1/admin/webhook-events
func (h *Handler) ListEvents(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	filter := Filter(c.Query("status"))
	if !filter.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_filter",
			"message": "status must be one of processed, failed, processing",
		})
		return
	}

	events, err := h.processor.List(c.Request.Context(), filter, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list webhook events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetEvent handles GET /v1/admin/webhook-events/:eventId
func (h *Handler) GetEvent(c *gin.Context) {
	evt, err := h.processor.Get(c.Request.Context(), c.Param("eventId"))
	if errors.Is(err, ErrEventNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook event not found"})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to get webhook event", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": evt})
}

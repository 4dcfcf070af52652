package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowpay/internal/logging"
	"github.com/mbd888/escrowpay/internal/validation"
)

// Handler exposes on-demand reconciliation to operators.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconcile/:userId", validation.IDParamMiddleware("userId"), h.ReconcileUser)
	r.POST("/admin/reconcile", h.ReconcileAll)
}

// ReconcileUser handles GET /v1/admin/reconcile/:userId
func (h *Handler) ReconcileUser(c *gin.Context) {
	userID, _ := validation.ParseID(c.Param("userId"))
	report, err := h.service.Reconcile(c.Request.Context(), userID)
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "userId", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// ReconcileAll handles POST /v1/admin/reconcile
func (h *Handler) ReconcileAll(c *gin.Context) {
	sum, err := h.service.RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

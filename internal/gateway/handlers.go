package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowpay/internal/logging"
	"github.com/mbd888/escrowpay/internal/validation"
)

// Handler exposes payout destination management to admin tooling.
type Handler struct {
	accounts AccountStore
}

// NewHandler creates a new gateway handler.
func NewHandler(accounts AccountStore) *Handler {
	return &Handler{accounts: accounts}
}

// RegisterAdminRoutes sets up payout account routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware("userId")
	r.GET("/admin/payout-accounts/:userId", ids, h.GetAccount)
	r.PUT("/admin/payout-accounts/:userId", ids, h.PutAccount)
}

// GetAccount handles GET /v1/admin/payout-accounts/:userId
func (h *Handler) GetAccount(c *gin.Context) {
	userID, _ := validation.ParseID(c.Param("userId"))
	acct, err := h.accounts.Get(c.Request.Context(), userID)
	if errors.Is(err, ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Payout account not found"})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("payout account lookup failed", "userId", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// PutAccount handles PUT /v1/admin/payout-accounts/:userId. Onboarding
// itself happens at the provider; this only stores its outcome.
func (h *Handler) PutAccount(c *gin.Context) {
	userID, _ := validation.ParseID(c.Param("userId"))

	var req struct {
		ExternalAccountID string `json:"externalAccountId"`
		PayoutsEnabled    bool   `json:"payoutsEnabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	req.ExternalAccountID = validation.SanitizeString(req.ExternalAccountID, 255)
	if errs := validation.Validate(
		validation.Required("externalAccountId", req.ExternalAccountID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	acct := &PayoutAccount{
		UserID:            userID,
		ExternalAccountID: req.ExternalAccountID,
		PayoutsEnabled:    req.PayoutsEnabled,
	}
	if err := h.accounts.Upsert(c.Request.Context(), acct); err != nil {
		logging.L(c.Request.Context()).Error("payout account upsert failed", "userId", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	logging.L(c.Request.Context()).Info("payout account updated",
		"userId", userID, "payoutsEnabled", acct.PayoutsEnabled)
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

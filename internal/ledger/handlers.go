package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowpay/internal/logging"
	"github.com/mbd888/escrowpay/internal/money"
	"github.com/mbd888/escrowpay/internal/security"
	"github.com/mbd888/escrowpay/internal/validation"
)

// Handler provides HTTP endpoints for wallet operations
type Handler struct {
	service *Service
}

// NewHandler creates a new ledger handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware("userId", "id")
	r.GET("/wallets/:userId", ids, h.GetAccount)
	r.GET("/wallets/:userId/transactions", ids, h.ListTransactions)
	r.GET("/wallets/:userId/withdrawals", ids, h.ListWithdrawals)
	r.POST("/wallets/:userId/withdrawals", ids, h.RequestWithdrawal)
	r.GET("/withdrawals/:id", ids, h.GetWithdrawal)
}

// RegisterAdminRoutes sets up operator and worker routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals/:id/process", validation.IDParamMiddleware("id"), h.ProcessWithdrawal)
}

// GetAccount handles GET /v1/wallets/:userId
func (h *Handler) GetAccount(c *gin.Context) {
	userID, ok := h.ownWallet(c)
	if !ok {
		return
	}
	acct, err := h.service.GetAccount(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": acct})
}

// ListTransactions handles GET /v1/wallets/:userId/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := h.ownWallet(c)
	if !ok {
		return
	}
	txs, err := h.service.ListTransactions(c.Request.Context(), userID, queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// ListWithdrawals handles GET /v1/wallets/:userId/withdrawals
func (h *Handler) ListWithdrawals(c *gin.Context) {
	userID, ok := h.ownWallet(c)
	if !ok {
		return
	}
	ws, err := h.service.ListWithdrawals(c.Request.Context(), userID, queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": ws, "count": len(ws)})
}

// RequestWithdrawal handles POST /v1/wallets/:userId/withdrawals
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	userID, ok := h.ownWallet(c)
	if !ok {
		return
	}

	var req struct {
		Amount money.Amount `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	w, err := h.service.RequestWithdrawal(c.Request.Context(), userID, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"withdrawal": w})
}

// GetWithdrawal handles GET /v1/withdrawals/:id
func (h *Handler) GetWithdrawal(c *gin.Context) {
	id, _ := validation.ParseID(c.Param("id"))
	w, err := h.service.GetWithdrawal(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	caller := security.Caller(c)
	if !caller.IsOperator() && caller.UserID != w.UserID {
		writeError(c, ErrWithdrawalNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// ProcessWithdrawal handles POST /v1/withdrawals/:id/process
func (h *Handler) ProcessWithdrawal(c *gin.Context) {
	id, _ := validation.ParseID(c.Param("id"))
	w, err := h.service.ProcessWithdrawal(c.Request.Context(), id)
	if errors.Is(err, ErrPayoutFailed) && w != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":      "payout_failed",
			"message":    err.Error(),
			"withdrawal": w,
		})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

func (h *Handler) ownWallet(c *gin.Context) (int64, bool) {
	userID, _ := validation.ParseID(c.Param("userId"))
	caller := security.Caller(c)
	if !caller.IsOperator() && caller.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Cannot access another user's wallet",
		})
		return 0, false
	}
	return userID, true
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrWithdrawalNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Withdrawal not found"})
	case errors.Is(err, ErrInsufficientBalance):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient_balance", "message": err.Error()})
	case errors.Is(err, ErrBelowMinimum):
		c.JSON(http.StatusBadRequest, gin.H{"error": "below_minimum", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
	case errors.Is(err, ErrWithdrawalInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "payout_in_flight", "message": err.Error()})
	case errors.Is(err, ErrDuplicateCredit):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_credit", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("wallet request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}

package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowpay/internal/logging"
	"github.com/mbd888/escrowpay/internal/money"
	"github.com/mbd888/escrowpay/internal/security"
	"github.com/mbd888/escrowpay/internal/validation"
)

// PaymentGateway issues the outbound half of releases and refunds. It
// records external references but never changes escrow state.
type PaymentGateway interface {
	CreatePayout(ctx context.Context, escrowID int64) (string, error)
	CreateRefund(ctx context.Context, escrowID int64, amount *money.Amount, reason string) (string, error)
}

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	gateway PaymentGateway
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithGateway enables the payout and refund calls that follow release and
// refund requests.
func (h *Handler) WithGateway(g PaymentGateway) *Handler {
	h.gateway = g
	return h
}

// RegisterRoutes sets up party-facing escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware("id", "userId")
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows/:id", ids, h.GetEscrow)
	r.GET("/escrows/:id/transitions", ids, h.ListTransitions)
	r.GET("/escrows/:id/payments", ids, h.ListPayments)
	r.GET("/users/:userId/escrows", ids, h.ListEscrows)
	r.POST("/escrows/:id/release", ids, h.RequestRelease)
	r.POST("/escrows/:id/refund", ids, h.RequestRefund)
	r.POST("/escrows/:id/dispute", ids, h.Dispute)
}

// RegisterAdminRoutes sets up operator-only escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware("id")
	r.POST("/escrows/:id/payout", ids, h.RetryPayout)
	r.POST("/escrows/:id/transition", ids, h.AdminTransition)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.PositiveID("projectId", req.ProjectID),
		validation.PositiveID("buyerId", req.BuyerID),
		validation.PositiveID("sellerId", req.SellerID),
		validation.Distinct("sellerId", req.BuyerID, req.SellerID),
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("externalPaymentRef", req.ExternalPaymentRef, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	caller := security.Caller(c)
	if !caller.IsOperator() && caller.UserID != req.BuyerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Authenticated user must be the buyer",
		})
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, ok := h.loadVisible(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListTransitions handles GET /v1/escrows/:id/transitions
func (h *Handler) ListTransitions(c *gin.Context) {
	escrow, ok := h.loadVisible(c)
	if !ok {
		return
	}
	transitions, err := h.service.ListTransitions(c.Request.Context(), escrow.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": transitions, "count": len(transitions)})
}

// ListPayments handles GET /v1/escrows/:id/payments
func (h *Handler) ListPayments(c *gin.Context) {
	escrow, ok := h.loadVisible(c)
	if !ok {
		return
	}
	payments, err := h.service.ListPayments(c.Request.Context(), escrow.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

// ListEscrows handles GET /v1/users/:userId/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	userID, _ := validation.ParseID(c.Param("userId"))
	caller := security.Caller(c)
	if !caller.IsOperator() && caller.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Cannot list another user's escrows",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	escrows, err := h.service.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// RequestRelease handles POST /v1/escrows/:id/release
func (h *Handler) RequestRelease(c *gin.Context) {
	id, _ := validation.ParseID(c.Param("id"))
	caller := security.Caller(c)

	applied, err := h.service.RequestRelease(c.Request.Context(), id, caller.UserID)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"escrow": applied.Escrow, "transition": applied.Transition}
	e := applied.Escrow
	if e.Status == StatusReleaseRequested && e.ExternalPayoutRef == "" && h.gateway != nil {
		ref, err := h.gateway.CreatePayout(c.Request.Context(), id)
		if err != nil {
			writeGatewayError(c, err, e)
			return
		}
		e.ExternalPayoutRef = ref
	}
	c.JSON(http.StatusOK, resp)
}

type refundBody struct {
	Amount *money.Amount `json:"amount"`
	Reason string        `json:"reason"`
}

// RequestRefund handles POST /v1/escrows/:id/refund
func (h *Handler) RequestRefund(c *gin.Context) {
	var body refundBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if body.Amount != nil && !body.Amount.Positive() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "amount: must be greater than zero",
		})
		return
	}

	actor, ok := h.resolveActor(c)
	if !ok {
		return
	}
	actor.Reason = validation.SanitizeString(body.Reason, validation.MaxStringLength)

	applied, err := h.service.RequestRefund(c.Request.Context(), actor.escrowID, actor.ActorRequest)
	if err != nil {
		writeError(c, err)
		return
	}

	e := applied.Escrow
	if e.Status == StatusRefundRequested && e.ExternalRefundRef == "" && h.gateway != nil {
		ref, err := h.gateway.CreateRefund(c.Request.Context(), e.ID, body.Amount, actor.Reason)
		if err != nil {
			writeGatewayError(c, err, e)
			return
		}
		e.ExternalRefundRef = ref
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e, "transition": applied.Transition})
}

// Dispute handles POST /v1/escrows/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var body struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	actor, ok := h.resolveActor(c)
	if !ok {
		return
	}
	actor.Reason = validation.SanitizeString(body.Reason, validation.MaxStringLength)

	applied, err := h.service.Dispute(c.Request.Context(), actor.escrowID, actor.ActorRequest)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": applied.Escrow, "transition": applied.Transition})
}

// RetryPayout handles POST /v1/escrows/:id/payout. Operators use it after a
// transfer.failed cleared the previous payout reference.
func (h *Handler) RetryPayout(c *gin.Context) {
	id, _ := validation.ParseID(c.Param("id"))
	e, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if e.Status != StatusReleaseRequested {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": "payouts are only issued for release_requested escrows",
		})
		return
	}
	if h.gateway == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "gateway_disabled",
			"message": "payment gateway is not configured",
		})
		return
	}

	ref, err := h.gateway.CreatePayout(c.Request.Context(), id)
	if err != nil {
		writeGatewayError(c, err, e)
		return
	}
	e.ExternalPayoutRef = ref
	c.JSON(http.StatusOK, gin.H{"escrow": e, "payoutRef": ref})
}

// AdminTransition handles POST /v1/escrows/:id/transition
func (h *Handler) AdminTransition(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.To == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	caller := security.Caller(c)
	req.ActorKind = ActorAdmin
	if caller.Kind == security.KindSystem {
		req.ActorKind = ActorSystem
	}
	req.ActorUserID = caller.UserIDPtr()
	req.Reason = validation.SanitizeString(req.Reason, validation.MaxStringLength)

	id, _ := validation.ParseID(c.Param("id"))
	applied, err := h.service.Transition(c.Request.Context(), id, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": applied.Escrow, "transition": applied.Transition})
}

type resolvedActor struct {
	ActorRequest
	escrowID int64
}

// resolveActor maps the caller to buyer, seller or admin for the escrow in
// the path. The service re-checks the mapping under the row lock.
func (h *Handler) resolveActor(c *gin.Context) (resolvedActor, bool) {
	id, _ := validation.ParseID(c.Param("id"))
	caller := security.Caller(c)
	res := resolvedActor{escrowID: id, ActorRequest: ActorRequest{ActorUserID: caller.UserIDPtr()}}

	switch caller.Kind {
	case security.KindAdmin:
		res.ActorKind = ActorAdmin
		return res, true
	case security.KindSystem:
		res.ActorKind = ActorSystem
		return res, true
	}

	e, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return res, false
	}
	switch caller.UserID {
	case e.BuyerID:
		res.ActorKind = ActorBuyer
	case e.SellerID:
		res.ActorKind = ActorSeller
	default:
		writeError(c, ErrUnauthorized)
		return res, false
	}
	return res, true
}

// loadVisible loads the escrow in the path if the caller is a party or an operator.
func (h *Handler) loadVisible(c *gin.Context) (*Escrow, bool) {
	id, _ := validation.ParseID(c.Param("id"))
	e, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	caller := security.Caller(c)
	if !caller.IsOperator() && caller.UserID != e.BuyerID && caller.UserID != e.SellerID {
		// Hide existence from non-parties.
		writeError(c, ErrEscrowNotFound)
		return nil, false
	}
	return e, true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not authorized for this escrow"})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSameParty):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("escrow request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}

// writeGatewayError reports a failed outbound call. The local transition
// already committed; the response carries the escrow so clients can retry.
func writeGatewayError(c *gin.Context, err error, e *Escrow) {
	logging.L(c.Request.Context()).Warn("gateway call failed", "escrowId", e.ID, "error", err)
	switch {
	case errors.Is(err, ErrMissingDestination):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "missing_destination", "message": err.Error(), "escrow": e,
		})
	default:
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "gateway_error", "message": err.Error(), "escrow": e,
		})
	}
}

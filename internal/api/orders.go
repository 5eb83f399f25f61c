package api

import (
	"net/http"

	"settlement-api/internal/gateway"
	"settlement-api/internal/middleware"
	"settlement-api/internal/models"
	"settlement-api/internal/notify"
	"settlement-api/internal/orders"
	"settlement-api/internal/response"
	"settlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// ReferralCookie carries the signed referral token.
const ReferralCookie = "ref"

// CheckoutRequest is the optional checkout body.
type CheckoutRequest struct {
	Referral string `json:"ref"`
}

// Checkout submits the buyer's cart.
// POST /api/orders/:id/checkout
func (h *Handler) Checkout(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	var req CheckoutRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
			return
		}
	}
	if req.Referral == "" {
		if token, err := c.Cookie(ReferralCookie); err == nil {
			req.Referral = token
		}
	}

	order, err := h.Orders.Checkout(c.Request.Context(), id, middleware.UserID(c), req.Referral)
	if err != nil {
		logging.Warnf("Checkout failed - order: %d, error: %v", id, err)
		response.Fail(c, err)
		return
	}

	if h.Notifier != nil {
		h.Notifier.Emit(notify.Decide(order, models.StatusCart, order.Status)...)
	}
	response.MessageJSON(c, http.StatusOK, "Order placed", order)
}

// PaymentPayload returns what the buyer's client needs to pay with a gateway.
// GET /api/orders/:id/payment/:gateway
func (h *Handler) PaymentPayload(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	order, err := h.Orders.Get(c.Request.Context(), id)
	if err != nil || order.UserID != middleware.UserID(c) {
		response.ErrorJSON(c, http.StatusNotFound, orders.ErrOrderNotFound.Error())
		return
	}
	if !orders.IsPayable(order.Status) {
		response.ErrorJSON(c, http.StatusConflict, "Order is "+order.Status+" and cannot be paid")
		return
	}

	adapter, err := h.Registry.Get(c.Param("gateway"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	if !adapter.SupportsCapability(gateway.CapabilityCheckout) || !adapter.SupportsCurrency(order.Currency) {
		response.ErrorJSON(c, http.StatusBadRequest, "Gateway "+adapter.ID()+" cannot take this order")
		return
	}

	payload, err := adapter.BuildCheckoutPayload(c.Request.Context(), order)
	if err != nil {
		logging.Errorf("Failed to build checkout payload - order: %d, gateway: %s, error: %v", id, adapter.ID(), err)
		response.Fail(c, err)
		return
	}
	response.SuccessJSON(c, payload)
}

// OrderHistory lists the buyer's orders.
// GET /api/orders/history
func (h *Handler) OrderHistory(c *gin.Context) {
	list, err := h.Orders.History(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		logging.Errorf("Failed to load order history: %v", err)
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load orders")
		return
	}
	response.SuccessJSON(c, gin.H{"orders": list, "count": len(list)})
}

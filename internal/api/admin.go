package api

import (
	"net/http"
	"strconv"
	"time"

	"settlement-api/internal/ledger"
	"settlement-api/internal/models"
	"settlement-api/internal/notify"
	"settlement-api/internal/response"
	"settlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// ChangeStatusRequest represents an administrative status change
type ChangeStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// ChangeStatus moves an order through the state machine on an operator's behalf.
// POST /api/admin/orders/:id/status
func (h *Handler) ChangeStatus(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	var req ChangeStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "admin"
	}

	order, from, err := h.Orders.TransitionByID(c.Request.Context(), id, req.Status, req.Reason)
	if err != nil {
		logging.Warnf("Admin status change refused - order: %d, to: %s, error: %v", id, req.Status, err)
		response.Fail(c, err)
		return
	}

	if h.Notifier != nil {
		h.Notifier.Emit(notify.Decide(order, from, order.Status)...)
	}
	response.MessageJSON(c, http.StatusOK, "Order status updated", gin.H{
		"order":       order,
		"from_status": from,
	})
}

// AddCreditRequest applies a gift card, coupon or discount to an unpaid order.
type AddCreditRequest struct {
	Type   string `json:"type" binding:"required,oneof=gift_card discount coupon"`
	Code   string `json:"code" binding:"required,max=64"`
	Amount string `json:"amount" binding:"required"`
}

// AddCredit stores a credit against a pending or invoiced order. Settlements
// only honor credits stored this way.
// POST /api/admin/orders/:id/credits
func (h *Handler) AddCredit(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	var req AddCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid amount")
		return
	}

	order, err := h.Orders.AddCredit(c.Request.Context(), id, models.OrderCredit{
		Type: req.Type, Code: req.Code, Amount: amount,
	})
	if err != nil {
		logging.Warnf("Credit refused - order: %d, code: %s, error: %v", id, req.Code, err)
		response.Fail(c, err)
		return
	}
	response.MessageJSON(c, http.StatusCreated, "Credit applied", order)
}

// LedgerLookup returns one ledger row.
// GET /api/admin/ledger/:gateway/:txn
func (h *Handler) LedgerLookup(c *gin.Context) {
	txn, err := h.Ledger.Lookup(c.Request.Context(), c.Param("gateway"), c.Param("txn"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.SuccessJSON(c, txn)
}

// ListIncidents lists operator incidents.
// GET /api/admin/incidents?gateway=&kind=&order_id=&since=RFC3339&limit=
func (h *Handler) ListIncidents(c *gin.Context) {
	f := ledger.IncidentFilter{
		Gateway: c.Query("gateway"),
		Kind:    c.Query("kind"),
	}
	if v := c.Query("order_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			response.ErrorJSON(c, http.StatusBadRequest, "Invalid order_id")
			return
		}
		f.OrderID = uint(id)
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			response.ErrorJSON(c, http.StatusBadRequest, "Invalid since, expected RFC3339")
			return
		}
		f.Since = since
	}
	if v := c.Query("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}

	incidents, err := h.Ledger.Incidents(c.Request.Context(), f)
	if err != nil {
		logging.Errorf("Failed to list incidents: %v", err)
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to list incidents")
		return
	}
	response.SuccessJSON(c, gin.H{"incidents": incidents, "count": len(incidents)})
}

// RunBatch runs affiliate batching now.
// POST /api/admin/affiliates/batch
func (h *Handler) RunBatch(c *gin.Context) {
	res, err := h.Jobs.Batch(c.Request.Context())
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.SuccessJSON(c, gin.H{
		"payments": res.Payments,
		"held":     res.Held,
	})
}

// RunDispatch runs affiliate payout dispatch now.
// POST /api/admin/affiliates/dispatch
func (h *Handler) RunDispatch(c *gin.Context) {
	res, err := h.Jobs.Dispatch(c.Request.Context())
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.SuccessJSON(c, gin.H{
		"sent":   res.Sent,
		"failed": res.Failed,
		"errors": res.Errors,
	})
}

package api

import (
	"context"
	"net/http"
	"time"

	"settlement-api/internal/gateway"
	"settlement-api/internal/response"
	"settlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// HandleNotification receives a gateway callback and answers in the shape that
// gateway expects, so the processor decides whether to redeliver.
// POST /api/notifications/:gateway
func (h *Handler) HandleNotification(c *gin.Context) {
	startTime := time.Now()
	id := c.Param("gateway")

	parser, err := h.Registry.Parser(id)
	if err != nil {
		logging.Warnf("Notification for unknown gateway %q from %s", id, c.ClientIP())
		response.ErrorJSON(c, http.StatusNotFound, "Unknown gateway")
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		logging.Errorf("Failed to read notification body: %v", err)
		response.ErrorJSON(c, http.StatusBadRequest, "Failed to read request body")
		return
	}

	in := &gateway.Inbound{
		Gateway:     id,
		Body:        body,
		Header:      c.Request.Header.Clone(),
		Query:       c.Request.URL.Query(),
		RemoteAddr:  c.ClientIP(),
		ContentType: c.ContentType(),
		ReceivedAt:  startTime,
	}

	// settlement must not be cut short by the gateway hanging up
	ctx := context.WithoutCancel(c.Request.Context())
	res := h.Processor.Handle(ctx, in)

	status, contentType, out := parser.Acknowledge(res.Disposition)
	logging.Infof("Notification handled - gateway: %s, txn: %s, state: %s, status: %d, duration: %v",
		id, res.TxnID, res.State, status, time.Since(startTime))
	c.Data(status, contentType, out)
}

// ListGateways lists the gateways offered for a currency and capability.
// GET /api/gateways?currency=USD&capability=checkout
func (h *Handler) ListGateways(c *gin.Context) {
	adapters := h.Registry.Offered(c.Query("currency"), c.Query("capability"))

	ids := make([]string, 0, len(adapters))
	for _, a := range adapters {
		ids = append(ids, a.ID())
	}
	response.SuccessJSON(c, gin.H{"gateways": ids})
}

package api

import (
	"net/http"
	"strconv"

	"settlement-api/internal/gateway"
	"settlement-api/internal/ipn"
	"settlement-api/internal/ledger"
	"settlement-api/internal/middleware"
	"settlement-api/internal/orders"
	"settlement-api/internal/response"
	"settlement-api/internal/services"

	"github.com/gin-gonic/gin"
)

// Handler carries the components the HTTP surface talks to.
type Handler struct {
	Orders    *orders.Service
	Registry  *gateway.Registry
	Processor *ipn.Processor
	Ledger    *ledger.Ledger
	Jobs      *services.Jobs
	Notifier  ipn.Emitter

	AdminAPIKey string
	Throttle    *middleware.Throttle
}

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, h *Handler) {
	api := r.Group("/api")
	{
		// Gateway callbacks (no authentication, processors call these)
		notifications := api.Group("/notifications")
		if h.Throttle != nil {
			notifications.Use(h.Throttle.Handler())
		}
		{
			notifications.POST("/:gateway", h.HandleNotification)
		}

		api.GET("/gateways", h.ListGateways)

		// Buyer routes
		buyer := api.Group("/orders")
		buyer.Use(middleware.RequireUser())
		{
			buyer.GET("/history", h.OrderHistory)
			buyer.POST("/:id/checkout", h.Checkout)
			buyer.GET("/:id/payment/:gateway", h.PaymentPayload)
		}

		// Operator routes
		admin := api.Group("/admin")
		admin.Use(middleware.AdminAuth(h.AdminAPIKey))
		{
			admin.POST("/orders/:id/status", h.ChangeStatus)
			admin.POST("/orders/:id/credits", h.AddCredit)
			admin.GET("/ledger/:gateway/:txn", h.LedgerLookup)
			admin.GET("/incidents", h.ListIncidents)
			admin.POST("/affiliates/batch", h.RunBatch)
			admin.POST("/affiliates/dispatch", h.RunDispatch)
		}
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "settlement-api",
		})
	})
}

func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	return uint(id), true
}

package response

import (
	"errors"
	"net/http"

	"settlement-api/internal/gateway"
	"settlement-api/internal/ledger"
	"settlement-api/internal/orders"
	"settlement-api/internal/services"

	"github.com/gin-gonic/gin"
)

// Response is the envelope every non-gateway endpoint answers with. Gateway
// notification endpoints answer in whatever shape the processor expects.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// failure is how a domain error is presented to API clients.
type failure struct {
	err    error
	status int
	code   string
}

// failures is checked in order; the first match wins.
var failures = []failure{
	{orders.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
	{ledger.ErrNotFound, http.StatusNotFound, "transaction_not_found"},
	{gateway.ErrUnknownGateway, http.StatusNotFound, "unknown_gateway"},
	{orders.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{orders.ErrStatusDisabled, http.StatusConflict, "status_disabled"},
	{orders.ErrBalanceDue, http.StatusConflict, "balance_due"},
	{orders.ErrNotCart, http.StatusConflict, "not_a_cart"},
	{orders.ErrOrderAlreadySettled, http.StatusConflict, "already_settled"},
	{orders.ErrConcurrentUpdate, http.StatusConflict, "concurrent_update"},
	{services.ErrLeaseHeld, http.StatusConflict, "job_running"},
	{orders.ErrEmptyOrder, http.StatusBadRequest, "empty_order"},
	{orders.ErrNegativeTotal, http.StatusBadRequest, "negative_total"},
}

// StatusFor maps an error onto an HTTP status and a stable error code.
// Unknown errors are 500 with code "internal".
func StatusFor(err error) (int, string) {
	for _, f := range failures {
		if errors.Is(err, f.err) {
			return f.status, f.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// Success wraps data in a success envelope
func Success(data interface{}) Response {
	return Response{
		Success: true,
		Message: "success",
		Data:    data,
	}
}

// Error builds a failure envelope
func Error(code, message string) Response {
	return Response{
		Success: false,
		Code:    code,
		Message: message,
	}
}

// SuccessJSON sends data with 200
func SuccessJSON(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Success(data))
}

// MessageJSON sends a success envelope with a custom message
func MessageJSON(c *gin.Context, statusCode int, message string, data interface{}) {
	c.JSON(statusCode, Response{Success: true, Message: message, Data: data})
}

// ErrorJSON sends an error envelope for a request the handler itself refused.
func ErrorJSON(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, Error("", message))
}

// Fail sends the envelope for an error returned by the domain layer and
// aborts the handler chain.
func Fail(c *gin.Context, err error) {
	status, code := StatusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	c.AbortWithStatusJSON(status, Error(code, message))
}

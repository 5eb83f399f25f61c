// Package internalpay settles orders whose total is fully covered by credits.
// No money moves, so verification consults the order itself.
package internalpay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"settlement-api/internal/config"
	"settlement-api/internal/gateway"
	"settlement-api/internal/models"
	"settlement-api/internal/orders"

	"github.com/shopspring/decimal"
)

const (
	ID = "internal"

	txnPrefix = "zero-"
)

// OrderLookup finds an order by its gateway reference.
type OrderLookup interface {
	GetByReference(ctx context.Context, reference string) (*models.Order, error)
}

// Adapter is the zero-balance gateway.
type Adapter struct {
	gateway.Base
	orders OrderLookup
}

// New creates the adapter.
func New(cfg config.GatewayConfig, lookup OrderLookup) *Adapter {
	return &Adapter{Base: gateway.Base{Config: cfg}, orders: lookup}
}

// BuildCheckoutPayload tells the client to post the reference straight back.
func (a *Adapter) BuildCheckoutPayload(ctx context.Context, order *models.Order) (*gateway.CheckoutPayload, error) {
	if order.Reference == nil {
		return nil, fmt.Errorf("order %d has not been checked out", order.ID)
	}
	if orders.BalanceDue(order).IsPositive() {
		return nil, fmt.Errorf("%w: order %d", orders.ErrBalanceDue, order.ID)
	}
	return &gateway.CheckoutPayload{
		Gateway: a.ID(),
		Method:  "none",
		Fields:  map[string]string{"reference": order.ReferenceString()},
	}, nil
}

// ParseNotification reads {"reference": "..."}.
func (a *Adapter) ParseNotification(ctx context.Context, in *gateway.Inbound) (*gateway.Notification, error) {
	var body struct {
		Reference string `json:"reference"`
	}
	if err := json.Unmarshal(in.Body, &body); err != nil {
		return nil, gateway.Malformed(a.ID(), "invalid JSON: %v", err)
	}
	if body.Reference == "" {
		return nil, gateway.Malformed(a.ID(), "missing reference")
	}

	return &gateway.Notification{
		Gateway:   a.ID(),
		TxnID:     txnPrefix + body.Reference,
		Kind:      gateway.KindPayment,
		TxnType:   gateway.TxnTypeGiftCard,
		Reference: body.Reference,
		Amount:    decimal.Zero,
		Status:    gateway.StatusCompleted,
		Raw:       json.RawMessage(in.Body),
	}, nil
}

// Verify succeeds only when the order's persisted credits cover its total.
func (a *Adapter) Verify(ctx context.Context, externalTxnID string) (*gateway.Verification, error) {
	reference := strings.TrimPrefix(externalTxnID, txnPrefix)
	if reference == externalTxnID || reference == "" {
		return nil, gateway.Reject(a.ID(), externalTxnID, "not an internal transaction id", nil)
	}

	order, err := a.orders.GetByReference(ctx, reference)
	if err != nil {
		return nil, gateway.Reject(a.ID(), externalTxnID, "order lookup failed", err)
	}
	if due := orders.BalanceDue(order); !due.IsZero() {
		return nil, gateway.Reject(a.ID(), externalTxnID,
			fmt.Sprintf("balance due is %s, not zero", due.StringFixed(2)), nil)
	}

	return &gateway.Verification{
		TxnID:    externalTxnID,
		Amount:   decimal.Zero,
		Currency: order.Currency,
		Status:   gateway.StatusCompleted,
	}, nil
}

func (a *Adapter) Capture(context.Context, string, decimal.Decimal) (bool, error) {
	return false, gateway.ErrCaptureUnsupported
}

// SupportsCurrency accepts every currency when no allow-list is configured.
func (a *Adapter) SupportsCurrency(code string) bool {
	if len(a.Config.Currencies) == 0 {
		return a.Config.Enabled
	}
	return a.Base.SupportsCurrency(code)
}

func (a *Adapter) Acknowledge(d gateway.Disposition) (int, string, []byte) {
	if d == gateway.Accept {
		return http.StatusOK, "application/json", []byte(`{"success":true}`)
	}
	return http.StatusConflict, "application/json", []byte(`{"success":false}`)
}

var (
	_ gateway.Adapter            = (*Adapter)(nil)
	_ gateway.NotificationParser = (*Adapter)(nil)
)

// Package notify tells buyers, administrators and downstream systems about
// order status changes. Delivery happens after the settlement transaction has
// committed and a failed delivery never undoes a settlement.
package notify

import (
	"time"

	"settlement-api/internal/models"
)

// Event types
const (
	EventStatusChanged = "order.status_changed"
	EventPaid          = "order.paid"
	EventReversed      = "order.reversed"
)

// Event is one thing worth telling someone about.
type Event struct {
	Type          string    `json:"event"`
	OrderID       uint      `json:"order_id"`
	Reference     string    `json:"reference"`
	InvoiceNumber string    `json:"invoice_number"`
	From          string    `json:"from_status"`
	Status        string    `json:"status"`
	Total         string    `json:"total"`
	Currency      string    `json:"currency"`
	Gateway       string    `json:"gateway,omitempty"`
	BuyerEmail    string    `json:"-"`
	Timestamp     time.Time `json:"timestamp"`
}

// Decide returns the events for an order that moved from → to.
func Decide(order *models.Order, from, to string) []Event {
	if from == to {
		return nil
	}

	base := Event{
		OrderID:       order.ID,
		Reference:     order.ReferenceString(),
		InvoiceNumber: order.InvoiceNumber,
		From:          from,
		Status:        to,
		Total:         order.Total.StringFixed(2),
		Currency:      order.Currency,
		Gateway:       order.Gateway,
		BuyerEmail:    order.BuyerEmail,
		Timestamp:     time.Now().UTC(),
	}

	changed := base
	changed.Type = EventStatusChanged
	events := []Event{changed}

	switch {
	case to == models.StatusProcessing && (from == models.StatusPending || from == models.StatusInvoiced):
		paid := base
		paid.Type = EventPaid
		events = append(events, paid)
	case to == models.StatusRefunded || to == models.StatusCanceled:
		reversed := base
		reversed.Type = EventReversed
		events = append(events, reversed)
	}
	return events
}

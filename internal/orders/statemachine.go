package orders

import (
	"errors"
	"fmt"

	"settlement-api/internal/models"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderAlreadySettled = errors.New("order already settled")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrStatusDisabled      = errors.New("order status is disabled")
	ErrBalanceDue          = errors.New("order has a balance due")
	ErrNegativeTotal       = errors.New("order total would be negative")
	ErrNotCart             = errors.New("order is not a cart")
	ErrEmptyOrder          = errors.New("order has no items")
)

// transitions is the default set of allowed moves. The catalog can still
// disable a target status.
var transitions = map[string][]string{
	models.StatusCart:       {models.StatusPending},
	models.StatusPending:    {models.StatusInvoiced, models.StatusProcessing, models.StatusCanceled, models.StatusRefunded},
	models.StatusInvoiced:   {models.StatusProcessing, models.StatusCanceled, models.StatusRefunded},
	models.StatusProcessing: {models.StatusShipped, models.StatusClosed, models.StatusCanceled, models.StatusRefunded},
	models.StatusShipped:    {models.StatusClosed, models.StatusRefunded},
	models.StatusClosed:     {models.StatusArchived, models.StatusRefunded},
	models.StatusRefunded:   {models.StatusArchived},
}

// requiresSettled lists statuses that may not be entered with a balance due.
var requiresSettled = map[string]bool{
	models.StatusProcessing: true,
	models.StatusShipped:    true,
	models.StatusClosed:     true,
}

// payable statuses accept payment notifications.
var payable = map[string]bool{
	models.StatusPending:  true,
	models.StatusInvoiced: true,
}

// IsPayable reports whether an order in status may receive a payment.
func IsPayable(status string) bool {
	return payable[status]
}

// CanTransition checks from → to against the transition table and the catalog.
func CanTransition(catalog *StatusCatalog, from, to string) error {
	if to == models.StatusPaid {
		return fmt.Errorf("%w: %s is not a resting status", ErrInvalidTransition, to)
	}
	allowed := false
	for _, s := range transitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if !catalog.Enabled(to) {
		return fmt.Errorf("%w: %s", ErrStatusDisabled, to)
	}
	return nil
}

// Validate checks a transition including the balance guard.
func Validate(catalog *StatusCatalog, order *models.Order, to string) error {
	if err := CanTransition(catalog, order.Status, to); err != nil {
		return err
	}
	if requiresSettled[to] && BalanceDue(order).IsPositive() {
		return fmt.Errorf("%w: %s outstanding, cannot enter %s",
			ErrBalanceDue, BalanceDue(order).StringFixed(2), to)
	}
	return nil
}

// isReversal reports whether moving from → to undoes a sale.
func isReversal(catalog *StatusCatalog, from, to string) bool {
	if to != models.StatusCanceled && to != models.StatusRefunded {
		return false
	}
	return catalog.IsValid(from)
}

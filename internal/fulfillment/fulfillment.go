// Package fulfillment takes stock for paid orders and gives it back when a sale
// is reversed.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-api/internal/models"
	"settlement-api/pkg/logging"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Pipeline runs inside the caller's transaction; it never opens its own.
type Pipeline struct {
	now func() time.Time
}

// NewPipeline creates a fulfillment pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{now: time.Now}
}

// Fulfill decrements stock, issues a fulfillment token per item and records the
// fulfillment. Calling it again for the same order does nothing.
func (p *Pipeline) Fulfill(ctx context.Context, tx *gorm.DB, order *models.Order, transactionID uint) error {
	existing, err := find(tx, order.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		logging.Debugf("Order %d already fulfilled", order.ID)
		return nil
	}

	for i := range order.Items {
		item := &order.Items[i]
		if item.ProductID != 0 {
			res := tx.Model(&models.Product{}).
				Where("id = ?", item.ProductID).
				Updates(map[string]interface{}{
					"on_hand":  gorm.Expr("on_hand - ?", item.Quantity),
					"reserved": gorm.Expr("CASE WHEN reserved >= ? THEN reserved - ? ELSE 0 END", item.Quantity, item.Quantity),
				})
			if res.Error != nil {
				return fmt.Errorf("failed to take stock for %s: %w", item.SKU, res.Error)
			}
		}

		item.FulfillmentToken = uuid.NewString()
		if err := tx.Model(&models.OrderItem{}).Where("id = ?", item.ID).
			Update("fulfillment_token", item.FulfillmentToken).Error; err != nil {
			return fmt.Errorf("failed to store fulfillment token: %w", err)
		}
	}

	record := &models.Fulfillment{
		OrderID:       order.ID,
		TransactionID: transactionID,
		Status:        models.FulfillmentDone,
		FulfilledAt:   p.now(),
	}
	if err := tx.Create(record).Error; err != nil {
		return fmt.Errorf("failed to record fulfillment: %w", err)
	}

	logging.Infof("Order fulfilled - order: %d, items: %d", order.ID, len(order.Items))
	return nil
}

// Reverse restocks a fulfilled order. Orders never fulfilled are left alone.
func (p *Pipeline) Reverse(ctx context.Context, tx *gorm.DB, order *models.Order) error {
	record, err := find(tx, order.ID)
	if err != nil {
		return err
	}
	if record == nil || record.Status == models.FulfillmentReversed {
		return nil
	}

	for _, item := range order.Items {
		if item.ProductID == 0 {
			continue
		}
		if err := tx.Model(&models.Product{}).Where("id = ?", item.ProductID).
			Update("on_hand", gorm.Expr("on_hand + ?", item.Quantity)).Error; err != nil {
			return fmt.Errorf("failed to restock %s: %w", item.SKU, err)
		}
	}

	now := p.now()
	if err := tx.Model(record).Updates(map[string]interface{}{
		"status":      models.FulfillmentReversed,
		"reversed_at": now,
	}).Error; err != nil {
		return fmt.Errorf("failed to mark fulfillment reversed: %w", err)
	}

	logging.Infof("Fulfillment reversed - order: %d", order.ID)
	return nil
}

// OnTransition restocks when an order is canceled or refunded.
func (p *Pipeline) OnTransition(ctx context.Context, tx *gorm.DB, order *models.Order, from, to string) error {
	if to != models.StatusCanceled && to != models.StatusRefunded {
		return nil
	}
	return p.Reverse(ctx, tx, order)
}

func find(tx *gorm.DB, orderID uint) (*models.Fulfillment, error) {
	var record models.Fulfillment
	err := tx.Where("order_id = ?", orderID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

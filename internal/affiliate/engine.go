package affiliate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-api/internal/ledger"
	"settlement-api/internal/models"
	"settlement-api/internal/money"
	"settlement-api/internal/orders"
	"settlement-api/pkg/logging"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Engine accrues and reverses commission inside the order's transaction.
type Engine struct {
	catalog *orders.StatusCatalog
	now     func() time.Time
}

// NewEngine creates an accrual engine.
func NewEngine(catalog *orders.StatusCatalog) *Engine {
	return &Engine{catalog: catalog, now: time.Now}
}

// OnTransition accrues when an order first enters an affiliate-eligible status
// and reverses unpaid accrual when it is canceled or refunded.
func (e *Engine) OnTransition(ctx context.Context, tx *gorm.DB, order *models.Order, from, to string) error {
	switch {
	case to == models.StatusCanceled || to == models.StatusRefunded:
		return e.Reverse(ctx, tx, order)
	case e.catalog.IsAffiliateEligible(to) && !e.catalog.IsAffiliateEligible(from):
		_, err := e.Accrue(ctx, tx, order)
		return err
	}
	return nil
}

// Accrue creates the order's AffiliateSale and line commissions. It returns nil
// when the order has no usable referral, nothing qualifies, or a sale exists.
func (e *Engine) Accrue(ctx context.Context, tx *gorm.DB, order *models.Order) (*models.AffiliateSale, error) {
	if order.ReferralAffiliateID == nil {
		return nil, nil
	}

	var aff models.Affiliate
	if err := tx.First(&aff, *order.ReferralAffiliateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logging.Warnf("Order %d refers to missing affiliate %d", order.ID, *order.ReferralAffiliateID)
			return nil, nil
		}
		return nil, err
	}
	if !aff.Active || aff.UserID == order.UserID {
		return nil, nil
	}

	var existing int64
	if err := tx.Model(&models.AffiliateSale{}).Where("order_id = ?", order.ID).Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, nil
	}

	var items []models.AffiliateSaleItem
	for _, item := range order.Items {
		if !item.AffiliateEligible {
			continue
		}
		pct, err := e.percentFor(tx, &aff, item)
		if err != nil {
			return nil, err
		}
		net := item.LineNet()
		commission := Commission(net, pct)
		if commission.IsZero() {
			continue
		}
		items = append(items, models.AffiliateSaleItem{
			OrderItemID: item.ID,
			NetTotal:    net,
			Percent:     pct,
			Commission:  commission,
		})
	}
	if len(items) == 0 {
		return nil, nil
	}

	sale := &models.AffiliateSale{
		AffiliateID: aff.ID,
		OrderID:     order.ID,
		SaleDate:    e.now(),
		Items:       items,
	}
	if err := tx.Create(sale).Error; err != nil {
		return nil, fmt.Errorf("failed to store affiliate sale: %w", err)
	}

	logging.Infof("Affiliate commission accrued - order: %d, affiliate: %d, lines: %d", order.ID, aff.ID, len(items))
	return sale, nil
}

// Commission is round_half_up(pct/100 × net, 2).
func Commission(net, pct decimal.Decimal) decimal.Decimal {
	return money.Percent(net, pct)
}

func (e *Engine) percentFor(tx *gorm.DB, aff *models.Affiliate, item models.OrderItem) (decimal.Decimal, error) {
	if item.ProductID == 0 {
		return aff.CommissionPercent, nil
	}
	var product models.Product
	err := tx.Select("id", "commission_percent").First(&product, item.ProductID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return aff.CommissionPercent, nil
		}
		return decimal.Zero, err
	}
	if product.CommissionPercent.Valid {
		return product.CommissionPercent.Decimal, nil
	}
	return aff.CommissionPercent, nil
}

// Reverse removes an unpaid sale. A sale already paid out is left in place and
// an incident is recorded for the operator.
func (e *Engine) Reverse(ctx context.Context, tx *gorm.DB, order *models.Order) error {
	var sale models.AffiliateSale
	err := tx.Where("order_id = ?", order.ID).First(&sale).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	if sale.PaymentID != nil {
		logging.Warnf("Order %d reversed after commission payment %d", order.ID, *sale.PaymentID)
		return ledger.RecordIncidentTx(tx, &models.SettlementIncident{
			OrderID: order.ID,
			Kind:    models.IncidentPaidCommission,
			Detail:  fmt.Sprintf("affiliate sale %d already paid by payment %d", sale.ID, *sale.PaymentID),
		})
	}

	if err := tx.Where("sale_id = ?", sale.ID).Delete(&models.AffiliateSaleItem{}).Error; err != nil {
		return fmt.Errorf("failed to delete sale items: %w", err)
	}
	if err := tx.Delete(&sale).Error; err != nil {
		return fmt.Errorf("failed to delete sale: %w", err)
	}

	logging.Infof("Affiliate commission reversed - order: %d, sale: %d", order.ID, sale.ID)
	return nil
}

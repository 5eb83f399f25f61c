package affiliate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"settlement-api/internal/gateway"
	"settlement-api/internal/models"
	"settlement-api/pkg/logging"

	"gorm.io/gorm"
)

var ErrNoPayouter = errors.New("no payout gateway for method")

// PayouterSource finds the gateway serving a payout method.
type PayouterSource interface {
	Payouter(method string) (gateway.Payouter, bool)
}

// Dispatcher hands unpaid AffiliatePayment rows to payout gateways.
type Dispatcher struct {
	db     *gorm.DB
	source PayouterSource
	now    func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(db *gorm.DB, source PayouterSource) *Dispatcher {
	return &Dispatcher{db: db, source: source, now: time.Now}
}

// DispatchResult summarizes one run.
type DispatchResult struct {
	Sent   int
	Failed int
	// Errors holds the failure per payout method.
	Errors map[string]string
}

// Run dispatches per method. A failing method is recorded and skipped; it
// never stops the other methods.
func (d *Dispatcher) Run(ctx context.Context) (*DispatchResult, error) {
	var payments []models.AffiliatePayment
	err := d.db.WithContext(ctx).
		Where("external_payout_id = ? OR external_payout_id IS NULL", "").
		Order("method, id").
		Find(&payments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load unpaid payments: %w", err)
	}

	byMethod := make(map[string][]models.AffiliatePayment)
	for _, p := range payments {
		byMethod[p.Method] = append(byMethod[p.Method], p)
	}
	methods := make([]string, 0, len(byMethod))
	for m := range byMethod {
		methods = append(methods, m)
	}
	sort.Strings(methods)

	result := &DispatchResult{Errors: make(map[string]string)}
	for _, method := range methods {
		batch := byMethod[method]
		sent, err := d.dispatchMethod(ctx, method, batch)
		result.Sent += sent
		result.Failed += len(batch) - sent
		if err != nil {
			result.Errors[method] = err.Error()
			logging.Errorf("Affiliate payout failed - method: %s, payments: %d, error: %v", method, len(batch), err)
		}
	}

	logging.Infof("Affiliate dispatch finished - sent: %d, failed: %d", result.Sent, result.Failed)
	return result, nil
}

func (d *Dispatcher) dispatchMethod(ctx context.Context, method string, batch []models.AffiliatePayment) (int, error) {
	payouter, ok := d.source.Payouter(method)
	if !ok {
		err := fmt.Errorf("%w %q", ErrNoPayouter, method)
		d.markFailed(ctx, batch, err.Error())
		return 0, err
	}

	items := make([]gateway.PayoutItem, 0, len(batch))
	for _, p := range batch {
		var aff models.Affiliate
		if err := d.db.WithContext(ctx).First(&aff, p.AffiliateID).Error; err != nil {
			d.markFailed(ctx, batch, err.Error())
			return 0, fmt.Errorf("failed to load affiliate %d: %w", p.AffiliateID, err)
		}
		items = append(items, gateway.PayoutItem{
			PaymentID:   p.ID,
			AffiliateID: p.AffiliateID,
			Receiver:    aff.PayoutAccount,
			Amount:      p.Amount,
			Currency:    p.Currency,
			Method:      method,
		})
	}

	results, err := payouter.Payout(ctx, items)
	if err != nil {
		d.markFailed(ctx, batch, err.Error())
		return 0, err
	}

	sent := 0
	now := d.now()
	for _, r := range results {
		q := d.db.WithContext(ctx).Model(&models.AffiliatePayment{}).Where("id = ?", r.PaymentID)
		if r.OK && r.ExternalID != "" {
			if err := q.Updates(map[string]interface{}{
				"external_payout_id": r.ExternalID,
				"paid_at":            now,
				"dispatch_error":     "",
			}).Error; err != nil {
				logging.Errorf("Failed to stamp payout %s on payment %d: %v", r.ExternalID, r.PaymentID, err)
				continue
			}
			sent++
			continue
		}
		if err := q.Update("dispatch_error", r.Error).Error; err != nil {
			logging.Errorf("Failed to record payout error on payment %d: %v", r.PaymentID, err)
		}
	}
	return sent, nil
}

func (d *Dispatcher) markFailed(ctx context.Context, batch []models.AffiliatePayment, reason string) {
	ids := make([]uint, 0, len(batch))
	for _, p := range batch {
		ids = append(ids, p.ID)
	}
	if err := d.db.WithContext(ctx).Model(&models.AffiliatePayment{}).
		Where("id IN ?", ids).Update("dispatch_error", reason).Error; err != nil {
		logging.Errorf("Failed to record dispatch error: %v", err)
	}
}

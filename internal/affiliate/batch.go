package affiliate

import (
	"context"
	"fmt"
	"time"

	"settlement-api/internal/models"
	"settlement-api/internal/orders"
	"settlement-api/pkg/logging"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BatchError is a storage failure during batching. Runs are safe to repeat:
// only unpaid, aged rows are ever selected.
type BatchError struct {
	AffiliateID uint
	Err         error
}

func (e *BatchError) Error() string {
	if e.AffiliateID == 0 {
		return fmt.Sprintf("affiliate batching failed: %v", e.Err)
	}
	return fmt.Sprintf("affiliate batching failed for affiliate %d: %v", e.AffiliateID, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// BatchOptions configures a Batcher.
type BatchOptions struct {
	MinPayout decimal.Decimal
	Currency  string
	Delay     time.Duration
}

// Batcher turns unpaid accrued commission into AffiliatePayment rows.
type Batcher struct {
	db      *gorm.DB
	catalog *orders.StatusCatalog
	opts    BatchOptions
	now     func() time.Time
}

// NewBatcher creates a batcher.
func NewBatcher(db *gorm.DB, catalog *orders.StatusCatalog, opts BatchOptions) *Batcher {
	return &Batcher{db: db, catalog: catalog, opts: opts, now: time.Now}
}

// BatchResult summarizes one run.
type BatchResult struct {
	Payments []models.AffiliatePayment
	Held     []uint // affiliates below the threshold, carried to the next run
}

type commissionRow struct {
	AffiliateID uint
	SaleID      uint
	Commission  decimal.Decimal
}

// group is the running state for one affiliate in the control-break pass.
type group struct {
	affiliateID uint
	total       decimal.Decimal
	saleIDs     []uint
}

func (g *group) add(r commissionRow) {
	g.total = g.total.Add(r.Commission)
	if n := len(g.saleIDs); n == 0 || g.saleIDs[n-1] != r.SaleID {
		g.saleIDs = append(g.saleIDs, r.SaleID)
	}
}

// Run selects eligible commission rows sorted by affiliate and makes one
// linear pass. Every group, including the last, goes through flush.
func (b *Batcher) Run(ctx context.Context) (*BatchResult, error) {
	rows, err := b.eligibleRows(ctx)
	if err != nil {
		return nil, &BatchError{Err: err}
	}

	result := &BatchResult{}
	flush := func(g *group) error {
		if g == nil || len(g.saleIDs) == 0 {
			return nil
		}
		if g.total.LessThan(b.opts.MinPayout) {
			result.Held = append(result.Held, g.affiliateID)
			return nil
		}
		payment, err := b.pay(ctx, g)
		if err != nil {
			return &BatchError{AffiliateID: g.affiliateID, Err: err}
		}
		result.Payments = append(result.Payments, *payment)
		return nil
	}

	var current *group
	for _, r := range rows {
		if current != nil && r.AffiliateID != current.affiliateID {
			if err := flush(current); err != nil {
				return result, err
			}
			current = nil
		}
		if current == nil {
			current = &group{affiliateID: r.AffiliateID}
		}
		current.add(r)
	}
	if err := flush(current); err != nil {
		return result, err
	}

	logging.Infof("Affiliate batching finished - rows: %d, payments: %d, held: %d",
		len(rows), len(result.Payments), len(result.Held))
	return result, nil
}

func (b *Batcher) eligibleRows(ctx context.Context) ([]commissionRow, error) {
	cutoff := b.now().Add(-b.opts.Delay)
	statuses := b.catalog.AffiliateEligibleCodes()
	if len(statuses) == 0 {
		return nil, nil
	}

	var rows []commissionRow
	err := b.db.WithContext(ctx).
		Table("affiliate_sale_items AS i").
		Select("s.affiliate_id AS affiliate_id, s.id AS sale_id, i.commission AS commission").
		Joins("JOIN affiliate_sales s ON s.id = i.sale_id").
		Joins("JOIN orders o ON o.id = s.order_id").
		Where("s.payment_id IS NULL AND s.sale_date < ? AND o.status IN ? AND o.currency = ?",
			cutoff, statuses, b.opts.Currency).
		Order("s.affiliate_id, s.id, i.id").
		Scan(&rows).Error
	return rows, err
}

// pay inserts the payment and stamps it onto the group's sales in one transaction.
func (b *Batcher) pay(ctx context.Context, g *group) (*models.AffiliatePayment, error) {
	var payment *models.AffiliatePayment
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var aff models.Affiliate
		if err := tx.First(&aff, g.affiliateID).Error; err != nil {
			return fmt.Errorf("failed to load affiliate: %w", err)
		}

		payment = &models.AffiliatePayment{
			AffiliateID: g.affiliateID,
			Amount:      g.total,
			Currency:    b.opts.Currency,
			Method:      aff.PayoutMethod,
		}
		if err := tx.Create(payment).Error; err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}

		res := tx.Model(&models.AffiliateSale{}).
			Where("id IN ? AND payment_id IS NULL", g.saleIDs).
			Update("payment_id", payment.ID)
		if res.Error != nil {
			return fmt.Errorf("failed to stamp sales: %w", res.Error)
		}
		if int(res.RowsAffected) != len(g.saleIDs) {
			return fmt.Errorf("stamped %d of %d sales", res.RowsAffected, len(g.saleIDs))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Infof("Affiliate payment created - affiliate: %d, amount: %s %s, sales: %d",
		g.affiliateID, g.total.StringFixed(2), b.opts.Currency, len(g.saleIDs))
	return payment, nil
}

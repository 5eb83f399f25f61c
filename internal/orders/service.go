package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-api/internal/models"
	"settlement-api/pkg/logging"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrConcurrentUpdate = errors.New("order was modified concurrently")

// TransitionHook runs inside the transition's database transaction. An error
// rolls the whole transition back.
type TransitionHook interface {
	OnTransition(ctx context.Context, tx *gorm.DB, order *models.Order, from, to string) error
}

// ReferralResolver turns a referral token into an affiliate id.
type ReferralResolver interface {
	Resolve(ctx context.Context, token string, buyerID uint) (uint, error)
}

// Service owns order persistence and the status state machine.
type Service struct {
	db        *gorm.DB
	catalog   *StatusCatalog
	referrals ReferralResolver
	hooks     []TransitionHook
	now       func() time.Time
}

// NewService creates a new order service
func NewService(db *gorm.DB, catalog *StatusCatalog, referrals ReferralResolver) *Service {
	return &Service{
		db:        db,
		catalog:   catalog,
		referrals: referrals,
		now:       time.Now,
	}
}

// AddHook registers a transition hook. Hooks run in registration order.
func (s *Service) AddHook(h TransitionHook) {
	s.hooks = append(s.hooks, h)
}

// Catalog returns the status catalog.
func (s *Service) Catalog() *StatusCatalog {
	return s.catalog
}

// DB returns the underlying handle for callers that open their own transaction.
func (s *Service) DB() *gorm.DB {
	return s.db
}

// Create stores a new cart. Item eligibility and product ids are copied from the
// product table when the SKU is known.
func (s *Service) Create(ctx context.Context, order *models.Order) error {
	if len(order.Items) == 0 {
		return ErrEmptyOrder
	}
	if order.Status == "" {
		order.Status = models.StatusCart
	}
	if order.Status != models.StatusCart {
		return ErrNotCart
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range order.Items {
			item := &order.Items[i]
			if item.Quantity <= 0 {
				return fmt.Errorf("item %s: quantity must be positive", item.SKU)
			}
			var product models.Product
			err := tx.Where("sku = ?", item.SKU).First(&product).Error
			if err == nil {
				item.ProductID = product.ID
				item.AffiliateEligible = product.AffiliateEligible
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		if err := Recalculate(order); err != nil {
			return err
		}
		return tx.Create(order).Error
	})
}

// Get loads an order with items and credits.
func (s *Service) Get(ctx context.Context, id uint) (*models.Order, error) {
	return load(s.db.WithContext(ctx), "id = ?", id, false)
}

// GetByReference loads an order by its gateway reference.
func (s *Service) GetByReference(ctx context.Context, reference string) (*models.Order, error) {
	if reference == "" {
		return nil, ErrOrderNotFound
	}
	return load(s.db.WithContext(ctx), "reference = ?", reference, false)
}

// LoadForUpdate reloads an order inside tx with a row lock where the database supports it.
func (s *Service) LoadForUpdate(tx *gorm.DB, id uint) (*models.Order, error) {
	return load(tx, "id = ?", id, true)
}

func load(db *gorm.DB, query string, arg interface{}, forUpdate bool) (*models.Order, error) {
	q := db
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var order models.Order
	err := q.Preload("Items").Preload("Credits").Where(query, arg).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// Checkout submits a cart: cart → pending, assigns the gateway reference and
// invoice number, and resolves the referral token if one was presented.
func (s *Service) Checkout(ctx context.Context, orderID, userID uint, referralToken string) (*models.Order, error) {
	// resolved outside the transaction: the resolver reads through its own handle
	var referrer uint
	if referralToken != "" && s.referrals != nil {
		affiliateID, err := s.referrals.Resolve(ctx, referralToken, userID)
		if err != nil {
			logging.Infof("Ignoring referral token for order %d: %v", orderID, err)
		} else {
			referrer = affiliateID
		}
	}

	var order *models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = s.LoadForUpdate(tx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return ErrOrderNotFound
		}
		if order.Status != models.StatusCart {
			return fmt.Errorf("%w: status is %s", ErrNotCart, order.Status)
		}
		if len(order.Items) == 0 {
			return ErrEmptyOrder
		}
		if err := Recalculate(order); err != nil {
			return err
		}
		if err := Validate(s.catalog, order, models.StatusPending); err != nil {
			return err
		}

		now := s.now()
		ref := uuid.NewString()
		updates := map[string]interface{}{
			"status":         models.StatusPending,
			"total":          order.Total,
			"reference":      ref,
			"invoice_number": fmt.Sprintf("INV-%s-%06d", now.Format("20060102"), order.ID),
			"placed_at":      now,
		}

		if referrer != 0 {
			updates["referral_affiliate_id"] = referrer
		}

		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", order.ID, models.StatusCart).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrConcurrentUpdate
		}

		order, err = load(tx, "id = ?", order.ID, false)
		return err
	})
	if err != nil {
		return nil, err
	}

	logging.Infof("Order checked out - order: %d, reference: %s, total: %s %s",
		order.ID, order.ReferenceString(), order.Total.StringFixed(2), order.Currency)
	return order, nil
}

// ApplyCredit adds a credit inside tx. A credit with the same code is applied
// once; a credit that would push the total below zero is rejected.
func (s *Service) ApplyCredit(tx *gorm.DB, order *models.Order, credit models.OrderCredit) error {
	if !credit.Amount.IsPositive() {
		return fmt.Errorf("credit amount must be positive")
	}
	for _, c := range order.Credits {
		if c.Code != "" && c.Code == credit.Code {
			return nil
		}
	}

	credit.OrderID = order.ID
	order.Credits = append(order.Credits, credit)
	if err := Recalculate(order); err != nil {
		order.Credits = order.Credits[:len(order.Credits)-1]
		return err
	}

	if err := tx.Create(&order.Credits[len(order.Credits)-1]).Error; err != nil {
		return fmt.Errorf("failed to store credit: %w", err)
	}
	return tx.Model(&models.Order{}).Where("id = ?", order.ID).Update("total", order.Total).Error
}

// AddCredit applies a credit to a payable order in its own transaction. Credits
// stored this way are the only ones a settlement will honor.
func (s *Service) AddCredit(ctx context.Context, orderID uint, credit models.OrderCredit) (*models.Order, error) {
	var order *models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = s.LoadForUpdate(tx, orderID)
		if err != nil {
			return err
		}
		if !IsPayable(order.Status) {
			return fmt.Errorf("%w: order %d is %s", ErrOrderAlreadySettled, order.ID, order.Status)
		}
		return s.ApplyCredit(tx, order, credit)
	})
	if err != nil {
		return nil, err
	}
	logging.Infof("Credit applied - order: %d, code: %s, amount: %s", order.ID, credit.Code, credit.Amount.StringFixed(2))
	return order, nil
}

// RecordPayment adds a verified payment to the order inside tx.
func (s *Service) RecordPayment(tx *gorm.DB, order *models.Order, amount decimal.Decimal, gateway string) error {
	now := s.now()
	order.AmountPaid = order.AmountPaid.Add(amount)
	order.Gateway = gateway
	order.PaidAt = &now
	return tx.Model(&models.Order{}).Where("id = ?", order.ID).Updates(map[string]interface{}{
		"amount_paid": order.AmountPaid,
		"gateway":     gateway,
		"paid_at":     now,
	}).Error
}

// RecordRefund subtracts a refunded amount inside tx.
func (s *Service) RecordRefund(tx *gorm.DB, order *models.Order, amount decimal.Decimal) error {
	order.AmountPaid = order.AmountPaid.Sub(amount)
	if order.AmountPaid.IsNegative() {
		order.AmountPaid = decimal.Zero
	}
	order.AmountRefunded = order.AmountRefunded.Add(amount)
	return tx.Model(&models.Order{}).Where("id = ?", order.ID).Updates(map[string]interface{}{
		"amount_paid":     order.AmountPaid,
		"amount_refunded": order.AmountRefunded,
	}).Error
}

// Transition moves order to status `to` inside tx, running hooks. The update is
// conditional on the status the caller loaded, so a concurrent change fails.
func (s *Service) Transition(ctx context.Context, tx *gorm.DB, order *models.Order, to, reason string) error {
	from := order.Status
	if err := Validate(s.catalog, order, to); err != nil {
		return err
	}

	updates := map[string]interface{}{"status": to}
	if to == models.StatusArchived {
		updates["archived_at"] = s.now()
	}
	res := tx.Model(&models.Order{}).Where("id = ? AND status = ?", order.ID, from).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update order status: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return ErrConcurrentUpdate
	}
	order.Status = to

	for _, h := range s.hooks {
		if err := h.OnTransition(ctx, tx, order, from, to); err != nil {
			order.Status = from
			return err
		}
	}

	logging.Infof("Order status changed - order: %d, %s -> %s, reason: %s", order.ID, from, to, reason)
	return nil
}

// TransitionByID is the administrative entry point: it opens its own transaction.
func (s *Service) TransitionByID(ctx context.Context, id uint, to, reason string) (*models.Order, string, error) {
	var order *models.Order
	var from string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = s.LoadForUpdate(tx, id)
		if err != nil {
			return err
		}
		from = order.Status
		return s.Transition(ctx, tx, order, to, reason)
	})
	if err != nil {
		return nil, "", err
	}
	return order, from, nil
}

// IsReversal reports whether from → to undoes a sale.
func (s *Service) IsReversal(from, to string) bool {
	return isReversal(s.catalog, from, to)
}

// History returns the buyer's customer-viewable orders, newest first.
func (s *Service) History(ctx context.Context, userID uint) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.WithContext(ctx).
		Preload("Items").Preload("Credits").
		Where("user_id = ? AND status IN ?", userID, s.catalog.CustomerViewableCodes()).
		Order("id DESC").
		Find(&orders).Error
	return orders, err
}

// Archive moves closed and refunded orders last touched before the cutoff to archived.
func (s *Service) Archive(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)

	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("status IN ? AND updated_at < ?", []string{models.StatusClosed, models.StatusRefunded}, cutoff).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, id := range ids {
		if _, _, err := s.TransitionByID(ctx, id, models.StatusArchived, "retention"); err != nil {
			logging.Errorf("Failed to archive order %d: %v", id, err)
			continue
		}
		archived++
	}
	return archived, nil
}

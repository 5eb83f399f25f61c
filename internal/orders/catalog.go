package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"settlement-api/internal/models"

	"gorm.io/gorm"
)

// StatusCatalog is the in-memory view of the order_statuses table. Status facets
// are always looked up here, never assumed from the code.
type StatusCatalog struct {
	mu     sync.RWMutex
	byCode map[string]models.OrderStatus
}

// LoadCatalog reads every status row.
func LoadCatalog(ctx context.Context, db *gorm.DB) (*StatusCatalog, error) {
	c := &StatusCatalog{}
	if err := c.Reload(ctx, db); err != nil {
		return nil, err
	}
	return c, nil
}

// NewCatalog builds a catalog from rows, for callers that already hold them.
func NewCatalog(rows []models.OrderStatus) *StatusCatalog {
	c := &StatusCatalog{}
	c.set(rows)
	return c
}

// Reload refreshes the catalog after an administrator edits statuses.
func (c *StatusCatalog) Reload(ctx context.Context, db *gorm.DB) error {
	var rows []models.OrderStatus
	if err := db.WithContext(ctx).Order("sort_order").Find(&rows).Error; err != nil {
		return fmt.Errorf("failed to load order statuses: %w", err)
	}
	c.set(rows)
	return nil
}

func (c *StatusCatalog) set(rows []models.OrderStatus) {
	byCode := make(map[string]models.OrderStatus, len(rows))
	for _, r := range rows {
		byCode[r.Code] = r
	}
	c.mu.Lock()
	c.byCode = byCode
	c.mu.Unlock()
}

// Lookup returns the status row for code.
func (c *StatusCatalog) Lookup(code string) (models.OrderStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byCode[code]
	return s, ok
}

func (c *StatusCatalog) Enabled(code string) bool {
	s, ok := c.Lookup(code)
	return ok && s.Enabled
}

func (c *StatusCatalog) IsValid(code string) bool {
	s, ok := c.Lookup(code)
	return ok && s.Valid
}

func (c *StatusCatalog) IsClosed(code string) bool {
	s, ok := c.Lookup(code)
	return ok && s.Closed
}

func (c *StatusCatalog) IsCustomerViewable(code string) bool {
	s, ok := c.Lookup(code)
	return ok && s.CustomerViewable
}

// IsAffiliateEligible reports whether orders in code earn commission.
func (c *StatusCatalog) IsAffiliateEligible(code string) bool {
	s, ok := c.Lookup(code)
	return ok && s.Valid && s.AffiliateEligible
}

// AffiliateEligibleCodes lists statuses whose orders may be paid out to affiliates.
func (c *StatusCatalog) AffiliateEligibleCodes() []string {
	return c.codes(func(s models.OrderStatus) bool { return s.Valid && s.AffiliateEligible })
}

// CustomerViewableCodes lists statuses shown in the buyer's order history.
func (c *StatusCatalog) CustomerViewableCodes() []string {
	return c.codes(func(s models.OrderStatus) bool { return s.CustomerViewable })
}

func (c *StatusCatalog) codes(keep func(models.OrderStatus) bool) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for code, s := range c.byCode {
		if keep(s) {
			out = append(out, code)
		}
	}
	sort.Strings(out)
	return out
}

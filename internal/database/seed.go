package database

import (
	"fmt"

	"settlement-api/internal/models"
	"settlement-api/pkg/logging"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultOrderStatuses is the status configuration inserted on first start.
// Administrators may edit or add rows afterwards; existing rows are never overwritten.
var DefaultOrderStatuses = []models.OrderStatus{
	{Code: models.StatusCart, Label: "Cart", SortOrder: 10},
	{Code: models.StatusPending, Label: "Pending", Valid: true, CustomerViewable: true, SortOrder: 20},
	{Code: models.StatusInvoiced, Label: "Invoiced", Valid: true, CustomerViewable: true, SortOrder: 30},
	{Code: models.StatusProcessing, Label: "Processing", Valid: true, CustomerViewable: true, AffiliateEligible: true, SortOrder: 40},
	{Code: models.StatusShipped, Label: "Shipped", Valid: true, CustomerViewable: true, AffiliateEligible: true, SortOrder: 50},
	{Code: models.StatusRefunded, Label: "Refunded", Closed: true, CustomerViewable: true, SortOrder: 60},
	{Code: models.StatusClosed, Label: "Closed", Valid: true, Closed: true, CustomerViewable: true, AffiliateEligible: true, SortOrder: 70},
	{Code: models.StatusCanceled, Label: "Canceled", Closed: true, SortOrder: 80},
	{Code: models.StatusArchived, Label: "Archived", Closed: true, SortOrder: 90},
}

// SeedOrderStatuses inserts default data
func SeedOrderStatuses(db *gorm.DB) error {
	for _, status := range DefaultOrderStatuses {
		row := status
		row.Enabled = true
		// Use FirstOrCreate to avoid duplicates
		if err := db.Where("code = ?", row.Code).FirstOrCreate(&row).Error; err != nil {
			return fmt.Errorf("failed to create order status %s: %w", row.Code, err)
		}
	}

	logging.Infof("Default order statuses inserted successfully")
	return nil
}

// OpenMemory opens a private in-memory SQLite database with the schema migrated
// and default statuses seeded. Used by tests and local tooling.
func OpenMemory() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := OpenSQLite(dsn, logger.Silent)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	if err := SeedOrderStatuses(db); err != nil {
		return nil, err
	}
	return db, nil
}

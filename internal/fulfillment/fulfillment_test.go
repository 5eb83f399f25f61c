package fulfillment

import (
	"context"
	"testing"

	"settlement-api/internal/database"
	"settlement-api/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setup(t *testing.T) (*gorm.DB, *models.Order, *models.Product) {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)

	product := &models.Product{SKU: "MUG", OnHand: 10, Reserved: 2}
	require.NoError(t, db.Create(product).Error)

	order := &models.Order{
		UserID: 1, Currency: "USD", Status: models.StatusProcessing,
		Items: []models.OrderItem{
			{ProductID: product.ID, SKU: "MUG", Quantity: 2, UnitPrice: decimal.RequireFromString("8.00")},
		},
	}
	require.NoError(t, db.Create(order).Error)
	return db, order, product
}

func TestFulfillTakesStockOnce(t *testing.T) {
	db, order, product := setup(t)
	p := NewPipeline()

	require.NoError(t, p.Fulfill(context.Background(), db, order, 5))
	require.NoError(t, p.Fulfill(context.Background(), db, order, 5))

	var stored models.Product
	require.NoError(t, db.First(&stored, product.ID).Error)
	assert.Equal(t, 8, stored.OnHand)
	assert.Equal(t, 0, stored.Reserved)

	var item models.OrderItem
	require.NoError(t, db.First(&item, order.Items[0].ID).Error)
	assert.Len(t, item.FulfillmentToken, 36)

	var record models.Fulfillment
	require.NoError(t, db.Where("order_id = ?", order.ID).First(&record).Error)
	assert.Equal(t, models.FulfillmentDone, record.Status)
	assert.Equal(t, uint(5), record.TransactionID)
}

func TestReversalRestocks(t *testing.T) {
	db, order, product := setup(t)
	p := NewPipeline()
	ctx := context.Background()

	require.NoError(t, p.Fulfill(ctx, db, order, 1))
	require.NoError(t, p.OnTransition(ctx, db, order, models.StatusProcessing, models.StatusShipped))

	var stored models.Product
	require.NoError(t, db.First(&stored, product.ID).Error)
	assert.Equal(t, 8, stored.OnHand)

	require.NoError(t, p.OnTransition(ctx, db, order, models.StatusProcessing, models.StatusRefunded))
	// a second reversal is a no-op
	require.NoError(t, p.Reverse(ctx, db, order))

	require.NoError(t, db.First(&stored, product.ID).Error)
	assert.Equal(t, 10, stored.OnHand)

	var record models.Fulfillment
	require.NoError(t, db.Where("order_id = ?", order.ID).First(&record).Error)
	assert.Equal(t, models.FulfillmentReversed, record.Status)
	assert.NotNil(t, record.ReversedAt)
}

func TestReverseWithoutFulfillment(t *testing.T) {
	db, order, product := setup(t)
	require.NoError(t, NewPipeline().Reverse(context.Background(), db, order))

	var stored models.Product
	require.NoError(t, db.First(&stored, product.ID).Error)
	assert.Equal(t, 10, stored.OnHand)
}

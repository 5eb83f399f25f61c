package orders

import (
	"testing"

	"settlement-api/internal/database"
	"settlement-api/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func defaultCatalog() *StatusCatalog {
	rows := make([]models.OrderStatus, 0, len(database.DefaultOrderStatuses))
	for _, s := range database.DefaultOrderStatuses {
		s.Enabled = true
		rows = append(rows, s)
	}
	return NewCatalog(rows)
}

func TestCanTransition(t *testing.T) {
	catalog := defaultCatalog()

	tests := []struct {
		from, to string
		wantErr  error
	}{
		{models.StatusCart, models.StatusPending, nil},
		{models.StatusPending, models.StatusProcessing, nil},
		{models.StatusPending, models.StatusRefunded, nil},
		{models.StatusInvoiced, models.StatusProcessing, nil},
		{models.StatusProcessing, models.StatusShipped, nil},
		{models.StatusClosed, models.StatusArchived, nil},
		{models.StatusCart, models.StatusProcessing, ErrInvalidTransition},
		{models.StatusCanceled, models.StatusPending, ErrInvalidTransition},
		{models.StatusArchived, models.StatusClosed, ErrInvalidTransition},
		{models.StatusPending, models.StatusPaid, ErrInvalidTransition},
		{models.StatusPending, models.StatusArchived, ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			err := CanTransition(catalog, tt.from, tt.to)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestCanTransitionDisabledStatus(t *testing.T) {
	rows := make([]models.OrderStatus, 0, len(database.DefaultOrderStatuses))
	for _, s := range database.DefaultOrderStatuses {
		s.Enabled = s.Code != models.StatusInvoiced
		rows = append(rows, s)
	}
	catalog := NewCatalog(rows)

	assert.ErrorIs(t, CanTransition(catalog, models.StatusPending, models.StatusInvoiced), ErrStatusDisabled)
	assert.NoError(t, CanTransition(catalog, models.StatusPending, models.StatusProcessing))
}

func TestValidateBalanceGuard(t *testing.T) {
	catalog := defaultCatalog()
	order := &models.Order{
		Status:     models.StatusPending,
		Currency:   "USD",
		Total:      decimal.RequireFromString("25.00"),
		AmountPaid: decimal.RequireFromString("10.00"),
	}

	assert.ErrorIs(t, Validate(catalog, order, models.StatusProcessing), ErrBalanceDue)
	assert.NoError(t, Validate(catalog, order, models.StatusInvoiced))
	assert.NoError(t, Validate(catalog, order, models.StatusCanceled))

	order.AmountPaid = decimal.RequireFromString("25.00")
	assert.NoError(t, Validate(catalog, order, models.StatusProcessing))
}

func TestIsReversal(t *testing.T) {
	catalog := defaultCatalog()

	assert.True(t, isReversal(catalog, models.StatusProcessing, models.StatusRefunded))
	assert.True(t, isReversal(catalog, models.StatusPending, models.StatusCanceled))
	assert.True(t, isReversal(catalog, models.StatusClosed, models.StatusRefunded))
	assert.False(t, isReversal(catalog, models.StatusProcessing, models.StatusShipped))
	assert.False(t, isReversal(catalog, models.StatusRefunded, models.StatusArchived))
}

func TestCatalogFacets(t *testing.T) {
	catalog := defaultCatalog()

	assert.True(t, catalog.IsValid(models.StatusPending))
	assert.False(t, catalog.IsAffiliateEligible(models.StatusPending))
	assert.True(t, catalog.IsAffiliateEligible(models.StatusProcessing))
	assert.False(t, catalog.IsValid(models.StatusCanceled))
	assert.False(t, catalog.IsCustomerViewable(models.StatusCart))
	assert.False(t, catalog.Enabled("unknown"))

	assert.Equal(t,
		[]string{models.StatusClosed, models.StatusProcessing, models.StatusShipped},
		catalog.AffiliateEligibleCodes())
	assert.True(t, IsPayable(models.StatusInvoiced))
	assert.False(t, IsPayable(models.StatusProcessing))
}

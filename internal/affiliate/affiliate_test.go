package affiliate

import (
	"context"
	"errors"
	"testing"
	"time"

	"settlement-api/internal/database"
	"settlement-api/internal/gateway"
	"settlement-api/internal/models"
	"settlement-api/internal/orders"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestDB(t *testing.T) (*gorm.DB, *orders.StatusCatalog) {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	catalog, err := orders.LoadCatalog(context.Background(), db)
	require.NoError(t, err)
	return db, catalog
}

func createAffiliate(t *testing.T, db *gorm.DB, userID uint, code, method string) *models.Affiliate {
	t.Helper()
	aff := &models.Affiliate{
		UserID: userID, Code: code, CommissionPercent: d("5"), PayoutMethod: method,
		PayoutAccount: code + "@example.com", Active: true,
	}
	require.NoError(t, db.Create(aff).Error)
	return aff
}

func TestCommissionRounding(t *testing.T) {
	assert.Equal(t, "1.00", Commission(d("19.99"), d("5")).StringFixed(2))
	assert.Equal(t, "0.01", Commission(d("0.10"), d("5")).StringFixed(2))
	assert.True(t, Commission(d("0.09"), d("5")).IsZero(), "0.0045 rounds to zero")
}

func TestAccrue(t *testing.T) {
	db, catalog := newTestDB(t)
	aff := createAffiliate(t, db, 100, "alice", "paypal")

	special := &models.Product{SKU: "SPECIAL", AffiliateEligible: true,
		CommissionPercent: decimal.NewNullDecimal(d("10"))}
	require.NoError(t, db.Create(special).Error)

	order := &models.Order{
		UserID: 7, Currency: "USD", Status: models.StatusProcessing, ReferralAffiliateID: &aff.ID,
		Items: []models.OrderItem{
			{SKU: "BOOK", Quantity: 1, UnitPrice: d("19.99"), AffiliateEligible: true},
			{ProductID: special.ID, SKU: "SPECIAL", Quantity: 2, UnitPrice: d("10.00"), AffiliateEligible: true},
			{SKU: "GIFT", Quantity: 1, UnitPrice: d("50.00")},
			{SKU: "TINY", Quantity: 1, UnitPrice: d("0.09"), AffiliateEligible: true},
		},
	}
	require.NoError(t, db.Create(order).Error)

	engine := NewEngine(catalog)
	sale, err := engine.Accrue(context.Background(), db, order)
	require.NoError(t, err)
	require.NotNil(t, sale)
	require.Len(t, sale.Items, 2)
	assert.Equal(t, "1.00", sale.Items[0].Commission.StringFixed(2))
	assert.Equal(t, "2.00", sale.Items[1].Commission.StringFixed(2))

	again, err := engine.Accrue(context.Background(), db, order)
	require.NoError(t, err)
	assert.Nil(t, again, "one sale per order")

	var count int64
	require.NoError(t, db.Model(&models.AffiliateSale{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAccrueSkipsSelfReferral(t *testing.T) {
	db, catalog := newTestDB(t)
	aff := createAffiliate(t, db, 7, "self", "paypal")

	order := &models.Order{
		UserID: 7, Currency: "USD", Status: models.StatusProcessing, ReferralAffiliateID: &aff.ID,
		Items: []models.OrderItem{{SKU: "BOOK", Quantity: 1, UnitPrice: d("20"), AffiliateEligible: true}},
	}
	require.NoError(t, db.Create(order).Error)

	sale, err := NewEngine(catalog).Accrue(context.Background(), db, order)
	require.NoError(t, err)
	assert.Nil(t, sale)
}

func TestOnTransition(t *testing.T) {
	db, catalog := newTestDB(t)
	aff := createAffiliate(t, db, 100, "alice", "paypal")
	order := &models.Order{
		UserID: 7, Currency: "USD", Status: models.StatusProcessing, ReferralAffiliateID: &aff.ID,
		Items: []models.OrderItem{{SKU: "BOOK", Quantity: 1, UnitPrice: d("20"), AffiliateEligible: true}},
	}
	require.NoError(t, db.Create(order).Error)
	engine := NewEngine(catalog)
	ctx := context.Background()

	// pending is valid but not eligible
	require.NoError(t, engine.OnTransition(ctx, db, order, models.StatusCart, models.StatusPending))
	var count int64
	require.NoError(t, db.Model(&models.AffiliateSale{}).Count(&count).Error)
	assert.Zero(t, count)

	require.NoError(t, engine.OnTransition(ctx, db, order, models.StatusPending, models.StatusProcessing))
	require.NoError(t, db.Model(&models.AffiliateSale{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	require.NoError(t, engine.OnTransition(ctx, db, order, models.StatusProcessing, models.StatusRefunded))
	require.NoError(t, db.Model(&models.AffiliateSale{}).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, db.Model(&models.AffiliateSaleItem{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestReversePaidSaleRecordsIncident(t *testing.T) {
	db, catalog := newTestDB(t)
	aff := createAffiliate(t, db, 100, "alice", "paypal")
	paymentID := uint(99)
	order := &models.Order{UserID: 7, Currency: "USD", Status: models.StatusProcessing}
	require.NoError(t, db.Create(order).Error)
	require.NoError(t, db.Create(&models.AffiliateSale{
		AffiliateID: aff.ID, OrderID: order.ID, SaleDate: time.Now(), PaymentID: &paymentID,
	}).Error)

	require.NoError(t, NewEngine(catalog).Reverse(context.Background(), db, order))

	var count int64
	require.NoError(t, db.Model(&models.AffiliateSale{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var incident models.SettlementIncident
	require.NoError(t, db.First(&incident).Error)
	assert.Equal(t, models.IncidentPaidCommission, incident.Kind)
}

// seedSale stores an aged sale for affiliate with one commission line.
func seedSale(t *testing.T, db *gorm.DB, affiliateID uint, commission string, status string, age time.Duration) *models.AffiliateSale {
	t.Helper()
	order := &models.Order{UserID: 1, Currency: "USD", Status: status}
	require.NoError(t, db.Create(order).Error)
	sale := &models.AffiliateSale{
		AffiliateID: affiliateID,
		OrderID:     order.ID,
		SaleDate:    time.Now().Add(-age),
		Items: []models.AffiliateSaleItem{
			{NetTotal: d("100"), Percent: d("5"), Commission: d(commission)},
		},
	}
	require.NoError(t, db.Create(sale).Error)
	return sale
}

func newBatcher(db *gorm.DB, catalog *orders.StatusCatalog) *Batcher {
	return NewBatcher(db, catalog, BatchOptions{MinPayout: d("10"), Currency: "USD", Delay: 30 * 24 * time.Hour})
}

func TestBatchControlBreak(t *testing.T) {
	db, catalog := newTestDB(t)
	a := createAffiliate(t, db, 100, "a", "paypal")
	b := createAffiliate(t, db, 200, "b", "paypal")
	aged := 40 * 24 * time.Hour

	// A 12, B 8, then A 3 again out of grouping order
	saleA1 := seedSale(t, db, a.ID, "12.00", models.StatusProcessing, aged)
	saleB := seedSale(t, db, b.ID, "8.00", models.StatusShipped, aged)
	saleA2 := seedSale(t, db, a.ID, "3.00", models.StatusClosed, aged)

	result, err := newBatcher(db, catalog).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Payments, 1)
	assert.Equal(t, a.ID, result.Payments[0].AffiliateID)
	assert.Equal(t, "15.00", result.Payments[0].Amount.StringFixed(2))
	assert.Equal(t, "paypal", result.Payments[0].Method)
	assert.Equal(t, []uint{b.ID}, result.Held)

	for _, id := range []uint{saleA1.ID, saleA2.ID} {
		var s models.AffiliateSale
		require.NoError(t, db.First(&s, id).Error)
		require.NotNil(t, s.PaymentID)
		assert.Equal(t, result.Payments[0].ID, *s.PaymentID)
	}
	var held models.AffiliateSale
	require.NoError(t, db.First(&held, saleB.ID).Error)
	assert.Nil(t, held.PaymentID)

	// re-running pays nothing new
	again, err := newBatcher(db, catalog).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again.Payments)
}

func TestBatchFlushesLastGroup(t *testing.T) {
	db, catalog := newTestDB(t)
	a := createAffiliate(t, db, 100, "a", "paypal")
	b := createAffiliate(t, db, 200, "b", "bank")
	aged := 40 * 24 * time.Hour

	seedSale(t, db, a.ID, "5.00", models.StatusProcessing, aged)
	seedSale(t, db, b.ID, "20.00", models.StatusProcessing, aged)

	result, err := newBatcher(db, catalog).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Payments, 1, "the final affiliate in sorted order must be flushed")
	assert.Equal(t, b.ID, result.Payments[0].AffiliateID)
	assert.Equal(t, "bank", result.Payments[0].Method)
}

func TestBatchSkipsYoungAndIneligible(t *testing.T) {
	db, catalog := newTestDB(t)
	a := createAffiliate(t, db, 100, "a", "paypal")

	seedSale(t, db, a.ID, "50.00", models.StatusProcessing, time.Hour)
	seedSale(t, db, a.ID, "50.00", models.StatusPending, 40*24*time.Hour)
	seedSale(t, db, a.ID, "50.00", models.StatusCanceled, 40*24*time.Hour)

	result, err := newBatcher(db, catalog).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Payments)
	assert.Empty(t, result.Held)
}

type fakePayouter struct {
	method string
	err    error
	got    []gateway.PayoutItem
}

func (f *fakePayouter) PayoutMethod() string { return f.method }

func (f *fakePayouter) Payout(_ context.Context, items []gateway.PayoutItem) ([]gateway.PayoutResult, error) {
	f.got = append(f.got, items...)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]gateway.PayoutResult, 0, len(items))
	for _, it := range items {
		out = append(out, gateway.PayoutResult{PaymentID: it.PaymentID, OK: true, ExternalID: "X-" + it.Receiver})
	}
	return out, nil
}

type payouters map[string]gateway.Payouter

func (p payouters) Payouter(method string) (gateway.Payouter, bool) {
	out, ok := p[method]
	return out, ok
}

func TestDispatchIsolatesFailingMethod(t *testing.T) {
	db, _ := newTestDB(t)
	a := createAffiliate(t, db, 100, "a", "paypal")
	b := createAffiliate(t, db, 200, "b", "bank")
	c := createAffiliate(t, db, 300, "c", "crypto")

	payPaypal := &models.AffiliatePayment{AffiliateID: a.ID, Amount: d("15"), Currency: "USD", Method: "paypal"}
	payBank := &models.AffiliatePayment{AffiliateID: b.ID, Amount: d("20"), Currency: "USD", Method: "bank"}
	payCrypto := &models.AffiliatePayment{AffiliateID: c.ID, Amount: d("30"), Currency: "USD", Method: "crypto"}
	for _, p := range []*models.AffiliatePayment{payPaypal, payBank, payCrypto} {
		require.NoError(t, db.Create(p).Error)
	}

	paypal := &fakePayouter{method: "paypal"}
	bank := &fakePayouter{method: "bank", err: errors.New("bank down")}
	result, err := NewDispatcher(db, payouters{"paypal": paypal, "bank": bank}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 2, result.Failed)
	assert.Contains(t, result.Errors["bank"], "bank down")
	assert.Contains(t, result.Errors["crypto"], "no payout gateway")

	var stored models.AffiliatePayment
	require.NoError(t, db.First(&stored, payPaypal.ID).Error)
	assert.Equal(t, "X-a@example.com", stored.ExternalPayoutID)
	assert.NotNil(t, stored.PaidAt)

	var bankPayment models.AffiliatePayment
	require.NoError(t, db.First(&bankPayment, payBank.ID).Error)
	assert.Empty(t, bankPayment.ExternalPayoutID)
	assert.Nil(t, bankPayment.PaidAt)
	assert.Equal(t, "bank down", bankPayment.DispatchError)

	// a second run only retries what is still unpaid
	paypal.got = nil
	_, err = NewDispatcher(db, payouters{"paypal": paypal}).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, paypal.got)
}

func TestReferralTokens(t *testing.T) {
	db, _ := newTestDB(t)
	aff := createAffiliate(t, db, 100, "alice", "paypal")
	inactive := createAffiliate(t, db, 101, "bob", "paypal")
	require.NoError(t, db.Model(inactive).Update("active", false).Error)

	refs := NewReferrals(db, "secret", time.Hour)
	ctx := context.Background()

	token, err := refs.Issue(ctx, "alice")
	require.NoError(t, err)

	id, err := refs.Resolve(ctx, token, 7)
	require.NoError(t, err)
	assert.Equal(t, aff.ID, id)

	_, err = refs.Resolve(ctx, token, 100)
	assert.ErrorIs(t, err, ErrSelfReferral)

	_, err = refs.Issue(ctx, "bob")
	assert.ErrorIs(t, err, ErrAffiliateInactive)

	_, err = refs.Resolve(ctx, token+"x", 7)
	assert.ErrorIs(t, err, ErrReferralInvalid)

	refs.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = refs.Resolve(ctx, token, 7)
	assert.ErrorIs(t, err, ErrReferralExpired)

	other := NewReferrals(db, "other-secret", time.Hour)
	_, err = other.Resolve(ctx, token, 7)
	assert.ErrorIs(t, err, ErrReferralInvalid)
}

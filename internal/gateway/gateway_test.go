package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"settlement-api/internal/config"
	"settlement-api/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("envelope-key")

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		UserID:        7,
		OrderID:       42,
		Reference:     "ref-1",
		CreditApplied: decimal.RequireFromString("5.25"),
		TxnType:       TxnTypeGiftCard,
	}

	sealed, err := env.Seal(testKey)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "v1."))
	assert.Len(t, strings.Split(sealed, "."), 3)

	decoded, err := OpenEnvelope(sealed, testKey)
	require.NoError(t, err)
	assert.Equal(t, uint(7), decoded.UserID)
	assert.Equal(t, uint(42), decoded.OrderID)
	assert.Equal(t, "ref-1", decoded.Reference)
	assert.True(t, decoded.CreditApplied.Equal(decimal.RequireFromString("5.25")))
	assert.Equal(t, TxnTypeGiftCard, decoded.TxnType)
}

func TestOpenEnvelopeRejectsGarbage(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"no version", "eyJvIjoxfQ"},
		{"unsigned", "v1.eyJvIjoxfQ"},
		{"unknown version", "v9.eyJvIjoxfQ.sig"},
		{"bad signature", "v1.eyJvIjoxfQ.c2ln"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OpenEnvelope(tt.input, testKey)
			assert.ErrorIs(t, err, ErrBadEnvelope)
		})
	}
}

func TestOpenEnvelopeRejectsTamperedCredit(t *testing.T) {
	sealed, err := Envelope{UserID: 7, OrderID: 42}.Seal(testKey)
	require.NoError(t, err)
	parts := strings.Split(sealed, ".")

	forged, err := json.Marshal(Envelope{UserID: 7, OrderID: 42, CreditApplied: decimal.RequireFromString("24.99")})
	require.NoError(t, err)
	tampered := parts[0] + "." + base64.RawURLEncoding.EncodeToString(forged) + "." + parts[2]

	_, err = OpenEnvelope(tampered, testKey)
	assert.ErrorIs(t, err, ErrBadEnvelope)

	_, err = OpenEnvelope(sealed, []byte("other-key"))
	assert.ErrorIs(t, err, ErrBadEnvelope)
}

func TestSealedEnvelopeContentChecks(t *testing.T) {
	seal := func(body string) string {
		payload := "v1." + base64.RawURLEncoding.EncodeToString([]byte(body))
		return payload + "." + envelopeMAC(testKey, payload)
	}

	_, err := OpenEnvelope(seal(`{"u":1}`), testKey)
	assert.ErrorIs(t, err, ErrBadEnvelope, "missing order")
	_, err = OpenEnvelope(seal(`{"o":1,"x":1}`), testKey)
	assert.ErrorIs(t, err, ErrBadEnvelope, "unknown field")
	_, err = OpenEnvelope(seal(`{"o":1,"c":"-1"}`), testKey)
	assert.ErrorIs(t, err, ErrBadEnvelope, "negative credit")

	_, err = Envelope{OrderID: 1}.Seal(nil)
	assert.ErrorIs(t, err, ErrBadEnvelope, "no key")
}

func TestEnvelopeDefaultsToSale(t *testing.T) {
	sealed, err := Envelope{OrderID: 3}.Seal(testKey)
	require.NoError(t, err)

	env, err := OpenEnvelope(sealed, testKey)
	require.NoError(t, err)
	assert.Equal(t, TxnTypeSale, env.TxnType)
}

func TestEnvelopeForCarriesPersistedCredit(t *testing.T) {
	ref := "ref-9"
	order := &models.Order{UserID: 7, Reference: &ref, Credits: []models.OrderCredit{
		{Amount: decimal.RequireFromString("3")},
		{Amount: decimal.RequireFromString("2.50")},
	}}
	order.ID = 9

	env := EnvelopeFor(order, TxnTypeSale)
	assert.Equal(t, uint(9), env.OrderID)
	assert.Equal(t, "ref-9", env.Reference)
	assert.True(t, env.CreditApplied.Equal(decimal.RequireFromString("5.50")))
}

type stubAdapter struct {
	Base
	method string
}

func (s *stubAdapter) BuildCheckoutPayload(context.Context, *models.Order) (*CheckoutPayload, error) {
	return &CheckoutPayload{Gateway: s.ID()}, nil
}

func (s *stubAdapter) Verify(context.Context, string) (*Verification, error) {
	return nil, errors.New("not implemented")
}

func (s *stubAdapter) Capture(context.Context, string, decimal.Decimal) (bool, error) {
	return false, ErrCaptureUnsupported
}

func (s *stubAdapter) PayoutMethod() string { return s.method }

func (s *stubAdapter) Payout(context.Context, []PayoutItem) ([]PayoutResult, error) {
	return nil, nil
}

func newStub(id string, caps, currencies []string, method string) *stubAdapter {
	return &stubAdapter{
		Base: Base{Config: config.GatewayConfig{
			ID: id, Enabled: true, Capabilities: caps, Currencies: currencies,
		}},
		method: method,
	}
}

func TestRegistryOffered(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newStub("paypal", []string{"checkout", "payouts"}, []string{"USD", "EUR"}, "paypal")))
	require.NoError(t, r.Register(newStub("stripe", []string{"checkout", "capture"}, []string{"USD", "JPY"}, "")))

	disabled := newStub("legacy", []string{"checkout"}, []string{"USD"}, "")
	disabled.Config.Enabled = false
	require.NoError(t, r.Register(disabled))

	ids := func(as []Adapter) []string {
		var out []string
		for _, a := range as {
			out = append(out, a.ID())
		}
		return out
	}

	assert.Equal(t, []string{"paypal", "stripe"}, ids(r.Offered("USD", CapabilityCheckout)))
	assert.Equal(t, []string{"stripe"}, ids(r.Offered("jpy", "")))
	assert.Equal(t, []string{"paypal"}, ids(r.Offered("", CapabilityPayouts)))

	_, err := r.Get("unknown")
	assert.ErrorIs(t, err, ErrUnknownGateway)

	assert.Error(t, r.Register(newStub("PayPal", nil, nil, "")))
}

func TestRegistryPayouter(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newStub("paypal", []string{"payouts"}, []string{"USD"}, "paypal")))
	require.NoError(t, r.Register(newStub("stripe", []string{"checkout"}, []string{"USD"}, "stripe")))

	p, ok := r.Payouter("PAYPAL")
	require.True(t, ok)
	assert.Equal(t, "paypal", p.PayoutMethod())

	// stripe implements Payouter but does not declare the capability
	_, ok = r.Payouter("stripe")
	assert.False(t, ok)
}

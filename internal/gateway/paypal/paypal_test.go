package paypal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"settlement-api/internal/config"
	"settlement-api/internal/gateway"
	"settlement-api/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePayPal struct {
	ipnAnswer   string
	postbacks   []string
	payoutItems int
	batchIDs    []string
}

func (f *fakePayPal) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/webscr", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.postbacks = append(f.postbacks, string(body))
		_, _ = w.Write([]byte(f.ipnAnswer))
	})
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "cid" || pass != "csecret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	})
	mux.HandleFunc("/v2/payments/captures/CAP-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"CAP-1","status":"COMPLETED","amount":{"value":"25.00","currency_code":"USD"}}`))
	})
	mux.HandleFunc("/v1/payments/payouts", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Header struct {
				SenderBatchID string `json:"sender_batch_id"`
			} `json:"sender_batch_header"`
			Items []json.RawMessage `json:"items"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		f.payoutItems = len(payload.Items)
		f.batchIDs = append(f.batchIDs, payload.Header.SenderBatchID)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"batch_header":{"payout_batch_id":"BATCH-1","batch_status":"PENDING"}}`))
	})
	return mux
}

const envelopeKey = "envelope-key"

func newAdapter(t *testing.T, fake *fakePayPal) *Adapter {
	t.Helper()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	a, err := New(config.GatewayConfig{
		ID:           ID,
		Enabled:      true,
		Capabilities: []string{"checkout", "payouts"},
		Currencies:   []string{"USD"},
		BaseURL:      server.URL,
		EnvelopeKey:  envelopeKey,
		Credentials: map[string]string{
			CredBusiness: "shop@example.com", CredClientID: "cid", CredClientSecret: "csecret",
		},
	}, "https://shop.example.com")
	require.NoError(t, err)
	return a
}

func ipnBody(t *testing.T, overrides map[string]string) []byte {
	t.Helper()
	custom, err := gateway.Envelope{UserID: 7, OrderID: 42}.Seal([]byte(envelopeKey))
	require.NoError(t, err)

	form := url.Values{
		"txn_id":         {"TX-1"},
		"payment_status": {"Completed"},
		"mc_gross":       {"25.00"},
		"mc_currency":    {"USD"},
		"invoice":        {"ref-42"},
		"custom":         {custom},
		"payer_email":    {"buyer@example.com"},
		"receiver_email": {"shop@example.com"},
	}
	for k, v := range overrides {
		form.Set(k, v)
	}
	return []byte(form.Encode())
}

func TestParseAndVerifyIPN(t *testing.T) {
	fake := &fakePayPal{ipnAnswer: "VERIFIED"}
	a := newAdapter(t, fake)
	ctx := context.Background()

	body := ipnBody(t, nil)
	n, err := a.ParseNotification(ctx, &gateway.Inbound{Gateway: ID, Body: body})
	require.NoError(t, err)
	assert.Equal(t, "TX-1", n.TxnID)
	assert.Equal(t, gateway.KindPayment, n.Kind)
	assert.Equal(t, uint(42), n.Envelope.OrderID)
	assert.Equal(t, "ref-42", n.Reference)
	assert.Equal(t, gateway.StatusCompleted, n.Status)

	v, err := a.VerifySigned(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, "25.00", v.Amount.StringFixed(2))
	assert.Equal(t, "USD", v.Currency)

	require.Len(t, fake.postbacks, 1)
	assert.True(t, strings.HasPrefix(fake.postbacks[0], "cmd=_notify-validate&"))
	assert.True(t, strings.HasSuffix(fake.postbacks[0], string(body)))
}

func TestVerifyFailsClosed(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid postback", func(t *testing.T) {
		a := newAdapter(t, &fakePayPal{ipnAnswer: "INVALID"})
		n, err := a.ParseNotification(ctx, &gateway.Inbound{Body: ipnBody(t, nil)})
		require.NoError(t, err)
		_, err = a.VerifySigned(ctx, n)
		assert.True(t, gateway.IsVerificationError(err))
	})

	t.Run("wrong receiver", func(t *testing.T) {
		a := newAdapter(t, &fakePayPal{ipnAnswer: "VERIFIED"})
		n, err := a.ParseNotification(ctx, &gateway.Inbound{Body: ipnBody(t, map[string]string{"receiver_email": "thief@example.com"})})
		require.NoError(t, err)
		_, err = a.VerifySigned(ctx, n)
		assert.True(t, gateway.IsVerificationError(err))
	})

	t.Run("unreachable", func(t *testing.T) {
		a := newAdapter(t, &fakePayPal{ipnAnswer: "VERIFIED"})
		a.ipnURL = "http://127.0.0.1:1/cgi-bin/webscr"
		n, err := a.ParseNotification(ctx, &gateway.Inbound{Body: ipnBody(t, nil)})
		require.NoError(t, err)
		_, err = a.VerifySigned(ctx, n)
		assert.True(t, gateway.IsVerificationError(err))
	})
}

func TestParseRejectsMalformed(t *testing.T) {
	a := newAdapter(t, &fakePayPal{})
	ctx := context.Background()

	_, err := a.ParseNotification(ctx, &gateway.Inbound{Body: ipnBody(t, map[string]string{"txn_id": ""})})
	var pe *gateway.ParseError
	assert.ErrorAs(t, err, &pe)

	_, err = a.ParseNotification(ctx, &gateway.Inbound{Body: ipnBody(t, map[string]string{"custom": "v2.garbage"})})
	assert.ErrorAs(t, err, &pe)
}

func TestParseRejectsUnsignedCustom(t *testing.T) {
	a := newAdapter(t, &fakePayPal{})
	ctx := context.Background()
	var pe *gateway.ParseError

	forged, err := json.Marshal(gateway.Envelope{OrderID: 42, CreditApplied: decimal.RequireFromString("24.99")})
	require.NoError(t, err)
	unsigned := "v1." + base64.RawURLEncoding.EncodeToString(forged)
	_, err = a.ParseNotification(ctx, &gateway.Inbound{Body: ipnBody(t, map[string]string{"custom": unsigned})})
	assert.ErrorAs(t, err, &pe)

	otherKey, err := gateway.Envelope{OrderID: 42}.Seal([]byte("not-our-key"))
	require.NoError(t, err)
	_, err = a.ParseNotification(ctx, &gateway.Inbound{Body: ipnBody(t, map[string]string{"custom": otherKey})})
	assert.ErrorAs(t, err, &pe)
}

func TestParseRefund(t *testing.T) {
	a := newAdapter(t, &fakePayPal{})
	n, err := a.ParseNotification(context.Background(), &gateway.Inbound{Body: ipnBody(t, map[string]string{
		"txn_id": "TX-R", "parent_txn_id": "TX-1", "payment_status": "Refunded", "mc_gross": "-25.00",
	})})
	require.NoError(t, err)
	assert.Equal(t, gateway.KindRefund, n.Kind)
	assert.Equal(t, "TX-1", n.VerificationTarget())
	assert.Equal(t, "25.00", n.Amount.StringFixed(2))
}

func TestRestVerifyAndPayout(t *testing.T) {
	fake := &fakePayPal{}
	a := newAdapter(t, fake)
	ctx := context.Background()

	v, err := a.Verify(ctx, "CAP-1")
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusCompleted, v.Status)
	assert.Equal(t, "25.00", v.Amount.StringFixed(2))

	_, err = a.Verify(ctx, "missing")
	assert.True(t, gateway.IsVerificationError(err))

	results, err := a.Payout(ctx, []gateway.PayoutItem{
		{PaymentID: 1, Receiver: "a@example.com", Amount: decimal.RequireFromString("15"), Currency: "USD"},
		{PaymentID: 2, Receiver: "b@example.com", Amount: decimal.RequireFromString("20"), Currency: "USD"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[1].OK)
	assert.Equal(t, "BATCH-1", results[0].ExternalID)
	assert.Equal(t, 2, fake.payoutItems)

	_, err = a.Capture(ctx, "AUTH-1", decimal.Zero)
	assert.ErrorIs(t, err, gateway.ErrCaptureUnsupported)
}

func TestPayoutBatchIDIsStable(t *testing.T) {
	fake := &fakePayPal{}
	a := newAdapter(t, fake)
	ctx := context.Background()

	items := []gateway.PayoutItem{
		{PaymentID: 13, Receiver: "b@example.com", Amount: decimal.RequireFromString("20"), Currency: "USD"},
		{PaymentID: 12, Receiver: "a@example.com", Amount: decimal.RequireFromString("15"), Currency: "USD"},
	}
	_, err := a.Payout(ctx, items)
	require.NoError(t, err)
	_, err = a.Payout(ctx, []gateway.PayoutItem{items[1], items[0]})
	require.NoError(t, err)

	require.Len(t, fake.batchIDs, 2)
	assert.Equal(t, "aff-12-13", fake.batchIDs[0])
	assert.Equal(t, fake.batchIDs[0], fake.batchIDs[1])

	_, err = a.Payout(ctx, []gateway.PayoutItem{{PaymentID: 14, Receiver: "c@example.com", Amount: decimal.RequireFromString("5"), Currency: "USD"}})
	require.NoError(t, err)
	assert.NotEqual(t, fake.batchIDs[0], fake.batchIDs[2])
}

func TestSenderBatchIDStaysWithinLimit(t *testing.T) {
	items := make([]gateway.PayoutItem, 0, 100)
	for i := 1; i <= 100; i++ {
		items = append(items, gateway.PayoutItem{PaymentID: uint(100000 + i)})
	}
	id := senderBatchID(items)
	assert.LessOrEqual(t, len(id), maxSenderBatchID)
	assert.Equal(t, id, senderBatchID(items))
}

func TestCheckoutPayload(t *testing.T) {
	a := newAdapter(t, &fakePayPal{})
	ref := "ref-42"
	order := &models.Order{
		BaseModel: models.BaseModel{ID: 42}, UserID: 7, Currency: "USD", Reference: &ref,
		InvoiceNumber: "INV-1", Total: decimal.RequireFromString("25"), AmountPaid: decimal.RequireFromString("5"),
	}

	p, err := a.BuildCheckoutPayload(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, "form_post", p.Method)
	assert.Equal(t, "_xclick", p.Fields["cmd"])
	assert.Equal(t, "20.00", p.Fields["amount"])
	assert.Equal(t, "ref-42", p.Fields["invoice"])
	assert.Equal(t, "https://shop.example.com/api/notifications/paypal", p.Fields["notify_url"])

	env, err := gateway.OpenEnvelope(p.Fields["custom"], []byte(envelopeKey))
	require.NoError(t, err)
	assert.Equal(t, uint(42), env.OrderID)

	status, _, body := a.Acknowledge(gateway.Accept)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, body)
}

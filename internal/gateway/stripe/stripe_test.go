package stripe

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"settlement-api/internal/config"
	"settlement-api/internal/gateway"
	"settlement-api/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	webhookSecret = "whsec_test"
	envelopeKey   = "envelope-key"
)

func newAdapter(t *testing.T, handler http.Handler, caps ...string) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	a, err := New(config.GatewayConfig{
		ID:           ID,
		Enabled:      true,
		Capabilities: append([]string{"checkout"}, caps...),
		Currencies:   []string{"USD", "JPY"},
		BaseURL:      server.URL,
		EnvelopeKey:  envelopeKey,
		Credentials:  map[string]string{CredSecretKey: "sk_test", CredWebhookSecret: webhookSecret},
	})
	require.NoError(t, err)
	return a
}

func signedInbound(body string, at time.Time) *gateway.Inbound {
	ts := strconv.FormatInt(at.Unix(), 10)
	header := http.Header{}
	header.Set(SignatureHeader, fmt.Sprintf("t=%s,v1=%s", ts, Sign(webhookSecret, ts, []byte(body))))
	return &gateway.Inbound{Gateway: ID, Body: []byte(body), Header: header}
}

func succeededEvent(t *testing.T) string {
	t.Helper()
	env, err := gateway.Envelope{UserID: 7, OrderID: 42}.Seal([]byte(envelopeKey))
	require.NoError(t, err)
	return `{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{
		"id":"pi_1","amount":2500,"amount_received":2500,"currency":"usd","status":"succeeded",
		"receipt_email":"buyer@example.com","metadata":{"envelope":"` + env + `","reference":"ref-42"}}}}`
}

func TestParseSignedWebhook(t *testing.T) {
	a := newAdapter(t, http.NotFoundHandler())

	n, err := a.ParseNotification(context.Background(), signedInbound(succeededEvent(t), time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "pi_1", n.TxnID)
	assert.Equal(t, "25.00", n.Amount.StringFixed(2))
	assert.Equal(t, "USD", n.Currency)
	assert.Equal(t, uint(42), n.Envelope.OrderID)
	assert.Equal(t, "ref-42", n.Reference)
	assert.Equal(t, gateway.StatusCompleted, n.Status)
}

func TestSignatureFailsClosed(t *testing.T) {
	a := newAdapter(t, http.NotFoundHandler())
	ctx := context.Background()
	body := succeededEvent(t)

	_, err := a.ParseNotification(ctx, signedInbound(body, time.Now().Add(-10*time.Minute)))
	assert.True(t, gateway.IsVerificationError(err), "stale timestamp")

	in := signedInbound(body, time.Now())
	in.Body = []byte(body + " ")
	_, err = a.ParseNotification(ctx, in)
	assert.True(t, gateway.IsVerificationError(err), "tampered body")

	in = signedInbound(body, time.Now())
	in.Header.Del(SignatureHeader)
	_, err = a.ParseNotification(ctx, in)
	assert.True(t, gateway.IsVerificationError(err), "missing header")
}

func TestIgnoredEvent(t *testing.T) {
	a := newAdapter(t, http.NotFoundHandler())
	_, err := a.ParseNotification(context.Background(),
		signedInbound(`{"id":"evt_2","type":"customer.created","data":{"object":{}}}`, time.Now()))
	assert.ErrorIs(t, err, gateway.ErrIgnored)
}

func TestParseRefund(t *testing.T) {
	a := newAdapter(t, http.NotFoundHandler())
	body := `{"id":"evt_r","type":"charge.refunded","data":{"object":{
		"id":"ch_1","payment_intent":"pi_1","amount":2500,"amount_refunded":2500,"currency":"usd","refunded":true,
		"metadata":{"reference":"ref-42"}}}}`

	n, err := a.ParseNotification(context.Background(), signedInbound(body, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, gateway.KindRefund, n.Kind)
	assert.Equal(t, "evt_r", n.TxnID)
	assert.Equal(t, "ch_1", n.VerificationTarget())
}

func TestVerify(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/payment_intents/pi_1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"pi_1","amount":1000,"amount_received":1000,"currency":"jpy","status":"succeeded"}`))
	})
	mux.HandleFunc("/v1/charges/ch_1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"ch_1","amount":2500,"amount_refunded":1000,"currency":"usd","status":"succeeded"}`))
	})
	a := newAdapter(t, mux)
	ctx := context.Background()

	v, err := a.Verify(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, "1000", v.Amount.String(), "zero-decimal currency")
	assert.Equal(t, "JPY", v.Currency)
	assert.Equal(t, gateway.StatusCompleted, v.Status)

	v, err = a.Verify(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusRefunded, v.Status)
	assert.Equal(t, "10.00", v.Amount.StringFixed(2))
	assert.True(t, v.Cumulative, "amount_refunded is a running total")

	_, err = a.Verify(ctx, "pi_missing")
	assert.True(t, gateway.IsVerificationError(err))
}

func TestCheckoutAndCapture(t *testing.T) {
	var form map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/payment_intents", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		form = map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		_, _ = w.Write([]byte(`{"id":"pi_9","client_secret":"pi_9_secret","status":"requires_payment_method"}`))
	})
	mux.HandleFunc("/v1/payment_intents/pi_9/capture", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"pi_9","status":"succeeded"}`))
	})
	a := newAdapter(t, mux, "capture")

	ref := "ref-9"
	order := &models.Order{
		BaseModel: models.BaseModel{ID: 9}, UserID: 1, Currency: "USD", Reference: &ref,
		Total: decimal.RequireFromString("19.99"),
	}
	p, err := a.BuildCheckoutPayload(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, "pi_9_secret", p.Token)
	assert.Equal(t, "1999", form["amount"])
	assert.Equal(t, "usd", form["currency"])
	assert.Equal(t, "manual", form["capture_method"])

	env, err := gateway.OpenEnvelope(form["metadata[envelope]"], []byte(envelopeKey))
	require.NoError(t, err)
	assert.Equal(t, gateway.TxnTypeAuthorization, env.TxnType)

	ok, err := a.Capture(context.Background(), "pi_9", decimal.RequireFromString("19.99"))
	require.NoError(t, err)
	assert.True(t, ok)
}

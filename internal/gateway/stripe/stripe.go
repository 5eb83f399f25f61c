// Package stripe integrates Stripe PaymentIntents and signed webhooks.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"settlement-api/internal/config"
	"settlement-api/internal/gateway"
	"settlement-api/internal/models"
	"settlement-api/internal/money"
	"settlement-api/internal/orders"
	"settlement-api/pkg/logging"

	"github.com/shopspring/decimal"
)

const (
	ID = "stripe"

	defaultAPI = "https://api.stripe.com"

	SignatureHeader = "Stripe-Signature"

	// Credential keys
	CredSecretKey     = "secret_key"
	CredWebhookSecret = "webhook_secret"
)

// signatureTolerance bounds the age of a signed webhook.
const signatureTolerance = 5 * time.Minute

// Adapter is the Stripe gateway.
type Adapter struct {
	gateway.Base
	httpClient *http.Client
	apiURL     string
	now        func() time.Time
}

// New creates the adapter.
func New(cfg config.GatewayConfig) (*Adapter, error) {
	a := &Adapter{
		Base:       gateway.Base{Config: cfg},
		httpClient: gateway.NewHTTPClient(cfg.Timeout),
		apiURL:     defaultAPI,
		now:        time.Now,
	}
	if cfg.BaseURL != "" {
		a.apiURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if err := a.Require(CredSecretKey, CredWebhookSecret); err != nil {
		return nil, err
	}
	return a, nil
}

type paymentIntent struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	ClientSecret   string            `json:"client_secret"`
	ReceiptEmail   string            `json:"receipt_email"`
	Metadata       map[string]string `json:"metadata"`
}

type charge struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Refunded       bool              `json:"refunded"`
	Status         string            `json:"status"`
	Metadata       map[string]string `json:"metadata"`
	BillingDetails struct {
		Email string `json:"email"`
	} `json:"billing_details"`
}

type event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// BuildCheckoutPayload creates a PaymentIntent for the balance due and hands
// back its client secret.
func (a *Adapter) BuildCheckoutPayload(ctx context.Context, order *models.Order) (*gateway.CheckoutPayload, error) {
	if order.Reference == nil {
		return nil, fmt.Errorf("order %d has not been checked out", order.ID)
	}
	env := gateway.EnvelopeFor(order, gateway.TxnTypeSale)
	captureManual := a.SupportsCapability(gateway.CapabilityCapture)
	if captureManual {
		env.TxnType = gateway.TxnTypeAuthorization
	}
	envelope, err := a.SealEnvelope(env)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(money.ToMinor(orders.BalanceDue(order), order.Currency), 10))
	form.Set("currency", strings.ToLower(order.Currency))
	form.Set("description", "Order "+order.InvoiceNumber)
	form.Set("metadata[envelope]", envelope)
	form.Set("metadata[reference]", order.ReferenceString())
	if order.BuyerEmail != "" {
		form.Set("receipt_email", order.BuyerEmail)
	}
	if captureManual {
		form.Set("capture_method", "manual")
	}

	var pi paymentIntent
	if _, err := a.postForm(ctx, "/v1/payment_intents", form, "checkout-"+order.ReferenceString(), &pi); err != nil {
		return nil, fmt.Errorf("stripe: failed to create payment intent: %w", err)
	}

	return &gateway.CheckoutPayload{
		Gateway: a.ID(),
		Method:  "client_secret",
		Token:   pi.ClientSecret,
		Fields:  map[string]string{"payment_intent": pi.ID},
	}, nil
}

// ParseNotification checks the webhook signature and normalizes the event.
func (a *Adapter) ParseNotification(ctx context.Context, in *gateway.Inbound) (*gateway.Notification, error) {
	if err := a.checkSignature(in.Header.Get(SignatureHeader), in.Body); err != nil {
		return nil, gateway.Reject(a.ID(), "", "bad webhook signature", err)
	}

	var evt event
	if err := json.Unmarshal(in.Body, &evt); err != nil {
		return nil, gateway.Malformed(a.ID(), "invalid JSON: %v", err)
	}

	n := &gateway.Notification{
		Gateway: a.ID(),
		Raw:     json.RawMessage(in.Body),
		TxnType: gateway.TxnTypeSale,
	}

	var metadata map[string]string
	switch evt.Type {
	case "payment_intent.succeeded", "payment_intent.amount_capturable_updated":
		var pi paymentIntent
		if err := json.Unmarshal(evt.Data.Object, &pi); err != nil || pi.ID == "" {
			return nil, gateway.Malformed(a.ID(), "event %s has no payment intent", evt.ID)
		}
		n.TxnID = pi.ID
		n.Kind = gateway.KindPayment
		n.Currency = strings.ToUpper(pi.Currency)
		n.BuyerEmail = pi.ReceiptEmail
		n.Status = normalizeIntentStatus(pi.Status)
		received := pi.AmountReceived
		if received == 0 {
			received = pi.Amount
		}
		n.Amount = money.FromMinor(received, pi.Currency)
		metadata = pi.Metadata
	case "charge.refunded":
		var ch charge
		if err := json.Unmarshal(evt.Data.Object, &ch); err != nil || ch.ID == "" {
			return nil, gateway.Malformed(a.ID(), "event %s has no charge", evt.ID)
		}
		n.TxnID = evt.ID
		n.VerifyID = ch.ID
		n.Kind = gateway.KindRefund
		n.Currency = strings.ToUpper(ch.Currency)
		n.BuyerEmail = ch.BillingDetails.Email
		n.Status = gateway.StatusRefunded
		n.Amount = money.FromMinor(ch.AmountRefunded, ch.Currency)
		metadata = ch.Metadata
	default:
		return nil, fmt.Errorf("%w: stripe event %s", gateway.ErrIgnored, evt.Type)
	}

	n.Reference = metadata["reference"]
	if raw := metadata["envelope"]; raw != "" {
		env, err := a.OpenEnvelope(raw)
		if err != nil {
			return nil, gateway.Malformed(a.ID(), "%v", err)
		}
		n.Envelope = env
		n.TxnType = env.TxnType
	}
	return n, nil
}

func normalizeIntentStatus(status string) string {
	switch status {
	case "succeeded":
		return gateway.StatusCompleted
	case "requires_capture":
		return gateway.StatusAuthorized
	case "canceled":
		return gateway.StatusFailed
	default:
		return gateway.StatusPending
	}
}

// checkSignature validates a "t=…,v1=…" header against the webhook secret.
func (a *Adapter) checkSignature(header string, body []byte) error {
	if header == "" {
		return fmt.Errorf("missing %s header", SignatureHeader)
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			signatures = append(signatures, v)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("malformed signature header")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("bad timestamp: %w", err)
	}
	age := a.now().Sub(time.Unix(ts, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return fmt.Errorf("timestamp outside tolerance")
	}

	expected := Sign(a.Config.Credential(CredWebhookSecret), timestamp, body)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return fmt.Errorf("no matching v1 signature")
}

// Sign computes the v1 signature for a timestamp and body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify fetches the payment intent, or the charge for ids starting with ch_.
func (a *Adapter) Verify(ctx context.Context, externalTxnID string) (*gateway.Verification, error) {
	if strings.HasPrefix(externalTxnID, "ch_") {
		return a.verifyCharge(ctx, externalTxnID)
	}

	var pi paymentIntent
	raw, err := gateway.DoJSON(ctx, a.httpClient, http.MethodGet,
		a.apiURL+"/v1/payment_intents/"+url.PathEscape(externalTxnID), nil, a.authHeader(), &pi)
	if err != nil {
		return nil, gateway.Reject(a.ID(), externalTxnID, "payment intent lookup failed", err)
	}
	if pi.ID != externalTxnID {
		return nil, gateway.Reject(a.ID(), externalTxnID, "lookup returned a different intent", nil)
	}

	amount := pi.AmountReceived
	if pi.Status == "requires_capture" || amount == 0 {
		amount = pi.Amount
	}
	return &gateway.Verification{
		TxnID:    pi.ID,
		Amount:   money.FromMinor(amount, pi.Currency),
		Currency: strings.ToUpper(pi.Currency),
		Status:   normalizeIntentStatus(pi.Status),
		Raw:      raw,
	}, nil
}

func (a *Adapter) verifyCharge(ctx context.Context, chargeID string) (*gateway.Verification, error) {
	var ch charge
	raw, err := gateway.DoJSON(ctx, a.httpClient, http.MethodGet,
		a.apiURL+"/v1/charges/"+url.PathEscape(chargeID), nil, a.authHeader(), &ch)
	if err != nil {
		return nil, gateway.Reject(a.ID(), chargeID, "charge lookup failed", err)
	}
	if ch.ID != chargeID {
		return nil, gateway.Reject(a.ID(), chargeID, "lookup returned a different charge", nil)
	}

	v := &gateway.Verification{
		TxnID:    ch.ID,
		Amount:   money.FromMinor(ch.Amount, ch.Currency),
		Currency: strings.ToUpper(ch.Currency),
		Raw:      raw,
	}
	switch {
	case ch.AmountRefunded > 0:
		v.Status = gateway.StatusRefunded
		v.Amount = money.FromMinor(ch.AmountRefunded, ch.Currency)
		v.Cumulative = true
	case ch.Status == "succeeded":
		v.Status = gateway.StatusCompleted
	case ch.Status == "failed":
		v.Status = gateway.StatusFailed
	default:
		v.Status = gateway.StatusPending
	}
	return v, nil
}

// Capture captures the full authorized amount of a payment intent.
func (a *Adapter) Capture(ctx context.Context, externalTxnID string, amount decimal.Decimal) (bool, error) {
	if !a.SupportsCapability(gateway.CapabilityCapture) {
		return false, gateway.ErrCaptureUnsupported
	}

	var pi paymentIntent
	_, err := a.postForm(ctx, "/v1/payment_intents/"+url.PathEscape(externalTxnID)+"/capture",
		url.Values{}, "capture-"+externalTxnID, &pi)
	if err != nil {
		return false, fmt.Errorf("stripe capture failed: %w", err)
	}

	logging.Infof("Stripe capture - intent: %s, status: %s, amount: %s", pi.ID, pi.Status, amount.StringFixed(2))
	return pi.Status == "succeeded", nil
}

// Acknowledge answers the webhook. Stripe retries anything that is not 2xx.
func (a *Adapter) Acknowledge(d gateway.Disposition) (int, string, []byte) {
	if d == gateway.Accept {
		return http.StatusOK, "application/json", []byte(`{"received":true}`)
	}
	return http.StatusInternalServerError, "application/json", []byte(`{"received":false}`)
}

func (a *Adapter) authHeader() http.Header {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.Config.Credential(CredSecretKey))
	return header
}

func (a *Adapter) postForm(ctx context.Context, path string, form url.Values, idempotencyKey string, out interface{}) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = a.authHeader()
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	raw, err := gateway.Do(a.httpClient, req)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return raw, fmt.Errorf("failed to parse response: %w", err)
	}
	return raw, nil
}

var (
	_ gateway.Adapter            = (*Adapter)(nil)
	_ gateway.NotificationParser = (*Adapter)(nil)
)

// Package paypal integrates PayPal Payments Standard: form-post checkout, IPN
// notifications verified by postback, and the REST API for capture and payouts.
package paypal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
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
	ID = "paypal"

	liveWebscr    = "https://www.paypal.com/cgi-bin/webscr"
	sandboxWebscr = "https://www.sandbox.paypal.com/cgi-bin/webscr"
	liveIPN       = "https://ipnpb.paypal.com/cgi-bin/webscr"
	sandboxIPN    = "https://ipnpb.sandbox.paypal.com/cgi-bin/webscr"
	liveAPI       = "https://api-m.paypal.com"
	sandboxAPI    = "https://api-m.sandbox.paypal.com"

	// Credential keys
	CredBusiness     = "business"
	CredClientID     = "client_id"
	CredClientSecret = "client_secret"

	maxSenderBatchID = 127
)

// Adapter is the PayPal gateway.
type Adapter struct {
	gateway.Base
	httpClient *http.Client
	notifyURL  string
	returnURL  string

	checkoutURL string
	ipnURL      string
	apiURL      string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New creates the adapter. publicBaseURL is where PayPal reaches this service.
func New(cfg config.GatewayConfig, publicBaseURL string) (*Adapter, error) {
	a := &Adapter{
		Base:       gateway.Base{Config: cfg},
		httpClient: gateway.NewHTTPClient(cfg.Timeout),
		notifyURL:  strings.TrimRight(publicBaseURL, "/") + "/api/notifications/" + cfg.ID,
		returnURL:  strings.TrimRight(publicBaseURL, "/") + "/checkout/complete",
	}
	if err := a.Require(CredBusiness); err != nil {
		return nil, err
	}

	switch {
	case cfg.BaseURL != "":
		base := strings.TrimRight(cfg.BaseURL, "/")
		a.checkoutURL = base + "/cgi-bin/webscr"
		a.ipnURL = base + "/cgi-bin/webscr"
		a.apiURL = base
	case cfg.Sandbox:
		a.checkoutURL, a.ipnURL, a.apiURL = sandboxWebscr, sandboxIPN, sandboxAPI
	default:
		a.checkoutURL, a.ipnURL, a.apiURL = liveWebscr, liveIPN, liveAPI
	}
	return a, nil
}

// BuildCheckoutPayload returns the _xclick form fields for the order's balance due.
func (a *Adapter) BuildCheckoutPayload(ctx context.Context, order *models.Order) (*gateway.CheckoutPayload, error) {
	if order.Reference == nil {
		return nil, fmt.Errorf("order %d has not been checked out", order.ID)
	}
	env := gateway.EnvelopeFor(order, gateway.TxnTypeSale)
	if a.SupportsCapability(gateway.CapabilityCapture) {
		env.TxnType = gateway.TxnTypeAuthorization
	}
	custom, err := a.SealEnvelope(env)
	if err != nil {
		return nil, err
	}

	fields := map[string]string{
		"cmd":           "_xclick",
		"business":      a.Config.Credential(CredBusiness),
		"item_name":     "Order " + order.InvoiceNumber,
		"invoice":       order.ReferenceString(),
		"amount":        money.Format(orders.BalanceDue(order), order.Currency),
		"currency_code": order.Currency,
		"custom":        custom,
		"notify_url":    a.notifyURL,
		"return":        a.returnURL,
		"no_shipping":   "1",
		"charset":       "utf-8",
	}
	if env.TxnType == gateway.TxnTypeAuthorization {
		fields["paymentaction"] = "authorization"
	}

	return &gateway.CheckoutPayload{
		Gateway: a.ID(),
		Method:  "form_post",
		URL:     a.checkoutURL,
		Fields:  fields,
	}, nil
}

// ParseNotification reads an IPN form body. Nothing in it is trusted until
// VerifySigned has posted it back to PayPal.
func (a *Adapter) ParseNotification(ctx context.Context, in *gateway.Inbound) (*gateway.Notification, error) {
	form, err := in.Form()
	if err != nil {
		return nil, gateway.Malformed(a.ID(), "invalid form body: %v", err)
	}

	txnID := form.Get("txn_id")
	if txnID == "" {
		return nil, gateway.Malformed(a.ID(), "missing txn_id")
	}

	paymentStatus := form.Get("payment_status")
	n := &gateway.Notification{
		Gateway:    a.ID(),
		TxnID:      txnID,
		Kind:       gateway.KindPayment,
		TxnType:    gateway.TxnTypeSale,
		Reference:  form.Get("invoice"),
		Currency:   strings.ToUpper(form.Get("mc_currency")),
		BuyerEmail: form.Get("payer_email"),
		Status:     normalizeStatus(paymentStatus, form.Get("pending_reason")),
		Signed:     string(in.Body),
	}

	if gross := form.Get("mc_gross"); gross != "" {
		amount, err := money.Parse(gross)
		if err != nil {
			return nil, gateway.Malformed(a.ID(), "%v", err)
		}
		n.Amount = amount.Abs()
	}

	if n.Status == gateway.StatusRefunded || n.Status == gateway.StatusReversed {
		n.Kind = gateway.KindRefund
		n.VerifyID = form.Get("parent_txn_id")
	}

	if custom := form.Get("custom"); custom != "" {
		env, err := a.OpenEnvelope(custom)
		if err != nil {
			return nil, gateway.Malformed(a.ID(), "%v", err)
		}
		n.Envelope = env
		n.TxnType = env.TxnType
	}

	raw := make(map[string]string, len(form))
	for k := range form {
		raw[k] = form.Get(k)
	}
	n.Raw, _ = json.Marshal(raw)

	return n, nil
}

func normalizeStatus(paymentStatus, pendingReason string) string {
	switch strings.ToLower(paymentStatus) {
	case "completed", "canceled_reversal", "processed":
		return gateway.StatusCompleted
	case "pending":
		if strings.EqualFold(pendingReason, "authorization") {
			return gateway.StatusAuthorized
		}
		return gateway.StatusPending
	case "refunded":
		return gateway.StatusRefunded
	case "reversed":
		return gateway.StatusReversed
	default:
		return gateway.StatusFailed
	}
}

// VerifySigned posts the original IPN body back with cmd=_notify-validate and
// requires the literal VERIFIED. The receiver must be our business account.
func (a *Adapter) VerifySigned(ctx context.Context, n *gateway.Notification) (*gateway.Verification, error) {
	if n.Signed == "" {
		return nil, gateway.Reject(a.ID(), n.TxnID, "no original IPN body", nil)
	}

	body := "cmd=_notify-validate&" + n.Signed
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.ipnURL, strings.NewReader(body))
	if err != nil {
		return nil, gateway.Reject(a.ID(), n.TxnID, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "Settlement-IPN-Verifier/1.0")

	resp, err := gateway.Do(a.httpClient, req)
	if err != nil {
		return nil, gateway.Reject(a.ID(), n.TxnID, "postback failed", err)
	}
	if strings.TrimSpace(string(resp)) != "VERIFIED" {
		return nil, gateway.Reject(a.ID(), n.TxnID, fmt.Sprintf("postback answered %q", strings.TrimSpace(string(resp))), nil)
	}

	form, err := url.ParseQuery(n.Signed)
	if err != nil {
		return nil, gateway.Reject(a.ID(), n.TxnID, "unparseable body", err)
	}
	receiver := form.Get("receiver_email")
	if receiver == "" {
		receiver = form.Get("business")
	}
	if !strings.EqualFold(receiver, a.Config.Credential(CredBusiness)) {
		return nil, gateway.Reject(a.ID(), n.TxnID, fmt.Sprintf("receiver %q is not our account", receiver), nil)
	}

	logging.Debugf("PayPal IPN verified - txn: %s", n.TxnID)
	return &gateway.Verification{
		TxnID:    n.TxnID,
		Amount:   n.Amount,
		Currency: n.Currency,
		Status:   n.Status,
		Raw:      n.Raw,
	}, nil
}

type restAmount struct {
	Value        string `json:"value"`
	CurrencyCode string `json:"currency_code"`
}

type restPayment struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Amount restAmount `json:"amount"`
}

// Verify looks a capture up through the REST API.
func (a *Adapter) Verify(ctx context.Context, externalTxnID string) (*gateway.Verification, error) {
	header, err := a.authHeader(ctx)
	if err != nil {
		return nil, gateway.Reject(a.ID(), externalTxnID, "oauth failed", err)
	}

	var payment restPayment
	raw, err := gateway.DoJSON(ctx, a.httpClient, http.MethodGet,
		a.apiURL+"/v2/payments/captures/"+url.PathEscape(externalTxnID), nil, header, &payment)
	if err != nil {
		return nil, gateway.Reject(a.ID(), externalTxnID, "capture lookup failed", err)
	}

	amount, err := money.Parse(payment.Amount.Value)
	if err != nil {
		return nil, gateway.Reject(a.ID(), externalTxnID, "bad amount", err)
	}

	status := gateway.StatusFailed
	switch payment.Status {
	case "COMPLETED":
		status = gateway.StatusCompleted
	case "PENDING":
		status = gateway.StatusPending
	case "REFUNDED", "PARTIALLY_REFUNDED":
		status = gateway.StatusRefunded
	}

	return &gateway.Verification{
		TxnID:    payment.ID,
		Amount:   amount,
		Currency: payment.Amount.CurrencyCode,
		Status:   status,
		Raw:      raw,
	}, nil
}

// Capture captures the full authorized amount.
func (a *Adapter) Capture(ctx context.Context, externalTxnID string, amount decimal.Decimal) (bool, error) {
	if !a.SupportsCapability(gateway.CapabilityCapture) {
		return false, gateway.ErrCaptureUnsupported
	}
	header, err := a.authHeader(ctx)
	if err != nil {
		return false, err
	}
	header.Set("PayPal-Request-Id", "capture-"+externalTxnID)

	var payment restPayment
	_, err = gateway.DoJSON(ctx, a.httpClient, http.MethodPost,
		a.apiURL+"/v2/payments/authorizations/"+url.PathEscape(externalTxnID)+"/capture",
		map[string]interface{}{"final_capture": true}, header, &payment)
	if err != nil {
		return false, fmt.Errorf("paypal capture failed: %w", err)
	}

	logging.Infof("PayPal capture - authorization: %s, capture: %s, status: %s, amount: %s",
		externalTxnID, payment.ID, payment.Status, amount.StringFixed(2))
	return payment.Status == "COMPLETED", nil
}

// PayoutMethod is the affiliate payout method served by this adapter.
func (a *Adapter) PayoutMethod() string {
	if a.Config.PayoutMethod != "" {
		return a.Config.PayoutMethod
	}
	return ID
}

// Payout sends one payout batch. The whole batch succeeds or fails together.
func (a *Adapter) Payout(ctx context.Context, items []gateway.PayoutItem) ([]gateway.PayoutResult, error) {
	if !a.SupportsCapability(gateway.CapabilityPayouts) {
		return nil, gateway.ErrPayoutUnsupported
	}
	header, err := a.authHeader(ctx)
	if err != nil {
		return nil, err
	}

	type payoutItem struct {
		RecipientType string     `json:"recipient_type"`
		Amount        restAmount `json:"amount"`
		Receiver      string     `json:"receiver"`
		SenderItemID  string     `json:"sender_item_id"`
		Note          string     `json:"note,omitempty"`
	}
	payload := struct {
		SenderBatchHeader map[string]string `json:"sender_batch_header"`
		Items             []payoutItem      `json:"items"`
	}{
		SenderBatchHeader: map[string]string{
			"sender_batch_id": senderBatchID(items),
			"email_subject":   "You have a commission payment",
		},
	}
	for _, item := range items {
		payload.Items = append(payload.Items, payoutItem{
			RecipientType: "EMAIL",
			Amount: restAmount{
				Value:        money.Format(item.Amount, item.Currency),
				CurrencyCode: item.Currency,
			},
			Receiver:     item.Receiver,
			SenderItemID: fmt.Sprintf("%d", item.PaymentID),
			Note:         "Affiliate commission",
		})
	}

	var resp struct {
		BatchHeader struct {
			PayoutBatchID string `json:"payout_batch_id"`
			BatchStatus   string `json:"batch_status"`
		} `json:"batch_header"`
	}
	if _, err := gateway.DoJSON(ctx, a.httpClient, http.MethodPost, a.apiURL+"/v1/payments/payouts", payload, header, &resp); err != nil {
		return nil, fmt.Errorf("paypal payout failed: %w", err)
	}

	results := make([]gateway.PayoutResult, 0, len(items))
	for _, item := range items {
		results = append(results, gateway.PayoutResult{
			PaymentID:  item.PaymentID,
			OK:         true,
			ExternalID: resp.BatchHeader.PayoutBatchID,
		})
	}
	logging.Infof("PayPal payout batch %s submitted with %d items (%s)",
		resp.BatchHeader.PayoutBatchID, len(items), resp.BatchHeader.BatchStatus)
	return results, nil
}

// senderBatchID names the batch after the payment ids it carries, so a resend of
// the same batch is refused by PayPal instead of paying twice.
func senderBatchID(items []gateway.PayoutItem) string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, strconv.FormatUint(uint64(item.PaymentID), 10))
	}
	sort.Strings(ids)
	joined := strings.Join(ids, "-")
	if len("aff-")+len(joined) <= maxSenderBatchID {
		return "aff-" + joined
	}
	sum := sha256.Sum256([]byte(joined))
	return "aff-h-" + hex.EncodeToString(sum[:])
}

// Acknowledge answers IPN: PayPal only needs an empty 200 to stop resending.
func (a *Adapter) Acknowledge(d gateway.Disposition) (int, string, []byte) {
	if d == gateway.Accept {
		return http.StatusOK, "text/plain", nil
	}
	return http.StatusServiceUnavailable, "text/plain", nil
}

func (a *Adapter) authHeader(ctx context.Context) (http.Header, error) {
	token, err := a.token(ctx)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return header, nil
}

// token returns a cached OAuth client-credentials token.
func (a *Adapter) token(ctx context.Context) (string, error) {
	if err := a.Require(CredClientID, CredClientSecret); err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.accessToken != "" && time.Now().Before(a.tokenExpiry) {
		return a.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL+"/v1/oauth2/token",
		strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(a.Config.Credential(CredClientID), a.Config.Credential(CredClientSecret))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, err := gateway.Do(a.httpClient, req)
	if err != nil {
		return "", fmt.Errorf("paypal oauth: %w", err)
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.AccessToken == "" {
		return "", fmt.Errorf("paypal oauth: unexpected response")
	}

	a.accessToken = resp.AccessToken
	// refresh a minute early
	a.tokenExpiry = time.Now().Add(time.Duration(resp.ExpiresIn)*time.Second - time.Minute)
	return a.accessToken, nil
}

var (
	_ gateway.Adapter            = (*Adapter)(nil)
	_ gateway.NotificationParser = (*Adapter)(nil)
	_ gateway.SignedVerifier     = (*Adapter)(nil)
	_ gateway.Payouter           = (*Adapter)(nil)
)

// Package hostedpay integrates a hosted payment page that posts back a JWT
// signed with a shared secret.
package hostedpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"settlement-api/internal/config"
	"settlement-api/internal/gateway"
	"settlement-api/internal/models"
	"settlement-api/internal/money"
	"settlement-api/internal/orders"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
)

const (
	ID = "hostedpay"

	// Credential keys
	CredSharedSecret = "shared_secret"
	CredAPIKey       = "api_key"

	requestTTL = 30 * time.Minute
)

// Claims is the signed payload exchanged with the hosted page in both directions.
type Claims struct {
	TxnID     string `json:"txn,omitempty"`
	ParentTxn string `json:"parent,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Amount    string `json:"amt"`
	Currency  string `json:"cur"`
	Status    string `json:"st,omitempty"`
	Envelope  string `json:"env"`
	Reference string `json:"ref,omitempty"`
	Email     string `json:"email,omitempty"`
	NotifyURL string `json:"notify,omitempty"`
	ReturnURL string `json:"return,omitempty"`
	jwt.RegisteredClaims
}

// Adapter is the hosted payment page gateway.
type Adapter struct {
	gateway.Base
	httpClient *http.Client
	baseURL    string
	notifyURL  string
	returnURL  string
	now        func() time.Time
}

// New creates the adapter. The page's base_url is required.
func New(cfg config.GatewayConfig, publicBaseURL string) (*Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s: base_url is required", cfg.ID)
	}
	a := &Adapter{
		Base:       gateway.Base{Config: cfg},
		httpClient: gateway.NewHTTPClient(cfg.Timeout),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		notifyURL:  strings.TrimRight(publicBaseURL, "/") + "/api/notifications/" + cfg.ID,
		returnURL:  strings.TrimRight(publicBaseURL, "/") + "/checkout/complete",
		now:        time.Now,
	}
	if err := a.Require(CredSharedSecret); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Adapter) secret() []byte {
	return []byte(a.Config.Credential(CredSharedSecret))
}

// Sign signs claims with the shared secret.
func (a *Adapter) Sign(claims *Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret())
}

// BuildCheckoutPayload returns a redirect to the hosted page carrying a signed request.
func (a *Adapter) BuildCheckoutPayload(ctx context.Context, order *models.Order) (*gateway.CheckoutPayload, error) {
	if order.Reference == nil {
		return nil, fmt.Errorf("order %d has not been checked out", order.ID)
	}
	envelope, err := a.SealEnvelope(gateway.EnvelopeFor(order, gateway.TxnTypeSale))
	if err != nil {
		return nil, err
	}

	now := a.now()
	token, err := a.Sign(&Claims{
		Amount:    money.Format(orders.BalanceDue(order), order.Currency),
		Currency:  order.Currency,
		Envelope:  envelope,
		Reference: order.ReferenceString(),
		Email:     order.BuyerEmail,
		NotifyURL: a.notifyURL,
		ReturnURL: a.returnURL,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(requestTTL)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign checkout request: %w", err)
	}

	return &gateway.CheckoutPayload{
		Gateway: a.ID(),
		Method:  "redirect",
		URL:     a.baseURL + "/pay?request=" + url.QueryEscape(token),
		Token:   token,
	}, nil
}

// ParseNotification reads the posted token without trusting it.
func (a *Adapter) ParseNotification(ctx context.Context, in *gateway.Inbound) (*gateway.Notification, error) {
	token, err := extractToken(in)
	if err != nil {
		return nil, gateway.Malformed(a.ID(), "%v", err)
	}

	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, gateway.Malformed(a.ID(), "unreadable token: %v", err)
	}
	if claims.TxnID == "" {
		return nil, gateway.Malformed(a.ID(), "missing txn")
	}

	n, err := a.notificationFromClaims(&claims)
	if err != nil {
		return nil, err
	}
	n.Signed = token
	return n, nil
}

func extractToken(in *gateway.Inbound) (string, error) {
	if strings.Contains(in.ContentType, "json") {
		var body struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(in.Body, &body); err != nil {
			return "", fmt.Errorf("invalid JSON: %w", err)
		}
		if body.Token == "" {
			return "", errors.New("missing token")
		}
		return body.Token, nil
	}

	form, err := in.Form()
	if err != nil {
		return "", fmt.Errorf("invalid form body: %w", err)
	}
	if token := form.Get("token"); token != "" {
		return token, nil
	}
	return "", errors.New("missing token")
}

func (a *Adapter) notificationFromClaims(c *Claims) (*gateway.Notification, error) {
	amount, err := money.Parse(c.Amount)
	if err != nil {
		return nil, gateway.Malformed(a.ID(), "%v", err)
	}

	n := &gateway.Notification{
		Gateway:    a.ID(),
		TxnID:      c.TxnID,
		Kind:       gateway.KindPayment,
		TxnType:    gateway.TxnTypeSale,
		Reference:  c.Reference,
		Amount:     amount,
		Currency:   strings.ToUpper(c.Currency),
		BuyerEmail: c.Email,
		Status:     normalizeStatus(c.Status),
	}
	if c.Kind == gateway.KindRefund || n.Status == gateway.StatusRefunded {
		n.Kind = gateway.KindRefund
		n.VerifyID = c.ParentTxn
	}
	if c.Envelope != "" {
		env, err := a.OpenEnvelope(c.Envelope)
		if err != nil {
			return nil, gateway.Malformed(a.ID(), "%v", err)
		}
		n.Envelope = env
		n.TxnType = env.TxnType
	}
	n.Raw, _ = json.Marshal(c)
	return n, nil
}

func normalizeStatus(s string) string {
	switch strings.ToLower(s) {
	case "paid", "completed", "success":
		return gateway.StatusCompleted
	case "pending":
		return gateway.StatusPending
	case "refunded":
		return gateway.StatusRefunded
	default:
		return gateway.StatusFailed
	}
}

// VerifySigned checks the token against the shared secret. Only claims read from
// the verified token are returned.
func (a *Adapter) VerifySigned(ctx context.Context, n *gateway.Notification) (*gateway.Verification, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(n.Signed, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, gateway.Reject(a.ID(), n.TxnID, "token signature invalid", err)
	}
	if claims.TxnID != n.TxnID {
		return nil, gateway.Reject(a.ID(), n.TxnID, "token txn does not match notification", nil)
	}

	verified, err := a.notificationFromClaims(&claims)
	if err != nil {
		return nil, gateway.Reject(a.ID(), n.TxnID, "verified token unusable", err)
	}
	return &gateway.Verification{
		TxnID:    verified.TxnID,
		Amount:   verified.Amount,
		Currency: verified.Currency,
		Status:   verified.Status,
		Raw:      verified.Raw,
	}, nil
}

// Verify asks the hosted page's status API about a transaction.
func (a *Adapter) Verify(ctx context.Context, externalTxnID string) (*gateway.Verification, error) {
	header := http.Header{}
	if key := a.Config.Credential(CredAPIKey); key != "" {
		header.Set("X-Api-Key", key)
	}

	var resp struct {
		TxnID    string `json:"txn_id"`
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
		Status   string `json:"status"`
	}
	raw, err := gateway.DoJSON(ctx, a.httpClient, http.MethodGet,
		a.baseURL+"/api/transactions/"+url.PathEscape(externalTxnID), nil, header, &resp)
	if err != nil {
		return nil, gateway.Reject(a.ID(), externalTxnID, "status lookup failed", err)
	}
	if resp.TxnID != externalTxnID {
		return nil, gateway.Reject(a.ID(), externalTxnID,
			fmt.Sprintf("status lookup answered for transaction %q", resp.TxnID), nil)
	}
	amount, err := money.Parse(resp.Amount)
	if err != nil {
		return nil, gateway.Reject(a.ID(), externalTxnID, "bad amount", err)
	}

	return &gateway.Verification{
		TxnID:    resp.TxnID,
		Amount:   amount,
		Currency: strings.ToUpper(resp.Currency),
		Status:   normalizeStatus(resp.Status),
		Raw:      raw,
	}, nil
}

// Capture is not offered by hosted pages.
func (a *Adapter) Capture(context.Context, string, decimal.Decimal) (bool, error) {
	return false, gateway.ErrCaptureUnsupported
}

// Acknowledge answers with the literal OK the page expects.
func (a *Adapter) Acknowledge(d gateway.Disposition) (int, string, []byte) {
	if d == gateway.Accept {
		return http.StatusOK, "text/plain", []byte("OK")
	}
	return http.StatusServiceUnavailable, "text/plain", []byte("RETRY")
}

var (
	_ gateway.Adapter            = (*Adapter)(nil)
	_ gateway.NotificationParser = (*Adapter)(nil)
	_ gateway.SignedVerifier     = (*Adapter)(nil)
)

// Package gateway defines the contract every payment processor integration
// implements and the registry the rest of the service resolves them from.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"settlement-api/internal/models"

	"github.com/shopspring/decimal"
)

// Capabilities
const (
	CapabilityCheckout  = "checkout"
	CapabilityInvoicing = "invoicing"
	CapabilityPayouts   = "payouts"
	CapabilityCapture   = "capture"
)

// Normalized transaction statuses reported by Verify.
const (
	StatusCompleted  = "completed"
	StatusAuthorized = "authorized"
	StatusPending    = "pending"
	StatusRefunded   = "refunded"
	StatusReversed   = "reversed"
	StatusFailed     = "failed"
)

// Notification kinds
const (
	KindPayment = "payment"
	KindRefund  = "refund"
)

// Adapter is implemented once per payment processor. Nothing outside an adapter
// package depends on processor-specific behaviour.
type Adapter interface {
	ID() string
	// BuildCheckoutPayload returns whatever the processor needs to start a
	// payment. It must not mutate the order.
	BuildCheckoutPayload(ctx context.Context, order *models.Order) (*CheckoutPayload, error)
	// Verify asks the processor's authoritative source about a transaction.
	// It fails closed: any doubt is a *VerificationError.
	Verify(ctx context.Context, externalTxnID string) (*Verification, error)
	// Capture finalizes a previously authorized amount.
	Capture(ctx context.Context, externalTxnID string, amount decimal.Decimal) (bool, error)
	SupportsCurrency(code string) bool
	SupportsCapability(name string) bool
}

// NotificationParser normalizes a processor's inbound payload.
type NotificationParser interface {
	ParseNotification(ctx context.Context, in *Inbound) (*Notification, error)
	// Acknowledge renders the processor-expected response for a disposition.
	Acknowledge(d Disposition) (status int, contentType string, body []byte)
}

// SignedVerifier is implemented by adapters whose notifications carry a blob
// signed with a locally held secret. The processor prefers it over Verify when
// the notification has a signed payload.
type SignedVerifier interface {
	VerifySigned(ctx context.Context, n *Notification) (*Verification, error)
}

// Payouter is implemented by adapters declaring the payouts capability.
type Payouter interface {
	PayoutMethod() string
	Payout(ctx context.Context, items []PayoutItem) ([]PayoutResult, error)
}

// Disposition tells the parser how the notification ended so it can pick the
// acknowledgement: Accept stops processor redelivery, Retry invites it.
type Disposition int

const (
	Accept Disposition = iota
	Retry
)

// CheckoutPayload is the opaque data a buyer's client needs to start paying.
type CheckoutPayload struct {
	Gateway string            `json:"gateway"`
	Method  string            `json:"method"` // redirect, form_post, client_secret, none
	URL     string            `json:"url,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	Token   string            `json:"token,omitempty"`
}

// Verification is the processor's authoritative view of a transaction.
type Verification struct {
	TxnID    string          `json:"txn_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Status   string          `json:"status"`
	// Cumulative marks a refund Amount that is the running refunded total for
	// the charge rather than this refund alone.
	Cumulative bool            `json:"cumulative,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Inbound is a notification exactly as received, before any trust decision.
type Inbound struct {
	Gateway     string
	Body        []byte
	Header      http.Header
	Query       url.Values
	RemoteAddr  string
	ContentType string
	ReceivedAt  time.Time
}

// Form parses a form-encoded body.
func (in *Inbound) Form() (url.Values, error) {
	return url.ParseQuery(string(in.Body))
}

// Notification is the canonical record a parser produces. Every field is still
// untrusted until verified.
type Notification struct {
	Gateway    string
	TxnID      string // ledger key
	VerifyID   string // id passed to Verify when it differs from TxnID
	Kind       string
	TxnType    string
	Envelope   *Envelope
	Reference  string // order reference when no envelope is available
	Amount     decimal.Decimal
	Currency   string
	BuyerEmail string
	Status     string
	Signed     string
	Raw        json.RawMessage
}

// VerificationTarget returns the id to hand to Verify.
func (n *Notification) VerificationTarget() string {
	if n.VerifyID != "" {
		return n.VerifyID
	}
	return n.TxnID
}

// PayoutItem is one affiliate payment handed to a payout dispatcher.
type PayoutItem struct {
	PaymentID   uint
	AffiliateID uint
	Receiver    string
	Amount      decimal.Decimal
	Currency    string
	Method      string
}

// PayoutResult reports the outcome for one PayoutItem.
type PayoutResult struct {
	PaymentID  uint
	OK         bool
	ExternalID string
	Error      string
}

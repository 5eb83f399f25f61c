package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"settlement-api/internal/models"

	"github.com/shopspring/decimal"
)

const envelopeVersion = "v1"

// Transaction sub-types carried in the envelope.
const (
	TxnTypeSale          = "sale"
	TxnTypeAuthorization = "authorization"
	TxnTypeGiftCard      = "gift_card"
)

var ErrBadEnvelope = errors.New("invalid custom data envelope")

// Envelope is the typed custom data round-tripped through gateways that only
// give back a single opaque string.
type Envelope struct {
	UserID        uint            `json:"u"`
	OrderID       uint            `json:"o"`
	Reference     string          `json:"r,omitempty"`
	CreditApplied decimal.Decimal `json:"c"`
	TxnType       string          `json:"t,omitempty"`
}

// Seal renders the envelope as "v1." + base64url(JSON) + "." + base64url(HMAC-SHA256)
// so that a buyer who sees the string in a checkout form cannot alter it.
func (e Envelope) Seal(key []byte) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("%w: no signing key", ErrBadEnvelope)
	}
	if e.OrderID == 0 {
		return "", fmt.Errorf("%w: order id is required", ErrBadEnvelope)
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	signed := envelopeVersion + "." + base64.RawURLEncoding.EncodeToString(raw)
	return signed + "." + envelopeMAC(key, signed), nil
}

// OpenEnvelope checks the signature on a sealed envelope and parses it.
// Anything unexpected is an error.
func OpenEnvelope(s string, key []byte) (*Envelope, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: no signing key", ErrBadEnvelope)
	}
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return nil, fmt.Errorf("%w: malformed", ErrBadEnvelope)
	}
	if parts[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrBadEnvelope, parts[0])
	}
	expected := envelopeMAC(key, parts[0]+"."+parts[1])
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrBadEnvelope)
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	var env Envelope
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.OrderID == 0 {
		return nil, fmt.Errorf("%w: order id is required", ErrBadEnvelope)
	}
	if env.CreditApplied.IsNegative() {
		return nil, fmt.Errorf("%w: negative credit", ErrBadEnvelope)
	}
	if env.TxnType == "" {
		env.TxnType = TxnTypeSale
	}
	return &env, nil
}

func envelopeMAC(key []byte, payload string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// EnvelopeFor builds the envelope for an order at checkout time. The credit is
// whatever the order already carries; it is informational and never minted on
// settlement.
func EnvelopeFor(order *models.Order, txnType string) Envelope {
	credit := decimal.Zero
	for _, c := range order.Credits {
		credit = credit.Add(c.Amount)
	}
	return Envelope{
		UserID:        order.UserID,
		OrderID:       order.ID,
		Reference:     order.ReferenceString(),
		CreditApplied: credit,
		TxnType:       txnType,
	}
}

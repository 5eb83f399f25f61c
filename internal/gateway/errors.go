package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownGateway     = errors.New("unknown gateway")
	ErrCaptureUnsupported = errors.New("capture not supported by gateway")
	ErrPayoutUnsupported  = errors.New("payouts not supported by gateway")
	ErrMissingCredential  = errors.New("missing gateway credential")
	// ErrIgnored marks a well-formed notification the service has no use for.
	ErrIgnored = errors.New("notification ignored")
)

// VerificationError means an untrusted payload could not be confirmed.
type VerificationError struct {
	Gateway string
	TxnID   string
	Reason  string
	Err     error
}

func (e *VerificationError) Error() string {
	msg := fmt.Sprintf("%s verification failed for %q: %s", e.Gateway, e.TxnID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// Reject builds a VerificationError.
func Reject(gateway, txnID, reason string, err error) *VerificationError {
	return &VerificationError{Gateway: gateway, TxnID: txnID, Reason: reason, Err: err}
}

// IsVerificationError reports whether err is, or wraps, a VerificationError.
func IsVerificationError(err error) bool {
	var ve *VerificationError
	return errors.As(err, &ve)
}

// ParseError means the inbound payload was malformed.
type ParseError struct {
	Gateway string
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: malformed notification: %s", e.Gateway, e.Reason)
}

// Malformed builds a ParseError.
func Malformed(gateway, format string, args ...interface{}) *ParseError {
	return &ParseError{Gateway: gateway, Reason: fmt.Sprintf(format, args...)}
}

// MissingCredential reports a missing required credential key.
func MissingCredential(gateway, key string) error {
	return fmt.Errorf("%s: %w %q", gateway, ErrMissingCredential, key)
}

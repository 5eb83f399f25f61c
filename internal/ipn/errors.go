package ipn

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicate is informational: the ledger already holds the transaction.
	ErrDuplicate           = errors.New("duplicate notification")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrCurrencyMismatch    = errors.New("currency mismatch")
	ErrNotSettleable       = errors.New("gateway status does not settle the order")
	ErrUnbackedCredit      = errors.New("declared credit is not applied to the order")
)

// PersistenceError wraps a storage failure and carries the ledger key.
type PersistenceError struct {
	Gateway string
	TxnID   string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure for %s/%s: %v", e.Gateway, e.TxnID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

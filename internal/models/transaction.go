package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Transaction 通知账本
// One row per accepted gateway notification. Rows are inserted once and never
// updated or deleted; (gateway, external_txn_id) is the idempotency key.
type Transaction struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`

	Gateway       string `json:"gateway" gorm:"size:32;not null;uniqueIndex:idx_gateway_txn"`
	ExternalTxnID string `json:"external_txn_id" gorm:"size:128;not null;uniqueIndex:idx_gateway_txn"`

	OrderID     uint            `json:"order_id" gorm:"index"`
	Kind        string          `json:"kind" gorm:"size:20;not null"` // payment or refund
	TxnType     string          `json:"txn_type" gorm:"size:32"`
	GrossAmount decimal.Decimal `json:"gross_amount" gorm:"type:decimal(20,4);not null"`
	Currency    string          `json:"currency" gorm:"size:3;not null"`
	BuyerEmail  string          `json:"buyer_email" gorm:"size:255"`
	Status      string          `json:"status" gorm:"size:20;not null"`
	Verified    bool            `json:"verified"`
	RawPayload  datatypes.JSON  `json:"raw_payload"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// TableName 指定表名
func (Transaction) TableName() string {
	return "transactions"
}

// Incident kinds
const (
	IncidentVerificationFailure = "verification_failure"
	IncidentOrderNotFound       = "order_not_found"
	IncidentAlreadySettled      = "order_already_settled"
	IncidentInsufficientPayment = "insufficient_payment"
	IncidentCurrencyMismatch    = "currency_mismatch"
	IncidentMalformed           = "malformed_notification"
	IncidentPersistenceFailure  = "persistence_failure"
	IncidentPartialRefund       = "partial_refund"
	IncidentPaidCommission      = "paid_commission_reversal"
)

// SettlementIncident is an operator-visible record of a notification that could
// not be applied cleanly. Append-only, like the ledger.
type SettlementIncident struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime;index"`

	Gateway       string         `json:"gateway" gorm:"size:32;index"`
	ExternalTxnID string         `json:"external_txn_id" gorm:"size:128;index"`
	OrderID       uint           `json:"order_id" gorm:"index"`
	Kind          string         `json:"kind" gorm:"size:40;not null;index"`
	Detail        string         `json:"detail" gorm:"type:text"`
	RawPayload    datatypes.JSON `json:"raw_payload"`
}

func (SettlementIncident) TableName() string {
	return "settlement_incidents"
}

package models

import "time"

// Fulfillment statuses
const (
	FulfillmentDone     = "fulfilled"
	FulfillmentReversed = "reversed"
)

// Fulfillment records that stock was taken for a paid order.
type Fulfillment struct {
	BaseModel
	OrderID       uint       `json:"order_id" gorm:"not null;uniqueIndex"`
	TransactionID uint       `json:"transaction_id" gorm:"index"`
	Status        string     `json:"status" gorm:"size:20;not null"`
	FulfilledAt   time.Time  `json:"fulfilled_at"`
	ReversedAt    *time.Time `json:"reversed_at"`
}

func (Fulfillment) TableName() string {
	return "fulfillments"
}

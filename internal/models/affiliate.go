package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Affiliate 推广用户
type Affiliate struct {
	BaseModel
	UserID            uint            `json:"user_id" gorm:"not null;uniqueIndex"`
	Code              string          `json:"code" gorm:"size:64;not null;uniqueIndex"`
	CommissionPercent decimal.Decimal `json:"commission_percent" gorm:"type:decimal(10,4);not null;default:0"`
	PayoutMethod      string          `json:"payout_method" gorm:"size:32"`
	PayoutAccount     string          `json:"payout_account" gorm:"size:255"`
	Active            bool            `json:"active"`
}

func (Affiliate) TableName() string {
	return "affiliates"
}

// AffiliateSale 推广订单, at most one per order.
type AffiliateSale struct {
	BaseModel
	AffiliateID uint      `json:"affiliate_id" gorm:"not null;index"`
	OrderID     uint      `json:"order_id" gorm:"not null;uniqueIndex"`
	SaleDate    time.Time `json:"sale_date" gorm:"not null;index"`
	PaymentID   *uint     `json:"payment_id" gorm:"index"`

	Items []AffiliateSaleItem `json:"items" gorm:"foreignKey:SaleID"`
}

func (AffiliateSale) TableName() string {
	return "affiliate_sales"
}

// AffiliateSaleItem 推广佣金明细
type AffiliateSaleItem struct {
	BaseModel
	SaleID      uint            `json:"sale_id" gorm:"not null;index"`
	OrderItemID uint            `json:"order_item_id" gorm:"not null"`
	NetTotal    decimal.Decimal `json:"net_total" gorm:"type:decimal(20,4);not null"`
	Percent     decimal.Decimal `json:"percent" gorm:"type:decimal(10,4);not null"`
	Commission  decimal.Decimal `json:"commission" gorm:"type:decimal(20,4);not null"`
}

func (AffiliateSaleItem) TableName() string {
	return "affiliate_sale_items"
}

// AffiliatePayment 佣金打款批次
type AffiliatePayment struct {
	BaseModel
	AffiliateID      uint            `json:"affiliate_id" gorm:"not null;index"`
	Amount           decimal.Decimal `json:"amount" gorm:"type:decimal(20,4);not null"`
	Currency         string          `json:"currency" gorm:"size:3;not null"`
	Method           string          `json:"method" gorm:"size:32;index"`
	ExternalPayoutID string          `json:"external_payout_id" gorm:"size:128;index"`
	DispatchError    string          `json:"dispatch_error" gorm:"type:text"`
	PaidAt           *time.Time      `json:"paid_at"`
}

func (AffiliatePayment) TableName() string {
	return "affiliate_payments"
}

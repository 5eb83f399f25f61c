package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Order status codes. The facets of each status live in OrderStatus rows.
const (
	StatusCart       = "cart"
	StatusPending    = "pending"
	StatusInvoiced   = "invoiced"
	StatusProcessing = "processing"
	StatusShipped    = "shipped"
	StatusRefunded   = "refunded"
	StatusClosed     = "closed"
	StatusCanceled   = "canceled"
	StatusArchived   = "archived"

	// StatusPaid is only ever written to logs while a payment is being applied.
	StatusPaid = "paid"
)

// Credit types
const (
	CreditGiftCard = "gift_card"
	CreditDiscount = "discount"
	CreditCoupon   = "coupon"
)

// OrderStatus is administrator-editable configuration describing one status.
type OrderStatus struct {
	BaseModel
	Code              string `json:"code" gorm:"size:32;uniqueIndex;not null"`
	Label             string `json:"label" gorm:"size:64;not null"`
	Valid             bool   `json:"valid"`             // counts as a real sale
	Closed            bool   `json:"closed"`            // no further buyer action expected
	CustomerViewable  bool   `json:"customer_viewable"` // shown in order history
	AffiliateEligible bool   `json:"affiliate_eligible"`
	Enabled           bool   `json:"enabled"`
	SortOrder         int    `json:"sort_order"`
}

func (OrderStatus) TableName() string {
	return "order_statuses"
}

// Order 订单
type Order struct {
	BaseModel

	UserID     uint   `json:"user_id" gorm:"not null;index"`
	BuyerEmail string `json:"buyer_email" gorm:"size:255"`
	Status     string `json:"status" gorm:"size:32;not null;index"`
	Currency   string `json:"currency" gorm:"size:3;not null"`

	Tax        decimal.Decimal `json:"tax" gorm:"type:decimal(20,4);not null;default:0"`
	Shipping   decimal.Decimal `json:"shipping" gorm:"type:decimal(20,4);not null;default:0"`
	Handling   decimal.Decimal `json:"handling" gorm:"type:decimal(20,4);not null;default:0"`
	Total      decimal.Decimal `json:"total" gorm:"type:decimal(20,4);not null;default:0"`
	AmountPaid decimal.Decimal `json:"amount_paid" gorm:"type:decimal(20,4);not null;default:0"`
	// AmountRefunded is the running total of refunds applied to AmountPaid.
	AmountRefunded decimal.Decimal `json:"amount_refunded" gorm:"type:decimal(20,4);not null;default:0"`

	// Reference is the opaque identifier round-tripped through gateways.
	Reference           *string    `json:"reference" gorm:"size:36;uniqueIndex"`
	InvoiceNumber       string     `json:"invoice_number" gorm:"size:64;index"`
	ReferralAffiliateID *uint      `json:"referral_affiliate_id" gorm:"index"`
	Gateway             string     `json:"gateway" gorm:"size:32"`
	PlacedAt            *time.Time `json:"placed_at"`
	PaidAt              *time.Time `json:"paid_at"`
	ArchivedAt          *time.Time `json:"archived_at"`

	Items   []OrderItem   `json:"items" gorm:"foreignKey:OrderID"`
	Credits []OrderCredit `json:"credits" gorm:"foreignKey:OrderID"`
}

func (Order) TableName() string {
	return "orders"
}

// ReferenceString returns the gateway reference or "" before checkout.
func (o *Order) ReferenceString() string {
	if o.Reference == nil {
		return ""
	}
	return *o.Reference
}

// OrderItem 订单行
type OrderItem struct {
	BaseModel

	OrderID   uint            `json:"order_id" gorm:"not null;index"`
	ProductID uint            `json:"product_id" gorm:"index"`
	SKU       string          `json:"sku" gorm:"size:64;not null"`
	Name      string          `json:"name" gorm:"size:255"`
	Quantity  int             `json:"quantity" gorm:"not null"`
	UnitPrice decimal.Decimal `json:"unit_price" gorm:"type:decimal(20,4);not null"`
	Options   datatypes.JSON  `json:"options"`

	Tax      decimal.Decimal `json:"tax" gorm:"type:decimal(20,4);not null;default:0"`
	Shipping decimal.Decimal `json:"shipping" gorm:"type:decimal(20,4);not null;default:0"`
	Handling decimal.Decimal `json:"handling" gorm:"type:decimal(20,4);not null;default:0"`

	// AffiliateEligible is copied from the product when the cart is built.
	AffiliateEligible bool   `json:"affiliate_eligible"`
	FulfillmentToken  string `json:"fulfillment_token,omitempty" gorm:"size:36"`
}

func (OrderItem) TableName() string {
	return "order_items"
}

// LineNet is unit price times quantity.
func (i OrderItem) LineNet() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// OrderCredit is a non-cash reduction applied to an order.
type OrderCredit struct {
	BaseModel
	OrderID uint            `json:"order_id" gorm:"not null;index;uniqueIndex:idx_order_credit_code"`
	Type    string          `json:"type" gorm:"size:20;not null"`
	Code    string          `json:"code" gorm:"size:128;uniqueIndex:idx_order_credit_code"`
	Amount  decimal.Decimal `json:"amount" gorm:"type:decimal(20,4);not null"`
}

func (OrderCredit) TableName() string {
	return "order_credits"
}

// Product carries only the stock and commission surface the settlement core touches.
type Product struct {
	BaseModel
	SKU               string              `json:"sku" gorm:"size:64;uniqueIndex;not null"`
	Name              string              `json:"name" gorm:"size:255"`
	OnHand            int                 `json:"on_hand" gorm:"not null;default:0"`
	Reserved          int                 `json:"reserved" gorm:"not null;default:0"`
	AffiliateEligible bool                `json:"affiliate_eligible"`
	CommissionPercent decimal.NullDecimal `json:"commission_percent" gorm:"type:decimal(10,4)"`
}

func (Product) TableName() string {
	return "products"
}

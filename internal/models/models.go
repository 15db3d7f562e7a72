package models

import (
	"time"
)

const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
)

const (
	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"
	PaymentStatusFailed  = "failed"
)

const (
	PaymentMethodGateway = "gateway"
	PaymentMethodCOD     = "cod"
)

type Product struct {
	ID            uint    `gorm:"primaryKey;autoIncrement"  json:"id"`
	Name          string  `gorm:"not null"                  json:"name"`
	Description   string  `gorm:"not null"                  json:"description"`
	Price         float64 `gorm:"not null"                  json:"price"`
	Image         string  `json:"image"`
	StockQuantity int     `gorm:"not null;default:0"        json:"stock_quantity"`
	InStock       bool    `gorm:"not null;default:false"    json:"in_stock"`
}

type User struct {
	ID           uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string `gorm:"unique;not null"          json:"username"`
	PasswordHash string `gorm:"not null"                 json:"-"`
	Role         string `gorm:"not null"                 json:"role"`
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"          json:"id"`
	Token     string    `gorm:"unique;not null"     json:"token"`
	UserID    uint      `gorm:"index;not null"      json:"user_id"`
	ExpiresAt time.Time `gorm:"not null"            json:"expires_at"`
	Revoked   bool      `gorm:"default:false"       json:"revoked"`
}

// ShippingAddress is embedded into Order. Name and Phone are the minimum
// required fields for order creation.
type ShippingAddress struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
}

// VerificationMeta is written by the client-path verifier on a successful
// signature check.
type VerificationMeta struct {
	GatewayPaymentID string    `json:"gateway_payment_id"`
	VerifiedAt       time.Time `json:"verified_at"`
}

// CaptureMeta is written by the webhook path for payment.captured events.
type CaptureMeta struct {
	GatewayPaymentID string    `json:"gateway_payment_id"`
	Method           string    `json:"method,omitempty"`
	Bank             string    `json:"bank,omitempty"`
	Wallet           string    `json:"wallet,omitempty"`
	CapturedAt       time.Time `json:"captured_at"`
}

// FailureMeta is written whenever a payment is marked failed, by either path.
type FailureMeta struct {
	GatewayPaymentID string    `json:"gateway_payment_id,omitempty"`
	Code             string    `json:"code,omitempty"`
	Description      string    `json:"description,omitempty"`
	FailedAt         time.Time `json:"failed_at"`
}

// PaymentMetadata is a typed union of the shapes each write path stores,
// instead of a free-form map.
type PaymentMetadata struct {
	Verification *VerificationMeta `json:"verification,omitempty"`
	Capture      *CaptureMeta      `json:"capture,omitempty"`
	Failure      *FailureMeta      `json:"failure,omitempty"`
}

type OrderItem struct {
	ID           uint    `gorm:"primaryKey"                  json:"id"`
	OrderID      uint    `gorm:"index;not null"              json:"order_id"`
	ProductID    uint    `gorm:"not null"                    json:"product_id"`
	Quantity     uint    `gorm:"default:1;check:quantity>0"  json:"quantity"`
	UnitPrice    float64 `gorm:"not null"                    json:"unit_price"`
	ProductName  string  `gorm:"not null"                    json:"product_name"`
	ProductImage string  `json:"product_image"`
}

// Order is never deleted; cancellation is a status transition.
//
// PaymentStatus is monotonic with respect to "paid": once paid, neither the
// verifier nor the webhook reconciler may move it back. GatewayOrderID is set
// at creation and is the join key for all gateway-originated events.
type Order struct {
	ID               uint            `gorm:"primaryKey"               json:"id"`
	UserID           uint            `gorm:"index;not null"           json:"user_id"`
	TotalAmount      float64         `gorm:"not null"                 json:"total_amount"`
	Status           string          `gorm:"not null;default:pending" json:"status"`
	PaymentStatus    string          `gorm:"not null;default:pending" json:"payment_status"`
	PaymentMethod    string          `gorm:"not null"                 json:"payment_method"`
	GatewayOrderID   string          `gorm:"index"                    json:"gateway_order_id"`
	GatewayPaymentID string          `json:"gateway_payment_id"`
	GatewaySignature string          `json:"-"`
	PaymentMeta      PaymentMetadata `gorm:"serializer:json"          json:"payment_meta"`
	Shipping         ShippingAddress `gorm:"embedded;embeddedPrefix:ship_" json:"shipping_address"`
	Notes            string          `json:"notes"`
	Items            []OrderItem     `gorm:"foreignKey:OrderID"       json:"items"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

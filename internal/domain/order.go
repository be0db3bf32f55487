package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderCreated         OrderStatus = "CREATED"
	OrderAwaitingPayment OrderStatus = "AWAITING_PAYMENT"
	OrderPaid            OrderStatus = "PAID"
	OrderFailed          OrderStatus = "FAILED"
	// OrderCancelled is set by back-office tooling only; the settlement
	// pipeline never produces it and treats it as not payable.
	OrderCancelled       OrderStatus = "CANCELLED"
)

type DeliveryMethod string

const (
	HomeDelivery  DeliveryMethod = "HOME_DELIVERY"
	PickupInStore DeliveryMethod = "PICKUP_IN_STORE"
)

func (m DeliveryMethod) Valid() bool {
	return m == HomeDelivery || m == PickupInStore
}

type ShippingInfo struct {
	Address    string `json:"address"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postal_code"`
	Phone      string `json:"phone"`
}

// Order is the frozen result of a checkout. Lines and amounts never change
// after creation; only Status moves.
type Order struct {
	ID                uuid.UUID
	Lines             CartSnapshot
	Shipping          ShippingInfo
	DeliveryMethod    DeliveryMethod
	Currency          string
	ExchangeRate      decimal.Decimal
	Subtotal          int64
	PromotionDiscount int64
	CouponDiscount    int64
	FinalTotal        int64
	CouponCode        string
	Status            OrderStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (o *Order) HasCoupon() bool {
	return o.CouponCode != ""
}

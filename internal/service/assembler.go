package service

import (
	"fmt"
	"strings"
	"time"

	"ferremas-settlement/internal/domain"
	"ferremas-settlement/internal/pricing"

	"github.com/google/uuid"
)

// OrderAssembler freezes a priced cart into an Order.
type OrderAssembler struct {
	currency string
	now      func() time.Time
}

func NewOrderAssembler(currency string, now func() time.Time) *OrderAssembler {
	if now == nil {
		now = time.Now
	}
	return &OrderAssembler{currency: currency, now: now}
}

func (a *OrderAssembler) Assemble(
	cart domain.CartSnapshot,
	shipping domain.ShippingInfo,
	priced pricing.Result,
	method domain.DeliveryMethod,
) (*domain.Order, error) {
	if len(cart) == 0 {
		return nil, domain.ErrEmptyCart
	}
	if err := cart.Validate(); err != nil {
		return nil, err
	}
	if err := validateShipping(shipping, method); err != nil {
		return nil, err
	}

	now := a.now().UTC()
	return &domain.Order{
		ID:                uuid.New(),
		Lines:             cart.Clone(),
		Shipping:          trimShipping(shipping),
		DeliveryMethod:    method,
		Currency:          a.currency,
		ExchangeRate:      priced.ExchangeRate,
		Subtotal:          priced.Subtotal,
		PromotionDiscount: priced.PromotionDiscount,
		CouponDiscount:    priced.CouponDiscount,
		FinalTotal:        priced.FinalTotal,
		CouponCode:        priced.CouponCode,
		Status:            domain.OrderCreated,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

func validateShipping(s domain.ShippingInfo, method domain.DeliveryMethod) error {
	if !method.Valid() {
		return fmt.Errorf("%w: unknown delivery method %q", domain.ErrInvalidShipping, method)
	}

	required := map[string]string{"phone": s.Phone}
	if method == domain.HomeDelivery {
		required["address"] = s.Address
		required["city"] = s.City
		required["region"] = s.Region
		required["postal_code"] = s.PostalCode
	}

	var missing []string
	for _, field := range []string{"address", "city", "region", "postal_code", "phone"} {
		v, ok := required[field]
		if ok && strings.TrimSpace(v) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", domain.ErrInvalidShipping, strings.Join(missing, ", "))
	}
	return nil
}

func trimShipping(s domain.ShippingInfo) domain.ShippingInfo {
	return domain.ShippingInfo{
		Address:    strings.TrimSpace(s.Address),
		City:       strings.TrimSpace(s.City),
		Region:     strings.TrimSpace(s.Region),
		PostalCode: strings.TrimSpace(s.PostalCode),
		Phone:      strings.TrimSpace(s.Phone),
	}
}

package domain

import "errors"

var (
	ErrEmptyCart           = errors.New("cart is empty")
	ErrInvalidCart         = errors.New("invalid cart")
	ErrInvalidShipping     = errors.New("invalid shipping information")
	ErrInvalidPricingInput = errors.New("invalid pricing input")
	ErrCouponInvalid       = errors.New("coupon invalid")
	ErrSessionConflict     = errors.New("payment session conflict")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrGatewayRejected     = errors.New("payment rejected by gateway")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotPayable     = errors.New("order is not in a payable state")
	ErrSessionNotFound     = errors.New("payment session not found")
)

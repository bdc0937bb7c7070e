package delivery

import "errors"

var (
	ErrDeliveryExhausted = errors.New("delivery attempts exhausted")
	ErrInvalidPolicy     = errors.New("invalid delivery policy")
)

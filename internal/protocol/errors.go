package protocol

import "errors"

var (
	ErrMalformedMessage = errors.New("protocol: malformed message")
	ErrDecode           = errors.New("protocol: decode failed")
	ErrUnknownRoute     = errors.New("protocol: unknown route")
	ErrDeliveryExpired  = errors.New("protocol: delivery expired")
	ErrUnknownKey       = errors.New("protocol: unknown key")
)

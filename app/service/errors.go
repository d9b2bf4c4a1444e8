package service

import "errors"

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrRecordNotFound     = errors.New("payment record not found")
	ErrConflict           = errors.New("identifier is already bound to another payment")
	ErrGatewayUnavailable = errors.New("payment gateway request failed")
)

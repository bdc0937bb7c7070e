package session

import "errors"

var (
	ErrSessionAlreadyOpen = errors.New("user already has an open session")
	ErrNoOpenSession      = errors.New("user has no open session")
	ErrInvalidUserID      = errors.New("invalid user id")
	ErrNoTransport        = errors.New("transport is required")
	ErrNoStore            = errors.New("store is required")
)

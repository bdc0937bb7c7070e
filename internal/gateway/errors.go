package gateway

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrNoUserID      = errors.New("connection has no user id")
)

// Gateway errors
var (
	ErrUnauthorized  = errors.New("missing or invalid bearer token")
	ErrGatewayClosed = errors.New("gateway is closed")
	ErrNoFileStore   = errors.New("file store is required")
	ErrNoHandler     = errors.New("event handler is required")
)

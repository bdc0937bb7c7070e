package interfaces

import "errors"

// Errors shared across the store and transport boundaries.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExists    = errors.New("session already exists")
	ErrChannelNotFound  = errors.New("channel not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrRecipientOffline = errors.New("recipient not connected")
)

package types

import "errors"

var (
	ErrMissingPartMarker = errors.New("filename has no .part marker")
	ErrInvalidPartIndex  = errors.New("part index must be a non-negative integer")
	ErrInvalidUserID     = errors.New("user ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
)

package storage

import "errors"

var (
	ErrInvalidKey     = errors.New("invalid object key")
	ErrUnknownBackend = errors.New("unknown storage backend")
	ErrEmptyBucket    = errors.New("s3 bucket is required")
)

package sweeper

import "errors"

var (
	ErrSweeperAlreadyRunning = errors.New("sweeper is already running")
	ErrSweeperNotRunning     = errors.New("sweeper is not running")
	ErrInvalidInterval       = errors.New("sweep interval must be positive")
)

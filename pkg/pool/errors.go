package pool

import (
	"errors"
	"fmt"
)

var (
	ErrAcquireTimeout         = errors.New("timed out waiting for a connection")
	ErrPoolNotInitialized     = errors.New("connection pool is not initialized")
	ErrPoolClosing            = errors.New("connection pool is closing")
	ErrPoolAlreadyInitialized = errors.New("connection pool is already initialized")
	ErrConnectionNotAvailable = errors.New("connection not available")
	ErrConnectionClosed       = errors.New("connection is closed")
	ErrUnknownConnection      = errors.New("connection does not belong to this pool")
	ErrConnectionNotAcquired  = errors.New("connection is not acquired")
	ErrInvalidConfig          = errors.New("invalid pool configuration")
	ErrWarmupFailed           = errors.New("connection warm-up failed")
)

// PoolError records a failed pool operation
type PoolError struct {
	Op           string
	ConnectionID string
	Err          error
}

func (e *PoolError) Error() string {
	if e.ConnectionID != "" {
		return fmt.Sprintf("pool %s [%s]: %v", e.Op, e.ConnectionID, e.Err)
	}
	return fmt.Sprintf("pool %s: %v", e.Op, e.Err)
}

func (e *PoolError) Unwrap() error {
	return e.Err
}

func newPoolError(op, connectionID string, err error) error {
	return &PoolError{Op: op, ConnectionID: connectionID, Err: err}
}

package rpc

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("rpc: timed out waiting for reply")
	// ErrConnection matches every *ConnectionError.
	ErrConnection = errors.New("rpc: broker connection error")
)

// TimeoutError reports a call whose correlated reply did not arrive in time.
type TimeoutError struct {
	Queue         string
	CorrelationID string
	After         time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: no reply from %s for correlation id %s after %s", e.Queue, e.CorrelationID, e.After)
}

// Is makes errors.Is(err, ErrTimeout) hold.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ConnectionError reports a broker failure during one step of a call.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rpc: %s failed", e.Op)
	}
	return fmt.Sprintf("rpc: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrConnection) hold.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

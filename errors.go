package conio

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState reports an operation on a stopped or shut down
	// Group, on a closed Pool, or a coroutine-only call made outside
	// of its Group.
	ErrInvalidState = errors.New("conio: invalid state")

	// ErrInvalidConfig reports a configuration rejected at
	// construction time.
	ErrInvalidConfig = errors.New("conio: invalid config")

	// ErrConnection wraps the transport cause of a failed accept or
	// connect.
	ErrConnection = errors.New("conio: connection failure")

	// ErrIO wraps the cause of a failed read or write.
	ErrIO = errors.New("conio: i/o failure")

	// ErrProbe wraps a heartbeat ping failure. It never reaches
	// application code.
	ErrProbe = errors.New("conio: heartbeat probe failure")

	// ErrPoolTimeout is returned when a pool waiter is not served
	// within PoolConfig.MaxWait.
	ErrPoolTimeout = errors.New("conio: pool wait timeout")

	// ErrCancelled resolves a ScheduledFuture that was cancelled.
	ErrCancelled = errors.New("conio: cancelled")
)

var (
	ErrNotInGroup   = fmt.Errorf("%w: not running in group", ErrInvalidState)
	ErrPoolClosed   = fmt.Errorf("%w: pool closed", ErrInvalidState)
	ErrGroupStopped = fmt.Errorf("%w: group stopped", ErrInvalidState)
)

func connectionFailure(cause error) error {
	return fmt.Errorf("%w: %w", ErrConnection, cause)
}

func ioFailure(cause error) error {
	return fmt.Errorf("%w: %w", ErrIO, cause)
}

func probeFailure(cause error) error {
	return fmt.Errorf("%w: %w", ErrProbe, cause)
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func stateError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

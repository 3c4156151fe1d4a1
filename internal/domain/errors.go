package domain

import (
	"errors"
	"fmt"
)

// Transport errors.
var (
	// ErrOperationFailed marks a single register operation that failed but left the
	// connection usable. It is retried by the transport.
	ErrOperationFailed = errors.New("modbus operation failed")

	// ErrReconnectionNeeded marks a connection that is known to be bad. It is never
	// retried on the same connection and crosses every layer unmodified.
	ErrReconnectionNeeded = errors.New("modbus reconnection needed")

	ErrConnectionFailed  = errors.New("modbus connection failed")
	ErrConnectionTimeout = errors.New("modbus connection timeout")
	ErrInvalidDataLength = errors.New("invalid register data length")
)

// Command and decode errors.
var (
	// ErrValidation is returned synchronously for commands that must never reach the device.
	ErrValidation = errors.New("validation failed")

	// ErrDecode marks a single field whose raw value could not be interpreted.
	ErrDecode = errors.New("decode failed")

	ErrQueueFull       = errors.New("command queue full")
	ErrQueueClosed     = errors.New("command queue closed")
	ErrUnknownSetting  = errors.New("unknown setting")
	ErrUnknownSchedule = errors.New("unknown schedule")
)

// Configuration errors.
var (
	ErrInvalidBlock      = errors.New("invalid register block")
	ErrDuplicateField    = errors.New("duplicate field")
	ErrInvalidTier       = errors.New("invalid poll tier")
	ErrInvalidSlot       = errors.New("invalid schedule slot")
	ErrPollIntervalShort = errors.New("poll interval too short")
)

// PollError records one failed field or block within a poll cycle. A cycle reports its
// PollErrors next to the fields it did decode, never instead of them.
type PollError struct {
	Source string
	Cause  error
}

func (e PollError) Error() string {
	return fmt.Sprintf("%s: %v", e.Source, e.Cause)
}

func (e PollError) Unwrap() error {
	return e.Cause
}

// Validationf wraps ErrValidation with a formatted reason.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsReconnectionNeeded reports whether err requires the connection to be rebuilt.
func IsReconnectionNeeded(err error) bool {
	return errors.Is(err, ErrReconnectionNeeded)
}

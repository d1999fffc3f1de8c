package model

import (
	"errors"
)

// Error taxonomy shared by the engine components. Wrap with %w and test with errors.Is.
var (
	// ErrNotFound is returned when a referenced device is not registered
	ErrNotFound = errors.New("device not found")

	// ErrInvalidDeviceState is returned when a command targets a device that is not online
	ErrInvalidDeviceState = errors.New("invalid device state")

	// ErrTransientStore is returned when a cache/store operation fails or times out
	ErrTransientStore = errors.New("transient store failure")

	// ErrEvaluation is returned for malformed rule or automation conditions
	ErrEvaluation = errors.New("evaluation failure")
)

// IsTransient reports whether err represents a retryable store failure
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStore)
}

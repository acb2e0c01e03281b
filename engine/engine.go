// Package engine drives registered extension instances through their
// lifecycle in a configured order and routes inbound bus traffic to them. It
// stands in for the native host: lifecycle callbacks are issued one stage at
// a time, each waiting for the instance's asynchronous acknowledgment.
package engine

import (
	"errors"
	"fmt"
)

// Predefined errors for common scenarios in engine usage.
var (
	ErrExtensionAlreadyRegistered = errors.New("engine: extension name is already registered")
	ErrExtensionNotFound          = errors.New("engine: extension not found")
	ErrStartOrderMismatch         = errors.New("engine: start order list count does not match registered extensions count")
	ErrStartOrderMissing          = errors.New("engine: extension specified in start order but not registered")
	ErrStartOrderDuplicate        = errors.New("engine: duplicate extension name found in start order")
	ErrAckTimeout                 = errors.New("engine: timed out waiting for lifecycle acknowledgment")
)

func ackTimeoutError(name, stage string) error {
	return fmt.Errorf("%w: %s/%s", ErrAckTimeout, name, stage)
}

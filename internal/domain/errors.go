// Package domain contains domain models and business logic errors.
package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when trying to create a resource that already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrConflict is returned on a generation mismatch or when a write would
	// exceed capacity. Recoverable by re-reading and retrying.
	ErrConflict = errors.New("conflict with current state")

	// ErrTimeout is returned when candidate enumeration hits its deadline.
	// Partial results are never returned alongside it.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvariantViolation is returned when a store invariant would be
	// broken, such as an inventory update that leaves capacity below current
	// usage. The allocation write path reports ErrConflict instead.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrProviderInUse is returned when deleting a provider that still holds
	// allocations.
	ErrProviderInUse = errors.New("resource provider has allocations")

	// ErrProviderHasChildren is returned when deleting a provider that still
	// has child providers.
	ErrProviderHasChildren = errors.New("resource provider has child providers")

	// ErrInventoryInUse is returned when removing inventory that allocations
	// are drawn from.
	ErrInventoryInUse = errors.New("inventory in use")
)

// API error codes carried in the error envelope. Clients key on these, not
// on detail strings.
const (
	CodeBadValue         = "placement.query.bad_value"
	CodeMissingValue     = "placement.query.missing_value"
	CodeConcurrentUpdate = "placement.concurrent_update"
	CodeInventoryInUse   = "placement.inventory.inuse"
	CodeUndefined        = "placement.undefined_code"
)

// BadRequestError is returned for malformed queries or bodies. It carries
// the machine-readable code for the error envelope.
type BadRequestError struct {
	Code   string
	Detail string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("bad request (%s): %s", e.Code, e.Detail)
}

// NewBadValue returns a BadRequestError with the bad_value code.
func NewBadValue(format string, args ...interface{}) *BadRequestError {
	return &BadRequestError{Code: CodeBadValue, Detail: fmt.Sprintf(format, args...)}
}

// NewMissingValue returns a BadRequestError with the missing_value code.
func NewMissingValue(format string, args ...interface{}) *BadRequestError {
	return &BadRequestError{Code: CodeMissingValue, Detail: fmt.Sprintf(format, args...)}
}

// AsBadRequest unwraps err into a BadRequestError if it is one.
func AsBadRequest(err error) (*BadRequestError, bool) {
	var br *BadRequestError
	if errors.As(err, &br) {
		return br, true
	}
	return nil, false
}

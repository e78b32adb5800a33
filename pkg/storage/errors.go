package storage

import (
	"errors"
	"fmt"
	"net/netip"
)

// Common errors returned by storage operations.
var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBadAddress is returned when an update is rejected because its
	// address is classified as bad (honeypot or mass-responder).
	ErrBadAddress = errors.New("bad address")

	// ErrMalformedUpdate is returned when an update document is missing the
	// fields the duplicate-content check needs.
	ErrMalformedUpdate = errors.New("malformed update document")

	// ErrClosed is returned when attempting to use a closed store.
	ErrClosed = errors.New("store is closed")
)

// NotFoundError wraps ErrNotFound with additional context.
type NotFoundError struct {
	ResourceType string // "server", "exclusion", etc.
	Key          string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.ResourceType, e.Key)
}

// Unwrap returns the underlying error.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// Is checks if the error matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// BadAddressError wraps ErrBadAddress with the rejected target.
type BadAddressError struct {
	Addr netip.Addr
	Port uint16
}

// Error implements the error interface.
func (e *BadAddressError) Error() string {
	return fmt.Sprintf("bad address %s (port %d)", e.Addr, e.Port)
}

// Unwrap returns the underlying error.
func (e *BadAddressError) Unwrap() error {
	return ErrBadAddress
}

// Is checks if the error matches ErrBadAddress.
func (e *BadAddressError) Is(target error) bool {
	return target == ErrBadAddress
}

// MalformedUpdateError wraps ErrMalformedUpdate with the missing piece.
type MalformedUpdateError struct {
	Reason string
}

// Error implements the error interface.
func (e *MalformedUpdateError) Error() string {
	return fmt.Sprintf("malformed update document: %s", e.Reason)
}

// Unwrap returns the underlying error.
func (e *MalformedUpdateError) Unwrap() error {
	return ErrMalformedUpdate
}

// Is checks if the error matches ErrMalformedUpdate.
func (e *MalformedUpdateError) Is(target error) bool {
	return target == ErrMalformedUpdate
}

// IsNotFound checks if an error is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsBadAddress checks if an error is or wraps ErrBadAddress.
func IsBadAddress(err error) bool {
	return errors.Is(err, ErrBadAddress)
}

// IsMalformedUpdate checks if an error is or wraps ErrMalformedUpdate.
func IsMalformedUpdate(err error) bool {
	return errors.Is(err, ErrMalformedUpdate)
}

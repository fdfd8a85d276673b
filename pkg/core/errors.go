package core

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrNotFound is returned when an entry does not exist
	ErrNotFound = errors.New("entry not found")

	// ErrStoreClosed is returned when trying to use a closed store
	ErrStoreClosed = errors.New("store is closed")

	// ErrStoreUnavailable is returned when the backing database cannot be
	// opened or is corrupt
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidDimension is returned when an embedding does not match the
	// pinned store dimension
	ErrInvalidDimension = errors.New("invalid embedding dimension")

	// ErrVectorDisabled is returned when a vector operation is attempted
	// while vector capability is off
	ErrVectorDisabled = errors.New("vector capability disabled")

	// ErrEmbeddingImmutable is returned when an update tries to change a
	// stored embedding
	ErrEmbeddingImmutable = errors.New("embedding cannot be updated")

	// ErrIdentityMismatch is returned when an entry row and its vector row
	// disagree about their shared identity
	ErrIdentityMismatch = errors.New("entry and vector identity mismatch")

	// ErrEmptyContent is returned when an entry has no content
	ErrEmptyContent = errors.New("empty content")
)

// StoreError wraps errors with operation context
type StoreError struct {
	Op  string // Operation name
	Err error  // Underlying error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("knowledge: %v", e.Err)
	}
	return fmt.Sprintf("knowledge: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// wrapError wraps an error with operation context
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

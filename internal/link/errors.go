package link

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected is returned when an operation needs an active watch.
	ErrNotConnected = errors.New("bridge not connected")
	// ErrNotTracked is returned for writes to an entity the bridge does not
	// track.
	ErrNotTracked = errors.New("entity not tracked")
	// ErrInvalidPath is returned for empty ids or malformed field paths.
	ErrInvalidPath = errors.New("invalid field path")
)

// WriteErrorCode categorizes write failures.
type WriteErrorCode string

const (
	// ErrCodeRemote indicates the remote store rejected the write.
	ErrCodeRemote WriteErrorCode = "REMOTE_WRITE_FAILED"

	// ErrCodeValidation indicates the entity failed schema validation and
	// nothing was sent.
	ErrCodeValidation WriteErrorCode = "VALIDATION_FAILED"

	// ErrCodeTransform indicates a WriteAll transform failed for an entity.
	ErrCodeTransform WriteErrorCode = "TRANSFORM_FAILED"
)

// WriteError reports a failed write for one entity.
type WriteError struct {
	// Code identifies the failure category.
	Code WriteErrorCode

	// EntityID is the entity that was being written.
	EntityID string

	// Fields lists the field paths in the write.
	Fields []string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("%s: entity %s [%s]: %v", e.Code, e.EntityID, strings.Join(e.Fields, ", "), e.Err)
	}
	return fmt.Sprintf("%s: entity %s: %v", e.Code, e.EntityID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *WriteError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err is a WriteError caused by
// validation. Uses errors.As to handle wrapped errors.
func IsValidationError(err error) bool {
	var we *WriteError
	if errors.As(err, &we) {
		return we.Code == ErrCodeValidation
	}
	return false
}

// IsRemoteError reports whether err is a WriteError from the remote store.
func IsRemoteError(err error) bool {
	var we *WriteError
	if errors.As(err, &we) {
		return we.Code == ErrCodeRemote
	}
	return false
}

// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

package store

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by store operations. Callers dispatch with
// errors.Is; StorageError additionally carries the failing operation.
var (
	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("store is closed")

	// ErrConflict is returned when a write violates a uniqueness invariant,
	// such as a duplicate conversation or message id. Callers should not
	// retry blindly.
	ErrConflict = errors.New("conflict: uniqueness invariant violated")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrTooLarge is returned when a batch exceeds the configured row bound.
	// The caller must split the batch.
	ErrTooLarge = errors.New("batch exceeds maximum row count")

	// ErrInvalidOperation is returned when an operation is structurally
	// invalid (missing entity, unknown role, empty id).
	ErrInvalidOperation = errors.New("invalid operation")
)

// StorageError wraps an underlying I/O failure. The caller may retry after
// backoff; nothing was partially committed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsRetryable reports whether the error is a transient storage or timeout
// failure that the caller may retry with backoff. Conflict, too-large, and
// validation errors are not retryable.
func IsRetryable(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return true
	}
	return errors.Is(err, errTimeout)
}

// errTimeout is the base for deadline failures; exposed through IsTimeout.
var errTimeout = errors.New("deadline exceeded before commit completed")

// TimeoutError reports a commit or checkpoint deadline overrun. The
// underlying transaction was discarded, never partially applied.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, errTimeout)
}

func (e *TimeoutError) Unwrap() error { return errTimeout }

// IsTimeout reports whether the error is a deadline overrun.
func IsTimeout(err error) bool {
	return errors.Is(err, errTimeout)
}

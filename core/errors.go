package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound is permanent: the shape no longer exists.
	ErrNotFound = errors.New("shape not found")

	// ErrLockConflict matches every *LockConflictError.
	ErrLockConflict = errors.New("shape is locked by another user")

	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("invalid shape attributes")
)

type (
	// LockConflictError reports that a shape is held by a different user.
	// It is expected during collaboration and is refused silently by the UI.
	LockConflictError struct {
		ShapeID   string
		OwnerID   string
		OwnerName string
	}

	// TransientError wraps store failures that may succeed on retry
	// (network blips, contention).
	TransientError struct {
		Op  string
		Err error
	}

	// ValidationError rejects an attribute set before any write happens.
	ValidationError struct {
		Field  string
		Reason string
	}

	// BatchError collects per-shape failures of a best effort batch.
	BatchError struct {
		Op       string
		Total    int
		Failures map[string]error
	}
)

func (e *LockConflictError) Error() string {
	owner := e.OwnerName
	if owner == "" {
		owner = e.OwnerID
	}
	return fmt.Sprintf("shape %s is locked by %s", e.ShapeID, owner)
}

func (e *LockConflictError) Is(target error) bool {
	return target == ErrLockConflict
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient store error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err, or anything it wraps, is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func NotFound(id string) error {
	return fmt.Errorf("shape with id %s: %w", id, ErrNotFound)
}

func (e *BatchError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Failures[id]))
	}
	return fmt.Sprintf("%s: %d of %d shapes failed (%s)", e.Op, len(e.Failures), e.Total, strings.Join(parts, "; "))
}

// Failed returns the ids that did not succeed.
func (e *BatchError) Failed() []string {
	ids := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NewBatchError returns nil when failures is empty.
func NewBatchError(op string, total int, failures map[string]error) error {
	if len(failures) == 0 {
		return nil
	}
	return &BatchError{Op: op, Total: total, Failures: failures}
}

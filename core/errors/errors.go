// Package errors provides standardized error types and helpers for the dwgcore runtime.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the object runtime.
var (
	// ErrHandleSpaceExhausted indicates the handle counter cannot advance.
	// It is fatal for the database instance.
	ErrHandleSpaceExhausted = errors.New("handle space exhausted")
	// ErrUnknownHandle indicates the directory has no entry for a handle
	ErrUnknownHandle = errors.New("unknown handle")
	// ErrErasedAccess indicates a dereference of an erased entity
	ErrErasedAccess = errors.New("entity is erased")
	// ErrEntityUnavailable indicates an entity could not be brought into memory
	ErrEntityUnavailable = errors.New("entity unavailable")
	// ErrNotResident indicates an operation that requires a resident entity
	ErrNotResident = errors.New("entity is not resident")
	// ErrInUse indicates an entity still has open references
	ErrInUse = errors.New("entity is in use")
	// ErrAlreadyMaterialized indicates a handle that already has an entity
	ErrAlreadyMaterialized = errors.New("entity already materialized")
	// ErrNotOpen indicates a Close without a matching Open
	ErrNotOpen = errors.New("entity is not open")

	// ErrBackingStoreUnavailable indicates the paging backing store could not be created
	ErrBackingStoreUnavailable = errors.New("backing store unavailable")
	// ErrNotBound indicates a page controller was used outside a bind/unbind window
	ErrNotBound = errors.New("page controller not bound")
	// ErrPayloadTooLarge indicates a payload that cannot be length-prefixed
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrCorruptRecord indicates a paged record failed validation. It is fatal.
	ErrCorruptRecord = errors.New("corrupt paging record")

	// ErrNoActiveTransaction indicates end/abort without an open frame
	ErrNoActiveTransaction = errors.New("no active transaction")
	// ErrTransactionActive indicates an operation that needs every frame closed
	ErrTransactionActive = errors.New("transaction in progress")
	// ErrNoUndoAvailable indicates the undo stack holds nothing to undo
	ErrNoUndoAvailable = errors.New("nothing to undo")
	// ErrNoRedoAvailable indicates the redo stack is empty
	ErrNoRedoAvailable = errors.New("nothing to redo")

	// ErrClosed indicates use of a database after Close
	ErrClosed = errors.New("database is closed")
)

// HandleError represents a directory failure tied to a specific handle.
type HandleError struct {
	Op     string // Operation being performed (e.g., "resolve", "evict")
	Handle uint64 // Handle involved
	Err    error  // Underlying error
}

func (e *HandleError) Error() string {
	return fmt.Sprintf("%s %X: %v", e.Op, e.Handle, e.Err)
}

func (e *HandleError) Unwrap() error {
	return e.Err
}

// PagingError represents a page controller failure.
type PagingError struct {
	Op  string // "bind", "write", "read", ...
	Key string // Storage key in text form, if any
	Err error  // Underlying error
}

func (e *PagingError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("paging %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("paging %s: %v", e.Op, e.Err)
}

func (e *PagingError) Unwrap() error {
	return e.Err
}

// CorruptionError describes a scratch record that could not be trusted.
type CorruptionError struct {
	Path   string // Backing file path
	Offset int64  // Record offset
	Reason string // What was wrong with the record
}

func (e *CorruptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("corrupt record at %s:%d: %s", e.Path, e.Offset, e.Reason)
	}
	return fmt.Sprintf("corrupt record at offset %d: %s", e.Offset, e.Reason)
}

func (e *CorruptionError) Unwrap() error {
	return ErrCorruptRecord
}

// IOError represents an I/O operation error with context
type IOError struct {
	Operation string // Operation being performed (e.g., "read", "write", "open")
	Path      string // File/resource path involved
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to %s %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("failed to %s: %v", e.Operation, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// NewHandle creates a HandleError
func NewHandle(op string, h uint64, err error) *HandleError {
	return &HandleError{
		Op:     op,
		Handle: h,
		Err:    err,
	}
}

// NewPaging creates a PagingError
func NewPaging(op, key string, err error) *PagingError {
	return &PagingError{
		Op:  op,
		Key: key,
		Err: err,
	}
}

// NewCorruption creates a CorruptionError
func NewCorruption(path string, offset int64, reason string) *CorruptionError {
	return &CorruptionError{
		Path:   path,
		Offset: offset,
		Reason: reason,
	}
}

// NewIO creates an IOError
func NewIO(operation, path string, err error) *IOError {
	return &IOError{
		Operation: operation,
		Path:      path,
		Err:       err,
	}
}

// Wrap adds context to an error. If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf adds formatted context to an error. If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is wraps errors.Is for convenience
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As for convenience
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New wraps errors.New so callers need only one errors import.
func New(text string) error {
	return errors.New(text)
}

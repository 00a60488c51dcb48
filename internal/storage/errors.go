package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors for storage operations.
var (
	// ErrConnectionFailed indicates the ClickHouse connection could not be
	// established or was lost.
	ErrConnectionFailed = errors.New("storage: connection failed")

	// ErrQueryFailed indicates a query returned an error.
	ErrQueryFailed = errors.New("storage: query failed")

	// ErrBatchInsertFailed indicates a batch insert did not complete.
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")

	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrTimeout indicates the operation exceeded its deadline.
	ErrTimeout = errors.New("storage: operation timed out")

	// ErrInvalidData indicates the payload cannot be stored as-is.
	ErrInvalidData = errors.New("storage: invalid data")

	// ErrClosed indicates the client or writer has been closed.
	ErrClosed = errors.New("storage: closed")
)

// StorageError carries operation context alongside the underlying error.
type StorageError struct {
	Op      string
	Table   string
	Err     error
	Retries int
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a StorageError without retry context.
func NewStorageError(op, table string, err error) *StorageError {
	return &StorageError{Op: op, Table: table, Err: err}
}

// NewStorageErrorWithRetries creates a StorageError recording how many
// retries were attempted before giving up.
func NewStorageErrorWithRetries(op, table string, err error, retries int) *StorageError {
	return &StorageError{Op: op, Table: table, Err: err, Retries: retries}
}

// IsConnectionError reports whether err wraps ErrConnectionFailed.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}

// IsQueryError reports whether err wraps ErrQueryFailed.
func IsQueryError(err error) bool {
	return errors.Is(err, ErrQueryFailed)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTimeout reports whether err wraps ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsRetryable reports whether the operation is worth retrying. Connection
// failures and timeouts are transient; invalid data is not.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBatchInsertFailed)
}

// WrapConnectionError wraps err as a connection failure.
func WrapConnectionError(op string, err error) error {
	return NewStorageError(op, "", fmt.Errorf("%w: %v", ErrConnectionFailed, err))
}

// WrapQueryError wraps err as a query failure.
func WrapQueryError(op string, err error) error {
	return NewStorageError(op, "", fmt.Errorf("%w: %v", ErrQueryFailed, err))
}

// WrapNotFoundError wraps err as a not-found failure for the given table.
func WrapNotFoundError(op, table string) error {
	return NewStorageError(op, table, ErrNotFound)
}

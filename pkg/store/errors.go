package store

import (
	"errors"
	"fmt"
)

// Standard chunk store errors. Callers should check for these with errors.Is
// and map them to entry-state transitions or HTTP statuses.
var (
	// ErrStoreClosed indicates the store has been closed and cannot be used.
	ErrStoreClosed = errors.New("chunk store is closed")

	// ErrEntryNotFound indicates no backing file exists for the entry key.
	ErrEntryNotFound = errors.New("entry not found in chunk store")

	// ErrStorageFull indicates the backing volume has no available space.
	// Fatal for the affected entry's current operation, not for the process.
	ErrStorageFull = errors.New("storage full")

	// ErrInvalidOffset indicates a negative offset or length was requested.
	ErrInvalidOffset = errors.New("invalid offset")

	// ErrInvalidEntryKey indicates the entry key contains characters that
	// cannot form a safe file name.
	ErrInvalidEntryKey = errors.New("invalid entry key")
)

// StorageError wraps sentinel store errors with operational context for
// diagnostics. errors.Is matches through to the underlying sentinel:
//
//	err := &StorageError{Op: "write", EntryKey: "abc", Offset: 4096, Err: ErrStorageFull}
//	errors.Is(err, ErrStorageFull) // true
type StorageError struct {
	// Op describes the operation that failed: "create", "write", "read", "remove".
	Op string

	// EntryKey is the cache entry whose backing file was affected.
	EntryKey string

	// Offset is the byte offset involved, if applicable.
	Offset int64

	// Err is the wrapped sentinel or underlying OS error.
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s: %s (entry=%s, offset=%d)", e.Op, e.Err, e.EntryKey, e.Offset)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

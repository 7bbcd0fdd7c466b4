// Package store implements the physical chunk storage for cache entries.
//
// Each cache entry is backed by a single sparse file, writable at arbitrary
// offsets and readable over arbitrary ranges. The store has no notion of
// which ranges are valid - that is the ledger's job. Callers must consult
// the ledger before reading; reading an unwritten offset returns whatever
// the filesystem reports for the hole (zeros), which is a caller bug.
package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// Store is a filesystem-backed chunk store keeping one sparse file per entry.
// Writes at offsets beyond the current file size do not pre-fill the gap;
// the filesystem allocates only the written blocks.
type Store struct {
	mu       sync.RWMutex
	basePath string
	closed   bool

	// Open file handles per entry, created lazily. A handle stays open
	// until the entry is removed or the store is closed.
	files map[string]*os.File
}

// Config holds configuration for the chunk store.
type Config struct {
	// BasePath is the root directory for entry backing files.
	BasePath string

	// CreateDir creates the base directory if it doesn't exist.
	// Default: true
	CreateDir bool

	// DirMode is the permission mode for created directories.
	// Default: 0755
	DirMode os.FileMode

	// FileMode is the permission mode for created files.
	// Default: 0644
	FileMode os.FileMode
}

// DefaultConfig returns the default configuration.
func DefaultConfig(basePath string) Config {
	return Config{
		BasePath:  basePath,
		CreateDir: true,
		DirMode:   0755,
		FileMode:  0644,
	}
}

// New creates a new chunk store with the given configuration.
func New(cfg Config) (*Store, error) {
	if cfg.BasePath == "" {
		return nil, errors.New("base path is required")
	}

	if cfg.DirMode == 0 {
		cfg.DirMode = 0755
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0644
	}

	if cfg.CreateDir {
		if err := os.MkdirAll(cfg.BasePath, cfg.DirMode); err != nil {
			return nil, err
		}
	}

	info, err := os.Stat(cfg.BasePath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("base path is not a directory")
	}

	return &Store{
		basePath: cfg.BasePath,
		files:    make(map[string]*os.File),
	}, nil
}

// NewWithPath creates a new chunk store with default configuration.
func NewWithPath(basePath string) (*Store, error) {
	return New(DefaultConfig(basePath))
}

// validKey reports whether an entry key can be used as a file name without
// escaping the base directory.
func validKey(entryKey string) bool {
	if entryKey == "" || entryKey == "." || entryKey == ".." {
		return false
	}
	for _, r := range entryKey {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// EntryPath returns the backing file path for an entry key.
func (s *Store) EntryPath(entryKey string) string {
	return filepath.Join(s.basePath, entryKey+".bin")
}

// handle returns the open file for an entry, opening or creating it if
// needed. Caller must hold s.mu.
func (s *Store) handle(entryKey string, create bool) (*os.File, error) {
	if f, ok := s.files[entryKey]; ok {
		return f, nil
	}

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(s.EntryPath(entryKey), flags, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}

	s.files[entryKey] = f
	return f, nil
}

// Create creates the backing file for a new entry and returns its path.
// Creating an existing entry is a no-op.
func (s *Store) Create(entryKey string) (string, error) {
	if !validKey(entryKey) {
		return "", &StorageError{Op: "create", EntryKey: entryKey, Err: ErrInvalidEntryKey}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	if _, err := s.handle(entryKey, true); err != nil {
		return "", &StorageError{Op: "create", EntryKey: entryKey, Err: mapOSError(err)}
	}
	return s.EntryPath(entryKey), nil
}

// WriteAt writes data at the given offset in the entry's backing file.
// Offsets beyond the current size produce a sparse hole, not zero-fill I/O.
func (s *Store) WriteAt(ctx context.Context, entryKey string, data []byte, offset int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if offset < 0 {
		return &StorageError{Op: "write", EntryKey: entryKey, Offset: offset, Err: ErrInvalidOffset}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	f, err := s.handle(entryKey, true)
	s.mu.Unlock()
	if err != nil {
		return &StorageError{Op: "write", EntryKey: entryKey, Offset: offset, Err: mapOSError(err)}
	}

	// File handles support concurrent WriteAt; the single-writer-per-entry
	// guarantee comes from the download manager, not from this lock.
	if _, err := f.WriteAt(data, offset); err != nil {
		return &StorageError{Op: "write", EntryKey: entryKey, Offset: offset, Err: mapOSError(err)}
	}
	return nil
}

// ReadAt reads len(buf) bytes from the entry's backing file at the given
// offset. Follows io.ReaderAt semantics.
func (s *Store) ReadAt(ctx context.Context, entryKey string, buf []byte, offset int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, &StorageError{Op: "read", EntryKey: entryKey, Offset: offset, Err: ErrInvalidOffset}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrStoreClosed
	}
	f, err := s.handle(entryKey, false)
	s.mu.Unlock()
	if err != nil {
		return 0, &StorageError{Op: "read", EntryKey: entryKey, Offset: offset, Err: mapOSError(err)}
	}

	return f.ReadAt(buf, offset)
}

// Exists reports whether a backing file exists for the entry.
func (s *Store) Exists(entryKey string) bool {
	s.mu.RLock()
	if _, ok := s.files[entryKey]; ok {
		s.mu.RUnlock()
		return true
	}
	s.mu.RUnlock()

	_, err := os.Stat(s.EntryPath(entryKey))
	return err == nil
}

// Remove deletes the backing file for an entry. Removing a non-existent
// entry succeeds.
func (s *Store) Remove(entryKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if f, ok := s.files[entryKey]; ok {
		f.Close()
		delete(s.files, entryKey)
	}

	if err := os.Remove(s.EntryPath(entryKey)); err != nil && !os.IsNotExist(err) {
		return &StorageError{Op: "remove", EntryKey: entryKey, Err: mapOSError(err)}
	}
	return nil
}

// DiskUsage returns the apparent size of an entry's backing file. Note this
// is the file length, not allocated blocks; the ledger's byte accounting is
// authoritative for cache usage.
func (s *Store) DiskUsage(entryKey string) (int64, error) {
	info, err := os.Stat(s.EntryPath(entryKey))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrEntryNotFound
		}
		return 0, err
	}
	return info.Size(), nil
}

// BasePath returns the base path of the store.
func (s *Store) BasePath() string {
	return s.basePath
}

// HealthCheck verifies the store is accessible and operational.
func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := os.Stat(s.basePath)
	return err
}

// Close closes all open handles and marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for key, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, key)
	}
	return firstErr
}

// mapOSError converts OS-level errors to store sentinels where a sentinel
// exists, passing everything else through.
func mapOSError(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return ErrStorageFull
	}
	if os.IsNotExist(err) {
		return ErrEntryNotFound
	}
	return err
}

// Package ledger is the durable record of which byte ranges of each cache
// entry are present on disk.
//
// The ledger is the single source of truth for availability: nothing else in
// the system is allowed to answer "is byte N available" - in particular not
// the size of the backing file. It survives process restarts; entries left
// in the downloading state resume from their recorded chunks.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Sentinel errors.
var (
	// ErrEntryNotFound indicates the entry key has no ledger record.
	ErrEntryNotFound = errors.New("entry not found in ledger")

	// ErrInvalidRange indicates a range with negative start or end < start.
	ErrInvalidRange = errors.New("invalid byte range")
)

// entryLockCount is the number of striped per-entry mutexes serializing
// merge-inserts. Merges for the same entry always take the same stripe, so
// "non-overlapping, maximally-merged" cannot be violated by a race between
// two sub-chunk completions.
const entryLockCount = 64

// Ledger provides durable chunk-range bookkeeping backed by SQLite.
type Ledger struct {
	db    *gorm.DB
	locks [entryLockCount]sync.Mutex
}

// Open opens (or creates) the ledger database at the given path and runs
// schema migration.
func Open(path string) (*Ledger, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	if err := db.AutoMigrate(&Entry{}, &Chunk{}); err != nil {
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (l *Ledger) entryLock(entryKey string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(entryKey))
	return &l.locks[h.Sum32()%entryLockCount]
}

// ============================================================================
// Entry lifecycle
// ============================================================================

// CreateEntry inserts a new entry in the initializing state. If the entry
// already exists it is returned unchanged.
func (l *Ledger) CreateEntry(ctx context.Context, entryKey, originURL, storagePath string) (*Entry, error) {
	now := time.Now().UTC()
	entry := Entry{
		EntryKey:     entryKey,
		State:        StateInitializing,
		OriginURL:    originURL,
		StoragePath:  storagePath,
		CreatedAt:    now,
		LastAccessAt: now,
	}

	err := l.db.WithContext(ctx).
		Where(Entry{EntryKey: entryKey}).
		FirstOrCreate(&entry).Error
	if err != nil {
		return nil, fmt.Errorf("create entry %s: %w", entryKey, err)
	}
	return &entry, nil
}

// GetEntry returns the entry for a key, or ErrEntryNotFound.
func (l *Ledger) GetEntry(ctx context.Context, entryKey string) (*Entry, error) {
	var entry Entry
	err := l.db.WithContext(ctx).First(&entry, "entry_key = ?", entryKey).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// Touch updates the entry's last-access timestamp. Called on every proxy
// request; drives LRU eviction ordering.
func (l *Ledger) Touch(ctx context.Context, entryKey string) error {
	return l.updateEntry(ctx, entryKey, map[string]any{"last_access_at": time.Now().UTC()})
}

// SetTotalSize records the origin-reported content length. An initializing
// entry transitions to downloading; other states keep their state (a resumed
// probe on a downloading entry just confirms the size).
func (l *Ledger) SetTotalSize(ctx context.Context, entryKey string, size int64) error {
	if size < 0 {
		return ErrInvalidRange
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry Entry
		if err := tx.First(&entry, "entry_key = ?", entryKey).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEntryNotFound
			}
			return err
		}

		updates := map[string]any{"expected_total_size": size}
		if entry.State == StateInitializing {
			updates["state"] = StateDownloading
		}
		return tx.Model(&Entry{}).Where("entry_key = ?", entryKey).Updates(updates).Error
	})
}

// SetState forces an entry into the given state.
func (l *Ledger) SetState(ctx context.Context, entryKey string, state EntryState) error {
	return l.updateEntry(ctx, entryKey, map[string]any{"state": state})
}

// MarkFailed transitions an entry to the failed state after unrecoverable
// origin errors.
func (l *Ledger) MarkFailed(ctx context.Context, entryKey string) error {
	return l.SetState(ctx, entryKey, StateFailed)
}

func (l *Ledger) updateEntry(ctx context.Context, entryKey string, updates map[string]any) error {
	res := l.db.WithContext(ctx).Model(&Entry{}).Where("entry_key = ?", entryKey).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// DeleteEntry removes an entry and all its chunks.
func (l *Ledger) DeleteEntry(ctx context.Context, entryKey string) error {
	lock := l.entryLock(entryKey)
	lock.Lock()
	defer lock.Unlock()

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("entry_key = ?", entryKey).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return tx.Where("entry_key = ?", entryKey).Delete(&Entry{}).Error
	})
}

// Entries returns all entries.
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := l.db.WithContext(ctx).Find(&entries).Error
	return entries, err
}

// EntriesByLastAccess returns entries in the given states ordered by
// last-access time, oldest first. Used by the eviction pass.
func (l *Ledger) EntriesByLastAccess(ctx context.Context, states ...EntryState) ([]Entry, error) {
	var entries []Entry
	q := l.db.WithContext(ctx).Order("last_access_at ASC")
	if len(states) > 0 {
		q = q.Where("state IN ?", states)
	}
	err := q.Find(&entries).Error
	return entries, err
}

// ============================================================================
// Chunk ranges
// ============================================================================

// AddRange records a contiguous byte range as downloaded, merging it with
// any overlapping or adjacent chunks so the ledger stays at the minimal
// cover of the downloaded union. Re-inserting an already-covered range is a
// no-op.
//
// Returns the merged chunk's range and whether the insert completed the
// entry (single chunk spanning [0, expected_total_size)).
func (l *Ledger) AddRange(ctx context.Context, entryKey string, rng ByteRange) (ByteRange, bool, error) {
	if !rng.Valid() {
		return ByteRange{}, false, ErrInvalidRange
	}

	// Serialize merges per entry
	lock := l.entryLock(entryKey)
	lock.Lock()
	defer lock.Unlock()

	merged := rng
	completed := false

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry Entry
		if err := tx.First(&entry, "entry_key = ?", entryKey).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEntryNotFound
			}
			return err
		}

		// Overlapping or adjacent chunks collapse into one row
		var touching []Chunk
		err := tx.Where("entry_key = ? AND start_byte <= ? AND end_byte >= ?",
			entryKey, rng.End+1, rng.Start-1).Find(&touching).Error
		if err != nil {
			return err
		}

		for _, c := range touching {
			if c.StartByte < merged.Start {
				merged.Start = c.StartByte
			}
			if c.EndByte > merged.End {
				merged.End = c.EndByte
			}
		}

		// Idempotent fast path: a single existing chunk already covers the
		// union, nothing to rewrite.
		rewrite := true
		if len(touching) == 1 && touching[0].StartByte == merged.Start && touching[0].EndByte == merged.End {
			rewrite = false
		}

		if rewrite {
			if len(touching) > 0 {
				ids := make([]uint, len(touching))
				for i, c := range touching {
					ids[i] = c.ID
				}
				if err := tx.Where("id IN ?", ids).Delete(&Chunk{}).Error; err != nil {
					return err
				}
			}
			chunk := Chunk{EntryKey: entryKey, StartByte: merged.Start, EndByte: merged.End}
			if err := tx.Create(&chunk).Error; err != nil {
				return err
			}
		}

		// Completion: one chunk spanning the whole known size
		if entry.ExpectedTotalSize != nil && entry.State != StateComplete &&
			merged.Start == 0 && merged.End >= *entry.ExpectedTotalSize-1 {
			if err := tx.Model(&Entry{}).Where("entry_key = ?", entryKey).
				Update("state", StateComplete).Error; err != nil {
				return err
			}
			completed = true
		}

		return nil
	})
	if err != nil {
		return ByteRange{}, false, err
	}
	return merged, completed, nil
}

// Chunks returns all chunks of an entry ordered by start offset.
func (l *Ledger) Chunks(ctx context.Context, entryKey string) ([]Chunk, error) {
	var chunks []Chunk
	err := l.db.WithContext(ctx).
		Where("entry_key = ?", entryKey).
		Order("start_byte ASC").
		Find(&chunks).Error
	return chunks, err
}

// MissingRanges returns the sub-ranges of rng not covered by any chunk,
// in ascending order. An empty result means the whole range is available.
func (l *Ledger) MissingRanges(ctx context.Context, entryKey string, rng ByteRange) ([]ByteRange, error) {
	if !rng.Valid() {
		return nil, ErrInvalidRange
	}

	var chunks []Chunk
	err := l.db.WithContext(ctx).
		Where("entry_key = ? AND start_byte <= ? AND end_byte >= ?", entryKey, rng.End, rng.Start).
		Order("start_byte ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, err
	}

	var missing []ByteRange
	pos := rng.Start
	for _, c := range chunks {
		if c.StartByte > pos {
			missing = append(missing, ByteRange{Start: pos, End: c.StartByte - 1})
		}
		if c.EndByte+1 > pos {
			pos = c.EndByte + 1
		}
		if pos > rng.End {
			break
		}
	}
	if pos <= rng.End {
		missing = append(missing, ByteRange{Start: pos, End: rng.End})
	}
	return missing, nil
}

// IsAvailable reports whether every byte of rng has a corresponding chunk.
func (l *Ledger) IsAvailable(ctx context.Context, entryKey string, rng ByteRange) (bool, error) {
	missing, err := l.MissingRanges(ctx, entryKey, rng)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// BytesPresent returns the number of downloaded bytes recorded for an entry.
func (l *Ledger) BytesPresent(ctx context.Context, entryKey string) (int64, error) {
	var total *int64
	err := l.db.WithContext(ctx).Model(&Chunk{}).
		Where("entry_key = ?", entryKey).
		Select("SUM(end_byte - start_byte + 1)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// TotalBytes returns the number of downloaded bytes across all entries.
// This is the figure the eviction policy compares against the budget.
func (l *Ledger) TotalBytes(ctx context.Context) (int64, error) {
	var total *int64
	err := l.db.WithContext(ctx).Model(&Chunk{}).
		Select("SUM(end_byte - start_byte + 1)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

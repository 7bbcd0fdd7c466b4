package ledger

import "time"

// EntryState is the lifecycle state of a cache entry.
type EntryState string

const (
	// StateInitializing means the entry exists but the origin size probe has
	// not completed yet. No completion can be declared in this state.
	StateInitializing EntryState = "initializing"

	// StateDownloading means the expected total size is known and chunks are
	// being fetched.
	StateDownloading EntryState = "downloading"

	// StateComplete means one chunk spans the whole expected size.
	StateComplete EntryState = "complete"

	// StateFailed means the origin repeatedly failed; the entry will never
	// complete without being recreated.
	StateFailed EntryState = "failed"
)

// Entry is one cached media/quality variant.
type Entry struct {
	// EntryKey is the stable opaque identifier for this entry. All
	// cross-component references use this key, never live handles.
	EntryKey string `gorm:"primaryKey"`

	// State is the current lifecycle state.
	State EntryState `gorm:"index;not null"`

	// ExpectedTotalSize is the origin-reported content length in bytes.
	// Nil until the size probe resolves it.
	ExpectedTotalSize *int64

	// OriginURL is where the content is downloaded from.
	OriginURL string `gorm:"not null"`

	// StoragePath is the backing file path in the chunk store.
	StoragePath string

	CreatedAt    time.Time
	LastAccessAt time.Time `gorm:"index"`
}

// TableName overrides the gorm default.
func (Entry) TableName() string {
	return "cache_entries"
}

// Chunk is one contiguous, fully-downloaded byte range of an entry.
// Bounds are inclusive. For any entry no two chunks overlap and no two
// chunks are adjacent: AddRange merges them.
type Chunk struct {
	ID        uint   `gorm:"primaryKey"`
	EntryKey  string `gorm:"index;not null"`
	StartByte int64  `gorm:"not null"`
	EndByte   int64  `gorm:"not null"`
}

// TableName overrides the gorm default.
func (Chunk) TableName() string {
	return "cache_chunks"
}

// Range returns the chunk's byte range.
func (c Chunk) Range() ByteRange {
	return ByteRange{Start: c.StartByte, End: c.EndByte}
}

// ByteRange is an inclusive byte range [Start, End].
type ByteRange struct {
	Start int64
	End   int64
}

// Valid reports whether the range has non-negative start and at least one byte.
func (r ByteRange) Valid() bool {
	return r.Start >= 0 && r.End >= r.Start
}

// Len returns the number of bytes in the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start + 1
}

// Intersects reports whether two ranges share at least one byte.
func (r ByteRange) Intersects(o ByteRange) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// Touches reports whether two ranges overlap or are directly adjacent,
// i.e. whether they must be stored as a single chunk.
func (r ByteRange) Touches(o ByteRange) bool {
	return r.Start <= o.End+1 && o.Start <= r.End+1
}

// Clamp limits the range to [0, limit-1]. Returns false if nothing remains.
func (r ByteRange) Clamp(limit int64) (ByteRange, bool) {
	if r.Start >= limit {
		return ByteRange{}, false
	}
	if r.End >= limit {
		r.End = limit - 1
	}
	return r, r.Valid()
}

package domain

import "time"

// EntryState describes whether a cache entry is still being populated.
type EntryState int

const (
	// StateWriting means an in-flight relay owns the entry's file.
	StateWriting EntryState = iota
	// StateComplete means the origin stream finished and the entry is immutable
	// until the janitor deletes it.
	StateComplete
)

// String returns a human-readable state name.
func (s EntryState) String() string {
	switch s {
	case StateWriting:
		return "writing"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// CacheEntry describes one cached resource on disk.
//
// SizeBytes and ModifiedAt are always derived from a filesystem stat call;
// the chunk files themselves are the index, so the store recovers from a
// crash without a corruptible side index.
type CacheEntry struct {
	// Key is the md5 hex digest of the normalized source URL. It is the only
	// way entries are addressed.
	Key string `json:"key"`

	// SourcePath is the original, non-normalized source URL. Diagnostics only.
	SourcePath string `json:"source_path,omitempty"`

	// FilePath is the entry's location inside the managed cache directory.
	// Exclusively owned by the chunk store.
	FilePath string `json:"file_path"`

	// SizeBytes is the number of bytes persisted so far.
	SizeBytes int64 `json:"size_bytes"`

	// ModifiedAt is the last write time, used for LRU ordering and expiry.
	ModifiedAt time.Time `json:"modified_at"`

	// State reports whether a relay is still appending to the file.
	State EntryState `json:"state"`
}

// Age returns how long ago the entry was last written.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.ModifiedAt)
}

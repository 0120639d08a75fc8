package chunkstore

import (
	"fmt"
	"os"
	"sync"

	"github.com/vertexstream/vidproxy/internal/domain"
)

// WriteHandle is the scoped write side of one cache entry. Exactly one
// handle exists per key at a time; the file belongs to the relay that
// opened it until the handle is closed. Close is idempotent and must be
// called on every exit path — success, client disconnect or origin error.
// A handle closed without Commit leaves its partial bytes on disk: a
// shorter, incomplete but still useful entry.
type WriteHandle struct {
	store     *Store
	key       string
	sourceURL string
	path      string

	mu     sync.Mutex
	file   *os.File
	size   int64
	closed bool
}

// Key returns the cache key this handle writes.
func (h *WriteHandle) Key() string {
	return h.key
}

// SourceURL returns the original URL the bytes come from.
func (h *WriteHandle) SourceURL() string {
	return h.sourceURL
}

// Path returns the chunk file path.
func (h *WriteHandle) Path() string {
	return h.path
}

// Write appends p to the chunk file.
func (h *WriteHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, fmt.Errorf("%w: handle closed", domain.ErrDiskWrite)
	}
	n, err := h.file.Write(p)
	h.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("%w: %v", domain.ErrDiskWrite, err)
	}
	return n, nil
}

// Size returns the bytes persisted so far.
func (h *WriteHandle) Size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Commit closes the handle after a completed origin stream. The entry is
// immutable from here on; only the janitor may delete it.
func (h *WriteHandle) Commit() error {
	return h.finish()
}

// Close releases the handle, keeping whatever bytes were written. Calling
// it after Commit is a no-op.
func (h *WriteHandle) Close() error {
	return h.finish()
}

func (h *WriteHandle) finish() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	err := h.file.Close()
	h.mu.Unlock()

	h.store.release(h.key)
	if err != nil {
		return fmt.Errorf("failed to close chunk file: %w", err)
	}
	return nil
}

package chunkstore

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/vertexstream/vidproxy/internal/domain"
)

const (
	chunkExt     = ".chunk"
	lockFileName = ".vidproxy.lock"
)

// Store is the content-addressed on-disk chunk store. One file per cache
// key lives directly under the root directory; entry size and mtime come
// from stat calls, so there is no index to corrupt. The store holds an
// exclusive flock on the root for its lifetime so a second process cannot
// interleave writes and deletes in the same directory.
type Store struct {
	rootDir           string
	playableThreshold int64
	fileLock          *flock.Flock
	logger            *zap.Logger

	mu      sync.Mutex
	writing map[string]struct{}
}

// New opens the store rooted at rootDir, creating the directory if absent.
// playableThreshold is the minimum file size, in bytes, for Exists to
// report an entry as usable.
func New(rootDir string, playableThreshold int64, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache root dir: %w", err)
	}

	fileLock := flock.New(filepath.Join(rootDir, lockFileName))
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock cache root: %w", err)
	}
	if !locked {
		return nil, domain.ErrStoreLocked
	}

	return &Store{
		rootDir:           rootDir,
		playableThreshold: playableThreshold,
		fileLock:          fileLock,
		logger:            logger,
		writing:           make(map[string]struct{}),
	}, nil
}

// Close releases the directory lock. Open write handles keep working; their
// partial files are a tolerated state.
func (s *Store) Close() error {
	return s.fileLock.Unlock()
}

// RootDir returns the managed cache directory.
func (s *Store) RootDir() string {
	return s.rootDir
}

// PathFor returns the chunk file path for a key.
func (s *Store) PathFor(key string) string {
	return filepath.Join(s.rootDir, key+chunkExt)
}

// Exists reports whether key has a usable entry: a file on disk, not owned
// by an in-flight writer, whose size is at least the playable threshold.
// Sub-threshold partial files are cache artifacts, not a playback guarantee.
// Side-effect-free.
func (s *Store) Exists(key string) bool {
	if s.IsWriting(key) {
		return false
	}
	info, err := os.Stat(s.PathFor(key))
	if err != nil {
		return false
	}
	return info.Size() >= s.playableThreshold
}

// Open returns a readable handle over the persisted file for key, along
// with its stat-derived entry. Returns domain.ErrNotFound if no file
// exists; on the serving path that means Exists was bypassed.
func (s *Store) Open(key string) (*os.File, domain.CacheEntry, error) {
	path := s.PathFor(key)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.CacheEntry{}, fmt.Errorf("key %s: %w", key, domain.ErrNotFound)
		}
		return nil, domain.CacheEntry{}, fmt.Errorf("failed to open chunk: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, domain.CacheEntry{}, fmt.Errorf("failed to stat chunk: %w", err)
	}

	return f, s.entryFromInfo(key, path, info), nil
}

// BeginWrite opens a truncating write handle for key. Partial files left by
// an earlier interrupted write are re-fetched from byte zero, never resumed:
// the store keeps no validator to splice a tail against. The caller must
// close the handle on every exit path.
func (s *Store) BeginWrite(key, sourceURL string) (*WriteHandle, error) {
	s.mu.Lock()
	if _, busy := s.writing[key]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("key %s: %w", key, domain.ErrWriteInFlight)
	}
	s.writing[key] = struct{}{}
	s.mu.Unlock()

	path := s.PathFor(key)
	f, err := os.Create(path)
	if err != nil {
		s.release(key)
		return nil, fmt.Errorf("%w: %v", domain.ErrDiskWrite, err)
	}

	return &WriteHandle{
		store:     s,
		key:       key,
		sourceURL: sourceURL,
		file:      f,
		path:      path,
	}, nil
}

// IsWriting reports whether a live write handle owns key.
func (s *Store) IsWriting(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.writing[key]
	return busy
}

func (s *Store) release(key string) {
	s.mu.Lock()
	delete(s.writing, key)
	s.mu.Unlock()
}

// ListEntries enumerates all chunk files with stat-derived metadata.
// Files that disappear mid-enumeration are skipped.
func (s *Store) ListEntries() ([]domain.CacheEntry, error) {
	dirEntries, err := os.ReadDir(s.rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache dir: %w", err)
	}

	entries := make([]domain.CacheEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), chunkExt) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		key := strings.TrimSuffix(de.Name(), chunkExt)
		entries = append(entries, s.entryFromInfo(key, filepath.Join(s.rootDir, de.Name()), info))
	}
	return entries, nil
}

// SizeOnDisk returns the total size of all chunk files.
func (s *Store) SizeOnDisk() (int64, error) {
	entries, err := s.ListEntries()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}
	return total, nil
}

// Remove deletes the chunk file for key. Entries owned by a live writer are
// never removed.
func (s *Store) Remove(key string) error {
	if s.IsWriting(key) {
		return fmt.Errorf("key %s: %w", key, domain.ErrWriteInFlight)
	}
	if err := os.Remove(s.PathFor(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete chunk: %w", err)
	}
	return nil
}

// RandomComplete returns the file path of a randomly chosen usable entry,
// or false if none exists. Used for instant-splash playback.
func (s *Store) RandomComplete() (string, bool) {
	entries, err := s.ListEntries()
	if err != nil {
		return "", false
	}

	usable := entries[:0]
	for _, e := range entries {
		if e.State == domain.StateComplete && e.SizeBytes >= s.playableThreshold {
			usable = append(usable, e)
		}
	}
	if len(usable) == 0 {
		return "", false
	}
	return usable[rand.Intn(len(usable))].FilePath, true
}

func (s *Store) entryFromInfo(key, path string, info os.FileInfo) domain.CacheEntry {
	state := domain.StateComplete
	if s.IsWriting(key) {
		state = domain.StateWriting
	}
	return domain.CacheEntry{
		Key:        key,
		FilePath:   path,
		SizeBytes:  info.Size(),
		ModifiedAt: info.ModTime(),
		State:      state,
	}
}

// Package janitor keeps the chunk store under its size ceiling and expires
// stale entries.
package janitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vertexstream/vidproxy/internal/chunkstore"
	"github.com/vertexstream/vidproxy/internal/domain"
	"github.com/vertexstream/vidproxy/internal/metadata"
)

// Config contains eviction policy settings
type Config struct {
	// MaxSizeBytes is the total-size ceiling that triggers eviction.
	MaxSizeBytes int64

	// TargetBytes is the hysteresis target eviction shrinks to once the
	// ceiling is crossed, so back-to-back runs do not thrash.
	TargetBytes int64

	// MaxEntryAge expires entries independent of size pressure.
	MaxEntryAge time.Duration

	// Interval is the schedule for background runs.
	Interval time.Duration

	// MinRunSpacing rate-limits on-demand triggers.
	MinRunSpacing time.Duration
}

// DefaultConfig returns default janitor configuration
func DefaultConfig() *Config {
	return &Config{
		MaxSizeBytes:  200 * 1024 * 1024,
		TargetBytes:   150 * 1024 * 1024,
		MaxEntryAge:   720 * time.Hour,
		Interval:      48 * time.Hour,
		MinRunSpacing: time.Minute,
	}
}

// Janitor enforces the cache eviction policy. It only reads stat snapshots
// and only deletes Complete entries, so it is safe to run concurrently
// with in-flight writes.
type Janitor struct {
	config *Config
	store  *chunkstore.Store
	meta   *metadata.Store
	logger *zap.Logger

	mu      sync.Mutex
	lastRun time.Time
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Janitor. meta may be nil.
func New(cfg *Config, store *chunkstore.Store, meta *metadata.Store, logger *zap.Logger) *Janitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.TargetBytes <= 0 || cfg.TargetBytes > cfg.MaxSizeBytes {
		cfg.TargetBytes = cfg.MaxSizeBytes * 3 / 4
	}
	// A zero interval would panic time.NewTicker in the schedule loop.
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Janitor{
		config: cfg,
		store:  store,
		meta:   meta,
		logger: logger,
	}
}

// Start runs the background schedule until ctx is cancelled or Stop is
// called.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return fmt.Errorf("janitor already running")
	}
	j.running = true
	ctx, j.cancel = context.WithCancel(ctx)
	j.mu.Unlock()

	j.logger.Info("janitor started",
		zap.Duration("interval", j.config.Interval),
		zap.Int64("max_size_bytes", j.config.MaxSizeBytes))

	j.wg.Add(1)
	go j.loop(ctx)

	<-ctx.Done()
	j.wg.Wait()
	j.logger.Info("janitor stopped")
	return nil
}

// Stop cancels the background schedule.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		j.cancel()
	}
	j.running = false
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.RunOnce(ctx); err != nil {
				// A missed cycle, retried next tick.
				j.logger.Warn("janitor cycle failed", zap.Error(err))
			}
		}
	}
}

// TryRun is the on-demand trigger. At most one pass per MinRunSpacing.
func (j *Janitor) TryRun(ctx context.Context) error {
	j.mu.Lock()
	since := time.Since(j.lastRun)
	if since < j.config.MinRunSpacing {
		j.mu.Unlock()
		return fmt.Errorf("janitor rate-limited: next run in %v", j.config.MinRunSpacing-since)
	}
	j.lastRun = time.Now()
	j.mu.Unlock()

	return j.RunOnce(ctx)
}

// RunOnce performs one deterministic maintenance pass: expire entries past
// the maximum age, then, if the total still exceeds the ceiling, evict
// oldest-modified entries until the total falls to the hysteresis target.
// Writing entries are never deleted. Idempotent.
func (j *Janitor) RunOnce(ctx context.Context) error {
	entries, err := j.store.ListEntries()
	if err != nil {
		return fmt.Errorf("failed to enumerate entries: %w", err)
	}

	now := time.Now()
	var total int64
	remaining := make([]domain.CacheEntry, 0, len(entries))

	var expiredCount int
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.State != domain.StateWriting && e.Age(now) > j.config.MaxEntryAge {
			if err := j.remove(e); err != nil {
				j.logger.Warn("failed to expire entry",
					zap.String("key", e.Key), zap.Error(err))
				// Keep counting it; retried next cycle.
				total += e.SizeBytes
				remaining = append(remaining, e)
				continue
			}
			expiredCount++
			continue
		}
		total += e.SizeBytes
		remaining = append(remaining, e)
	}

	var evictedCount int
	var evictedBytes int64
	if total > j.config.MaxSizeBytes {
		sort.Slice(remaining, func(a, b int) bool {
			return remaining[a].ModifiedAt.Before(remaining[b].ModifiedAt)
		})

		for _, e := range remaining {
			if total <= j.config.TargetBytes {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if e.State == domain.StateWriting {
				continue
			}
			if err := j.remove(e); err != nil {
				j.logger.Warn("failed to evict entry",
					zap.String("key", e.Key), zap.Error(err))
				continue
			}
			total -= e.SizeBytes
			evictedCount++
			evictedBytes += e.SizeBytes
		}
	}

	if expiredCount > 0 || evictedCount > 0 {
		j.logger.Info("janitor pass completed",
			zap.Int("expired", expiredCount),
			zap.Int("evicted", evictedCount),
			zap.Int64("evicted_bytes", evictedBytes),
			zap.Int64("remaining_bytes", total))
	}
	return nil
}

func (j *Janitor) remove(e domain.CacheEntry) error {
	if err := j.store.Remove(e.Key); err != nil {
		return err
	}
	if j.meta != nil {
		if err := j.meta.Delete(e.Key); err != nil {
			j.logger.Warn("failed to delete entry metadata",
				zap.String("key", e.Key), zap.Error(err))
		}
	}
	j.logger.Debug("entry deleted",
		zap.String("key", e.Key),
		zap.Int64("size", e.SizeBytes),
		zap.Time("modified_at", e.ModifiedAt))
	return nil
}

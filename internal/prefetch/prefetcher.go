// Package prefetch opportunistically warms the cache with the first few
// megabytes of a resource ahead of playback.
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vertexstream/vidproxy/internal/chunkstore"
	"github.com/vertexstream/vidproxy/internal/domain"
	"github.com/vertexstream/vidproxy/internal/metrics"
)

// Prefetcher downloads bounded prefixes of resources into the chunk store.
// The resulting partial files are functionally identical to an interrupted
// relay: below the playable threshold they are cache artifacts, above it
// they enable instant-start playback.
type Prefetcher struct {
	store       *chunkstore.Store
	client      *http.Client
	tracker     *metrics.LatencyTracker
	logger      *zap.Logger
	concurrency int
}

// New creates a Prefetcher. concurrency bounds PrefetchAll workers.
// tracker may be nil.
func New(store *chunkstore.Store, client *http.Client, concurrency int, tracker *metrics.LatencyTracker, logger *zap.Logger) *Prefetcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Prefetcher{
		store:       store,
		client:      client,
		tracker:     tracker,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Prefetch fetches at most maxBytes of url into the store. No-op when the
// resource already has a usable entry or another writer owns the key.
func (p *Prefetcher) Prefetch(ctx context.Context, url string, maxBytes int64) error {
	if maxBytes <= 0 {
		return fmt.Errorf("maxBytes must be positive")
	}

	key := chunkstore.Key(url)
	if p.store.Exists(key) {
		return nil
	}

	handle, err := p.store.BeginWrite(key, url)
	if err != nil {
		if errors.Is(err, domain.ErrWriteInFlight) {
			// A relay is already filling this entry; nothing to warm.
			return nil
		}
		return err
	}
	defer handle.Close()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		handle.Close()
		p.store.Remove(key)
		return fmt.Errorf("%w: %v", domain.ErrOriginUnreachable, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		handle.Close()
		p.store.Remove(key)
		return fmt.Errorf("%w: %v", domain.ErrOriginUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		handle.Close()
		p.store.Remove(key)
		return fmt.Errorf("%w: %d", domain.ErrOriginStatus, resp.StatusCode)
	}

	// Bytes past maxBytes are discarded, not downloaded: the limited copy
	// stops reading and the deferred Close drops the connection. The handle
	// is closed without Commit, leaving a Complete-ineligible partial.
	written, err := io.Copy(handle, io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		p.logger.Warn("prefetch truncated",
			zap.String("url", url),
			zap.Int64("written", written),
			zap.Error(err))
		return nil
	}

	if p.tracker != nil {
		p.tracker.Record(metrics.OpPrefetch, time.Since(start))
	}
	p.logger.Debug("prefetched",
		zap.String("url", url),
		zap.String("key", key),
		zap.Int64("bytes", written))
	return nil
}

// PrefetchAll warms a batch of URLs with bounded concurrency. Individual
// failures are logged, not fatal.
func (p *Prefetcher) PrefetchAll(ctx context.Context, urls []string, maxBytes int64) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, u := range urls {
		u := u
		g.Go(func() error {
			if err := p.Prefetch(ctx, u, maxBytes); err != nil {
				p.logger.Warn("prefetch failed", zap.String("url", u), zap.Error(err))
			}
			return ctx.Err()
		})
	}
	return g.Wait()
}

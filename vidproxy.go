// Package vidproxy is an on-device video caching proxy: a loopback-bound
// HTTP server that intercepts video and HLS requests, tees their bytes to
// a local disk store, rewrites streaming manifests through itself, and
// keeps the store under bounded size and age.
//
// The Service is an explicitly constructed, explicitly owned object; there
// is no process-wide instance. The player obtains cache-aware URLs through
// ProxyURL and plays them as ordinary HTTP.
package vidproxy

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/vertexstream/vidproxy/internal/chunkstore"
	"github.com/vertexstream/vidproxy/internal/config"
	"github.com/vertexstream/vidproxy/internal/janitor"
	"github.com/vertexstream/vidproxy/internal/manifest"
	"github.com/vertexstream/vidproxy/internal/metadata"
	"github.com/vertexstream/vidproxy/internal/metrics"
	"github.com/vertexstream/vidproxy/internal/prefetch"
	"github.com/vertexstream/vidproxy/internal/proxy"
	"github.com/vertexstream/vidproxy/internal/relay"
)

// Config is re-exported so embedders do not import internal packages.
type Config = config.Config

// DefaultConfig returns the built-in configuration with the given cache
// root.
func DefaultConfig(rootDir string) *Config {
	return config.Default(rootDir)
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Service owns every component of the proxy and exposes the in-process API
// consumed by the player.
type Service struct {
	cfg    *config.Config
	logger *zap.Logger

	store      *chunkstore.Store
	meta       *metadata.Store
	server     *proxy.Server
	janitor    *janitor.Janitor
	prefetcher *prefetch.Prefetcher
	tracker    *metrics.LatencyTracker

	mu            sync.Mutex
	started       bool
	closed        bool
	janitorCancel context.CancelFunc
}

// New constructs a Service from the configuration. logger may be nil.
// The cache directory is created and exclusively locked here; the network
// socket is not bound until Start.
func New(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := chunkstore.New(cfg.Cache.RootDir, cfg.Cache.PlayableThresholdBytes(), logger)
	if err != nil {
		return nil, err
	}

	// The sidecar is advisory: without it content types come from URL
	// extensions, everything else keeps working.
	meta, err := metadata.Open(cfg.MetaDBPath())
	if err != nil {
		logger.Warn("metadata sidecar unavailable, using extension MIME lookup", zap.Error(err))
		meta = nil
	}

	// No overall client timeout: a movie-length stream outlives any sane
	// value. Header arrival is bounded instead, and abandoned fetches are
	// cancelled by the relay.
	client := &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: cfg.Origin.GetRequestTimeout(),
		},
	}

	rl := relay.New(store, meta, client, cfg.Origin.GetAbandonedFetchTimeout(), logger)
	rw := manifest.New(client, logger)
	tracker := metrics.NewLatencyTracker(cfg.Metrics.RelativeAccuracy)

	srv := proxy.New(&proxy.Config{
		BindAddr:          cfg.HTTP.BindAddr,
		ReadHeaderTimeout: cfg.HTTP.GetReadHeaderTimeout(),
		IdleTimeout:       cfg.HTTP.GetIdleTimeout(),
	}, store, meta, rl, rw, tracker, logger)

	jan := janitor.New(&janitor.Config{
		MaxSizeBytes:  cfg.Cache.MaxSizeBytes(),
		TargetBytes:   cfg.Cache.EvictTargetBytes(),
		MaxEntryAge:   cfg.Cache.GetMaxEntryAge(),
		Interval:      cfg.Janitor.GetInterval(),
		MinRunSpacing: cfg.Janitor.GetMinRunSpacing(),
	}, store, meta, logger)

	pf := prefetch.New(store, client, cfg.Prefetch.Concurrency, tracker, logger)

	return &Service{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		meta:       meta,
		server:     srv,
		janitor:    jan,
		prefetcher: pf,
		tracker:    tracker,
	}, nil
}

// Start binds the loopback socket and launches the janitor schedule.
// Idempotent.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("service is closed")
	}
	if s.started {
		return nil
	}

	if err := s.server.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.janitorCancel = cancel
	go func() {
		if err := s.janitor.Start(ctx); err != nil && err != context.Canceled {
			s.logger.Error("janitor stopped with error", zap.Error(err))
		}
	}()

	s.started = true
	return nil
}

// ProxyURL rewrites an origin URL into a local cache-aware URL. Pure
// string transform; returns the input unchanged before Start.
func (s *Service) ProxyURL(original string) string {
	return s.server.ProxyURL(original)
}

// IsCached reports whether the URL already has a usable local entry.
func (s *Service) IsCached(url string) bool {
	return s.server.IsCached(url)
}

// Prefetch warms the cache with the first megabytes of url. A megabytes
// value of 0 uses the configured default.
func (s *Service) Prefetch(ctx context.Context, url string, megabytes int) error {
	maxBytes := int64(megabytes) * 1024 * 1024
	if maxBytes <= 0 {
		maxBytes = s.cfg.Prefetch.DefaultSizeBytes()
	}
	return s.prefetcher.Prefetch(ctx, url, maxBytes)
}

// CleanCache triggers an on-demand janitor pass, rate-limited by the
// configured minimum run spacing.
func (s *Service) CleanCache(ctx context.Context) error {
	return s.janitor.TryRun(ctx)
}

// RandomCachedVideoPath returns the on-disk path of a random usable entry,
// for instant-splash screens. The second return is false when the cache
// has none.
func (s *Service) RandomCachedVideoPath() (string, bool) {
	return s.store.RandomComplete()
}

// Close stops the janitor, shuts the server down and releases the cache
// directory lock. In-flight writes may be abandoned; their partial files
// are a tolerated state.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.janitorCancel != nil {
		s.janitorCancel()
		s.janitor.Stop()
	}

	var firstErr error
	if s.started {
		if err := s.server.Stop(context.Background()); err != nil {
			firstErr = err
		}
	}
	if s.meta != nil {
		if err := s.meta.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Package proxy is the single network-facing surface: a loopback-bound
// HTTP server routing player requests to the stream relay or the manifest
// rewriter, plus the pure ProxyURL transform the player uses to obtain
// cache-aware URLs.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vertexstream/vidproxy/internal/chunkstore"
	"github.com/vertexstream/vidproxy/internal/manifest"
	"github.com/vertexstream/vidproxy/internal/metadata"
	"github.com/vertexstream/vidproxy/internal/metrics"
	"github.com/vertexstream/vidproxy/internal/relay"
)

// Config contains HTTP server configuration
type Config struct {
	// BindAddr should stay on a loopback interface; the port may be 0 to
	// pick an ephemeral one at startup.
	BindAddr          string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		BindAddr:          "127.0.0.1:0",
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Server is the local caching proxy server.
type Server struct {
	config   *Config
	store    *chunkstore.Store
	meta     *metadata.Store
	relay    *relay.Relay
	rewriter *manifest.Rewriter
	tracker  *metrics.LatencyTracker
	logger   *zap.Logger
	server   *http.Server

	mu       sync.RWMutex
	listener net.Listener
	baseURL  string
}

// New creates a new proxy server. It does not bind until Start.
func New(cfg *Config, store *chunkstore.Store, meta *metadata.Store, rl *relay.Relay, rw *manifest.Rewriter, tracker *metrics.LatencyTracker, logger *zap.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Server{
		config:   cfg,
		store:    store,
		meta:     meta,
		relay:    rl,
		rewriter: rw,
		tracker:  tracker,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(manifest.BinaryRoute, s.handleBinary)
	mux.HandleFunc(manifest.ManifestRoute, s.handleManifest)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/debug/stats", s.handleStats)
	mux.HandleFunc("/debug/entries", s.handleEntries)

	s.server = &http.Server{
		Handler:           LoggingMiddleware(logger)(CORSMiddleware(mux)),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		// No WriteTimeout: responses stream for as long as playback runs.
	}

	return s
}

// Start binds the loopback socket on an ephemeral port and begins serving.
// Idempotent: calling Start on a started server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.config.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to bind proxy socket: %w", err)
	}
	s.listener = ln
	s.baseURL = "http://" + ln.Addr().String()

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("proxy server failed", zap.Error(err))
		}
	}()

	s.logger.Info("proxy server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop shuts the server down. Best-effort: in-flight cache writes may be
// abandoned, partial files are a tolerated state.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.listener != nil
	s.listener = nil
	s.baseURL = ""
	s.mu.Unlock()

	if !started {
		return nil
	}
	s.logger.Info("stopping proxy server")
	return s.server.Shutdown(ctx)
}

// BaseURL returns "http://127.0.0.1:<port>" once started, "" before.
func (s *Server) BaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseURL
}

// ProxyURL rewrites an origin URL into a local proxy URL. It is a pure
// string transform and performs no I/O: if the server has not started, or
// the input is empty or already local, the input comes back unchanged.
// Otherwise the URL is classified by extension and escaped into the url
// query parameter of the matching route.
func (s *Server) ProxyURL(original string) string {
	base := s.BaseURL()
	if base == "" || original == "" {
		return original
	}
	if strings.HasPrefix(original, base) || isLoopback(original) {
		return original
	}

	route := manifest.BinaryRoute
	if manifest.IsManifestURL(original) {
		route = manifest.ManifestRoute
	}
	return base + route + "?url=" + url.QueryEscape(original)
}

// IsCached reports whether the URL has a usable local entry.
func (s *Server) IsCached(original string) bool {
	return s.store.Exists(chunkstore.Key(original))
}

func isLoopback(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

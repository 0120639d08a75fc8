package proxy

import (
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/vertexstream/vidproxy/internal/metrics"
	"github.com/vertexstream/vidproxy/internal/relay"
)

// targetFromRequest extracts and validates the decoded origin URL from the
// url query parameter.
func targetFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return "", false
	}

	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		http.Error(w, "invalid url parameter", http.StatusBadRequest)
		return "", false
	}
	return target, true
}

// handleBinary is the passthrough route: stream from cache or origin,
// teeing miss traffic to disk.
func (s *Server) handleBinary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	target, ok := targetFromRequest(w, r)
	if !ok {
		return
	}

	start := time.Now()
	outcome := s.relay.Serve(w, r, target)

	switch outcome {
	case relay.OutcomeHit:
		s.tracker.Record(metrics.OpHit, time.Since(start))
	default:
		s.tracker.Record(metrics.OpMiss, time.Since(start))
	}
}

// handleManifest fetches the playlist from the origin, rewrites its URIs
// to point back at this server, and serves the rewritten text. Manifests
// are never cached as blobs.
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	target, ok := targetFromRequest(w, r)
	if !ok {
		return
	}

	start := time.Now()
	body, status, contentType, err := s.rewriter.FetchAndRewrite(r.Context(), target, s.BaseURL())
	if err != nil {
		s.logger.Warn("manifest fetch failed", zap.String("url", target), zap.Error(err))
		http.Error(w, "origin unreachable", http.StatusBadGateway)
		return
	}
	s.tracker.Record(metrics.OpManifest, time.Since(start))

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// handleHealth reports server and metadata sidecar health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.meta != nil {
		if err := s.meta.Ping(); err != nil {
			s.logger.Error("health check failed", zap.Error(err))
			http.Error(w, "metadata database unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy","time":"` + time.Now().Format(time.RFC3339) + `"}`))
}

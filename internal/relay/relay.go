// Package relay serves one client request for one resource, from cache
// when possible and from the origin otherwise, teeing miss traffic into
// the chunk store.
package relay

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vertexstream/vidproxy/internal/chunkstore"
	"github.com/vertexstream/vidproxy/internal/metadata"
)

// Outcome reports how a request was served, for metrics.
type Outcome int

const (
	// OutcomeHit means the response came entirely from the chunk store.
	OutcomeHit Outcome = iota
	// OutcomeMiss means an origin fetch was started or joined, teeing
	// bytes into the store.
	OutcomeMiss
	// OutcomePassthrough means bytes were relayed without touching the
	// store (Range request, or disk degraded).
	OutcomePassthrough
)

const copyBufferSize = 64 * 1024

// Relay routes requests between the chunk store and the origin.
//
// Cache misses are single-flight per key: the first request becomes the
// leader of a download whose only writer is the chunk file, and every
// client — the initiator included — tails that file as it grows. A second
// request for a key already downloading attaches to the same download
// instead of opening a second origin fetch.
type Relay struct {
	store  *chunkstore.Store
	meta   *metadata.Store
	client *http.Client
	logger *zap.Logger

	// abandonedTimeout bounds the whole origin fetch, so a download whose
	// clients all disconnected cannot run forever.
	abandonedTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]*download
}

// New creates a Relay. meta may be nil; content types then come from the
// URL extension only.
func New(store *chunkstore.Store, meta *metadata.Store, client *http.Client, abandonedTimeout time.Duration, logger *zap.Logger) *Relay {
	return &Relay{
		store:            store,
		meta:             meta,
		client:           client,
		logger:           logger,
		abandonedTimeout: abandonedTimeout,
		inflight:         make(map[string]*download),
	}
}

// Serve handles one proxied request for target, the decoded origin URL.
func (rl *Relay) Serve(w http.ResponseWriter, r *http.Request, target string) Outcome {
	key := chunkstore.Key(target)

	if rl.store.Exists(key) {
		rl.serveHit(w, r, key, target)
		return OutcomeHit
	}

	// A ranged miss is relayed without teeing: persisting a 206 body under
	// the whole-resource key would corrupt the entry.
	if r.Header.Get("Range") != "" {
		rl.passthrough(w, r, target)
		return OutcomePassthrough
	}

	d := rl.joinOrStart(key, target, r.Header)
	if d == nil {
		// Disk unavailable; the proxy degrades to pass-through for this
		// request instead of failing playback.
		rl.passthrough(w, r, target)
		return OutcomePassthrough
	}

	rl.follow(w, r, d)
	return OutcomeMiss
}

// InFlight reports whether a download is currently running for key.
func (rl *Relay) InFlight(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	_, ok := rl.inflight[key]
	return ok
}

// joinOrStart returns the in-flight download for key, starting one if none
// exists. Returns nil when the chunk store cannot accept a writer.
func (rl *Relay) joinOrStart(key, target string, clientHeader http.Header) *download {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if d, ok := rl.inflight[key]; ok {
		return d
	}

	handle, err := rl.store.BeginWrite(key, target)
	if err != nil {
		rl.logger.Warn("cache write unavailable, degrading to passthrough",
			zap.String("key", key), zap.String("url", target), zap.Error(err))
		return nil
	}

	d := newDownload(key, target, handle.Path())
	rl.inflight[key] = d

	go rl.runLeader(d, handle, cloneOriginHeader(clientHeader))
	return d
}

func (rl *Relay) removeInflight(key string) {
	rl.mu.Lock()
	delete(rl.inflight, key)
	rl.mu.Unlock()
}

// serveHit streams the stored file. http.ServeContent honors Range and
// sets Content-Length from the file size; the Content-Type is the one the
// origin sent when the entry was written.
func (rl *Relay) serveHit(w http.ResponseWriter, r *http.Request, key, target string) {
	f, entry, err := rl.store.Open(key)
	if err != nil {
		// Exists raced with an eviction; fall back to the origin.
		rl.logger.Warn("cache hit vanished, falling back to origin",
			zap.String("key", key), zap.Error(err))
		rl.passthrough(w, r, target)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", rl.contentTypeFor(key, target))
	http.ServeContent(w, r, "", entry.ModifiedAt, f)

	rl.logger.Debug("served from cache",
		zap.String("key", key),
		zap.Int64("size", entry.SizeBytes))
}

// contentTypeFor prefers the origin Content-Type recorded in the metadata
// sidecar and falls back to the URL extension.
func (rl *Relay) contentTypeFor(key, target string) string {
	if rl.meta != nil {
		if ct, ok := rl.meta.ContentType(key); ok {
			return ct
		}
	}
	return guessContentType(target)
}

func guessContentType(target string) string {
	if u, err := url.Parse(target); err == nil {
		if ct := mime.TypeByExtension(path.Ext(u.Path)); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}

// passthrough relays the request to the origin without touching the store.
// Origin status and entity headers are forwarded verbatim; reaching the
// origin at all failing surfaces as 502.
func (rl *Relay) passthrough(w http.ResponseWriter, r *http.Request, target string) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, nil)
	if err != nil {
		http.Error(w, "invalid upstream url", http.StatusBadRequest)
		return
	}
	req.Header = cloneOriginHeader(r.Header)

	resp, err := rl.client.Do(req)
	if err != nil {
		http.Error(w, "origin unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for _, h := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges", "Last-Modified", "ETag"} {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := copyFlush(w, resp.Body); err != nil {
		rl.logger.Debug("passthrough interrupted",
			zap.String("url", target), zap.Error(err))
	}
}

// cloneOriginHeader copies client headers for the origin request, dropping
// the ones that must be recomputed for the new connection. Accept-Encoding
// is dropped too: the transport then negotiates compression itself and
// transparently decodes it, so the store only ever holds identity-encoded
// bytes and replays stay correct for clients that never asked for gzip.
func cloneOriginHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		switch http.CanonicalHeaderKey(k) {
		case "Host", "Content-Length", "Connection", "Accept-Encoding":
			continue
		}
		out[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	return out
}

func copyFlush(w http.ResponseWriter, src io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("origin read: %w", rerr)
		}
	}
}

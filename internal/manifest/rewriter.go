// Package manifest rewrites HLS playlists so every URI they reference
// resolves back through the local proxy.
package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vertexstream/vidproxy/internal/domain"
)

// MIMEType is the HLS playlist content type served by the proxy.
const MIMEType = "application/vnd.apple.mpegurl"

// BinaryRoute and ManifestRoute are the proxy paths rewritten URIs point at.
const (
	BinaryRoute   = "/proxy"
	ManifestRoute = "/proxy-hls"
)

// maxManifestBytes bounds how much playlist text is read from the origin.
const maxManifestBytes = 4 * 1024 * 1024

// IsManifestURL reports whether a URL names an HLS playlist by extension.
func IsManifestURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return hasManifestExt(raw)
	}
	return hasManifestExt(u.Path)
}

func hasManifestExt(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".m3u8", ".m3u":
		return true
	}
	return false
}

// fetched is one origin playlist response shared between concurrent callers.
type fetched struct {
	Body        string
	Status      int
	ContentType string
}

// Rewriter fetches playlists from the origin and re-points their URIs at
// the proxy. Playlist bodies are never cached as blobs — live streams
// rotate their segment windows — but concurrent fetches of the same URL
// are deduplicated.
type Rewriter struct {
	client *http.Client
	logger *zap.Logger
	group  singleflight.Group
}

// New creates a Rewriter using the given origin HTTP client.
func New(client *http.Client, logger *zap.Logger) *Rewriter {
	return &Rewriter{client: client, logger: logger}
}

// FetchAndRewrite retrieves the playlist at manifestURL and returns its
// rewritten body, the origin status, and the content type to serve.
// A non-2xx origin status is passed back with the unmodified origin body.
func (rw *Rewriter) FetchAndRewrite(ctx context.Context, manifestURL, proxyBase string) (string, int, string, error) {
	v, err, _ := rw.group.Do(manifestURL, func() (interface{}, error) {
		return rw.fetch(ctx, manifestURL)
	})
	if err != nil {
		return "", 0, "", err
	}
	f := v.(*fetched)

	if f.Status < 200 || f.Status > 299 {
		return f.Body, f.Status, f.ContentType, nil
	}

	base, err := url.Parse(manifestURL)
	if err != nil {
		// No base to resolve against; serve the playlist untouched rather
		// than dropping lines.
		rw.logger.Warn("manifest URL does not parse, serving unrewritten",
			zap.String("url", manifestURL), zap.Error(err))
		return f.Body, f.Status, MIMEType, nil
	}

	return Rewrite(f.Body, base, proxyBase), f.Status, MIMEType, nil
}

func (rw *Rewriter) fetch(ctx context.Context, manifestURL string) (*fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOriginUnreachable, err)
	}

	resp, err := rw.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOriginUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading manifest body: %v", domain.ErrOriginUnreachable, err)
	}

	return &fetched{
		Body:        string(body),
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// Rewrite transforms a playlist body so every URI line points at the proxy.
// Tag lines (starting with #) and blank lines are copied unchanged —
// URIs embedded inside tags, such as encryption key URIs, are a known
// limitation. Any other line is treated as a URI: resolved against base,
// classified as sub-manifest or media segment by extension, and rewritten
// to the matching proxy route with the absolute URL escaped into the url
// query parameter. Lines that fail to parse pass through unmodified, since
// dropping a segment line corrupts playback.
func Rewrite(body string, base *url.URL, proxyBase string) string {
	lines := strings.Split(body, "\n")

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			lines[i] = trimmed
			continue
		}

		ref, err := url.Parse(trimmed)
		if err != nil {
			lines[i] = line
			continue
		}

		resolved := base.ResolveReference(ref).String()
		encoded := url.QueryEscape(resolved)

		route := BinaryRoute
		if IsManifestURL(resolved) {
			route = ManifestRoute
		}
		lines[i] = proxyBase + route + "?url=" + encoded
	}

	return strings.Join(lines, "\n")
}

package manifest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const proxyBase = "http://127.0.0.1:49152"

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestRewrite_VariantPlaylist(t *testing.T) {
	body := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=842x480\nvariant_480p.m3u8\n"
	base := mustParse(t, "https://cdn.example/movie/")

	out := Rewrite(body, base, proxyBase)
	lines := strings.Split(out, "\n")

	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Equal(t, "#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=842x480", lines[1])

	rewritten := mustParse(t, lines[2])
	assert.Equal(t, ManifestRoute, rewritten.Path)
	assert.Equal(t, "https://cdn.example/movie/variant_480p.m3u8", rewritten.Query().Get("url"))
}

func TestRewrite_SegmentsGoToBinaryRoute(t *testing.T) {
	body := "#EXTM3U\n#EXTINF:4.0,\nseg_000.ts\n#EXTINF:4.0,\nseg_001.ts\n#EXT-X-ENDLIST"
	base := mustParse(t, "https://cdn.example/movie/480p/index.m3u8")

	out := Rewrite(body, base, proxyBase)
	lines := strings.Split(out, "\n")

	for i, line := range []string{lines[2], lines[4]} {
		u := mustParse(t, line)
		assert.Equal(t, BinaryRoute, u.Path, "segment line %d", i)
	}
	assert.Equal(t, "https://cdn.example/movie/480p/seg_000.ts",
		mustParse(t, lines[2]).Query().Get("url"))
	assert.Equal(t, "https://cdn.example/movie/480p/seg_001.ts",
		mustParse(t, lines[4]).Query().Get("url"))
}

func TestRewrite_AbsoluteURIs(t *testing.T) {
	body := "https://other-cdn.example/seg.ts"
	base := mustParse(t, "https://cdn.example/movie/index.m3u8")

	out := Rewrite(body, base, proxyBase)
	u := mustParse(t, out)
	assert.Equal(t, "https://other-cdn.example/seg.ts", u.Query().Get("url"))
}

// Every non-tag, non-blank output line must be a proxy URL, and decoding
// its url parameter must reproduce the resolved input target.
func TestRewrite_RoundTripInvariant(t *testing.T) {
	body := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		"#EXT-X-TARGETDURATION:4",
		"",
		"#EXTINF:4.0,",
		"seg_000.ts",
		"#EXTINF:4.0,",
		"../audio/seg_000.aac",
		"low/index.m3u8",
	}, "\n")
	base := mustParse(t, "https://cdn.example/movie/video/index.m3u8")

	out := Rewrite(body, base, proxyBase)

	wantTargets := map[string]bool{
		"https://cdn.example/movie/video/seg_000.ts":     false,
		"https://cdn.example/movie/audio/seg_000.aac":    false,
		"https://cdn.example/movie/video/low/index.m3u8": false,
	}
	for _, line := range strings.Split(out, "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		require.True(t, strings.HasPrefix(line, proxyBase), "bare origin URL leaked: %s", line)
		target := mustParse(t, line).Query().Get("url")
		_, known := wantTargets[target]
		require.True(t, known, "unexpected target %s", target)
		wantTargets[target] = true
	}
	for target, seen := range wantTargets {
		assert.True(t, seen, "target %s missing from output", target)
	}
}

func TestRewrite_MalformedLinePassesThrough(t *testing.T) {
	bad := "http://bad url with spaces.ts"
	body := "#EXTM3U\n" + bad
	base := mustParse(t, "https://cdn.example/m/index.m3u8")

	out := Rewrite(body, base, proxyBase)
	assert.Contains(t, out, bad, "rewriter must fail open, dropping a line corrupts playback")
}

func TestIsManifestURL(t *testing.T) {
	assert.True(t, IsManifestURL("https://cdn.example/a/index.m3u8"))
	assert.True(t, IsManifestURL("https://cdn.example/a/INDEX.M3U8?tok=1"))
	assert.True(t, IsManifestURL("https://cdn.example/list.m3u"))
	assert.False(t, IsManifestURL("https://cdn.example/a/video.mp4"))
	assert.False(t, IsManifestURL("https://cdn.example/a/seg.ts"))
}

func TestFetchAndRewrite(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/movie/index.m3u8":
			w.Header().Set("Content-Type", MIMEType)
			w.Write([]byte("#EXTM3U\nvariant_480p.m3u8\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer origin.Close()

	rw := New(origin.Client(), zap.NewNop())

	body, status, contentType, err := rw.FetchAndRewrite(context.Background(), origin.URL+"/movie/index.m3u8", proxyBase)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, MIMEType, contentType)

	lines := strings.Split(strings.TrimSpace(body), "\n")
	u := mustParse(t, lines[1])
	assert.Equal(t, ManifestRoute, u.Path)
	assert.Equal(t, origin.URL+"/movie/variant_480p.m3u8", u.Query().Get("url"))
}

func TestFetchAndRewrite_OriginErrorPassedThrough(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer origin.Close()

	rw := New(origin.Client(), zap.NewNop())

	body, status, _, err := rw.FetchAndRewrite(context.Background(), origin.URL+"/missing.m3u8", proxyBase)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, body, "gone")
}

func TestFetchAndRewrite_OriginUnreachable(t *testing.T) {
	rw := New(&http.Client{}, zap.NewNop())
	_, _, _, err := rw.FetchAndRewrite(context.Background(), "http://127.0.0.1:1/index.m3u8", proxyBase)
	assert.Error(t, err)
}

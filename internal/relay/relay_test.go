package relay

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vertexstream/vidproxy/internal/chunkstore"
	"github.com/vertexstream/vidproxy/internal/metadata"
)

func newTestRelay(t *testing.T, threshold int64, meta *metadata.Store) (*Relay, *chunkstore.Store) {
	t.Helper()
	store, err := chunkstore.New(t.TempDir(), threshold, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rl := New(store, meta, &http.Client{}, time.Minute, zap.NewNop())
	return rl, store
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	p := make([]byte, n)
	_, err := rand.Read(p)
	require.NoError(t, err)
	return p
}

func serve(rl *Relay, target string) (*httptest.ResponseRecorder, Outcome) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/proxy?url="+target, nil)
	outcome := rl.Serve(rec, req, target)
	return rec, outcome
}

func TestRelay_SecondRequestServedFromCache(t *testing.T) {
	payload := randomPayload(t, 256*1024)
	var originCalls atomic.Int32

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originCalls.Add(1)
		w.Header().Set("Content-Type", "video/mp4")
		w.Write(payload)
	}))
	defer origin.Close()

	rl, store := newTestRelay(t, 1024, nil)
	target := origin.URL + "/video.mp4"

	rec1, outcome1 := serve(rl, target)
	assert.Equal(t, OutcomeMiss, outcome1)
	assert.Equal(t, http.StatusOK, rec1.Code)
	assert.True(t, bytes.Equal(payload, rec1.Body.Bytes()))
	assert.Equal(t, int32(1), originCalls.Load())

	// The full body is on disk.
	key := chunkstore.Key(target)
	require.True(t, store.Exists(key))
	info, err := os.Stat(store.PathFor(key))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.Size())

	rec2, outcome2 := serve(rl, target)
	assert.Equal(t, OutcomeHit, outcome2)
	assert.Equal(t, http.StatusOK, rec2.Code)
	assert.True(t, bytes.Equal(payload, rec2.Body.Bytes()), "cache replay must be byte-identical")
	assert.Equal(t, int32(1), originCalls.Load(), "a hit must not touch the origin")
}

func TestRelay_ConcurrentRequestsSingleFlight(t *testing.T) {
	payload := randomPayload(t, 128*1024)
	var originCalls atomic.Int32
	release := make(chan struct{})

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originCalls.Add(1)
		w.Header().Set("Content-Type", "video/mp4")
		w.Write(payload[:64*1024])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
		w.Write(payload[64*1024:])
	}))
	defer origin.Close()

	rl, _ := newTestRelay(t, 1024, nil)
	target := origin.URL + "/video.mp4"

	const clients = 5
	var wg sync.WaitGroup
	recs := make([]*httptest.ResponseRecorder, clients)
	for i := 0; i < clients; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			recs[i], _ = serve(rl, target)
		}()
	}

	// Let every client reach the download before the origin finishes.
	time.Sleep(200 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), originCalls.Load(), "concurrent misses for one key must share one origin fetch")
	for i, rec := range recs {
		assert.Equal(t, http.StatusOK, rec.Code, "client %d", i)
		assert.True(t, bytes.Equal(payload, rec.Body.Bytes()), "client %d body mismatch", i)
	}
}

func TestRelay_TruncatedOriginLeavesExactPartial(t *testing.T) {
	payload := randomPayload(t, 64*1024)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Promise more than is delivered, then drop the connection.
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)*2))
		w.Write(payload)
	}))
	defer origin.Close()

	threshold := int64(len(payload)) + 1
	rl, store := newTestRelay(t, threshold, nil)
	target := origin.URL + "/cut.mp4"

	rec, outcome := serve(rl, target)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.True(t, bytes.Equal(payload, rec.Body.Bytes()))

	key := chunkstore.Key(target)
	info, err := os.Stat(store.PathFor(key))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.Size(), "partial file holds exactly the delivered bytes")
	assert.False(t, store.Exists(key), "sub-threshold partial is not a usable entry")
}

func TestRelay_OriginErrorPassedThroughVerbatim(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("token expired"))
	}))
	defer origin.Close()

	rl, store := newTestRelay(t, 16, nil)
	target := origin.URL + "/denied.mp4"

	rec, _ := serve(rl, target)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "token expired", rec.Body.String())

	key := chunkstore.Key(target)
	_, err := os.Stat(store.PathFor(key))
	assert.True(t, os.IsNotExist(err), "origin errors must not leave cache files")
}

func TestRelay_OriginUnreachable(t *testing.T) {
	rl, _ := newTestRelay(t, 16, nil)

	rec, _ := serve(rl, "http://127.0.0.1:1/video.mp4")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestRelay_RangeMissIsPassthrough(t *testing.T) {
	payload := randomPayload(t, 4096)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=0-1023", r.Header.Get("Range"))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-1023/%d", len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[:1024])
	}))
	defer origin.Close()

	rl, store := newTestRelay(t, 16, nil)
	target := origin.URL + "/ranged.mp4"

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/proxy?url="+target, nil)
	req.Header.Set("Range", "bytes=0-1023")
	outcome := rl.Serve(rec, req, target)

	assert.Equal(t, OutcomePassthrough, outcome)
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, 1024, rec.Body.Len())

	_, err := os.Stat(store.PathFor(chunkstore.Key(target)))
	assert.True(t, os.IsNotExist(err), "a 206 body must never be teed into the store")
}

func TestRelay_RangeHitServedFromDisk(t *testing.T) {
	payload := randomPayload(t, 8192)
	var originCalls atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originCalls.Add(1)
		w.Write(payload)
	}))
	defer origin.Close()

	rl, _ := newTestRelay(t, 1024, nil)
	target := origin.URL + "/seek.mp4"

	serve(rl, target) // warm

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/proxy?url="+target, nil)
	req.Header.Set("Range", "bytes=100-199")
	outcome := rl.Serve(rec, req, target)

	assert.Equal(t, OutcomeHit, outcome)
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.True(t, bytes.Equal(payload[100:200], rec.Body.Bytes()))
	assert.Equal(t, int32(1), originCalls.Load())
}

func TestRelay_LeaderOutlivesDisconnectedClient(t *testing.T) {
	payload := randomPayload(t, 64*1024)
	release := make(chan struct{})

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write(payload[:1024])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
		w.Write(payload[1024:])
	}))
	defer origin.Close()

	rl, store := newTestRelay(t, 1024, nil)
	target := origin.URL + "/walked-away.mp4"
	key := chunkstore.Key(target)

	ctx, cancel := context.WithCancel(context.Background())
	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/proxy?url="+target, nil).WithContext(ctx)
		rl.Serve(rec, req, target)
	}()

	require.Eventually(t, func() bool { return rl.InFlight(key) },
		2*time.Second, 10*time.Millisecond)

	// The only client leaves mid-download.
	cancel()
	select {
	case <-clientDone:
	case <-time.After(2 * time.Second):
		t.Fatal("follower did not return after its client disconnected")
	}

	close(release)
	require.Eventually(t, func() bool { return store.Exists(key) },
		2*time.Second, 10*time.Millisecond, "the fetch must finish with no one watching")

	info, err := os.Stat(store.PathFor(key))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.Size())
}

func TestRelay_AbandonTimerCancelsUnwatchedDownload(t *testing.T) {
	stall := make(chan struct{})
	defer close(stall)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write(make([]byte, 1024))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// Stall forever; only the abandon timer can end this download.
		select {
		case <-stall:
		case <-r.Context().Done():
		}
	}))
	defer origin.Close()

	store, err := chunkstore.New(t.TempDir(), 16, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()
	rl := New(store, nil, &http.Client{}, 100*time.Millisecond, zap.NewNop())

	target := origin.URL + "/stalled.mp4"
	key := chunkstore.Key(target)

	ctx, cancel := context.WithCancel(context.Background())
	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/proxy?url="+target, nil).WithContext(ctx)
		rl.Serve(rec, req, target)
	}()

	require.Eventually(t, func() bool { return rl.InFlight(key) },
		2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-clientDone:
	case <-time.After(2 * time.Second):
		t.Fatal("follower stayed blocked on a stalled origin after disconnect")
	}

	require.Eventually(t, func() bool { return !rl.InFlight(key) },
		2*time.Second, 10*time.Millisecond,
		"a download nobody is watching must be cancelled, freeing the key")
}

func TestRelay_CompressedOriginCachedDecoded(t *testing.T) {
	payload := randomPayload(t, 32*1024)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			gz := gzip.NewWriter(w)
			gz.Write(payload)
			gz.Close()
			return
		}
		w.Write(payload)
	}))
	defer origin.Close()

	rl, store := newTestRelay(t, 1024, nil)
	target := origin.URL + "/zipped.mp4"

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/proxy?url="+target, nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rl.Serve(rec, req, target)
	assert.True(t, bytes.Equal(payload, rec.Body.Bytes()),
		"the miss response must carry identity bytes even for a gzip-capable client")

	key := chunkstore.Key(target)
	require.True(t, store.Exists(key))
	onDisk, err := os.ReadFile(store.PathFor(key))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, onDisk), "the store must hold decoded bytes")

	rec2, outcome := serve(rl, target)
	assert.Equal(t, OutcomeHit, outcome)
	assert.True(t, bytes.Equal(payload, rec2.Body.Bytes()))
	assert.Empty(t, rec2.Header().Get("Content-Encoding"))
}

func TestRelay_ContentTypeFromMetadataSidecar(t *testing.T) {
	dir := t.TempDir()
	meta, err := metadata.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	defer meta.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/quicktime")
		w.Write(make([]byte, 2048))
	}))
	defer origin.Close()

	store, err := chunkstore.New(t.TempDir(), 1024, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()
	rl := New(store, meta, &http.Client{}, time.Minute, zap.NewNop())

	// The URL extension says nothing useful; the stored type must win.
	target := origin.URL + "/download"
	serve(rl, target)

	rec, outcome := serve(rl, target)
	assert.Equal(t, OutcomeHit, outcome)
	assert.Equal(t, "video/quicktime", rec.Header().Get("Content-Type"))
}

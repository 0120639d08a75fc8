package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vertexstream/vidproxy/internal/chunkstore"
	"github.com/vertexstream/vidproxy/internal/domain"
)

// maxErrorBody bounds the origin error body replayed to followers on a
// non-2xx status.
const maxErrorBody = 64 * 1024

// download is one single-flight origin fetch. The leader goroutine is the
// sole writer of the chunk file; followers tail the file and are woken by
// the condition variable as bytes land, so the file never has gaps ahead
// of what any client received.
type download struct {
	key    string
	target string
	path   string

	mu   sync.Mutex
	cond *sync.Cond

	headerReady   bool
	status        int
	contentType   string
	contentLength int64
	errorBody     []byte

	written int64
	done    bool
	err     error

	// followers counts attached clients. When the last one detaches the
	// abandon timer starts; firing it cancels the leader's origin fetch so
	// a download nobody is watching cannot run forever.
	followers    int
	cancelLeader context.CancelFunc
	abandonAfter time.Duration
	abandonTimer *time.Timer
}

func newDownload(key, target, path string) *download {
	d := &download{
		key:           key,
		target:        target,
		path:          path,
		contentLength: -1,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *download) armAbandon(cancel context.CancelFunc, after time.Duration) {
	d.mu.Lock()
	d.cancelLeader = cancel
	d.abandonAfter = after
	d.mu.Unlock()
}

func (d *download) attach() {
	d.mu.Lock()
	d.followers++
	if d.abandonTimer != nil {
		d.abandonTimer.Stop()
		d.abandonTimer = nil
	}
	d.mu.Unlock()
}

func (d *download) detach() {
	d.mu.Lock()
	d.followers--
	if d.followers <= 0 && !d.done && d.cancelLeader != nil && d.abandonTimer == nil {
		d.abandonTimer = time.AfterFunc(d.abandonAfter, d.cancelLeader)
	}
	d.mu.Unlock()
}

func (d *download) setHeader(status int, contentType string, contentLength int64) {
	d.mu.Lock()
	d.status = status
	d.contentType = contentType
	d.contentLength = contentLength
	d.headerReady = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *download) failStatus(status int, contentType string, body []byte) {
	d.mu.Lock()
	d.status = status
	d.contentType = contentType
	d.errorBody = body
	d.headerReady = true
	d.done = true
	d.err = domain.ErrOriginStatus
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *download) advance(n int64) {
	d.mu.Lock()
	d.written += n
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *download) finish(err error) {
	d.mu.Lock()
	d.done = true
	d.err = err
	d.headerReady = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

// waitHeader blocks until the origin response status is known or ctx is
// cancelled.
func (d *download) waitHeader(ctx context.Context) (status int, contentType string, contentLength int64, errorBody []byte, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for !d.headerReady && ctx.Err() == nil {
		d.cond.Wait()
	}
	return d.status, d.contentType, d.contentLength, d.errorBody, d.err
}

// waitProgress blocks until more than offset bytes are on disk, the
// download ended, or ctx is cancelled. The caller must arrange for the
// condition to be broadcast on cancellation; a follower stuck in Wait
// would otherwise never detach and the abandon timer would never arm.
func (d *download) waitProgress(ctx context.Context, offset int64) (written int64, done bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.written <= offset && !d.done && ctx.Err() == nil {
		d.cond.Wait()
	}
	return d.written, d.done, d.err
}

// runLeader drives the origin fetch to completion. It runs detached from
// any client: if every consumer disconnects the fetch keeps filling the
// cache, bounded only by the abandoned-fetch timeout (armed when the last
// follower detaches). On origin EOF the handle is committed; on mid-stream
// error the partial file is left in place as a shorter but still useful
// entry.
func (rl *Relay) runLeader(d *download, handle *chunkstore.WriteHandle, originHeader http.Header) {
	defer rl.removeInflight(d.key)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.armAbandon(cancel, rl.abandonedTimeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.target, nil)
	if err != nil {
		handle.Close()
		rl.store.Remove(d.key)
		d.finish(domain.ErrOriginUnreachable)
		return
	}
	req.Header = originHeader

	resp, err := rl.client.Do(req)
	if err != nil {
		handle.Close()
		rl.store.Remove(d.key)
		rl.logger.Warn("origin fetch failed",
			zap.String("url", d.target), zap.Error(err))
		d.finish(domain.ErrOriginUnreachable)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		handle.Close()
		rl.store.Remove(d.key)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		d.failStatus(resp.StatusCode, resp.Header.Get("Content-Type"), body)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = guessContentType(d.target)
	}
	if rl.meta != nil {
		if err := rl.meta.Put(d.key, d.target, contentType); err != nil {
			rl.logger.Warn("failed to record entry metadata",
				zap.String("key", d.key), zap.Error(err))
		}
	}
	d.setHeader(resp.StatusCode, contentType, resp.ContentLength)

	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := handle.Write(buf[:n]); werr != nil {
				// Storage gave out mid-stream. The bytes on disk stay; the
				// followers get what was written and a truncated body.
				rl.logger.Error("disk write failed mid-stream",
					zap.String("key", d.key), zap.Error(werr))
				handle.Close()
				d.finish(domain.ErrDiskWrite)
				return
			}
			d.advance(int64(n))
		}
		if errors.Is(rerr, io.EOF) {
			if cerr := handle.Commit(); cerr != nil {
				rl.logger.Warn("failed to commit chunk",
					zap.String("key", d.key), zap.Error(cerr))
			}
			if rl.meta != nil {
				if merr := rl.meta.MarkComplete(d.key); merr != nil {
					rl.logger.Warn("failed to mark entry complete",
						zap.String("key", d.key), zap.Error(merr))
				}
			}
			d.finish(nil)
			rl.logger.Info("cache entry completed",
				zap.String("key", d.key),
				zap.String("url", d.target),
				zap.Int64("size", handle.Size()))
			return
		}
		if rerr != nil {
			// Partial file intentionally retained.
			handle.Close()
			rl.logger.Warn("origin stream truncated",
				zap.String("key", d.key),
				zap.Int64("written", handle.Size()),
				zap.Error(rerr))
			d.finish(domain.ErrOriginUnreachable)
			return
		}
	}
}

// follow streams one download to one client, reading the chunk file as the
// leader grows it. A client disconnect stops only this follower; the
// leader runs on.
func (rl *Relay) follow(w http.ResponseWriter, r *http.Request, d *download) {
	d.attach()
	defer d.detach()

	// A disconnected client must wake its follower out of cond.Wait so it
	// detaches; the download itself makes no progress to do the waking.
	ctx := r.Context()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			d.cond.Broadcast()
		case <-stop:
		}
	}()

	status, contentType, contentLength, errorBody, derr := d.waitHeader(ctx)
	if ctx.Err() != nil {
		return
	}

	if derr != nil && status == 0 {
		http.Error(w, "origin unreachable", http.StatusBadGateway)
		return
	}

	if status < 200 || status > 299 {
		// Origin error passed through verbatim.
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(status)
		w.Write(errorBody)
		return
	}

	w.Header().Set("Content-Type", contentType)
	if contentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(contentLength, 10))
	}
	w.WriteHeader(http.StatusOK)

	f, err := os.Open(d.path)
	if err != nil {
		rl.logger.Error("failed to open in-progress chunk",
			zap.String("key", d.key), zap.Error(err))
		return
	}
	defer f.Close()

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, copyBufferSize)
	var offset int64

	for {
		written, done, _ := d.waitProgress(ctx, offset)
		if ctx.Err() != nil {
			return
		}

		for offset < written {
			if ctx.Err() != nil {
				return
			}
			n := int64(len(buf))
			if written-offset < n {
				n = written - offset
			}
			rn, rerr := f.ReadAt(buf[:n], offset)
			if rn > 0 {
				if _, werr := w.Write(buf[:rn]); werr != nil {
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
				offset += int64(rn)
			}
			if rerr != nil && !errors.Is(rerr, io.EOF) {
				return
			}
		}

		if done {
			// Truncation shows up to the client as a short body; the
			// partial entry stays usable for the next request.
			return
		}
	}
}

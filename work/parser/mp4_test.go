package parser

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"kptv-proxy/work/buffer"
	"kptv-proxy/work/cachetier"
	"kptv-proxy/work/client"
	"kptv-proxy/work/config"
	"kptv-proxy/work/pool"
	"kptv-proxy/work/registry"
)

// TestWindowsIntersectingWindowBoundary covers the window-boundary Range
// edge case: a range starting exactly one byte past the first window's
// last byte must intersect only the second window, not the first.
func TestWindowsIntersectingWindowBoundary(t *testing.T) {
	const firstSize, size = int64(10), int64(10)

	windows := windowsIntersecting(firstSize, firstSize+size-1, firstSize, size, 4)
	if len(windows) != 1 {
		t.Fatalf("expected exactly one window for a range starting at the second window's first byte, got %d: %+v", len(windows), windows)
	}
	if windows[0].start != firstSize {
		t.Fatalf("expected the intersecting window to start at %d, got %d", firstSize, windows[0].start)
	}
}

// TestWindowsIntersectingOneByteRange covers the 1-byte Range edge case:
// requesting a single byte must still resolve to exactly one window.
func TestWindowsIntersectingOneByteRange(t *testing.T) {
	windows := windowsIntersecting(5, 5, 10, 10, 4)
	if len(windows) != 1 {
		t.Fatalf("expected exactly one window for a 1-byte range, got %d: %+v", len(windows), windows)
	}
	if windows[0].start != 0 {
		t.Fatalf("expected the intersecting window to start at 0, got %d", windows[0].start)
	}
}

func TestParseClientRangeOneByteRange(t *testing.T) {
	s, e, has := parseClientRange("bytes=5-5")
	if !has || s != 5 || e != 5 {
		t.Fatalf("expected (5, 5, true), got (%d, %d, %v)", s, e, has)
	}
}

func newTestMP4Deps(t *testing.T, segmentSize int64, cacheSegments int) *Deps {
	cfg := config.Default()
	cfg.SegmentSize = segmentSize
	cfg.FirstSegmentSize = segmentSize
	cfg.CacheSegments = cacheSegments
	cache := cachetier.New(t.TempDir(), 1<<20, 1<<20)
	cl := client.NewHeaderSettingClient(cfg)
	bufPool := buffer.NewBufferPool(1 << 16)
	p := pool.New(cfg.PoolSize, cache, cl, bufPool, 0, cfg.SegmentSize, cfg.FirstSegmentSize)
	reg := registry.New(p, cfg)
	return NewDeps(cache, reg, cl, cfg)
}

// TestServeRangeAgainstNonRangeHonoringOrigin covers the non-range-honoring
// origin split: when the origin ignores the Range header and returns 200
// with the whole body, the client must still receive only the bytes it
// requested, sliced client-side from the full fetch.
func TestServeRangeAgainstNonRangeHonoringOrigin(t *testing.T) {
	full := []byte("0123456789abcdefghij") // 20 bytes
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK) // ignores Range, returns everything
		w.Write(full)
	}))
	defer origin.Close()

	d := newTestMP4Deps(t, 20, 2)
	w := newFakeResponder()

	reqHeaders := http.Header{}
	reqHeaders.Set("Range", "bytes=5-9")

	if err := ServeRange(d, w, origin.URL, reqHeaders); err != nil {
		t.Fatalf("ServeRange: %v", err)
	}

	if w.status != http.StatusPartialContent {
		t.Fatalf("expected 206 Partial Content, got %d", w.status)
	}
	if got := w.body.String(); got != "56789" {
		t.Fatalf("expected client to receive only the requested slice %q, got %q", "56789", got)
	}
}

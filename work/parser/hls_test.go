package parser

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"kptv-proxy/work/buffer"
	"kptv-proxy/work/cachetier"
	"kptv-proxy/work/client"
	"kptv-proxy/work/config"
	"kptv-proxy/work/pool"
	"kptv-proxy/work/registry"
)

// fakeResponder is a minimal Responder for tests that only need to inspect
// the written body, not exercise real connection framing.
type fakeResponder struct {
	status  int
	headers map[string]string
	body    strings.Builder
	gone    chan struct{}
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{gone: make(chan struct{})}
}

func (f *fakeResponder) Write(p []byte) (int, error) {
	return f.body.Write(p)
}

func (f *fakeResponder) WriteStatus(code int, headers map[string]string) error {
	f.status = code
	f.headers = headers
	return nil
}

func (f *fakeResponder) ClientGone() <-chan struct{} { return f.gone }

func newTestDeps(t *testing.T) *Deps {
	cfg := config.Default()
	cache := cachetier.New(t.TempDir(), 1<<20, 1<<20)
	cl := client.NewHeaderSettingClient(cfg)
	bufPool := buffer.NewBufferPool(1 << 16)
	p := pool.New(cfg.PoolSize, cache, cl, bufPool, 0, cfg.SegmentSize, cfg.FirstSegmentSize)
	reg := registry.New(p, cfg)
	return NewDeps(cache, reg, cl, cfg)
}

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1280000
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2560000
high/index.m3u8
`

// TestServePlaylistRewritesVariantURIsThroughProxy is the §8 scenario-4
// HLS rewrite check: every variant URI in a served master
// playlist must be rewritten to route back through the proxy, carrying an
// origin= parameter that resolves to the original absolute variant URL.
func TestServePlaylistRewritesVariantURIsThroughProxy(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(masterPlaylist))
	}))
	defer origin.Close()

	d := newTestDeps(t)
	w := newFakeResponder()

	err := ServePlaylist(d, w, origin.URL+"/master.m3u8", http.Header{}, "http://127.0.0.1:9999")
	if err != nil {
		t.Fatalf("ServePlaylist: %v", err)
	}

	body := w.body.String()
	wantLow := "origin=" + url.QueryEscape(origin.URL+"/low/index.m3u8")
	wantHigh := "origin=" + url.QueryEscape(origin.URL+"/high/index.m3u8")
	if !strings.Contains(body, "http://127.0.0.1:9999/") {
		t.Fatalf("expected rewritten URIs to route through the proxy base, got:\n%s", body)
	}
	if !strings.Contains(body, wantLow) {
		t.Fatalf("expected rewritten low-bitrate variant to carry %q, got:\n%s", wantLow, body)
	}
	if !strings.Contains(body, wantHigh) {
		t.Fatalf("expected rewritten high-bitrate variant to carry %q, got:\n%s", wantHigh, body)
	}
	if strings.Contains(body, "ccid=") {
		t.Fatalf("expected no ccid= parameter when no Custom-Cache-ID header was set, got:\n%s", body)
	}
}

// TestServePlaylistPropagatesCustomCacheID is the regression test for the
// custom-cache-id propagation feature: a request carrying the configured
// Custom-Cache-ID header must have that value threaded through every
// rewritten variant URI as a ccid= sibling parameter.
func TestServePlaylistPropagatesCustomCacheID(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(masterPlaylist))
	}))
	defer origin.Close()

	d := newTestDeps(t)
	w := newFakeResponder()

	headers := http.Header{}
	headers.Set(d.Cfg.CustomCacheID, "viewerA")

	err := ServePlaylist(d, w, origin.URL+"/master.m3u8", headers, "http://127.0.0.1:9999")
	if err != nil {
		t.Fatalf("ServePlaylist: %v", err)
	}

	body := w.body.String()
	if !strings.Contains(body, "ccid=viewerA") {
		t.Fatalf("expected every rewritten variant URI to carry ccid=viewerA, got:\n%s", body)
	}
}

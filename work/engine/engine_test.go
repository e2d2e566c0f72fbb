package engine

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kptv-proxy/work/config"
)

func newTestEngine(t *testing.T) *Engine {
	cfg := config.Default()
	cfg.CacheRootPath = t.TempDir()
	cfg.SegmentSize = 1024
	cfg.FirstSegmentSize = 1024
	cfg.PoolSize = 2
	cfg.LogPrint = false
	return New(cfg)
}

func TestIsCachedFalseBeforePrecache(t *testing.T) {
	e := newTestEngine(t)
	if e.IsCached("http://origin.invalid/v.mp4", nil, 1) {
		t.Fatal("expected not cached before any fetch")
	}
}

func TestPrecacheThenIsCached(t *testing.T) {
	body := make([]byte, 2048)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer origin.Close()

	e := newTestEngine(t)

	stream := e.Precache(origin.URL, nil, 1, true, false)
	if stream != nil {
		t.Fatal("expected nil stream when progressListen is false")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !e.IsCached(origin.URL, nil, 1) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !e.IsCached(origin.URL, nil, 1) {
		t.Fatal("expected url to be cached after precache completes")
	}
}

func TestPrecacheDedupesConcurrentRuns(t *testing.T) {
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 64))
	}))
	defer origin.Close()

	e := newTestEngine(t)

	first := e.Precache(origin.URL, nil, 1, true, true)
	if first == nil {
		t.Fatal("expected first precache call to start a run")
	}

	second := e.Precache(origin.URL, nil, 1, true, true)
	if second != nil {
		t.Fatal("expected second precache call for the same url to be deduplicated")
	}

	close(release)
	for range first {
		// drain until the first run's stream closes
	}
}

// TestCancelVideoTasksDecrementsActiveCount drip-feeds the origin response
// one byte at a time so the worker's read loop revisits its control channel
// often enough for CancelVideoTasks to take effect well before the fetch
// would otherwise finish, without depending on exact timing.
func TestCancelVideoTasksDecrementsActiveCount(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for i := 0; i < 200; i++ {
			w.Write([]byte{'x'})
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(5 * time.Millisecond)
		}
	}))
	defer origin.Close()

	e := newTestEngine(t)
	e.Precache(origin.URL, nil, 2, false, false)

	deadline := time.Now().Add(500 * time.Millisecond)
	for e.GetActiveTaskCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	before := e.GetActiveTaskCount()
	if before == 0 {
		t.Fatal("expected at least one active task before cancel")
	}

	e.CancelVideoTasks(origin.URL, nil)

	deadline = time.Now().Add(1 * time.Second)
	for e.GetActiveTaskCount() >= before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := e.GetActiveTaskCount(); got >= before {
		t.Fatalf("expected active task count to drop below %d, got %d", before, got)
	}
}

package pool

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kptv-proxy/work/buffer"
	"kptv-proxy/work/cachetier"
	"kptv-proxy/work/client"
	"kptv-proxy/work/config"
	"kptv-proxy/work/task"
)

func newTestPool(t *testing.T, size int) (*Pool, *cachetier.Cache) {
	cache := cachetier.New(t.TempDir(), 1<<20, 1<<20)
	cfg := config.Default()
	cl := client.NewHeaderSettingClient(cfg)
	bufPool := buffer.NewBufferPool(1 << 16)
	return New(size, cache, cl, bufPool, 0, cfg.SegmentSize, cfg.FirstSegmentSize), cache
}

func TestCacheHitCompletesWithoutNetworkIO(t *testing.T) {
	p, cache := newTestPool(t, 2)

	end := int64(9)
	k := cachetier.Key{Fingerprint: "fp", StartRange: 0, EndRange: &end}
	cache.Put(k, make([]byte, 10))

	tk := task.New(p.NextID(), "http://should-not-be-dialed.invalid/v.mp4", nil, "fp", "", 0, &end, task.HighPriority)
	p.Submit(tk)

	tk.Wait()
	if tk.GetStatus() != task.Completed {
		t.Fatalf("expected COMPLETED, got %s", tk.GetStatus())
	}
	if tk.DownloadedBytes() != 10 {
		t.Fatalf("expected 10 downloaded bytes, got %d", tk.DownloadedBytes())
	}
}

func TestFetchFromOriginCachesResult(t *testing.T) {
	body := []byte("hello world")
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-10/11")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body)
	}))
	defer origin.Close()

	p, cache := newTestPool(t, 1)

	end := int64(10)
	tk := task.New(p.NextID(), origin.URL, nil, "fp2", "", 0, &end, task.HighPriority)
	p.Submit(tk)
	tk.Wait()

	if tk.GetStatus() != task.Completed {
		t.Fatalf("expected COMPLETED, got %s (err on task not tracked here)", tk.GetStatus())
	}

	k := cachetier.Key{Fingerprint: "fp2", StartRange: 0, EndRange: &end}
	data, ok := cache.Get(k)
	if !ok {
		t.Fatal("expected fetched bytes to be cached")
	}
	if string(data) != string(body) {
		t.Fatalf("got %q want %q", data, body)
	}
}

func TestAtMostOneDownloadingPerFingerprint(t *testing.T) {
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("x"))
	}))
	defer origin.Close()

	p, _ := newTestPool(t, 4)

	end := int64(0)
	t1 := task.New(p.NextID(), origin.URL, nil, "shared-fp", "", 0, &end, task.HighPriority)
	p.Submit(t1)

	time.Sleep(20 * time.Millisecond) // let t1 claim the fingerprint

	t2 := task.New(p.NextID(), origin.URL, nil, "shared-fp", "", 1, &end, task.LowPriority)
	p.Submit(t2)

	time.Sleep(20 * time.Millisecond)
	if t2.GetStatus() == task.Downloading {
		t.Fatal("expected second task for the same fingerprint to wait, not download concurrently")
	}

	close(release)
	t1.Wait()
	t2.Wait()
}

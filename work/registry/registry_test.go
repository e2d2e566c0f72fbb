package registry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"kptv-proxy/work/buffer"
	"kptv-proxy/work/cachetier"
	"kptv-proxy/work/client"
	"kptv-proxy/work/config"
	"kptv-proxy/work/pool"
	"kptv-proxy/work/task"
)

func newTestRegistry(t *testing.T) *Registry {
	cfg := config.Default()
	cache := cachetier.New(t.TempDir(), 1<<20, 1<<20)
	cl := client.NewHeaderSettingClient(cfg)
	bufPool := buffer.NewBufferPool(1 << 16)
	p := pool.New(2, cache, cl, bufPool, 0, cfg.SegmentSize, cfg.FirstSegmentSize)
	return New(p, cfg)
}

// TestAddTaskCoalescesSameTriple regression-tests the byFingerprint ->
// byTriple fix: two submissions addressing the exact same
// (fingerprint, startRange, endRange) triple must coalesce onto a single
// in-flight task.
func TestAddTaskCoalescesSameTriple(t *testing.T) {
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("x"))
	}))
	defer origin.Close()

	r := newTestRegistry(t)

	end := int64(0)
	first := task.New(1, origin.URL, nil, "fp", "", 0, &end, task.HighPriority)
	active := r.AddTask(first)
	if active != first {
		t.Fatalf("expected first submission to become the active task")
	}

	dup := task.New(2, origin.URL, nil, "fp", "", 0, &end, task.HighPriority)
	coalesced := r.AddTask(dup)
	if coalesced != first {
		t.Fatalf("expected duplicate triple to coalesce onto the first task, got a distinct task")
	}

	close(release)
	first.Wait()
}

// TestAddTaskDoesNotClobberDifferentWindowsOfSameFingerprint is the direct
// regression test for the reviewed bug: two different byte-range windows
// of the same resource (same fingerprint, different ranges — exactly what
// ServeRange's own prefetchHorizon submits alongside the client's current
// window) must each get their own coalescing slot instead of the second
// overwriting the first's index entry.
func TestAddTaskDoesNotClobberDifferentWindowsOfSameFingerprint(t *testing.T) {
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("x"))
	}))
	defer origin.Close()

	r := newTestRegistry(t)

	endA := int64(0)
	windowA := task.New(1, origin.URL, nil, "fp", "", 0, &endA, task.HighPriority)
	activeA := r.AddTask(windowA)
	if activeA != windowA {
		t.Fatalf("expected window A to become active")
	}

	endB := int64(9)
	windowB := task.New(2, origin.URL, nil, "fp", "", 5, &endB, task.LowPriority)
	activeB := r.AddTask(windowB)
	if activeB != windowB {
		t.Fatalf("expected window B (a distinct triple) to become its own active task, got %v", activeB)
	}

	// A duplicate of window A submitted after window B must still coalesce
	// onto windowA, not get lost behind window B's now-more-recent entry.
	dupA := task.New(3, origin.URL, nil, "fp", "", 0, &endA, task.HighPriority)
	coalescedA := r.AddTask(dupA)
	if coalescedA != windowA {
		t.Fatalf("expected duplicate of window A to still coalesce onto windowA after window B was indexed, got %v", coalescedA)
	}

	close(release)
	windowA.Wait()
	windowB.Wait()
}

func TestCancelVideoTasksMatchesURLDespiteCustomCacheID(t *testing.T) {
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("x"))
	}))
	defer origin.Close()

	r := newTestRegistry(t)

	end := int64(0)
	masterFP := "masterfp"
	tk := task.New(1, origin.URL, nil, masterFP, masterFP, 0, &end, task.HighPriority)
	r.AddTask(tk)

	headers := http.Header{}
	headers.Set(r.cfg.CustomCacheID, "viewerA")

	// CancelVideoTasks derives its comparison fingerprint from
	// fingerprint.Of(url, customID), which does not equal this task's
	// Fingerprint ("masterfp"); the task must still be cancelled because its
	// URI equals url, whatever custom cache id the headers carry.
	r.CancelVideoTasks(origin.URL, headers)

	close(release)
	tk.Wait()
	if tk.GetStatus() != task.Cancelled {
		t.Fatalf("expected task cancelled by matching URL, got %s", tk.GetStatus())
	}
}

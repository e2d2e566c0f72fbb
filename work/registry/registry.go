// Package registry implements the task registry and dispatcher:
// deduplication, cancellation by URL/fingerprint/hlsKey, and taskCount
// fan-out. It has no pause or resume entry points; those signals reach a
// worker only through task.Signal on the task itself.
package registry

import (
	"net/http"
	"os"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"kptv-proxy/work/cachetier"
	"kptv-proxy/work/config"
	"kptv-proxy/work/fingerprint"
	"kptv-proxy/work/metrics"
	"kptv-proxy/work/pool"
	"kptv-proxy/work/task"
)

// CachedVideoInfo is a merged snapshot of one cached or in-flight range,
// combining live task progress with the disk tier's one-shot walk, per the
// specification's registry description.
type CachedVideoInfo struct {
	Key         string
	URL         string
	StartRange  int64
	EndRange    *int64
	CachedBytes int64
	TotalBytes  int64
	CacheDir    string
}

// Registry is the process-wide (per-Engine) task index described by the
// specification's DownloadCacheRegistry and task-registry sections
// combined: it both tracks active pre-cache keys and submits/coalesces/
// cancels tasks against the worker pool.
type Registry struct {
	pool *pool.Pool
	cfg  *config.Config

	mu       sync.Mutex
	allTasks []*task.Task // insertion order, mutated only here

	byID     map[uint64]*task.Task
	byTriple *xsync.MapOf[string, *task.Task] // task.Key() -> task, for coalescing
	byHLSKey *xsync.MapOf[string, []*task.Task]

	urlByFingerprint map[string]string // fingerprint -> origin URL, for GetCachedVideos

	precaching map[string]bool // fingerprint -> pre-cache run active

	countMu   sync.Mutex
	countSubs []chan int
}

// New constructs a Registry bound to pool and cfg.
func New(p *pool.Pool, cfg *config.Config) *Registry {
	return &Registry{
		pool:             p,
		cfg:              cfg,
		byID:             make(map[uint64]*task.Task),
		byTriple:         xsync.NewMapOf[string, *task.Task](),
		byHLSKey:         xsync.NewMapOf[string, []*task.Task](),
		urlByFingerprint: make(map[string]string),
		precaching:       make(map[string]bool),
	}
}

// AddTask coalesces duplicates: if an equivalent, non-terminal task is
// already registered, its existing progress handle is returned instead of
// submitting a new fetch.
func (r *Registry) AddTask(t *task.Task) *task.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byTriple.Load(t.Key()); ok && !existing.GetStatus().Terminal() {
		return existing
	}

	r.allTasks = append(r.allTasks, t)
	r.byID[t.ID] = t
	r.byTriple.Store(t.Key(), t)
	r.urlByFingerprint[t.Fingerprint] = t.URI
	if t.HLSKey != "" {
		existing, _ := r.byHLSKey.Load(t.HLSKey)
		r.byHLSKey.Store(t.HLSKey, append(existing, t))
	}

	r.pool.Submit(t)
	r.broadcastCount(len(r.allTasks))
	metrics.TaskCount.WithLabelValues(t.GetStatus().String()).Inc()

	return t
}

// ExecuteTask submits t (via AddTask's coalescing) and blocks until it
// reaches a terminal state, returning the task for its final status.
func (r *Registry) ExecuteTask(t *task.Task) *task.Task {
	active := r.AddTask(t)
	active.Wait()
	return active
}

// CancelVideoTasks cancels every task whose URL, fingerprint, or hlsKey
// matches url/headers, then removes them from allTasks. When url names an
// HLS master, its own fingerprint (salted by the same custom cache id, if
// any) is exactly the hlsKey every descendant segment/playlist was
// recorded under, so a single fp computation serves both comparisons.
func (r *Registry) CancelVideoTasks(url string, headers http.Header) {
	customID := ""
	if headers != nil {
		customID = headers.Get(r.cfg.CustomCacheID)
	}
	fp := fingerprint.Of(url, customID)

	r.mu.Lock()
	defer r.mu.Unlock()

	toCancel := make(map[uint64]*task.Task)
	for _, t := range r.allTasks {
		if t.URI == url || t.Fingerprint == fp || t.HLSKey == fp {
			toCancel[t.ID] = t
		}
	}
	if len(toCancel) == 0 {
		return
	}

	remaining := r.allTasks[:0:0]
	for _, t := range r.allTasks {
		if _, cancel := toCancel[t.ID]; cancel {
			t.Signal(task.SignalCancel)
			continue
		}
		remaining = append(remaining, t)
	}
	r.allTasks = remaining
	for id := range toCancel {
		delete(r.byID, id)
	}

	r.broadcastCount(len(r.allTasks))
}

// CancelLowPriority cancels in-flight or pending low-priority tasks for fp
// (speculative pre-fetch beyond the current playback position) while
// leaving high-priority tasks to complete up to the cacheSegments horizon,
// per the ClientDisconnect propagation policy.
func (r *Registry) CancelLowPriority(fp string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	toCancel := make(map[uint64]*task.Task)
	for _, t := range r.allTasks {
		if t.Fingerprint == fp && t.Priority == task.LowPriority && !t.GetStatus().Terminal() {
			toCancel[t.ID] = t
		}
	}
	if len(toCancel) == 0 {
		return
	}

	remaining := r.allTasks[:0:0]
	for _, t := range r.allTasks {
		if _, cancel := toCancel[t.ID]; cancel {
			t.Signal(task.SignalCancel)
			continue
		}
		remaining = append(remaining, t)
	}
	r.allTasks = remaining
	for id := range toCancel {
		delete(r.byID, id)
	}

	r.broadcastCount(len(r.allTasks))
}

// GetTaskCount returns the number of tasks currently tracked (any status).
func (r *Registry) GetTaskCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.allTasks)
}

// GetActiveTaskCount returns the number of non-terminal tasks.
func (r *Registry) GetActiveTaskCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.allTasks {
		if !t.GetStatus().Terminal() {
			n++
		}
	}
	return n
}

// TaskCountStream returns a channel that receives the current task count
// every time it changes.
func (r *Registry) TaskCountStream() <-chan int {
	ch := make(chan int, 8)
	r.countMu.Lock()
	r.countSubs = append(r.countSubs, ch)
	r.countMu.Unlock()
	return ch
}

func (r *Registry) broadcastCount(n int) {
	r.countMu.Lock()
	defer r.countMu.Unlock()
	for _, ch := range r.countSubs {
		select {
		case ch <- n:
		default:
		}
	}
}

// MarkPrecaching records fp as having an active pre-cache run, returning
// false if one was already active (the caller should then treat the
// request as deduplicated and return nil rather than starting a second
// run).
func (r *Registry) MarkPrecaching(fp string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.precaching[fp] {
		return false
	}
	r.precaching[fp] = true
	return true
}

// ClearPrecaching releases the pre-cache-in-progress marker for fp.
func (r *Registry) ClearPrecaching(fp string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.precaching, fp)
}

// GetCachedVideos merges live task progress with a one-shot walk of the
// disk tier (via cache.StorageMap) into the CachedVideoInfo snapshot
// described by the specification's registry section.
func (r *Registry) GetCachedVideos(cache *cachetier.Cache) []CachedVideoInfo {
	r.mu.Lock()
	urlByFP := make(map[string]string, len(r.urlByFingerprint))
	for k, v := range r.urlByFingerprint {
		urlByFP[k] = v
	}
	tasksByKey := make(map[string]*task.Task, len(r.allTasks))
	for _, t := range r.allTasks {
		tasksByKey[taskCacheKey(t).String()] = t
	}
	r.mu.Unlock()

	var out []CachedVideoInfo
	seen := make(map[string]bool)

	for key, path := range cache.StorageMap() {
		info := CachedVideoInfo{
			Key:        key.String(),
			URL:        urlByFP[key.Fingerprint],
			StartRange: key.StartRange,
			EndRange:   key.EndRange,
			CacheDir:   path,
		}
		if t, ok := tasksByKey[key.String()]; ok {
			info.CachedBytes = t.DownloadedBytes()
			info.TotalBytes = t.TotalBytes()
		} else if fi, err := os.Stat(path); err == nil {
			info.CachedBytes = fi.Size()
			info.TotalBytes = fi.Size()
		}
		out = append(out, info)
		seen[key.String()] = true
	}

	for keyStr, t := range tasksByKey {
		if seen[keyStr] {
			continue
		}
		out = append(out, CachedVideoInfo{
			Key:         keyStr,
			URL:         urlByFP[t.Fingerprint],
			StartRange:  t.StartRange,
			EndRange:    t.EndRange,
			CachedBytes: t.DownloadedBytes(),
			TotalBytes:  t.TotalBytes(),
		})
	}

	return out
}

func taskCacheKey(t *task.Task) cachetier.Key {
	return cachetier.Key{Fingerprint: t.Fingerprint, StartRange: t.StartRange, EndRange: t.EndRange}
}

// Package engine wires the core components (A-H) into the single owned
// value the host application constructs and drives, per the "Singletons"
// design note: no package-level globals, a single Engine value owned by
// the host app, with tests free to instantiate engines in isolation.
package engine

import (
	"net/http"
	"sync"

	"github.com/panjf2000/ants/v2"

	"kptv-proxy/work/buffer"
	"kptv-proxy/work/cachetier"
	"kptv-proxy/work/client"
	"kptv-proxy/work/config"
	"kptv-proxy/work/fingerprint"
	"kptv-proxy/work/logger"
	"kptv-proxy/work/parser"
	"kptv-proxy/work/pool"
	"kptv-proxy/work/proxy"
	"kptv-proxy/work/registry"
	"kptv-proxy/work/task"
)

// Engine owns every shared, process-wide mutable component: the two-tier
// cache, the worker pool, the task registry, and the proxy server. The
// host application constructs exactly one (per the "no true globals
// required" design note) and drives it with Run/Close.
type Engine struct {
	Cfg *config.Config

	Cache    *cachetier.Cache
	Pool     *pool.Pool
	Registry *registry.Registry
	Deps     *parser.Deps
	Server   *proxy.Server

	bufferPool *buffer.BufferPool
	client     *client.HeaderSettingClient
}

// New constructs a fully wired, not-yet-running Engine from cfg. This is
// the programmatic surface's init(config): rather than mutating a global,
// it returns the single value the host app drives for the rest of the
// process's life.
func New(cfg *config.Config) *Engine {
	if cfg.LogPrint {
		if cfg.Debug {
			logger.SetLogLevel("DEBUG")
		} else {
			logger.SetLogLevel("INFO")
		}
	} else {
		logger.SetLogLevel("ERROR")
	}

	cache := cachetier.New(cfg.CacheDir(), cfg.MemoryCacheSize, cfg.StorageCacheSize)
	cl := client.NewHeaderSettingClient(cfg)
	bufPool := buffer.NewBufferPool(cfg.SegmentSize)
	workerPool := pool.New(cfg.PoolSize, cache, cl, bufPool, cfg.PerHostRatePerSecond, cfg.SegmentSize, cfg.FirstSegmentSize)
	reg := registry.New(workerPool, cfg)
	deps := parser.NewDeps(cache, reg, cl, cfg)
	server := proxy.New(cfg, deps)

	return &Engine{
		Cfg:        cfg,
		Cache:      cache,
		Pool:       workerPool,
		Registry:   reg,
		Deps:       deps,
		Server:     server,
		bufferPool: bufPool,
		client:     cl,
	}
}

// Run starts the proxy server's accept loop and blocks until Close is
// called or the server's Run returns. Callers that want to keep driving
// the rest of the process (admin routes, signal handling) should call this
// in its own goroutine, matching §4.H's accept loop being a single
// cooperative scheduler thread.
func (e *Engine) Run() {
	e.Server.Run()
}

// Close stops the proxy server (accept loop and health-check timer) and
// releases the buffer pool. The worker pool is not drained: tasks already
// queued or in flight keep running.
func (e *Engine) Close() {
	e.Server.Close()
	e.bufferPool.Cleanup()
}

// OnError returns a channel receiving every BindFailure/HealthCheckFailure
// broadcast by the proxy server.
func (e *Engine) OnError() <-chan error {
	return e.Server.Errors()
}

// GetTaskCount returns the number of tasks currently tracked, any status.
func (e *Engine) GetTaskCount() int { return e.Registry.GetTaskCount() }

// GetActiveTaskCount returns the number of non-terminal tasks.
func (e *Engine) GetActiveTaskCount() int { return e.Registry.GetActiveTaskCount() }

// TaskCountStream returns a channel receiving the current task count every
// time it changes.
func (e *Engine) TaskCountStream() <-chan int { return e.Registry.TaskCountStream() }

// CancelVideoTasks cancels every task belonging to url (by URL, fingerprint,
// or hlsKey) per §4.D's cancelVideoTasks.
func (e *Engine) CancelVideoTasks(url string, headers http.Header) {
	e.Registry.CancelVideoTasks(url, headers)
}

// GetCachedVideos returns the registry's merged live-task-plus-disk-walk
// snapshot.
func (e *Engine) GetCachedVideos() []registry.CachedVideoInfo {
	return e.Registry.GetCachedVideos(e.Cache)
}

// Parse exposes the parser dispatch entry point for direct testing, per
// the programmatic surface's "parse(socket, uri, headers)" note that
// implementers expose it for tests. The proxy base handed to the parser is
// the "http://ip:port" this engine's server is currently bound to.
func (e *Engine) Parse(w parser.Responder, originURI string, headers http.Header) error {
	return parser.Serve(e.Deps, w, originURI, headers, e.Server.ProxyBase())
}

func customID(cfg *config.Config, headers http.Header) string {
	if headers == nil {
		return ""
	}
	return headers.Get(cfg.CustomCacheID)
}

// IsCached reports whether the first cacheSegments windows of url are
// fully present in the cache, per the programmatic surface's isCached.
func (e *Engine) IsCached(url string, headers http.Header, cacheSegments int) bool {
	fp := fingerprint.Of(url, customID(e.Cfg, headers))
	for _, w := range parser.FirstWindows(e.Cfg.FirstSegmentSize, e.Cfg.SegmentSize, cacheSegments) {
		end := w.End()
		if _, ok := e.Cache.Get(cachetier.Key{Fingerprint: fp, StartRange: w.Start, EndRange: &end}); !ok {
			return false
		}
	}
	return true
}

// Precache warms the first cacheSegments windows of url, returning a
// progress stream when progressListen is set, or nil when either
// progressListen is unset or an equivalent pre-cache run is already active
// for this URL (de-duplicated by fingerprint, per §6).
func (e *Engine) Precache(url string, headers http.Header, cacheSegments int, downloadNow bool, progressListen bool) <-chan task.Progress {
	if cacheSegments <= 0 {
		cacheSegments = 2
	}
	fp := fingerprint.Of(url, customID(e.Cfg, headers))
	if !e.Registry.MarkPrecaching(fp) {
		return nil
	}

	var stream chan task.Progress
	if progressListen {
		stream = make(chan task.Progress, 32)
	}

	windows := parser.FirstWindows(e.Cfg.FirstSegmentSize, e.Cfg.SegmentSize, cacheSegments)
	go func() {
		defer e.Registry.ClearPrecaching(fp)
		defer closeIfSet(stream)

		var wg sync.WaitGroup
		for _, w := range windows {
			end := w.End()
			key := cachetier.Key{Fingerprint: fp, StartRange: w.Start, EndRange: &end}
			if _, ok := e.Cache.Get(key); ok {
				continue
			}

			t := task.New(e.Pool.NextID(), url, headers, fp, "", w.Start, &end, task.LowPriority)
			active := e.Registry.AddTask(t)
			if stream != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					forwardProgress(active, stream)
				}()
			}
			if downloadNow {
				active.Wait()
			}
		}
		wg.Wait()
	}()

	return stream
}

// PrecacheByte warms the leading window set covering at least cacheBytes of
// url, fanning fetches out across a bounded ants pool sized by concurrent
// and bounded in flight by maxQueueTasks, de-duplicated by fingerprint.
func (e *Engine) PrecacheByte(url string, headers http.Header, cacheBytes int64, concurrent, maxQueueTasks int, downloadNow bool, progressListen bool) <-chan task.Progress {
	if cacheBytes <= 0 {
		cacheBytes = 500 * 1024
	}
	if concurrent <= 0 {
		concurrent = 1
	}
	if maxQueueTasks <= 0 {
		maxQueueTasks = 3
	}

	fp := fingerprint.Of(url, customID(e.Cfg, headers))
	if !e.Registry.MarkPrecaching(fp) {
		return nil
	}

	var stream chan task.Progress
	if progressListen {
		stream = make(chan task.Progress, 64)
	}

	windows := parser.WindowsForBytes(e.Cfg.FirstSegmentSize, e.Cfg.SegmentSize, cacheBytes)
	go func() {
		defer e.Registry.ClearPrecaching(fp)
		defer closeIfSet(stream)

		fanout, err := ants.NewPool(concurrent)
		if err != nil {
			logger.Error("{engine - PrecacheByte} failed to create fan-out pool: %v", err)
			return
		}
		defer fanout.Release()

		sem := make(chan struct{}, maxQueueTasks)
		var wg sync.WaitGroup

		for _, w := range windows {
			end := w.End()
			key := cachetier.Key{Fingerprint: fp, StartRange: w.Start, EndRange: &end}
			if _, ok := e.Cache.Get(key); ok {
				continue
			}

			w := w
			sem <- struct{}{}
			wg.Add(1)
			_ = fanout.Submit(func() {
				defer wg.Done()
				defer func() { <-sem }()

				t := task.New(e.Pool.NextID(), url, headers, fp, "", w.Start, &end, task.LowPriority)
				active := e.Registry.AddTask(t)
				if stream != nil {
					forwardProgress(active, stream)
				}
				if downloadNow {
					active.Wait()
				}
			})
		}
		wg.Wait()
	}()

	return stream
}

func forwardProgress(t *task.Task, out chan task.Progress) {
	for p := range t.Subscribe() {
		select {
		case out <- p:
		default:
		}
	}
}

func closeIfSet(ch chan task.Progress) {
	if ch != nil {
		close(ch)
	}
}

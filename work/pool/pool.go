// Package pool implements the fixed-size worker pool executing ranged
// fetches: isolated workers, pause/resume/cancel, exponential backoff
// retry, and foreground-priority scheduling.
package pool

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/ratelimit"

	"kptv-proxy/work/buffer"
	"kptv-proxy/work/cachetier"
	"kptv-proxy/work/client"
	"kptv-proxy/work/logger"
	"kptv-proxy/work/metrics"
	"kptv-proxy/work/perror"
	"kptv-proxy/work/task"
)

const (
	backoffBase   = 200 * time.Millisecond
	backoffFactor = 2
	backoffCap    = 5 * time.Second
	maxRetries    = 3

	fetchBufferSize = 64 * 1024
)

// Pool is a fixed-size pool of workers consuming a priority queue of
// byte-range fetch tasks.
type Pool struct {
	size    int
	client  *client.HeaderSettingClient
	cache   *cachetier.Cache
	bufPool *buffer.BufferPool

	connectTimeout time.Duration
	idleTimeout    time.Duration

	segmentSize      int64
	firstSegmentSize int64

	limMu     sync.Mutex
	limiters  map[string]ratelimit.Limiter
	rateLimit int // requests per second per origin host, 0 disables

	mu          sync.Mutex
	pending     []*task.Task
	downloading map[string]*task.Task // fingerprint -> task
	seq         uint64

	foreground atomic.Value // string

	sem  chan struct{}
	wake chan struct{}
}

// New constructs a Pool with the given number of concurrent workers.
// segmentSize/firstSegmentSize are only used to grid-align the fallback
// split described in finishFetch when an origin ignores our Range request.
func New(size int, cache *cachetier.Cache, cl *client.HeaderSettingClient, bufPool *buffer.BufferPool, perHostRatePerSecond int, segmentSize, firstSegmentSize int64) *Pool {
	p := &Pool{
		size:             size,
		client:           cl,
		cache:            cache,
		bufPool:          bufPool,
		connectTimeout:   5 * time.Second,
		idleTimeout:      15 * time.Second,
		segmentSize:      segmentSize,
		firstSegmentSize: firstSegmentSize,
		limiters:         make(map[string]ratelimit.Limiter),
		rateLimit:        perHostRatePerSecond,
		downloading:      make(map[string]*task.Task),
		sem:              make(chan struct{}, size),
		wake:             make(chan struct{}, 1),
	}
	p.foreground.Store("")
	go p.schedule()
	return p
}

// SetForeground marks fingerprint as the active client playback request;
// pending tasks matching it are scheduled ahead of equal-priority others.
func (p *Pool) SetForeground(fingerprint string) {
	p.foreground.Store(fingerprint)
}

// NextID returns a process-unique task id.
func (p *Pool) NextID() uint64 {
	return atomic.AddUint64(&p.seq, 1)
}

// Submit enqueues t for execution. The caller must have already coalesced
// duplicates against the registry; Submit itself only enforces the
// per-fingerprint DOWNLOADING invariant at dispatch time.
func (p *Pool) Submit(t *task.Task) {
	p.mu.Lock()
	p.pending = append(p.pending, t)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// schedule is the single scheduler goroutine: it owns pending/downloading
// and assigns work to free worker slots, honoring the priority and
// dedup-by-fingerprint invariants from the specification.
func (p *Pool) schedule() {
	for range p.wake {
		p.dispatchReady()
	}
}

func (p *Pool) dispatchReady() {
	for {
		select {
		case p.sem <- struct{}{}:
		default:
			return // pool at capacity
		}

		t := p.popNext()
		if t == nil {
			<-p.sem
			return
		}

		go p.run(t)
	}
}

// popNext removes and returns the best candidate from pending: foreground
// fingerprint match first, then high priority, then submission order.
// Tasks whose fingerprint is already DOWNLOADING are skipped (coalescing
// keeps duplicates off pending in the common case, but a resumed PAUSED
// task can briefly coexist with this check).
func (p *Pool) popNext() *task.Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		return nil
	}

	fg := p.foreground.Load().(string)
	sort.SliceStable(p.pending, func(i, j int) bool {
		a, b := p.pending[i], p.pending[j]
		if (a.Fingerprint == fg) != (b.Fingerprint == fg) {
			return a.Fingerprint == fg
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return false // stable sort preserves submission order otherwise
	})

	for i, t := range p.pending {
		key := t.Fingerprint
		if _, busy := p.downloading[key]; busy {
			continue
		}
		p.pending = append(p.pending[:i], p.pending[i+1:]...)
		p.downloading[key] = t
		return t
	}
	return nil
}

func (p *Pool) run(t *task.Task) {
	defer func() {
		p.mu.Lock()
		delete(p.downloading, t.Fingerprint)
		p.mu.Unlock()
		<-p.sem

		select {
		case p.wake <- struct{}{}:
		default:
		}
	}()

	if p.serveFromCache(t) {
		return
	}
	p.fetch(t)
}

// serveFromCache satisfies step 2 of the per-worker protocol: if the
// requested range is fully satisfiable from the cache, emit COMPLETED
// without any network I/O.
func (p *Pool) serveFromCache(t *task.Task) bool {
	key := cachetier.Key{Fingerprint: t.Fingerprint, StartRange: t.StartRange, EndRange: t.EndRange}
	data, ok := p.cache.Get(key)
	if !ok {
		return false
	}
	t.SetTotalBytes(int64(len(data)))
	t.WriteTees(data)
	t.EmitProgress(int64(len(data)), int64(len(data)))
	t.EmitTerminal(task.Completed, nil)
	return true
}

func (p *Pool) fetch(t *task.Task) {
	acc := p.bufPool.Get()
	defer p.bufPool.Put(acc)

	start := t.StartRange
	attempt := 0
	rangeHonored := true

	for {
		err := p.fetchOnce(t, start+int64(acc.Len()), acc, &rangeHonored)
		if err == nil {
			p.finishFetch(t, acc, rangeHonored)
			return
		}
		if errors.Is(err, errResumeRequested) {
			continue // resumed mid-flight; no backoff, no retry budget spent
		}
		if errors.Is(err, errCancelled) {
			t.EmitTerminal(task.Cancelled, nil)
			return
		}
		if attempt >= maxRetries {
			t.EmitTerminal(task.Failed, err)
			return
		}

		delay := backoffBase * time.Duration(pow(backoffFactor, attempt))
		if delay > backoffCap {
			delay = backoffCap
		}
		attempt++
		logger.Warn("{pool - fetch} retrying task %d after error (attempt %d/%d): %v", t.ID, attempt, maxRetries, err)
		time.Sleep(delay)
	}
}

func pow(base, exp int) int {
	r := 1
	for i := 0; i < exp; i++ {
		r *= base
	}
	return r
}

var errCancelled = errors.New("task cancelled")

// finishFetch caches the completed fetch. When the origin honored our Range
// request the bytes map 1:1 onto the requested window and are cached under
// that single key. When it didn't (some origins return 200 with the whole
// body regardless of the Range header), acc holds the entire resource from
// byte 0; it is split into segmentSize-aligned windows before insertion so
// later range lookups against the grid still land on cache hits.
func (p *Pool) finishFetch(t *task.Task, acc *bytebufferpool.ByteBuffer, rangeHonored bool) {
	data := append([]byte(nil), acc.B...)
	if rangeHonored || p.segmentSize <= 0 {
		key := cachetier.Key{Fingerprint: t.Fingerprint, StartRange: t.StartRange, EndRange: t.EndRange}
		p.cache.Put(key, data)
	} else {
		p.cacheGridAligned(t.Fingerprint, data)
	}
	t.EmitTerminal(task.Completed, nil)
}

// cacheGridAligned splits data into the same firstSegmentSize-then-
// segmentSize grid the parser windows against, for the no-Range-support
// fallback in finishFetch.
func (p *Pool) cacheGridAligned(fingerprint string, data []byte) {
	size := p.firstSegmentSize
	if size <= 0 {
		size = p.segmentSize
	}
	pos := int64(0)
	total := int64(len(data))
	for pos < total {
		end := pos + size
		if end > total {
			end = total
		}
		endInclusive := end - 1
		key := cachetier.Key{Fingerprint: fingerprint, StartRange: pos, EndRange: &endInclusive}
		p.cache.Put(key, data[pos:end])
		pos = end
		size = p.segmentSize
	}
}

// fetchOnce issues (or resumes, at resumeFrom) the origin request and
// streams the body into acc, honoring PAUSE/RESUME/CANCEL signals between
// buffer boundaries. rangeHonored is set to false the first time the origin
// answers a range request with anything other than 206 Partial Content.
func (p *Pool) fetchOnce(t *task.Task, resumeFrom int64, acc *bytebufferpool.ByteBuffer, rangeHonored *bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.connectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URI, nil)
	if err != nil {
		return err
	}
	for k, vs := range t.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Range", rangeHeader(resumeFrom, t.EndRange))

	p.awaitHostRateLimit(req.URL.Host)

	resp, err := p.client.Do(req)
	if err != nil {
		metrics.OriginFetchErrors.WithLabelValues(perror.OriginUnreachable.String()).Inc()
		return perror.New(perror.OriginUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 416 {
		metrics.OriginFetchErrors.WithLabelValues(perror.RangeNotSatisfiable.String()).Inc()
		return perror.Status(resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		metrics.OriginFetchErrors.WithLabelValues(perror.OriginStatus.String()).Inc()
		return perror.Status(resp.StatusCode)
	}
	if resp.StatusCode != http.StatusPartialContent {
		*rangeHonored = false
	}

	total := parseTotalBytes(resp)
	if total > 0 {
		t.SetTotalBytes(total)
	}

	buf := make([]byte, fetchBufferSize)
	downloaded := resumeFrom - t.StartRange

	for {
		select {
		case sig := <-t.Control():
			switch sig {
			case task.SignalCancel:
				return errCancelled
			case task.SignalPause:
				t.EmitPaused()
				if !p.awaitResume(t) {
					return errCancelled
				}
				return errResumeRequested
			}
		default:
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			t.WriteTees(buf[:n])
			downloaded += int64(n)
			metrics.BytesTransferred.WithLabelValues("origin_in").Add(float64(n))
			t.EmitProgress(downloaded, t.TotalBytes())
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

var errResumeRequested = errors.New("resume requested")

// awaitResume parks the worker until RESUME or CANCEL arrives.
func (p *Pool) awaitResume(t *task.Task) bool {
	for sig := range t.Control() {
		switch sig {
		case task.SignalResume:
			return true
		case task.SignalCancel:
			return false
		}
	}
	return false
}

func rangeHeader(start int64, end *int64) string {
	if end == nil {
		return "bytes=" + strconv.FormatInt(start, 10) + "-"
	}
	return "bytes=" + strconv.FormatInt(start, 10) + "-" + strconv.FormatInt(*end, 10)
}

func parseTotalBytes(resp *http.Response) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := lastSlash(cr); idx >= 0 && cr[idx+1:] != "*" {
			if v, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
				return v
			}
		}
	}
	if cl := resp.ContentLength; cl > 0 {
		return cl
	}
	return 0
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func (p *Pool) awaitHostRateLimit(host string) {
	if p.rateLimit <= 0 {
		return
	}
	p.limMu.Lock()
	lim, ok := p.limiters[host]
	if !ok {
		lim = ratelimit.New(p.rateLimit)
		p.limiters[host] = lim
	}
	p.limMu.Unlock()
	lim.Take()
}

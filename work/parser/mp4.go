package parser

import (
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"

	"kptv-proxy/work/cachetier"
	"kptv-proxy/work/client"
	"kptv-proxy/work/config"
	"kptv-proxy/work/fingerprint"
	"kptv-proxy/work/logger"
	"kptv-proxy/work/perror"
	"kptv-proxy/work/registry"
	"kptv-proxy/work/task"
)

// Deps bundles the components every parser handler needs. One Deps is
// owned by the Engine and shared by every concurrent request.
type Deps struct {
	Cache    *cachetier.Cache
	Registry *registry.Registry
	Client   *client.HeaderSettingClient
	Cfg      *config.Config
	PreFetch *ants.Pool // bounded fan-out for low-priority window pre-fetch

	totalsMu sync.Mutex
	totals   map[string]int64 // fingerprint -> known resource length

	hlsMu   sync.Mutex
	hlsKeys map[string]string // fingerprint -> owning master's playlistKey
	known   map[string]bool  // playlistKey -> is a known HLS playlist
}

// NewDeps constructs a Deps with a bounded pre-fetch goroutine pool sized
// to cfg.PoolSize and shared by every active stream.
func NewDeps(cache *cachetier.Cache, reg *registry.Registry, cl *client.HeaderSettingClient, cfg *config.Config) *Deps {
	p, err := ants.NewPool(cfg.PoolSize, ants.WithPreAlloc(true))
	if err != nil {
		logger.Error("{parser - NewDeps} failed to create pre-fetch pool: %v", err)
	}
	return &Deps{
		Cache:    cache,
		Registry: reg,
		Client:   cl,
		Cfg:      cfg,
		PreFetch: p,
		totals:   make(map[string]int64),
		hlsKeys:  make(map[string]string),
		known:    make(map[string]bool),
	}
}

// recordHLSKey associates fp (a variant playlist's or segment's own
// fingerprint) with the master playlist's playlistKey, so a later request
// for that URI inherits the master's hlsKey for group cancellation.
func (d *Deps) recordHLSKey(fp, hlsKey string) {
	d.hlsMu.Lock()
	d.hlsKeys[fp] = hlsKey
	d.hlsMu.Unlock()
}

// hlsKeyFor returns the hlsKey previously recorded for fp, or "" if none
// was recorded (fp is then its own tree root, e.g. a master playlist or a
// plain MP4 resource with no HLS ancestry).
func (d *Deps) hlsKeyFor(fp string) string {
	d.hlsMu.Lock()
	defer d.hlsMu.Unlock()
	if k, ok := d.hlsKeys[fp]; ok {
		return k
	}
	return ""
}

// markPlaylist records fp as a known HLS playlist key, as reported by
// IsKnownPlaylist. Serve's dispatch does not consult this set; it uses
// HasHLSKey.
func (d *Deps) markPlaylist(fp string) {
	d.hlsMu.Lock()
	d.known[fp] = true
	d.hlsMu.Unlock()
}

// IsKnownPlaylist is a KnownPlaylistKey over this Deps' set of playlist
// keys seen so far.
func (d *Deps) IsKnownPlaylist(fp string) bool {
	d.hlsMu.Lock()
	defer d.hlsMu.Unlock()
	return d.known[fp]
}

// HasHLSKey reports whether fp has a recorded owning playlist, i.e. it is
// a segment or descendant playlist of some master this process has already
// rewritten. Used by the dispatcher to distinguish an HLS segment from an
// arbitrary resource sharing the same suffix convention.
func (d *Deps) HasHLSKey(fp string) bool {
	d.hlsMu.Lock()
	defer d.hlsMu.Unlock()
	_, ok := d.hlsKeys[fp]
	return ok
}

func (d *Deps) recordTotal(fp string, total int64) {
	if total <= 0 {
		return
	}
	d.totalsMu.Lock()
	d.totals[fp] = total
	d.totalsMu.Unlock()
}

func (d *Deps) knownTotal(fp string) int64 {
	d.totalsMu.Lock()
	defer d.totalsMu.Unlock()
	return d.totals[fp]
}

type window struct {
	start int64
	size  int64
}

// windowsIntersecting returns, in order, every segmentSize-byte window
// (with the first sized firstSegmentSize) intersecting [s, e]. e < 0 means
// unbounded; when e is unbounded the result is capped at cacheSegments
// windows, counting the window containing s, since an MP4's true length is
// not known up front.
func windowsIntersecting(s, e int64, firstSegmentSize, segmentSize int64, cacheSegments int) []window {
	var windows []window
	cur := window{start: 0, size: firstSegmentSize}

	for {
		winEnd := cur.start + cur.size - 1
		if winEnd >= s {
			windows = append(windows, cur)
		}
		if e >= 0 && winEnd >= e {
			break
		}
		if e < 0 && len(windows) >= cacheSegments {
			break
		}
		cur = window{start: winEnd + 1, size: segmentSize}
	}
	return windows
}

// ServeRange implements the MP4 range pipeline (§4.F): it parses the
// client's Range header, computes the segment grid, responds with status
// and headers, then streams each intersecting window from cache or a
// fresh fetch task, pre-fetching the next cacheSegments-1 windows at low
// priority. Plain byte-addressable requests pass hlsKey == "" here; HLS
// segments pass the owning master's playlistKey so cancelVideoTasks by
// master URL reaches them too.
func ServeRange(d *Deps, w Responder, originURI string, reqHeaders http.Header) error {
	customID := reqHeaders.Get(d.Cfg.CustomCacheID)
	fp := fingerprint.Of(originURI, customID)
	hlsKey := d.hlsKeyFor(fp)

	s, e, hasRange := parseClientRange(reqHeaders.Get("Range"))

	windows := windowsIntersecting(s, e, d.Cfg.FirstSegmentSize, d.Cfg.SegmentSize, d.Cfg.CacheSegments)
	if len(windows) == 0 {
		return w.WriteStatus(http.StatusRequestedRangeNotSatisfiable, nil)
	}

	total := d.knownTotal(fp)
	status := http.StatusOK
	headers := map[string]string{"Content-Type": "application/octet-stream", "Accept-Ranges": "bytes"}
	if hasRange {
		status = http.StatusPartialContent
		if total > 0 {
			endStr := strconv.FormatInt(total-1, 10)
			if e >= 0 && e < total {
				endStr = strconv.FormatInt(e, 10)
			}
			headers["Content-Range"] = "bytes " + strconv.FormatInt(s, 10) + "-" + endStr + "/" + strconv.FormatInt(total, 10)
		}
	}
	if err := w.WriteStatus(status, headers); err != nil {
		return err
	}

	for i, win := range windows {
		clientEnd := e
		if i == len(windows)-1 && e < 0 {
			clientEnd = -1 // unbounded tail: forward this window through its own end; nothing past the capped window set is sent
		}

		key := windowKey(fp, win)
		outerStart := s
		if win.start > s {
			outerStart = win.start
		}

		if data, ok := d.Cache.Get(key); ok {
			d.recordTotal(fp, total)
			if err := writeSlice(w, data, win.start, outerStart, clientEnd); err != nil {
				return err
			}
			continue
		}

		t := task.New(0, originURI, reqHeaders, fp, hlsKey, win.start, windowEnd(win), task.HighPriority)
		remove := t.AddTee(&windowTee{w: w, windowStart: win.start, clientStart: outerStart, clientEnd: clientEnd})
		active := d.Registry.AddTask(t)
		active.Wait()
		remove()

		if active.TotalBytes() > 0 {
			d.recordTotal(fp, active.TotalBytes())
		}
		if active.GetStatus() == task.Failed {
			return perror.New(perror.OriginUnreachable, nil)
		}

		select {
		case <-w.ClientGone():
			cancelPrefetch(d, fp)
			return nil
		default:
		}

		d.prefetchHorizon(originURI, reqHeaders, fp, windows, i)
	}

	return nil
}

func windowKey(fp string, win window) cachetier.Key {
	return cachetier.Key{Fingerprint: fp, StartRange: win.start, EndRange: windowEnd(win)}
}

func windowEnd(win window) *int64 {
	e := win.start + win.size - 1
	return &e
}

func cancelPrefetch(d *Deps, fp string) {
	// Low-priority fetches beyond the current window are cancelled on
	// client disconnect; high-priority fetches already in flight are left
	// to complete up to the cacheSegments horizon per the propagation
	// policy for ClientDisconnect.
	d.Registry.CancelLowPriority(fp)
}

// prefetchHorizon enqueues the remaining unfetched windows within the
// cacheSegments horizon at low priority, bounded by the shared ants pool.
func (d *Deps) prefetchHorizon(originURI string, reqHeaders http.Header, fp string, windows []window, from int) {
	horizon := d.Cfg.CacheSegments - 1
	if horizon <= 0 {
		return
	}
	hlsKey := d.hlsKeyFor(fp)
	for j := from + 1; j <= from+horizon && j < len(windows); j++ {
		win := windows[j]
		key := windowKey(fp, win)
		if _, ok := d.Cache.Get(key); ok {
			continue
		}
		_ = d.PreFetch.Submit(func() {
			t := task.New(0, originURI, reqHeaders, fp, hlsKey, win.start, windowEnd(win), task.LowPriority)
			d.Registry.AddTask(t)
		})
	}
}

func parseClientRange(header string) (start, end int64, has bool) {
	if header == "" {
		return 0, -1, false
	}
	rest := strings.TrimPrefix(header, "bytes=")
	if rest == header {
		return 0, -1, false
	}
	parts := strings.SplitN(rest, "-", 2)
	if len(parts) != 2 {
		return 0, -1, false
	}
	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, -1, false
	}
	end = -1
	if parts[1] != "" {
		if e, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			end = e
		}
	}
	return s, end, true
}

// windowTee forwards only the slice of each incoming chunk that overlaps
// [clientStart, clientEnd] (clientEnd < 0 means unbounded) to w, tracking
// its position within the window by total bytes seen so far.
type windowTee struct {
	w           Responder
	windowStart int64
	pos         int64
	clientStart int64
	clientEnd   int64
}

func (wt *windowTee) Write(p []byte) (int, error) {
	n := len(p)
	absStart := wt.windowStart + wt.pos
	absEnd := absStart + int64(n)
	wt.pos += int64(n)

	lo := wt.clientStart
	if lo < absStart {
		lo = absStart
	}
	hi := absEnd
	if wt.clientEnd >= 0 && wt.clientEnd+1 < hi {
		hi = wt.clientEnd + 1
	}
	if hi <= lo {
		return n, nil
	}

	off := lo - absStart
	if _, err := wt.w.Write(p[off : off+(hi-lo)]); err != nil {
		return n, err
	}
	return n, nil
}

// writeSlice streams the [clientStart, clientEnd] slice of an
// already-fully-cached window's data.
func writeSlice(w Responder, data []byte, windowStart, clientStart, clientEnd int64) error {
	lo := clientStart - windowStart
	if lo < 0 {
		lo = 0
	}
	hi := int64(len(data))
	if clientEnd >= 0 {
		want := clientEnd - windowStart + 1
		if want < hi {
			hi = want
		}
	}
	if hi <= lo {
		return nil
	}
	_, err := w.Write(data[lo:hi])
	return err
}

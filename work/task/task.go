// Package task defines the download task data model shared by the worker
// pool and the task registry.
package task

import (
	"io"
	"net/http"
	"sync"
	"sync/atomic"
)

// Status is the lifecycle state of a DownloadTask.
type Status int32

const (
	Queued Status = iota
	Downloading
	Paused
	Completed
	Finished
	Cancelled
	Failed
)

func (s Status) String() string {
	switch s {
	case Queued:
		return "QUEUED"
	case Downloading:
		return "DOWNLOADING"
	case Paused:
		return "PAUSED"
	case Completed:
		return "COMPLETED"
	case Finished:
		return "FINISHED"
	case Cancelled:
		return "CANCELLED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is a state from which a task never transitions
// again.
func (s Status) Terminal() bool {
	switch s {
	case Completed, Finished, Cancelled, Failed:
		return true
	default:
		return false
	}
}

// Priority controls scheduling order among QUEUED tasks; foreground
// playback ranges are boosted ahead of speculative pre-fetch.
type Priority int

const (
	LowPriority Priority = iota
	HighPriority
)

// Signal is a control message sent from the scheduler to a worker handling
// a task.
type Signal int

const (
	SignalPause Signal = iota
	SignalResume
	SignalCancel
)

// Progress is one update emitted on a task's broadcast stream.
type Progress struct {
	DownloadedBytes int64
	TotalBytes      int64
	Status          Status
	Err             error
}

// Task is a single byte-range fetch, addressed by (Fingerprint, StartRange,
// EndRange). Mutation of Status/DownloadedBytes/TotalBytes is only
// performed by the pool worker that owns the task plus the scheduler at
// enqueue/cancel time, both serialized through the methods below.
type Task struct {
	ID          uint64
	URI         string
	Headers     http.Header
	Fingerprint string
	HLSKey      string
	StartRange  int64
	EndRange    *int64 // nil means "to EOF"
	Priority    Priority

	downloadedBytes atomic.Int64
	totalBytes      atomic.Int64
	status          atomic.Int32

	mu       sync.Mutex
	subs     []chan Progress
	control  chan Signal
	finished chan struct{}

	teeMu sync.Mutex
	tees  []io.Writer
}

// New constructs a task in the QUEUED state with its control and terminal
// channels ready.
func New(id uint64, uri string, headers http.Header, fingerprint, hlsKey string, start int64, end *int64, priority Priority) *Task {
	t := &Task{
		ID:          id,
		URI:         uri,
		Headers:     headers,
		Fingerprint: fingerprint,
		HLSKey:      hlsKey,
		StartRange:  start,
		EndRange:    end,
		Priority:    priority,
		control:     make(chan Signal, 1),
		finished:    make(chan struct{}),
	}
	t.status.Store(int32(Queued))
	return t
}

// Key returns the (fingerprint, startRange, endRange) triple as a string,
// the identity the registry uses for coalescing. The pool's DOWNLOADING
// invariant is keyed on Fingerprint alone, not on this triple.
func (t *Task) Key() string {
	end := "eof"
	if t.EndRange != nil {
		end = itoa(*t.EndRange)
	}
	return t.Fingerprint + "|" + itoa(t.StartRange) + "|" + end
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// GetStatus returns the current lifecycle state.
func (t *Task) GetStatus() Status {
	return Status(t.status.Load())
}

// DownloadedBytes returns the current progress counter.
func (t *Task) DownloadedBytes() int64 { return t.downloadedBytes.Load() }

// TotalBytes returns the known total length, or 0 if not yet known.
func (t *Task) TotalBytes() int64 { return t.totalBytes.Load() }

// SetTotalBytes records the total length once known from the origin
// response headers.
func (t *Task) SetTotalBytes(n int64) { t.totalBytes.Store(n) }

// Subscribe returns a channel receiving every subsequent progress update
// for this task, including its terminal event. The channel is closed when
// the task reaches a terminal state and has flushed its final update.
func (t *Task) Subscribe() <-chan Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan Progress, 16)
	t.subs = append(t.subs, ch)

	// A subscriber attaching to an already-terminal task still gets its
	// terminal event; resend it directly rather than waiting for a new
	// transition that will never come.
	if t.GetStatus().Terminal() {
		ch <- Progress{
			DownloadedBytes: t.DownloadedBytes(),
			TotalBytes:      t.TotalBytes(),
			Status:          t.GetStatus(),
		}
		close(ch)
		t.removeSubLocked(ch)
	}

	return ch
}

func (t *Task) removeSubLocked(target chan Progress) {
	for i, ch := range t.subs {
		if ch == target {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}

// emit is called by the worker owning this task to publish progress. It is
// strictly monotonic in DownloadedBytes for non-terminal updates.
func (t *Task) emit(p Progress) {
	t.downloadedBytes.Store(p.DownloadedBytes)
	if p.TotalBytes > 0 {
		t.totalBytes.Store(p.TotalBytes)
	}
	t.status.Store(int32(p.Status))

	t.mu.Lock()
	subs := append([]chan Progress(nil), t.subs...)
	terminal := p.Status.Terminal()
	if terminal {
		t.subs = nil
	}
	t.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- p:
		default:
			// slow subscriber; drop rather than block the worker
		}
		if terminal {
			close(ch)
		}
	}

	if terminal {
		select {
		case <-t.finished:
			// already closed by a previous terminal emit (must not happen,
			// terminal transitions occur exactly once, but stay idempotent)
		default:
			close(t.finished)
		}
	}
}

// EmitProgress publishes a non-terminal DOWNLOADING update.
func (t *Task) EmitProgress(downloaded, total int64) {
	t.emit(Progress{DownloadedBytes: downloaded, TotalBytes: total, Status: Downloading})
}

// EmitPaused publishes the PAUSED state; unlike EmitTerminal this is not a
// terminal transition, so the task can still receive RESUME or CANCEL.
func (t *Task) EmitPaused() {
	t.emit(Progress{DownloadedBytes: t.DownloadedBytes(), TotalBytes: t.TotalBytes(), Status: Paused})
}

// EmitTerminal publishes a terminal update exactly once; subsequent calls
// are no-ops so cancellation stays idempotent.
func (t *Task) EmitTerminal(status Status, err error) {
	if t.GetStatus().Terminal() {
		return
	}
	t.emit(Progress{DownloadedBytes: t.DownloadedBytes(), TotalBytes: t.TotalBytes(), Status: status, Err: err})
}

// Control returns the channel the owning worker receives PAUSE/RESUME/
// CANCEL signals on.
func (t *Task) Control() <-chan Signal { return t.control }

// Signal delivers a control signal to the worker handling this task. It
// never blocks the caller (the scheduler): a full channel means a signal
// is already pending and the new one is dropped, since PAUSE/RESUME/CANCEL
// are level- not edge-triggered for the worker's purposes except CANCEL,
// which always takes priority.
func (t *Task) Signal(sig Signal) {
	if t.GetStatus().Terminal() {
		return
	}
	if sig == SignalCancel {
		// drain any stale pending signal so CANCEL is never starved
		select {
		case <-t.control:
		default:
		}
		t.control <- sig
		return
	}
	select {
	case t.control <- sig:
	default:
	}
}

// Wait blocks until the task reaches a terminal state.
func (t *Task) Wait() {
	<-t.finished
}

// AddTee registers w to receive every chunk the worker reads from the
// origin, in addition to the worker's own cache accumulator, satisfying
// "as bytes arrive, stream the relevant slice to the client and
// simultaneously accumulate for cache insertion". It returns a function
// that detaches w; callers must call it once they stop reading (e.g. on
// client disconnect) so a slow or dead client can't block the worker.
func (t *Task) AddTee(w io.Writer) (remove func()) {
	t.teeMu.Lock()
	t.tees = append(t.tees, w)
	t.teeMu.Unlock()

	return func() {
		t.teeMu.Lock()
		defer t.teeMu.Unlock()
		for i, existing := range t.tees {
			if existing == w {
				t.tees = append(t.tees[:i], t.tees[i+1:]...)
				return
			}
		}
	}
}

// WriteTees forwards chunk to every attached tee. A tee write error only
// detaches that tee; it never fails the fetch itself.
func (t *Task) WriteTees(chunk []byte) {
	t.teeMu.Lock()
	tees := append([]io.Writer(nil), t.tees...)
	t.teeMu.Unlock()

	for _, w := range tees {
		if _, err := w.Write(chunk); err != nil {
			t.removeTee(w)
		}
	}
}

func (t *Task) removeTee(target io.Writer) {
	t.teeMu.Lock()
	defer t.teeMu.Unlock()
	for i, existing := range t.tees {
		if existing == target {
			t.tees = append(t.tees[:i], t.tees[i+1:]...)
			return
		}
	}
}

// Package buffer provides pooled byte accumulators for in-flight fetches,
// avoiding a fresh allocation per window fetch.
package buffer

import (
	"runtime"

	"github.com/valyala/bytebufferpool"
)

// BufferPool is a thread-safe pool of growable byte buffers, sized around
// a target capacity (typically segmentSize) so a freshly-acquired buffer
// rarely needs to grow mid-fetch.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a BufferPool targeting buffers of bufferSize bytes.
func NewBufferPool(bufferSize int64) *BufferPool {
	return &BufferPool{
		bufferSize: int(bufferSize),
		pool:       &bytebufferpool.Pool{},
	}
}

// Get retrieves a reset buffer from the pool, pre-grown to bufferSize
// capacity when that is cheap to guarantee up front.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	buf.Reset()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, 0, bp.bufferSize)
	}
	return buf
}

// Put returns buf to the pool for reuse.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}

// Cleanup drops pooled buffers and reclaims memory; called when the engine
// shuts down or the cache is cleared.
func (bp *BufferPool) Cleanup() {
	runtime.GC()
}

package pools

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Buffer pool sizes
const (
	SmallBufferSize  = 2 * 1024  // 2KB for simple responses
	MediumBufferSize = 8 * 1024  // 8KB for typical JSON
	LargeBufferSize  = 32 * 1024 // 32KB for complex responses
)

// BufferPool manages encoding buffers with three size tiers
type BufferPool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool

	// Statistics
	smallHits  atomic.Uint64
	mediumHits atomic.Uint64
	largeHits  atomic.Uint64
	totalGets  atomic.Uint64
}

// NewBufferPool creates a new buffer pool
func NewBufferPool() *BufferPool {
	tier := func(size int) func() any {
		return func() any {
			return bytes.NewBuffer(make([]byte, 0, size))
		}
	}
	return &BufferPool{
		small:  sync.Pool{New: tier(SmallBufferSize)},
		medium: sync.Pool{New: tier(MediumBufferSize)},
		large:  sync.Pool{New: tier(LargeBufferSize)},
	}
}

// Get acquires an empty buffer sized for estimatedSize
func (bp *BufferPool) Get(estimatedSize int) *bytes.Buffer {
	bp.totalGets.Add(1)

	switch {
	case estimatedSize <= SmallBufferSize:
		bp.smallHits.Add(1)
		return bp.small.Get().(*bytes.Buffer)
	case estimatedSize <= MediumBufferSize:
		bp.mediumHits.Add(1)
		return bp.medium.Get().(*bytes.Buffer)
	default:
		bp.largeHits.Add(1)
		return bp.large.Get().(*bytes.Buffer)
	}
}

// Put returns a buffer to the pool. The caller must not keep references to
// the buffer's bytes.
func (bp *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	buf.Reset()

	switch c := buf.Cap(); {
	case c <= SmallBufferSize:
		bp.small.Put(buf)
	case c <= MediumBufferSize:
		bp.medium.Put(buf)
	case c <= LargeBufferSize:
		bp.large.Put(buf)
	}
	// Oversized buffers are not pooled (let GC collect them)
}

// Stats returns buffer pool statistics
func (bp *BufferPool) Stats() BufferStats {
	return BufferStats{
		SmallHits:  bp.smallHits.Load(),
		MediumHits: bp.mediumHits.Load(),
		LargeHits:  bp.largeHits.Load(),
		TotalGets:  bp.totalGets.Load(),
	}
}

// BufferStats contains buffer pool statistics
type BufferStats struct {
	SmallHits  uint64
	MediumHits uint64
	LargeHits  uint64
	TotalGets  uint64
}

// Global buffer pool
var globalBufferPool = NewBufferPool()

// AcquireBuffer gets a buffer from the global pool
func AcquireBuffer(estimatedSize int) *bytes.Buffer {
	return globalBufferPool.Get(estimatedSize)
}

// ReleaseBuffer returns a buffer to the global pool
func ReleaseBuffer(buf *bytes.Buffer) {
	globalBufferPool.Put(buf)
}

// GetBufferStats returns statistics for the global buffer pool
func GetBufferStats() BufferStats {
	return globalBufferPool.Stats()
}

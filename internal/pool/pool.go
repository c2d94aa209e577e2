package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Reusable buffers for the two allocation-heavy paths: reading event
// posts and compressing archive batches.
// ---------------------------------------------------------------

var (
	// BodyPool:
	//   - holds a POST /events body while it is decoded
	//   - 4KB initial capacity fits a typical batch of lifecycle events
	//   - oversized buffers are dropped by PutBody
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4*1024))
		},
	}

	// BufferPool:
	//   - gzip output of one archive batch
	//   - 64KB initial capacity
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 64*1024))
		},
	}

	// GzipPool:
	//   - gzip.Writer reuse, BestSpeed
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// MaxBufferCap is the largest gzip buffer returned to the pool. Larger
// ones are left to the GC.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// PutBody returns buf to BodyPool unless it grew past maxCap.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

// PutBuffer returns buf to BufferPool unless it grew past MaxBufferCap.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}

// GetBody hands out an empty body buffer.
func GetBody() *bytes.Buffer {
	buf := BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

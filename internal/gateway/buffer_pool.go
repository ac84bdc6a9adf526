package gateway

import (
	"bytes"
	"sync"
)

// bufferPool reuses byte buffers for provider request bodies.
// Page prompts from many jobs encode concurrently, so request buffers churn quickly.
var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// getBuffer retrieves a buffer from the pool.
// Caller must call putBuffer() when done to return it to the pool.
func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// putBuffer returns a buffer to the pool for reuse.
// Buffers over the size limit are dropped so the pool never pins large memory.
func putBuffer(buf *bytes.Buffer) {
	const maxBufferSize = 64 * 1024 // 64KB
	if buf.Cap() <= maxBufferSize {
		bufferPool.Put(buf)
	}
}

// Package proxy implements the request coordinator that decides per-request
// whether to serve from cache, forwards misses to the upstream backend, and
// captures streamed response bodies for cache population.
package proxy

import (
	"errors"
)

// ErrBufferClosed reports a write against a capture buffer that has already
// released its chunks. This is a caller bug, never recovered from.
var ErrBufferClosed = errors.New("proxy: capture buffer is closed")

// CaptureBuffer accumulates response chunks while they stream to the client.
// Chunks are copied on write, since HTTP writers reuse their buffers, and
// concatenated only on finalization. The buffer grows unbounded for the
// duration of one response; it never sits on the client-visible latency
// path.
type CaptureBuffer struct {
	chunks [][]byte
	size   int
	closed bool
}

// NewCaptureBuffer returns an empty capture buffer.
func NewCaptureBuffer() *CaptureBuffer {
	return &CaptureBuffer{}
}

// Write appends a copy of p.
func (b *CaptureBuffer) Write(p []byte) (int, error) {
	if b.closed {
		return 0, ErrBufferClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	b.chunks = append(b.chunks, chunk)
	b.size += len(p)
	return len(p), nil
}

// Len reports the number of bytes accumulated so far.
func (b *CaptureBuffer) Len() int {
	return b.size
}

// Bytes finalizes the buffer into one contiguous byte sequence. A buffer
// that was never written to yields an empty slice.
func (b *CaptureBuffer) Bytes() ([]byte, error) {
	if b.closed {
		return nil, ErrBufferClosed
	}
	out := make([]byte, 0, b.size)
	for _, chunk := range b.chunks {
		out = append(out, chunk...)
	}
	return out, nil
}

// Close releases the held chunks and marks the buffer inert.
func (b *CaptureBuffer) Close() {
	b.chunks = nil
	b.size = 0
	b.closed = true
}

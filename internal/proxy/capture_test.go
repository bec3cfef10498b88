package proxy

import (
	"bytes"
	"errors"
	"testing"
)

func TestCaptureBufferAccumulatesChunks(t *testing.T) {
	buf := NewCaptureBuffer()

	for _, chunk := range []string{"hello", " ", "world"} {
		n, err := buf.Write([]byte(chunk))
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		if n != len(chunk) {
			t.Fatalf("expected %d bytes written, got %d", len(chunk), n)
		}
	}

	if buf.Len() != len("hello world") {
		t.Fatalf("expected len %d, got %d", len("hello world"), buf.Len())
	}
	out, err := buf.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	if string(out) != "hello world" {
		t.Fatalf("expected concatenated chunks, got %q", out)
	}
}

func TestCaptureBufferEmpty(t *testing.T) {
	buf := NewCaptureBuffer()
	out, err := buf.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	if out == nil || len(out) != 0 {
		t.Fatalf("expected empty byte sequence, got %v", out)
	}
}

func TestCaptureBufferCopiesChunks(t *testing.T) {
	buf := NewCaptureBuffer()
	chunk := []byte("original")
	if _, err := buf.Write(chunk); err != nil {
		t.Fatalf("write: %v", err)
	}
	chunk[0] = 'X'

	out, err := buf.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	if !bytes.Equal(out, []byte("original")) {
		t.Fatalf("buffer aliased the caller's slice: %q", out)
	}
}

func TestCaptureBufferWriteAfterCloseFails(t *testing.T) {
	buf := NewCaptureBuffer()
	if _, err := buf.Write([]byte("data")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf.Close()

	if _, err := buf.Write([]byte("more")); !errors.Is(err, ErrBufferClosed) {
		t.Fatalf("expected ErrBufferClosed, got %v", err)
	}
	if _, err := buf.Bytes(); !errors.Is(err, ErrBufferClosed) {
		t.Fatalf("expected ErrBufferClosed from Bytes, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected closed buffer to report zero length, got %d", buf.Len())
	}
}

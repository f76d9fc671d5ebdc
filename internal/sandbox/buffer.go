// Package sandbox implements the Sandbox Context (§4.D): the
// per-invocation object that mediates every capability a plugin module can
// reach — VFS, SQL, buffers, HTTP, transcode, the event bus, and the
// current-user lookup.
package sandbox

import (
	"bytes"
	"io"
	"os/exec"
	"sync"

	"github.com/vtxmedia/vtx/internal/apperrors"
)

// Kind tags which data source a Buffer wraps, mirroring
// original_source/src/common/buffer.rs's BufferType.
type Kind int

const (
	KindObject Kind = iota
	KindMemory
	KindPipe
)

// Buffer is the host-side tagged union a capability-surface handle points
// to. Only one of uri/memory/pipe is populated, selected by Kind.
type Buffer struct {
	mu sync.Mutex

	Kind Kind

	// KindObject
	URI string

	// KindMemory
	memory *bytes.Reader
	data   []byte

	// KindPipe
	pipe    io.ReadCloser
	pipeIn  io.WriteCloser
	process *exec.Cmd

	URIHint      string
	MIMEOverride string
}

// NewObjectBuffer wraps a VFS URI reference without reading its data.
func NewObjectBuffer(uri string) *Buffer {
	return &Buffer{Kind: KindObject, URI: uri, URIHint: uri}
}

// NewMemoryBuffer wraps data already resident in memory.
func NewMemoryBuffer(data []byte) *Buffer {
	return &Buffer{Kind: KindMemory, data: data, memory: bytes.NewReader(data)}
}

// NewEmptyBuffer returns a zero-length memory buffer — the soft-denial
// shape §4.D requires for buffer:create under Plugin without the
// permission, rather than failing the call outright.
func NewEmptyBuffer() *Buffer {
	return NewMemoryBuffer(nil)
}

// NewPipeBuffer wraps a running process's stdout, tying the process's
// lifetime to the buffer's: Drop kills it, matching buffer.rs's
// process_handle field and doc comment on RealBuffer.
func NewPipeBuffer(stdout io.ReadCloser, process *exec.Cmd, mimeOverride string) *Buffer {
	return &Buffer{Kind: KindPipe, pipe: stdout, process: process, MIMEOverride: mimeOverride}
}

// Size returns the buffer's known length, or -1 if unknown (a pipe's
// length is not known ahead of consuming it).
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.Kind {
	case KindMemory:
		return int64(len(b.data))
	default:
		return -1
	}
}

// Read returns up to maxBytes starting at offset. Callers are expected to
// clamp maxBytes to the context's cap before calling; Read itself does not
// enforce that cap.
func (b *Buffer) Read(offset int64, maxBytes int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.Kind {
	case KindMemory:
		if offset < 0 || offset > int64(len(b.data)) {
			return nil, apperrors.InvalidHandle(uint64(offset))
		}
		end := offset + int64(maxBytes)
		if end > int64(len(b.data)) {
			end = int64(len(b.data))
		}
		return b.data[offset:end], nil
	case KindPipe:
		buf := make([]byte, maxBytes)
		n, err := b.pipe.Read(buf)
		if err != nil && err != io.EOF {
			return nil, apperrors.Wrap(apperrors.CodeInvalidHandle, "reading pipe buffer", err)
		}
		return buf[:n], nil
	default:
		return nil, apperrors.New(apperrors.CodeInvalidHandle, "object buffers are not directly readable; use vfs.read_range")
	}
}

// Write forwards data to a pipe buffer's stdin when one is attached.
// Writing to an object or memory source buffer is always rejected, per
// §4.D. NewPipeBuffer attaches no stdin, so pipe buffers built by it are
// rejected as well.
func (b *Buffer) Write(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Kind != KindPipe || b.pipeIn == nil {
		return apperrors.New(apperrors.CodeInvalidHandle, "buffer is not writable")
	}
	_, err := b.pipeIn.Write(data)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidHandle, "writing pipe buffer", err)
	}
	return nil
}

// Drop releases the buffer's resources. For a pipe buffer this kills the
// backing process, mirroring the comment on RealBuffer.process_handle:
// "When RealBuffer is destroyed, the Child is dropped, implicitly
// triggering a kill signal to clean up the process."
func (b *Buffer) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pipe != nil {
		_ = b.pipe.Close()
	}
	if b.pipeIn != nil {
		_ = b.pipeIn.Close()
	}
	if b.process != nil && b.process.Process != nil {
		_ = b.process.Process.Kill()
	}
}

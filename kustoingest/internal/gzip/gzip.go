// Package gzip provides a streaming gzip compressor that tracks how many
// uncompressed bytes passed through it.
package gzip

import (
	"compress/gzip"
	"io"
	"sync/atomic"
)

// Streamer implements an io.Reader that returns the gzip compressed content of the
// reader it was Reset() with. Compression happens lazily as the consumer reads.
type Streamer struct {
	input io.ReadCloser
	pr    *io.PipeReader
	pw    *io.PipeWriter
	zw    *gzip.Writer

	inputSize int64
}

// New creates a new Streamer. Call Reset() to attach it to a source before reading.
func New() *Streamer {
	return &Streamer{zw: gzip.NewWriter(nil)}
}

// Compress wraps reader in a Streamer that yields its gzipped content.
func Compress(reader io.Reader) *Streamer {
	var rc io.ReadCloser
	var ok bool
	if rc, ok = reader.(io.ReadCloser); !ok {
		rc = io.NopCloser(reader)
	}
	s := New()
	s.Reset(rc)
	return s
}

// Reset attaches the Streamer to a new source and starts the compression pipeline.
func (s *Streamer) Reset(input io.ReadCloser) {
	s.input = input
	s.pr, s.pw = io.Pipe()
	s.zw.Reset(s.pw)
	atomic.StoreInt64(&s.inputSize, 0)

	go s.compress()
}

// Read implements io.Reader, returning compressed bytes.
func (s *Streamer) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

// Close aborts the compression pipeline and releases the source. Safe to call
// while a compress is still in flight, e.g. when an HTTP transport drops the
// request body early.
func (s *Streamer) Close() error {
	if s.pr != nil {
		_ = s.pr.CloseWithError(io.ErrClosedPipe)
	}
	if s.input != nil {
		return s.input.Close()
	}
	return nil
}

// InputSize returns the number of uncompressed bytes consumed from the source so far.
// It is accurate once Read has returned io.EOF.
func (s *Streamer) InputSize() int64 {
	return atomic.LoadInt64(&s.inputSize)
}

func (s *Streamer) compress() {
	n, err := io.Copy(s.zw, s.input)
	atomic.AddInt64(&s.inputSize, n)
	if err != nil {
		_ = s.input.Close()
		s.pw.CloseWithError(err)
		return
	}

	if err := s.zw.Close(); err != nil {
		_ = s.input.Close()
		s.pw.CloseWithError(err)
		return
	}

	_ = s.input.Close()
	s.pw.CloseWithError(io.EOF)
}

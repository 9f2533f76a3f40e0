// Package sink writes normalized records as a single JSON array.
package sink

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/normalize"
)

type OutputMode string

const (
	OutputStreaming = OutputMode("streaming")
	OutputBuffered  = OutputMode("buffered")
)

func ParseOutputMode(s string) (OutputMode, error) {
	switch m := OutputMode(strings.ToLower(strings.TrimSpace(s))); m {
	case OutputStreaming, OutputBuffered:
		return m, nil
	}
	return "", fmt.Errorf("unknown output mode %q (want %q or %q)", s, OutputStreaming, OutputBuffered)
}

type errFlusher interface {
	Flush() error
}

// Streaming writes the array incrementally and flushes after every page.
// Nothing is written, and OnStart is not called, until the first record or
// Close.
type Streaming struct {
	w io.Writer

	// OnStart runs once, immediately before the first byte is written.
	OnStart func()

	started bool
	closed  bool
	count   int
	written int64
}

func NewStreaming(w io.Writer) *Streaming {
	return &Streaming{w: w}
}

func (s *Streaming) write(data []byte) error {
	n, err := s.w.Write(data)
	s.written += int64(n)
	return err
}

func (s *Streaming) start() error {
	if s.started {
		return nil
	}
	s.started = true
	if s.OnStart != nil {
		s.OnStart()
	}
	return s.write([]byte{'['})
}

func (s *Streaming) Emit(record *normalize.Record) error {
	if s.closed {
		return fmt.Errorf("emit on closed sink")
	}

	data, err := record.MarshalJSON()
	if err != nil {
		return err
	}

	if s.started {
		if err := s.write([]byte{','}); err != nil {
			return err
		}
	} else if err := s.start(); err != nil {
		return err
	}

	if err := s.write(data); err != nil {
		return err
	}
	s.count++
	return nil
}

func (s *Streaming) EndPage() error {
	return s.flush()
}

func (s *Streaming) flush() error {
	switch f := s.w.(type) {
	case http.Flusher:
		f.Flush()
	case errFlusher:
		return f.Flush()
	}
	return nil
}

// Close terminates the array, writing "[]" if nothing was emitted. It is
// also how a failed scan leaves a syntactically valid body behind.
func (s *Streaming) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.start(); err != nil {
		return err
	}
	if err := s.write([]byte{']'}); err != nil {
		return err
	}
	return s.flush()
}

// Started reports whether any output has been written.
func (s *Streaming) Started() bool {
	return s.started
}

func (s *Streaming) Count() int {
	return s.count
}

func (s *Streaming) BytesWritten() int64 {
	return s.written
}

// Buffered holds the whole array in memory until WriteTo.
type Buffered struct {
	buf bytes.Buffer
	enc *Streaming
}

func NewBuffered() *Buffered {
	b := &Buffered{}
	b.enc = NewStreaming(&b.buf)
	return b
}

func (b *Buffered) Emit(record *normalize.Record) error {
	return b.enc.Emit(record)
}

func (b *Buffered) EndPage() error {
	return nil
}

func (b *Buffered) Close() error {
	return b.enc.Close()
}

func (b *Buffered) Count() int {
	return b.enc.Count()
}

// Bytes returns the encoded array. Close must have been called.
func (b *Buffered) Bytes() []byte {
	return b.buf.Bytes()
}

func (b *Buffered) WriteTo(w io.Writer) (int64, error) {
	if err := b.Close(); err != nil {
		return 0, err
	}
	return b.buf.WriteTo(w)
}

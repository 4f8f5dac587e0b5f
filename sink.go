// Copyright 2026 Patrick J. Scruggs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package grpctap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ErrSinkClosed is returned by Write and Flush after a sink has been
// closed.
var ErrSinkClosed = errors.New("grpctap: sink closed")

// tempFilePattern names capture files created by NewTempFileSink.
const tempFilePattern = "BINARY_INFO.*"

// Sink receives finished records. Implementations must tolerate Write
// calls from multiple goroutines and must keep each record's framing
// intact in the stored stream; interleaving whole records from different
// calls is expected, interleaving their bytes is corruption.
type Sink interface {
	// Write serializes and stores one record.
	Write(e *Entry) error
	// Close flushes and releases the sink. Writes after Close fail with
	// ErrSinkClosed.
	Close() error
}

type sinkOptions struct {
	zstd       bool
	bufferSize int
	flushEvery time.Duration
	clock      clockwork.Clock
}

// SinkOption adjusts how a WriterSink stores records.
type SinkOption func(*sinkOptions)

// WithZstd compresses the record stream with zstd. The resulting file must
// be opened with NewZstdReader. Not usable with NewRotatingFileSink: a
// zstd stream cannot span a rotation boundary.
func WithZstd() SinkOption {
	return func(o *sinkOptions) { o.zstd = true }
}

// WithBufferSize inserts a buffered layer of n bytes between records and
// the underlying writer. Buffered data reaches the writer on Flush, Close,
// or the interval set by WithFlushInterval.
func WithBufferSize(n int) SinkOption {
	return func(o *sinkOptions) { o.bufferSize = n }
}

// WithFlushInterval starts a background goroutine that flushes buffered
// or compressed output every d. Zero, the default, leaves flushing to
// Flush and Close. The goroutine stops when the sink is closed.
func WithFlushInterval(d time.Duration) SinkOption {
	return func(o *sinkOptions) { o.flushEvery = d }
}

// WithClock substitutes the clock the flush interval runs on. Tests pass a
// fake clock to step flushes deterministically; the default is the wall
// clock.
func WithClock(c clockwork.Clock) SinkOption {
	return func(o *sinkOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

func newSinkOptions(opts []SinkOption) sinkOptions {
	cfg := sinkOptions{clock: clockwork.NewRealClock()}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	return cfg
}

// WriterSink writes length-prefixed records to an underlying writer,
// serializing concurrent Write calls with an internal mutex. Optional
// layers (buffering, zstd) sit between the records and the writer; see
// the SinkOptions.
type WriterSink struct {
	name string

	mu     sync.Mutex
	w      io.Writer     // top of the layer chain; records go here
	zw     *zstd.Encoder // set when compressing
	bw     *bufio.Writer // set when buffering
	base   io.Closer     // set when the sink owns the underlying writer
	closed bool

	stopFlush func() // set when a flush loop is running
}

var _ Sink = (*WriterSink)(nil)

// NewWriterSink returns a sink that frames records into w. If w implements
// io.Closer the sink owns it and Close closes it.
func NewWriterSink(w io.Writer, opts ...SinkOption) (*WriterSink, error) {
	owned, _ := w.(io.Closer)
	return assembleSink(w, "", owned, newSinkOptions(opts))
}

// NewFileSink creates or truncates the file at path and returns a sink
// writing to it.
func NewFileSink(path string, opts ...SinkOption) (*WriterSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	s, err := assembleSink(f, f.Name(), f, newSinkOptions(opts))
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// NewTempFileSink creates a capture file in the default temporary
// directory, named with the BINARY_INFO. prefix. The chosen path is
// available from Name; callers that want the capture to survive should
// log or print it, since nothing cleans temporary files up automatically.
func NewTempFileSink(opts ...SinkOption) (*WriterSink, error) {
	f, err := os.CreateTemp("", tempFilePattern)
	if err != nil {
		return nil, fmt.Errorf("create temp capture file: %w", err)
	}
	s, err := assembleSink(f, f.Name(), f, newSinkOptions(opts))
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// NewRotatingFileSink writes to path and rotates the file once it reaches
// maxSizeMB megabytes, keeping at most maxBackups rotated files for at
// most maxAgeDays days (zero disables the respective limit). Records never
// straddle a rotation: each record reaches the rotator as one Write.
func NewRotatingFileSink(path string, maxSizeMB, maxBackups, maxAgeDays int, opts ...SinkOption) (*WriterSink, error) {
	cfg := newSinkOptions(opts)
	if cfg.zstd {
		return nil, errors.New("grpctap: WithZstd cannot apply to a rotating sink; a zstd stream cannot span rotated files")
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
	}
	return assembleSink(lj, path, lj, cfg)
}

// assembleSink stacks the optional layers over base. Layer order, top to
// bottom: records -> zstd -> bufio -> base.
func assembleSink(base io.Writer, name string, owned io.Closer, cfg sinkOptions) (*WriterSink, error) {
	s := &WriterSink{name: name, base: owned}
	w := base
	if cfg.bufferSize > 0 {
		s.bw = bufio.NewWriterSize(w, cfg.bufferSize)
		w = s.bw
	}
	if cfg.zstd {
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		s.zw = zw
		w = zw
	}
	s.w = w
	if cfg.flushEvery > 0 && (s.bw != nil || s.zw != nil) {
		s.startFlushLoop(cfg.clock, cfg.flushEvery)
	}
	return s, nil
}

// Name returns the path of the underlying file when the sink writes to a
// named file, and "" otherwise.
func (s *WriterSink) Name() string { return s.name }

// Write implements Sink.
func (s *WriterSink) Write(e *Entry) error {
	rec, err := encodeEntry(e)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if err := writeRecord(s.w, rec); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Flush forces buffered and compressed output down to the underlying
// writer, so a concurrent reader of the capture file sees every record
// written so far.
func (s *WriterSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	return s.flushLocked()
}

func (s *WriterSink) flushLocked() error {
	if s.zw != nil {
		if err := s.zw.Flush(); err != nil {
			return err
		}
	}
	if s.bw != nil {
		if err := s.bw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Sink. It stops the flush loop, finalizes the
// compression stream, flushes buffers, and closes the underlying writer
// when the sink owns it. Close is idempotent.
func (s *WriterSink) Close() error {
	if s.stopFlush != nil {
		s.stopFlush()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	if s.zw != nil {
		firstErr = s.zw.Close()
	}
	if s.bw != nil {
		if err := s.bw.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.base != nil {
		if err := s.base.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// startFlushLoop runs the WithFlushInterval goroutine. The returned stop
// function waits for the goroutine to exit, and multiple Close calls must
// not close the stop channel twice.
func (s *WriterSink) startFlushLoop(clock clockwork.Clock, every time.Duration) {
	stop := make(chan struct{})
	done := make(chan struct{})
	var once sync.Once
	s.stopFlush = func() {
		once.Do(func() { close(stop) })
		<-done
	}
	go func() {
		defer close(done)
		ticker := clock.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				if err := s.Flush(); err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()
}

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
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Reader iterates the records of a capture stream produced by the sinks
// in this package.
type Reader struct {
	r  io.Reader
	zr *zstd.Decoder
}

// NewReader returns a Reader over an uncompressed capture stream. The
// Reader does not close r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// NewZstdReader returns a Reader over a capture stream written with
// WithZstd. Close releases the decoder; the underlying reader is left
// open.
func NewZstdReader(r io.Reader) (*Reader, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open zstd capture stream: %w", err)
	}
	return &Reader{r: dec, zr: dec}, nil
}

// Next returns the next record. It returns io.EOF at a clean end of
// stream; a stream that ends inside a record returns an error wrapping
// io.ErrUnexpectedEOF, which tolerates capture files cut off mid-write.
func (r *Reader) Next() (*Entry, error) {
	rec, err := readRecord(r.r)
	if err != nil {
		return nil, err
	}
	return decodeEntry(rec)
}

// Close releases decoder resources. It never closes the underlying
// reader.
func (r *Reader) Close() {
	if r.zr != nil {
		r.zr.Close()
	}
}

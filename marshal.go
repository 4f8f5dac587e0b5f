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
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Record framing: a 4-byte big-endian length prefix, then exactly that
// many bytes of one CBOR-encoded Entry. Entries use small integer map keys
// (see the cbor struct tags in entry.go), so capture files stay compact
// and readable from any language with a CBOR library.
const (
	recordHeaderLen = 4

	// maxRecordLen bounds a single record. It protects readers from
	// allocating huge buffers off corrupt length prefixes; writers refuse
	// to emit anything larger rather than produce a file readers reject.
	maxRecordLen = 1 << 30
)

var (
	encMode = newEncMode()
	decMode = newDecMode()
)

// newEncMode builds the deterministic encoder this package writes with:
// canonical field order and definite lengths only, so identical entries
// always serialize to identical bytes.
func newEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("grpctap: cbor encoder options: %v", err))
	}
	return em
}

func newDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("grpctap: cbor decoder options: %v", err))
	}
	return dm
}

// encodeEntry serializes one record to its wire bytes, without framing.
func encodeEntry(e *Entry) ([]byte, error) {
	return encMode.Marshal(e)
}

// decodeEntry parses the wire bytes of one record.
func decodeEntry(rec []byte) (*Entry, error) {
	var e Entry
	if err := decMode.Unmarshal(rec, &e); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &e, nil
}

// writeRecord frames rec and hands it to w as a single Write call.
// One Write per record keeps records whole even when w rotates output
// files between calls.
func writeRecord(w io.Writer, rec []byte) error {
	if len(rec) > maxRecordLen {
		return fmt.Errorf("record of %d bytes exceeds the %d byte framing limit", len(rec), maxRecordLen)
	}
	framed := make([]byte, 0, recordHeaderLen+len(rec))
	framed = binary.BigEndian.AppendUint32(framed, uint32(len(rec)))
	framed = append(framed, rec...)
	_, err := w.Write(framed)
	return err
}

// readRecord reads one framed record from r. It returns io.EOF at a clean
// record boundary and io.ErrUnexpectedEOF when the stream ends inside a
// record.
func readRecord(r io.Reader) ([]byte, error) {
	var hdr [recordHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("torn record header: %w", err)
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxRecordLen {
		return nil, fmt.Errorf("record length %d exceeds the %d byte framing limit", n, maxRecordLen)
	}
	rec := make([]byte, n)
	if _, err := io.ReadFull(r, rec); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("torn record body: %w", err)
	}
	return rec, nil
}

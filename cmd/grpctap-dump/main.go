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

// grpctap-dump lists the records of a capture file written by the
// grpctap sinks. Compressed captures are detected from the stream
// itself, and a file cut off mid-record is listed up to the cut.
package main

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pjscruggs/grpctap"
)

// zstdMagic opens every zstd frame; it is how a compressed capture is
// told apart from a plain one without a flag.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type options struct {
	jsonOut   bool
	statsOnly bool
	dataBytes int
}

func newRootCommand() *cobra.Command {
	o := options{dataBytes: 64}
	cmd := &cobra.Command{
		Use:   "grpctap-dump <capture-file>",
		Short: "List the records of a grpctap capture file",
		Long: `grpctap-dump reads a binary capture file produced by the grpctap
sinks and prints one line per record: call id, side, event, and the
event's metadata or payload. Payload bytes are shown as a hex excerpt.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, args []string) error {
			return dumpFile(args[0], o)
		},
	}
	cmd.Flags().BoolVar(&o.jsonOut, "json", o.jsonOut, "print each record as a JSON object")
	cmd.Flags().BoolVar(&o.statsOnly, "stats", o.statsOnly, "print only the capture summary")
	cmd.Flags().IntVar(&o.dataBytes, "data", o.dataBytes, "payload hex excerpt length in bytes, 0 to omit payload data")
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func dumpFile(path string, o options) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	r, err := openReader(br)
	if err != nil {
		return err
	}
	defer r.Close()

	var s stats
	if !o.statsOnly && !o.jsonOut {
		fmt.Printf("%5s\t%-32s\t%-6s\t%-22s\tdetail\n", "rec", "call", "side", "event")
	}
	for i := 0; ; i++ {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			fmt.Fprintf(os.Stderr, "grpctap-dump: capture ends inside record %d, listing what precedes it\n", i)
			break
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		s.add(e)
		switch {
		case o.statsOnly:
		case o.jsonOut:
			if err := printJSON(i, e, o.dataBytes); err != nil {
				return err
			}
		default:
			printRecord(i, e, o.dataBytes)
		}
	}

	if o.statsOnly {
		s.print(os.Stdout)
	}
	return nil
}

// openReader sniffs the stream for the zstd frame magic and builds the
// matching record reader.
func openReader(br *bufio.Reader) (*grpctap.Reader, error) {
	head, err := br.Peek(len(zstdMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if bytes.Equal(head, zstdMagic) {
		return grpctap.NewZstdReader(br)
	}
	return grpctap.NewReader(br), nil
}

func printRecord(i int, e *grpctap.Entry, dataBytes int) {
	fmt.Printf("%5d\t%s\t%-6s\t%-22s\t%s\n",
		i, e.CallID(), e.Side, e.Type, detail(e, dataBytes))
}

// detail renders the event-specific tail of a listing line.
func detail(e *grpctap.Entry, dataBytes int) string {
	var b bytes.Buffer
	if e.Peer != nil {
		fmt.Fprintf(&b, "peer=%s/%s ", e.Peer.Type, e.Peer)
	}
	if e.Message != nil {
		fmt.Fprintf(&b, "len=%d captured=%d", e.Message.Length, len(e.Message.Data))
		if e.Message.Flags&grpctap.MessageFlagCompressed != 0 {
			b.WriteString(" compressed")
		}
		if dataBytes > 0 && len(e.Message.Data) > 0 {
			fmt.Fprintf(&b, " data=%s", hexExcerpt(e.Message.Data, dataBytes))
		}
		return b.String()
	}
	for i, md := range e.Metadata {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%s", md.Key, printable(md.Value))
	}
	if len(e.Metadata) == 0 && e.Peer == nil {
		b.WriteString("(no metadata)")
	}
	return b.String()
}

// hexExcerpt hex-encodes at most n leading bytes, marking elision.
func hexExcerpt(data []byte, n int) string {
	if len(data) <= n {
		return hex.EncodeToString(data)
	}
	return hex.EncodeToString(data[:n]) + "..."
}

// printable keeps valid text as-is and hex-encodes binary metadata
// values, which -bin keys carry.
func printable(v []byte) string {
	if len(v) == 0 {
		return `""`
	}
	if utf8.Valid(v) && !bytes.ContainsFunc(v, func(r rune) bool { return r < 0x20 || r == 0x7f }) {
		return string(v)
	}
	return "0x" + hex.EncodeToString(v)
}

// recordView is the JSON shape of one record.
type recordView struct {
	Record   int      `json:"record"`
	CallID   string   `json:"call_id"`
	Side     string   `json:"side"`
	Event    string   `json:"event"`
	PeerType string   `json:"peer_type,omitempty"`
	Peer     string   `json:"peer,omitempty"`
	Metadata []mdView `json:"metadata,omitempty"`
	Message  *msgView `json:"message,omitempty"`
}

type mdView struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type msgView struct {
	Length     uint64 `json:"length"`
	Captured   int    `json:"captured"`
	Compressed bool   `json:"compressed,omitempty"`
	Data       string `json:"data,omitempty"`
}

func printJSON(i int, e *grpctap.Entry, dataBytes int) error {
	v := recordView{
		Record: i,
		CallID: e.CallID().String(),
		Side:   e.Side.String(),
		Event:  e.Type.String(),
	}
	if e.Peer != nil {
		v.PeerType = e.Peer.Type.String()
		v.Peer = e.Peer.String()
	}
	for _, md := range e.Metadata {
		v.Metadata = append(v.Metadata, mdView{Key: string(md.Key), Value: printable(md.Value)})
	}
	if e.Message != nil {
		v.Message = &msgView{
			Length:     e.Message.Length,
			Captured:   len(e.Message.Data),
			Compressed: e.Message.Flags&grpctap.MessageFlagCompressed != 0,
		}
		if dataBytes > 0 {
			v.Message.Data = hexExcerpt(e.Message.Data, dataBytes)
		}
	}
	out, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Println(string(out))
	return err
}

// stats accumulates the capture summary printed by --stats.
type stats struct {
	records   int
	calls     map[grpctap.CallID]struct{}
	events    map[grpctap.EventType]int
	wireBytes uint64
	kept      uint64
}

func (s *stats) add(e *grpctap.Entry) {
	if s.calls == nil {
		s.calls = make(map[grpctap.CallID]struct{})
		s.events = make(map[grpctap.EventType]int)
	}
	s.records++
	s.calls[e.CallID()] = struct{}{}
	s.events[e.Type]++
	if e.Message != nil {
		s.wireBytes += e.Message.Length
		s.kept += uint64(len(e.Message.Data))
	}
}

func (s *stats) print(w io.Writer) {
	fmt.Fprintf(w, "records: %d\n", s.records)
	fmt.Fprintf(w, "calls: %d\n", len(s.calls))
	for t := grpctap.EventSendInitialMetadata; t <= grpctap.EventRecvMessage; t++ {
		if n := s.events[t]; n > 0 {
			fmt.Fprintf(w, "  %s: %d\n", t, n)
		}
	}
	fmt.Fprintf(w, "message bytes: %s captured of %s on the wire\n",
		humanize.Bytes(s.kept), humanize.Bytes(s.wireBytes))
}

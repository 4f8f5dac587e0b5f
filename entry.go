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

// EventType identifies the call-lifecycle point a record captures. The
// numeric values are part of the record format and must not be renumbered.
type EventType uint8

const (
	EventUnknown              EventType = 0
	EventSendInitialMetadata  EventType = 1
	EventRecvInitialMetadata  EventType = 2
	EventSendTrailingMetadata EventType = 3
	EventRecvTrailingMetadata EventType = 4
	EventSendMessage          EventType = 5
	EventRecvMessage          EventType = 6
)

// String returns a stable name for the event type, suitable for display.
func (t EventType) String() string {
	switch t {
	case EventSendInitialMetadata:
		return "send_initial_metadata"
	case EventRecvInitialMetadata:
		return "recv_initial_metadata"
	case EventSendTrailingMetadata:
		return "send_trailing_metadata"
	case EventRecvTrailingMetadata:
		return "recv_trailing_metadata"
	case EventSendMessage:
		return "send_message"
	case EventRecvMessage:
		return "recv_message"
	default:
		return "unknown"
	}
}

// Side records which half of the call wrote an entry. A capture file can
// contain both sides of the same call when client and server share a sink.
type Side uint8

const (
	SideUnknown Side = 0
	SideClient  Side = 1
	SideServer  Side = 2
)

// String returns "client", "server", or "unknown".
func (s Side) String() string {
	switch s {
	case SideClient:
		return "client"
	case SideServer:
		return "server"
	default:
		return "unknown"
	}
}

// MetadataEntry is one key/value pair of call metadata. Both halves are
// raw bytes: gRPC metadata values for "-bin" keys are binary, and keys are
// recorded exactly as seen.
type MetadataEntry struct {
	Key   []byte `cbor:"1,keyasint"`
	Value []byte `cbor:"2,keyasint,omitempty"`
}

// MessageFlagCompressed is the lowest bit of Message.Flags and marks a
// payload that was compressed on the wire. The remaining bits are reserved.
const MessageFlagCompressed uint32 = 1

// Message carries a possibly truncated payload. Length is always the
// original payload size before truncation, so a reader can tell how much
// was dropped.
type Message struct {
	Data   []byte `cbor:"1,keyasint,omitempty"`
	Flags  uint32 `cbor:"2,keyasint,omitempty"`
	Length uint64 `cbor:"3,keyasint"`
}

// Entry is one captured record. Exactly one of Metadata or Message is set
// for metadata and message events respectively; Peer accompanies
// initial-metadata events only.
type Entry struct {
	Type       EventType       `cbor:"1,keyasint"`
	Side       Side            `cbor:"2,keyasint"`
	CallIDHigh uint64          `cbor:"3,keyasint"`
	CallIDLow  uint64          `cbor:"4,keyasint"`
	Peer       *Peer           `cbor:"5,keyasint,omitempty"`
	Metadata   []MetadataEntry `cbor:"6,keyasint,omitempty"`
	Message    *Message        `cbor:"7,keyasint,omitempty"`
}

// CallID returns the record's call identifier reassembled from its two
// 64-bit words.
func (e *Entry) CallID() CallID {
	return CallID{High: e.CallIDHigh, Low: e.CallIDLow}
}

// truncateMetadata returns the longest prefix of md whose cumulative
// key+value byte cost fits within limit. Entries are kept whole: the first
// entry that does not fit ends inclusion even if a later, smaller entry
// would still fit.
func truncateMetadata(md []MetadataEntry, limit uint64) []MetadataEntry {
	if limit == Unlimited {
		return md
	}
	remaining := limit
	for i, ent := range md {
		cost := uint64(len(ent.Key)) + uint64(len(ent.Value))
		if cost > remaining {
			return md[:i]
		}
		remaining -= cost
	}
	return md
}

// newMessage builds a message record from a serialized payload. The
// original length and the compression flag are always recorded; payload
// content is capped at limit bytes taken from the front.
func newMessage(data []byte, compressed bool, limit uint64) *Message {
	m := &Message{Length: uint64(len(data))}
	if compressed {
		m.Flags |= MessageFlagCompressed
	}
	keep := uint64(len(data))
	if limit < keep {
		keep = limit
	}
	if keep > 0 {
		m.Data = data[:keep]
	}
	return m
}

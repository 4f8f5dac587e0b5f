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

package grpctapgrpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/protobuf/proto"

	"github.com/pjscruggs/grpctap"
)

// compressionUnknown is the flag recorded for every captured message.
// At the interceptor layer the final compression state of a message is
// not known (negotiation happens below, in the transport), so records
// carry the documented default: not yet compressed.
const compressionUnknown = false

// Attribute key for the diagnostic emitted when a payload cannot be
// captured.
const payloadTypeKey = "payload.type"

// flattenMetadata converts gRPC metadata into the ordered key/value
// pairs a capture record stores. Keys are emitted in sorted order with
// each key's values kept in their original sequence, so a given
// metadata set always flattens to the same record bytes.
func flattenMetadata(md metadata.MD) []grpctap.MetadataEntry {
	if len(md) == 0 {
		return nil
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]grpctap.MetadataEntry, 0, len(md))
	for _, k := range keys {
		for _, v := range md[k] {
			entries = append(entries, grpctap.MetadataEntry{Key: []byte(k), Value: []byte(v)})
		}
	}
	return entries
}

// peerFromContext extracts the remote address gRPC attached to a
// server-side context. Returns nil when none is present.
func peerFromContext(ctx context.Context) *grpctap.Peer {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return nil
	}
	return grpctap.PeerFromAddr(p.Addr)
}

// targetPeer derives a peer descriptor from a client connection's dial
// target. The client does not learn the resolved remote socket address
// through the interceptor API, so the target is the closest stable
// description of the remote endpoint.
//
// Unix targets map to Unix-domain peers, IP-literal host:port targets
// map to IPv4/IPv6 peers, and anything else (DNS names, custom
// resolver schemes) is recorded as an Unknown peer carrying the target
// string itself.
func targetPeer(target string) *grpctap.Peer {
	if target == "" {
		return nil
	}
	if path, ok := strings.CutPrefix(target, "unix://"); ok {
		return grpctap.PeerFromAddr(&net.UnixAddr{Name: path, Net: "unix"})
	}
	if path, ok := strings.CutPrefix(target, "unix:"); ok {
		return grpctap.PeerFromAddr(&net.UnixAddr{Name: path, Net: "unix"})
	}

	// Authority-form targets such as dns:///host:port carry the
	// endpoint after the scheme.
	endpoint := target
	if i := strings.Index(endpoint, "://"); i >= 0 {
		endpoint = strings.TrimPrefix(endpoint[i+3:], "/")
	}
	if host, portStr, err := net.SplitHostPort(endpoint); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			if port, err := strconv.Atoi(portStr); err == nil && port >= 0 && port <= 65535 {
				return grpctap.PeerFromAddr(&net.TCPAddr{IP: ip, Port: port})
			}
		}
	}
	return &grpctap.Peer{Type: grpctap.PeerUnknown, Address: []byte(target)}
}

// payloadBytes produces the captured byte form of an RPC message:
// the protobuf wire encoding for proto messages, the raw bytes for
// []byte messages. The second return is false when the message has no
// faithful byte representation at this layer.
func payloadBytes(m any) ([]byte, bool) {
	switch msg := m.(type) {
	case proto.Message:
		data, err := proto.Marshal(msg)
		if err != nil {
			return nil, false
		}
		return data, true
	case []byte:
		return msg, true
	}
	return nil, false
}

// recordMessage captures one message through emit, which is one of the
// CallLog message methods. Messages with no byte representation are
// skipped with a diagnostic rather than recorded inaccurately.
func recordMessage(tap *grpctap.Tap, emit func([]byte, bool), m any) {
	data, ok := payloadBytes(m)
	if !ok {
		tap.Logger().Warn("grpctap: skipping message capture for unsupported payload type",
			slog.String(payloadTypeKey, fmt.Sprintf("%T", m)))
		return
	}
	emit(data, compressionUnknown)
}

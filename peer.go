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
	"net"
	"strconv"
)

// PeerType classifies the transport address recorded for a call. The
// numeric values are part of the record format and must not be renumbered.
type PeerType uint8

const (
	PeerUnknown PeerType = 0
	PeerIPv4    PeerType = 1
	PeerIPv6    PeerType = 2
	PeerUnix    PeerType = 3
)

// String returns the lowercase name of the peer type.
func (t PeerType) String() string {
	switch t {
	case PeerIPv4:
		return "ipv4"
	case PeerIPv6:
		return "ipv6"
	case PeerUnix:
		return "unix"
	default:
		return "unknown"
	}
}

// Peer describes one endpoint of a captured call. The Address layout
// depends on Type:
//
//	PeerIPv4:    4 address bytes, then the port as 2 big-endian bytes
//	PeerIPv6:    16 address bytes, then the port as 2 big-endian bytes
//	PeerUnix:    the socket path bytes
//	PeerUnknown: the address's textual form
type Peer struct {
	Type    PeerType `cbor:"1,keyasint"`
	Address []byte   `cbor:"2,keyasint,omitempty"`
}

// PeerFromAddr classifies a transport address into a Peer. TCP and UDP
// addresses become IPv4 or IPv6 peers carrying address plus port bytes,
// Unix sockets carry the path, and any other address type falls back to
// PeerUnknown carrying the address's String form. The result is never
// nil, so it can be attached to a record directly.
func PeerFromAddr(addr net.Addr) *Peer {
	if addr == nil {
		return &Peer{Type: PeerUnknown}
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		return ipPeer(a.IP, a.Port)
	case *net.UDPAddr:
		return ipPeer(a.IP, a.Port)
	case *net.UnixAddr:
		return &Peer{Type: PeerUnix, Address: []byte(a.Name)}
	default:
		return &Peer{Type: PeerUnknown, Address: []byte(addr.String())}
	}
}

// ipPeer builds an IPv4 or IPv6 peer from an address and port. Ports only
// occupy two bytes on the wire, so the upper bytes of the int are dropped.
func ipPeer(ip net.IP, port int) *Peer {
	if v4 := ip.To4(); v4 != nil {
		addr := make([]byte, 0, net.IPv4len+2)
		addr = append(addr, v4...)
		addr = binary.BigEndian.AppendUint16(addr, uint16(port))
		return &Peer{Type: PeerIPv4, Address: addr}
	}
	if v6 := ip.To16(); v6 != nil {
		addr := make([]byte, 0, net.IPv6len+2)
		addr = append(addr, v6...)
		addr = binary.BigEndian.AppendUint16(addr, uint16(port))
		return &Peer{Type: PeerIPv6, Address: addr}
	}
	return &Peer{Type: PeerUnknown, Address: []byte(ip.String())}
}

// String renders the peer for diagnostics: "host:port" for IP peers, the
// path for Unix sockets, and the raw textual form otherwise.
func (p Peer) String() string {
	switch p.Type {
	case PeerIPv4:
		if len(p.Address) == net.IPv4len+2 {
			return joinIPPort(p.Address[:net.IPv4len], p.Address[net.IPv4len:])
		}
	case PeerIPv6:
		if len(p.Address) == net.IPv6len+2 {
			return joinIPPort(p.Address[:net.IPv6len], p.Address[net.IPv6len:])
		}
	}
	return string(p.Address)
}

func joinIPPort(ip, port []byte) string {
	host := net.IP(ip).String()
	return net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(port))))
}

package grpctapgrpc

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/pjscruggs/grpctap"
)

// TestFlattenMetadata verifies deterministic ordering: keys sorted,
// values per key in their original order.
func TestFlattenMetadata(t *testing.T) {
	md := metadata.MD{
		"zeta":  {"z1", "z2"},
		"alpha": {"a"},
		"mid":   {"m"},
	}
	want := []grpctap.MetadataEntry{
		{Key: []byte("alpha"), Value: []byte("a")},
		{Key: []byte("mid"), Value: []byte("m")},
		{Key: []byte("zeta"), Value: []byte("z1")},
		{Key: []byte("zeta"), Value: []byte("z2")},
	}
	if diff := cmp.Diff(want, flattenMetadata(md)); diff != "" {
		t.Errorf("flattenMetadata mismatch (-want +got):\n%s", diff)
	}

	if got := flattenMetadata(nil); got != nil {
		t.Errorf("flattenMetadata(nil) = %v, want nil", got)
	}
	if got := flattenMetadata(metadata.MD{}); got != nil {
		t.Errorf("flattenMetadata(empty) = %v, want nil", got)
	}
}

// TestTargetPeer verifies dial target classification into peer
// descriptors.
func TestTargetPeer(t *testing.T) {
	tests := []struct {
		name   string
		target string
		want   *grpctap.Peer
	}{
		{
			name:   "empty target",
			target: "",
			want:   nil,
		},
		{
			name:   "bare ipv4 host port",
			target: "127.0.0.1:8080",
			want:   &grpctap.Peer{Type: grpctap.PeerIPv4, Address: []byte{127, 0, 0, 1, 0x1f, 0x90}},
		},
		{
			name:   "scheme with ipv4 endpoint",
			target: "passthrough:///10.0.0.1:443",
			want:   &grpctap.Peer{Type: grpctap.PeerIPv4, Address: []byte{10, 0, 0, 1, 0x01, 0xbb}},
		},
		{
			name:   "ipv6 endpoint",
			target: "[::1]:53",
			want: &grpctap.Peer{Type: grpctap.PeerIPv6, Address: []byte{
				0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 53,
			}},
		},
		{
			name:   "unix absolute",
			target: "unix:///tmp/grpc.sock",
			want:   &grpctap.Peer{Type: grpctap.PeerUnix, Address: []byte("/tmp/grpc.sock")},
		},
		{
			name:   "unix relative",
			target: "unix:relative.sock",
			want:   &grpctap.Peer{Type: grpctap.PeerUnix, Address: []byte("relative.sock")},
		},
		{
			name:   "dns name stays textual",
			target: "dns:///api.example.com:443",
			want:   &grpctap.Peer{Type: grpctap.PeerUnknown, Address: []byte("dns:///api.example.com:443")},
		},
		{
			name:   "bare hostname stays textual",
			target: "api.example.com:443",
			want:   &grpctap.Peer{Type: grpctap.PeerUnknown, Address: []byte("api.example.com:443")},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := targetPeer(tc.target)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("targetPeer(%q) mismatch (-want +got):\n%s", tc.target, diff)
			}
		})
	}
}

// TestPayloadBytes verifies the byte forms captured per message type.
func TestPayloadBytes(t *testing.T) {
	msg := wrapperspb.String("payload")
	wantProto, err := proto.Marshal(msg)
	if err != nil {
		t.Fatalf("proto.Marshal failed: %v", err)
	}

	got, ok := payloadBytes(msg)
	if !ok {
		t.Fatal("payloadBytes rejected a proto message")
	}
	if diff := cmp.Diff(wantProto, got); diff != "" {
		t.Errorf("proto payload mismatch (-want +got):\n%s", diff)
	}

	raw := []byte{0xde, 0xad}
	got, ok = payloadBytes(raw)
	if !ok {
		t.Fatal("payloadBytes rejected a []byte message")
	}
	if diff := cmp.Diff(raw, got); diff != "" {
		t.Errorf("raw payload mismatch (-want +got):\n%s", diff)
	}

	if _, ok := payloadBytes(42); ok {
		t.Error("payloadBytes accepted an int message")
	}
}

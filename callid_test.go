package grpctap

import (
	"bytes"
	"strconv"
	"strings"
	"testing"
)

// TestCallIDFromBytes verifies the 16-byte contract and the word split.
func TestCallIDFromBytes(t *testing.T) {
	input := []byte{
		0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18,
		0x19, 0x10, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e, 0x1f,
	}
	id, err := CallIDFromBytes(input)
	if err != nil {
		t.Fatalf("CallIDFromBytes failed: %v", err)
	}
	if want := uint64(0x1112131415161718); id.High != want {
		t.Errorf("High = %#x, want %#x", id.High, want)
	}
	if want := uint64(0x19101a1b1c1d1e1f); id.Low != want {
		t.Errorf("Low = %#x, want %#x", id.Low, want)
	}
	if got := id.Bytes(); !bytes.Equal(got, input) {
		t.Errorf("Bytes() = %x, want %x", got, input)
	}
}

// TestCallIDFromBytesBadLength verifies that wrong-size inputs fail with
// an error naming the actual length.
func TestCallIDFromBytesBadLength(t *testing.T) {
	for _, size := range []int{0, 14, 18} {
		_, err := CallIDFromBytes(make([]byte, size))
		if err == nil {
			t.Fatalf("CallIDFromBytes(%d bytes) succeeded, want error", size)
		}
		if !strings.Contains(err.Error(), "16 byte input") {
			t.Errorf("error %q does not name the required length", err)
		}
		if !strings.Contains(err.Error(), "got "+strconv.Itoa(size)) {
			t.Errorf("error %q does not name the actual length %d", err, size)
		}
	}
}

// TestNewCallIDUniqueness samples a batch of ids and checks for
// collisions; 128 random bits must not collide in any practical sample.
func TestNewCallIDUniqueness(t *testing.T) {
	seen := make(map[CallID]bool)
	for i := 0; i < 1000; i++ {
		id := NewCallID()
		if seen[id] {
			t.Fatalf("NewCallID produced duplicate id %v", id)
		}
		seen[id] = true
	}
}

// TestCallIDString verifies the hex rendering used by diagnostics and the
// dump tool.
func TestCallIDString(t *testing.T) {
	id := CallID{High: 0x0102030405060708, Low: 0x090a0b0c0d0e0f10}
	if got, want := id.String(), "0102030405060708090a0b0c0d0e0f10"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

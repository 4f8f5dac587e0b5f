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
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// callIDLen is the exact encoded size of a CallID.
const callIDLen = 16

// CallID correlates every record belonging to one RPC call. It is a 128-bit
// value carried as two 64-bit words. Ids are minted from 16 random bytes,
// which makes allocation collision-resistant across concurrent calls with
// no cross-call coordination.
type CallID struct {
	High uint64
	Low  uint64
}

// NewCallID returns a fresh random CallID.
func NewCallID() CallID {
	u := uuid.New()
	return CallID{
		High: binary.BigEndian.Uint64(u[0:8]),
		Low:  binary.BigEndian.Uint64(u[8:16]),
	}
}

// CallIDFromBytes converts a 16-byte sequence into a CallID. The first
// eight bytes populate the high word and the remaining eight the low word,
// both big-endian. Any other input length is a contract violation and is
// rejected with an error naming the length received.
func CallIDFromBytes(b []byte) (CallID, error) {
	if len(b) != callIDLen {
		return CallID{}, fmt.Errorf("call id requires exactly %d byte input, got %d", callIDLen, len(b))
	}
	return CallID{
		High: binary.BigEndian.Uint64(b[0:8]),
		Low:  binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// Bytes returns the 16-byte big-endian form of id.
// CallIDFromBytes(id.Bytes()) reproduces id exactly.
func (id CallID) Bytes() []byte {
	b := make([]byte, callIDLen)
	binary.BigEndian.PutUint64(b[0:8], id.High)
	binary.BigEndian.PutUint64(b[8:16], id.Low)
	return b
}

// String renders id as 32 lowercase hex digits.
func (id CallID) String() string {
	return hex.EncodeToString(id.Bytes())
}

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

// Package grpctap captures binary records of gRPC calls: the headers,
// trailers, and messages of selected methods are written to a pluggable
// sink as a compact, length-prefixed record stream, byte-budgeted per
// method by a small configuration grammar. Capture is purely
// observational — the interceptors in
// [github.com/pjscruggs/grpctap/grpctapgrpc] never alter a call's
// metadata, messages, status, or timing.
//
// # Selecting calls
//
// A configuration string names which methods to capture and how much of
// each call to keep:
//
//	*                            every method, everything kept
//	*{h:256;m:64}                every method, 256 header bytes, 64 message bytes
//	pkg.Service/*{h}             one service, headers only (no message content)
//	pkg.Service/method{m:1024}   one method, first 1 KiB of each message
//
// [ParseRules] turns such a string into an immutable [RuleTable]. An
// exact method rule beats its service wildcard, which beats the global
// rule; levels never merge. Parsing is all-or-nothing: one malformed rule
// rejects the whole string, and the caller should leave capture disabled
// rather than install a partial configuration. [RulesFromEnv] reads the
// same grammar from the GRPCTAP_FILTER environment variable.
//
// # Records
//
// Each captured event is an [Entry]: the event type, the [Side] that
// wrote it, a random 128-bit [CallID] shared by every record of one call,
// and the event's metadata, message, or peer payload. Metadata is cut to
// an ordered prefix of whole key/value pairs within the header budget;
// messages always record their original length but carry at most the
// message budget in content bytes. Entries are serialized as CBOR with
// integer keys and framed with a 4-byte big-endian length prefix;
// [Reader] iterates a capture stream back into entries, and the
// grpctap-dump command renders one for inspection.
//
// # Sinks
//
// A [Sink] stores finished records. [NewFileSink], [NewTempFileSink], and
// [NewRotatingFileSink] cover the common destinations, with optional zstd
// compression, output buffering, and interval flushing ([SinkOption]).
// Custom destinations implement the two-method interface; when several
// are linked into one binary, [SelectSinkProvider] picks the
// highest-priority available [SinkProvider].
//
// # Wiring
//
// [New] binds rules and a sink into a [Tap]; the interceptors consult it
// per call:
//
//	rules, err := grpctap.RulesFromEnv()
//	if err != nil {
//	    // Malformed configuration: run without capture.
//	}
//	sink, err := grpctap.NewTempFileSink()
//	if err != nil {
//	    // No sink: run without capture.
//	}
//	tap := grpctap.New(rules, sink)
//	defer tap.Close()
//
//	server := grpc.NewServer(
//	    grpc.ChainUnaryInterceptor(grpctapgrpc.UnaryServerInterceptor(tap)),
//	    grpc.ChainStreamInterceptor(grpctapgrpc.StreamServerInterceptor(tap)),
//	)
//
// A nil Tap, a nil rule table, or a nil sink disables capture with no
// other behavioral change, so the wiring can stay in place permanently.
//
// # Failure isolation
//
// Capture must never break the application. Calls no rule matches cost
// nothing; a sink write error is reported once through the Tap's
// diagnostic [log/slog] logger and permanently disables capture for the
// process; nothing is retried and no error ever reaches RPC callers.
package grpctap

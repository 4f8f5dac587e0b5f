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

// Package grpctapgrpc connects a [grpctap.Tap] to gRPC clients and
// servers through standard interceptors.
//
// The package exposes one interceptor per RPC shape:
//
//   - [NewUnaryClientInterceptor] and [NewStreamClientInterceptor]
//   - [UnaryServerInterceptor] and [StreamServerInterceptor]
//
// Each interceptor asks the tap for a per-call record writer when the
// RPC starts. When the call's method matches no capture rule the
// interceptor degrades to a direct pass-through with no per-event work.
// When it matches, the interceptor records the call's metadata exchanges
// and message payloads in their causal order, stamped with one call id,
// without ever altering what the application sends or receives.
//
// # Transparency
//
// The interceptors are observational only. Metadata, messages, errors,
// and statuses flow through untouched; capture failures are absorbed by
// the tap and reported on its diagnostics logger, never to the RPC.
// Handler panics propagate exactly as they would without the
// interceptor; the call's terminal record is still written first.
//
// # What gets recorded
//
// A client interceptor records the outgoing headers (with the dial
// target as the peer), each outbound and inbound message, the response
// headers when they arrive, and the trailers when the call ends. Calls
// that fail before the server sends headers produce only the trailer
// record, matching the trailers-only shape on the wire. A server
// interceptor mirrors this from its side, recording the incoming
// headers with the remote peer address, and response headers only when
// they are actually sent.
//
// Message payloads are captured from their protobuf wire encoding, or
// verbatim for []byte messages used with raw codecs. Messages of any
// other type are skipped with a diagnostic, since no faithful byte
// representation exists for them at the interceptor layer.
//
// # Wiring
//
// Install the interceptors wherever the matching gRPC option is
// accepted:
//
//	server := grpc.NewServer(
//	    grpc.ChainUnaryInterceptor(grpctapgrpc.UnaryServerInterceptor(tap)),
//	    grpc.ChainStreamInterceptor(grpctapgrpc.StreamServerInterceptor(tap)),
//	)
//
//	conn, err := grpc.NewClient(target,
//	    grpc.WithChainUnaryInterceptor(grpctapgrpc.NewUnaryClientInterceptor(tap)),
//	    grpc.WithChainStreamInterceptor(grpctapgrpc.NewStreamClientInterceptor(tap)),
//	)
//
// A nil tap, a tap with no rules, or a tap whose sink has failed all
// yield nil per-call writers, so the interceptors can stay installed
// permanently and cost almost nothing while capture is off.
package grpctapgrpc

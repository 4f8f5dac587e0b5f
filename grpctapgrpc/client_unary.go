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

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/pjscruggs/grpctap"
)

// NewUnaryClientInterceptor creates a gRPC unary client interceptor
// that records calls matched by the tap's capture rules.
//
// For a captured call it emits, in order: the outgoing headers with the
// dial target as peer, the request message, then after the invocation
// the response headers, the response message, and finally the received
// trailers. When the call fails before the server produced headers,
// only the trailer record follows the request records, mirroring a
// trailers-only response.
//
// Calls whose method matches no rule pass through with no per-call
// state. The interceptor never modifies the request, response, call
// options, or error of the RPC.
func NewUnaryClientInterceptor(tap *grpctap.Tap) grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		callOpts ...grpc.CallOption,
	) (err error) {
		call := tap.ForCall(method, grpctap.SideClient)
		if call == nil {
			return invoker(ctx, method, req, reply, cc, callOpts...)
		}

		outMD, _ := metadata.FromOutgoingContext(ctx)
		call.SendInitialMetadata(flattenMetadata(outMD), targetPeer(cc.Target()))
		recordMessage(tap, call.SendMessage, req)

		// Capture the response headers and trailers without disturbing
		// any Header/Trailer options the application already passed.
		var headerMD, trailerMD metadata.MD
		finalCallOpts := make([]grpc.CallOption, 0, len(callOpts)+2)
		finalCallOpts = append(finalCallOpts, grpc.Header(&headerMD), grpc.Trailer(&trailerMD))
		finalCallOpts = append(finalCallOpts, callOpts...)

		panicked := true
		defer func() {
			if panicked {
				// The invoker never returned; close the call's record
				// stream without inventing a response.
				call.RecvTrailingMetadata(nil)
				return
			}
			if err == nil {
				call.RecvInitialMetadata(flattenMetadata(headerMD), nil)
				recordMessage(tap, call.RecvMessage, reply)
			} else if len(headerMD) > 0 {
				// The server sent headers before failing.
				call.RecvInitialMetadata(flattenMetadata(headerMD), nil)
			}
			call.RecvTrailingMetadata(flattenMetadata(trailerMD))
		}()

		err = invoker(ctx, method, req, reply, cc, finalCallOpts...)
		panicked = false
		return err
	}
}

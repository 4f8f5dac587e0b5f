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
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/pjscruggs/grpctap"
)

// observedTransportStream wraps the grpc.ServerTransportStream a unary
// handler reaches through grpc.SetHeader, grpc.SendHeader, and
// grpc.SetTrailer, so those calls leave a trace in the capture stream
// while behaving exactly as before.
type observedTransportStream struct {
	stream grpc.ServerTransportStream
	call   *grpctap.CallLog

	mu         sync.Mutex
	header     metadata.MD
	headerSent bool
	trailer    metadata.MD
}

var _ grpc.ServerTransportStream = (*observedTransportStream)(nil)

func (o *observedTransportStream) Method() string {
	if o.stream == nil {
		return ""
	}
	return o.stream.Method()
}

func (o *observedTransportStream) SetHeader(md metadata.MD) error {
	o.mu.Lock()
	o.header = metadata.Join(o.header, md)
	o.mu.Unlock()
	if o.stream == nil {
		return nil
	}
	return o.stream.SetHeader(md)
}

func (o *observedTransportStream) SendHeader(md metadata.MD) error {
	o.recordHeader(md)
	if o.stream == nil {
		return nil
	}
	return o.stream.SendHeader(md)
}

func (o *observedTransportStream) SetTrailer(md metadata.MD) error {
	o.mu.Lock()
	o.trailer = metadata.Join(o.trailer, md)
	o.mu.Unlock()
	if o.stream == nil {
		return nil
	}
	return o.stream.SetTrailer(md)
}

// recordHeader emits the send-header record once, merging md into any
// headers accumulated through SetHeader first.
func (o *observedTransportStream) recordHeader(md metadata.MD) {
	o.mu.Lock()
	o.header = metadata.Join(o.header, md)
	sent := o.headerSent
	o.headerSent = true
	hdr := o.header
	o.mu.Unlock()
	if !sent {
		o.call.SendInitialMetadata(flattenMetadata(hdr), nil)
	}
}

// trailerSnapshot returns the trailers accumulated so far.
func (o *observedTransportStream) trailerSnapshot() metadata.MD {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.trailer
}

// UnaryServerInterceptor returns a gRPC unary server interceptor that
// records calls matched by the tap's capture rules.
//
// For a captured call it records the incoming headers with the remote
// peer address and the request message before invoking the handler.
// Response headers are recorded when the handler sends them through
// grpc.SendHeader, or together with the response message for the usual
// case where gRPC sends them implicitly. A failed call that never sent
// headers produces no header record, matching the trailers-only shape
// on the wire. The trailer record closes the call's record stream on
// every path out of the handler, panics included; panics propagate
// unchanged.
func UnaryServerInterceptor(tap *grpctap.Tap) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		call := tap.ForCall(info.FullMethod, grpctap.SideServer)
		if call == nil {
			return handler(ctx, req)
		}

		inMD, _ := metadata.FromIncomingContext(ctx)
		call.RecvInitialMetadata(flattenMetadata(inMD), peerFromContext(ctx))
		recordMessage(tap, call.RecvMessage, req)

		obs := &observedTransportStream{
			stream: grpc.ServerTransportStreamFromContext(ctx),
			call:   call,
		}
		ctx = grpc.NewContextWithServerTransportStream(ctx, obs)

		panicked := true
		defer func() {
			if !panicked && err == nil {
				// gRPC flushes any set headers ahead of the response
				// message; mirror that order in the record stream.
				obs.recordHeader(nil)
				recordMessage(tap, call.SendMessage, resp)
			}
			call.SendTrailingMetadata(flattenMetadata(obs.trailerSnapshot()))
		}()

		resp, err = handler(ctx, req)
		panicked = false
		return resp, err
	}
}

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
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/pjscruggs/grpctap"
)

// captureServerStream wraps a grpc.ServerStream to record the events of
// one captured streaming call.
type captureServerStream struct {
	grpc.ServerStream

	tap  *grpctap.Tap
	call *grpctap.CallLog

	mu         sync.Mutex
	header     metadata.MD
	headerSent bool
	trailer    metadata.MD
}

// SetHeader accumulates headers for the eventual header record and
// passes them through.
func (w *captureServerStream) SetHeader(md metadata.MD) error {
	w.mu.Lock()
	w.header = metadata.Join(w.header, md)
	w.mu.Unlock()
	return w.ServerStream.SetHeader(md)
}

// SendHeader records the response headers before they go out.
func (w *captureServerStream) SendHeader(md metadata.MD) error {
	w.recordHeader(md)
	return w.ServerStream.SendHeader(md)
}

// SetTrailer accumulates trailers for the terminal record.
func (w *captureServerStream) SetTrailer(md metadata.MD) {
	w.mu.Lock()
	w.trailer = metadata.Join(w.trailer, md)
	w.mu.Unlock()
	w.ServerStream.SetTrailer(md)
}

// SendMsg records the header event if this is the first send (gRPC
// flushes headers ahead of the first message) and the outbound message
// itself, then passes the message through.
func (w *captureServerStream) SendMsg(m any) error {
	w.recordHeader(nil)
	recordMessage(w.tap, w.call.SendMessage, m)
	return w.ServerStream.SendMsg(m)
}

// RecvMsg passes through and records the inbound message on success.
// Receive errors carry no message and end up reflected in the terminal
// record written by the interceptor.
func (w *captureServerStream) RecvMsg(m any) error {
	err := w.ServerStream.RecvMsg(m)
	if err != nil {
		return err
	}
	recordMessage(w.tap, w.call.RecvMessage, m)
	return nil
}

// recordHeader emits the send-header record once, folding md into the
// headers accumulated through SetHeader.
func (w *captureServerStream) recordHeader(md metadata.MD) {
	w.mu.Lock()
	w.header = metadata.Join(w.header, md)
	sent := w.headerSent
	w.headerSent = true
	hdr := w.header
	w.mu.Unlock()
	if !sent {
		w.call.SendInitialMetadata(flattenMetadata(hdr), nil)
	}
}

// trailerSnapshot returns the trailers accumulated so far.
func (w *captureServerStream) trailerSnapshot() metadata.MD {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trailer
}

// StreamServerInterceptor returns a gRPC stream server interceptor that
// records streaming calls matched by the tap's capture rules.
//
// For a captured stream it records the incoming headers with the remote
// peer address when the stream is intercepted, each message the handler
// receives or sends, the response headers the first time they go out,
// and a trailer record when the handler returns. A handler that fails
// without ever sending headers produces no header record. The trailer
// record is written on every path out of the handler, panics included;
// panics propagate unchanged.
func StreamServerInterceptor(tap *grpctap.Tap) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		call := tap.ForCall(info.FullMethod, grpctap.SideServer)
		if call == nil {
			return handler(srv, ss)
		}

		ctx := ss.Context()
		inMD, _ := metadata.FromIncomingContext(ctx)
		call.RecvInitialMetadata(flattenMetadata(inMD), peerFromContext(ctx))

		ws := &captureServerStream{ServerStream: ss, tap: tap, call: call}

		panicked := true
		defer func() {
			if !panicked && err == nil {
				// An OK status always follows headers on the wire, even
				// for a stream that sent no messages.
				ws.recordHeader(nil)
			}
			call.SendTrailingMetadata(flattenMetadata(ws.trailerSnapshot()))
		}()

		err = handler(srv, ws)
		panicked = false
		return err
	}
}

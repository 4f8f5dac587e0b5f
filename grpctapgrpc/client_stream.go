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
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/pjscruggs/grpctap"
)

// captureClientStream wraps a grpc.ClientStream to record the events of
// one captured streaming call.
type captureClientStream struct {
	grpc.ClientStream

	tap  *grpctap.Tap
	call *grpctap.CallLog

	mu         sync.Mutex
	headerSeen bool

	// finishOnce guards the terminal trailer record; the stream can end
	// through RecvMsg, SendMsg, Header, or context cancellation, and
	// several of those can race.
	finishOnce sync.Once
	done       chan struct{}
}

// NewStreamClientInterceptor creates a gRPC stream client interceptor
// that records streaming calls matched by the tap's capture rules.
//
// For a captured stream it records the outgoing headers when the stream
// is opened, each message as it is sent or received, the response
// headers the first time they are observed, and a single trailer record
// when the stream ends. The end of a stream is observed through
// RecvMsg returning an error (including io.EOF), a send or header
// failure, or cancellation of the stream's context, whichever comes
// first; exactly one trailer record is written regardless of how many
// of those occur.
//
// Streams whose method matches no rule pass through unwrapped.
func NewStreamClientInterceptor(tap *grpctap.Tap) grpc.StreamClientInterceptor {
	return func(
		ctx context.Context,
		desc *grpc.StreamDesc,
		cc *grpc.ClientConn,
		method string,
		streamer grpc.Streamer,
		callOpts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		call := tap.ForCall(method, grpctap.SideClient)
		if call == nil {
			return streamer(ctx, desc, cc, method, callOpts...)
		}

		outMD, _ := metadata.FromOutgoingContext(ctx)
		call.SendInitialMetadata(flattenMetadata(outMD), targetPeer(cc.Target()))

		cs, err := streamer(ctx, desc, cc, method, callOpts...)
		if err != nil {
			// The stream never opened; close its record stream.
			call.RecvTrailingMetadata(nil)
			return nil, err
		}

		ws := &captureClientStream{
			ClientStream: cs,
			tap:          tap,
			call:         call,
			done:         make(chan struct{}),
		}
		go ws.watchCancel(ctx)
		return ws, nil
	}
}

// watchCancel emits the terminal record when the call's context is
// cancelled before any stream operation observes the end of the stream.
// It exits as soon as finish has run through any path.
func (w *captureClientStream) watchCancel(ctx context.Context) {
	select {
	case <-ctx.Done():
		w.finish(nil)
	case <-w.done:
	}
}

// finish writes the trailer record exactly once and releases the
// cancellation watcher. It also pins headerSeen so a late Header call
// cannot append a header record after the terminal one.
func (w *captureClientStream) finish(trailer metadata.MD) {
	w.finishOnce.Do(func() {
		w.mu.Lock()
		w.headerSeen = true
		w.mu.Unlock()
		close(w.done)
		w.call.RecvTrailingMetadata(flattenMetadata(trailer))
	})
}

// markHeader records the response headers the first time they are seen,
// whether through an explicit Header call or implicitly around RecvMsg.
func (w *captureClientStream) markHeader(md metadata.MD) {
	w.mu.Lock()
	seen := w.headerSeen
	w.headerSeen = true
	w.mu.Unlock()
	if !seen {
		w.call.RecvInitialMetadata(flattenMetadata(md), nil)
	}
}

// Header returns the server's header metadata, recording it on first
// sight. A header failure ends the stream, so it also triggers the
// terminal record.
func (w *captureClientStream) Header() (metadata.MD, error) {
	md, err := w.ClientStream.Header()
	if err != nil {
		w.finish(w.ClientStream.Trailer())
		return md, err
	}
	w.markHeader(md)
	return md, nil
}

// SendMsg records the outbound message before handing it to the
// transport, preserving the causal order of the record stream even when
// the send itself fails.
func (w *captureClientStream) SendMsg(m any) error {
	recordMessage(w.tap, w.call.SendMessage, m)
	err := w.ClientStream.SendMsg(m)
	if err != nil {
		w.finish(w.ClientStream.Trailer())
	}
	return err
}

// RecvMsg records the response headers (once) and the inbound message
// on success. Any error return, io.EOF included, is the end of the
// stream and produces the terminal record. On a clean end the headers
// are still recorded if the application never asked for them, since the
// server did send them before the OK status.
func (w *captureClientStream) RecvMsg(m any) error {
	err := w.ClientStream.RecvMsg(m)
	if err != nil {
		if errors.Is(err, io.EOF) {
			if md, herr := w.ClientStream.Header(); herr == nil {
				w.markHeader(md)
			}
		}
		w.finish(w.ClientStream.Trailer())
		return err
	}

	// Headers have arrived by the time a message has; this never blocks.
	if md, herr := w.ClientStream.Header(); herr == nil {
		w.markHeader(md)
	}
	recordMessage(w.tap, w.call.RecvMessage, m)
	return nil
}

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
	"log/slog"
	"sync/atomic"
)

// options holds the processed configuration for a Tap.
type options struct {
	logger *slog.Logger
}

// Option configures a Tap created by New.
type Option func(*options)

// WithLogger sets the logger receiving this library's own diagnostics:
// sink write failures and payloads that could not be serialized. Capture
// records never pass through it. The default is slog.Default; passing nil
// restores the default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// processOptions applies opts over the defaults.
func processOptions(opts ...Option) options {
	cfg := options{logger: slog.Default()}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	return cfg
}

// Tap resolves capture rules and hands out per-call record writers. It is
// built once, at setup time, from a frozen rule table and a sink, and is
// safe for concurrent use.
//
// A nil *Tap, a nil rule table, and a nil sink are all valid and disable
// capture entirely, so a Tap can be threaded through interceptor wiring
// unconditionally and enabled only when rules and a sink exist.
type Tap struct {
	rules  *RuleTable
	sink   Sink
	logger *slog.Logger

	// sinkFailed latches on the first sink write error; the sink is then
	// abandoned for the remainder of the process, with no retry.
	sinkFailed atomic.Bool
}

// New builds a Tap over a rule table and a sink.
func New(rules *RuleTable, sink Sink, opts ...Option) *Tap {
	cfg := processOptions(opts...)
	return &Tap{rules: rules, sink: sink, logger: cfg.logger}
}

// Close closes the sink. It is safe on a nil or sink-less Tap.
func (t *Tap) Close() error {
	if t == nil || t.sink == nil {
		return nil
	}
	return t.sink.Close()
}

// Logger returns the diagnostics logger configured with WithLogger.
func (t *Tap) Logger() *slog.Logger {
	if t == nil || t.logger == nil {
		return slog.Default()
	}
	return t.logger
}

// ForCall resolves the capture rule for fullMethod and, when one matches,
// returns a CallLog carrying a freshly minted call id. When capture is
// disabled or no rule matches it returns nil without allocating; a nil
// CallLog is valid and all its methods are no-ops.
func (t *Tap) ForCall(fullMethod string, side Side) *CallLog {
	if t == nil || t.sink == nil || t.sinkFailed.Load() {
		return nil
	}
	lim, ok := t.rules.Lookup(fullMethod)
	if !ok {
		return nil
	}
	return &CallLog{tap: t, id: NewCallID(), side: side, limits: lim}
}

// write hands a finished record to the sink, isolating the caller from
// sink failure: the first error disables capture for the process and is
// reported once through the diagnostics logger.
func (t *Tap) write(e *Entry) {
	if t.sinkFailed.Load() {
		return
	}
	if err := t.sink.Write(e); err != nil {
		if t.sinkFailed.CompareAndSwap(false, true) {
			t.logger.Error("grpctap: sink write failed, capture disabled for the remainder of the process",
				slog.String("error", err.Error()))
		}
	}
}

// CallLog emits the records of a single call, stamping each with the
// call's id and side and applying the call's byte budgets. Its methods
// never fail and never panic into the caller; the RPC proceeds identically
// whether or not records reach the sink.
//
// Methods may be called from different goroutines (streaming sends and
// receives often are); CallLog itself is immutable and the sink serializes
// writes.
type CallLog struct {
	tap    *Tap
	id     CallID
	side   Side
	limits Limits
}

// ID returns the call id stamped on every record of this call.
func (c *CallLog) ID() CallID {
	if c == nil {
		return CallID{}
	}
	return c.id
}

// SendInitialMetadata records the headers this side sent, with peer
// attached when known.
func (c *CallLog) SendInitialMetadata(md []MetadataEntry, peer *Peer) {
	if c == nil {
		return
	}
	c.emit(&Entry{
		Type:     EventSendInitialMetadata,
		Peer:     peer,
		Metadata: truncateMetadata(md, c.limits.MaxHeaderBytes),
	})
}

// RecvInitialMetadata records the headers this side received, with peer
// attached when known.
func (c *CallLog) RecvInitialMetadata(md []MetadataEntry, peer *Peer) {
	if c == nil {
		return
	}
	c.emit(&Entry{
		Type:     EventRecvInitialMetadata,
		Peer:     peer,
		Metadata: truncateMetadata(md, c.limits.MaxHeaderBytes),
	})
}

// SendTrailingMetadata records the trailers this side sent. Trailing
// metadata shares the header byte budget and carries no peer.
func (c *CallLog) SendTrailingMetadata(md []MetadataEntry) {
	if c == nil {
		return
	}
	c.emit(&Entry{
		Type:     EventSendTrailingMetadata,
		Metadata: truncateMetadata(md, c.limits.MaxHeaderBytes),
	})
}

// RecvTrailingMetadata records the trailers this side received.
func (c *CallLog) RecvTrailingMetadata(md []MetadataEntry) {
	if c == nil {
		return
	}
	c.emit(&Entry{
		Type:     EventRecvTrailingMetadata,
		Metadata: truncateMetadata(md, c.limits.MaxHeaderBytes),
	})
}

// SendMessage records an outbound payload. The record always carries the
// original length; content is capped by the message budget.
func (c *CallLog) SendMessage(payload []byte, compressed bool) {
	if c == nil {
		return
	}
	c.emit(&Entry{
		Type:    EventSendMessage,
		Message: newMessage(payload, compressed, c.limits.MaxMessageBytes),
	})
}

// RecvMessage records an inbound payload.
func (c *CallLog) RecvMessage(payload []byte, compressed bool) {
	if c == nil {
		return
	}
	c.emit(&Entry{
		Type:    EventRecvMessage,
		Message: newMessage(payload, compressed, c.limits.MaxMessageBytes),
	})
}

func (c *CallLog) emit(e *Entry) {
	e.Side = c.side
	e.CallIDHigh = c.id.High
	e.CallIDLow = c.id.Low
	c.tap.write(e)
}

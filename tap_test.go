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
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// recordSink captures entries in memory and can be scripted to fail.
type recordSink struct {
	mu      sync.Mutex
	entries []*Entry
	err     error
	closed  bool
}

var _ Sink = (*recordSink)(nil)

func (s *recordSink) Write(e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordSink) Flush() error { return nil }

func (s *recordSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordSink) Name() string { return "record" }

func (s *recordSink) all() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Entry(nil), s.entries...)
}

// captureHandler records slog output so tests can assert on diagnostics.
type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.records))
	for i, r := range h.records {
		out[i] = r.Message
	}
	return out
}

func mustParseRules(t *testing.T, config string) *RuleTable {
	t.Helper()
	table, err := ParseRules(config)
	if err != nil {
		t.Fatalf("ParseRules(%q) failed: %v", config, err)
	}
	return table
}

// TestTapCallFlow drives a full call through a CallLog and checks the
// recorded sequence: event types, sides, and a single call id across
// every entry.
func TestTapCallFlow(t *testing.T) {
	sink := &recordSink{}
	tap := New(mustParseRules(t, "*"), sink)
	defer tap.Close()

	call := tap.ForCall("/routeguide.RouteGuide/GetFeature", SideClient)
	if call == nil {
		t.Fatal("ForCall returned nil for a matching method")
	}
	peer := PeerFromAddr(nil)
	md := []MetadataEntry{{Key: []byte("k"), Value: []byte("v")}}
	call.SendInitialMetadata(md, peer)
	call.SendMessage([]byte("request"), false)
	call.RecvInitialMetadata(md, nil)
	call.RecvMessage([]byte("response"), true)
	call.RecvTrailingMetadata(nil)

	got := sink.all()
	wantTypes := []EventType{
		EventSendInitialMetadata,
		EventSendMessage,
		EventRecvInitialMetadata,
		EventRecvMessage,
		EventRecvTrailingMetadata,
	}
	if len(got) != len(wantTypes) {
		t.Fatalf("sink recorded %d entries, want %d", len(got), len(wantTypes))
	}
	for i, e := range got {
		if e.Type != wantTypes[i] {
			t.Errorf("entry %d type = %v, want %v", i, e.Type, wantTypes[i])
		}
		if e.Side != SideClient {
			t.Errorf("entry %d side = %v, want %v", i, e.Side, SideClient)
		}
		if e.CallID() != call.ID() {
			t.Errorf("entry %d call id = %v, want %v", i, e.CallID(), call.ID())
		}
	}
	if got[0].Peer == nil {
		t.Error("send_initial_metadata entry lost its peer")
	}
	if got[3].Message == nil || got[3].Message.Flags&MessageFlagCompressed == 0 {
		t.Error("recv_message entry lost the compressed flag")
	}
}

// TestTapDistinctCallIDs verifies each ForCall mints a fresh identifier.
func TestTapDistinctCallIDs(t *testing.T) {
	tap := New(mustParseRules(t, "*"), &recordSink{})
	defer tap.Close()

	a := tap.ForCall("/svc.S/A", SideServer)
	b := tap.ForCall("/svc.S/A", SideServer)
	if a == nil || b == nil {
		t.Fatal("ForCall returned nil for a matching method")
	}
	if a.ID() == b.ID() {
		t.Errorf("two calls share call id %v", a.ID())
	}
}

// TestTapBudgetsApplied verifies per-method limits reach the recorded
// entries: headers truncate by whole entries, messages keep a prefix
// and the original length.
func TestTapBudgetsApplied(t *testing.T) {
	sink := &recordSink{}
	tap := New(mustParseRules(t, "pkg.Svc/Method{h:10;m:4}"), sink)
	defer tap.Close()

	call := tap.ForCall("pkg.Svc/Method", SideServer)
	if call == nil {
		t.Fatal("ForCall returned nil for a matching method")
	}
	md := []MetadataEntry{
		{Key: []byte("aaaa"), Value: []byte("bbbbbb")}, // cost 10, fits exactly
		{Key: []byte("c"), Value: []byte("d")},         // over budget
	}
	call.RecvInitialMetadata(md, nil)
	call.RecvMessage([]byte("0123456789"), false)
	call.SendTrailingMetadata(md)

	got := sink.all()
	if len(got) != 3 {
		t.Fatalf("sink recorded %d entries, want 3", len(got))
	}
	if diff := cmp.Diff(md[:1], got[0].Metadata); diff != "" {
		t.Errorf("initial metadata truncation mismatch (-want +got):\n%s", diff)
	}
	msg := got[1].Message
	if msg == nil {
		t.Fatal("recv_message entry has no message")
	}
	if string(msg.Data) != "0123" {
		t.Errorf("message data = %q, want %q", msg.Data, "0123")
	}
	if msg.Length != 10 {
		t.Errorf("message length = %d, want 10", msg.Length)
	}
	if diff := cmp.Diff(md[:1], got[2].Metadata); diff != "" {
		t.Errorf("trailing metadata truncation mismatch (-want +got):\n%s", diff)
	}
}

// TestTapForCallElision enumerates the cases where ForCall must return
// nil so interceptors skip all capture work.
func TestTapForCallElision(t *testing.T) {
	tests := []struct {
		name   string
		tap    *Tap
		method string
	}{
		{
			name:   "nil tap",
			tap:    nil,
			method: "pkg.Svc/Method",
		},
		{
			name:   "nil rule table",
			tap:    New(nil, &recordSink{}),
			method: "pkg.Svc/Method",
		},
		{
			name:   "nil sink",
			tap:    New(mustParseRulesQuiet("*"), nil),
			method: "pkg.Svc/Method",
		},
		{
			name:   "no matching rule",
			tap:    New(mustParseRulesQuiet("other.Svc/*"), &recordSink{}),
			method: "pkg.Svc/Method",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if call := tc.tap.ForCall(tc.method, SideClient); call != nil {
				t.Errorf("ForCall = %+v, want nil", call)
			}
		})
	}
}

// mustParseRulesQuiet is mustParseRules for table literals, panicking
// instead of failing a *testing.T it does not have.
func mustParseRulesQuiet(config string) *RuleTable {
	table, err := ParseRules(config)
	if err != nil {
		panic(err)
	}
	return table
}

// TestNilCallLogNoOps verifies every CallLog method tolerates a nil
// receiver, the contract that lets callers skip nil checks per event.
func TestNilCallLogNoOps(t *testing.T) {
	var call *CallLog
	if id := call.ID(); id != (CallID{}) {
		t.Errorf("nil CallLog ID = %v, want zero", id)
	}
	call.SendInitialMetadata(nil, nil)
	call.RecvInitialMetadata(nil, nil)
	call.SendTrailingMetadata(nil)
	call.RecvTrailingMetadata(nil)
	call.SendMessage(nil, false)
	call.RecvMessage([]byte("x"), true)
}

// TestTapSinkFailureLatch verifies the first sink error disables capture
// for the process and is logged exactly once.
func TestTapSinkFailureLatch(t *testing.T) {
	handler := &captureHandler{}
	sink := &recordSink{err: errors.New("disk full")}
	tap := New(mustParseRules(t, "*"), sink,
		WithLogger(slog.New(handler)),
	)
	defer tap.Close()

	call := tap.ForCall("pkg.Svc/Method", SideClient)
	if call == nil {
		t.Fatal("ForCall returned nil before any failure")
	}
	call.SendMessage([]byte("one"), false)
	call.SendMessage([]byte("two"), false)

	if next := tap.ForCall("pkg.Svc/Method", SideClient); next != nil {
		t.Error("ForCall still returns calls after a sink failure")
	}

	msgs := handler.messages()
	if len(msgs) != 1 {
		t.Fatalf("logged %d diagnostics, want exactly 1: %v", len(msgs), msgs)
	}
	if !strings.Contains(msgs[0], "sink write failed") {
		t.Errorf("diagnostic %q does not describe the sink failure", msgs[0])
	}
}

// TestTapClose verifies Close reaches the sink and both Tap and Close
// tolerate nil.
func TestTapClose(t *testing.T) {
	sink := &recordSink{}
	tap := New(mustParseRules(t, "*"), sink)
	if err := tap.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !sink.closed {
		t.Error("Close did not close the sink")
	}

	var nilTap *Tap
	if err := nilTap.Close(); err != nil {
		t.Errorf("nil Tap Close = %v, want nil", err)
	}
	if call := nilTap.ForCall("pkg.Svc/Method", SideClient); call != nil {
		t.Error("nil Tap ForCall returned a call")
	}
}

// TestTapLogger verifies logger wiring and the nil-restores-default rule.
func TestTapLogger(t *testing.T) {
	handler := &captureHandler{}
	logger := slog.New(handler)
	tap := New(nil, nil, WithLogger(logger))
	if tap.Logger() != logger {
		t.Error("Logger() did not return the configured logger")
	}

	fallback := New(nil, nil, WithLogger(nil))
	if fallback.Logger() == nil {
		t.Error("WithLogger(nil) left the tap without a logger")
	}
}

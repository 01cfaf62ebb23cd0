package state

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.WarnLevel)
	return zap.New(core), logs
}

func TestInboundRequestWithBodyAndTrailers(t *testing.T) {
	ctx := NewContext(1, RoleServer, "pipe", nil)

	steps := []struct {
		ev     Event
		action Action
		state  ListenerState
	}{
		{Event{Kind: EventHeaders, Initial: true}, ActionNewMessage, ReceivingEntityBody},
		{Event{Kind: EventData}, ActionAppendChunk, ReceivingEntityBody},
		{Event{Kind: EventData}, ActionAppendChunk, ReceivingEntityBody},
		{Event{Kind: EventHeaders, EndStream: true}, ActionTrailers, EntityBodyReceived},
	}
	for i, s := range steps {
		action, err := ctx.Inbound(s.ev)
		if err != nil {
			t.Fatalf("step %d: unexpected error: %v", i, err)
		}
		if action != s.action {
			t.Errorf("step %d: action = %s, want %s", i, action, s.action)
		}
		if got := ctx.Listener(); got != s.state {
			t.Errorf("step %d: state = %s, want %s", i, got, s.state)
		}
	}
}

func TestInboundHeadersOnlyRequest(t *testing.T) {
	ctx := NewContext(3, RoleServer, "pipe", nil)
	action, err := ctx.Inbound(Event{Kind: EventHeaders, EndStream: true, Initial: true})
	if err != nil {
		t.Fatal(err)
	}
	if action != ActionNewMessageNoBody {
		t.Errorf("action = %s, want %s", action, ActionNewMessageNoBody)
	}
	if ctx.Listener() != EntityBodyReceived {
		t.Errorf("state = %s, want EntityBodyReceived", ctx.Listener())
	}
}

func TestInboundDataEndStream(t *testing.T) {
	ctx := NewContext(1, RoleClient, "pipe", nil)
	ctx.Inbound(Event{Kind: EventHeaders, Initial: true})
	action, err := ctx.Inbound(Event{Kind: EventData, EndStream: true})
	if err != nil {
		t.Fatal(err)
	}
	if action != ActionAppendLastChunk {
		t.Errorf("action = %s, want %s", action, ActionAppendLastChunk)
	}
	if !ctx.InboundDone() {
		t.Error("inbound side should be complete")
	}
}

func TestInboundProtocolViolations(t *testing.T) {
	tests := []struct {
		name  string
		setup []Event
		ev    Event
	}{
		{"data before headers", nil, Event{Kind: EventData}},
		{"headers without method or status", nil, Event{Kind: EventHeaders, EndStream: true}},
		{"trailers without end stream", []Event{{Kind: EventHeaders, Initial: true}}, Event{Kind: EventHeaders}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := NewContext(5, RoleServer, "pipe", nil)
			for _, ev := range tt.setup {
				ctx.Inbound(ev)
			}
			action, err := ctx.Inbound(tt.ev)
			if !errors.Is(err, ErrProtocolViolation) {
				t.Fatalf("err = %v, want ErrProtocolViolation", err)
			}
			if action != ActionCancel {
				t.Errorf("action = %s, want %s", action, ActionCancel)
			}
			if ctx.Listener() != Reset {
				t.Errorf("state = %s, want Reset", ctx.Listener())
			}
		})
	}
}

func TestInboundAfterCompletionIsIgnoredWithWarning(t *testing.T) {
	log, logs := observed()
	ctx := NewContext(7, RoleServer, "pipe", log)
	ctx.Inbound(Event{Kind: EventHeaders, EndStream: true, Initial: true})

	action, err := ctx.Inbound(Event{Kind: EventData})
	if err != nil {
		t.Fatal(err)
	}
	if action != ActionIgnore {
		t.Errorf("action = %s, want %s", action, ActionIgnore)
	}
	if logs.Len() != 1 {
		t.Fatalf("warnings = %d, want 1", logs.Len())
	}
	if ctx.Listener() != EntityBodyReceived {
		t.Errorf("state = %s, want EntityBodyReceived", ctx.Listener())
	}
}

func TestResetCancelsOnce(t *testing.T) {
	ctx := NewContext(9, RoleServer, "pipe", nil)
	ctx.Inbound(Event{Kind: EventHeaders, Initial: true})

	if action, _ := ctx.Inbound(Event{Kind: EventReset}); action != ActionCancel {
		t.Errorf("first reset action = %s, want %s", action, ActionCancel)
	}
	if action, _ := ctx.Inbound(Event{Kind: EventReset}); action != ActionIgnore {
		t.Errorf("second reset action = %s, want %s", action, ActionIgnore)
	}
	if !ctx.Terminal() {
		t.Error("reset stream should be terminal")
	}
}

func TestOutboundWriteBeforeRequestOnlyWarns(t *testing.T) {
	log, logs := observed()
	ctx := NewContext(1, RoleServer, "pipe", log)
	ctx.Begin()

	if ctx.Outbound(OpWriteHeaders, false) {
		t.Fatal("writing response headers while receiving request headers must be refused")
	}
	if logs.Len() != 1 {
		t.Fatalf("warnings = %d, want 1", logs.Len())
	}
	entry := logs.All()[0]
	if entry.Message != "writeOutboundHeaders is not a dependant action of this state" {
		t.Errorf("message = %q", entry.Message)
	}
	if ctx.Sender() != SenderIdle {
		t.Errorf("sender = %s, want SenderIdle", ctx.Sender())
	}
	if ctx.Listener() != ReceivingHeaders {
		t.Errorf("listener = %s, want ReceivingHeaders", ctx.Listener())
	}
}

func TestOutboundSequence(t *testing.T) {
	ctx := NewContext(1, RoleServer, "pipe", nil)
	ctx.Inbound(Event{Kind: EventHeaders, EndStream: true, Initial: true})

	steps := []struct {
		op    Op
		end   bool
		ok    bool
		state SenderState
	}{
		{OpWriteBody, false, false, SenderIdle},
		{OpWriteHeaders, false, true, SendingEntityBody},
		{OpWritePromise, false, true, SendingEntityBody},
		{OpWriteBody, false, true, SendingEntityBody},
		{OpWriteTrailers, true, true, SendCompleted},
		{OpWriteBody, true, false, SendCompleted},
	}
	for i, s := range steps {
		if got := ctx.Outbound(s.op, s.end); got != s.ok {
			t.Errorf("step %d (%s): ok = %t, want %t", i, s.op, got, s.ok)
		}
		if got := ctx.Sender(); got != s.state {
			t.Errorf("step %d (%s): state = %s, want %s", i, s.op, got, s.state)
		}
	}
	if !ctx.HeadersSent() {
		t.Error("headers should be marked as sent")
	}
	if !ctx.Terminal() {
		t.Error("stream should be terminal")
	}
}

func TestClientWritesWhileIdle(t *testing.T) {
	ctx := NewContext(1, RoleClient, "pipe", nil)
	if !ctx.Outbound(OpWriteHeaders, true) {
		t.Fatal("client must be able to write its request before any response")
	}
	if ctx.Terminal() {
		t.Error("stream is not terminal before the response arrives")
	}
}

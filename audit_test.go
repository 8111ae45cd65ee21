package goAuthClient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, AuditEvent) {
	s.count.Add(1)
}

type gateSink struct {
	gate chan struct{}
}

func (s *gateSink) Emit(context.Context, AuditEvent) {
	<-s.gate
}

func TestAuditDisabledHasNoDispatcher(t *testing.T) {
	d := newAuditDispatcher(AuditConfig{Enabled: false}, &countingSink{})
	if d != nil {
		t.Fatalf("expected nil dispatcher when audit is disabled")
	}
	// A nil dispatcher is safe to use.
	d.record(context.Background(), AuditLogin, "", nil, nil)
	d.Close()
	if d.Dropped() != 0 {
		t.Fatalf("nil dispatcher reported drops")
	}
}

func TestAuditDropIfFullCountsDrops(t *testing.T) {
	sink := &gateSink{gate: make(chan struct{})}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// One event is held by the sink, one fills the buffer, the rest drop.
	for i := 0; i < 10; i++ {
		d.record(context.Background(), AuditRefresh, "", nil, nil)
		time.Sleep(time.Millisecond)
	}
	if d.Dropped() == 0 {
		t.Fatalf("expected drops under backpressure")
	}
	close(sink.gate)
	d.Close()
}

func TestAuditCloseDrainsBufferedEvents(t *testing.T) {
	sink := &countingSink{}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 64}, sink)
	for i := 0; i < 20; i++ {
		d.record(context.Background(), AuditRefresh, "", nil, nil)
	}
	d.Close()

	if got := sink.count.Load(); got != 20 {
		t.Fatalf("expected 20 delivered events, got %d", got)
	}
}

func TestAuditRecordStampsEvent(t *testing.T) {
	sink := NewChannelSink(1)
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 4}, sink)
	defer d.Close()

	d.record(context.Background(), AuditSessionTerminated, "30111222", errors.New("authentication rejected"), map[string]string{"k": "v"})

	select {
	case ev := <-sink.Events():
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Fatalf("event not stamped: %+v", ev)
		}
		if ev.EventType != AuditSessionTerminated || ev.Success || ev.Error != "authentication rejected" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}
}

func TestJSONWriterSinkWritesLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), AuditEvent{ID: "a", EventType: AuditLogin, Success: true})
	sink.Emit(context.Background(), AuditEvent{ID: "b", EventType: AuditLogout, Success: true})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var ev AuditEvent
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if ev.EventType != AuditLogout {
		t.Fatalf("event_type = %q", ev.EventType)
	}
}

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

type blockingSink struct {
	release chan struct{}
	got     chan Event
}

func (s *blockingSink) Emit(_ context.Context, e Event) {
	<-s.release
	s.got <- e
}

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, NoOpSink{})
	if d != nil {
		t.Fatal("expected nil dispatcher when disabled")
	}
	d.Emit(context.Background(), Event{EventType: "x"})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reported drops")
	}
}

func TestDispatcherDeliversInOrderAndDrainsOnClose(t *testing.T) {
	sink := NewChannelSink(8)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8}, sink)

	for _, typ := range []string{"login_success", "refresh_rotated", "logout"} {
		d.Emit(context.Background(), Event{EventType: typ})
	}
	d.Close()

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case e := <-sink.Events():
			got = append(got, e.EventType)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %v", got)
		}
	}
	if strings.Join(got, ",") != "login_success,refresh_rotated,logout" {
		t.Fatalf("unexpected order %v", got)
	}

	d.Emit(context.Background(), Event{EventType: "after_close"})
	select {
	case e := <-sink.Events():
		t.Fatalf("event accepted after close: %+v", e)
	default:
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{}), got: make(chan Event, 16)}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{EventType: "otp_failed"})
	}
	if d.Dropped() == 0 {
		t.Fatal("expected drops with a blocked sink")
	}
	close(sink.release)
	d.Close()
}

func TestJSONWriterSinkWritesLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), Event{EventType: "refresh_reuse", SessionID: "s-1"})
	sink.Emit(context.Background(), Event{EventType: "logout", Success: true})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var e Event
	if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.EventType != "refresh_reuse" || e.SessionID != "s-1" {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestDispatcherSurvivesPanickingSink(t *testing.T) {
	var calls int
	sink := SinkFunc(func(_ context.Context, e Event) {
		calls++
		if e.EventType == "boom" {
			panic("sink failure")
		}
	})
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, sink)

	d.Emit(context.Background(), Event{EventType: "boom"})
	d.Emit(context.Background(), Event{EventType: "logout"})
	d.Close()

	if calls != 2 {
		t.Fatalf("expected both events to reach the sink, got %d", calls)
	}
	if d.Delivered() != 1 {
		t.Fatalf("expected 1 delivered event, got %d", d.Delivered())
	}
}

func TestDispatcherCloseIsIdempotent(t *testing.T) {
	d := NewDispatcher(Config{Enabled: true}, NoOpSink{})
	d.Close()
	d.Close()
	d.Emit(context.Background(), Event{EventType: "late"})
	if d.Delivered() != 0 || d.Dropped() != 0 {
		t.Fatalf("unexpected counters after close: delivered=%d dropped=%d", d.Delivered(), d.Dropped())
	}
}

package logring

import (
	"bytes"
	"fmt"
	"log/slog"
	"testing"
)

func TestRing_TailOrdering(t *testing.T) {
	r := NewRing(3)
	for i := 1; i <= 5; i++ {
		r.add(Entry{Message: fmt.Sprintf("msg %d", i)})
	}

	tail := r.Tail(0)
	if len(tail) != 3 {
		t.Fatalf("tail = %d entries, want 3", len(tail))
	}
	for i, want := range []string{"msg 3", "msg 4", "msg 5"} {
		if tail[i].Message != want {
			t.Fatalf("tail[%d] = %q, want %q", i, tail[i].Message, want)
		}
	}

	limited := r.Tail(2)
	if len(limited) != 2 || limited[0].Message != "msg 4" {
		t.Fatalf("limited tail = %+v", limited)
	}
}

func TestRing_TailBeforeWrap(t *testing.T) {
	r := NewRing(10)
	r.add(Entry{Message: "only"})

	tail := r.Tail(5)
	if len(tail) != 1 || tail[0].Message != "only" {
		t.Fatalf("tail = %+v", tail)
	}
}

func TestHandler_CapturesAndForwards(t *testing.T) {
	var buf bytes.Buffer
	ring := NewRing(10)
	logger := slog.New(NewHandler(ring, slog.NewTextHandler(&buf, nil)))

	logger.Info("queue drained", "agent_id", "coder", "count", 3)

	tail := ring.Tail(1)
	if len(tail) != 1 {
		t.Fatalf("tail = %d entries, want 1", len(tail))
	}
	entry := tail[0]
	if entry.Message != "queue drained" {
		t.Fatalf("message = %q", entry.Message)
	}
	if entry.Level != "INFO" {
		t.Fatalf("level = %q", entry.Level)
	}
	if entry.Attrs["agent_id"] != "coder" || entry.Attrs["count"] != "3" {
		t.Fatalf("attrs = %v", entry.Attrs)
	}
	if buf.Len() == 0 {
		t.Fatal("delegate handler received nothing")
	}
}

func TestHandler_WithAttrsPropagates(t *testing.T) {
	var buf bytes.Buffer
	ring := NewRing(10)
	logger := slog.New(NewHandler(ring, slog.NewTextHandler(&buf, nil)))

	logger.With("component", "dispatch").Warn("slow claim")

	tail := ring.Tail(1)
	if len(tail) != 1 {
		t.Fatalf("tail = %d, want 1", len(tail))
	}
	if tail[0].Attrs["component"] != "dispatch" {
		t.Fatalf("attrs = %v", tail[0].Attrs)
	}
}

// Package logring tees slog records into a bounded in-memory ring so the
// control API can serve a tail of the structured log.
package logring

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultCapacity = 1000

// Entry is one captured log record.
type Entry struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// Ring is a fixed-capacity circular buffer of log entries.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewRing creates a ring with the given capacity (0 uses the default).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Ring{entries: make([]Entry, capacity)}
}

func (r *Ring) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// Tail returns up to n entries, oldest first.
func (r *Ring) Tail(n int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []Entry
	if r.full {
		ordered = append(ordered, r.entries[r.next:]...)
		ordered = append(ordered, r.entries[:r.next]...)
	} else {
		ordered = append(ordered, r.entries[:r.next]...)
	}
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Handler is a slog.Handler that records into a Ring and forwards to a
// delegate handler.
type Handler struct {
	ring     *Ring
	delegate slog.Handler
	attrs    []slog.Attr
}

// NewHandler wraps delegate so every record also lands in ring.
func NewHandler(ring *Ring, delegate slog.Handler) *Handler {
	return &Handler{ring: ring, delegate: delegate}
}

// Enabled defers to the delegate.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.delegate.Enabled(ctx, level)
}

// Handle records the entry and forwards it.
func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	attrs := make(map[string]string)
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.String()
	}
	record.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.String()
		return true
	})
	if len(attrs) == 0 {
		attrs = nil
	}
	h.ring.add(Entry{
		Time:    record.Time,
		Level:   record.Level.String(),
		Message: record.Message,
		Attrs:   attrs,
	})
	return h.delegate.Handle(ctx, record)
}

// WithAttrs returns a handler carrying the additional attributes.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		ring:     h.ring,
		delegate: h.delegate.WithAttrs(attrs),
		attrs:    append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
}

// WithGroup returns a handler scoped to the group.
func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		ring:     h.ring,
		delegate: h.delegate.WithGroup(name),
		attrs:    h.attrs,
	}
}

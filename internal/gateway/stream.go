package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// sseKeepAliveInterval bounds how long a proxy may see no traffic.
const sseKeepAliveInterval = 30 * time.Second

// handleEventStream implements GET /api/events/stream: a server-sent event
// stream carrying every bus event as {type, timestamp, ...payload} JSON.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case event, open := <-sub.Ch():
			if !open {
				return
			}
			data, err := encodeEvent(event.Topic, event.Timestamp, event.Payload)
			if err != nil {
				s.cfg.Logger.Error("sse: marshal event", "topic", event.Topic, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// encodeEvent flattens a typed payload into {type, timestamp, ...fields}.
func encodeEvent(topic string, ts time.Time, payload any) ([]byte, error) {
	flat := map[string]any{
		"type":      topic,
		"timestamp": ts.UTC().Format(time.RFC3339Nano),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err == nil {
			for k, v := range fields {
				flat[k] = v
			}
		} else {
			flat["payload"] = payload
		}
	}
	return json.Marshal(flat)
}

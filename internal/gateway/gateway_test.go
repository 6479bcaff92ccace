package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/agentmux/internal/bus"
	"github.com/basket/agentmux/internal/config"
	"github.com/basket/agentmux/internal/convo"
	"github.com/basket/agentmux/internal/logring"
	"github.com/basket/agentmux/internal/queue"
)

const testToken = "test-token"

func newTestServer(t *testing.T, authEnabled bool) (*Server, *queue.Store, *bus.Bus) {
	t.Helper()
	home := t.TempDir()
	configYAML := `
agents:
  - id: coder
  - id: po
  - id: reviewer
teams:
  - id: dev
    name: Dev Team
    members: [po, coder, reviewer]
    leader: po
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	eventBus := bus.New()
	store, err := queue.Open(filepath.Join(home, "agentmux.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	provider := config.NewProvider(home, nil)
	convos := convo.NewManager(store, eventBus, filepath.Join(home, "workspace"), nil, convo.Options{})

	srv := New(Config{
		Store:       store,
		Bus:         eventBus,
		Provider:    provider,
		Convos:      convos,
		Logs:        logring.NewRing(0),
		AuthEnabled: authEnabled,
		AuthToken:   testToken,
	})
	return srv, store, eventBus
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestPostMessage_Enqueues(t *testing.T) {
	srv, store, _ := newTestServer(t, false)
	handler := srv.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/message", map[string]any{
		"message": "@coder fix the bug",
		"channel": "web",
		"sender":  "alice",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		OK        bool   `json:"ok"`
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.MessageID == "" {
		t.Fatalf("response = %+v", resp)
	}

	// Agent inferred from the leading token; body carries the context prefix.
	msg, err := store.ClaimNextMessage(context.Background(), "coder")
	if err != nil || msg == nil {
		t.Fatalf("claim = (%v, %v)", msg, err)
	}
	if !strings.HasPrefix(msg.Content, "[web/alice]: ") {
		t.Fatalf("content = %q, want context prefix", msg.Content)
	}
}

func TestPostMessage_TeamTargetStaysUnassigned(t *testing.T) {
	srv, store, _ := newTestServer(t, false)
	handler := srv.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/message", map[string]any{
		"message": "@dev build it",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	// Team routing is the dispatcher's job; the row stays on the default chain.
	msg, err := store.ClaimNextMessage(context.Background(), queue.DefaultAgent)
	if err != nil || msg == nil {
		t.Fatalf("claim default = (%v, %v)", msg, err)
	}
}

func TestPostMessage_Validation(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	handler := srv.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/message", map[string]any{"message": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["error"] == "" {
		t.Fatal("expected error field")
	}
}

func TestPostMessage_DuplicateID(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	handler := srv.Handler()

	body := map[string]any{"message": "hello", "messageId": "same-id"}
	if rec := doJSON(t, handler, http.MethodPost, "/api/message", body); rec.Code != http.StatusOK {
		t.Fatalf("first post = %d", rec.Code)
	}
	if rec := doJSON(t, handler, http.MethodPost, "/api/message", body); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate post = %d, want 409", rec.Code)
	}
}

func TestResponsesPendingAndAck(t *testing.T) {
	srv, store, _ := newTestServer(t, false)
	handler := srv.Handler()
	ctx := context.Background()

	respID, err := store.EnqueueResponse(ctx, queue.ResponseData{
		MessageID: "m1", Channel: "web", Sender: "alice", Content: "done", Agent: "coder",
	})
	if err != nil {
		t.Fatalf("enqueue response: %v", err)
	}

	rec := doJSON(t, handler, http.MethodGet, "/api/responses/pending?channel=web", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var listing struct {
		Responses []queue.Response `json:"responses"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listing.Responses) != 1 || listing.Responses[0].Content != "done" {
		t.Fatalf("responses = %+v", listing.Responses)
	}

	ack := doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api/responses/%d/ack", respID), nil)
	if ack.Code != http.StatusOK {
		t.Fatalf("ack status = %d", ack.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/responses/pending?channel=web", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listing.Responses) != 0 {
		t.Fatalf("responses after ack = %d, want 0", len(listing.Responses))
	}
}

func TestQueueStatus(t *testing.T) {
	srv, store, _ := newTestServer(t, false)
	handler := srv.Handler()
	ctx := context.Background()

	if _, err := store.EnqueueMessage(ctx, queue.EnqueueData{MessageID: "m1", Content: "x", Agent: "coder"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := doJSON(t, handler, http.MethodGet, "/api/queue/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status["pending"] != 1 {
		t.Fatalf("pending = %d, want 1", status["pending"])
	}
	if _, ok := status["activeConversations"]; !ok {
		t.Fatal("missing activeConversations")
	}
}

func TestAuth_RequiredWhenEnabled(t *testing.T) {
	srv, _, _ := newTestServer(t, true)
	handler := srv.Handler()

	// No key: 401.
	rec := doJSON(t, handler, http.MethodGet, "/api/queue/status", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	// Wrong key: 403.
	req := httptest.NewRequest(http.MethodGet, "/api/queue/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	// Bearer header works.
	req = httptest.NewRequest(http.MethodGet, "/api/queue/status", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Query param works (for SSE clients).
	req = httptest.NewRequest(http.MethodGet, "/api/queue/status?api_key="+testToken, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("query param status = %d, want 200", rec.Code)
	}

	// Health check bypasses auth.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
}

func TestCORS_LocalhostOnly(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/queue/status", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow-origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/queue/status", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("allow-origin = %q, want empty for non-local origin", got)
	}
}

func TestDeadMessageEndpoints(t *testing.T) {
	srv, store, _ := newTestServer(t, false)
	handler := srv.Handler()
	ctx := context.Background()

	id, err := store.EnqueueMessage(ctx, queue.EnqueueData{MessageID: "m1", Content: "x", Agent: "coder"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.DeadLetterMessage(ctx, id, "stuck"); err != nil {
		t.Fatalf("dead-letter: %v", err)
	}

	rec := doJSON(t, handler, http.MethodGet, "/api/messages/dead", nil)
	var listing struct {
		Messages []queue.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listing.Messages) != 1 || listing.Messages[0].LastError != "stuck" {
		t.Fatalf("dead = %+v", listing.Messages)
	}

	retry := doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api/messages/%d/retry", id), nil)
	if retry.Code != http.StatusOK {
		t.Fatalf("retry status = %d", retry.Code)
	}
	msg, err := store.GetMessage(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if msg.Status != queue.StatusPending {
		t.Fatalf("status = %q, want pending", msg.Status)
	}

	del := doJSON(t, handler, http.MethodDelete, fmt.Sprintf("/api/messages/%d", id), nil)
	if del.Code != http.StatusOK {
		t.Fatalf("delete status = %d", del.Code)
	}
	if _, err := store.GetMessage(ctx, id); err != queue.ErrNotFound {
		t.Fatalf("get after delete = %v, want ErrNotFound", err)
	}
}

func TestConfigAgentsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	handler := srv.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/config/agents", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var listing struct {
		Agents []config.Agent `json:"agents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listing.Agents) != 3 {
		t.Fatalf("agents = %d, want 3", len(listing.Agents))
	}
}

func TestEventStream_DeliversBusEvents(t *testing.T) {
	srv, _, eventBus := newTestServer(t, false)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/events/stream")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Wait for the handler to subscribe, then publish.
	deadline := time.Now().Add(time.Second)
	for eventBus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	eventBus.Publish(bus.TopicResponseReady, bus.ResponseReadyEvent{
		MessageID:      "m1",
		Channel:        "web",
		ResponseLength: 4,
	})

	reader := bufio.NewReader(resp.Body)
	lineCh := make(chan string, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lineCh)
				return
			}
			if strings.HasPrefix(line, "data: ") {
				lineCh <- line
				return
			}
		}
	}()

	select {
	case line, ok := <-lineCh:
		if !ok {
			t.Fatal("stream closed before delivering an event")
		}
		if !strings.Contains(line, `"type":"response.ready"`) {
			t.Fatalf("missing event type: %q", line)
		}
		if !strings.Contains(line, `"messageId":"m1"`) {
			t.Fatalf("missing payload field: %q", line)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for SSE frame")
	}
}

func TestLogsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	srv.cfg.Logs.Tail(0) // exercise empty tail
	handler := srv.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/logs?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var listing struct {
		Logs []logring.Entry `json:"logs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

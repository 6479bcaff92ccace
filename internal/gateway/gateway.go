// Package gateway exposes the local control API: transport adapters submit
// messages, poll for responses, and stream structured events over SSE.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/agentmux/internal/bus"
	"github.com/basket/agentmux/internal/config"
	"github.com/basket/agentmux/internal/convo"
	"github.com/basket/agentmux/internal/logring"
	amotel "github.com/basket/agentmux/internal/otel"
	"github.com/basket/agentmux/internal/queue"
	"github.com/basket/agentmux/internal/router"
	"github.com/google/uuid"
)

// Config holds the gateway dependencies.
type Config struct {
	Store    *queue.Store
	Bus      *bus.Bus
	Provider *config.Provider
	Convos   *convo.Manager
	Logs     *logring.Ring
	Logger   *slog.Logger

	AuthEnabled bool
	AuthToken   string

	Metrics *amotel.Metrics
}

// Server is the control API.
type Server struct {
	cfg Config
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

// Handler builds the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/message", s.handleMessage)
	mux.HandleFunc("/api/responses", s.handleResponses)
	mux.HandleFunc("/api/responses/", s.handleResponseByID)
	mux.HandleFunc("/api/messages/sent", s.handleMessagesSent)
	mux.HandleFunc("/api/messages/dead", s.handleMessagesDead)
	mux.HandleFunc("/api/messages/", s.handleMessageByID)
	mux.HandleFunc("/api/queue/status", s.handleQueueStatus)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/api/events/stream", s.handleEventStream)
	mux.HandleFunc("/api/config/agents", s.handleConfigAgents)
	mux.HandleFunc("/api/config/teams", s.handleConfigTeams)
	mux.HandleFunc("/api/config/settings", s.handleConfigSettings)

	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	handler = corsMiddleware(handler)
	handler = requestSizeLimit(handler, 0)
	handler = s.instrument(handler)
	return handler
}

// instrument records request durations when metrics are attached.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.cfg.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(started).Seconds())
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.cfg.Store.MessageCounts(ctx)
	healthy := err == nil
	payload := map[string]any{
		"healthy":              healthy,
		"db_ok":                healthy,
		"queue_depth":          counts.Pending,
		"active_conversations": s.cfg.Convos.Active(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// messageRequest is the POST /api/message body.
type messageRequest struct {
	Message   string   `json:"message"`
	Agent     string   `json:"agent,omitempty"`
	Sender    string   `json:"sender,omitempty"`
	Channel   string   `json:"channel,omitempty"`
	Files     []string `json:"files,omitempty"`
	MessageID string   `json:"messageId,omitempty"`
	SenderID  string   `json:"senderId,omitempty"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	channel := req.Channel
	if channel == "" {
		channel = "api"
	}
	sender := req.Sender
	if sender == "" {
		sender = "user"
	}

	// A channel/sender pair on the request becomes a context prefix on the
	// stored body; routing ignores it.
	content := req.Message
	if req.Channel != "" && req.Sender != "" {
		content = fmt.Sprintf("[%s/%s]: %s", req.Channel, req.Sender, req.Message)
	}

	agent := req.Agent
	if agent == "" {
		// Infer the target from a leading @token. Team targets stay
		// unassigned so the dispatcher can apply team semantics.
		snap := s.cfg.Provider.Snapshot()
		if decision := router.ParseAgentRouting(content, snap); !decision.IsTeam && decision.AgentID != router.DefaultAgent {
			agent = decision.AgentID
			content = decision.Message
		}
	}

	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicMessageReceived, bus.MessageEvent{
			MessageID: messageID,
			Channel:   channel,
			Sender:    sender,
			AgentID:   agent,
		})
	}

	if _, err := s.cfg.Store.EnqueueMessage(r.Context(), queue.EnqueueData{
		MessageID: messageID,
		Channel:   channel,
		Sender:    sender,
		SenderID:  req.SenderID,
		Content:   content,
		Files:     req.Files,
		Agent:     agent,
	}); err != nil {
		if errors.Is(err, queue.ErrDuplicateMessage) {
			writeError(w, http.StatusConflict, "duplicate message id")
			return
		}
		s.cfg.Logger.Error("enqueue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue message")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "messageId": messageID})
}

// handleResponses serves GET /api/responses (recent, with agent filters) and
// GET /api/responses/pending via the trailing-path handler.
func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	agents := agentFilter(r)
	limit := intQuery(r, "limit", 50)
	responses, err := s.cfg.Store.RecentResponses(r.Context(), agents, limit)
	if err != nil {
		s.cfg.Logger.Error("list responses failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list responses")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"responses": emptyIfNilResponses(responses)})
}

func (s *Server) handleResponseByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/responses/")
	switch {
	case rest == "pending":
		s.handleResponsesPending(w, r)
	case strings.HasSuffix(rest, "/ack"):
		s.handleResponseAck(w, r, strings.TrimSuffix(rest, "/ack"))
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleResponsesPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel is required")
		return
	}
	responses, err := s.cfg.Store.PendingResponses(r.Context(), channel)
	if err != nil {
		s.cfg.Logger.Error("pending responses failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list pending responses")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"responses": emptyIfNilResponses(responses)})
}

func (s *Server) handleResponseAck(w http.ResponseWriter, r *http.Request, rawID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid response id")
		return
	}
	if err := s.cfg.Store.AckResponse(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "response not found")
			return
		}
		s.cfg.Logger.Error("ack failed", "response_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to ack response")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMessagesSent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	agents := agentFilter(r)
	limit := intQuery(r, "limit", 50)
	messages, err := s.cfg.Store.RecentUserMessages(r.Context(), agents, limit)
	if err != nil {
		s.cfg.Logger.Error("list sent messages failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": emptyIfNilMessages(messages)})
}

func (s *Server) handleMessagesDead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	messages, err := s.cfg.Store.DeadMessages(r.Context())
	if err != nil {
		s.cfg.Logger.Error("list dead messages failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list dead messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": emptyIfNilMessages(messages)})
}

// handleMessageByID serves POST /api/messages/{id}/retry and
// DELETE /api/messages/{id} for dead-letter intervention.
func (s *Server) handleMessageByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	if retryID, ok := strings.CutSuffix(rest, "/retry"); ok {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		id, err := strconv.ParseInt(retryID, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid message id")
			return
		}
		if err := s.cfg.Store.RetryDeadMessage(r.Context(), id); err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				writeError(w, http.StatusNotFound, "dead message not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to retry message")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	if err := s.cfg.Store.DeleteMessage(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete message")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	counts, err := s.cfg.Store.MessageCounts(r.Context())
	if err != nil {
		s.cfg.Logger.Error("queue status failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read queue status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":             counts.Pending,
		"processing":          counts.Processing,
		"completed":           counts.Completed,
		"dead":                counts.Dead,
		"responsesPending":    counts.ResponsesPending,
		"activeConversations": s.cfg.Convos.Active(),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := intQuery(r, "limit", 100)
	entries := s.cfg.Logs.Tail(limit)
	if entries == nil {
		entries = []logring.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func agentFilter(r *http.Request) []string {
	var agents []string
	if a := r.URL.Query().Get("agent"); a != "" {
		agents = append(agents, a)
	}
	if list := r.URL.Query().Get("agents"); list != "" {
		for _, a := range strings.Split(list, ",") {
			if a = strings.TrimSpace(a); a != "" {
				agents = append(agents, a)
			}
		}
	}
	return agents
}

func intQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func emptyIfNilResponses(in []queue.Response) []queue.Response {
	if in == nil {
		return []queue.Response{}
	}
	return in
}

func emptyIfNilMessages(in []queue.Message) []queue.Message {
	if in == nil {
		return []queue.Message{}
	}
	return in
}

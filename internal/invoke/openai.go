package invoke

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// OpenAI invokes agents through an OpenAI-compatible chat completions
// endpoint. Like the Anthropic invoker it keeps an in-memory transcript per
// agent; Reset clears it.
type OpenAI struct {
	client openai.Client

	mu       sync.Mutex
	sessions map[string][]openai.ChatCompletionMessageParamUnion
}

// NewOpenAI creates an OpenAI invoker. Empty arguments fall back to the
// OPENAI_API_KEY and OPENAI_BASE_URL environment variables.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{
		client:   openai.NewClient(opts...),
		sessions: make(map[string][]openai.ChatCompletionMessageParamUnion),
	}
}

// Invoke sends the prompt plus session history and records the exchange.
func (o *OpenAI) Invoke(ctx context.Context, req Request) (string, error) {
	model := req.Agent.Model
	if model == "" {
		return "", fmt.Errorf("agent %s: no model configured", req.Agent.ID)
	}

	o.mu.Lock()
	if req.Reset {
		delete(o.sessions, req.Agent.ID)
	}
	history := append([]openai.ChatCompletionMessageParamUnion(nil), o.sessions[req.Agent.ID]...)
	o.mu.Unlock()

	var messages []openai.ChatCompletionMessageParamUnion
	if system := systemPrompt(req); system != "" && len(history) == 0 {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, history...)
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	switch strings.ToLower(req.Agent.ReasoningEffort) {
	case "low":
		params.ReasoningEffort = shared.ReasoningEffortLow
	case "medium":
		params.ReasoningEffort = shared.ReasoningEffortMedium
	case "high":
		params.ReasoningEffort = shared.ReasoningEffortHigh
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai call: empty choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)

	o.mu.Lock()
	o.sessions[req.Agent.ID] = append(messages, openai.AssistantMessage(text))
	o.mu.Unlock()

	return text, nil
}

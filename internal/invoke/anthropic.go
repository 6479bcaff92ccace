package invoke

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 4096

// Anthropic invokes agents through the Anthropic Messages API, keeping an
// in-memory transcript per agent so follow-up prompts retain context.
// Reset clears the transcript.
type Anthropic struct {
	client anthropic.Client

	mu       sync.Mutex
	sessions map[string][]anthropic.MessageParam
}

// NewAnthropic creates an Anthropic invoker. The API key comes from the
// ANTHROPIC_API_KEY environment variable when not given.
func NewAnthropic(apiKey string) *Anthropic {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return &Anthropic{
		client:   anthropic.NewClient(option.WithAPIKey(apiKey)),
		sessions: make(map[string][]anthropic.MessageParam),
	}
}

// Invoke sends the prompt plus session history and records the exchange.
func (a *Anthropic) Invoke(ctx context.Context, req Request) (string, error) {
	model := req.Agent.Model
	if model == "" {
		return "", fmt.Errorf("agent %s: no model configured", req.Agent.ID)
	}

	a.mu.Lock()
	if req.Reset {
		delete(a.sessions, req.Agent.ID)
	}
	history := append([]anthropic.MessageParam(nil), a.sessions[req.Agent.ID]...)
	a.mu.Unlock()

	messages := append(history, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: anthropicMaxTokens,
		Messages:  messages,
	}
	if system := systemPrompt(req); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic call: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			tb := block.AsText()
			sb.WriteString(tb.Text)
		}
	}
	text := strings.TrimSpace(sb.String())

	a.mu.Lock()
	a.sessions[req.Agent.ID] = append(messages,
		anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
	a.mu.Unlock()

	return text, nil
}

// systemPrompt resolves the agent's system prompt, inline or from file, and
// appends team awareness so agents know who they can address.
func systemPrompt(req Request) string {
	system := req.Agent.SystemPrompt
	if system == "" && req.Agent.PromptFile != "" {
		if data, err := os.ReadFile(req.Agent.PromptFile); err == nil {
			system = strings.TrimSpace(string(data))
		}
	}
	teammates := teammateHint(req)
	if teammates == "" {
		return system
	}
	if system == "" {
		return teammates
	}
	return system + "\n\n" + teammates
}

// teammateHint lists the agent's teammates and the mention syntax for
// addressing them.
func teammateHint(req Request) string {
	for _, teamID := range req.Snapshot.TeamIDs {
		team := req.Snapshot.Teams[teamID]
		var others []string
		member := false
		for _, id := range team.Members {
			if id == req.Agent.ID {
				member = true
				continue
			}
			others = append(others, "@"+id)
		}
		if member && len(others) > 0 {
			return fmt.Sprintf("You are part of team %q. Teammates: %s. "+
				"Address a teammate with [@id: message].",
				team.Name, strings.Join(others, ", "))
		}
	}
	return ""
}

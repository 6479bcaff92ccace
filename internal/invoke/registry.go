package invoke

import (
	"context"
	"log/slog"
	"sync"
)

// Registry selects an Invoker by the agent's provider tag. Back-ends are
// constructed lazily and shared across agents with the same provider. An
// agent with a fallback_provider gets its calls wrapped in a Fallback chain.
type Registry struct {
	logger *slog.Logger

	mu        sync.Mutex
	command   *Command
	anthropic *Anthropic
	openai    *OpenAI
}

// NewRegistry creates an empty registry. logger may be nil.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Invoke routes the request to the back-end matching the agent's provider.
// Unknown providers fall back to the command back-end.
func (r *Registry) Invoke(ctx context.Context, req Request) (string, error) {
	invoker := r.forProvider(req.Agent.Provider)
	if req.Agent.FallbackProvider != "" {
		invoker = NewFallback(invoker,
			r.forProvider(req.Agent.FallbackProvider),
			req.Agent.FallbackModel,
			r.logger)
	}
	return invoker.Invoke(ctx, req)
}

func (r *Registry) forProvider(provider string) Invoker {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch provider {
	case "anthropic":
		if r.anthropic == nil {
			r.anthropic = NewAnthropic("")
		}
		return r.anthropic
	case "openai", "openai_compatible":
		if r.openai == nil {
			r.openai = NewOpenAI("", "")
		}
		return r.openai
	default:
		if r.command == nil {
			r.command = NewCommand()
		}
		return r.command
	}
}

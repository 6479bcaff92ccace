package invoke

import (
	"context"
	"fmt"
	"log/slog"
)

// Fallback wraps a primary and a secondary Invoker. If the primary fails, it
// transparently retries with the secondary, optionally swapping in a model
// tag suited to the secondary back-end.
type Fallback struct {
	primary       Invoker
	secondary     Invoker
	fallbackModel string
	logger        *slog.Logger
}

// NewFallback creates a fallback chain. fallbackModel may be empty; the
// secondary then sees the agent's primary model tag.
func NewFallback(primary, secondary Invoker, fallbackModel string, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{
		primary:       primary,
		secondary:     secondary,
		fallbackModel: fallbackModel,
		logger:        logger,
	}
}

// Invoke tries the primary, then the secondary.
func (f *Fallback) Invoke(ctx context.Context, req Request) (string, error) {
	text, err := f.primary.Invoke(ctx, req)
	if err == nil {
		return text, nil
	}
	f.logger.Warn("primary back-end failed, trying fallback",
		"agent_id", req.Agent.ID,
		"error", err,
	)
	if f.fallbackModel != "" {
		req.Agent.Model = f.fallbackModel
	}
	text, fbErr := f.secondary.Invoke(ctx, req)
	if fbErr != nil {
		return "", fmt.Errorf("primary failed: %w; fallback also failed: %v", err, fbErr)
	}
	return text, nil
}

// Package invoke defines the agent back-end capability and its bundled
// implementations. The orchestration core depends only on the Invoker
// interface; a back-end is an opaque prompt-to-text function.
package invoke

import (
	"context"

	"github.com/basket/agentmux/internal/config"
)

// Apology replaces the response when a back-end fails. Back-end failure is
// data, not control flow: the message still completes.
const Apology = "Sorry, I hit a problem while working on that. Please try again."

// Request carries one invocation.
type Request struct {
	Agent      config.Agent
	Prompt     string
	WorkingDir string
	Reset      bool // true = start a fresh session before answering
	Snapshot   config.Snapshot
}

// Invoker turns a prompt into text. Implementations may be long-running and
// must honour ctx cancellation.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (string, error)
}

// Func adapts a closure to the Invoker interface (used by tests).
type Func func(ctx context.Context, req Request) (string, error)

// Invoke calls the underlying closure.
func (f Func) Invoke(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

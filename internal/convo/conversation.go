// Package convo manages the live state of multi-agent team conversations:
// fan-out/fan-in bookkeeping, pipeline sequencing, and final aggregation.
package convo

import (
	"sync"
	"time"

	"github.com/basket/agentmux/internal/config"
)

// Step is one recorded agent response within a conversation.
type Step struct {
	AgentID string
	Text    string
}

// Conversation tracks one top-level user message routed to a team, including
// every internal follow-up, until completion. All mutation happens under the
// conversation's mutex via Manager methods.
type Conversation struct {
	mu sync.Mutex

	ID              string
	Channel         string
	Sender          string
	SenderID        string
	MessageID       string
	OriginalMessage string

	TeamID string
	Team   config.Team

	Pending         int
	Responses       []Step
	Files           []string
	TotalMessages   int
	MaxMessages     int
	StartTime       time.Time
	Completed       bool
	PipelineStep    int
	PipelineLoops   int
	CompletedAgents map[string]bool
}

// PendingBranches returns the number of branches still in flight. Used to
// build the still-processing trailer for internal messages.
func (c *Conversation) PendingBranches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Pending
}

// Expired reports whether the conversation has outlived the idle budget.
func (c *Conversation) Expired(timeout time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.After(c.StartTime.Add(timeout))
}

func (c *Conversation) pipeline() *config.Pipeline {
	return c.Team.Pipeline
}

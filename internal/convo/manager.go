package convo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/agentmux/internal/bus"
	"github.com/basket/agentmux/internal/config"
	"github.com/basket/agentmux/internal/queue"
	"github.com/basket/agentmux/internal/router"
	"github.com/google/uuid"
)

// Options tunes conversation behavior.
type Options struct {
	MaxMessages           int
	LongResponseThreshold int
	Timeout               time.Duration
}

func (o *Options) normalize() {
	if o.MaxMessages <= 0 {
		o.MaxMessages = 50
	}
	if o.LongResponseThreshold <= 0 {
		o.LongResponseThreshold = 4000
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Minute
	}
}

// Manager owns the live conversation set.
type Manager struct {
	store     *queue.Store
	bus       *bus.Bus
	logger    *slog.Logger
	workspace string
	opts      Options

	mu            sync.Mutex
	conversations map[string]*Conversation
}

// NewManager creates a Manager. eventBus may be nil in tests.
func NewManager(store *queue.Store, eventBus *bus.Bus, workspace string, logger *slog.Logger, opts Options) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	opts.normalize()
	return &Manager{
		store:         store,
		bus:           eventBus,
		logger:        logger,
		workspace:     workspace,
		opts:          opts,
		conversations: make(map[string]*Conversation),
	}
}

// StartData carries the originating user message into a new conversation.
type StartData struct {
	Channel         string
	Sender          string
	SenderID        string
	MessageID       string
	OriginalMessage string
	Files           []string
}

// Start creates a new conversation with one pending branch.
func (m *Manager) Start(teamID string, team config.Team, data StartData) *Conversation {
	conv := &Conversation{
		ID:              uuid.NewString(),
		Channel:         data.Channel,
		Sender:          data.Sender,
		SenderID:        data.SenderID,
		MessageID:       data.MessageID,
		OriginalMessage: data.OriginalMessage,
		TeamID:          teamID,
		Team:            team,
		Pending:         1,
		MaxMessages:     m.opts.MaxMessages,
		StartTime:       time.Now(),
		CompletedAgents: make(map[string]bool),
		Files:           append([]string(nil), data.Files...),
	}

	m.mu.Lock()
	m.conversations[conv.ID] = conv
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.TopicTeamChainStart, bus.TeamChainEvent{
			ConversationID: conv.ID,
			TeamID:         teamID,
			MessageID:      data.MessageID,
		})
	}
	return conv
}

// Get returns the live conversation with the given id.
func (m *Manager) Get(id string) (*Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	return conv, ok
}

// Ensure returns the live conversation with the given id, re-materializing it
// with one pending branch when the process restarted mid-chain.
func (m *Manager) Ensure(id, teamID string, team config.Team, data StartData) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.conversations[id]; ok {
		return conv
	}
	conv := &Conversation{
		ID:              id,
		Channel:         data.Channel,
		Sender:          data.Sender,
		SenderID:        data.SenderID,
		MessageID:       data.MessageID,
		OriginalMessage: data.OriginalMessage,
		TeamID:          teamID,
		Team:            team,
		Pending:         1,
		MaxMessages:     m.opts.MaxMessages,
		StartTime:       time.Now(),
		CompletedAgents: make(map[string]bool),
	}
	m.conversations[id] = conv
	return conv
}

// Active returns the number of live conversations.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conversations)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.conversations, id)
	m.mu.Unlock()
}

// FinishStep records an agent's response on the conversation and drives the
// fan-out/fan-in state machine: pipeline adjustment, internal enqueue of
// surviving mentions, branch completion, and final aggregation when the last
// branch settles. The whole sequence runs under the conversation's mutex.
func (m *Manager) FinishStep(ctx context.Context, conv *Conversation, agentID, response string, snap config.Snapshot) error {
	conv.mu.Lock()
	defer conv.mu.Unlock()

	if conv.Completed {
		return nil
	}

	conv.Responses = append(conv.Responses, Step{AgentID: agentID, Text: response})
	conv.TotalMessages++
	conv.CompletedAgents[agentID] = true

	mentions := m.resolveMentions(conv, agentID, response, snap)

	if len(mentions) > 0 {
		if conv.TotalMessages < conv.MaxMessages {
			if err := m.enqueueMentions(ctx, conv, agentID, mentions); err != nil {
				return err
			}
		} else {
			m.logger.Warn("conversation message cap reached, dropping mentions",
				"conversation_id", conv.ID,
				"agent_id", agentID,
				"dropped", len(mentions),
			)
		}
	}

	if m.completeBranchLocked(conv) {
		m.completeLocked(ctx, conv)
	}
	return nil
}

// resolveMentions applies the team's pipeline semantics to the raw teammate
// mentions in the response.
func (m *Manager) resolveMentions(conv *Conversation, agentID, response string, snap config.Snapshot) []router.Mention {
	p := conv.pipeline()
	if p == nil {
		return router.ExtractTeammateMentions(response, agentID, conv.TeamID, snap)
	}

	if p.Strict {
		// Strict pipelines ignore whatever the agent asked for and hand off to
		// the next agent in sequence.
		next := router.NextPipelineAgent(*p, agentID)
		if next == "" || conv.TotalMessages >= conv.MaxMessages {
			m.publishPipelineComplete(conv, agentID)
			return nil
		}
		conv.PipelineStep = pipelineIndex(*p, next)
		m.publishPipelineStep(conv, next)
		body := fmt.Sprintf("[Original request]:\n%s\n\n[Output from @%s]:\n%s",
			conv.OriginalMessage, agentID, response)
		return []router.Mention{{AgentID: next, Message: body}}
	}

	raw := router.ExtractTeammateMentions(response, agentID, conv.TeamID, snap)
	kept, dropped := router.FilterMentionsForPipeline(raw, *p, agentID, conv.PipelineLoops)
	for _, d := range dropped {
		m.logger.Warn("pipeline dropped out-of-sequence mention",
			"conversation_id", conv.ID,
			"from", agentID,
			"to", d.AgentID,
		)
	}
	for _, k := range kept {
		if router.PipelineLoopTarget(*p, agentID, k.AgentID, conv.PipelineLoops) {
			conv.PipelineLoops++
			conv.PipelineStep = pipelineIndex(*p, k.AgentID)
			if m.bus != nil {
				m.bus.Publish(bus.TopicPipelineLoop, bus.PipelineEvent{
					ConversationID: conv.ID,
					TeamID:         conv.TeamID,
					AgentID:        k.AgentID,
					Step:           conv.PipelineStep,
					Total:          len(p.Sequence),
					Loop:           conv.PipelineLoops,
					MaxLoops:       p.MaxLoops,
				})
			}
		} else {
			// The sequence steps once per forward target, matching the
			// historical behavior when a response mixes loop-backs and
			// forward handoffs.
			conv.PipelineStep = pipelineIndex(*p, k.AgentID)
			m.publishPipelineStep(conv, k.AgentID)
		}
	}
	if len(kept) == 0 && router.NextPipelineAgent(*p, agentID) == "" {
		m.publishPipelineComplete(conv, agentID)
	}
	return kept
}

func pipelineIndex(p config.Pipeline, agentID string) int {
	for i, id := range p.Sequence {
		if id == agentID {
			return i
		}
	}
	return 0
}

func (m *Manager) publishPipelineStep(conv *Conversation, agentID string) {
	if m.bus == nil {
		return
	}
	p := conv.pipeline()
	m.bus.Publish(bus.TopicPipelineStep, bus.PipelineEvent{
		ConversationID: conv.ID,
		TeamID:         conv.TeamID,
		AgentID:        agentID,
		Step:           conv.PipelineStep,
		Total:          len(p.Sequence),
		Loop:           conv.PipelineLoops,
		MaxLoops:       p.MaxLoops,
	})
}

func (m *Manager) publishPipelineComplete(conv *Conversation, agentID string) {
	if m.bus == nil || conv.pipeline() == nil {
		return
	}
	p := conv.pipeline()
	m.bus.Publish(bus.TopicPipelineComplete, bus.PipelineEvent{
		ConversationID: conv.ID,
		TeamID:         conv.TeamID,
		AgentID:        agentID,
		Step:           conv.PipelineStep,
		Total:          len(p.Sequence),
	})
}

// enqueueMentions bumps the pending counter and writes one internal message
// per mention into the queue. Caller holds conv.mu.
func (m *Manager) enqueueMentions(ctx context.Context, conv *Conversation, fromAgent string, mentions []router.Mention) error {
	conv.Pending += len(mentions)

	targets := make([]string, 0, len(mentions))
	strict := conv.pipeline() != nil && conv.pipeline().Strict
	for _, mention := range mentions {
		targets = append(targets, mention.AgentID)

		body := mention.Message
		if strict {
			body = fmt.Sprintf("[Pipeline step %d/%d]\n%s",
				conv.PipelineStep+1, len(conv.pipeline().Sequence), body)
		} else {
			body = fmt.Sprintf("[From teammate @%s]:\n%s", fromAgent, body)
		}

		if _, err := m.store.EnqueueMessage(ctx, queue.EnqueueData{
			MessageID:      uuid.NewString(),
			Channel:        conv.Channel,
			Sender:         conv.Sender,
			SenderID:       conv.SenderID,
			Content:        body,
			Agent:          mention.AgentID,
			ConversationID: conv.ID,
			FromAgent:      fromAgent,
		}); err != nil {
			// The branch never got a message; give its pending slot back.
			conv.Pending--
			return fmt.Errorf("enqueue internal message for %s: %w", mention.AgentID, err)
		}
	}

	if m.bus != nil {
		m.bus.Publish(bus.TopicChainHandoff, bus.HandoffEvent{
			ConversationID: conv.ID,
			FromAgent:      fromAgent,
			ToAgents:       targets,
		})
	}
	return nil
}

// completeBranchLocked decrements the pending counter, clamping at zero, and
// reports whether the conversation is done. Caller holds conv.mu.
func (m *Manager) completeBranchLocked(conv *Conversation) bool {
	conv.Pending--
	if conv.Pending <= 0 {
		conv.Pending = 0
		return true
	}
	return false
}

// SweepExpired force-completes conversations older than the idle budget.
// Returns the number swept.
func (m *Manager) SweepExpired(ctx context.Context) int {
	m.mu.Lock()
	expired := make([]*Conversation, 0)
	now := time.Now()
	for _, conv := range m.conversations {
		expired = append(expired, conv)
	}
	m.mu.Unlock()

	swept := 0
	for _, conv := range expired {
		if !conv.Expired(m.opts.Timeout, now) {
			continue
		}
		conv.mu.Lock()
		if !conv.Completed {
			m.logger.Warn("conversation timed out, forcing completion",
				"conversation_id", conv.ID,
				"team_id", conv.TeamID,
				"pending", conv.Pending,
			)
			m.completeLocked(ctx, conv)
			swept++
		}
		conv.mu.Unlock()
	}
	return swept
}

// ForceComplete completes a conversation regardless of pending branches.
func (m *Manager) ForceComplete(ctx context.Context, conv *Conversation) {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	m.completeLocked(ctx, conv)
}

// completeLocked aggregates the recorded steps into a single response row and
// retires the conversation. Idempotent. Caller holds conv.mu.
func (m *Manager) completeLocked(ctx context.Context, conv *Conversation) {
	if conv.Completed {
		return
	}
	conv.Completed = true

	text := aggregateSteps(conv.Responses)
	text = router.StripMentionTags(text)

	text, files := ExtractSendFiles(text)
	files = append(conv.Files, files...)

	text, overflow := ApplyLongResponse(m.workspace, conv.ID, text, m.opts.LongResponseThreshold)
	if overflow != "" {
		files = append(files, overflow)
	}

	agent := conv.Team.Leader
	if _, err := m.store.EnqueueResponse(ctx, queue.ResponseData{
		MessageID:       conv.MessageID,
		Channel:         conv.Channel,
		Sender:          conv.Sender,
		SenderID:        conv.SenderID,
		Content:         text,
		OriginalMessage: conv.OriginalMessage,
		Agent:           agent,
		Files:           files,
	}); err != nil {
		m.logger.Error("failed to write aggregated response",
			"conversation_id", conv.ID,
			"error", err,
		)
	}

	if m.bus != nil {
		m.bus.Publish(bus.TopicResponseReady, bus.ResponseReadyEvent{
			MessageID:      conv.MessageID,
			Channel:        conv.Channel,
			AgentID:        agent,
			ResponseLength: len(text),
			ResponseText:   text,
		})
		m.bus.Publish(bus.TopicTeamChainEnd, bus.TeamChainEvent{
			ConversationID: conv.ID,
			TeamID:         conv.TeamID,
			MessageID:      conv.MessageID,
			Total:          conv.TotalMessages,
		})
	}

	m.remove(conv.ID)
}

// aggregateSteps renders the final body: a single step passes through
// verbatim, multiple steps become named sections.
func aggregateSteps(steps []Step) string {
	if len(steps) == 0 {
		return ""
	}
	if len(steps) == 1 {
		return steps[0].Text
	}
	parts := make([]string, 0, len(steps))
	for _, step := range steps {
		parts = append(parts, fmt.Sprintf("@%s: %s", step.AgentID, step.Text))
	}
	return strings.Join(parts, "\n\n------\n\n")
}

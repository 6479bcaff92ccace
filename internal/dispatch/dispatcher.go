// Package dispatch drives message processing: it claims pending work from the
// queue, runs it through routing, invocation, and conversation bookkeeping,
// and keeps strict FIFO order per agent while running distinct agents
// concurrently.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/agentmux/internal/bus"
	"github.com/basket/agentmux/internal/config"
	"github.com/basket/agentmux/internal/convo"
	"github.com/basket/agentmux/internal/invoke"
	amotel "github.com/basket/agentmux/internal/otel"
	"github.com/basket/agentmux/internal/queue"
	"github.com/basket/agentmux/internal/router"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// pendingTrailer is appended to an internal message's prompt while sibling
// branches are still in flight.
const pendingTrailer = "\n\n[%d other teammate response(s) are still being processed and will be delivered when ready. Do not re-mention teammates who haven't responded yet.]"

// fallbackPollInterval bounds how long a pending message can wait when the
// enqueue signal was missed.
const fallbackPollInterval = 2 * time.Second

// Dispatcher owns the per-agent FIFO chains.
type Dispatcher struct {
	store    *queue.Store
	bus      *bus.Bus
	provider *config.Provider
	convos   *convo.Manager
	invoker  invoke.Invoker
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *amotel.Metrics

	mu       sync.Mutex
	inflight map[string]bool // agent id → task in flight

	wake chan struct{}
	wg   sync.WaitGroup
}

// New creates a Dispatcher. tracer and metrics may be nil.
func New(store *queue.Store, eventBus *bus.Bus, provider *config.Provider, convos *convo.Manager, invoker invoke.Invoker, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    store,
		bus:      eventBus,
		provider: provider,
		convos:   convos,
		invoker:  invoker,
		logger:   logger,
		inflight: make(map[string]bool),
		wake:     make(chan struct{}, 1),
	}
}

// SetTelemetry attaches optional tracing and metrics instruments.
func (d *Dispatcher) SetTelemetry(tracer trace.Tracer, metrics *amotel.Metrics) {
	d.tracer = tracer
	d.metrics = metrics
}

// Run processes messages until ctx is cancelled. It performs boot-time stale
// recovery, then wakes on enqueue signals, task settlements, and a fallback
// poll ticker.
func (d *Dispatcher) Run(ctx context.Context) error {
	// Anything left in flight by a previous process goes back to pending.
	if n, err := d.store.RecoverStaleMessages(ctx, 0); err != nil {
		return fmt.Errorf("boot recovery: %w", err)
	} else if n > 0 {
		d.logger.Info("requeued in-flight messages from previous run", "count", n)
	}

	d.startMaintenance(ctx)

	var sub *bus.Subscription
	var events <-chan bus.Event
	if d.bus != nil {
		sub = d.bus.Subscribe(bus.TopicMessageEnqueued)
		defer d.bus.Unsubscribe(sub)
		events = sub.Ch()
	}

	ticker := time.NewTicker(fallbackPollInterval)
	defer ticker.Stop()

	d.dispatchRound(ctx)
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return nil
		case <-events:
			d.dispatchRound(ctx)
		case <-d.wake:
			d.dispatchRound(ctx)
		case <-ticker.C:
			d.dispatchRound(ctx)
		}
	}
}

// dispatchRound claims at most one message per pending agent whose chain is
// idle and hands each claim to a worker goroutine.
func (d *Dispatcher) dispatchRound(ctx context.Context) {
	agents, err := d.store.GetPendingAgents(ctx)
	if err != nil {
		d.logger.Error("failed to list pending agents", "error", err)
		return
	}
	for _, agentID := range agents {
		d.mu.Lock()
		busy := d.inflight[agentID]
		if !busy {
			d.inflight[agentID] = true
		}
		d.mu.Unlock()
		if busy {
			continue
		}

		msg, err := d.store.ClaimNextMessage(ctx, agentID)
		if err != nil || msg == nil {
			if err != nil {
				d.logger.Error("claim failed", "agent_id", agentID, "error", err)
			}
			d.settle(agentID, false)
			continue
		}

		d.wg.Add(1)
		go func(agentID string, msg *queue.Message) {
			defer d.wg.Done()
			defer d.settle(agentID, true)
			d.process(ctx, agentID, msg)
		}(agentID, msg)
	}
}

// settle releases an agent's chain slot and triggers another round so a
// backlog drains without waiting for the ticker.
func (d *Dispatcher) settle(agentID string, rewake bool) {
	d.mu.Lock()
	delete(d.inflight, agentID)
	d.mu.Unlock()
	if rewake {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
}

// process runs one claimed message through routing, invocation, and either
// the single-agent reply path or the team conversation path.
func (d *Dispatcher) process(ctx context.Context, chainAgent string, msg *queue.Message) {
	started := time.Now()
	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "dispatch.process",
			trace.WithAttributes(
				attribute.String("agent.id", chainAgent),
				attribute.String("message.id", msg.MessageID),
			))
		defer span.End()
	}
	if d.bus != nil {
		d.bus.Publish(bus.TopicProcessorStart, bus.MessageEvent{
			MessageID: msg.MessageID,
			Channel:   msg.Channel,
			Sender:    msg.Sender,
			AgentID:   chainAgent,
		})
	}

	if err := d.processMessage(ctx, chainAgent, msg); err != nil {
		d.logger.Error("message processing failed",
			"agent_id", chainAgent,
			"message_id", msg.MessageID,
			"error", err,
		)
		if failErr := d.store.FailMessage(ctx, msg.ID, err.Error()); failErr != nil {
			d.logger.Error("failed to record message failure",
				"message_id", msg.MessageID,
				"error", failErr,
			)
		}
	}

	if d.metrics != nil {
		d.metrics.DispatchDuration.Record(ctx, time.Since(started).Seconds())
		d.metrics.MessagesProcessed.Add(ctx, 1)
	}
}

func (d *Dispatcher) processMessage(ctx context.Context, chainAgent string, msg *queue.Message) error {
	snap := d.provider.Snapshot()

	agentID, prompt, teamID, team, explicitTeam := d.route(chainAgent, msg, snap)
	hasTeam := explicitTeam

	agentCfg, ok := snap.Agent(agentID)
	if !ok {
		// Routing errors are never fatal: default, then the first configured
		// agent, then permanent failure.
		if fallback, found := snap.Agent(router.DefaultAgent); found {
			agentCfg, agentID = fallback, fallback.ID
		} else if first, found := snap.FirstAgent(); found {
			agentCfg, agentID = first, first.ID
		} else {
			if err := d.store.DeadLetterMessage(ctx, msg.ID, "No agents configured"); err != nil {
				return err
			}
			return nil
		}
	}

	// Team context. Internal messages inherit their conversation's team;
	// external messages prefer the explicitly named team, then the first team
	// containing the routed agent.
	var conv *convo.Conversation
	if msg.Internal() {
		var found bool
		conv, found = d.convos.Get(msg.ConversationID)
		if !found {
			// Process restarted mid-chain: re-materialize the conversation.
			tid, t, ok := router.FindTeamForAgent(agentID, snap)
			if !ok {
				tid, t = teamID, team
			}
			conv = d.convos.Ensure(msg.ConversationID, tid, t, convo.StartData{
				Channel:         msg.Channel,
				Sender:          msg.Sender,
				SenderID:        msg.SenderID,
				MessageID:       msg.MessageID,
				OriginalMessage: msg.Content,
			})
		}
		teamID, team = conv.TeamID, conv.Team
		hasTeam = teamID != ""
	} else if !hasTeam {
		teamID, team, hasTeam = router.FindTeamForAgent(agentID, snap)
	}

	// Initial external message addressed to a pipelined team starts at the
	// head of the sequence rather than the leader.
	if !msg.Internal() && explicitTeam && team.Pipeline != nil && len(team.Pipeline.Sequence) > 0 {
		if headCfg, ok := snap.Agent(team.Pipeline.Sequence[0]); ok {
			agentCfg, agentID = headCfg, headCfg.ID
		}
	}

	reset := d.consumeResetFlag(snap.Workspace, agentID)

	if msg.Internal() && conv != nil {
		if others := conv.PendingBranches() - 1; others > 0 {
			prompt += fmt.Sprintf(pendingTrailer, others)
		}
	}

	if d.bus != nil && (hasTeam || msg.Internal()) {
		d.bus.Publish(bus.TopicChainStepStart, bus.ChainStepEvent{
			ConversationID: msg.ConversationID,
			AgentID:        agentID,
			TeamID:         teamID,
		})
	}

	text := d.invokeAgent(ctx, agentCfg, prompt, reset, snap)

	if d.bus != nil && (hasTeam || msg.Internal()) {
		d.bus.Publish(bus.TopicChainStepDone, bus.ChainStepEvent{
			ConversationID: msg.ConversationID,
			AgentID:        agentID,
			TeamID:         teamID,
			ResponseLength: len(text),
		})
	}

	if !hasTeam && !msg.Internal() {
		if err := d.replySingle(ctx, agentID, msg, text); err != nil {
			return err
		}
		return d.store.CompleteMessage(ctx, msg.ID)
	}

	if conv == nil {
		conv = d.convos.Start(teamID, team, convo.StartData{
			Channel:         msg.Channel,
			Sender:          msg.Sender,
			SenderID:        msg.SenderID,
			MessageID:       msg.MessageID,
			OriginalMessage: prompt,
			Files:           msg.Files,
		})
		if d.bus != nil {
			d.bus.Publish(bus.TopicAgentRouted, bus.RoutedEvent{
				MessageID: msg.MessageID,
				AgentID:   agentID,
				TeamID:    teamID,
				IsTeam:    true,
			})
		}
	}

	if err := d.convos.FinishStep(ctx, conv, agentID, text, snap); err != nil {
		return err
	}
	return d.store.CompleteMessage(ctx, msg.ID)
}

// route determines the target agent and prompt for a claimed message. A row
// with an explicit agent tag is authoritative; otherwise the body is parsed.
func (d *Dispatcher) route(chainAgent string, msg *queue.Message, snap config.Snapshot) (agentID, prompt, teamID string, team config.Team, isTeam bool) {
	if msg.Agent != "" {
		return msg.Agent, msg.Content, "", config.Team{}, false
	}
	decision := router.ParseAgentRouting(msg.Content, snap)
	if d.bus != nil {
		d.bus.Publish(bus.TopicAgentRouted, bus.RoutedEvent{
			MessageID: msg.MessageID,
			AgentID:   decision.AgentID,
			TeamID:    decision.TeamID,
			IsTeam:    decision.IsTeam,
		})
	}
	if decision.IsTeam {
		team = snap.Teams[decision.TeamID]
		return decision.AgentID, decision.Message, decision.TeamID, team, true
	}
	return decision.AgentID, decision.Message, "", config.Team{}, false
}

// invokeAgent calls the back-end, bounding its lifetime by the stale-claim
// threshold and substituting the apology text on failure.
func (d *Dispatcher) invokeAgent(ctx context.Context, agentCfg config.Agent, prompt string, reset bool, snap config.Snapshot) string {
	staleMinutes := snap.Config.Queue.StaleMinutes
	invokeCtx, cancel := context.WithTimeout(ctx, time.Duration(staleMinutes)*time.Minute)
	defer cancel()

	started := time.Now()
	text, err := d.invoker.Invoke(invokeCtx, invoke.Request{
		Agent:      agentCfg,
		Prompt:     prompt,
		WorkingDir: agentCfg.WorkingDir,
		Reset:      reset,
		Snapshot:   snap,
	})
	if d.metrics != nil {
		d.metrics.InvokeDuration.Record(ctx, time.Since(started).Seconds())
	}
	if err != nil {
		d.logger.Error("agent back-end failed",
			"agent_id", agentCfg.ID,
			"provider", agentCfg.Provider,
			"error", err,
		)
		return invoke.Apology
	}
	return text
}

// replySingle handles the no-team path: attachment extraction, long-response
// handling, and the response row.
func (d *Dispatcher) replySingle(ctx context.Context, agentID string, msg *queue.Message, text string) error {
	snap := d.provider.Snapshot()
	text, files := convo.ExtractSendFiles(text)
	body, overflow := convo.ApplyLongResponse(snap.Workspace, msg.MessageID, text,
		snap.Config.Conversation.LongResponseThreshold)
	if overflow != "" {
		files = append(files, overflow)
	}

	if _, err := d.store.EnqueueResponse(ctx, queue.ResponseData{
		MessageID:       msg.MessageID,
		Channel:         msg.Channel,
		Sender:          msg.Sender,
		SenderID:        msg.SenderID,
		Content:         body,
		OriginalMessage: msg.Content,
		Agent:           agentID,
		Files:           files,
	}); err != nil {
		return fmt.Errorf("write response: %w", err)
	}

	if d.bus != nil {
		d.bus.Publish(bus.TopicResponseReady, bus.ResponseReadyEvent{
			MessageID:      msg.MessageID,
			Channel:        msg.Channel,
			AgentID:        agentID,
			ResponseLength: len(body),
			ResponseText:   body,
		})
	}
	return nil
}

// consumeResetFlag checks for the per-agent reset marker and removes it.
func (d *Dispatcher) consumeResetFlag(workspace, agentID string) bool {
	flag := filepath.Join(workspace, agentID, "reset_flag")
	if _, err := os.Stat(flag); err != nil {
		return false
	}
	_ = os.Remove(flag)
	return true
}

package router

import (
	"github.com/basket/agentmux/internal/config"
)

// NextPipelineAgent returns the agent after current in the pipeline sequence,
// or "" when current is last or not part of the sequence.
func NextPipelineAgent(p config.Pipeline, currentAgentID string) string {
	for i, id := range p.Sequence {
		if id == currentAgentID {
			if i+1 < len(p.Sequence) {
				return p.Sequence[i+1]
			}
			return ""
		}
	}
	return ""
}

// PipelineLoopTarget reports whether a mention of target from current is a
// permitted loop-back: loops must be enabled, the loop budget not exhausted,
// and the target must sit strictly earlier in the sequence.
func PipelineLoopTarget(p config.Pipeline, currentAgentID, targetAgentID string, loopsUsed int) bool {
	if p.MaxLoops <= 0 || loopsUsed >= p.MaxLoops {
		return false
	}
	currentIdx, targetIdx := -1, -1
	for i, id := range p.Sequence {
		if id == currentAgentID {
			currentIdx = i
		}
		if id == targetAgentID {
			targetIdx = i
		}
	}
	return currentIdx >= 0 && targetIdx >= 0 && targetIdx < currentIdx
}

// FilterMentionsForPipeline keeps each mention whose target is either the
// next-in-sequence agent or a permitted loop-back; everything else is dropped.
// Dropped mentions are returned so the caller can log them.
func FilterMentionsForPipeline(mentions []Mention, p config.Pipeline, currentAgentID string, loopsUsed int) (kept, dropped []Mention) {
	next := NextPipelineAgent(p, currentAgentID)
	for _, m := range mentions {
		if m.AgentID == next || PipelineLoopTarget(p, currentAgentID, m.AgentID, loopsUsed) {
			kept = append(kept, m)
			continue
		}
		dropped = append(dropped, m)
	}
	return kept, dropped
}

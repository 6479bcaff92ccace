// Package router resolves message addressing against configuration snapshots.
// Everything here is a pure function over a Snapshot; no I/O.
package router

import (
	"regexp"
	"strings"

	"github.com/basket/agentmux/internal/config"
)

// DefaultAgent is the fallback routing target.
const DefaultAgent = "default"

// routingPattern matches an optional "[channel/sender]:" prefix followed by a
// leading "@token" and an optional body.
var routingPattern = regexp.MustCompile(`(?s)^\s*(?:\[([^/\]]+)/([^\]]+)\]:\s*)?@([A-Za-z0-9_.-]+)[ \t]*(.*)$`)

// Decision is the outcome of routing a raw message body.
type Decision struct {
	AgentID string
	Message string
	IsTeam  bool
	TeamID  string
}

// ParseAgentRouting resolves a leading @token against the configured agents
// and teams, case-insensitively, in the order: agent id, team id, agent
// display name, team display name. A team target resolves to the team's
// leader. An unresolvable token routes to the default agent with the raw body
// unchanged.
func ParseAgentRouting(raw string, snap config.Snapshot) Decision {
	m := routingPattern.FindStringSubmatch(raw)
	if m == nil {
		return Decision{AgentID: DefaultAgent, Message: raw}
	}
	channelPrefix := m[1] != ""
	token := m[3]
	body := strings.TrimSpace(m[4])

	// Keep the context prefix on the routed message, but routing ignores it.
	message := body
	if channelPrefix {
		message = "[" + m[1] + "/" + m[2] + "]: " + body
	} else if body == "" {
		// Nothing after the mention: hand the agent the raw input so it still
		// sees context.
		message = raw
	}

	// Exact ids win over display names; agents win over teams at each tier.
	for _, id := range snap.AgentIDs {
		if strings.EqualFold(id, token) {
			return Decision{AgentID: id, Message: message}
		}
	}
	for _, id := range snap.TeamIDs {
		if strings.EqualFold(id, token) {
			return teamDecision(id, message, snap)
		}
	}
	for _, id := range snap.AgentIDs {
		if name := snap.Agents[id].DisplayName; name != "" && strings.EqualFold(name, token) {
			return Decision{AgentID: id, Message: message}
		}
	}
	for _, id := range snap.TeamIDs {
		if name := snap.Teams[id].Name; name != "" && strings.EqualFold(name, token) {
			return teamDecision(id, message, snap)
		}
	}
	return Decision{AgentID: DefaultAgent, Message: raw}
}

func teamDecision(teamID, message string, snap config.Snapshot) Decision {
	team := snap.Teams[teamID]
	return Decision{AgentID: team.Leader, Message: message, IsTeam: true, TeamID: teamID}
}

// FindTeamForAgent returns the first declared team containing the agent.
func FindTeamForAgent(agentID string, snap config.Snapshot) (string, config.Team, bool) {
	for _, teamID := range snap.TeamIDs {
		team := snap.Teams[teamID]
		for _, member := range team.Members {
			if member == agentID {
				return teamID, team, true
			}
		}
	}
	return "", config.Team{}, false
}

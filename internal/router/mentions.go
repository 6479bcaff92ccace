package router

import (
	"regexp"
	"strings"

	"github.com/basket/agentmux/internal/config"
)

// mentionPattern matches inline teammate tags of the form
// "[@a: text]" or "[@a,b,c: text]".
var mentionPattern = regexp.MustCompile(`\[@([A-Za-z0-9_.-]+(?:\s*,\s*[A-Za-z0-9_.-]+)*)\s*:\s*([^\]]*)\]`)

// directedSeparator joins the shared context with the per-teammate body.
const directedSeparator = "\n\n------\n\nDirected to you:\n"

// Mention is one outgoing teammate nomination extracted from a response.
type Mention struct {
	AgentID string
	Message string
}

// StripMentionTags removes every inline teammate tag from the text.
func StripMentionTags(text string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
}

// ExtractTeammateMentions scans an agent's response for teammate tags and
// produces one outgoing mention per valid target. Text outside the tags is
// shared context prepended to every directed body. Targets that are the
// current agent, unconfigured, outside the team, or already mentioned are
// skipped.
func ExtractTeammateMentions(response, currentAgentID, teamID string, snap config.Snapshot) []Mention {
	matches := mentionPattern.FindAllStringSubmatch(response, -1)
	if len(matches) == 0 {
		return nil
	}
	team, ok := snap.Teams[teamID]
	if !ok {
		return nil
	}
	members := make(map[string]bool, len(team.Members))
	for _, m := range team.Members {
		members[m] = true
	}

	shared := StripMentionTags(response)

	var out []Mention
	seen := make(map[string]bool)
	for _, match := range matches {
		direct := strings.TrimSpace(match[2])
		for _, target := range strings.Split(match[1], ",") {
			target = strings.TrimSpace(target)
			if target == "" || target == currentAgentID || seen[target] {
				continue
			}
			if _, configured := snap.Agents[target]; !configured {
				continue
			}
			if !members[target] {
				continue
			}
			seen[target] = true
			message := direct
			if shared != "" {
				message = shared + directedSeparator + direct
			}
			out = append(out, Mention{AgentID: target, Message: message})
		}
	}
	return out
}

package router

import (
	"testing"

	"github.com/basket/agentmux/internal/config"
)

func testSnapshot() config.Snapshot {
	return config.Snapshot{
		Agents: map[string]config.Agent{
			"coder":    {ID: "coder", DisplayName: "Coder"},
			"reviewer": {ID: "reviewer", DisplayName: "Reviewer"},
			"po":       {ID: "po", DisplayName: "Product Owner"},
			"default":  {ID: "default", DisplayName: "Assistant"},
		},
		Teams: map[string]config.Team{
			"dev": {
				ID:      "dev",
				Name:    "Dev Team",
				Members: []string{"po", "coder", "reviewer"},
				Leader:  "po",
			},
		},
		AgentIDs: []string{"default", "po", "coder", "reviewer"},
		TeamIDs:  []string{"dev"},
	}
}

func TestParseAgentRouting_Agent(t *testing.T) {
	snap := testSnapshot()

	d := ParseAgentRouting("@coder fix the bug", snap)
	if d.AgentID != "coder" {
		t.Fatalf("agent = %q, want coder", d.AgentID)
	}
	if d.Message != "fix the bug" {
		t.Fatalf("message = %q, want %q", d.Message, "fix the bug")
	}
	if d.IsTeam {
		t.Fatal("unexpected team decision")
	}
}

func TestParseAgentRouting_Team(t *testing.T) {
	snap := testSnapshot()

	d := ParseAgentRouting("@dev build feature X", snap)
	if !d.IsTeam || d.TeamID != "dev" {
		t.Fatalf("decision = %+v, want team dev", d)
	}
	if d.AgentID != "po" {
		t.Fatalf("agent = %q, want leader po", d.AgentID)
	}
	if d.Message != "build feature X" {
		t.Fatalf("message = %q", d.Message)
	}
}

func TestParseAgentRouting_CaseInsensitive(t *testing.T) {
	snap := testSnapshot()

	for _, raw := range []string{"@CODER go", "@Coder go", "@coder go"} {
		if d := ParseAgentRouting(raw, snap); d.AgentID != "coder" {
			t.Fatalf("%q routed to %q, want coder", raw, d.AgentID)
		}
	}
}

func TestParseAgentRouting_DisplayName(t *testing.T) {
	snap := testSnapshot()
	// Ids match case-insensitively first, so the token must differ from every id.
	snap.Agents["reviewer"] = config.Agent{ID: "reviewer", DisplayName: "Checker"}

	if d := ParseAgentRouting("@Checker check this", snap); d.AgentID != "reviewer" {
		t.Fatalf("agent = %q, want reviewer", d.AgentID)
	}
}

func TestParseAgentRouting_AgentIDWinsOverTeamName(t *testing.T) {
	snap := testSnapshot()
	// An agent whose id collides with a team name: exact agent id wins.
	snap.Agents["dev"] = config.Agent{ID: "dev"}
	snap.AgentIDs = append(snap.AgentIDs, "dev")

	if d := ParseAgentRouting("@dev hello", snap); d.AgentID != "dev" || d.IsTeam {
		t.Fatalf("decision = %+v, want agent dev", d)
	}
}

func TestParseAgentRouting_ChannelPrefixPreserved(t *testing.T) {
	snap := testSnapshot()

	d := ParseAgentRouting("[chat/alice]: @coder fix it", snap)
	if d.AgentID != "coder" {
		t.Fatalf("agent = %q, want coder", d.AgentID)
	}
	if d.Message != "[chat/alice]: fix it" {
		t.Fatalf("message = %q", d.Message)
	}
}

func TestParseAgentRouting_EmptyBodyKeepsRaw(t *testing.T) {
	snap := testSnapshot()

	d := ParseAgentRouting("@coder", snap)
	if d.AgentID != "coder" {
		t.Fatalf("agent = %q, want coder", d.AgentID)
	}
	if d.Message != "@coder" {
		t.Fatalf("message = %q, want raw input", d.Message)
	}
}

func TestParseAgentRouting_UnknownTokenFallsBack(t *testing.T) {
	snap := testSnapshot()

	raw := "@nobody are you there"
	d := ParseAgentRouting(raw, snap)
	if d.AgentID != DefaultAgent {
		t.Fatalf("agent = %q, want default", d.AgentID)
	}
	if d.Message != raw {
		t.Fatalf("message = %q, want raw unchanged", d.Message)
	}
}

func TestParseAgentRouting_NoMention(t *testing.T) {
	snap := testSnapshot()

	raw := "just a plain message"
	d := ParseAgentRouting(raw, snap)
	if d.AgentID != DefaultAgent || d.Message != raw {
		t.Fatalf("decision = %+v", d)
	}
}

func TestFindTeamForAgent(t *testing.T) {
	snap := testSnapshot()

	teamID, team, ok := FindTeamForAgent("coder", snap)
	if !ok || teamID != "dev" || team.Leader != "po" {
		t.Fatalf("got (%q, %+v, %v)", teamID, team, ok)
	}

	if _, _, ok := FindTeamForAgent("default", snap); ok {
		t.Fatal("default should not belong to a team")
	}
}

func TestExtractTeammateMentions_SharedContext(t *testing.T) {
	snap := testSnapshot()

	response := "Here is the plan.\n[@coder: implement the parser]"
	mentions := ExtractTeammateMentions(response, "po", "dev", snap)
	if len(mentions) != 1 {
		t.Fatalf("mentions = %d, want 1", len(mentions))
	}
	m := mentions[0]
	if m.AgentID != "coder" {
		t.Fatalf("target = %q, want coder", m.AgentID)
	}
	want := "Here is the plan.\n\n------\n\nDirected to you:\nimplement the parser"
	if m.Message != want {
		t.Fatalf("message = %q, want %q", m.Message, want)
	}
}

func TestExtractTeammateMentions_NoSharedContext(t *testing.T) {
	snap := testSnapshot()

	mentions := ExtractTeammateMentions("[@coder: just do it]", "po", "dev", snap)
	if len(mentions) != 1 {
		t.Fatalf("mentions = %d, want 1", len(mentions))
	}
	if mentions[0].Message != "just do it" {
		t.Fatalf("message = %q, want direct body only", mentions[0].Message)
	}
}

func TestExtractTeammateMentions_MultiTarget(t *testing.T) {
	snap := testSnapshot()

	mentions := ExtractTeammateMentions("[@coder,reviewer: sync up]", "po", "dev", snap)
	if len(mentions) != 2 {
		t.Fatalf("mentions = %d, want 2", len(mentions))
	}
	if mentions[0].AgentID != "coder" || mentions[1].AgentID != "reviewer" {
		t.Fatalf("targets = %q, %q", mentions[0].AgentID, mentions[1].AgentID)
	}
}

func TestExtractTeammateMentions_SkipsInvalidTargets(t *testing.T) {
	snap := testSnapshot()

	// Self-mention, unconfigured agent, and non-member are all dropped.
	response := "[@po: me] [@ghost: boo] [@default: hi] [@coder: ok]"
	mentions := ExtractTeammateMentions(response, "po", "dev", snap)
	if len(mentions) != 1 || mentions[0].AgentID != "coder" {
		t.Fatalf("mentions = %+v, want only coder", mentions)
	}
}

func TestExtractTeammateMentions_CollapsesDuplicates(t *testing.T) {
	snap := testSnapshot()

	response := "[@coder: first] [@coder: second]"
	mentions := ExtractTeammateMentions(response, "po", "dev", snap)
	if len(mentions) != 1 {
		t.Fatalf("mentions = %d, want 1", len(mentions))
	}
	if mentions[0].Message == "" || mentions[0].Message[len(mentions[0].Message)-5:] != "first" {
		t.Fatalf("kept %q, want first occurrence", mentions[0].Message)
	}
}

func TestStripMentionTags(t *testing.T) {
	got := StripMentionTags("before [@coder: hidden] after")
	if got != "before  after" {
		t.Fatalf("stripped = %q", got)
	}
}

func pipelineFixture() config.Pipeline {
	return config.Pipeline{
		Sequence: []string{"po", "coder", "reviewer"},
		MaxLoops: 2,
	}
}

func TestNextPipelineAgent(t *testing.T) {
	p := pipelineFixture()

	cases := []struct {
		current string
		want    string
	}{
		{"po", "coder"},
		{"coder", "reviewer"},
		{"reviewer", ""},
		{"stranger", ""},
	}
	for _, tc := range cases {
		if got := NextPipelineAgent(p, tc.current); got != tc.want {
			t.Fatalf("next(%q) = %q, want %q", tc.current, got, tc.want)
		}
	}
}

func TestPipelineLoopTarget(t *testing.T) {
	p := pipelineFixture()

	if !PipelineLoopTarget(p, "reviewer", "coder", 0) {
		t.Fatal("reviewer -> coder should be a permitted loop-back")
	}
	if PipelineLoopTarget(p, "reviewer", "coder", 2) {
		t.Fatal("loop budget exhausted, should be denied")
	}
	if PipelineLoopTarget(p, "po", "reviewer", 0) {
		t.Fatal("forward jump is not a loop-back")
	}
	noLoops := config.Pipeline{Sequence: p.Sequence}
	if PipelineLoopTarget(noLoops, "reviewer", "coder", 0) {
		t.Fatal("max_loops = 0 disables loop-backs")
	}
}

func TestFilterMentionsForPipeline_BlocksSkipping(t *testing.T) {
	p := pipelineFixture()

	// po tries to skip coder and go straight to reviewer.
	mentions := []Mention{{AgentID: "reviewer", Message: "skip coder"}}
	kept, dropped := FilterMentionsForPipeline(mentions, p, "po", 0)
	if len(kept) != 0 {
		t.Fatalf("kept = %+v, want none", kept)
	}
	if len(dropped) != 1 || dropped[0].AgentID != "reviewer" {
		t.Fatalf("dropped = %+v", dropped)
	}
}

func TestFilterMentionsForPipeline_KeepsNextAndLoopBack(t *testing.T) {
	p := pipelineFixture()

	mentions := []Mention{
		{AgentID: "coder", Message: "needs tests"}, // loop-back from reviewer
		{AgentID: "po", Message: "fyi"},            // also earlier: permitted loop-back
	}
	kept, dropped := FilterMentionsForPipeline(mentions, p, "reviewer", 0)
	if len(kept) != 2 || len(dropped) != 0 {
		t.Fatalf("kept = %d dropped = %d, want 2/0", len(kept), len(dropped))
	}

	forward := []Mention{{AgentID: "coder", Message: "take it"}}
	kept, dropped = FilterMentionsForPipeline(forward, p, "po", 0)
	if len(kept) != 1 || len(dropped) != 0 {
		t.Fatalf("forward kept = %d dropped = %d, want 1/0", len(kept), len(dropped))
	}
}

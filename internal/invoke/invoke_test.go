package invoke

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"testing"

	"github.com/basket/agentmux/internal/config"
)

func TestFunc_Adapter(t *testing.T) {
	f := Func(func(_ context.Context, req Request) (string, error) {
		return "echo: " + req.Prompt, nil
	})
	got, err := f.Invoke(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got != "echo: hi" {
		t.Fatalf("got %q", got)
	}
}

func TestCommand_RunsProgram(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on cat")
	}
	c := NewCommand()
	got, err := c.Invoke(context.Background(), Request{
		Agent:      config.Agent{ID: "echoer", Model: "cat"},
		Prompt:     "hello world",
		WorkingDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got != "hello world" {
		t.Fatalf("got %q, want prompt echoed", got)
	}
}

func TestCommand_SystemPromptPrepended(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on cat")
	}
	c := NewCommand()
	got, err := c.Invoke(context.Background(), Request{
		Agent: config.Agent{
			ID:           "echoer",
			Model:        "cat",
			SystemPrompt: "You are terse.",
		},
		Prompt:     "hello",
		WorkingDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !strings.HasPrefix(got, "You are terse.") || !strings.Contains(got, "hello") {
		t.Fatalf("got %q", got)
	}
}

func TestCommand_NoProgramConfigured(t *testing.T) {
	c := NewCommand()
	_, err := c.Invoke(context.Background(), Request{
		Agent:      config.Agent{ID: "empty"},
		Prompt:     "hi",
		WorkingDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected error for missing command")
	}
}

func TestFallback_UsesSecondaryOnFailure(t *testing.T) {
	primary := Func(func(_ context.Context, _ Request) (string, error) {
		return "", fmt.Errorf("primary down")
	})
	secondary := Func(func(_ context.Context, _ Request) (string, error) {
		return "backup answer", nil
	})

	f := NewFallback(primary, secondary, "", nil)
	got, err := f.Invoke(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got != "backup answer" {
		t.Fatalf("got %q", got)
	}
}

func TestFallback_PrimaryWins(t *testing.T) {
	primary := Func(func(_ context.Context, _ Request) (string, error) {
		return "primary answer", nil
	})
	secondary := Func(func(_ context.Context, _ Request) (string, error) {
		t.Error("secondary should not be called")
		return "", nil
	})

	f := NewFallback(primary, secondary, "", nil)
	got, err := f.Invoke(context.Background(), Request{Prompt: "hi"})
	if err != nil || got != "primary answer" {
		t.Fatalf("got (%q, %v)", got, err)
	}
}

func TestFallback_SwapsModelForSecondary(t *testing.T) {
	primary := Func(func(_ context.Context, _ Request) (string, error) {
		return "", fmt.Errorf("primary down")
	})
	secondary := Func(func(_ context.Context, req Request) (string, error) {
		return "model: " + req.Agent.Model, nil
	})

	f := NewFallback(primary, secondary, "other-model", nil)
	got, err := f.Invoke(context.Background(), Request{
		Agent: config.Agent{ID: "a", Model: "primary-model"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got != "model: other-model" {
		t.Fatalf("got %q, want the fallback model tag", got)
	}
}

func TestFallback_BothFail(t *testing.T) {
	failing := Func(func(_ context.Context, _ Request) (string, error) {
		return "", fmt.Errorf("down")
	})
	f := NewFallback(failing, failing, "", nil)
	if _, err := f.Invoke(context.Background(), Request{}); err == nil {
		t.Fatal("expected combined failure")
	}
}

func TestRegistry_FallbackProviderWired(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on cat")
	}
	r := NewRegistry(nil)

	// The primary command does not exist; the fallback_provider chain retries
	// on the command back-end with the fallback model tag.
	got, err := r.Invoke(context.Background(), Request{
		Agent: config.Agent{
			ID:               "flaky",
			Provider:         "command",
			Model:            "no-such-binary-anywhere",
			FallbackProvider: "command",
			FallbackModel:    "cat",
		},
		Prompt:     "rescued",
		WorkingDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got != "rescued" {
		t.Fatalf("got %q, want prompt echoed by fallback", got)
	}
}

func TestRegistry_NoFallbackByDefault(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Invoke(context.Background(), Request{
		Agent: config.Agent{
			ID:       "flaky",
			Provider: "command",
			Model:    "no-such-binary-anywhere",
		},
		Prompt:     "hi",
		WorkingDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected primary failure to surface without a fallback_provider")
	}
}

func TestTeammateHint(t *testing.T) {
	snap := config.Snapshot{
		Agents: map[string]config.Agent{
			"po":    {ID: "po"},
			"coder": {ID: "coder"},
		},
		Teams: map[string]config.Team{
			"dev": {ID: "dev", Name: "Dev", Members: []string{"po", "coder"}, Leader: "po"},
		},
		AgentIDs: []string{"po", "coder"},
		TeamIDs:  []string{"dev"},
	}

	hint := teammateHint(Request{Agent: config.Agent{ID: "po"}, Snapshot: snap})
	if !strings.Contains(hint, "@coder") {
		t.Fatalf("hint = %q", hint)
	}
	if strings.Contains(hint, "@po") {
		t.Fatalf("hint lists self: %q", hint)
	}

	loner := teammateHint(Request{Agent: config.Agent{ID: "stranger"}, Snapshot: snap})
	if loner != "" {
		t.Fatalf("loner hint = %q, want empty", loner)
	}
}

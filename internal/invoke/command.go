package invoke

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// sessionFileName is the per-working-directory session marker a command
// back-end may use to resume context between invocations.
const sessionFileName = ".agent_session"

// Command runs an external program as the agent back-end: prompt on stdin,
// reply on stdout, executed in the agent's working directory. The program
// name comes from the agent's model tag, falling back to the AGENTMUX_AGENT_CMD
// environment variable.
type Command struct{}

// NewCommand creates a Command invoker.
func NewCommand() *Command {
	return &Command{}
}

// Invoke runs the configured program once.
func (c *Command) Invoke(ctx context.Context, req Request) (string, error) {
	program := strings.TrimSpace(req.Agent.Model)
	if program == "" {
		program = os.Getenv("AGENTMUX_AGENT_CMD")
	}
	if program == "" {
		return "", fmt.Errorf("agent %s: no command configured", req.Agent.ID)
	}

	if req.Reset {
		_ = os.Remove(filepath.Join(req.WorkingDir, sessionFileName))
	}

	fields := strings.Fields(program)
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Dir = req.WorkingDir
	cmd.Stdin = strings.NewReader(buildPrompt(req))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return "", fmt.Errorf("agent command failed: %w: %s", err, detail)
		}
		return "", fmt.Errorf("agent command failed: %w", err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// buildPrompt prepends the agent's system prompt (inline or from file) to the
// user prompt.
func buildPrompt(req Request) string {
	system := req.Agent.SystemPrompt
	if system == "" && req.Agent.PromptFile != "" {
		if data, err := os.ReadFile(req.Agent.PromptFile); err == nil {
			system = strings.TrimSpace(string(data))
		}
	}
	if system == "" {
		return req.Prompt
	}
	return system + "\n\n" + req.Prompt
}

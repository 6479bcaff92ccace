package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/basket/agentmux/internal/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	statusTitleStyle = lipgloss.NewStyle().Bold(true)
	statusOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	statusBadStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	statusDimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// runStatusCommand hits the daemon's queue-status endpoint and renders the
// aggregate counts. Plain output when stdout is not a terminal.
func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: agentmux status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		"http://"+cfg.BindAddr()+"/api/queue/status", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	if cfg.API.Key != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.API.Key)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentmux is not running at %s (%v)\n", cfg.BindAddr(), err)
		return 1
	}
	defer resp.Body.Close()

	var status struct {
		Pending             int `json:"pending"`
		Processing          int `json:"processing"`
		Completed           int `json:"completed"`
		Dead                int `json:"dead"`
		ResponsesPending    int `json:"responsesPending"`
		ActiveConversations int `json:"activeConversations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		fmt.Fprintf(os.Stderr, "decode status: %v\n", err)
		return 1
	}

	color := isatty.IsTerminal(os.Stdout.Fd())
	if !color {
		fmt.Printf("pending=%d processing=%d completed=%d dead=%d responses_pending=%d conversations=%d\n",
			status.Pending, status.Processing, status.Completed, status.Dead,
			status.ResponsesPending, status.ActiveConversations)
		return 0
	}

	fmt.Println(statusTitleStyle.Render("agentmux @ " + cfg.BindAddr()))
	fmt.Printf("  %s %d pending, %d processing\n",
		statusDimStyle.Render("queue:"), status.Pending, status.Processing)
	fmt.Printf("  %s %d completed, %s\n",
		statusDimStyle.Render("done: "), status.Completed, renderDead(status.Dead))
	fmt.Printf("  %s %d responses awaiting delivery, %d live conversations\n",
		statusDimStyle.Render("flow: "), status.ResponsesPending, status.ActiveConversations)
	return 0
}

func renderDead(n int) string {
	if n == 0 {
		return statusOKStyle.Render("0 dead")
	}
	return statusBadStyle.Render(fmt.Sprintf("%d dead", n))
}

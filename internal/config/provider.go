package config

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Snapshot is an immutable view of the configuration, resolved for routing.
// Consumers receive it by value and must not retain references across reloads.
type Snapshot struct {
	Agents    map[string]Agent
	Teams     map[string]Team
	AgentIDs  []string // declaration order
	TeamIDs   []string // declaration order
	Workspace string
	Config    Config
}

// Agent returns the agent with the given id, if configured.
func (s Snapshot) Agent(id string) (Agent, bool) {
	a, ok := s.Agents[id]
	return a, ok
}

// Team returns the team with the given id, if configured.
func (s Snapshot) Team(id string) (Team, bool) {
	t, ok := s.Teams[id]
	return t, ok
}

// FirstAgent returns the first declared agent, used as the routing fallback
// of last resort.
func (s Snapshot) FirstAgent() (Agent, bool) {
	if len(s.AgentIDs) == 0 {
		return Agent{}, false
	}
	return s.Agents[s.AgentIDs[0]], true
}

// Provider serves cached configuration snapshots with a short TTL, so hot
// reloads become visible without re-reading the document on every message.
type Provider struct {
	homeDir string
	logger  *slog.Logger

	mu       sync.Mutex
	cached   *Snapshot
	loadedAt time.Time
}

// NewProvider creates a Provider rooted at homeDir.
func NewProvider(homeDir string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{homeDir: homeDir, logger: logger}
}

// Snapshot returns the current configuration snapshot, re-reading the document
// when the cache is older than the TTL.
func (p *Provider) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && time.Since(p.loadedAt) < snapshotTTL {
		return *p.cached
	}

	cfg, err := LoadFrom(p.homeDir)
	if err != nil {
		p.logger.Error("config reload failed", "error", err)
		if p.cached != nil {
			return *p.cached
		}
		cfg = defaultConfig()
		cfg.HomeDir = p.homeDir
		normalize(&cfg)
	}
	if err := ValidateDocument(cfg); err != nil {
		p.logger.Warn("config document failed validation", "error", err)
	}

	snap := buildSnapshot(cfg)
	p.cached = &snap
	p.loadedAt = time.Now()
	return snap
}

// Invalidate drops the cached snapshot so the next Snapshot call re-reads the
// document. The config watcher calls this on file change.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}

func buildSnapshot(cfg Config) Snapshot {
	snap := Snapshot{
		Agents:    make(map[string]Agent, len(cfg.Agents)),
		Teams:     make(map[string]Team, len(cfg.Teams)),
		Workspace: cfg.Workspace,
		Config:    cfg,
	}
	for _, a := range cfg.Agents {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			continue
		}
		if _, dup := snap.Agents[id]; dup {
			continue
		}
		snap.Agents[id] = a
		snap.AgentIDs = append(snap.AgentIDs, id)
	}
	for _, t := range cfg.Teams {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			continue
		}
		if _, dup := snap.Teams[id]; dup {
			continue
		}
		snap.Teams[id] = t
		snap.TeamIDs = append(snap.TeamIDs, id)
	}
	return snap
}

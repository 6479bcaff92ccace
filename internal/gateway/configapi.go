package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/basket/agentmux/internal/config"
)

// handleConfigAgents serves GET (list) and PUT (replace) for the agents
// section of the configuration document.
func (s *Server) handleConfigAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snap := s.cfg.Provider.Snapshot()
		agents := make([]config.Agent, 0, len(snap.AgentIDs))
		for _, id := range snap.AgentIDs {
			agents = append(agents, snap.Agents[id])
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": agents})

	case http.MethodPut:
		var agents []config.Agent
		if err := json.NewDecoder(r.Body).Decode(&agents); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		s.updateDocument(w, r, func(cfg *config.Config) {
			cfg.Agents = agents
		})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleConfigTeams serves GET and PUT for the teams section.
func (s *Server) handleConfigTeams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snap := s.cfg.Provider.Snapshot()
		teams := make([]config.Team, 0, len(snap.TeamIDs))
		for _, id := range snap.TeamIDs {
			teams = append(teams, snap.Teams[id])
		}
		writeJSON(w, http.StatusOK, map[string]any{"teams": teams})

	case http.MethodPut:
		var teams []config.Team
		if err := json.NewDecoder(r.Body).Decode(&teams); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		s.updateDocument(w, r, func(cfg *config.Config) {
			cfg.Teams = teams
		})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleConfigSettings exposes the non-secret settings.
func (s *Server) handleConfigSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snap := s.cfg.Provider.Snapshot()
	cfg := snap.Config
	writeJSON(w, http.StatusOK, map[string]any{
		"workspace":    cfg.Workspace,
		"logLevel":     cfg.LogLevel,
		"api":          map[string]any{"host": cfg.API.Host, "port": cfg.API.Port, "auth": cfg.AuthEnabled()},
		"queue":        cfg.Queue,
		"conversation": cfg.Conversation,
	})
}

// updateDocument applies a mutation to the persisted document, validates it,
// and invalidates the provider cache.
func (s *Server) updateDocument(w http.ResponseWriter, r *http.Request, mutate func(*config.Config)) {
	snap := s.cfg.Provider.Snapshot()
	cfg := snap.Config
	mutate(&cfg)
	if err := config.ValidateDocument(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := config.Save(cfg); err != nil {
		s.cfg.Logger.Error("config save failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist configuration")
		return
	}
	s.cfg.Provider.Invalidate()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

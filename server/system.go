package server

import (
	"net/http"
	"time"

	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/samber/lo"
)

type systemInfo struct {
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	Provider     string    `json:"provider"`
	DefaultModel string    `json:"default_model"`
	Slots        int       `json:"slots"`
	TrackedUsers int       `json:"tracked_users"`
	RateLimit    rateInfo  `json:"rate_limit"`
	Tools        []string  `json:"tools"`
	UsageEnabled bool      `json:"usage_enabled"`
}

type rateInfo struct {
	RPD int `json:"rpd"`
	RPM int `json:"rpm"`
}

type toolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInfo returns gateway status.
func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	limits := s.limiter.Config()
	respondJSON(w, http.StatusOK, systemInfo{
		Status:       "running",
		StartedAt:    s.startedAt,
		Provider:     s.cfg.Provider,
		DefaultModel: s.cfg.DefaultModel,
		Slots:        s.pool.Len(),
		TrackedUsers: s.limiter.Tracked(),
		RateLimit:    rateInfo{RPD: limits.MaxDaily, RPM: limits.MaxPerMinute},
		Tools:        s.toolNames(),
		UsageEnabled: s.usage != nil,
	})
}

// handleTools lists the tools the agent may call.
func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	infos := []toolInfo{}
	if s.tools != nil {
		infos = lo.Map(s.tools.Specs(), func(spec llm.ToolSpec, _ int) toolInfo {
			return toolInfo{Name: spec.Name, Description: spec.Description}
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"tools": infos})
}

func (s *Server) toolNames() []string {
	if s.tools == nil {
		return []string{}
	}
	return s.tools.Names()
}

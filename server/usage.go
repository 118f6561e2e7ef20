package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aschepis/backscratcher/chatgw/usage"
)

var errUsageDisabled = errors.New("usage ledger is disabled")

// handleUsage returns recent ledger rows, optionally for one user.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		respondJSON(w, http.StatusNotFound, errorBody{Detail: errUsageDisabled.Error(), Type: KindInvalidRequest})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, badRequest("invalid limit %q", v))
			return
		}
		limit = n
	}

	events, err := s.usage.Recent(r.Context(), r.URL.Query().Get("user"), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if events == nil {
		events = []usage.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleUsageSummary aggregates one user's usage over a window given in
// hours (default 24).
func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		respondJSON(w, http.StatusNotFound, errorBody{Detail: errUsageDisabled.Error(), Type: KindInvalidRequest})
		return
	}
	user := r.URL.Query().Get("user")
	if user == "" {
		respondError(w, badRequest("user is required"))
		return
	}
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, badRequest("invalid hours %q", v))
			return
		}
		hours = n
	}

	summary, err := s.usage.Summarize(r.Context(), user, s.now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

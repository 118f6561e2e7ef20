package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aschepis/backscratcher/chatgw/credentials"
	"github.com/samber/lo"
)

type keysBody struct {
	Keys []string `json:"keys"`
}

type urlsBody struct {
	URLs []string `json:"urls"`
}

// requireAdmin checks the bearer token when an admin token is configured.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken != "" {
			token := bearerToken(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
				respondError(w, errUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func (s *Server) handleGetKeys(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, keysBody{Keys: s.pool.Keys()})
}

func (s *Server) handleGetURLs(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, urlsBody{URLs: s.pool.BaseURLs()})
}

// handleUpdateKeys replaces the API keys, keeping the current base URLs.
func (s *Server) handleUpdateKeys(w http.ResponseWriter, r *http.Request) {
	var body keysBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, badRequest("invalid request body: %v", err))
		return
	}
	if err := s.replaceSlots(body.Keys, sharedURLs(s.pool.BaseURLs())); err != nil {
		respondError(w, err)
		return
	}
	s.logger.Info().Int("keys", len(body.Keys)).Msg("API keys updated")
	s.handleGetKeys(w, r)
}

// handleUpdateURLs replaces the base URLs, keeping the current API keys.
func (s *Server) handleUpdateURLs(w http.ResponseWriter, r *http.Request) {
	var body urlsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, badRequest("invalid request body: %v", err))
		return
	}
	if len(body.URLs) == 0 {
		respondError(w, badRequest("urls must not be empty"))
		return
	}
	if err := s.replaceSlots(s.pool.Keys(), body.URLs); err != nil {
		respondError(w, err)
		return
	}
	s.logger.Info().Int("urls", len(body.URLs)).Msg("Base URLs updated")
	s.handleGetURLs(w, r)
}

func (s *Server) replaceSlots(keys, urls []string) error {
	slots, err := credentials.PairSlots(keys, urls)
	if err != nil {
		return badRequest("%v", err)
	}
	if err := s.pool.ReplaceAll(slots); err != nil {
		return badRequest("%v", err)
	}
	return nil
}

// sharedURLs collapses a URL list that repeats one endpoint so it can be
// paired with a key list of a different length.
func sharedURLs(urls []string) []string {
	if uniq := lo.Uniq(urls); len(uniq) == 1 {
		return uniq
	}
	return urls
}

package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/aschepis/backscratcher/chatgw/credentials"
	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
)

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by,omitempty"`
	Created int64  `json:"created,omitempty"`
	URLIdx  int    `json:"urlIdx"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleModels asks every credential slot for its models and merges the
// answers. Slots that fail are left out.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	slots := s.pool.Slots()
	results := make([][]modelEntry, len(slots))

	var wg sync.WaitGroup
	for i, slot := range slots {
		wg.Add(1)
		go func(i int, slot credentials.Slot) {
			defer wg.Done()
			models, err := s.listModels(r.Context(), slot)
			if err != nil {
				s.logger.Warn().Err(err).Int("slot", i).Str("base_url", slot.BaseURL).Msg("Failed to list models")
				return
			}
			results[i] = toEntries(models, i)
		}(i, slot)
	}
	wg.Wait()

	respondJSON(w, http.StatusOK, modelList{Object: "list", Data: lo.Flatten(results)})
}

// handleSlotModels lists the models of a single slot.
func (s *Server) handleSlotModels(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(chi.URLParam(r, "urlIdx"))
	slots := s.pool.Slots()
	if err != nil || idx < 0 || idx >= len(slots) {
		respondError(w, badRequest("invalid url index %q", chi.URLParam(r, "urlIdx")))
		return
	}
	models, err := s.listModels(r.Context(), slots[idx])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, modelList{Object: "list", Data: toEntries(models, idx)})
}

func (s *Server) listModels(ctx context.Context, slot credentials.Slot) ([]llm.ModelInfo, error) {
	client, err := s.providers.NewClient(llm.ClientKey{
		Provider: s.cfg.Provider,
		Model:    s.cfg.DefaultModel,
		APIKey:   slot.APIKey,
		BaseURL:  slot.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	lister, ok := llm.AsModelLister(client)
	if !ok {
		return nil, fmt.Errorf("provider %s cannot list models", s.cfg.Provider)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ModelsTimeout)
	defer cancel()
	return lister.ListModels(ctx)
}

func toEntries(models []llm.ModelInfo, idx int) []modelEntry {
	return lo.FilterMap(models, func(m llm.ModelInfo, _ int) (modelEntry, bool) {
		return modelEntry{ID: m.ID, Object: "model", OwnedBy: m.OwnedBy, Created: m.Created, URLIdx: idx}, m.ID != ""
	})
}

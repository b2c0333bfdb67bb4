package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"quorumlabs/quorum/pkg/orchestrator"
	"quorumlabs/quorum/pkg/providers"
)

// apiError is the error envelope returned on every failure.
type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body", false)
		return
	}

	result, err := s.engine.Process(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body", false)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported", false)
		return
	}

	updates, err := s.engine.StreamProcess(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for update := range updates {
		if _, err := fmt.Fprint(w, "data: "); err != nil {
			return
		}
		if err := enc.Encode(update); err != nil {
			return
		}
		if _, err := fmt.Fprint(w, "\n"); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleQuickAnalyze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
		Mode   string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body", false)
		return
	}

	answer, err := s.engine.QuickAnalyze(r.Context(), req.Prompt, req.Mode)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string   `json:"prompt"`
		Modes  []string `json:"modes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body", false)
		return
	}

	comparisons, err := s.engine.CompareAnalyses(r.Context(), req.Prompt, req.Modes)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, comparisons)
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	type patternInfo struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Stages      []string `json:"stages"`
	}

	list := s.patterns.List()
	out := make([]patternInfo, 0, len(list))
	for _, p := range list {
		out = append(out, patternInfo{
			Name:        p.Name,
			Description: p.Description,
			Stages:      p.Stages,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type modelInfo struct {
		ID           string           `json:"id"`
		Provider     string           `json:"provider"`
		Model        string           `json:"model"`
		Weight       float64          `json:"weight"`
		IsPrimary    bool             `json:"is_primary,omitempty"`
		Healthy      bool             `json:"healthy"`
		BreakerState string           `json:"breaker_state"`
		Health       providers.Health `json:"health"`
	}

	states := s.breakers.States()
	out := make([]modelInfo, 0, s.registry.Len())
	for _, id := range s.registry.Prioritized() {
		entry, ok := s.registry.Get(id)
		if !ok {
			continue
		}
		health := entry.Adapter.GetHealth()
		info := modelInfo{
			ID:           id,
			Provider:     string(entry.Config.Provider),
			Model:        entry.Config.ModelID,
			Weight:       entry.Config.Weight,
			IsPrimary:    entry.Config.IsPrimary,
			Healthy:      health.IsHealthy,
			BreakerState: "closed",
			Health:       health,
		}
		if state, ok := states[id]; ok {
			info.BreakerState = state.String()
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthy := s.registry.Healthy()
	status := http.StatusOK
	if len(healthy) == 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":         statusWord(status),
		"healthy_models": healthy,
		"total_models":   s.registry.Len(),
	})
}

func statusWord(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, retryable bool) {
	writeJSON(w, status, map[string]apiError{
		"error": {Code: code, Message: message, Retryable: retryable},
	})
}

// writeEngineError maps typed provider errors onto HTTP statuses without
// leaking internals.
func writeEngineError(w http.ResponseWriter, err error) {
	kind := providers.KindOf(err)
	switch kind {
	case providers.KindBadRequest:
		writeError(w, http.StatusBadRequest, string(kind), err.Error(), false)
	case providers.KindUnauthorized:
		writeError(w, http.StatusBadGateway, string(kind), "upstream rejected credentials", false)
	case providers.KindRateLimited:
		writeError(w, http.StatusTooManyRequests, string(kind), err.Error(), true)
	case providers.KindTimeout, providers.KindUnavailable:
		writeError(w, http.StatusBadGateway, string(kind), err.Error(), true)
	case providers.KindCancelled:
		writeError(w, 499, string(kind), "request cancelled", false)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), false)
	}
}

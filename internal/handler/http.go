package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"feedshield/internal/cache"
	"feedshield/internal/pipeline"
)

// ProcessHandler accepts job submissions from clients that drive processing
// directly (the browser extension's background worker).
type ProcessHandler struct {
	orch *pipeline.Orchestrator
}

func NewProcessHandler(orch *pipeline.Orchestrator) *ProcessHandler {
	return &ProcessHandler{orch: orch}
}

type processResponse struct {
	Status string       `json:"status"`
	JobID  string       `json:"job_id,omitempty"`
	Value  *cache.Value `json:"value,omitempty"`
}

func (h *ProcessHandler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	handle, err := h.orch.Submit(r.Context(), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if handle.Cached() {
		v, _ := handle.Result()
		writeJSON(w, processResponse{Status: "COMPLETED", Value: &v})
		return
	}
	writeJSON(w, processResponse{Status: "Workflow started", JobID: handle.JobID()})
}

// ResultHandler is the polling fallback for clients that cannot hold an open
// channel: a thin read-through on the result cache.
type ResultHandler struct {
	cache *cache.Manager
}

func NewResultHandler(c *cache.Manager) *ResultHandler {
	return &ResultHandler{cache: c}
}

type resultResponse struct {
	Status string       `json:"status"`
	Value  *cache.Value `json:"value,omitempty"`
}

func (h *ResultHandler) HandleResult(w http.ResponseWriter, r *http.Request) {
	imageURL := r.URL.Query().Get("image_url")
	if imageURL == "" {
		http.Error(w, "image_url is required", http.StatusBadRequest)
		return
	}
	var filters []string
	if raw := r.URL.Query().Get("filters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filters); err != nil {
			// Accept a single bare filter string as well.
			filters = []string{raw}
		}
	}

	v, err := h.cache.Get(r.Context(), imageURL, filters)
	if errors.Is(err, cache.ErrNotFound) {
		writeJSON(w, resultResponse{Status: "NOT_FOUND"})
		return
	}
	if err != nil {
		log.Printf("handler: result lookup for %s failed: %v", imageURL, err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, resultResponse{Status: "COMPLETED", Value: &v})
}

// HandlePing is the extension's health check.
func HandlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("handler: write response: %v", err)
	}
}

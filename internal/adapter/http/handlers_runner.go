package http

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/BotForge/internal/domain/runner"
	"github.com/Strob0t/BotForge/internal/gateway"
	"github.com/Strob0t/BotForge/internal/middleware"
)

type createRunnerRequest struct {
	Name              string              `json:"name"`
	Pool              string              `json:"pool,omitempty"`
	Labels            map[string]string   `json:"labels,omitempty"`
	Capabilities      runner.Capabilities `json:"capabilities"`
	MaxConcurrentJobs int                 `json:"max_concurrent_jobs,omitempty"`
	VMConfig          *runner.VMConfig    `json:"vm_config,omitempty"`
}

type createRunnerResponse struct {
	Runner runner.Runner `json:"runner"`
	// APIKey is returned exactly once at registration. Only its hash is stored.
	APIKey string `json:"api_key"`
}

// MintRunnerKey generates a fresh runner API key.
func MintRunnerKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate runner key: %w", err)
	}
	return "skr_" + hex.EncodeToString(b), nil
}

// CreateRunner registers a runner and mints its API key.
func (h *Handlers) CreateRunner(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createRunnerRequest](w, r, h.cfg.Runs.MaxInputBytes)
	if !ok {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	key, err := MintRunnerKey()
	if err != nil {
		writeDomainError(w, err, "")
		return
	}

	now := time.Now().UTC()
	rec := &runner.Runner{
		ID:                uuid.NewString(),
		TenantID:          middleware.TenantIDFromContext(r.Context()),
		Name:              req.Name,
		APIKeyHash:        gateway.HashKey(key),
		Status:            runner.StatusOffline,
		Capabilities:      req.Capabilities,
		Labels:            req.Labels,
		Pool:              req.Pool,
		MaxConcurrentJobs: req.MaxConcurrentJobs,
		VMConfig:          req.VMConfig,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if rec.MaxConcurrentJobs == 0 {
		rec.MaxConcurrentJobs = req.Capabilities.MaxConcurrentJobs
	}

	if err := h.store.CreateRunner(r.Context(), rec); err != nil {
		writeDomainError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, createRunnerResponse{Runner: *rec, APIKey: key})
}

// GetRunner returns one registered runner.
func (h *Handlers) GetRunner(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetRunner(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "runner not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListRunners returns the tenant's registered runners.
func (h *Handlers) ListRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := h.store.ListRunners(r.Context())
	if err != nil {
		writeDomainError(w, err, "failed to list runners")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runners": runners, "count": len(runners)})
}

// DrainRunner stops new assignments to a runner; placed jobs keep running.
func (h *Handlers) DrainRunner(w http.ResponseWriter, r *http.Request) {
	h.setRunnerStatus(w, r, runner.StatusDraining)
}

// UndrainRunner returns a draining runner to the assignment pool.
func (h *Handlers) UndrainRunner(w http.ResponseWriter, r *http.Request) {
	h.setRunnerStatus(w, r, runner.StatusOnline)
}

func (h *Handlers) setRunnerStatus(w http.ResponseWriter, r *http.Request, status runner.Status) {
	id := urlParam(r, "id")
	if err := h.store.UpdateRunnerStatus(r.Context(), id, status); err != nil {
		writeDomainError(w, err, "runner not found")
		return
	}
	if h.drainer != nil {
		h.drainer.SetDraining(id, status == runner.StatusDraining)
	}
	rec, err := h.store.GetRunner(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "runner not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

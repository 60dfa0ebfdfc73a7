package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the control API. runnerWS serves the runner gateway
// socket and observerWS the event-stream socket; either may be nil on
// instances that do not host that endpoint.
func MountRoutes(r chi.Router, h *Handlers, runnerWS, observerWS http.HandlerFunc) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	if runnerWS != nil {
		r.Get("/ws/runner", runnerWS)
	}
	if observerWS != nil {
		r.Get("/ws/observe", observerWS)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Runs
		r.Post("/runs", h.CreateRun)
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{id}", h.GetRun)
		r.Get("/runs/{id}/children", h.ListRunChildren)
		r.Get("/runs/{id}/events", h.ListRunEvents)
		r.Get("/runs/{id}/logs", h.ListRunLogs)
		r.Post("/runs/{id}/cancel", h.CancelRun)
		r.Post("/runs/{id}/pause", h.PauseRun)
		r.Post("/runs/{id}/resume", h.ResumeRun)
		r.Post("/runs/{id}/retry", h.RetryRun)

		// Approvals
		r.Get("/approvals", h.ListApprovals)
		r.Get("/approvals/{id}", h.GetApproval)
		r.Post("/approvals/{id}/resolve", h.ResolveApproval)

		// Runners
		r.Post("/runners", h.CreateRunner)
		r.Get("/runners", h.ListRunners)
		r.Get("/runners/{id}", h.GetRunner)
		r.Post("/runners/{id}/drain", h.DrainRunner)
		r.Post("/runners/{id}/undrain", h.UndrainRunner)
	})
}

// Package health provides liveness and readiness HTTP handlers.
//
//   - /healthz answers 200 as long as the process serves HTTP.
//   - /readyz answers 200 only when every registered [Check] passes,
//     503 otherwise.
//
// The response body is JSON with a "status" field and, for readiness, a
// per-check "checks" map.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds how long a single readiness check may run.
const probeTimeout = 5 * time.Second

// Check is a named readiness probe. Probe returns nil when the dependency
// is ready to serve and an error describing why not otherwise.
type Check struct {
	// Name keys this check in the /readyz response, e.g. "model".
	Name string

	// Probe must respect context cancellation.
	Probe func(ctx context.Context) error
}

type response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. The check list is fixed at
// construction; a Handler is safe for concurrent use.
type Handler struct {
	checks []Check
}

// New creates a Handler evaluating the given checks, in order, on each
// /readyz request.
func New(checks ...Check) *Handler {
	c := make([]Check, len(checks))
	copy(c, checks)
	return &Handler{checks: c}
}

// Healthz always reports 200. A process able to run this handler is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz reports 200 only when every check passes. Each probe gets a
// context with a [probeTimeout] deadline derived from the request.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checks))
	ready := true

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := c.Probe(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ready = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := response{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

// Package health provides HTTP liveness and readiness handlers.
//
//   - /healthz is a liveness probe; it returns 200 whenever the process can
//     serve HTTP and reports whether a call is currently in progress.
//   - /readyz returns 200 only when every registered [Check] passes.
//
// Responses are JSON objects with a top-level "status" field ("ok" or
// "fail"), a "call" field ("active" or "idle"), and a "checks" map with the
// result of each named check.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds how long a single readiness check may run.
const checkTimeout = 5 * time.Second

// Check is a named readiness probe. Probe returns nil when the dependency is
// healthy and an error describing the failure otherwise. It must respect
// context cancellation.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// status is the JSON response body for both endpoints.
type status struct {
	Status string            `json:"status"`
	Call   string            `json:"call"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the /healthz and /readyz endpoints. It is safe for
// concurrent use; the check list is fixed at construction time.
type Handler struct {
	busy   func() bool
	checks []Check
}

// New creates a [Handler]. busy reports whether a call session is currently
// attached; it may be nil when the caller has no session state to expose.
// Checks are evaluated sequentially in the order given on each /readyz
// request.
func New(busy func() bool, checks ...Check) *Handler {
	c := make([]Check, len(checks))
	copy(c, checks)
	return &Handler{busy: busy, checks: c}
}

// Healthz is the liveness probe. A running process that can serve HTTP is
// alive, so it always returns 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, status{Status: "ok", Call: h.callState()})
}

// Readyz is the readiness probe. It returns 200 only when every registered
// [Check] passes; each check runs with a [checkTimeout] deadline derived
// from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checks))
	code := http.StatusOK
	res := status{Status: "ok", Call: h.callState()}

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Probe(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			code = http.StatusServiceUnavailable
		} else {
			checks[c.Name] = "ok"
		}
	}
	res.Checks = checks

	writeJSON(w, code, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) callState() string {
	if h.busy != nil && h.busy() {
		return "active"
	}
	return "idle"
}

// writeJSON encodes v as JSON with the given status code. On encoding
// failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

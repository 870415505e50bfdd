package gateway

import (
	"net/http"

	"github.com/flemzord/tokenguard/internal/breaker"
)

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status       string   `json:"status"` // "ok" or "degraded"
	Circuits     int      `json:"circuits"`
	OpenCircuits []string `json:"open_circuits,omitempty"`
}

// handleHealth returns an http.HandlerFunc for GET /health.
// Returns 200 when every circuit admits calls, 503 when any is open.
func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := HealthResponse{Status: "ok"}

		statuses := g.backend.CircuitStatuses()
		resp.Circuits = len(statuses)
		for _, s := range statuses {
			if s.State == breaker.Open {
				resp.OpenCircuits = append(resp.OpenCircuits, s.Key)
			}
		}

		code := http.StatusOK
		if len(resp.OpenCircuits) > 0 {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

package gateway

import (
	"net/http"
	"time"
)

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Uptime               time.Duration   `json:"uptime_seconds"`
	Requests             RequestSnapshot `json:"requests"`
	Endpoints            int             `json:"endpoints"`
	TotalCalls           int64           `json:"total_calls"`
	BudgetExceededErrors int64           `json:"budget_exceeded_errors"`
	SuccessRate          float64         `json:"success_rate"`
	Circuits             int             `json:"circuits"`
}

// handleStatus returns an http.HandlerFunc for GET /status.
func (g *Gateway) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		report := g.backend.Statistics()
		writeJSON(w, http.StatusOK, StatusResponse{
			Uptime:               g.now().Sub(g.startedAt).Truncate(time.Second),
			Requests:             g.requests.Snapshot(),
			Endpoints:            len(report.Endpoints),
			TotalCalls:           report.TotalCalls,
			BudgetExceededErrors: report.BudgetExceededErrors,
			SuccessRate:          report.SuccessRate,
			Circuits:             len(g.backend.CircuitStatuses()),
		})
	}
}

package gateway

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/flemzord/tokenguard/internal/logging"
)

// handleListBudgets returns the full budget report.
func (g *Gateway) handleListBudgets() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, g.backend.Statistics())
	}
}

// handleGetBudget returns the statistics of one known endpoint.
func (g *Gateway) handleGetBudget() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endpoint := chi.URLParam(r, "endpoint")
		st, ok := g.backend.EndpointStatistics(endpoint)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown endpoint: "+endpoint)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// handleResetStatistics zeroes every counter and restores original limits.
func (g *Gateway) handleResetStatistics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.backend.ResetStatistics()
		g.logger.Info("budget statistics reset via gateway", "remote_addr", r.RemoteAddr)
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleListCircuits returns every known circuit, sorted by key.
func (g *Gateway) handleListCircuits() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, g.backend.CircuitStatuses())
	}
}

// handleGetCircuit returns one circuit. Unknown keys are reported closed.
func (g *Gateway) handleGetCircuit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, g.backend.CircuitStatus(chi.URLParam(r, "key")))
	}
}

// handleOpenCircuit forces a circuit open.
func (g *Gateway) handleOpenCircuit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		g.backend.OpenCircuit(key)
		g.logger.Warn("circuit opened via gateway", "circuit", key, "remote_addr", r.RemoteAddr)
		writeJSON(w, http.StatusOK, g.backend.CircuitStatus(key))
	}
}

// handleCloseCircuit resets a circuit to closed.
func (g *Gateway) handleCloseCircuit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		g.backend.CloseCircuit(key)
		g.logger.Info("circuit closed via gateway", "circuit", key, "remote_addr", r.RemoteAddr)
		writeJSON(w, http.StatusOK, g.backend.CircuitStatus(key))
	}
}

// secretPattern matches setting keys that likely contain secrets.
var secretPattern = regexp.MustCompile(`(?i)(secret|token|pass|postgres|authorization|api[-_]?key)`)

// handleGetConfig returns the running settings with secrets redacted.
func (g *Gateway) handleGetConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		raw, err := json.Marshal(g.settings())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to serialize config")
			return
		}

		var generic map[string]any
		if err := json.Unmarshal(raw, &generic); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to parse config")
			return
		}

		redactSecrets(generic)
		writeJSON(w, http.StatusOK, generic)
	}
}

// redactSecrets walks a map and replaces values whose keys match the secret pattern.
func redactSecrets(m map[string]any) {
	for k, v := range m {
		if secretPattern.MatchString(k) {
			if s, ok := v.(string); ok && s != "" {
				m[k] = logging.Redacted
			}
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			redactSecrets(val)
		case []any:
			for _, item := range val {
				if sub, ok := item.(map[string]any); ok {
					redactSecrets(sub)
				}
			}
		}
	}
}

// reloadResponse is the JSON response for POST /api/config/reload.
type reloadResponse struct {
	Status string   `json:"status"`
	Added  []string `json:"added"`
}

// handleReloadConfig re-reads the configuration file and registers new endpoints.
func (g *Gateway) handleReloadConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		added, err := g.reload(r.Context())
		if err != nil {
			g.logger.Error("config reload failed", "error", err)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if added == nil {
			added = []string{}
		}
		g.logger.Info("configuration reloaded", "added", len(added))
		writeJSON(w, http.StatusOK, reloadResponse{Status: "reloaded", Added: added})
	}
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

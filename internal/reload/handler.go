package reload

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/flemzord/tokenguard/internal/config"
	"github.com/flemzord/tokenguard/internal/logging"
)

// Registrar declares endpoint limits at runtime. *budget.Controller
// implements it.
type Registrar interface {
	Register(id string, limit int) (bool, error)
}

// Handler reloads the configuration file and registers endpoints it has
// not seen before. Limits of known endpoints are immutable and left alone.
type Handler struct {
	target Registrar
	logger *slog.Logger

	current atomic.Pointer[config.Settings]
}

// NewHandler creates a reload handler.
func NewHandler(target Registrar, logger *slog.Logger) *Handler {
	return &Handler{target: target, logger: logging.OrNop(logger)}
}

// HandleReload loads and validates configPath and registers its limits.
// It returns the identifiers of the endpoints that were added.
func (h *Handler) HandleReload(ctx context.Context, configPath string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled before reload: %w", err)
	}

	s, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return h.Apply(s)
}

// Apply registers the limits of already-validated settings.
func (h *Handler) Apply(s config.Settings) ([]string, error) {
	var added []string
	for _, id := range slices.Sorted(maps.Keys(s.Budget.Limits)) {
		created, err := h.target.Register(id, s.Budget.Limits[id])
		if err != nil {
			return added, fmt.Errorf("registering %q: %w", id, err)
		}
		if created {
			added = append(added, id)
		}
	}

	h.current.Store(&s)
	h.logger.Info("configuration reloaded",
		"endpoints_added", len(added),
		"endpoints", added,
	)
	return added, nil
}

// Settings returns the settings of the last successful reload, if any.
func (h *Handler) Settings() (config.Settings, bool) {
	s := h.current.Load()
	if s == nil {
		return config.Settings{}, false
	}
	return *s, true
}

// Watch handles every event from events until ctx is done or events is
// closed. Reload failures are logged and the previous limits stay in force.
func (h *Handler) Watch(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := h.HandleReload(ctx, ev.ConfigPath); err != nil {
				h.logger.Error("config reload failed", "path", ev.ConfigPath, "error", err)
			}
		}
	}
}

package handlers

import (
	"net/http"
	"time"

	"github.com/agentsim/decisiond/services/audit"
	"github.com/agentsim/decisiond/services/balancer"
	"github.com/agentsim/decisiond/utils"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ProviderHealthResponse is the provider health DTO.
type ProviderHealthResponse struct {
	Name                string `json:"name"`
	Available           bool   `json:"available"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	AverageLatencyMs    int64  `json:"average_latency_ms"`
	LastUsedAt          string `json:"last_used_at,omitempty"`
	DisabledUntil       string `json:"disabled_until,omitempty"`
}

// ProviderHandler handles provider health HTTP requests
type ProviderHandler struct {
	balancer *balancer.Service
	audit    *audit.Service
	logger   *zap.Logger
}

// NewProviderHandler creates a new ProviderHandler. The audit service
// may be nil when no database is configured.
func NewProviderHandler(b *balancer.Service, a *audit.Service, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{
		balancer: b,
		audit:    a,
		logger:   logger,
	}
}

// HandleList handles GET /api/v1/providers
func (h *ProviderHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	snapshot := h.balancer.Snapshot()

	response := make([]ProviderHealthResponse, 0, len(snapshot))
	for _, p := range snapshot {
		item := ProviderHealthResponse{
			Name:                p.Name,
			Available:           p.Available,
			ConsecutiveFailures: p.ConsecutiveFailures,
			AverageLatencyMs:    p.AverageLatency.Milliseconds(),
		}
		if !p.LastUsedAt.IsZero() {
			item.LastUsedAt = p.LastUsedAt.UTC().Format(time.RFC3339)
		}
		if !p.Available {
			item.DisabledUntil = p.DisabledUntil.UTC().Format(time.RFC3339)
		}
		response = append(response, item)
	}

	_ = utils.WriteOK(w, response)
}

// HandleStats handles GET /api/v1/providers/{name}/stats. Serves the
// rolling outcome window from the audit store; 404 when no store is
// configured.
func (h *ProviderHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		_ = utils.WriteNotFound(w, "outcome audit store is not configured")
		return
	}

	name := chi.URLParam(r, "name")
	if name == "" {
		_ = utils.WriteBadRequest(w, "provider name is required", nil)
		return
	}

	window := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			_ = utils.WriteBadRequest(w, "invalid window duration", nil)
			return
		}
		window = parsed
	}

	stats, err := h.audit.GetWindowStats(r.Context(), name, window)
	if err != nil {
		h.logger.Error("failed to load provider window stats",
			zap.String("provider", name),
			zap.Error(err))
		_ = utils.WriteInternalError(w, "failed to load provider stats")
		return
	}

	_ = utils.WriteOK(w, stats)
}

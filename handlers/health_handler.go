package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/agentsim/decisiond/services/balancer"
	"github.com/agentsim/decisiond/utils"
	"go.uber.org/zap"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	db       *sql.DB
	balancer *balancer.Service
	logger   *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. The db may be nil when
// no audit database is configured.
func NewHealthHandler(db *sql.DB, b *balancer.Service, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:       db,
		balancer: b,
		logger:   logger,
	}
}

// HandleHealth handles GET /healthz
// Basic liveness check - always returns 200 if the process is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /readyz
// Readiness requires at least one registered provider and, when an
// audit database is configured, a reachable database.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.balancer.Count() == 0 {
		checks["providers"] = "none registered"
		allHealthy = false
	} else {
		checks["providers"] = "healthy"
	}

	if err := h.checkDatabase(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		checks["database"] = "unhealthy"
		allHealthy = false
	} else if h.db != nil {
		checks["database"] = "healthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	if h.db == nil {
		return nil
	}
	return h.db.PingContext(ctx)
}

package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentsim/decisiond/models"
	"github.com/agentsim/decisiond/services/contextbuilder"
	"github.com/agentsim/decisiond/services/queue"
	"github.com/agentsim/decisiond/utils"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubmitDecisionRequest is the submit DTO.
type SubmitDecisionRequest struct {
	AgentID    string   `json:"agent_id" validate:"required"`
	Priority   int      `json:"priority" validate:"gte=0,lte=100"`
	DeadlineMs int      `json:"deadline_ms" validate:"omitempty,gt=0"`
	Schema     SchemaDTO `json:"schema" validate:"required"`
}

// SchemaDTO describes the structured output the caller expects back.
type SchemaDTO struct {
	Name        string   `json:"name" validate:"required"`
	Required    []string `json:"required" validate:"required,min=1"`
	Instruction string   `json:"instruction,omitempty"`
}

// DecisionResponse is the resolved decision DTO.
type DecisionResponse struct {
	RequestID    string          `json:"request_id"`
	AgentID      string          `json:"agent_id"`
	Payload      json.RawMessage `json:"payload"`
	ProviderUsed string          `json:"provider_used"`
	Attempts     int             `json:"attempts"`
	LatencyMs    int64           `json:"latency_ms"`
}

// DecisionHandler handles decision-related HTTP requests
type DecisionHandler struct {
	queue      *queue.Service
	builder    contextbuilder.Builder
	validate   *validator.Validate
	submitWait time.Duration
	logger     *zap.Logger
}

// NewDecisionHandler creates a new DecisionHandler
func NewDecisionHandler(q *queue.Service, builder contextbuilder.Builder, submitWait time.Duration, logger *zap.Logger) *DecisionHandler {
	return &DecisionHandler{
		queue:      q,
		builder:    builder,
		validate:   validator.New(),
		submitWait: submitWait,
		logger:     logger,
	}
}

// HandleSubmit handles POST /api/v1/decisions. It submits the request
// and waits for the terminal outcome with a request-scoped timeout.
func (h *DecisionHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var dto SubmitDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		_ = utils.WriteBadRequest(w, "invalid JSON body", nil)
		return
	}
	if err := h.validate.Struct(dto); err != nil {
		_ = utils.WriteBadRequest(w, "validation failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	agentCtx, err := h.builder.Build(r.Context(), dto.AgentID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	req := models.DecisionRequest{
		ID:      uuid.New(),
		AgentID: dto.AgentID,
		Context: agentCtx,
		Schema: models.DecisionSchema{
			Name:        dto.Schema.Name,
			Required:    dto.Schema.Required,
			Instruction: dto.Schema.Instruction,
		},
		Priority:    dto.Priority,
		SubmittedAt: time.Now(),
	}
	if dto.DeadlineMs > 0 {
		req.Deadline = req.SubmittedAt.Add(time.Duration(dto.DeadlineMs) * time.Millisecond)
	}

	pending, err := h.queue.Submit(req)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	wait := h.submitWait
	if wait <= 0 {
		wait = 2 * time.Minute
	}
	waitTimer := time.NewTimer(wait)
	defer waitTimer.Stop()

	select {
	case outcome := <-pending.Done():
		if outcome.Err != nil {
			WriteServiceError(w, outcome.Err, h.logger)
			return
		}
		result := outcome.Result
		_ = utils.WriteOK(w, DecisionResponse{
			RequestID:    req.ID.String(),
			AgentID:      result.AgentID,
			Payload:      result.Payload,
			ProviderUsed: result.ProviderUsed,
			Attempts:     result.Attempts,
			LatencyMs:    result.Latency.Milliseconds(),
		})
	case <-waitTimer.C:
		// The entry keeps running; the caller can poll or cancel.
		_ = utils.WriteAccepted(w, map[string]string{
			"agent_id": dto.AgentID,
			"status":   "pending",
		})
	case <-r.Context().Done():
		h.queue.Cancel(dto.AgentID)
	}
}

// HandleCancel handles DELETE /api/v1/decisions/{agentID}
func (h *DecisionHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if agentID == "" {
		_ = utils.WriteBadRequest(w, "agent id is required", nil)
		return
	}

	removed := h.queue.Cancel(agentID)
	_ = utils.WriteOK(w, map[string]interface{}{
		"agent_id":                agentID,
		"removed_before_dispatch": removed,
	})
}

// RegisterAgentRequest is the agent snapshot DTO.
type RegisterAgentRequest struct {
	AgentID     string            `json:"agent_id" validate:"required"`
	Observation string            `json:"observation"`
	State       map[string]string `json:"state,omitempty"`
}

// AgentHandler handles agent snapshot HTTP requests
type AgentHandler struct {
	builder  *contextbuilder.Service
	validate *validator.Validate
	logger   *zap.Logger
}

// NewAgentHandler creates a new AgentHandler
func NewAgentHandler(builder *contextbuilder.Service, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		builder:  builder,
		validate: validator.New(),
		logger:   logger,
	}
}

// HandleRegister handles POST /api/v1/agents
func (h *AgentHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var dto RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		_ = utils.WriteBadRequest(w, "invalid JSON body", nil)
		return
	}
	if err := h.validate.Struct(dto); err != nil {
		_ = utils.WriteBadRequest(w, "validation failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if dto.Observation == "" && len(dto.State) == 0 {
		_ = utils.WriteBadRequest(w, "agent snapshot requires an observation or state", nil)
		return
	}

	h.builder.Put(dto.AgentID, dto.Observation, dto.State)
	_ = utils.WriteOK(w, map[string]string{"agent_id": dto.AgentID})
}

// HandleRemove handles DELETE /api/v1/agents/{agentID}
func (h *AgentHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if agentID == "" {
		_ = utils.WriteBadRequest(w, "agent id is required", nil)
		return
	}
	h.builder.Remove(agentID)
	_ = utils.WriteOK(w, map[string]string{"agent_id": agentID})
}

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AgentContext is a snapshot of everything the prompt needs to know about
// an agent at decision time. It is assembled by the context builder and
// treated as immutable once handed to the queue.
type AgentContext struct {
	AgentID     string            `json:"agent_id"`
	Observation string            `json:"observation"`
	State       map[string]string `json:"state,omitempty"`
	BuiltAt     time.Time         `json:"built_at"`
}

// DecisionSchema describes the structured payload a decision must conform
// to. Required lists the top-level JSON fields that must be present for a
// backend response to count as well-formed.
type DecisionSchema struct {
	Name        string   `json:"name"`
	Required    []string `json:"required"`
	Instruction string   `json:"instruction,omitempty"`
}

// DecisionRequest is a single agent's need for an LLM-derived decision.
// At most one request per AgentID may be pending at any time.
type DecisionRequest struct {
	ID          uuid.UUID
	AgentID     string
	Context     AgentContext
	Schema      DecisionSchema
	Priority    int
	SubmittedAt time.Time
	Deadline    time.Time
}

// DecisionResult is produced exactly once per accepted request.
type DecisionResult struct {
	AgentID      string          `json:"agent_id"`
	Payload      json.RawMessage `json:"payload"`
	ProviderUsed string          `json:"provider_used"`
	Attempts     int             `json:"attempts"`
	Latency      time.Duration   `json:"latency"`
}

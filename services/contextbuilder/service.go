package contextbuilder

import (
	"context"
	"sync"
	"time"

	"github.com/agentsim/decisiond/models"
	"github.com/agentsim/decisiond/services"
	"go.uber.org/zap"
)

// Builder turns an agent identifier into a context snapshot for prompt
// rendering. The queue treats it as pure and side-effect-free.
type Builder interface {
	Build(ctx context.Context, agentID string) (models.AgentContext, error)
}

// Service is an in-memory Builder fed by the surrounding application:
// the simulation pushes agent snapshots in, decision submission reads
// them out.
type Service struct {
	logger *zap.Logger

	mu     sync.RWMutex
	agents map[string]models.AgentContext
}

// NewService creates a new in-memory context builder
func NewService(logger *zap.Logger) *Service {
	return &Service{
		logger: logger,
		agents: make(map[string]models.AgentContext),
	}
}

// Put stores or replaces the snapshot for an agent.
func (s *Service) Put(agentID string, observation string, state map[string]string) {
	snapshot := models.AgentContext{
		AgentID:     agentID,
		Observation: observation,
		State:       state,
		BuiltAt:     time.Now(),
	}

	s.mu.Lock()
	s.agents[agentID] = snapshot
	s.mu.Unlock()

	s.logger.Debug("agent context updated", zap.String("agent_id", agentID))
}

// Remove drops an agent's snapshot.
func (s *Service) Remove(agentID string) {
	s.mu.Lock()
	delete(s.agents, agentID)
	s.mu.Unlock()
}

// Build returns the stored snapshot for agentID.
func (s *Service) Build(_ context.Context, agentID string) (models.AgentContext, error) {
	s.mu.RLock()
	snapshot, ok := s.agents[agentID]
	s.mu.RUnlock()

	if !ok {
		return models.AgentContext{}, services.NewDomainError(services.ErrorTypeNotFound, "agent not found", nil).
			WithDetail("agent_id", agentID)
	}
	return snapshot, nil
}

// Count returns the number of known agents.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}

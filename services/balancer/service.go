package balancer

import (
	"sort"
	"sync"
	"time"

	"github.com/agentsim/decisiond/models"
	"github.com/agentsim/decisiond/services"
	"github.com/agentsim/decisiond/services/providers"
	"go.uber.org/zap"
)

// OutcomeSink receives a copy of every reported dispatch outcome.
// Implementations must not block; slow consumers should buffer or drop.
type OutcomeSink interface {
	ConsumeOutcome(event models.ProviderOutcomeEvent)
}

// Config holds tunables for health tracking and selection.
type Config struct {
	// FailureThreshold is the consecutive-failure count at which a
	// provider is disabled for a backoff window.
	FailureThreshold int

	// DisableBase is the disable window for a provider that just crossed
	// the threshold; it doubles per additional consecutive failure.
	DisableBase time.Duration

	// DisableMax caps the disable window.
	DisableMax time.Duration

	// LatencyAlpha is the EWMA smoothing factor for average latency,
	// in (0, 1]; higher weighs recent samples more.
	LatencyAlpha float64

	// FailureWeight scales how strongly recent failures penalize a
	// provider's selection score.
	FailureWeight float64
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		DisableBase:      5 * time.Second,
		DisableMax:       2 * time.Minute,
		LatencyAlpha:     0.3,
		FailureWeight:    0.5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.DisableBase <= 0 {
		c.DisableBase = d.DisableBase
	}
	if c.DisableMax <= 0 {
		c.DisableMax = d.DisableMax
	}
	if c.LatencyAlpha <= 0 || c.LatencyAlpha > 1 {
		c.LatencyAlpha = d.LatencyAlpha
	}
	if c.FailureWeight <= 0 {
		c.FailureWeight = d.FailureWeight
	}
	return c
}

// record tracks one provider's health state. Owned by the Service;
// mutated only under the service mutex.
type record struct {
	provider            providers.Provider
	consecutiveFailures int
	averageLatency      time.Duration
	lastUsedAt          time.Time
	disabledUntil       time.Time
}

// Service is the load-balancing provider: it holds the set of registered
// backends, selects one per request using a health-aware policy, and
// tracks per-provider outcome state.
type Service struct {
	config Config
	logger *zap.Logger
	clock  func() time.Time

	mu      sync.Mutex
	records map[string]*record
	sinks   []OutcomeSink
}

// NewService creates a new load balancer
func NewService(config Config, logger *zap.Logger) *Service {
	return &Service{
		config:  config.withDefaults(),
		logger:  logger,
		clock:   time.Now,
		records: make(map[string]*record),
	}
}

// SetClock overrides the time source for testing.
func (s *Service) SetClock(clock func() time.Time) {
	s.clock = clock
}

// AddOutcomeSink registers a sink that observes every reported outcome.
func (s *Service) AddOutcomeSink(sink OutcomeSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Register adds a provider to the managed set. Registering an existing
// name replaces the instance and resets its health state.
func (s *Service) Register(provider providers.Provider) error {
	if provider == nil || provider.Name() == "" {
		return services.NewDomainError(services.ErrorTypeValidation, "provider must have a name", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[provider.Name()] = &record{provider: provider}
	s.logger.Info("registered provider", zap.String("provider", provider.Name()))
	return nil
}

// Deregister removes a provider from the managed set. Dispatch attempts
// already holding the provider run to completion; their outcome reports
// are dropped.
func (s *Service) Deregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[name]; !ok {
		return services.NewDomainError(services.ErrorTypeNotFound, "provider not found", nil).WithDetail("provider", name)
	}
	delete(s.records, name)
	s.logger.Info("deregistered provider", zap.String("provider", name))
	return nil
}

// Select returns the best currently-enabled provider: lowest recent
// average latency weighted down by recent failures, ties broken by
// least-recently-used. A provider whose disable window has lapsed is
// eligible again with no explicit re-enable step, which doubles as the
// recovery probe.
func (s *Service) Select() (providers.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var best *record
	var bestScore float64

	for _, rec := range s.records {
		if rec.disabledUntil.After(now) {
			continue
		}
		score := s.score(rec)
		if best == nil || score < bestScore ||
			(score == bestScore && rec.lastUsedAt.Before(best.lastUsedAt)) {
			best = rec
			bestScore = score
		}
	}

	if best == nil {
		return nil, services.ErrNoProviderAvailable
	}

	best.lastUsedAt = now
	return best.provider, nil
}

// score computes the selection score: lower is better. Providers without
// latency samples score zero so fresh backends get probed first.
func (s *Service) score(rec *record) float64 {
	latency := float64(rec.averageLatency)
	return latency * (1 + s.config.FailureWeight*float64(rec.consecutiveFailures))
}

// ReportOutcome updates the named provider's health record after a
// dispatch attempt. Success resets the failure count and clears any
// disable window; failure increments it and, at the threshold, disables
// the provider for an exponentially growing window.
func (s *Service) ReportOutcome(name string, success bool, latency time.Duration, errorKind string) {
	s.mu.Lock()
	rec, ok := s.records[name]
	if !ok {
		// Provider was deregistered mid-call.
		s.mu.Unlock()
		return
	}

	now := s.clock()
	if success {
		rec.consecutiveFailures = 0
		rec.disabledUntil = time.Time{}
		if rec.averageLatency == 0 {
			rec.averageLatency = latency
		} else {
			alpha := s.config.LatencyAlpha
			rec.averageLatency = time.Duration(alpha*float64(latency) + (1-alpha)*float64(rec.averageLatency))
		}
	} else {
		rec.consecutiveFailures++
		if rec.consecutiveFailures >= s.config.FailureThreshold {
			window := s.disableWindow(rec.consecutiveFailures)
			rec.disabledUntil = now.Add(window)
			s.logger.Warn("provider disabled",
				zap.String("provider", name),
				zap.Int("consecutive_failures", rec.consecutiveFailures),
				zap.Duration("window", window))
		}
	}
	sinks := s.sinks
	s.mu.Unlock()

	event := models.ProviderOutcomeEvent{
		Provider:  name,
		Success:   success,
		Latency:   latency,
		ErrorKind: errorKind,
		CreatedAt: now,
	}
	for _, sink := range sinks {
		sink.ConsumeOutcome(event)
	}
}

// disableWindow computes the backoff window for a provider with the given
// consecutive-failure count: base doubled per failure past the threshold,
// capped.
func (s *Service) disableWindow(failures int) time.Duration {
	window := s.config.DisableBase
	for i := s.config.FailureThreshold; i < failures; i++ {
		window *= 2
		if window >= s.config.DisableMax {
			return s.config.DisableMax
		}
	}
	if window > s.config.DisableMax {
		window = s.config.DisableMax
	}
	return window
}

// Snapshot returns a point-in-time view of every provider's health,
// sorted by name for stable output.
func (s *Service) Snapshot() []models.ProviderHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	out := make([]models.ProviderHealth, 0, len(s.records))
	for name, rec := range s.records {
		out = append(out, models.ProviderHealth{
			Name:                name,
			ConsecutiveFailures: rec.consecutiveFailures,
			AverageLatency:      rec.averageLatency,
			LastUsedAt:          rec.lastUsedAt,
			DisabledUntil:       rec.disabledUntil,
			Available:           !rec.disabledUntil.After(now),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered providers.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

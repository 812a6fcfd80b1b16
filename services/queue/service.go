package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agentsim/decisiond/models"
	"github.com/agentsim/decisiond/observability"
	"github.com/agentsim/decisiond/services"
	"github.com/agentsim/decisiond/services/providers"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Selector is the slice of the load balancer the queue needs: pick a
// backend for one attempt and report how it went.
type Selector interface {
	Select() (providers.Provider, error)
	ReportOutcome(name string, success bool, latency time.Duration, errorKind string)
}

// Templater renders a context snapshot and schema into prompt text.
type Templater interface {
	Render(ctx models.AgentContext, schema models.DecisionSchema) (string, error)
}

// Normalizer extracts and validates the structured payload from raw
// backend text.
type Normalizer interface {
	Parse(raw string, schema models.DecisionSchema) (json.RawMessage, error)
}

// Config holds queue tunables.
type Config struct {
	// MaxConcurrent caps simultaneous in-flight backend calls.
	MaxConcurrent int64

	// RetryCeiling is the maximum attempts per request.
	RetryCeiling int

	// AttemptTimeout bounds a single backend call; the effective timeout
	// is min(AttemptTimeout, time remaining to the request deadline).
	AttemptTimeout time.Duration

	// BackoffBase seeds the exponential retry backoff.
	BackoffBase time.Duration

	// BackoffMax caps the retry backoff.
	BackoffMax time.Duration

	// NoProviderRetryDelay is how long an entry waits before re-admission
	// when every provider is disabled.
	NoProviderRetryDelay time.Duration

	// CompletionOptions are passed through to every backend call.
	CompletionOptions providers.Options
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:        4,
		RetryCeiling:         3,
		AttemptTimeout:       30 * time.Second,
		BackoffBase:          250 * time.Millisecond,
		BackoffMax:           10 * time.Second,
		NoProviderRetryDelay: 500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = d.RetryCeiling
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.NoProviderRetryDelay <= 0 {
		c.NoProviderRetryDelay = d.NoProviderRetryDelay
	}
	return c
}

// Outcome is the single terminal resolution of an accepted request:
// either a result or one of the terminal failure kinds.
type Outcome struct {
	Result *models.DecisionResult
	Err    error
}

// Pending is the caller's handle for one accepted request.
type Pending struct {
	agentID string
	done    chan Outcome
}

// AgentID returns the agent this handle belongs to.
func (p *Pending) AgentID() string { return p.agentID }

// Done delivers exactly one Outcome and is then closed for the caller's
// purposes; the channel is buffered so resolution never blocks on a slow
// caller.
func (p *Pending) Done() <-chan Outcome { return p.done }

type entryState int

const (
	stateQueued entryState = iota
	stateWaiting
	stateDispatched
	stateCalling
	stateDone
)

// entry pairs a request with dispatch bookkeeping. Owned exclusively by
// the queue; mutated only under the queue mutex.
type entry struct {
	req     models.DecisionRequest
	pending *Pending
	seq     uint64

	attempts  int
	lastErr   error
	state     entryState
	timer     *time.Timer
	heapIndex int
}

// Service is the decision queue: it admits requests from many agents,
// enforces one in-flight decision per agent, bounds concurrent backend
// calls, and orchestrates timeout, retry, and failover around the load
// balancer.
type Service struct {
	config  Config
	sel     Selector
	tmpl    Templater
	norm    Normalizer
	logger  *zap.Logger
	metrics *observability.Metrics

	sem *semaphore.Weighted

	mu       sync.Mutex
	pendSet  entryHeap
	inflight map[string]*entry
	nextSeq  uint64
	closed   bool

	kick     chan struct{}
	stopCtx  context.Context
	stopFunc context.CancelFunc
	wg       sync.WaitGroup
}

// NewService creates a decision queue and starts its dispatcher.
func NewService(config Config, sel Selector, tmpl Templater, norm Normalizer, logger *zap.Logger) *Service {
	config = config.withDefaults()
	stopCtx, stopFunc := context.WithCancel(context.Background())

	s := &Service{
		config:   config,
		sel:      sel,
		tmpl:     tmpl,
		norm:     norm,
		logger:   logger,
		sem:      semaphore.NewWeighted(config.MaxConcurrent),
		inflight: make(map[string]*entry),
		kick:     make(chan struct{}, 1),
		stopCtx:  stopCtx,
		stopFunc: stopFunc,
	}

	s.wg.Add(1)
	go s.dispatchLoop()
	return s
}

// SetMetrics attaches Prometheus collectors. Optional; call before any
// Submit.
func (s *Service) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// Submit admits a decision request. It never blocks on backend capacity:
// beyond the concurrency limit the entry waits in the priority-ordered
// pending set. Returns ErrDuplicateAgentRequest synchronously when the
// agent already has a pending entry.
func (s *Service) Submit(req models.DecisionRequest) (*Pending, error) {
	if req.AgentID == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "decision request requires an agent id", nil)
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, services.ErrQueueClosed
	}
	if _, exists := s.inflight[req.AgentID]; exists {
		s.mu.Unlock()
		return nil, services.ErrDuplicateAgentRequest
	}

	e := &entry{
		req:       req,
		pending:   &Pending{agentID: req.AgentID, done: make(chan Outcome, 1)},
		seq:       s.nextSeq,
		heapIndex: -1,
	}
	s.nextSeq++
	s.inflight[req.AgentID] = e

	if s.metrics != nil {
		s.metrics.DecisionsSubmitted.Inc()
	}

	// An already-expired deadline resolves Timeout without ever reaching
	// a provider.
	if deadlinePassed(req, time.Now()) {
		s.resolveLocked(e, nil, services.ErrDecisionTimeout)
		s.mu.Unlock()
		return e.pending, nil
	}

	e.state = stateQueued
	heap.Push(&s.pendSet, e)
	s.mu.Unlock()

	s.logger.Debug("decision request admitted",
		zap.String("agent_id", req.AgentID),
		zap.Int("priority", req.Priority))

	s.kickDispatch()
	return e.pending, nil
}

// Cancel removes the agent's pending entry. Returns true when the entry
// was removed before any backend call started; once a call is in flight
// cancellation only suppresses delivery of its result, and the entry
// still resolves Cancelled exactly once.
func (s *Service) Cancel(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.inflight[agentID]
	if !ok || e.state == stateDone {
		return false
	}

	preDispatch := e.state == stateQueued || e.state == stateWaiting || e.state == stateDispatched
	s.resolveLocked(e, nil, services.ErrCancelled)
	return preDispatch
}

// PendingCount returns the number of requests awaiting resolution.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Close stops the dispatcher, aborts in-flight calls, and resolves every
// unresolved entry Cancelled. Safe to call once.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, e := range s.inflight {
		if e.state != stateDone {
			s.resolveLocked(e, nil, services.ErrCancelled)
		}
	}
	s.mu.Unlock()

	s.stopFunc()
	s.wg.Wait()
}

// dispatchLoop is the single admission goroutine: it acquires a call
// slot, then hands the best eligible entry to an attempt goroutine. The
// acquire happens before the pop so queued order is decided when
// capacity frees, not when requests arrive.
func (s *Service) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCtx.Done():
			return
		case <-s.kick:
		}

		for {
			s.mu.Lock()
			empty := s.pendSet.Len() == 0
			if s.metrics != nil {
				s.metrics.QueueDepth.Set(float64(s.pendSet.Len()))
			}
			s.mu.Unlock()
			if empty {
				break
			}

			if err := s.sem.Acquire(s.stopCtx, 1); err != nil {
				return
			}

			s.mu.Lock()
			var e *entry
			if s.pendSet.Len() > 0 {
				e = heap.Pop(&s.pendSet).(*entry)
				e.state = stateDispatched
			}
			s.mu.Unlock()

			if e == nil {
				s.sem.Release(1)
				break
			}

			s.wg.Add(1)
			go s.runAttempt(e)
		}
	}
}

// runAttempt performs one dispatch attempt for an entry. It owns one
// semaphore slot on entry and releases it exactly once — before any
// backoff wait, so capacity is never held while sleeping.
func (s *Service) runAttempt(e *entry) {
	defer s.wg.Done()

	released := false
	release := func() {
		if !released {
			released = true
			s.sem.Release(1)
			s.kickDispatch()
		}
	}
	defer release()

	s.mu.Lock()
	if e.state == stateDone {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	if deadlinePassed(e.req, now) {
		s.resolveLocked(e, nil, services.ErrDecisionTimeout)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	prov, err := s.sel.Select()
	if err != nil {
		// All providers disabled: hold the entry briefly and re-admit
		// rather than failing it.
		s.logger.Debug("no provider available, deferring entry",
			zap.String("agent_id", e.req.AgentID))
		s.requeueAfter(e, s.config.NoProviderRetryDelay)
		return
	}

	promptText, err := s.tmpl.Render(e.req.Context, e.req.Schema)
	if err != nil {
		s.finish(e, nil, services.WrapError(services.ErrorTypeValidation, "prompt rendering failed", err))
		return
	}

	s.mu.Lock()
	if e.state == stateDone {
		s.mu.Unlock()
		return
	}
	e.state = stateCalling
	e.attempts++
	attempt := e.attempts
	s.mu.Unlock()

	timeout := s.attemptTimeout(e.req, now)
	callCtx, cancel := context.WithTimeout(s.stopCtx, timeout)
	start := time.Now()
	opts := s.config.CompletionOptions
	opts.Timeout = timeout
	raw, callErr := prov.Complete(callCtx, promptText, opts)
	cancel()
	latency := time.Since(start)

	if callErr == nil {
		payload, parseErr := s.norm.Parse(raw, e.req.Schema)
		if parseErr == nil {
			s.sel.ReportOutcome(prov.Name(), true, latency, "")
			result := &models.DecisionResult{
				AgentID:      e.req.AgentID,
				Payload:      payload,
				ProviderUsed: prov.Name(),
				Attempts:     attempt,
				Latency:      time.Since(e.req.SubmittedAt),
			}
			s.finish(e, result, nil)
			return
		}
		// Malformed output counts as an attempt failure, not a success.
		callErr = parseErr
	}

	s.sel.ReportOutcome(prov.Name(), false, latency, errorKind(callErr))
	s.logger.Debug("dispatch attempt failed",
		zap.String("agent_id", e.req.AgentID),
		zap.String("provider", prov.Name()),
		zap.Int("attempt", attempt),
		zap.Error(callErr))

	s.mu.Lock()
	if e.state == stateDone {
		// Cancelled mid-call; the result is discarded.
		s.mu.Unlock()
		return
	}
	e.lastErr = callErr
	now = time.Now()

	if attempt >= s.config.RetryCeiling {
		s.resolveLocked(e, nil, services.WrapError(services.ErrorTypeRetryExhausted, "retry ceiling reached", callErr))
		s.mu.Unlock()
		return
	}
	if deadlinePassed(e.req, now) {
		s.resolveLocked(e, nil, services.WrapError(services.ErrorTypeTimeout, "decision deadline passed", callErr))
		s.mu.Unlock()
		return
	}
	e.state = stateWaiting
	s.mu.Unlock()

	backoff := s.backoffFor(attempt)
	release()
	s.scheduleRequeue(e, backoff)
}

// requeueAfter parks a dispatched entry and re-admits it after delay
// without counting an attempt.
func (s *Service) requeueAfter(e *entry, delay time.Duration) {
	s.mu.Lock()
	if e.state == stateDone || s.closed {
		s.mu.Unlock()
		return
	}
	e.state = stateWaiting
	s.mu.Unlock()
	s.scheduleRequeue(e, delay)
}

// scheduleRequeue re-admits a waiting entry after delay. The timer is
// tracked on the entry so cancellation and shutdown stop it.
func (s *Service) scheduleRequeue(e *entry, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.state != stateWaiting || s.closed {
		return
	}
	e.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if e.state != stateWaiting || s.closed {
			s.mu.Unlock()
			return
		}
		e.state = stateQueued
		heap.Push(&s.pendSet, e)
		s.mu.Unlock()
		s.kickDispatch()
	})
}

// finish resolves an entry outside the lock path.
func (s *Service) finish(e *entry, result *models.DecisionResult, err error) {
	s.mu.Lock()
	if e.state != stateDone {
		s.resolveLocked(e, result, err)
	}
	s.mu.Unlock()
}

// resolveLocked delivers the terminal outcome exactly once. Caller must
// hold the queue mutex.
func (s *Service) resolveLocked(e *entry, result *models.DecisionResult, err error) {
	if e.state == stateDone {
		return
	}
	if e.state == stateQueued && e.heapIndex >= 0 {
		heap.Remove(&s.pendSet, e.heapIndex)
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.state = stateDone
	delete(s.inflight, e.req.AgentID)

	if s.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = string(services.GetErrorType(err))
		}
		s.metrics.ObserveResolved(outcome, time.Since(e.req.SubmittedAt), err == nil)
	}

	e.pending.done <- Outcome{Result: result, Err: err}

	if err != nil {
		s.logger.Debug("decision resolved with failure",
			zap.String("agent_id", e.req.AgentID),
			zap.Int("attempts", e.attempts),
			zap.Error(err))
	} else {
		s.logger.Debug("decision resolved",
			zap.String("agent_id", e.req.AgentID),
			zap.String("provider", result.ProviderUsed),
			zap.Int("attempts", result.Attempts))
	}
}

func (s *Service) kickDispatch() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// attemptTimeout derives the per-attempt timeout from the configured
// ceiling and the time remaining to the request deadline.
func (s *Service) attemptTimeout(req models.DecisionRequest, now time.Time) time.Duration {
	timeout := s.config.AttemptTimeout
	if !req.Deadline.IsZero() {
		if remaining := req.Deadline.Sub(now); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	return timeout
}

// backoffFor computes the exponential retry backoff after the given
// attempt count, capped at BackoffMax.
func (s *Service) backoffFor(attempt int) time.Duration {
	backoff := s.config.BackoffBase
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= s.config.BackoffMax {
			return s.config.BackoffMax
		}
	}
	if backoff > s.config.BackoffMax {
		backoff = s.config.BackoffMax
	}
	return backoff
}

func deadlinePassed(req models.DecisionRequest, now time.Time) bool {
	return !req.Deadline.IsZero() && !now.Before(req.Deadline)
}

func errorKind(err error) string {
	if providers.IsTimeout(err) {
		return "timeout"
	}
	if services.IsMalformedOutputError(err) {
		return "malformed_output"
	}
	return "error"
}

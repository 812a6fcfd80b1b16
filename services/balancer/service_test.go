package balancer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentsim/decisiond/models"
	"github.com/agentsim/decisiond/services"
	"github.com/agentsim/decisiond/services/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProvider struct {
	name string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Complete(ctx context.Context, prompt string, opts providers.Options) (string, error) {
	return "", nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.ProviderOutcomeEvent
}

func (s *recordingSink) ConsumeOutcome(event models.ProviderOutcomeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		DisableBase:      5 * time.Second,
		DisableMax:       40 * time.Second,
		LatencyAlpha:     0.3,
		FailureWeight:    0.5,
	}
}

func newTestBalancer(t *testing.T) (*Service, *fakeClock) {
	t.Helper()
	s := NewService(testConfig(), zap.NewNop())
	clock := newFakeClock()
	s.SetClock(clock.Now)
	return s, clock
}

func TestRegisterAndDeregister(t *testing.T) {
	s, _ := newTestBalancer(t)

	require.NoError(t, s.Register(&fakeProvider{name: "p1"}))
	require.NoError(t, s.Register(&fakeProvider{name: "p2"}))
	assert.Equal(t, 2, s.Count())

	t.Run("rejects unnamed provider", func(t *testing.T) {
		err := s.Register(&fakeProvider{})
		require.Error(t, err)
		assert.True(t, services.IsValidationError(err))
	})

	t.Run("re-registering resets health state", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			s.ReportOutcome("p1", false, 10*time.Millisecond, "error")
		}
		require.NoError(t, s.Register(&fakeProvider{name: "p1"}))

		snap := s.Snapshot()
		require.Len(t, snap, 2)
		assert.Zero(t, snap[0].ConsecutiveFailures)
		assert.True(t, snap[0].Available)
	})

	t.Run("deregister removes provider", func(t *testing.T) {
		require.NoError(t, s.Deregister("p2"))
		assert.Equal(t, 1, s.Count())

		err := s.Deregister("p2")
		require.Error(t, err)
		assert.True(t, services.IsNotFoundError(err))
	})
}

func TestSelectWithNoProviders(t *testing.T) {
	s, _ := newTestBalancer(t)

	_, err := s.Select()
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrNoProviderAvailable)
}

func TestSelectPrefersLowerLatency(t *testing.T) {
	s, _ := newTestBalancer(t)
	require.NoError(t, s.Register(&fakeProvider{name: "fast"}))
	require.NoError(t, s.Register(&fakeProvider{name: "slow"}))

	s.ReportOutcome("fast", true, 20*time.Millisecond, "")
	s.ReportOutcome("slow", true, 400*time.Millisecond, "")

	for i := 0; i < 5; i++ {
		p, err := s.Select()
		require.NoError(t, err)
		assert.Equal(t, "fast", p.Name())
	}
}

func TestSelectPenalizesRecentFailures(t *testing.T) {
	s, _ := newTestBalancer(t)
	require.NoError(t, s.Register(&fakeProvider{name: "flaky"}))
	require.NoError(t, s.Register(&fakeProvider{name: "steady"}))

	// flaky is faster but failing; two failures stay below the disable
	// threshold yet push its score past steady's.
	s.ReportOutcome("flaky", true, 100*time.Millisecond, "")
	s.ReportOutcome("steady", true, 150*time.Millisecond, "")
	s.ReportOutcome("flaky", false, 100*time.Millisecond, "error")
	s.ReportOutcome("flaky", false, 100*time.Millisecond, "error")

	p, err := s.Select()
	require.NoError(t, err)
	assert.Equal(t, "steady", p.Name())
}

func TestSelectBreaksTiesLeastRecentlyUsed(t *testing.T) {
	s, clock := newTestBalancer(t)
	require.NoError(t, s.Register(&fakeProvider{name: "p1"}))
	require.NoError(t, s.Register(&fakeProvider{name: "p2"}))

	// Both score zero with no samples; selection must alternate.
	first, err := s.Select()
	require.NoError(t, err)
	clock.Advance(time.Millisecond)

	second, err := s.Select()
	require.NoError(t, err)
	assert.NotEqual(t, first.Name(), second.Name())

	clock.Advance(time.Millisecond)
	third, err := s.Select()
	require.NoError(t, err)
	assert.Equal(t, first.Name(), third.Name())
}

func TestFailureThresholdDisablesProvider(t *testing.T) {
	s, clock := newTestBalancer(t)
	require.NoError(t, s.Register(&fakeProvider{name: "p1"}))
	require.NoError(t, s.Register(&fakeProvider{name: "p2"}))

	for i := 0; i < 3; i++ {
		s.ReportOutcome("p1", false, 10*time.Millisecond, "timeout")
	}

	// Only p2 is selectable while p1 sits out its window.
	for i := 0; i < 5; i++ {
		p, err := s.Select()
		require.NoError(t, err)
		assert.Equal(t, "p2", p.Name())
		clock.Advance(time.Millisecond)
	}

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.False(t, snap[0].Available)
	assert.True(t, snap[1].Available)
}

func TestDisabledProviderRecoversAfterWindow(t *testing.T) {
	s, clock := newTestBalancer(t)
	require.NoError(t, s.Register(&fakeProvider{name: "p1"}))

	for i := 0; i < 3; i++ {
		s.ReportOutcome("p1", false, 10*time.Millisecond, "error")
	}

	_, err := s.Select()
	assert.ErrorIs(t, err, services.ErrNoProviderAvailable)

	// Past the window the provider is eligible again with no explicit
	// re-enable step.
	clock.Advance(5*time.Second + time.Millisecond)
	p, err := s.Select()
	require.NoError(t, err)
	assert.Equal(t, "p1", p.Name())

	// A success clears the failure streak entirely.
	s.ReportOutcome("p1", true, 10*time.Millisecond, "")
	snap := s.Snapshot()
	assert.Zero(t, snap[0].ConsecutiveFailures)
	assert.True(t, snap[0].Available)
}

func TestDisableWindowDoublesAndCaps(t *testing.T) {
	s, _ := newTestBalancer(t)

	assert.Equal(t, 5*time.Second, s.disableWindow(3))
	assert.Equal(t, 10*time.Second, s.disableWindow(4))
	assert.Equal(t, 20*time.Second, s.disableWindow(5))
	assert.Equal(t, 40*time.Second, s.disableWindow(6))
	assert.Equal(t, 40*time.Second, s.disableWindow(12))
}

func TestReportOutcomeSmoothsLatency(t *testing.T) {
	s, _ := newTestBalancer(t)
	require.NoError(t, s.Register(&fakeProvider{name: "p1"}))

	s.ReportOutcome("p1", true, 100*time.Millisecond, "")
	snap := s.Snapshot()
	assert.Equal(t, 100*time.Millisecond, snap[0].AverageLatency)

	// EWMA with alpha 0.3: 0.3*200 + 0.7*100 = 130.
	s.ReportOutcome("p1", true, 200*time.Millisecond, "")
	snap = s.Snapshot()
	assert.InDelta(t, float64(130*time.Millisecond), float64(snap[0].AverageLatency), float64(time.Microsecond))
}

func TestReportOutcomeForUnknownProviderIsDropped(t *testing.T) {
	s, _ := newTestBalancer(t)
	sink := &recordingSink{}
	s.AddOutcomeSink(sink)

	s.ReportOutcome("gone", true, time.Millisecond, "")
	assert.Zero(t, sink.count())
}

func TestOutcomeSinksReceiveEvents(t *testing.T) {
	s, _ := newTestBalancer(t)
	require.NoError(t, s.Register(&fakeProvider{name: "p1"}))

	first := &recordingSink{}
	second := &recordingSink{}
	s.AddOutcomeSink(first)
	s.AddOutcomeSink(second)

	s.ReportOutcome("p1", false, 42*time.Millisecond, "timeout")

	require.Equal(t, 1, first.count())
	require.Equal(t, 1, second.count())
	event := first.events[0]
	assert.Equal(t, "p1", event.Provider)
	assert.False(t, event.Success)
	assert.Equal(t, 42*time.Millisecond, event.Latency)
	assert.Equal(t, "timeout", event.ErrorKind)
}

func TestSnapshotSortedByName(t *testing.T) {
	s, _ := newTestBalancer(t)
	require.NoError(t, s.Register(&fakeProvider{name: "zeta"}))
	require.NoError(t, s.Register(&fakeProvider{name: "alpha"}))
	require.NoError(t, s.Register(&fakeProvider{name: "mid"}))

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "alpha", snap[0].Name)
	assert.Equal(t, "mid", snap[1].Name)
	assert.Equal(t, "zeta", snap[2].Name)
}

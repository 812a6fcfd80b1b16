package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentsim/decisiond/services/balancer"
	"github.com/agentsim/decisiond/services/contextbuilder"
	"github.com/agentsim/decisiond/services/normalizer"
	"github.com/agentsim/decisiond/services/prompt"
	"github.com/agentsim/decisiond/services/providers"
	"github.com/agentsim/decisiond/services/queue"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// cannedProvider returns a fixed completion; a non-nil gate makes each
// call wait for a release first.
type cannedProvider struct {
	name string
	text string
	gate chan struct{}
}

func (p *cannedProvider) Name() string { return p.name }

func (p *cannedProvider) Complete(ctx context.Context, promptText string, opts providers.Options) (string, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return p.text, nil
}

type testEnv struct {
	router   *chi.Mux
	queue    *queue.Service
	balancer *balancer.Service
	contexts *contextbuilder.Service
}

func newTestEnv(t *testing.T, provider providers.Provider, submitWait time.Duration) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	b := balancer.NewService(balancer.Config{}, logger)
	if provider != nil {
		require.NoError(t, b.Register(provider))
	}

	q := queue.NewService(queue.Config{
		MaxConcurrent:        2,
		RetryCeiling:         2,
		AttemptTimeout:       time.Second,
		BackoffBase:          time.Millisecond,
		BackoffMax:           5 * time.Millisecond,
		NoProviderRetryDelay: time.Millisecond,
	}, b, prompt.NewService(), normalizer.NewService(), logger)
	t.Cleanup(q.Close)

	contexts := contextbuilder.NewService(logger)

	decisionHandler := NewDecisionHandler(q, contexts, submitWait, logger)
	agentHandler := NewAgentHandler(contexts, logger)
	providerHandler := NewProviderHandler(b, nil, logger)

	r := chi.NewRouter()
	r.Post("/api/v1/decisions", decisionHandler.HandleSubmit)
	r.Delete("/api/v1/decisions/{agentID}", decisionHandler.HandleCancel)
	r.Post("/api/v1/agents", agentHandler.HandleRegister)
	r.Delete("/api/v1/agents/{agentID}", agentHandler.HandleRemove)
	r.Get("/api/v1/providers", providerHandler.HandleList)
	r.Get("/api/v1/providers/{name}/stats", providerHandler.HandleStats)

	return &testEnv{router: r, queue: q, balancer: b, contexts: contexts}
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

func submitBody(agentID string) map[string]interface{} {
	return map[string]interface{}{
		"agent_id": agentID,
		"priority": 5,
		"schema": map[string]interface{}{
			"name":     "next_action",
			"required": []string{"action"},
		},
	}
}

func TestHandleSubmit(t *testing.T) {
	t.Run("resolves decision", func(t *testing.T) {
		env := newTestEnv(t, &cannedProvider{name: "p1", text: `{"action":"move_north"}`}, time.Minute)
		env.contexts.Put("agent-1", "river to the east", nil)

		rec := env.do(t, http.MethodPost, "/api/v1/decisions", submitBody("agent-1"))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp DecisionResponse
		decodeData(t, rec, &resp)
		assert.Equal(t, "agent-1", resp.AgentID)
		assert.Equal(t, "p1", resp.ProviderUsed)
		assert.Equal(t, 1, resp.Attempts)
		assert.JSONEq(t, `{"action":"move_north"}`, string(resp.Payload))
		assert.NotEmpty(t, resp.RequestID)
	})

	t.Run("invalid JSON body", func(t *testing.T) {
		env := newTestEnv(t, &cannedProvider{name: "p1", text: "{}"}, time.Minute)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/decisions", bytes.NewReader([]byte("{not json")))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing agent_id fails validation", func(t *testing.T) {
		env := newTestEnv(t, &cannedProvider{name: "p1", text: "{}"}, time.Minute)

		body := submitBody("")
		rec := env.do(t, http.MethodPost, "/api/v1/decisions", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown agent", func(t *testing.T) {
		env := newTestEnv(t, &cannedProvider{name: "p1", text: "{}"}, time.Minute)

		rec := env.do(t, http.MethodPost, "/api/v1/decisions", submitBody("ghost"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("duplicate agent conflicts", func(t *testing.T) {
		gate := make(chan struct{})
		env := newTestEnv(t, &cannedProvider{name: "p1", text: `{"action":"wait"}`, gate: gate}, time.Minute)
		env.contexts.Put("agent-1", "obs", nil)

		firstDone := make(chan *httptest.ResponseRecorder, 1)
		go func() {
			firstDone <- env.do(t, http.MethodPost, "/api/v1/decisions", submitBody("agent-1"))
		}()

		require.Eventually(t, func() bool {
			return env.queue.PendingCount() == 1
		}, 2*time.Second, 5*time.Millisecond)

		rec := env.do(t, http.MethodPost, "/api/v1/decisions", submitBody("agent-1"))
		assert.Equal(t, http.StatusConflict, rec.Code)

		close(gate)
		select {
		case first := <-firstDone:
			assert.Equal(t, http.StatusOK, first.Code)
		case <-time.After(5 * time.Second):
			t.Fatal("first submit never returned")
		}
	})

	t.Run("malformed backend output maps to bad gateway", func(t *testing.T) {
		env := newTestEnv(t, &cannedProvider{name: "p1", text: "no json here"}, time.Minute)
		env.contexts.Put("agent-1", "obs", nil)

		rec := env.do(t, http.MethodPost, "/api/v1/decisions", submitBody("agent-1"))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("expired deadline maps to gateway timeout", func(t *testing.T) {
		env := newTestEnv(t, &cannedProvider{name: "p1", text: `{"action":"wait"}`, gate: make(chan struct{})}, time.Minute)
		env.contexts.Put("agent-1", "obs", nil)

		body := submitBody("agent-1")
		body["deadline_ms"] = 30
		rec := env.do(t, http.MethodPost, "/api/v1/decisions", body)
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	})

	t.Run("slow resolution returns accepted", func(t *testing.T) {
		gate := make(chan struct{})
		env := newTestEnv(t, &cannedProvider{name: "p1", text: `{"action":"wait"}`, gate: gate}, 30*time.Millisecond)
		env.contexts.Put("agent-1", "obs", nil)

		rec := env.do(t, http.MethodPost, "/api/v1/decisions", submitBody("agent-1"))
		assert.Equal(t, http.StatusAccepted, rec.Code)
		close(gate)
	})
}

func TestHandleCancel(t *testing.T) {
	t.Run("cancels queued decision", func(t *testing.T) {
		gate := make(chan struct{})
		env := newTestEnv(t, &cannedProvider{name: "p1", text: `{"action":"wait"}`, gate: gate}, 20*time.Millisecond)
		env.contexts.Put("agent-1", "obs", nil)

		rec := env.do(t, http.MethodPost, "/api/v1/decisions", submitBody("agent-1"))
		require.Equal(t, http.StatusAccepted, rec.Code)

		rec = env.do(t, http.MethodDelete, "/api/v1/decisions/agent-1", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]interface{}
		decodeData(t, rec, &resp)
		assert.Equal(t, "agent-1", resp["agent_id"])

		close(gate)
		assert.Eventually(t, func() bool {
			return env.queue.PendingCount() == 0
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("unknown agent reports nothing removed", func(t *testing.T) {
		env := newTestEnv(t, &cannedProvider{name: "p1", text: "{}"}, time.Minute)

		rec := env.do(t, http.MethodDelete, "/api/v1/decisions/nobody", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]interface{}
		decodeData(t, rec, &resp)
		assert.Equal(t, false, resp["removed_before_dispatch"])
	})
}

func TestHandleRegisterAgent(t *testing.T) {
	env := newTestEnv(t, &cannedProvider{name: "p1", text: "{}"}, time.Minute)

	t.Run("stores snapshot", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/agents", map[string]interface{}{
			"agent_id":    "agent-1",
			"observation": "a clearing",
			"state":       map[string]string{"hunger": "20"},
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, env.contexts.Count())
	})

	t.Run("rejects empty snapshot", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/agents", map[string]interface{}{
			"agent_id": "agent-2",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("remove drops snapshot", func(t *testing.T) {
		rec := env.do(t, http.MethodDelete, "/api/v1/agents/agent-1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Zero(t, env.contexts.Count())
	})
}

func TestHandleListProviders(t *testing.T) {
	env := newTestEnv(t, &cannedProvider{name: "p1", text: "{}"}, time.Minute)
	require.NoError(t, env.balancer.Register(&cannedProvider{name: "p2", text: "{}"}))

	rec := env.do(t, http.MethodGet, "/api/v1/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []ProviderHealthResponse
	decodeData(t, rec, &resp)
	require.Len(t, resp, 2)
	assert.Equal(t, "p1", resp[0].Name)
	assert.Equal(t, "p2", resp[1].Name)
	assert.True(t, resp[0].Available)
}

func TestHandleStatsWithoutAuditStore(t *testing.T) {
	env := newTestEnv(t, &cannedProvider{name: "p1", text: "{}"}, time.Minute)

	rec := env.do(t, http.MethodGet, "/api/v1/providers/p1/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

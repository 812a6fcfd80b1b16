package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/agentsim/decisiond/services/providers"
)

const defaultBaseURL = "http://localhost:11434"

// Adapter implements the Provider interface for an Ollama-compatible
// local model endpoint.
type Adapter struct {
	config     providers.Config
	httpClient *http.Client
}

// NewAdapter creates a new Ollama adapter
func NewAdapter(config providers.Config) *Adapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &Adapter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name returns the provider instance name
func (a *Adapter) Name() string {
	return a.config.Name
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`
}

// Complete sends the rendered prompt to the backend's /api/chat endpoint
// and returns the raw completion text.
func (a *Adapter) Complete(ctx context.Context, prompt string, opts providers.Options) (string, error) {
	req := chatRequest{
		Model: a.config.Model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Stream: false,
	}
	if opts.Temperature > 0 || opts.MaxTokens > 0 {
		req.Options = &chatOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", providers.NewProviderError(a.Name(), providers.CodeMarshal, "failed to marshal request", 0, false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", providers.NewProviderError(a.Name(), providers.CodeHTTP, "failed to create request", 0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range a.config.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return "", providers.NewProviderError(a.Name(), providers.CodeTimeout, "completion timed out", 0, true, err)
		}
		return "", providers.NewProviderError(a.Name(), providers.CodeHTTP, "completion request failed", 0, true, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", providers.NewProviderError(a.Name(), providers.CodeHTTP, "failed to read response", httpResp.StatusCode, true, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		retryable := httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests
		return "", providers.NewProviderError(a.Name(), providers.CodeBadStatus, "backend returned non-OK status", httpResp.StatusCode, retryable, nil)
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", providers.NewProviderError(a.Name(), providers.CodeUnmarshal, "failed to unmarshal response", httpResp.StatusCode, false, err)
	}
	if resp.Error != "" {
		return "", providers.NewProviderError(a.Name(), providers.CodeBadStatus, resp.Error, httpResp.StatusCode, true, nil)
	}
	if resp.Message.Content == "" {
		return "", providers.NewProviderError(a.Name(), providers.CodeEmptyResponse, "backend returned empty completion", httpResp.StatusCode, true, nil)
	}

	return resp.Message.Content, nil
}

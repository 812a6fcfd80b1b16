package openaicompat

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

// Adapter implements the Provider interface for any backend exposing an
// OpenAI-compatible /v1/chat/completions endpoint (vLLM, llama.cpp
// server, hosted gateways).
type Adapter struct {
	config     providers.Config
	httpClient *http.Client
}

// NewAdapter creates a new OpenAI-compatible adapter
func NewAdapter(config providers.Config) *Adapter {
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

type completionRequest struct {
	Model       string              `json:"model"`
	Messages    []completionMessage `json:"messages"`
	Temperature float64             `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionResponse struct {
	Choices []struct {
		Message      completionMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends the rendered prompt as a single user message and returns
// the first choice's content.
func (a *Adapter) Complete(ctx context.Context, prompt string, opts providers.Options) (string, error) {
	req := completionRequest{
		Model: a.config.Model,
		Messages: []completionMessage{
			{Role: "user", Content: prompt},
		},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", providers.NewProviderError(a.Name(), providers.CodeMarshal, "failed to marshal request", 0, false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", providers.NewProviderError(a.Name(), providers.CodeHTTP, "failed to create request", 0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}
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

	var resp completionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", providers.NewProviderError(a.Name(), providers.CodeUnmarshal, "failed to unmarshal response", httpResp.StatusCode, false, err)
	}
	if resp.Error != nil {
		return "", providers.NewProviderError(a.Name(), providers.CodeBadStatus, resp.Error.Message, httpResp.StatusCode, true, nil)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", providers.NewProviderError(a.Name(), providers.CodeEmptyResponse, "backend returned empty completion", httpResp.StatusCode, true, nil)
	}

	return resp.Choices[0].Message.Content, nil
}

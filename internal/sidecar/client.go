// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration options for the sidecar client.
type ClientConfig struct {
	// BaseURL is the llama-server base URL (default: http://127.0.0.1:8080)
	// Note: explicit IPv4 address instead of localhost to avoid IPv6
	// resolution issues on Windows.
	BaseURL string

	// Timeout for non-streaming requests (default: 30s)
	Timeout time.Duration

	// StreamTimeout for establishing streaming connections (default: 10s)
	StreamTimeout time.Duration

	// StallTimeout aborts a stream that stops producing chunks (default: 15s)
	StallTimeout time.Duration
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:       "http://127.0.0.1:8080",
		Timeout:       30 * time.Second,
		StreamTimeout: 10 * time.Second,
		StallTimeout:  15 * time.Second,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to a llama-server instance over its OpenAI-compatible HTTP
// API. Safe for concurrent use.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
}

// NewClient creates a sidecar client. A nil config uses the defaults; zero
// fields are filled in.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	def := DefaultClientConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.StreamTimeout <= 0 {
		config.StreamTimeout = def.StreamTimeout
	}
	if config.StallTimeout <= 0 {
		config.StallTimeout = def.StallTimeout
	}

	return &Client{
		config: config,
		// No overall timeout on the shared client: streams run as long
		// as they keep producing. Deadlines come from contexts and the
		// stall timer.
		httpClient: &http.Client{},
	}
}

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// =============================================================================
// HEALTH AND PROPS
// =============================================================================

// Health checks whether the server is up and has a model loaded.
// llama-server answers 200 on /health once ready and 503 while loading.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/health", nil)
	if err != nil {
		return wrapError(ErrTypeUnknown, "building health request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return wrapError(ErrTypeTimeout, "health check timed out", err)
		}
		return wrapError(ErrTypeNotRunning, "health check failed", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return wrapError(ErrTypeNotRunning, "server not ready: "+resp.Status, nil)
	}
	return nil
}

// ServerProps is the subset of llama-server /props this client cares about.
type ServerProps struct {
	ModelPath   string   `json:"model_path"`
	ContextSize int      `json:"n_ctx"`
	StopWords   []string `json:"antiprompt,omitempty"`
}

// Props fetches server properties: the loaded model path, its context size
// and any default stop sequences.
func (c *Client) Props(ctx context.Context) (*ServerProps, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/props", nil)
	if err != nil {
		return nil, wrapError(ErrTypeUnknown, "building props request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapError(ErrTypeNotRunning, "props request failed", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, wrapError(ErrTypeUpstream, "props request failed: "+resp.Status, nil)
	}

	// llama-server nests generation settings under default_generation_settings.
	var body struct {
		ModelPath                 string `json:"model_path"`
		DefaultGenerationSettings struct {
			NCtx       int      `json:"n_ctx"`
			Antiprompt []string `json:"antiprompt"`
		} `json:"default_generation_settings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, wrapError(ErrTypeInvalidResponse, "decoding props", err)
	}

	return &ServerProps{
		ModelPath:   body.ModelPath,
		ContextSize: body.DefaultGenerationSettings.NCtx,
		StopWords:   body.DefaultGenerationSettings.Antiprompt,
	}, nil
}

// =============================================================================
// CHAT COMPLETIONS
// =============================================================================

// ChatMessage is one prompt message in the chat-completions wire format.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a streaming chat-completions request.
type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream"`
}

// StreamChat POSTs the request with stream enabled and invokes onChunk for
// every delta until the stream finishes, the context is cancelled, or the
// stall timeout fires. A non-nil error from onChunk aborts the stream and is
// returned unchanged.
func (c *Client) StreamChat(ctx context.Context, chatReq ChatRequest, onChunk func(StreamChunk) error) error {
	chatReq.Stream = true
	payload, err := json.Marshal(chatReq)
	if err != nil {
		return wrapError(ErrTypeUnknown, "encoding chat request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return wrapError(ErrTypeUnknown, "building chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return wrapError(ErrTypeNotRunning, "chat request failed", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		// The error body is small and worth surfacing.
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return wrapError(ErrTypeUpstream, "chat request rejected: "+resp.Status+" "+string(detail), nil)
	}

	reader := NewStreamReader(resp.Body, c.config.StallTimeout)
	return reader.Process(ctx, onChunk)
}

// drainAndClose empties a response body so the connection can be reused.
func drainAndClose(r io.ReadCloser) {
	io.Copy(io.Discard, r)
	r.Close()
}

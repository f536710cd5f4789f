// Package openai calls the OpenAI-compatible upstream API with pool keys.
package openai

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keyfleet/keyfleet/internal/adapter/observability"
	"github.com/keyfleet/keyfleet/internal/domain"
)

// Client forwards chat-completion and model-list requests upstream using a
// caller-supplied key secret. Responses are returned unread so the dispatch
// layer can classify status codes and relay streaming bodies.
type Client struct {
	httpClient *http.Client
	chatURL    string
	modelsURL  string
}

// New builds a Client over a pooled transport. ResponseHeaderTimeout bounds
// the wait for upstream headers without cutting off streaming bodies, so no
// overall client timeout is set.
func New(chatURL, modelsURL string) *Client {
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{Transport: otelhttp.NewTransport(transport)},
		chatURL:    chatURL,
		modelsURL:  modelsURL,
	}
}

// ChatCompletions posts the raw request body upstream under the given secret.
// The caller owns the returned response body.
func (c *Client) ChatCompletions(ctx domain.Context, secret string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("op=openai.chat_completions: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	observability.UpstreamRequestDuration.WithLabelValues("chat_completions").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("op=openai.chat_completions: %w", err)
	}
	return resp, nil
}

// ListModels fetches the upstream model catalog under the given secret.
func (c *Client) ListModels(ctx domain.Context, secret string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.modelsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("op=openai.list_models: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	observability.UpstreamRequestDuration.WithLabelValues("list_models").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("op=openai.list_models: %w", err)
	}
	return resp, nil
}

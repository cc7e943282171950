// Package runware implements the provider.Upscaler interface against the
// Runware task API.
package runware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/pixlift/pixlift/internal/domain"
	"github.com/pixlift/pixlift/internal/provider"
)

// DefaultBaseURL is the Runware REST endpoint. The API accepts an array of
// tasks and returns an array of results keyed by task UUID.
const DefaultBaseURL = "https://api.runware.ai/v1"

// Client is an Upscaler backed by Runware.
type Client struct {
	apiKey  string
	baseURL string
	config  provider.Config
	client  *http.Client
	logger  *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (used by tests).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// New creates a Runware client.
func New(apiKey string, config provider.Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("runware API key is required")
	}
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		config:  config,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: provider.DefaultConfig().RequestTimeout}
	}
	return c, nil
}

func (c *Client) Name() domain.Provider {
	return domain.ProviderRunware
}

type apiTask struct {
	TaskType      string `json:"taskType"`
	TaskUUID      string `json:"taskUUID"`
	InputImage    string `json:"inputImage"`
	UpscaleFactor int    `json:"upscaleFactor"`
	OutputType    string `json:"outputType"`
}

type apiResponse struct {
	Data []struct {
		TaskUUID string `json:"taskUUID"`
		ImageURL string `json:"imageURL"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Upscale submits a single upscale task.
func (c *Client) Upscale(ctx context.Context, req provider.Request) (provider.Result, error) {
	return provider.DoWithRetry(ctx, c.config, c.logger, func(ctx context.Context) (provider.Result, error) {
		return c.upscaleOnce(ctx, req)
	})
}

func (c *Client) upscaleOnce(ctx context.Context, req provider.Request) (provider.Result, error) {
	body, err := json.Marshal([]apiTask{{
		TaskType:      "imageUpscale",
		TaskUUID:      uuid.NewString(),
		InputImage:    req.ImageURL,
		UpscaleFactor: req.Scale,
		OutputType:    "URL",
	}})
	if err != nil {
		return provider.Result{}, fmt.Errorf("marshal runware request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return provider.Result{}, fmt.Errorf("build runware request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return provider.Result{}, fmt.Errorf("runware request: %w", provider.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return provider.Result{}, fmt.Errorf("runware API status %d: %s: %w", resp.StatusCode, msg, provider.ErrUnavailable)
		}
		return provider.Result{}, fmt.Errorf("runware API status %d: %s", resp.StatusCode, msg)
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return provider.Result{}, fmt.Errorf("decode runware response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return provider.Result{}, fmt.Errorf("runware task error: %s", parsed.Errors[0].Message)
	}
	if len(parsed.Data) == 0 || parsed.Data[0].ImageURL == "" {
		return provider.Result{}, fmt.Errorf("runware returned no output URL")
	}
	return provider.Result{OutputURL: parsed.Data[0].ImageURL}, nil
}

// Package fal implements the provider.Upscaler interface against fal.ai.
package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/pixlift/pixlift/internal/domain"
	"github.com/pixlift/pixlift/internal/provider"
)

// DefaultBaseURL is the synchronous fal.ai inference endpoint.
const DefaultBaseURL = "https://fal.run"

// Model IDs per category. aura-sr handles photographic content; esrgan is
// better for line art and degraded sources.
var models = map[domain.Category]string{
	domain.CategoryClarity:     "fal-ai/aura-sr",
	domain.CategoryAnime:       "fal-ai/esrgan",
	domain.CategoryRestoration: "fal-ai/esrgan",
	domain.CategoryProduct:     "fal-ai/aura-sr",
	domain.CategoryPortrait:    "fal-ai/aura-sr",
}

const defaultModel = "fal-ai/aura-sr"

// modelFor returns the model ID for a category.
func modelFor(category domain.Category) string {
	if m, ok := models[category]; ok {
		return m
	}
	return defaultModel
}

// Client is an Upscaler backed by fal.ai.
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

// New creates a fal.ai client.
func New(apiKey string, config provider.Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("fal API key is required")
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
	return domain.ProviderFal
}

type apiRequest struct {
	ImageURL string `json:"image_url"`
	Scale    int    `json:"scale"`
	// aura-sr reads upscaling_factor; esrgan reads scale. Sending both is
	// harmless, unknown fields are ignored.
	UpscalingFactor int `json:"upscaling_factor"`
}

type apiImage struct {
	URL string `json:"url"`
}

type apiResponse struct {
	Image  *apiImage  `json:"image"`
	Images []apiImage `json:"images"`
}

// outputURL handles both response shapes fal models return.
func (r apiResponse) outputURL() string {
	if r.Image != nil && r.Image.URL != "" {
		return r.Image.URL
	}
	if len(r.Images) > 0 {
		return r.Images[0].URL
	}
	return ""
}

// Upscale runs the category's model synchronously.
func (c *Client) Upscale(ctx context.Context, req provider.Request) (provider.Result, error) {
	return provider.DoWithRetry(ctx, c.config, c.logger, func(ctx context.Context) (provider.Result, error) {
		return c.upscaleOnce(ctx, req)
	})
}

func (c *Client) upscaleOnce(ctx context.Context, req provider.Request) (provider.Result, error) {
	body, err := json.Marshal(apiRequest{
		ImageURL:        req.ImageURL,
		Scale:           req.Scale,
		UpscalingFactor: req.Scale,
	})
	if err != nil {
		return provider.Result{}, fmt.Errorf("marshal fal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s", c.baseURL, modelFor(req.Category))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return provider.Result{}, fmt.Errorf("build fal request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Key "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return provider.Result{}, fmt.Errorf("fal request: %w", provider.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return provider.Result{}, fmt.Errorf("fal API status %d: %s: %w", resp.StatusCode, msg, provider.ErrUnavailable)
		}
		return provider.Result{}, fmt.Errorf("fal API status %d: %s", resp.StatusCode, msg)
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return provider.Result{}, fmt.Errorf("decode fal response: %w", err)
	}
	outputURL := parsed.outputURL()
	if outputURL == "" {
		return provider.Result{}, fmt.Errorf("fal returned no output URL")
	}
	return provider.Result{OutputURL: outputURL}, nil
}

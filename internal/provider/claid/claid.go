// Package claid implements the provider.Upscaler interface against the
// Claid image enhancement API.
package claid

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

// DefaultBaseURL is the production Claid API endpoint.
const DefaultBaseURL = "https://api.claid.ai"

// Claid exposes specialized endpoints; portrait gets the face-aware model,
// everything else the general smart upscaler.
var endpoints = map[domain.Category]string{
	domain.CategoryPortrait: "/v1-beta1/image/upscale/portrait",
	domain.CategoryProduct:  "/v1-beta1/image/upscale/smart",
}

const defaultEndpoint = "/v1-beta1/image/upscale/smart"

// endpointFor returns the API path for a category.
func endpointFor(category domain.Category) string {
	if ep, ok := endpoints[category]; ok {
		return ep
	}
	return defaultEndpoint
}

// Client is an Upscaler backed by Claid.
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

// New creates a Claid client.
func New(apiKey string, config provider.Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("claid API key is required")
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
	return domain.ProviderClaid
}

// request/response shapes for the Claid API.
type apiRequest struct {
	Input  apiInput  `json:"input"`
	Output apiOutput `json:"output"`
}

type apiInput struct {
	ImageURL string `json:"image_url"`
}

type apiOutput struct {
	Image apiImage `json:"image"`
}

type apiImage struct {
	Format  apiFormat  `json:"format"`
	Upscale apiUpscale `json:"upscale"`
}

type apiFormat struct {
	Type    string `json:"type"`
	Quality int    `json:"quality"`
}

type apiUpscale struct {
	UpscalingFactor int `json:"upscaling_factor"`
}

type apiResponse struct {
	Data struct {
		Output struct {
			TmpURL string `json:"tmp_url"`
		} `json:"output"`
	} `json:"data"`
}

// Upscale submits the image to Claid's category-specific endpoint.
func (c *Client) Upscale(ctx context.Context, req provider.Request) (provider.Result, error) {
	return provider.DoWithRetry(ctx, c.config, c.logger, func(ctx context.Context) (provider.Result, error) {
		return c.upscaleOnce(ctx, req)
	})
}

func (c *Client) upscaleOnce(ctx context.Context, req provider.Request) (provider.Result, error) {
	body, err := json.Marshal(apiRequest{
		Input: apiInput{ImageURL: req.ImageURL},
		Output: apiOutput{
			Image: apiImage{
				Format:  apiFormat{Type: "jpeg", Quality: 95},
				Upscale: apiUpscale{UpscalingFactor: req.Scale},
			},
		},
	})
	if err != nil {
		return provider.Result{}, fmt.Errorf("marshal claid request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpointFor(req.Category), bytes.NewReader(body))
	if err != nil {
		return provider.Result{}, fmt.Errorf("build claid request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return provider.Result{}, fmt.Errorf("claid request: %w", provider.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return provider.Result{}, fmt.Errorf("claid API status %d: %s: %w", resp.StatusCode, msg, provider.ErrUnavailable)
		}
		return provider.Result{}, fmt.Errorf("claid API status %d: %s", resp.StatusCode, msg)
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return provider.Result{}, fmt.Errorf("decode claid response: %w", err)
	}
	if parsed.Data.Output.TmpURL == "" {
		return provider.Result{}, fmt.Errorf("claid returned no output URL")
	}
	return provider.Result{OutputURL: parsed.Data.Output.TmpURL}, nil
}

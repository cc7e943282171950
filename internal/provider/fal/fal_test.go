package fal

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixlift/pixlift/internal/domain"
	"github.com/pixlift/pixlift/internal/provider"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() provider.Config {
	return provider.Config{MaxRetries: 2, RetryBaseDelay: time.Millisecond}
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New("", testConfig(), discardLogger())
	require.Error(t, err)
}

func TestUpscaleModelPerCategory(t *testing.T) {
	tests := []struct {
		category  domain.Category
		wantModel string
	}{
		{domain.CategoryClarity, "/fal-ai/aura-sr"},
		{domain.CategoryPortrait, "/fal-ai/aura-sr"},
		{domain.CategoryProduct, "/fal-ai/aura-sr"},
		{domain.CategoryAnime, "/fal-ai/esrgan"},
		{domain.CategoryRestoration, "/fal-ai/esrgan"},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			var gotPath, gotAuth string
			var gotBody apiRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotAuth = r.Header.Get("Authorization")
				require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
				io.WriteString(w, `{"image":{"url":"https://fal.media/out.png"}}`)
			}))
			defer srv.Close()

			c, err := New("key-1", testConfig(), discardLogger(), WithBaseURL(srv.URL))
			require.NoError(t, err)

			result, err := c.Upscale(context.Background(), provider.Request{
				ImageURL: "https://example.com/in.jpg",
				Category: tt.category,
				Scale:    2,
			})
			require.NoError(t, err)

			assert.Equal(t, tt.wantModel, gotPath)
			assert.Equal(t, "Key key-1", gotAuth)
			assert.Equal(t, 2, gotBody.Scale)
			assert.Equal(t, 2, gotBody.UpscalingFactor)
			assert.Equal(t, "https://fal.media/out.png", result.OutputURL)
		})
	}
}

func TestUpscaleParsesImagesArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"images":[{"url":"https://fal.media/first.png"},{"url":"https://fal.media/second.png"}]}`)
	}))
	defer srv.Close()

	c, err := New("key-1", testConfig(), discardLogger(), WithBaseURL(srv.URL))
	require.NoError(t, err)

	result, err := c.Upscale(context.Background(), provider.Request{
		ImageURL: "https://example.com/in.jpg",
		Category: domain.CategoryAnime,
		Scale:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://fal.media/first.png", result.OutputURL)
}

func TestUpscaleRetriesOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, `{"image":{"url":"https://fal.media/out.png"}}`)
	}))
	defer srv.Close()

	c, err := New("key-1", testConfig(), discardLogger(), WithBaseURL(srv.URL))
	require.NoError(t, err)

	result, err := c.Upscale(context.Background(), provider.Request{
		ImageURL: "https://example.com/in.jpg",
		Category: domain.CategoryClarity,
		Scale:    4,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://fal.media/out.png", result.OutputURL)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUpscaleClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := New("key-1", testConfig(), discardLogger(), WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = c.Upscale(context.Background(), provider.Request{
		ImageURL: "https://example.com/in.jpg",
		Category: domain.CategoryClarity,
		Scale:    2,
	})
	require.Error(t, err)
	assert.False(t, provider.IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestUpscaleMissingOutputURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"images":[]}`)
	}))
	defer srv.Close()

	c, err := New("key-1", testConfig(), discardLogger(), WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = c.Upscale(context.Background(), provider.Request{
		ImageURL: "https://example.com/in.jpg",
		Category: domain.CategoryRestoration,
		Scale:    2,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no output URL")
}

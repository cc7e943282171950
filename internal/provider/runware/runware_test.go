package runware

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

	"github.com/google/uuid"
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

func TestUpscaleSubmitsTask(t *testing.T) {
	var gotAuth string
	var gotTasks []apiTask
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotTasks))
		io.WriteString(w, `{"data":[{"taskUUID":"`+gotTasks[0].TaskUUID+`","imageURL":"https://im.runware.ai/out.jpg"}]}`)
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

	assert.Equal(t, "Bearer key-1", gotAuth)
	require.Len(t, gotTasks, 1)
	assert.Equal(t, "imageUpscale", gotTasks[0].TaskType)
	assert.Equal(t, "https://example.com/in.jpg", gotTasks[0].InputImage)
	assert.Equal(t, 4, gotTasks[0].UpscaleFactor)
	assert.Equal(t, "URL", gotTasks[0].OutputType)
	_, err = uuid.Parse(gotTasks[0].TaskUUID)
	assert.NoError(t, err, "task UUID must be a valid UUID")
	assert.Equal(t, "https://im.runware.ai/out.jpg", result.OutputURL)
}

func TestUpscaleTaskErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.WriteString(w, `{"errors":[{"message":"unsupported image format"}]}`)
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
	assert.Contains(t, err.Error(), "unsupported image format")
	assert.False(t, provider.IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load(), "an in-band task error must not be retried")
}

func TestUpscaleRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var tasks []apiTask
		require.NoError(t, json.NewDecoder(r.Body).Decode(&tasks))
		io.WriteString(w, `{"data":[{"taskUUID":"`+tasks[0].TaskUUID+`","imageURL":"https://im.runware.ai/out.jpg"}]}`)
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
	assert.Equal(t, "https://im.runware.ai/out.jpg", result.OutputURL)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUpscaleEmptyDataIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[]}`)
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
	assert.Contains(t, err.Error(), "no output URL")
}

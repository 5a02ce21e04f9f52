package collaborators

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/constituent/constituent/internal/domain/action"
	"github.com/constituent/constituent/internal/domain/registry"
)

func TestWebhook_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("success returns body", func(t *testing.T) {
		var gotBody action.Params
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"post_id":"42"}`))
		}))
		defer server.Close()

		wh := NewWebhook(server.URL, nil, 5*time.Second, zerolog.Nop())
		result, err := wh.Execute(ctx, action.Params{"text": "gm"})
		require.NoError(t, err)
		assert.Equal(t, `{"post_id":"42"}`, result)
		assert.Equal(t, "gm", gotBody["text"])
	})

	t.Run("custom headers are forwarded", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		wh := NewWebhook(server.URL, map[string]string{"Authorization": "Bearer tok"}, 5*time.Second, zerolog.Nop())
		_, err := wh.Execute(ctx, action.Params{})
		require.NoError(t, err)
	})

	t.Run("429 maps to rate limit error with retry-after", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "90")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		wh := NewWebhook(server.URL, nil, 5*time.Second, zerolog.Nop())
		_, err := wh.Execute(ctx, action.Params{})
		require.Error(t, err)

		var rl *registry.RateLimitError
		require.True(t, errors.As(err, &rl))
		assert.Equal(t, 90*time.Second, rl.RetryAfter)
	})

	t.Run("429 without retry-after", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		wh := NewWebhook(server.URL, nil, 5*time.Second, zerolog.Nop())
		_, err := wh.Execute(ctx, action.Params{})

		var rl *registry.RateLimitError
		require.True(t, errors.As(err, &rl))
		assert.Equal(t, time.Duration(0), rl.RetryAfter)
	})

	t.Run("5xx is a plain failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer server.Close()

		wh := NewWebhook(server.URL, nil, 5*time.Second, zerolog.Nop())
		_, err := wh.Execute(ctx, action.Params{})
		require.Error(t, err)

		var rl *registry.RateLimitError
		assert.False(t, errors.As(err, &rl))
		assert.Contains(t, err.Error(), "500")
	})

	t.Run("context cancellation aborts the call", func(t *testing.T) {
		blocked := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-blocked
		}))
		defer server.Close()
		defer close(blocked)

		wh := NewWebhook(server.URL, nil, 5*time.Second, zerolog.Nop())
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := wh.Execute(cctx, action.Params{})
		assert.Error(t, err)
	})
}

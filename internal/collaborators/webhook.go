package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/constituent/constituent/internal/domain/action"
	"github.com/constituent/constituent/internal/domain/registry"
)

// Webhook is a generic collaborator: it POSTs the action params as JSON
// to a fixed URL. Platform wrappers (social posts, trades, repository
// writes) sit behind endpoints of this shape; the governance core only
// sees the registry.Executor contract.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  zerolog.Logger
}

// NewWebhook builds a webhook executor. The client timeout is a backstop;
// the governance core additionally enforces its own per-call timeout.
func NewWebhook(url string, headers map[string]string, timeout time.Duration, logger zerolog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Webhook{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("service", "collaborator").Str("url", url).Logger(),
	}
}

// Execute POSTs params to the collaborator endpoint. HTTP 429 maps to a
// registry.RateLimitError carrying the Retry-After hint; any other
// non-2xx status is a plain execution failure.
func (w *Webhook) Execute(ctx context.Context, params action.Params) (string, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to marshal params: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Constituent-Governor/1.0")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("collaborator request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	w.logger.Debug().
		Int("status_code", resp.StatusCode).
		Msg("collaborator call attempted")

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &registry.RateLimitError{
			RetryAfter: retryAfter(resp),
			Err:        fmt.Errorf("collaborator throttled: %s", string(respBody)),
		}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return string(respBody), nil
	}
	return "", fmt.Errorf("collaborator returned status %d: %s", resp.StatusCode, string(respBody))
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

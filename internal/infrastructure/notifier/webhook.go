package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/constituent/constituent/internal/domain/notify"
)

// Webhook is a notify.Notifier that POSTs events as JSON to a configured
// URL. Delivery is best effort: failures are logged and never propagate
// into the governance operation that produced the event.
type Webhook struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

func NewWebhook(url string, timeout time.Duration, logger zerolog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("service", "notifier").Str("sink", "webhook").Logger(),
	}
}

func (w *Webhook) Notify(ctx context.Context, event notify.Event) {
	body, err := json.Marshal(event)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to marshal event")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Constituent-Governor/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn().Err(err).Str("url", w.url).Msg("webhook notify failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.logger.Warn().
			Str("url", w.url).
			Int("status_code", resp.StatusCode).
			Msg("webhook notify rejected")
		return
	}
	w.logger.Debug().
		Str("kind", string(event.Kind)).
		Int("status_code", resp.StatusCode).
		Msg("webhook notify delivered")
}

package notifier

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/constituent/constituent/internal/domain/notify"
)

// Log is a notify.Notifier that writes events to the structured log.
// Always wired so governance events remain observable even with no
// operator client connected.
type Log struct {
	logger zerolog.Logger
}

func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("service", "notifier").Logger()}
}

func (l *Log) Notify(ctx context.Context, event notify.Event) {
	e := l.logger.Info().
		Str("kind", string(event.Kind)).
		Str("action_type", event.ActionType).
		Str("level", string(event.Level))
	if event.ActionID != nil {
		e = e.Int64("action_id", *event.ActionID)
	}
	if event.Status != "" {
		e = e.Str("status", event.Status)
	}
	e.Msg(event.Text)
}

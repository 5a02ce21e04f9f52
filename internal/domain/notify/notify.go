package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/constituent/constituent/internal/domain/action"
)

var (
	ErrClientNotFound = errors.New("SSE client not found")
	ErrChannelFull    = errors.New("SSE message channel full")
)

// Kind identifies the governance event being surfaced to a human.
type Kind string

const (
	KindPendingApproval Kind = "PENDING_APPROVAL"
	KindCompleted       Kind = "COMPLETED"
	KindFailed          Kind = "FAILED"
	KindExhausted       Kind = "RETRY_EXHAUSTED"
	KindExpired         Kind = "EXPIRED"
	KindRejected        Kind = "REJECTED"
	KindHumanOnly       Kind = "HUMAN_ONLY"
)

// Event is a governance notification. Delivery is best effort; a failed
// notification never fails the governance operation that produced it.
type Event struct {
	Kind       Kind         `json:"kind"`
	ActionID   *int64       `json:"actionId,omitempty"`
	ActionType string       `json:"actionType"`
	Level      action.Level `json:"level"`
	Status     string       `json:"status,omitempty"`
	Text       string       `json:"text"`
	At         time.Time    `json:"at"`
}

// FromAction builds an event describing an action's current state.
func FromAction(kind Kind, a *action.Action, text string, at time.Time) Event {
	id := a.ID
	return Event{
		Kind:       kind,
		ActionID:   &id,
		ActionType: a.ActionType,
		Level:      a.Level,
		Status:     string(a.Status),
		Text:       text,
		At:         at,
	}
}

// Notifier surfaces governance events to humans.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) {
	for _, n := range m {
		n.Notify(ctx, event)
	}
}

// SSEClient represents an active SSE connection.
type SSEClient struct {
	ClientID    string
	ConnectedAt time.Time
	MessageChan chan *SSEMessage
}

// NewSSEClient creates a new SSE client.
func NewSSEClient(clientID string) *SSEClient {
	return &SSEClient{
		ClientID:    clientID,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *SSEMessage, 100),
	}
}

func (c *SSEClient) Close() {
	close(c.MessageChan)
}

// SSEMessage represents a message to be sent via SSE.
type SSEMessage struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewSSEMessage creates a new SSE message.
func NewSSEMessage(event string, data json.RawMessage) *SSEMessage {
	return &SSEMessage{
		ID:        uuid.New().String(),
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// MessageFromEvent marshals an event into an SSE message.
func MessageFromEvent(event Event) (*SSEMessage, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return NewSSEMessage("governance", data), nil
}

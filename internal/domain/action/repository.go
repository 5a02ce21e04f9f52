package action

import (
	"context"
	"time"
)

// Repository defines the interface for action persistence. Every mutation
// is durably written before the call returns; on restart the stored state
// is the source of truth.
type Repository interface {
	// Create assigns the next monotonic ID and persists the action.
	Create(ctx context.Context, a *Action) error
	// GetByID returns the action or (nil, nil) when it does not exist.
	GetByID(ctx context.Context, id int64) (*Action, error)
	// List returns actions ordered by created_at ascending.
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Action, error)
	// Update persists the action only if its stored status still equals
	// expected, so concurrent writers cannot race a transition; returns
	// ErrConflict otherwise.
	Update(ctx context.Context, a *Action, expected Status) error

	// ListDueRetries returns RETRY_SCHEDULED actions with retry_at <= now.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*Action, error)
	// ListExpiredPending returns PENDING actions created before cutoff.
	ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]*Action, error)

	// State transition audit log.
	RecordTransition(ctx context.Context, tr *StateTransition) error
	GetTransitions(ctx context.Context, actionID int64) ([]*StateTransition, error)
}

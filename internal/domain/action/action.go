package action

import (
	"errors"
	"time"
)

// Level is the governance tier assigned to an action at creation.
type Level string

const (
	// LevelAutonomous actions execute immediately without human input.
	LevelAutonomous Level = "L1"
	// LevelCoDecision actions wait for one human approval before executing.
	LevelCoDecision Level = "L2"
	// LevelHumanOnly actions are never executed by the system; they are
	// surfaced to a human and nothing is persisted.
	LevelHumanOnly Level = "L3"
)

// ParseLevel converts a tier string ("L1", "L2", "L3") to a Level.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelAutonomous, LevelCoDecision, LevelHumanOnly:
		return Level(s), nil
	}
	return "", errors.New("invalid level: " + s)
}

// Status represents the lifecycle status of an action.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusApproved       Status = "APPROVED"
	StatusExecuting      Status = "EXECUTING"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusRejected       Status = "REJECTED"
	StatusExpired        Status = "EXPIRED"
	StatusRetryScheduled Status = "RETRY_SCHEDULED"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("action not found")
	ErrRetryExhausted    = errors.New("cannot retry: max retries exceeded or not in failed state")
	ErrConflict          = errors.New("action was modified concurrently")
)

// Params carries the operation arguments of an action. Values are
// JSON scalars (string, float64, bool) keyed by field name.
type Params map[string]interface{}

// Action is a proposed invocation of an external operation tracked
// through the approval/execution lifecycle.
type Action struct {
	ID             int64      `json:"id"`
	ActionType     string     `json:"actionType"`
	Params         Params     `json:"params"`
	Level          Level      `json:"level"`
	Status         Status     `json:"status"`
	RetryCount     int        `json:"retryCount"`
	MaxRetries     int        `json:"maxRetries"`
	Result         *string    `json:"result,omitempty"`
	LastError      *string    `json:"lastError,omitempty"`
	ApprovedBy     *string    `json:"approvedBy,omitempty"`
	RejectedReason *string    `json:"rejectedReason,omitempty"`
	TraceID        string     `json:"traceId"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExecutedAt     *time.Time `json:"executedAt,omitempty"`
	DecidedAt      *time.Time `json:"decidedAt,omitempty"`
	RetryAt        *time.Time `json:"retryAt,omitempty"`
}

// New creates an action in its initial state. L1 actions start out
// EXECUTING (implicitly approved); L2 actions start PENDING. L3 actions
// must never reach this constructor.
func New(actionType string, params Params, level Level, traceID string, maxRetries int, now time.Time) *Action {
	status := StatusPending
	if level == LevelAutonomous {
		status = StatusExecuting
	}
	return &Action{
		ActionType: actionType,
		Params:     params,
		Level:      level,
		Status:     status,
		MaxRetries: maxRetries,
		TraceID:    traceID,
		CreatedAt:  now,
	}
}

// CanTransitionTo checks if a transition to the target status is valid.
func (a *Action) CanTransitionTo(target Status) bool {
	transitions := map[Status][]Status{
		StatusPending:        {StatusApproved, StatusRejected, StatusExpired},
		StatusApproved:       {StatusExecuting},
		StatusExecuting:      {StatusCompleted, StatusFailed},
		StatusFailed:         {StatusRetryScheduled},
		StatusRetryScheduled: {StatusExecuting, StatusFailed},
		StatusCompleted:      {},
		StatusRejected:       {},
		StatusExpired:        {},
	}

	allowed, ok := transitions[a.Status]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == target {
			return true
		}
	}
	return false
}

// Approve records the approver and moves the action to APPROVED.
func (a *Action) Approve(by string, now time.Time) error {
	if !a.CanTransitionTo(StatusApproved) {
		return ErrInvalidTransition
	}
	a.Status = StatusApproved
	a.ApprovedBy = &by
	a.DecidedAt = &now
	return nil
}

// Reject records the reason and moves the action to terminal REJECTED.
func (a *Action) Reject(reason string, now time.Time) error {
	if !a.CanTransitionTo(StatusRejected) {
		return ErrInvalidTransition
	}
	a.Status = StatusRejected
	a.RejectedReason = &reason
	a.DecidedAt = &now
	return nil
}

// Expire moves an unanswered PENDING action to terminal EXPIRED.
func (a *Action) Expire(now time.Time) error {
	if !a.CanTransitionTo(StatusExpired) {
		return ErrInvalidTransition
	}
	a.Status = StatusExpired
	a.DecidedAt = &now
	return nil
}

// BeginExecution marks the start of a dispatch attempt. Valid from
// APPROVED (first attempt) and RETRY_SCHEDULED (retries, which increment
// the retry counter).
func (a *Action) BeginExecution(now time.Time) error {
	if !a.CanTransitionTo(StatusExecuting) {
		return ErrInvalidTransition
	}
	if a.Status == StatusRetryScheduled {
		a.RetryCount++
		a.RetryAt = nil
	}
	a.Status = StatusExecuting
	a.ExecutedAt = &now
	return nil
}

// Complete records a successful execution outcome.
func (a *Action) Complete(result string) error {
	if !a.CanTransitionTo(StatusCompleted) {
		return ErrInvalidTransition
	}
	a.Status = StatusCompleted
	a.Result = &result
	a.LastError = nil
	return nil
}

// Fail records an execution failure.
func (a *Action) Fail(errMsg string) error {
	if !a.CanTransitionTo(StatusFailed) {
		return ErrInvalidTransition
	}
	a.Status = StatusFailed
	a.LastError = &errMsg
	return nil
}

// CanRetry reports whether a failed action has retry budget left.
func (a *Action) CanRetry() bool {
	return a.Status == StatusFailed && a.RetryCount < a.MaxRetries
}

// ScheduleRetry moves a failed action to RETRY_SCHEDULED with the given
// next attempt time. Fails with ErrRetryExhausted once the retry budget
// is spent.
func (a *Action) ScheduleRetry(at time.Time) error {
	if !a.CanRetry() {
		return ErrRetryExhausted
	}
	a.Status = StatusRetryScheduled
	a.RetryAt = &at
	return nil
}

// Cancel terminates a RETRY_SCHEDULED action. The operator's identity is
// recorded in the error field; the action lands in terminal FAILED.
func (a *Action) Cancel(by string) error {
	if a.Status != StatusRetryScheduled {
		return ErrInvalidTransition
	}
	a.Status = StatusFailed
	msg := "cancelled by " + by
	a.LastError = &msg
	a.RetryAt = nil
	a.RetryCount = a.MaxRetries
	return nil
}

// IsTerminal returns true if no further transitions are possible.
func (a *Action) IsTerminal() bool {
	switch a.Status {
	case StatusCompleted, StatusRejected, StatusExpired:
		return true
	case StatusFailed:
		return !a.CanRetry()
	}
	return false
}

// StateTransition is an audit record of a single status change.
type StateTransition struct {
	ID             int64     `json:"id"`
	ActionID       int64     `json:"actionId"`
	FromStatus     *Status   `json:"fromStatus,omitempty"`
	ToStatus       Status    `json:"toStatus"`
	TransitionedAt time.Time `json:"transitionedAt"`
	Reason         *string   `json:"reason,omitempty"`
	Actor          *string   `json:"actor,omitempty"`
}

// NewStateTransition creates a transition record.
func NewStateTransition(actionID int64, from *Status, to Status, reason, actor *string, at time.Time) *StateTransition {
	return &StateTransition{
		ActionID:       actionID,
		FromStatus:     from,
		ToStatus:       to,
		TransitionedAt: at,
		Reason:         reason,
		Actor:          actor,
	}
}

// Filter narrows List queries.
type Filter struct {
	Status     *Status
	Level      *Level
	ActionType *string
	Since      *time.Time
	Until      *time.Time
}

package registry

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_executor.go -package=mocks . Executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/constituent/constituent/internal/domain/action"
)

var (
	ErrInvalidParams = errors.New("invalid params")
	ErrNoExecutor    = errors.New("no executor registered for action type")
)

// RateLimitError is a distinguished execution failure signalled by a
// collaborator that is throttling us. RetryAfter, when positive,
// overrides the default backoff for the next attempt.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return "rate limited: " + e.Err.Error()
	}
	return "rate limited"
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// Executor is the narrow contract every external collaborator implements.
// The core does not know what the call does; it only consumes the result.
type Executor interface {
	Execute(ctx context.Context, params action.Params) (string, error)
}

// FieldKind is the expected JSON kind of a param field.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
)

// Field declares one expected param of an executor.
type Field struct {
	Name     string
	Kind     FieldKind
	Required bool
}

// ParamSpec is the structural shape an executor expects its params in.
// Validation happens at proposal time, not at execution time.
type ParamSpec struct {
	Fields []Field
}

// Validate performs the structural check of params against the spec.
func (s ParamSpec) Validate(params action.Params) error {
	for _, f := range s.Fields {
		v, ok := params[f.Name]
		if !ok {
			if f.Required {
				return fmt.Errorf("%w: missing field %q", ErrInvalidParams, f.Name)
			}
			continue
		}
		if !kindMatches(f.Kind, v) {
			return fmt.Errorf("%w: field %q must be a %s", ErrInvalidParams, f.Name, f.Kind)
		}
	}
	return nil
}

func kindMatches(kind FieldKind, v interface{}) bool {
	switch kind {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case KindBool:
		_, ok := v.(bool)
		return ok
	}
	return false
}

// Registration binds an executor and its param spec to an action type.
type Registration struct {
	Executor Executor
	Spec     ParamSpec
}

// Registry maps action types to executors. Registrations happen at
// process start; lookups are concurrent with the scheduler loops.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

func New() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Register binds an executor to an action type, replacing any previous
// registration for the type.
func (r *Registry) Register(actionType string, exec Executor, spec ParamSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[actionType] = Registration{Executor: exec, Spec: spec}
}

// Lookup returns the registration for an action type.
func (r *Registry) Lookup(actionType string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[actionType]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %s", ErrNoExecutor, actionType)
	}
	return reg, nil
}

// ValidateParams runs the structural param check for an action type.
func (r *Registry) ValidateParams(actionType string, params action.Params) error {
	reg, err := r.Lookup(actionType)
	if err != nil {
		return err
	}
	return reg.Spec.Validate(params)
}

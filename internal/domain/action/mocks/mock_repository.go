package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/constituent/constituent/internal/domain/action"
)

// MockRepository is a mock implementation of action.Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, a *action.Action) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func (m *MockRepository) GetByID(ctx context.Context, id int64) (*action.Action, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*action.Action), args.Error(1)
}

func (m *MockRepository) List(ctx context.Context, filter action.Filter, limit, offset int) ([]*action.Action, error) {
	args := m.Called(ctx, filter, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*action.Action), args.Error(1)
}

func (m *MockRepository) Update(ctx context.Context, a *action.Action, expected action.Status) error {
	args := m.Called(ctx, a, expected)
	return args.Error(0)
}

func (m *MockRepository) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*action.Action, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*action.Action), args.Error(1)
}

func (m *MockRepository) ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]*action.Action, error) {
	args := m.Called(ctx, cutoff, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*action.Action), args.Error(1)
}

func (m *MockRepository) RecordTransition(ctx context.Context, tr *action.StateTransition) error {
	args := m.Called(ctx, tr)
	return args.Error(0)
}

func (m *MockRepository) GetTransitions(ctx context.Context, actionID int64) ([]*action.StateTransition, error) {
	args := m.Called(ctx, actionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*action.StateTransition), args.Error(1)
}

package governance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/constituent/constituent/internal/clock"
	domainAction "github.com/constituent/constituent/internal/domain/action"
	"github.com/constituent/constituent/internal/domain/notify"
	"github.com/constituent/constituent/internal/domain/policy"
	"github.com/constituent/constituent/internal/domain/registry"
)

// ErrHumanOnly is returned for L3 proposals: the system surfaces them to
// a human and never executes or persists them.
var ErrHumanOnly = errors.New("human-only action: surfaced for manual handling")

// Config holds the governance timing and retry policy.
type Config struct {
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	ApprovalTTL     time.Duration
	ExecutorTimeout time.Duration
}

// Service is the action governance core: it classifies proposals into
// tiers, walks approved actions through the execution state machine, and
// drives the retry and expiry sweeps.
type Service struct {
	repo       domainAction.Repository
	classifier *policy.Classifier
	registry   *registry.Registry
	notifier   notify.Notifier
	clock      clock.Clock
	cfg        Config
	logger     zerolog.Logger

	locks keyedLocks
}

// NewService wires the governance core. All collaborators are injected;
// the service holds no global state.
func NewService(
	repo domainAction.Repository,
	classifier *policy.Classifier,
	reg *registry.Registry,
	notifier notify.Notifier,
	clk clock.Clock,
	cfg Config,
	logger zerolog.Logger,
) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Minute
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = time.Hour
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = 24 * time.Hour
	}
	if cfg.ExecutorTimeout <= 0 {
		cfg.ExecutorTimeout = 30 * time.Second
	}
	return &Service{
		repo:       repo,
		classifier: classifier,
		registry:   reg,
		notifier:   notifier,
		clock:      clk,
		cfg:        cfg,
		logger:     logger.With().Str("service", "governance").Logger(),
	}
}

// Propose classifies an action and routes it by tier: L1 executes
// immediately, L2 is persisted as PENDING awaiting a decision, L3 is
// surfaced as a notification and rejected with ErrHumanOnly.
func (s *Service) Propose(ctx context.Context, actionType string, params domainAction.Params) (*domainAction.Action, error) {
	level, err := s.classifier.Classify(actionType, params)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if level == domainAction.LevelHumanOnly {
		s.notifier.Notify(ctx, notify.Event{
			Kind:       notify.KindHumanOnly,
			ActionType: actionType,
			Level:      level,
			Text:       fmt.Sprintf("action %q requires manual handling and was not queued", actionType),
			At:         now,
		})
		s.logger.Info().
			Str("action_type", actionType).
			Msg("human-only action surfaced")
		return nil, fmt.Errorf("%w: %s", ErrHumanOnly, actionType)
	}

	if err := s.registry.ValidateParams(actionType, params); err != nil {
		return nil, err
	}

	a := domainAction.New(actionType, params, level, uuid.New().String(), s.cfg.MaxRetries, now)
	if level == domainAction.LevelAutonomous {
		a.ExecutedAt = &now
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create action: %w", err)
	}
	s.recordTransition(ctx, a.ID, nil, a.Status, "action proposed", nil)

	s.logger.Info().
		Int64("action_id", a.ID).
		Str("action_type", actionType).
		Str("level", string(level)).
		Str("trace_id", a.TraceID).
		Msg("action created")

	if level == domainAction.LevelCoDecision {
		s.notify(ctx, notify.KindPendingApproval, a,
			fmt.Sprintf("action %d (%s) awaits approval", a.ID, actionType))
		return a, nil
	}

	// L1: dispatch synchronously from the caller's perspective.
	s.execute(ctx, a)
	return a, nil
}

// Approve is valid only from PENDING; it records the approver and
// dispatches immediately.
func (s *Service) Approve(ctx context.Context, id int64, approver string) (*domainAction.Action, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	a, err := s.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	from := a.Status
	if err := a.Approve(approver, now); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, a, from); err != nil {
		return nil, fmt.Errorf("failed to persist approval: %w", err)
	}
	s.recordTransition(ctx, a.ID, &from, a.Status, "approved", &approver)

	from = a.Status
	if err := a.BeginExecution(now); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, a, from); err != nil {
		return nil, fmt.Errorf("failed to persist execution start: %w", err)
	}
	s.recordTransition(ctx, a.ID, &from, a.Status, "dispatching", nil)

	s.execute(ctx, a)
	return a, nil
}

// Reject is valid only from PENDING and is terminal.
func (s *Service) Reject(ctx context.Context, id int64, reason string) (*domainAction.Action, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	a, err := s.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}

	from := a.Status
	if err := a.Reject(reason, s.clock.Now()); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, a, from); err != nil {
		return nil, fmt.Errorf("failed to persist rejection: %w", err)
	}
	s.recordTransition(ctx, a.ID, &from, a.Status, "rejected: "+reason, nil)
	s.notify(ctx, notify.KindRejected, a, fmt.Sprintf("action %d rejected: %s", a.ID, reason))
	return a, nil
}

// Cancel terminates a RETRY_SCHEDULED action; operator-triggered only.
func (s *Service) Cancel(ctx context.Context, id int64, operator string) (*domainAction.Action, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	a, err := s.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}

	from := a.Status
	if err := a.Cancel(operator); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, a, from); err != nil {
		return nil, fmt.Errorf("failed to persist cancellation: %w", err)
	}
	s.recordTransition(ctx, a.ID, &from, a.Status, "cancelled", &operator)
	s.notify(ctx, notify.KindFailed, a, fmt.Sprintf("action %d cancelled by %s", a.ID, operator))
	return a, nil
}

// Get retrieves an action by ID.
func (s *Service) Get(ctx context.Context, id int64) (*domainAction.Action, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %d", domainAction.ErrNotFound, id)
	}
	return a, nil
}

// List returns actions ordered by creation time ascending.
func (s *Service) List(ctx context.Context, filter domainAction.Filter, limit, offset int) ([]*domainAction.Action, error) {
	return s.repo.List(ctx, filter, limit, offset)
}

// Transitions returns the audit log of an action.
func (s *Service) Transitions(ctx context.Context, id int64) ([]*domainAction.StateTransition, error) {
	return s.repo.GetTransitions(ctx, id)
}

// ProcessDueRetries re-dispatches RETRY_SCHEDULED actions whose retry_at
// has passed. Renewed failures re-apply the retry policy. Runs on the
// retry scheduler tick.
func (s *Service) ProcessDueRetries(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	now := s.clock.Now()
	due, err := s.repo.ListDueRetries(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list due retries: %w", err)
	}
	processed := 0
	for _, stale := range due {
		if err := s.retryOne(ctx, stale.ID); err != nil {
			s.logger.Warn().Err(err).Int64("action_id", stale.ID).Msg("retry dispatch skipped")
			continue
		}
		processed++
	}
	return processed, nil
}

func (s *Service) retryOne(ctx context.Context, id int64) error {
	unlock := s.locks.lock(id)
	defer unlock()

	a, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if a.Status != domainAction.StatusRetryScheduled || a.RetryAt == nil || a.RetryAt.After(now) {
		return errors.New("not due")
	}

	from := a.Status
	if err := a.BeginExecution(now); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, a, from); err != nil {
		return err
	}
	s.recordTransition(ctx, a.ID, &from, a.Status,
		fmt.Sprintf("retry attempt %d/%d", a.RetryCount, a.MaxRetries), nil)

	s.execute(ctx, a)
	return nil
}

// ExpirePending transitions PENDING actions older than the approval
// window to terminal EXPIRED. Runs on the expiry sweeper tick.
func (s *Service) ExpirePending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	cutoff := s.clock.Now().Add(-s.cfg.ApprovalTTL)
	stale, err := s.repo.ListExpiredPending(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale pending actions: %w", err)
	}
	expired := 0
	for _, candidate := range stale {
		if err := s.expireOne(ctx, candidate.ID, cutoff); err != nil {
			s.logger.Warn().Err(err).Int64("action_id", candidate.ID).Msg("expiry skipped")
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, id int64, cutoff time.Time) error {
	unlock := s.locks.lock(id)
	defer unlock()

	a, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != domainAction.StatusPending || a.CreatedAt.After(cutoff) {
		return errors.New("not stale")
	}

	from := a.Status
	if err := a.Expire(s.clock.Now()); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, a, from); err != nil {
		return err
	}
	s.recordTransition(ctx, a.ID, &from, a.Status, "approval window elapsed", nil)
	s.notify(ctx, notify.KindExpired, a,
		fmt.Sprintf("action %d (%s) expired unanswered", a.ID, a.ActionType))
	return nil
}

// execute runs the collaborator call for an action already persisted as
// EXECUTING and applies the outcome. It never propagates an error: every
// failure lands on the action record.
func (s *Service) execute(ctx context.Context, a *domainAction.Action) {
	result, execErr := s.invoke(ctx, a)
	now := s.clock.Now()
	from := a.Status

	if execErr == nil {
		if err := a.Complete(result); err != nil {
			s.logger.Error().Err(err).Int64("action_id", a.ID).Msg("completion transition refused")
			return
		}
		if err := s.repo.Update(ctx, a, from); err != nil {
			s.logger.Error().Err(err).Int64("action_id", a.ID).Msg("failed to persist completion")
			return
		}
		s.recordTransition(ctx, a.ID, &from, a.Status, "executed", nil)
		s.notify(ctx, notify.KindCompleted, a,
			fmt.Sprintf("action %d (%s) completed", a.ID, a.ActionType))
		return
	}

	if err := a.Fail(execErr.Error()); err != nil {
		s.logger.Error().Err(err).Int64("action_id", a.ID).Msg("failure transition refused")
		return
	}
	failedAt := a.Status

	if a.CanRetry() {
		delay := s.backoff(a.RetryCount, execErr)
		if err := a.ScheduleRetry(now.Add(delay)); err != nil {
			s.logger.Error().Err(err).Int64("action_id", a.ID).Msg("retry transition refused")
		}
	}

	// Single durable write covers FAILED and, when scheduled, the hop to
	// RETRY_SCHEDULED; the transition log keeps both.
	if err := s.repo.Update(ctx, a, from); err != nil {
		s.logger.Error().Err(err).Int64("action_id", a.ID).Msg("failed to persist failure")
		return
	}
	s.recordTransition(ctx, a.ID, &from, failedAt, "execution failed: "+execErr.Error(), nil)

	if a.Status == domainAction.StatusRetryScheduled {
		s.recordTransition(ctx, a.ID, &failedAt, a.Status,
			fmt.Sprintf("retry scheduled for %s", a.RetryAt.Format(time.RFC3339)), nil)
		s.logger.Warn().
			Int64("action_id", a.ID).
			Int("retry_count", a.RetryCount).
			Time("retry_at", *a.RetryAt).
			Err(execErr).
			Msg("action failed, retry scheduled")
		return
	}

	s.logger.Error().
		Int64("action_id", a.ID).
		Int("retry_count", a.RetryCount).
		Err(execErr).
		Msg("action failed permanently")
	s.notify(ctx, notify.KindExhausted, a,
		fmt.Sprintf("action %d (%s) failed permanently after %d retries: %s",
			a.ID, a.ActionType, a.RetryCount, execErr))
}

// invoke calls the registered collaborator with a hard timeout and panic
// isolation. A collaborator that ignores its context cannot hang a loop.
func (s *Service) invoke(ctx context.Context, a *domainAction.Action) (string, error) {
	reg, err := s.registry.Lookup(a.ActionType)
	if err != nil {
		return "", err
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ExecutorTimeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{err: fmt.Errorf("executor panic: %v", rec)}
			}
		}()
		res, err := reg.Executor.Execute(cctx, a.Params)
		ch <- outcome{result: res, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-cctx.Done():
		return "", fmt.Errorf("executor timed out after %s", s.cfg.ExecutorTimeout)
	}
}

// backoff returns the delay before the next retry: the collaborator's
// suggested delay for rate limits, else base * 2^retryCount capped.
func (s *Service) backoff(retryCount int, execErr error) time.Duration {
	var rl *registry.RateLimitError
	if errors.As(execErr, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	delay := s.cfg.RetryBaseDelay << uint(retryCount)
	if delay > s.cfg.RetryMaxDelay || delay <= 0 {
		delay = s.cfg.RetryMaxDelay
	}
	return delay
}

func (s *Service) getLocked(ctx context.Context, id int64) (*domainAction.Action, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %d", domainAction.ErrNotFound, id)
	}
	return a, nil
}

func (s *Service) recordTransition(ctx context.Context, actionID int64, from *domainAction.Status, to domainAction.Status, reason string, actor *string) {
	tr := domainAction.NewStateTransition(actionID, from, to, &reason, actor, s.clock.Now())
	if err := s.repo.RecordTransition(ctx, tr); err != nil {
		s.logger.Warn().Err(err).Int64("action_id", actionID).Msg("failed to record state transition")
	}
}

func (s *Service) notify(ctx context.Context, kind notify.Kind, a *domainAction.Action, text string) {
	s.notifier.Notify(ctx, notify.FromAction(kind, a, text, s.clock.Now()))
}

// keyedLocks serializes mutations per action id so a retry-loop dispatch
// and a human decision on the same action cannot interleave.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func (k *keyedLocks) lock(id int64) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[int64]*sync.Mutex)
	}
	l, ok := k.locks[id]
	if !ok {
		l = &sync.Mutex{}
		k.locks[id] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Job is one unit of periodic work. Errors are logged, not propagated;
// a job must never stop the runner.
type Job func(ctx context.Context) error

// Runner drives named jobs on a fixed tick until its context is
// cancelled. Each job runs on its own goroutine-safe loop; a panicking
// or failing tick is isolated and the loop keeps going.
type Runner struct {
	interval time.Duration
	logger   zerolog.Logger

	mu   sync.Mutex
	jobs map[string]Job
	wg   sync.WaitGroup
}

// NewRunner creates a periodic runner with the given tick interval.
func NewRunner(interval time.Duration, logger zerolog.Logger) *Runner {
	return &Runner{
		interval: interval,
		logger:   logger.With().Str("service", "scheduler").Logger(),
		jobs:     make(map[string]Job),
	}
}

// Add registers a named job. Must be called before Start.
func (r *Runner) Add(name string, job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[name] = job
}

// Start launches one ticker loop per job and returns immediately.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, job := range r.jobs {
		r.wg.Add(1)
		go r.run(ctx, name, job)
	}
}

// Wait blocks until all job loops have exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, name string, job Job) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Str("job", name).Msg("job loop stopped")
			return
		case <-ticker.C:
			r.tick(ctx, name, job)
		}
	}
}

func (r *Runner) tick(ctx context.Context, name string, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("job", name).
				Str("panic", fmt.Sprint(rec)).
				Msg("job tick panicked")
		}
	}()
	if err := job(ctx); err != nil {
		r.logger.Warn().Err(err).Str("job", name).Msg("job tick failed")
	}
}

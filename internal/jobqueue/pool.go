package jobqueue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
)

// Task is a unit of detached work. The context is cancelled when the pool
// is released.
type Task func(ctx context.Context) error

// ErrorSink receives the failure of a detached task.
type ErrorSink func(name, key string, err error)

// LogErrors is the default sink; it reports failures through zerolog.
func LogErrors(name, key string, err error) {
	log.Error().Err(err).Str("task", name).Str("key", key).Msg("background task failed")
}

// Pool runs detached tasks on a bounded set of goroutines. A failed or
// panicking task is reported to the sink and never reaches the caller.
type Pool struct {
	pool   *ants.Pool
	sink   ErrorSink
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool creates a pool of size workers. A nil sink logs errors.
func NewPool(size int, sink ErrorSink) (*Pool, error) {
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create ants pool: %w", err)
	}
	if sink == nil {
		sink = LogErrors
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{pool: pool, sink: sink, ctx: ctx, cancel: cancel}, nil
}

// Submit schedules task. It blocks while every worker is busy and fails
// only when the pool has been released.
func (p *Pool) Submit(name, key string, task Task) error {
	err := p.pool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("task", name).Str("stack", string(debug.Stack())).Msg("background task panicked")
				p.sink(name, key, fmt.Errorf("panic: %v", r))
			}
		}()
		if err := task(p.ctx); err != nil {
			p.sink(name, key, err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to submit %s for %s: %w", name, key, err)
	}
	return nil
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Release stops accepting tasks and waits up to timeout for running ones.
// Tasks still running afterwards see their context cancelled.
func (p *Pool) Release(timeout time.Duration) error {
	defer p.cancel()
	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		return fmt.Errorf("worker pool did not drain within %s: %w", timeout, err)
	}
	return nil
}

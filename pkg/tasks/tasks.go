// Package tasks runs background work whose completion and failure stay
// observable. Callers get a Handle they can await, or detach from and let
// the runner's error hook see the outcome.
package tasks

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

var ErrRunnerClosed = errors.New("task runner is closed")

// Handle tracks one background task.
type Handle struct {
	name string
	done chan struct{}
	err  error
}

// Name returns the task name given at submission.
func (h *Handle) Name() string {
	return h.name
}

// Done is closed when the task finishes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task error. Valid only after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return h.err
	}
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithErrorHook installs a callback invoked for every failed task, after
// logging.
func WithErrorHook(hook func(name string, err error)) RunnerOption {
	return func(r *Runner) {
		r.onError = hook
	}
}

// Runner executes tasks on their own goroutines. Panics inside a task are
// converted to errors; they never escape to the process.
type Runner struct {
	log     zerolog.Logger
	wg      conc.WaitGroup
	onError func(name string, err error)

	mu     sync.Mutex
	closed bool
}

func NewRunner(log zerolog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{log: log}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Go schedules fn and returns a handle. After Close, tasks fail immediately
// with ErrRunnerClosed. Submission and close share a mutex, so an accepted
// task is always registered before Close starts waiting.
func (r *Runner) Go(name string, fn func() error) *Handle {
	h := &Handle{name: name, done: make(chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		h.err = ErrRunnerClosed
		close(h.done)
		r.log.Warn().Str("task", name).Msg("task rejected, runner closed")
		return h
	}
	defer r.mu.Unlock()

	r.wg.Go(func() {
		defer close(h.done)

		recovered := panics.Try(func() {
			h.err = fn()
		})
		if recovered != nil {
			h.err = recovered.AsError()
		}
		if h.err != nil {
			r.log.Error().Err(h.err).Str("task", name).Msg("background task failed")
			if r.onError != nil {
				r.onError(name, h.err)
			}
		}
	})

	return h
}

// Close stops accepting new tasks and waits for in-flight ones.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}

// Wait blocks until all currently scheduled tasks finish.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Package jobs runs named background work. Callers submit a function and get
// a Handle back; the runner owns the goroutine, recovers panics, and logs the
// outcome so a crashed job never takes the process down with it.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Handle tracks one submitted job.
type Handle struct {
	name string
	done chan struct{}

	mu  sync.Mutex
	err error
}

// Done returns a channel closed when the job finishes, however it ended.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the job's error. It is only meaningful after Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the job finishes or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return eris.Wrapf(ctx.Err(), "jobs: waiting for %s", h.name)
	}
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Runner executes submitted jobs on their own goroutines.
type Runner struct {
	wg sync.WaitGroup
}

// NewRunner creates a Runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Submit starts fn in the background. The job's context is the one passed
// here; cancellation is the caller's lever, the runner never cancels on its
// own.
func (r *Runner) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) *Handle {
	h := &Handle{name: name, done: make(chan struct{})}
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		start := time.Now()

		defer func() {
			if rec := recover(); rec != nil {
				err := eris.Errorf("jobs: %s panicked: %v", name, rec)
				zap.L().Error("background job panicked",
					zap.String("job", name),
					zap.Any("panic", rec),
				)
				h.finish(err)
			}
		}()

		err := fn(ctx)
		if err != nil {
			zap.L().Error("background job failed",
				zap.String("job", name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
		} else {
			zap.L().Info("background job finished",
				zap.String("job", name),
				zap.Duration("elapsed", time.Since(start)),
			)
		}
		h.finish(err)
	}()

	return h
}

// Shutdown waits for all in-flight jobs or until ctx expires.
func (r *Runner) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "jobs: shutdown")
	}
}

package pool

import (
	"context"
)

type job struct {
	ctx    context.Context
	task   Task
	future *Future
	stop   func() bool
}

// newJob derives the task context from the pool context so a forced Stop
// cancels it, and links it to the submitter's ctx.
func newJob(submitCtx, poolCtx context.Context, task Task) *job {
	ctx, cancel := context.WithCancel(poolCtx)
	stop := context.AfterFunc(submitCtx, cancel)
	return &job{
		ctx:  ctx,
		task: task,
		stop: stop,
		future: &Future{
			done:   make(chan struct{}),
			cancel: cancel,
		},
	}
}

func (j *job) finish(err error) {
	j.release()
	j.future.err = err
	close(j.future.done)
}

func (j *job) release() {
	j.stop()
	j.future.cancel()
}

// Future is the pending result of a submitted Task.
type Future struct {
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

// Done is closed when the task has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finishes or ctx is done. If ctx ends first, the
// task's context is cancelled and ctx.Err() is returned; the task may still
// be running at that point.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		f.cancel()
		return ctx.Err()
	}
}

// Err returns the task error once Done is closed, nil before that.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

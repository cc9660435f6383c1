package worker

import (
	"context"
	"fmt"
	"sync/atomic"
)

type JobType string

const (
	Run  JobType = "run"
	Stop JobType = "stop"
)

// Job is what travels from the dispatcher to a worker channel.
type Job struct {
	Type JobType
	task *task
}

const (
	taskPending int32 = iota
	taskRunning
	taskCanceled
)

// task wraps one submitted function. A task is claimed exactly once, either
// by a worker starting it or by its caller abandoning it while still queued.
type task struct {
	ctx   context.Context
	fn    func(context.Context) error
	state atomic.Int32
	done  chan error
}

func newTask(ctx context.Context, fn func(context.Context) error) *task {
	return &task{ctx: ctx, fn: fn, done: make(chan error, 1)}
}

func (t *task) start() bool {
	return t.state.CompareAndSwap(taskPending, taskRunning)
}

func (t *task) cancel() bool {
	return t.state.CompareAndSwap(taskPending, taskCanceled)
}

func (t *task) run() {
	if !t.start() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.done <- fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
	}()
	t.done <- t.fn(t.ctx)
}

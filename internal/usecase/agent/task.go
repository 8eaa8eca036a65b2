package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"swapmesh/internal/domain"
)

// taskContext tracks one running task or message.
type taskContext struct {
	ID        string
	Task      domain.Task
	StartTime time.Time
	retries   atomic.Int32
	ctx       context.Context
	cancel    context.CancelFunc
}

// RetryCount returns how many retries the task has used so far.
func (tc *taskContext) RetryCount() int { return int(tc.retries.Load()) }

func (b *Base) registerTask(parent context.Context, task domain.Task) (*taskContext, error) {
	if task.ID == "" {
		task.ID = domain.NewID()
	}
	ctx, cancel := context.WithCancel(parent)
	tc := &taskContext{ID: task.ID, Task: task, StartTime: time.Now(), ctx: ctx, cancel: cancel}

	b.taskMu.Lock()
	defer b.taskMu.Unlock()
	if _, exists := b.tasks[task.ID]; exists {
		cancel()
		return nil, domain.NewSubSystemError("agent", "Agent.registerTask", domain.ErrDuplicate, task.ID)
	}
	b.tasks[task.ID] = tc
	return tc, nil
}

// cleanupTask removes the task and releases its context. It runs on every
// exit path of a task.
func (b *Base) cleanupTask(id string) {
	b.taskMu.Lock()
	tc, ok := b.tasks[id]
	delete(b.tasks, id)
	b.taskMu.Unlock()
	if ok {
		tc.cancel()
	}
}

// ExecuteTask runs task through the behaviour with retry. It fails with
// ErrCapacity when every slot is busy and with ErrTaskTimeout when timeout
// elapses first; a zero timeout uses the agent timeout.
func (b *Base) ExecuteTask(ctx context.Context, task domain.Task, timeout time.Duration) (any, error) {
	if !b.slots.TryAcquire(1) {
		return nil, domain.NewSubSystemError("agent", "Agent.ExecuteTask", domain.ErrCapacity,
			fmt.Sprintf("%s: %d tasks running", b.cfg.ID, b.cfg.MaxConcurrentTasks))
	}
	defer b.slots.Release(1)

	tc, err := b.registerTask(ctx, task)
	if err != nil {
		return nil, err
	}
	defer b.cleanupTask(tc.ID)

	if timeout <= 0 {
		timeout = b.cfg.Timeout
	}
	tctx, cancel := context.WithTimeout(tc.ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		var value any
		err := b.withRetry(tctx, tc, func(ctx context.Context) error {
			v, err := b.behavior.HandleTask(ctx, tc.Task)
			value = v
			return err
		})
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		err := out.err
		if err != nil && tctx.Err() != nil {
			err = b.interruption(ctx, tctx, tc.ID, timeout)
		}
		b.recordOutcome(time.Since(start), err)
		return out.value, err
	case <-tctx.Done():
		err := b.interruption(ctx, tctx, tc.ID, timeout)
		b.recordOutcome(time.Since(start), err)
		return nil, err
	}
}

// interruption maps a finished task context to ErrTaskTimeout or ErrCancelled.
func (b *Base) interruption(parent, tctx context.Context, id string, timeout time.Duration) error {
	if errors.Is(tctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		err := domain.NewSubSystemError("agent", "Agent.ExecuteTask", domain.ErrTaskTimeout,
			fmt.Sprintf("task %s after %s", id, timeout))
		b.recordError(err)
		return err
	}
	return fmt.Errorf("task %s: %w", id, domain.ErrCancelled)
}

// CancelTask cancels a running task. It reports whether the task was found.
func (b *Base) CancelTask(id string) bool {
	b.taskMu.Lock()
	tc, ok := b.tasks[id]
	b.taskMu.Unlock()
	if ok {
		tc.cancel()
	}
	return ok
}

// ActiveTasks returns the ids of running tasks.
func (b *Base) ActiveTasks() []string {
	b.taskMu.Lock()
	defer b.taskMu.Unlock()
	ids := make([]string, 0, len(b.tasks))
	for id := range b.tasks {
		ids = append(ids, id)
	}
	return ids
}

func (b *Base) tasksInProgress() int {
	b.taskMu.Lock()
	defer b.taskMu.Unlock()
	return len(b.tasks)
}

package sim

import "fmt"

// TaskID identifies a task within one simulation. IDs are assigned in
// spawn order.
type TaskID uint64

// TaskStatus is the lifecycle state of a task.
type TaskStatus int

const (
	TaskRunnable TaskStatus = iota
	TaskPending
	TaskCompleted
	TaskCancelled
)

func (s TaskStatus) String() string {
	switch s {
	case TaskRunnable:
		return "runnable"
	case TaskPending:
		return "pending"
	case TaskCompleted:
		return "completed"
	case TaskCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
}

// TaskFunc is the body of a task. The returned error becomes the task's
// result; it is never treated as a scheduler failure.
type TaskFunc func(ctx *Context) error

type wakeReason int

const (
	wakeNone wakeReason = iota
	wakeReady
	wakeTimer
	wakeCancel
)

// Task is one cooperatively scheduled unit of work bound to a node.
// All fields are owned by the scheduler.
type Task struct {
	id     TaskID
	name   string
	node   *Node
	fn     TaskFunc
	status TaskStatus
	err    error

	// runnable-queue ordering
	key uint64
	seq uint64

	// token is bumped every time the task parks; wakers holding an older
	// token are stale.
	token uint64
	wake  wakeReason

	cancelRequested bool
	unwinding       bool

	resume  chan struct{}
	joiners []waiter
}

func (t *Task) terminal() bool {
	return t.status == TaskCompleted || t.status == TaskCancelled
}

func (t *Task) label() string {
	return fmt.Sprintf("%s#%d@%s", t.name, t.id, t.node.Name())
}

// waiter is a parked task together with the token it parked under.
type waiter struct {
	task  *Task
	token uint64
}

// TaskHandle is the spawner's reference to a task.
type TaskHandle struct {
	task  *Task
	sched *Scheduler
}

func (h *TaskHandle) ID() TaskID         { return h.task.id }
func (h *TaskHandle) Name() string       { return h.task.name }
func (h *TaskHandle) Node() *Node        { return h.task.node }
func (h *TaskHandle) Status() TaskStatus { return h.task.status }

// Done reports whether the task has completed or been cancelled.
func (h *TaskHandle) Done() bool {
	return h.task.terminal()
}

// Err returns the task's result. It is nil until the task is done, and
// ErrCancelled for a cancelled task.
func (h *TaskHandle) Err() error {
	return h.task.err
}

// Cancel marks the task Cancelled. Pending wake-ups targeting it are
// discarded; if the task had started, it unwinds through its deferred
// calls at its next scheduling turn. Cancelling the calling task itself
// unwinds it immediately.
func (h *TaskHandle) Cancel() {
	h.sched.cancel(h.task)
}

// Join suspends ctx's task until the handle's task is done and returns
// its result.
func (h *TaskHandle) Join(ctx *Context) error {
	t := h.task
	for !t.terminal() {
		reason := ctx.sched().block(ctx.task, func(token uint64) {
			t.joiners = append(t.joiners, waiter{task: ctx.task, token: token})
		}, noDeadline)
		if reason == wakeCancel {
			return ErrCancelled
		}
	}
	return t.err
}

package sim

import "time"

// Context is passed to every task body. It names the task and the node the
// task runs on, and through them every per-node facility, so no ambient
// lookup is needed.
type Context struct {
	sim  *Simulation
	task *Task
}

func newContext(sim *Simulation, t *Task) *Context {
	return &Context{sim: sim, task: t}
}

func (c *Context) sched() *Scheduler { return c.sim.sched }

// Simulation returns the simulation the task belongs to.
func (c *Context) Simulation() *Simulation { return c.sim }

// Task returns a handle to the calling task.
func (c *Context) Task() *TaskHandle {
	return &TaskHandle{task: c.task, sched: c.sim.sched}
}

func (c *Context) Node() *Node       { return c.task.node }
func (c *Context) Handles() *Handles { return c.task.node.handles }
func (c *Context) Net() *NetHandle   { return c.task.node.handles.Net }
func (c *Context) FS() *FileSystem   { return c.task.node.handles.FS }
func (c *Context) Clock() *ClockView { return c.task.node.handles.Clock }
func (c *Context) Rand() *Rand       { return c.task.node.handles.Rand }
func (c *Context) Now() Timestamp    { return c.sim.clock.Now() }
func (c *Context) Cancelled() bool   { return c.task.cancelRequested }

// Sleep suspends the task for d of virtual time. A non-positive d yields.
// Returns ErrCancelled if the task is being cancelled.
func (c *Context) Sleep(d time.Duration) error {
	return c.SleepUntil(c.Now().Add(d))
}

// SleepUntil suspends the task until the clock reaches ts. A timestamp at
// or before now yields.
func (c *Context) SleepUntil(ts Timestamp) error {
	if c.task.unwinding {
		return ErrCancelled
	}
	if ts <= c.Now() {
		c.Yield()
		return nil
	}
	if c.sched().block(c.task, nil, ts) == wakeCancel {
		return ErrCancelled
	}
	return nil
}

// Yield gives up the baton while staying runnable. The scheduling policy
// decides who runs next: under fifo every other runnable task goes first,
// under random the caller may be picked again straight away.
func (c *Context) Yield() {
	c.sched().yieldNow(c.task)
}

// Spawn starts fn as a new task on the caller's node.
func (c *Context) Spawn(name string, fn TaskFunc) *TaskHandle {
	return c.sched().spawn(c.task.node, name, fn)
}

// SpawnOn starts fn as a new task on node.
func (c *Context) SpawnOn(node *Node, name string, fn TaskFunc) *TaskHandle {
	return c.sched().spawn(node, name, fn)
}

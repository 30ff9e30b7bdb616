package sim

import (
	"container/heap"
	"fmt"
	"math/rand"
	"runtime"
	"runtime/debug"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/detsim/sim/trace"
)

// noDeadline marks a blocking call that only a waker can end.
const noDeadline Timestamp = -1

// Scheduler policy names.
const (
	// PolicyRandom orders runnable tasks by a key drawn from the seeded
	// scheduler stream, exploring a different legal interleaving per seed.
	PolicyRandom = "random"
	// PolicyFIFO runs tasks in the order they became runnable.
	PolicyFIFO = "fifo"
)

// ValidSchedulerPolicies is the set of recognized scheduler policy names.
var ValidSchedulerPolicies = map[string]bool{"": true, PolicyRandom: true, PolicyFIFO: true}

// yield is what a task goroutine hands back to the scheduler when it gives
// up the baton: either a suspension (the task registered its own wakers
// before yielding) or its exit.
type yield struct {
	task     *Task
	exited   bool
	panicked bool
	value    any
	stack    []byte
}

type stepResult int

const (
	stepRan stepResult = iota
	stepAdvanced
	stepIdle
	stepHorizon
)

// runQueue is a node's heap of runnable tasks ordered by (key, seq).
type runQueue []*Task

func (q runQueue) Len() int            { return len(q) }
func (q runQueue) Less(i, j int) bool  { return runsBefore(q[i], q[j]) }
func (q runQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *runQueue) Push(x interface{}) { *q = append(*q, x.(*Task)) }
func (q *runQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

func runsBefore(a, b *Task) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	return a.seq < b.seq
}

// Scheduler owns every task of a simulation and runs exactly one of them at
// a time. Each task body lives on its own goroutine, but a goroutine only
// executes between receiving on its resume channel and sending a yield, so
// the interleaving is a pure function of the seed and the task graph.
type Scheduler struct {
	sim      *Simulation
	policy   string
	seed     int64
	clock    *Clock
	rng      *rand.Rand
	registry *Registry
	events   *EventQueue
	horizon  Timestamp
	trace    *trace.SimulationTrace
	metrics  *Collector

	yields  chan yield
	current *Task
	live    map[TaskID]*Task

	nextTaskID  TaskID
	nextSeq     uint64
	nextEventID uint64
	steps       uint64

	fatal error
}

func newScheduler(sim *Simulation, policy string, seed int64, clock *Clock, rng *rand.Rand,
	registry *Registry, horizon Timestamp, tr *trace.SimulationTrace) *Scheduler {
	if policy == "" {
		policy = PolicyRandom
	}
	return &Scheduler{
		sim:      sim,
		policy:   policy,
		seed:     seed,
		clock:    clock,
		rng:      rng,
		registry: registry,
		events:   &EventQueue{},
		horizon:  horizon,
		trace:    tr,
		yields:   make(chan yield),
		live:     make(map[TaskID]*Task),
	}
}

// Steps returns the number of task turns executed so far.
func (s *Scheduler) Steps() uint64 {
	return s.steps
}

// Current returns the task presently holding the baton, or nil when the
// driver holds it.
func (s *Scheduler) Current() *Task {
	return s.current
}

// PendingEvents returns the number of queued events, stale ones included.
func (s *Scheduler) PendingEvents() int {
	return s.events.Len()
}

// LiveTasks returns the number of tasks that have not finished.
func (s *Scheduler) LiveTasks() int {
	return len(s.live)
}

func (s *Scheduler) spawn(node *Node, name string, fn TaskFunc) *TaskHandle {
	s.nextTaskID++
	t := &Task{
		id:     s.nextTaskID,
		name:   name,
		node:   node,
		fn:     fn,
		resume: make(chan struct{}),
	}
	h := &TaskHandle{task: t, sched: s}
	if node.killed {
		logrus.Debugf("sched: spawn %s on killed node %s dropped", name, node.Name())
		t.status = TaskCancelled
		t.err = ErrCancelled
		return h
	}
	s.live[t.id] = t
	node.tasks[t.id] = t
	s.metrics.IncSpawned()
	go s.run(t)
	s.makeRunnable(t)
	return h
}

// run is the body of a task goroutine.
func (s *Scheduler) run(t *Task) {
	defer func() {
		y := yield{task: t, exited: true}
		if r := recover(); r != nil {
			y.panicked = true
			y.value = r
			y.stack = debug.Stack()
		}
		s.yields <- y
	}()
	<-t.resume
	if t.cancelRequested {
		return
	}
	t.err = t.fn(newContext(s.sim, t))
}

func (s *Scheduler) makeRunnable(t *Task) {
	t.status = TaskRunnable
	s.nextSeq++
	t.seq = s.nextSeq
	if s.policy == PolicyFIFO {
		t.key = 0
	} else {
		t.key = s.rng.Uint64()
	}
	heap.Push(&t.node.runq, t)
}

// pickRunnable pops the runnable task with the smallest (key, seq) across
// all nodes. Nodes are scanned in registration order with a strict
// comparison, so the lowest-registered node wins an exact tie.
func (s *Scheduler) pickRunnable() *Task {
	var best *Node
	for _, n := range s.registry.Nodes() {
		if n.runq.Len() == 0 {
			continue
		}
		if best == nil || runsBefore(n.runq[0], best.runq[0]) {
			best = n
		}
	}
	if best == nil {
		return nil
	}
	return heap.Pop(&best.runq).(*Task)
}

// step runs one task turn, or, when nothing is runnable, advances the
// clock to the earliest live event and fires every event due at that
// instant. Tasks woken together then run in run-queue order.
func (s *Scheduler) step() (stepResult, error) {
	if t := s.pickRunnable(); t != nil {
		s.dispatch(t)
		if s.fatal != nil {
			return stepRan, s.fatal
		}
		return stepRan, nil
	}
	ts, ok := s.events.NextAt()
	if !ok {
		return stepIdle, nil
	}
	if s.horizon > 0 && ts > s.horizon {
		return stepHorizon, nil
	}
	s.clock.advanceTo(ts)
	s.metrics.SetVirtualTime(ts)
	for ev := s.events.PopAt(ts); ev != nil; ev = s.events.PopAt(ts) {
		ev.Execute(s)
	}
	return stepAdvanced, nil
}

// dispatch hands the baton to t and waits for it to come back.
func (s *Scheduler) dispatch(t *Task) {
	if t.status != TaskRunnable {
		panic(fmt.Sprintf("Scheduler: dispatching %s in state %s", t.label(), t.status))
	}
	s.current = t
	t.resume <- struct{}{}
	y := <-s.yields
	s.current = nil
	if y.task != t {
		panic(fmt.Sprintf("Scheduler: %s yielded while %s held the baton", y.task.label(), t.label()))
	}
	s.steps++
	s.metrics.IncSteps()

	outcome := "suspend"
	if y.exited {
		outcome = s.finish(t, y)
	}
	s.trace.RecordStep(trace.StepRecord{
		Step:    s.steps,
		Clock:   int64(s.clock.Now()),
		Node:    t.node.Name(),
		TaskID:  uint64(t.id),
		Task:    t.name,
		Outcome: outcome,
	})
}

func (s *Scheduler) finish(t *Task, y yield) string {
	delete(s.live, t.id)
	delete(t.node.tasks, t.id)
	switch {
	case y.panicked:
		t.status = TaskCompleted
		pe := &PanicError{
			Task:  t.label(),
			Node:  t.node.Name(),
			Seed:  s.seed,
			Value: y.value,
			Stack: y.stack,
		}
		t.err = pe
		if s.fatal == nil {
			s.fatal = pe
			logrus.Errorf("sched: %v\n%s", pe, y.stack)
		}
	case t.cancelRequested:
		t.status = TaskCancelled
		t.err = ErrCancelled
	default:
		t.status = TaskCompleted
	}
	logrus.Tracef("sched: %s finished as %s at %s", t.label(), t.status, s.clock.Now())
	s.metrics.IncFinished(t.status.String())
	joiners := t.joiners
	t.joiners = nil
	for _, w := range joiners {
		s.wake(w.task, w.token, wakeReady)
	}
	return t.status.String()
}

// block parks the running task t until a waker registered through register
// fires or deadline passes. During a cancellation unwind it returns
// wakeCancel at once without parking.
func (s *Scheduler) block(t *Task, register func(token uint64), deadline Timestamp) wakeReason {
	if t.unwinding {
		return wakeCancel
	}
	if t != s.current {
		panic(fmt.Sprintf("Scheduler: %s blocked without holding the baton", t.label()))
	}
	t.token++
	t.status = TaskPending
	t.wake = wakeNone
	if register != nil {
		register(t.token)
	}
	if deadline != noDeadline {
		s.events.Schedule(&WakeEvent{
			BaseEvent: s.newBaseEvent(deadline, EventTypeWake),
			task:      t,
			token:     t.token,
		})
	}
	return s.suspend(t)
}

// yieldNow puts the running task back on its run queue and gives up the
// baton.
func (s *Scheduler) yieldNow(t *Task) {
	if t.unwinding {
		return
	}
	s.makeRunnable(t)
	s.suspend(t)
}

func (s *Scheduler) suspend(t *Task) wakeReason {
	s.yields <- yield{task: t}
	<-t.resume
	if t.cancelRequested {
		if !t.unwinding {
			t.unwinding = true
			runtime.Goexit()
		}
		return wakeCancel
	}
	return t.wake
}

// wake makes t runnable if it is still parked under token. Reports
// whether the wake-up took effect.
func (s *Scheduler) wake(t *Task, token uint64, reason wakeReason) bool {
	if t.status != TaskPending || t.token != token {
		return false
	}
	t.wake = reason
	s.makeRunnable(t)
	return true
}

func (s *Scheduler) cancel(t *Task) {
	if t.terminal() || t.cancelRequested {
		return
	}
	t.cancelRequested = true
	if t == s.current {
		t.unwinding = true
		runtime.Goexit()
	}
	if t.status == TaskPending {
		// Invalidate every outstanding waker, then resume once to unwind.
		t.token++
		s.makeRunnable(t)
	}
}

func (s *Scheduler) newBaseEvent(ts Timestamp, typ EventType) BaseEvent {
	if now := s.clock.Now(); ts < now {
		ts = now
	}
	s.nextEventID++
	return BaseEvent{timestamp: ts, eventID: s.nextEventID, eventType: typ}
}

// at runs fn on the scheduler's thread when the clock reaches ts.
func (s *Scheduler) at(ts Timestamp, fn func()) {
	s.events.Schedule(&DeliverEvent{
		BaseEvent: s.newBaseEvent(ts, EventTypeDeliver),
		deliver:   fn,
	})
}

func (s *Scheduler) liveSorted() []*Task {
	return sortTasks(s.live)
}

func sortTasks(m map[TaskID]*Task) []*Task {
	tasks := make([]*Task, 0, len(m))
	for _, t := range m {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].id < tasks[j].id })
	return tasks
}

func (s *Scheduler) blockedLabels() []string {
	var labels []string
	for _, t := range s.liveSorted() {
		labels = append(labels, t.label())
	}
	return labels
}

// shutdown cancels every live task and drains them until no goroutine
// remains parked. Queued events are discarded.
func (s *Scheduler) shutdown() {
	for len(s.live) > 0 {
		for _, t := range s.liveSorted() {
			s.cancel(t)
		}
		for {
			t := s.pickRunnable()
			if t == nil {
				break
			}
			s.dispatch(t)
		}
	}
	s.events = &EventQueue{}
}

// recordFault notes an injected fault in the trace and metrics.
func (s *Scheduler) recordFault(kind, node, peer, detail string) {
	logrus.Debugf("fault: %s node=%s peer=%s %s at %s", kind, node, peer, detail, s.clock.Now())
	s.metrics.IncFault(kind)
	s.trace.RecordFault(trace.FaultRecord{
		Clock:  int64(s.clock.Now()),
		Kind:   kind,
		Node:   node,
		Peer:   peer,
		Detail: detail,
	})
}

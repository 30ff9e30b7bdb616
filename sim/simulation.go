package sim

import (
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/detsim/sim/trace"
)

// Simulation owns one independent simulated world: its registry of nodes,
// scheduler, clock, network and random streams. Simulations share no
// state, so several may run in the same process.
//
// A Simulation is driven from a single goroutine: call CreateNode, Spawn,
// Run, BlockOn and the fault-injection methods either from the driver or
// from inside a task, never concurrently.
type Simulation struct {
	cfg      Config
	rng      *PartitionedRNG
	clock    *Clock
	registry *Registry
	sched    *Scheduler
	net      *Network
	trace    *trace.SimulationTrace
	closed   bool
}

// New creates a Simulation from cfg.
func New(cfg Config) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.StartTime.IsZero() {
		cfg.StartTime = DefaultConfig().StartTime
	}
	s := &Simulation{cfg: cfg}
	s.rng = NewPartitionedRNG(NewSimulationKey(cfg.Seed))
	s.clock = NewClock(cfg.StartTime)
	s.trace = trace.NewSimulationTrace(trace.TraceConfig{Level: cfg.Trace, Seed: cfg.Seed})
	s.registry = NewRegistry(s.buildNode)
	s.sched = newScheduler(s, cfg.Scheduler, cfg.Seed, s.clock, s.rng.ForSubsystem(SubsystemScheduler),
		s.registry, Timestamp(cfg.Horizon), s.trace)
	s.net = newNetwork(cfg.Net, s.sched, s.rng, s.registry)
	logrus.Infof("sim: new simulation seed=%d scheduler=%s horizon=%v", cfg.Seed, s.sched.policy, cfg.Horizon)
	return s, nil
}

func (s *Simulation) buildNode(id NodeID, addr netip.Addr) *Node {
	n := &Node{id: id, addr: addr, tasks: make(map[TaskID]*Task)}
	name := addr.String()
	n.handles = &Handles{
		Node:  n,
		Net:   newNetHandle(s.net, n),
		FS:    newFileSystem(n, s.sched, s.cfg.FS, s.rng.ForSubsystem(SubsystemFS(name))),
		Clock: &ClockView{clock: s.clock},
		Rand:  newRand(s.rng.ForSubsystem(SubsystemNode(name))),
	}
	logrus.Debugf("sim: node %d at %s", id, name)
	return n
}

// CreateNode registers a node at the IP address addr. Panics on a
// malformed or duplicate address.
func (s *Simulation) CreateNode(addr string) *Node {
	return s.registry.Register(addr)
}

// Node returns the node registered at addr.
func (s *Simulation) Node(addr string) (*Node, bool) {
	h, ok := s.registry.Lookup(addr)
	if !ok {
		return nil, false
	}
	return h.Node, true
}

// Spawn starts fn as a task on node. The task first runs when the
// simulation is driven.
func (s *Simulation) Spawn(node *Node, name string, fn TaskFunc) *TaskHandle {
	return s.sched.spawn(node, name, fn)
}

// Run drives the simulation until no task is runnable and no event is
// pending, or until the configured horizon. Tasks still parked at that
// point are left as they are. A task panic aborts the run with a
// *PanicError.
func (s *Simulation) Run() error {
	return s.drive("", nil)
}

// BlockOn spawns fn on node and drives the simulation until it finishes,
// returning its error. If every task is parked with no pending event first,
// it returns a *DeadlockError; if the horizon passes first, an error
// wrapping ErrTimeout.
func (s *Simulation) BlockOn(node *Node, name string, fn TaskFunc) error {
	h := s.Spawn(node, name, fn)
	if err := s.drive(name, h.Done); err != nil {
		return err
	}
	return h.Err()
}

func (s *Simulation) drive(name string, done func() bool) error {
	if s.sched.fatal != nil {
		return s.sched.fatal
	}
	for {
		if done != nil && done() {
			return nil
		}
		res, err := s.sched.step()
		if err != nil {
			logrus.Errorf("sim: aborting at %s after %d steps", s.clock.Now(), s.sched.steps)
			s.sched.shutdown()
			return err
		}
		switch res {
		case stepIdle:
			if done == nil {
				logrus.Infof("sim: quiescent at %s after %d steps", s.clock.Now(), s.sched.steps)
				return nil
			}
			return &DeadlockError{Clock: s.clock.Now(), Blocked: s.sched.blockedLabels()}
		case stepHorizon:
			logrus.Infof("sim: horizon %v reached after %d steps", s.cfg.Horizon, s.sched.steps)
			if done == nil {
				return nil
			}
			return opErr("block_on", name, ErrTimeout)
		}
	}
}

// Close cancels every live task in task-ID order and waits for each to
// unwind. The simulation cannot be driven afterwards.
func (s *Simulation) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.sched.shutdown()
	logrus.Debugf("sim: closed at %s", s.clock.Now())
}

// Kill crashes node: its endpoints and connections are torn down and every
// task on it is cancelled. Its filesystem survives. Spawning on a killed
// node yields an already-cancelled task until Restart. Killing the node of
// the calling task unwinds the caller last.
func (s *Simulation) Kill(node *Node) {
	if node.killed {
		return
	}
	node.killed = true
	s.sched.recordFault("kill", node.Name(), "", "")
	logrus.Infof("sim: kill %s at %s", node, s.clock.Now())
	node.handles.Net.closeAll()
	self := s.sched.current
	for _, t := range sortTasks(node.tasks) {
		if t != self {
			s.sched.cancel(t)
		}
	}
	if self != nil && self.node == node {
		s.sched.cancel(self)
	}
}

// Restart lets a killed node accept new tasks again.
func (s *Simulation) Restart(node *Node) {
	if !node.killed {
		return
	}
	node.killed = false
	logrus.Infof("sim: restart %s at %s", node, s.clock.Now())
}

// PowerFail crashes node as Kill does and additionally reverts its
// filesystem to the last synced state.
func (s *Simulation) PowerFail(node *Node) {
	node.handles.FS.PowerFail()
	s.Kill(node)
}

// Current returns the handles of the node whose task is executing, or
// false when called from the driver.
func (s *Simulation) Current() (*Handles, bool) {
	t := s.sched.current
	if t == nil {
		return nil, false
	}
	return t.node.handles, true
}

// RegisterMetrics starts reporting to reg (the default registry when nil).
func (s *Simulation) RegisterMetrics(reg prometheus.Registerer) error {
	c, err := NewCollector(reg)
	if err != nil {
		return err
	}
	s.sched.metrics = c
	c.SetVirtualTime(s.clock.Now())
	return nil
}

func (s *Simulation) Config() Config                { return s.cfg }
func (s *Simulation) Seed() int64                   { return s.cfg.Seed }
func (s *Simulation) Now() Timestamp                { return s.clock.Now() }
func (s *Simulation) Clock() *Clock                 { return s.clock }
func (s *Simulation) Network() *Network             { return s.net }
func (s *Simulation) Registry() *Registry           { return s.registry }
func (s *Simulation) Scheduler() *Scheduler         { return s.sched }
func (s *Simulation) Trace() *trace.SimulationTrace { return s.trace }

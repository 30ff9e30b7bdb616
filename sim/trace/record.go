// Package trace provides execution-trace recording for simulation runs.
// This package has no dependencies on sim/; it stores pure data types.
package trace

// StepRecord captures a single task turn taken by the scheduler.
type StepRecord struct {
	Step    uint64
	Clock   int64 // virtual nanoseconds
	Node    string
	TaskID  uint64
	Task    string
	Outcome string // "suspend", "completed" or "cancelled"
}

// FaultRecord captures a single injected fault.
type FaultRecord struct {
	Clock  int64
	Kind   string // e.g. "partition", "loss", "kill", "power-fail", "fs-timeout"
	Node   string
	Peer   string // empty unless the fault involves a second node
	Detail string
}

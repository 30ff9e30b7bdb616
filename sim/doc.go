// Package sim provides a deterministic simulation substrate for distributed
// systems code: simulated nodes, a cooperative scheduler, virtual time, a
// virtual network, per-node in-memory filesystems and seeded randomness.
// A run is a pure function of its seed and its task graph.
//
// # Reading Guide
//
// Start with these files to understand the kernel:
//   - simulation.go: Simulation lifecycle (New, CreateNode, Spawn, Run, BlockOn) and fault injection
//   - scheduler.go: the baton-passing scheduler, run queues and the idle clock advance
//   - context.go: what a task body sees (node handles, Sleep, Yield, Spawn)
//
// # Architecture
//
// Each task body runs on its own goroutine, but the scheduler hands control
// to exactly one of them at a time and waits for it to suspend or exit.
// Suspension points are network sends and receives, filesystem calls, Sleep,
// Yield and Join. When no task is runnable, the scheduler advances the
// virtual clock to the earliest pending event in the EventQueue and fires
// everything due at that instant.
//
// Per-node facilities are reached through Handles:
//   - NetHandle / Endpoint / Sender / Receiver: connections and datagrams
//     with sampled latency, loss and partitions (net.go, net_conn.go)
//   - FileSystem / File: byte-buffer files with power-loss semantics (fs.go)
//   - ClockView: read-only virtual clock (clock.go)
//   - Rand: the node's seeded random stream (rng.go)
//
// Random streams are partitioned by subsystem name so that fault sampling,
// scheduling order and application randomness never perturb one another.
//
// # Observability
//
// Execution traces live in sim/trace; Prometheus metrics are reported by a
// Collector attached with Simulation.RegisterMetrics. Simulation.Digest
// hashes the final state for determinism checks.
package sim

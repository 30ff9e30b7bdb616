package sim

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// === SimulationKey ===

// SimulationKey uniquely identifies a reproducible simulation run.
// Two simulations with the same SimulationKey and identical task graphs
// MUST produce bit-for-bit identical results.
type SimulationKey int64

// NewSimulationKey creates a SimulationKey from a seed value.
func NewSimulationKey(seed int64) SimulationKey {
	return SimulationKey(seed)
}

// === Subsystem Constants ===

const (
	// SubsystemScheduler draws the tie-break keys of runnable tasks.
	SubsystemScheduler = "scheduler"
)

// SubsystemNode returns the subsystem name of a node's application stream.
func SubsystemNode(node string) string {
	return "node/" + node
}

// SubsystemNet returns the subsystem name used to sample latency and loss
// for messages sent from node.
func SubsystemNet(node string) string {
	return "net/" + node
}

// SubsystemFS returns the subsystem name used to sample filesystem latency
// and injected timeouts on node.
func SubsystemFS(node string) string {
	return "fs/" + node
}

// === PartitionedRNG ===

// PartitionedRNG provides deterministic, isolated RNG instances per subsystem.
//
// Derivation formula: masterSeed XOR xxhash64(subsystemName). The derivation
// depends only on the name, so the order in which subsystems are first
// requested does not change any stream.
//
// Thread-safety: NOT thread-safe. Only the goroutine holding the scheduler
// baton may call it.
type PartitionedRNG struct {
	key        SimulationKey
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a SimulationKey.
func NewPartitionedRNG(key SimulationKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:        key,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns a deterministically-seeded RNG for the named subsystem.
// The same subsystem name always returns the same *rand.Rand instance (cached).
// Never returns nil.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(p.deriveSeed(name)))
	p.subsystems[name] = rng
	return rng
}

// Key returns the SimulationKey used to create this PartitionedRNG.
func (p *PartitionedRNG) Key() SimulationKey {
	return p.key
}

func (p *PartitionedRNG) deriveSeed(name string) int64 {
	return int64(p.key) ^ int64(xxhash.Sum64String(name))
}

// === Rand ===

// Rand is a node-scoped random stream handed to task code.
type Rand struct {
	r *rand.Rand
}

func newRand(r *rand.Rand) *Rand {
	return &Rand{r: r}
}

func (r *Rand) Uint32() uint32       { return r.r.Uint32() }
func (r *Rand) Uint64() uint64       { return r.r.Uint64() }
func (r *Rand) Float32() float32     { return r.r.Float32() }
func (r *Rand) Float64() float64     { return r.r.Float64() }
func (r *Rand) Intn(n int) int       { return r.r.Intn(n) }
func (r *Rand) Int63n(n int64) int64 { return r.r.Int63n(n) }

// Bernoulli reports true with probability p. p <= 0 never consumes the
// stream, so disabled faults leave sequences untouched.
func (r *Rand) Bernoulli(p float64) bool {
	return bernoulli(r.r, p)
}

// Duration returns a uniform duration in [min, max]. Returns min when
// max <= min.
func (r *Rand) Duration(min, max time.Duration) time.Duration {
	return uniformDuration(r.r, min, max)
}

// Read fills p with random bytes. It never fails.
func (r *Rand) Read(p []byte) (int, error) {
	for i := 0; i < len(p); i += 8 {
		v := r.r.Uint64()
		for j := 0; j < 8 && i+j < len(p); j++ {
			p[i+j] = byte(v >> (8 * j))
		}
	}
	return len(p), nil
}

// UUID returns a version 4 UUID drawn from the node stream.
func (r *Rand) UUID() uuid.UUID {
	id, err := uuid.NewRandomFromReader(r)
	if err != nil {
		// Read never fails.
		panic(fmt.Sprintf("uuid from simulated rand: %v", err))
	}
	return id
}

// DefaultIDAttempts bounds UniqueID when callers pass a non-positive limit.
const DefaultIDAttempts = 16

// UniqueID draws identifiers until one is not taken, giving up after
// maxAttempts draws with an error wrapping ErrAlreadyExists.
func (r *Rand) UniqueID(taken func(id string) bool, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultIDAttempts
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id := r.UUID().String()
		if taken == nil || !taken(id) {
			return id, nil
		}
	}
	return "", fmt.Errorf("unique id: %d attempts collided: %w", maxAttempts, ErrAlreadyExists)
}

func bernoulli(r *rand.Rand, p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return r.Float64() < p
}

func uniformDuration(r *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(r.Int63n(int64(max-min)+1))
}

package sim

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/detsim/sim/trace"
)

// kvWorkload runs a small replicated log: a leader on node 1 receives
// writes from clients on nodes 2 and 3, appends each to a file, syncs, and
// acknowledges. Clients draw their keys from the node RNG and retry once
// on timeout.
func kvWorkload(t *testing.T, seed int64) *Simulation {
	t.Helper()
	s := newTestSim(t, withSeed(seed), func(c *Config) {
		c.Trace = trace.TraceLevelSteps
		c.Net.DropRate = 0.2
		c.FS.MinLatency = 100 * time.Microsecond
		c.FS.MaxLatency = 2 * time.Millisecond
	})
	leader := s.CreateNode("10.0.0.1")
	s.Spawn(leader, "leader", func(ctx *Context) error {
		ep, err := ctx.Net().Bind(ctx, ":7000")
		if err != nil {
			return err
		}
		log, err := Create(ctx, "log")
		if err != nil {
			return err
		}
		for {
			msg, from, err := ep.RecvFrom(ctx)
			if err != nil {
				return err
			}
			line := []byte(fmt.Sprintf("%s %v\n", from, msg))
			if err := log.WriteAllAt(ctx, line, log.Len()); err != nil {
				return err
			}
			if err := log.SyncAll(ctx); err != nil {
				return err
			}
			if err := ep.SendTo(ctx, from.String(), "ack"); err != nil {
				return err
			}
		}
	})
	for _, addr := range []string{"10.0.0.2", "10.0.0.3"} {
		n := s.CreateNode(addr)
		s.Spawn(n, "client", func(ctx *Context) error {
			if err := ctx.Sleep(time.Millisecond); err != nil {
				return err
			}
			ep, err := ctx.Net().Bind(ctx, ":0")
			if err != nil {
				return err
			}
			for i := 0; i < 5; i++ {
				key := ctx.Rand().UUID().String()[:8]
				if err := ep.SendTo(ctx, "10.0.0.1:7000", key); err != nil {
					return err
				}
				acked := false
				waiter := ctx.Spawn("ack", func(ctx *Context) error {
					if _, _, err := ep.RecvFrom(ctx); err != nil {
						return err
					}
					acked = true
					return nil
				})
				if err := ctx.Sleep(50 * time.Millisecond); err != nil {
					return err
				}
				if !acked {
					waiter.Cancel()
				}
			}
			return nil
		})
	}
	require.NoError(t, s.Run())
	return s
}

func TestSimulation_Determinism_SameSeedSameDigest(t *testing.T) {
	// GIVEN a workload with loss, latency and file I/O
	// WHEN run twice with the same seed
	first := kvWorkload(t, 2024)
	second := kvWorkload(t, 2024)

	// THEN clock, steps, trace and filesystem state are identical
	assert.Equal(t, first.Now(), second.Now())
	assert.Equal(t, first.Scheduler().Steps(), second.Scheduler().Steps())
	assert.Equal(t, first.Trace().Steps, second.Trace().Steps)
	assert.Equal(t, first.Trace().Faults, second.Trace().Faults)
	assert.Equal(t, first.Digest(), second.Digest())

	leader, _ := first.Node("10.0.0.1")
	log, ok := leader.Handles().FS.Snapshot("log")
	require.True(t, ok)
	assert.NotEmpty(t, log)
}

func TestSimulation_Determinism_DifferentSeedDifferentDigest(t *testing.T) {
	a := kvWorkload(t, 1)
	b := kvWorkload(t, 2)
	assert.NotEqual(t, a.Digest(), b.Digest())
}

func TestSimulation_Digest_ReflectsFilesystem(t *testing.T) {
	s := newTestSim(t)
	n := s.CreateNode("10.0.0.1")
	before := s.Digest()
	n.Handles().FS.inodes["x"] = &inode{path: "x", data: []byte("1")}
	assert.NotEqual(t, before, s.Digest())
}

func TestSimulation_Wall_StartsAtConfiguredTime(t *testing.T) {
	start := time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC)
	s := newTestSim(t, func(c *Config) { c.StartTime = start })
	n := s.CreateNode("10.0.0.1")

	var wall time.Time
	require.NoError(t, s.BlockOn(n, "t", func(ctx *Context) error {
		if err := ctx.Sleep(90 * time.Second); err != nil {
			return err
		}
		wall = ctx.Clock().Wall()
		return nil
	}))
	assert.Equal(t, start.Add(90*time.Second), wall)
}

func TestSimulation_Trace_RecordsFaults(t *testing.T) {
	s := newTestSim(t, func(c *Config) { c.Trace = trace.TraceLevelFaults })
	a := s.CreateNode("10.0.0.1")
	b := s.CreateNode("10.0.0.2")

	s.Network().Partition(a, b)
	s.Network().Clog(a)
	s.Kill(b)

	kinds := []string{}
	for _, f := range s.Trace().Faults {
		kinds = append(kinds, f.Kind)
	}
	assert.Equal(t, []string{"partition", "clog", "kill"}, kinds)
	assert.Empty(t, s.Trace().Steps)

	summary := trace.Summarize(s.Trace())
	assert.Equal(t, 3, summary.TotalFaults)
}

func TestSimulation_Network_HealAll(t *testing.T) {
	s := newTestSim(t)
	a := s.CreateNode("10.0.0.1")
	b := s.CreateNode("10.0.0.2")
	c := s.CreateNode("10.0.0.3")
	net := s.Network()

	net.Partition(a, b)
	net.Clog(c)
	assert.False(t, net.Reachable(a, b))
	assert.False(t, net.Reachable(a, c))
	assert.True(t, net.Reachable(a, a))

	net.Unclog(c)
	assert.True(t, net.Reachable(a, c))
	assert.False(t, net.Reachable(b, a), "partitions are symmetric")

	net.HealAll()
	assert.True(t, net.Reachable(a, b))
}

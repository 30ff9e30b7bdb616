package sim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestSim builds a Simulation with seed 42 and zero filesystem latency,
// applying mutate to the config first. The simulation is closed when the
// test ends.
func newTestSim(t *testing.T, mutate ...func(*Config)) *Simulation {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Seed = 42
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func withSeed(seed int64) func(*Config) {
	return func(c *Config) { c.Seed = seed }
}

func withFIFO(c *Config) {
	c.Scheduler = PolicyFIFO
}

// recorder collects labels from task bodies. Only one task runs at a time,
// so no locking is needed.
type recorder struct {
	events []string
}

func (r *recorder) add(s string) {
	r.events = append(r.events, s)
}

package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/detsim/sim"
	"github.com/inference-sim/detsim/sim/trace"
)

func ringTestConfig(seed int64) sim.Config {
	cfg := sim.DefaultConfig()
	cfg.Seed = seed
	cfg.Trace = trace.TraceLevelFaults
	return cfg
}

func TestRunRing_AllMessagesAcknowledged(t *testing.T) {
	// GIVEN a healthy three-node ring
	rc := RingConfig{Nodes: 3, Rounds: 5}

	// WHEN the ring runs to quiescence
	res, err := RunRing(ringTestConfig(42), rc, nil)

	// THEN every message is acknowledged without retries
	require.NoError(t, err)
	assert.Equal(t, 15, res.Acked)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 0, res.Retries)
	assert.Greater(t, res.Steps, uint64(0))
	assert.Greater(t, res.Clock, sim.Timestamp(0))
	assert.Equal(t, 0, res.Summary.TotalFaults)
}

func TestRunRing_SameSeed_SameDigest(t *testing.T) {
	// GIVEN two runs of the same ring and seed
	rc := RingConfig{Nodes: 4, Rounds: 6, PartitionAt: 5 * time.Millisecond, Partition: 30 * time.Millisecond}

	// WHEN both run
	a, err := RunRing(ringTestConfig(7), rc, nil)
	require.NoError(t, err)
	b, err := RunRing(ringTestConfig(7), rc, nil)
	require.NoError(t, err)

	// THEN every observable matches
	assert.Equal(t, a.Digest, b.Digest)
	assert.Equal(t, a.Steps, b.Steps)
	assert.Equal(t, a.Clock, b.Clock)
	assert.Equal(t, a.Retries, b.Retries)
}

func TestRunRing_DifferentSeeds_DifferentDigests(t *testing.T) {
	// GIVEN the same ring under two seeds
	rc := RingConfig{Nodes: 3, Rounds: 3}

	// WHEN both run
	a, err := RunRing(ringTestConfig(1), rc, nil)
	require.NoError(t, err)
	b, err := RunRing(ringTestConfig(2), rc, nil)
	require.NoError(t, err)

	// THEN the message ids differ, and so do the digests
	assert.NotEqual(t, a.Digest, b.Digest)
}

func TestRunRing_PartitionWindow_RetriesAndRecordsFaults(t *testing.T) {
	// GIVEN a ring whose first link is cut for 50ms shortly after start
	rc := RingConfig{Nodes: 3, Rounds: 10, PartitionAt: 5 * time.Millisecond, Partition: 50 * time.Millisecond}

	// WHEN the ring runs
	res, err := RunRing(ringTestConfig(42), rc, nil)

	// THEN lost messages are retried until the partition heals
	require.NoError(t, err)
	assert.Equal(t, 30, res.Acked)
	assert.Equal(t, 0, res.Failed)
	assert.Greater(t, res.Retries, 0)
	assert.Equal(t, 1, res.Summary.FaultDistribution["partition"])
	assert.Greater(t, res.Summary.FaultDistribution["partition-loss"], 0)
}

func TestRunRing_PartitionFailMode_StillDelivers(t *testing.T) {
	// GIVEN a partition that fails sends instead of dropping them
	cfg := ringTestConfig(42)
	cfg.Net.PartitionMode = sim.PartitionFail
	rc := RingConfig{Nodes: 2, Rounds: 8, PartitionAt: 5 * time.Millisecond, Partition: 50 * time.Millisecond}

	// WHEN the ring runs
	res, err := RunRing(cfg, rc, nil)

	// THEN clients back off and resend after the partition heals
	require.NoError(t, err)
	assert.Equal(t, 16, res.Acked)
	assert.Greater(t, res.Retries, 0)
}

func TestRunRing_InvalidSize_ReturnsError(t *testing.T) {
	for _, n := range []int{0, 255} {
		_, err := RunRing(ringTestConfig(1), RingConfig{Nodes: n, Rounds: 1}, nil)
		assert.Error(t, err, "nodes=%d", n)
	}
	_, err := RunRing(ringTestConfig(1), RingConfig{Nodes: 2, Rounds: -1}, nil)
	assert.Error(t, err)
}

func TestRunRingCommand_PrintsSummaryMetricsAndDeterminismCheck(t *testing.T) {
	// GIVEN metrics and the determinism check enabled
	var buf bytes.Buffer
	rc := RingConfig{Nodes: 2, Rounds: 3}

	// WHEN the command body runs
	err := runRing(&buf, ringTestConfig(42), rc, true, true)

	// THEN the summary, the metrics dump and the check result are printed
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "=== Simulation Summary ===")
	assert.Contains(t, out, "acked:       6")
	assert.Contains(t, out, "digest:")
	assert.Contains(t, out, "detsim_scheduler_steps_total")
	assert.Contains(t, out, `detsim_net_messages_total{outcome="delivered"}`)
	assert.Contains(t, out, "determinism check passed")
}

func TestBuildConfig_FileValuesKeptUnlessFlagChanged(t *testing.T) {
	// GIVEN a YAML config carrying its own seed and scheduler
	dir := t.TempDir()
	path := filepath.Join(dir, "sim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("seed: 99\nscheduler: fifo\n"), 0o644))
	oldPath := configPath
	configPath = path
	t.Cleanup(func() { configPath = oldPath })

	// WHEN the config is built without --seed on the command line
	cfg, err := buildConfig(runCmd)

	// THEN the file wins over the flag default
	require.NoError(t, err)
	assert.Equal(t, int64(99), cfg.Seed)
	assert.Equal(t, sim.PolicyFIFO, cfg.Scheduler)
}

func TestBuildConfig_UnknownTraceLevel_ReturnsError(t *testing.T) {
	// GIVEN no config file and a bad trace level
	oldPath, oldTrace := configPath, traceLevel
	configPath, traceLevel = "", "verbose"
	t.Cleanup(func() { configPath, traceLevel = oldPath, oldTrace })

	// WHEN the config is built
	_, err := buildConfig(runCmd)

	// THEN it is rejected
	assert.Error(t, err)
}

package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/detsim/sim"
	"github.com/inference-sim/detsim/sim/trace"
)

var (
	// CLI flags for the ring workload
	seed             int64         // Simulation seed
	configPath       string        // Optional YAML or TOML simulation config
	logLevel         string        // Log verbosity level
	nodeCount        int           // Ring size
	rounds           int           // Messages each client sends
	partitionAt      time.Duration // Start of the node0/node1 partition window
	partitionFor     time.Duration // Length of the partition window
	traceLevel       string        // Trace verbosity (none, faults, steps)
	printMetrics     bool          // Dump Prometheus metrics after the run
	checkDeterminism bool          // Run twice and compare digests
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "detsim",
	Short: "Deterministic simulation of distributed systems",
}

// runCmd executes the ring workload using parameters from CLI flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ring workload",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg, err := buildConfig(cmd)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		rc := RingConfig{Nodes: nodeCount, Rounds: rounds, PartitionAt: partitionAt, Partition: partitionFor}
		if err := runRing(cmd.OutOrStdout(), *cfg, rc, printMetrics, checkDeterminism); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

// buildConfig loads --config when given, then applies the flags the user set
// explicitly on top of it.
func buildConfig(cmd *cobra.Command) (*sim.Config, error) {
	cfg := sim.DefaultConfig()
	if configPath != "" {
		loaded, err := sim.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	flags := cmd.Flags()
	if configPath == "" || flags.Changed("seed") {
		cfg.Seed = seed
	}
	if configPath == "" || flags.Changed("trace") {
		if !trace.IsValidTraceLevel(traceLevel) {
			return nil, fmt.Errorf("unknown trace level %q", traceLevel)
		}
		cfg.Trace = trace.TraceLevel(traceLevel)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func runRing(out io.Writer, cfg sim.Config, rc RingConfig, withMetrics, check bool) error {
	var reg *prometheus.Registry
	setup := func(s *sim.Simulation) error {
		if !withMetrics {
			return nil
		}
		reg = prometheus.NewRegistry()
		return s.RegisterMetrics(reg)
	}
	res, err := RunRing(cfg, rc, setup)
	if err != nil {
		return err
	}
	printResult(out, cfg.Seed, res)
	if withMetrics {
		if err := printRegistry(out, reg); err != nil {
			return err
		}
	}

	if check {
		again, err := RunRing(cfg, rc, nil)
		if err != nil {
			return err
		}
		if again.Digest != res.Digest {
			return fmt.Errorf("nondeterminism detected for seed %d: digest %s != %s", cfg.Seed, res.Digest, again.Digest)
		}
		fmt.Fprintf(out, "determinism check passed (%s)\n", res.Digest)
	}
	return nil
}

func printResult(out io.Writer, seed int64, res *RingResult) {
	fmt.Fprintln(out, "=== Simulation Summary ===")
	fmt.Fprintf(out, "seed:        %d\n", seed)
	fmt.Fprintf(out, "steps:       %d\n", res.Steps)
	fmt.Fprintf(out, "final clock: %s\n", res.Clock)
	fmt.Fprintf(out, "acked:       %d\n", res.Acked)
	fmt.Fprintf(out, "failed:      %d\n", res.Failed)
	fmt.Fprintf(out, "retries:     %d\n", res.Retries)
	if res.Summary != nil {
		fmt.Fprintf(out, "faults:      %d\n", res.Summary.TotalFaults)
		kinds := make([]string, 0, len(res.Summary.FaultDistribution))
		for k := range res.Summary.FaultDistribution {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(out, "  %-12s %d\n", k, res.Summary.FaultDistribution[k])
		}
	}
	fmt.Fprintf(out, "digest:      %s\n", res.Digest)
}

// printRegistry writes every gathered sample as "name{labels} value".
func printRegistry(out io.Writer, reg *prometheus.Registry) error {
	mfs, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	fmt.Fprintln(out, "=== Metrics ===")
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			labels := ""
			for i, lp := range m.GetLabel() {
				if i > 0 {
					labels += ","
				}
				labels += fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue())
			}
			if labels != "" {
				labels = "{" + labels + "}"
			}
			var v float64
			switch {
			case m.GetCounter() != nil:
				v = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				v = m.GetGauge().GetValue()
			default:
				continue
			}
			fmt.Fprintf(out, "%s%s %g\n", mf.GetName(), labels, v)
		}
	}
	return nil
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Simulation seed")
	runCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML or TOML simulation config")
	runCmd.Flags().StringVar(&logLevel, "log", "error", "Log level (trace, debug, info, warn, error, fatal, panic)")

	// Workload shape
	runCmd.Flags().IntVar(&nodeCount, "nodes", 3, "Number of nodes in the ring")
	runCmd.Flags().IntVar(&rounds, "rounds", 10, "Messages each node sends to its successor")
	runCmd.Flags().DurationVar(&partitionFor, "partition", 0, "Partition node 0 from node 1 for this long (0 disables)")
	runCmd.Flags().DurationVar(&partitionAt, "partition-at", 5*time.Millisecond, "Virtual time at which the partition starts")

	// Observability
	runCmd.Flags().StringVar(&traceLevel, "trace", "faults", "Trace level (none, faults, steps)")
	runCmd.Flags().BoolVar(&printMetrics, "metrics", false, "Print Prometheus metrics after the run")
	runCmd.Flags().BoolVar(&checkDeterminism, "check-determinism", false, "Run twice and fail if the digests differ")

	rootCmd.AddCommand(runCmd)
}

package trace

// TraceSummary aggregates statistics from a SimulationTrace.
type TraceSummary struct {
	TotalSteps        int
	FinishedTasks     int
	CancelledTasks    int
	FinalClock        int64
	TotalFaults       int
	StepsPerNode      map[string]int // node → task turns taken
	FaultDistribution map[string]int // fault kind → count
}

// Summarize computes aggregate statistics from a SimulationTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(st *SimulationTrace) *TraceSummary {
	summary := &TraceSummary{
		StepsPerNode:      make(map[string]int),
		FaultDistribution: make(map[string]int),
	}
	if st == nil {
		return summary
	}

	summary.TotalSteps = len(st.Steps)
	for _, s := range st.Steps {
		summary.StepsPerNode[s.Node]++
		switch s.Outcome {
		case "completed":
			summary.FinishedTasks++
		case "cancelled":
			summary.CancelledTasks++
		}
		if s.Clock > summary.FinalClock {
			summary.FinalClock = s.Clock
		}
	}

	summary.TotalFaults = len(st.Faults)
	for _, f := range st.Faults {
		summary.FaultDistribution[f.Kind]++
		if f.Clock > summary.FinalClock {
			summary.FinalClock = f.Clock
		}
	}

	return summary
}

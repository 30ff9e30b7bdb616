package trace

// TraceLevel controls the verbosity of execution tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelFaults captures injected faults only.
	TraceLevelFaults TraceLevel = "faults"
	// TraceLevelSteps captures faults and every scheduler step.
	TraceLevelSteps TraceLevel = "steps"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:   true,
	TraceLevelFaults: true,
	TraceLevelSteps:  true,
	"":               true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
	Seed  int64 // recorded so a trace names the run that produced it
}

// SimulationTrace collects step and fault records during a simulation.
// A nil *SimulationTrace is valid and records nothing.
type SimulationTrace struct {
	Config TraceConfig
	Steps  []StepRecord
	Faults []FaultRecord
}

// NewSimulationTrace creates a SimulationTrace ready for recording.
// Returns nil for TraceLevelNone.
func NewSimulationTrace(config TraceConfig) *SimulationTrace {
	if config.Level == "" || config.Level == TraceLevelNone {
		return nil
	}
	return &SimulationTrace{
		Config: config,
		Steps:  make([]StepRecord, 0),
		Faults: make([]FaultRecord, 0),
	}
}

// RecordStep appends a scheduler step record when the level is steps.
func (st *SimulationTrace) RecordStep(record StepRecord) {
	if st == nil || st.Config.Level != TraceLevelSteps {
		return
	}
	st.Steps = append(st.Steps, record)
}

// RecordFault appends an injected-fault record.
func (st *SimulationTrace) RecordFault(record FaultRecord) {
	if st == nil {
		return
	}
	st.Faults = append(st.Faults, record)
}

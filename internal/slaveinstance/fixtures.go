package slaveinstance

import (
	"fmt"

	"github.com/viproma/coral-sub001/internal/model"
)

// Variable IDs shared by the fixtures below. Kept as package-level
// constants rather than per-instance state since every fixture of a given
// kind uses the identical layout (spec.md §8 scenario 1).
const (
	VarRealIn     model.VariableID = 1
	VarIntegerIn  model.VariableID = 2
	VarBooleanIn  model.VariableID = 3
	VarStringIn   model.VariableID = 4
	VarRealOut    model.VariableID = 5
	VarIntegerOut model.VariableID = 6
	VarBooleanOut model.VariableID = 7
	VarStringOut  model.VariableID = 8
)

// identityType is the blueprint shared by every Identity instance.
var identityType = model.SlaveTypeDescription{
	Name:        "identity",
	UUID:        "b6f1a6d2-4e1a-4f2e-9b1a-9f6c3a2d9c10",
	Description: "copies every input straight to the matching output",
	Variables: map[model.VariableID]model.VariableDescription{
		VarRealIn:     {ID: VarRealIn, Name: "realIn", DataType: model.DataTypeReal, Causality: model.CausalityInput, Variability: model.VariabilityContinuous},
		VarIntegerIn:  {ID: VarIntegerIn, Name: "integerIn", DataType: model.DataTypeInteger, Causality: model.CausalityInput, Variability: model.VariabilityDiscrete},
		VarBooleanIn:  {ID: VarBooleanIn, Name: "booleanIn", DataType: model.DataTypeBoolean, Causality: model.CausalityInput, Variability: model.VariabilityDiscrete},
		VarStringIn:   {ID: VarStringIn, Name: "stringIn", DataType: model.DataTypeString, Causality: model.CausalityInput, Variability: model.VariabilityDiscrete},
		VarRealOut:    {ID: VarRealOut, Name: "realOut", DataType: model.DataTypeReal, Causality: model.CausalityOutput, Variability: model.VariabilityContinuous},
		VarIntegerOut: {ID: VarIntegerOut, Name: "integerOut", DataType: model.DataTypeInteger, Causality: model.CausalityOutput, Variability: model.VariabilityDiscrete},
		VarBooleanOut: {ID: VarBooleanOut, Name: "booleanOut", DataType: model.DataTypeBoolean, Causality: model.CausalityOutput, Variability: model.VariabilityDiscrete},
		VarStringOut:  {ID: VarStringOut, Name: "stringOut", DataType: model.DataTypeString, Causality: model.CausalityOutput, Variability: model.VariabilityDiscrete},
	},
}

// Identity is a test/reference slave instance: every output holds whatever
// was last assigned to its matching input. DoStep never fails unless
// FailAbove is set and Δt exceeds it (spec.md §8 scenario 4).
type Identity struct {
	realIn     float64
	integerIn  int64
	booleanIn  bool
	stringIn   string

	// FailAbove, if non-zero, makes DoStep return false for any Δt
	// strictly greater than it.
	FailAbove model.TimeDuration
}

// NewIdentity returns a ready Identity fixture.
func NewIdentity() *Identity { return &Identity{} }

func (s *Identity) TypeDescription() model.SlaveTypeDescription { return identityType }

func (s *Identity) Setup(string, string, model.TimePoint, model.TimePoint, bool, float64) error {
	return nil
}

func (s *Identity) StartSimulation() error { return nil }
func (s *Identity) EndSimulation() error   { return nil }

func (s *Identity) GetRealVariable(id model.VariableID) (float64, error) {
	switch id {
	case VarRealIn:
		return s.realIn, nil
	case VarRealOut:
		return s.realIn, nil
	default:
		return 0, unknownVariable(id)
	}
}

func (s *Identity) GetIntegerVariable(id model.VariableID) (int64, error) {
	switch id {
	case VarIntegerIn, VarIntegerOut:
		return s.integerIn, nil
	default:
		return 0, unknownVariable(id)
	}
}

func (s *Identity) GetBooleanVariable(id model.VariableID) (bool, error) {
	switch id {
	case VarBooleanIn, VarBooleanOut:
		return s.booleanIn, nil
	default:
		return false, unknownVariable(id)
	}
}

func (s *Identity) GetStringVariable(id model.VariableID) (string, error) {
	switch id {
	case VarStringIn, VarStringOut:
		return s.stringIn, nil
	default:
		return "", unknownVariable(id)
	}
}

func (s *Identity) SetRealVariable(id model.VariableID, v float64) (bool, error) {
	if id != VarRealIn {
		return false, nil
	}
	s.realIn = v
	return true, nil
}

func (s *Identity) SetIntegerVariable(id model.VariableID, v int64) (bool, error) {
	if id != VarIntegerIn {
		return false, nil
	}
	s.integerIn = v
	return true, nil
}

func (s *Identity) SetBooleanVariable(id model.VariableID, v bool) (bool, error) {
	if id != VarBooleanIn {
		return false, nil
	}
	s.booleanIn = v
	return true, nil
}

func (s *Identity) SetStringVariable(id model.VariableID, v string) (bool, error) {
	if id != VarStringIn {
		return false, nil
	}
	s.stringIn = v
	return true, nil
}

func (s *Identity) DoStep(_ model.TimePoint, dt model.TimeDuration) (bool, error) {
	if s.FailAbove > 0 && dt > s.FailAbove {
		return false, nil
	}
	return true, nil
}

// loggerType is the blueprint for the Logger fixture: a fixed number of
// real inputs, no outputs, used by end-to-end tests to observe what a
// subscriber actually received at each step (spec.md §8 scenarios 1-3).
func loggerType(numInputs int) model.SlaveTypeDescription {
	vars := make(map[model.VariableID]model.VariableDescription, numInputs)
	for i := 0; i < numInputs; i++ {
		id := model.VariableID(i + 1)
		vars[id] = model.VariableDescription{
			ID: id, Name: fmt.Sprintf("in%d", i),
			DataType: model.DataTypeReal, Causality: model.CausalityInput, Variability: model.VariabilityContinuous,
		}
	}
	return model.SlaveTypeDescription{
		Name:        "logger",
		UUID:        "2b6e3a34-9b3b-4e33-8a4f-6a8a0a9d9b21",
		Description: "records every input's value after each completed step",
		Variables:   vars,
	}
}

// LogEntry is one recorded sample: the wall of input values observed after
// one DoStep call, indexed by input position (0-based, matching loggerType).
type LogEntry struct {
	Time   model.TimePoint
	Values []float64
}

// Logger is a test/reference slave instance with N real inputs and no
// outputs: every DoStep call appends a LogEntry snapshot of its inputs.
type Logger struct {
	typ  model.SlaveTypeDescription
	vals []float64
	Log  []LogEntry
}

// NewLogger returns a Logger fixture with numInputs real input variables.
func NewLogger(numInputs int) *Logger {
	return &Logger{typ: loggerType(numInputs), vals: make([]float64, numInputs)}
}

func (l *Logger) TypeDescription() model.SlaveTypeDescription { return l.typ }

func (l *Logger) Setup(string, string, model.TimePoint, model.TimePoint, bool, float64) error {
	return nil
}

func (l *Logger) StartSimulation() error { return nil }
func (l *Logger) EndSimulation() error   { return nil }

func (l *Logger) index(id model.VariableID) int { return int(id) - 1 }

func (l *Logger) GetRealVariable(id model.VariableID) (float64, error) {
	i := l.index(id)
	if i < 0 || i >= len(l.vals) {
		return 0, unknownVariable(id)
	}
	return l.vals[i], nil
}

func (l *Logger) GetIntegerVariable(id model.VariableID) (int64, error) { return 0, unknownVariable(id) }
func (l *Logger) GetBooleanVariable(id model.VariableID) (bool, error)  { return false, unknownVariable(id) }
func (l *Logger) GetStringVariable(id model.VariableID) (string, error) { return "", unknownVariable(id) }

func (l *Logger) SetRealVariable(id model.VariableID, v float64) (bool, error) {
	i := l.index(id)
	if i < 0 || i >= len(l.vals) {
		return false, nil
	}
	l.vals[i] = v
	return true, nil
}

func (l *Logger) SetIntegerVariable(model.VariableID, int64) (bool, error) { return false, nil }
func (l *Logger) SetBooleanVariable(model.VariableID, bool) (bool, error)  { return false, nil }
func (l *Logger) SetStringVariable(model.VariableID, string) (bool, error) { return false, nil }

func (l *Logger) DoStep(t model.TimePoint, dt model.TimeDuration) (bool, error) {
	snapshot := make([]float64, len(l.vals))
	copy(snapshot, l.vals)
	l.Log = append(l.Log, LogEntry{Time: model.TimePoint(float64(t) + float64(dt)), Values: snapshot})
	return true, nil
}

type unknownVariableError struct{ id model.VariableID }

func (e unknownVariableError) Error() string {
	return fmt.Sprintf("slaveinstance: unknown variable id %d", e.id)
}

func unknownVariable(id model.VariableID) error { return unknownVariableError{id: id} }

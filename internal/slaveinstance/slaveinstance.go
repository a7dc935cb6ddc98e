// Package slaveinstance defines the capability the core consumes and does
// not implement: the actual numerical model a slave agent drives every
// step (spec.md §6.2). The core is only ever handed one of these by the
// process that constructs a slave agent — it never constructs one itself.
package slaveinstance

import "github.com/viproma/coral-sub001/internal/model"

// Instance is the polymorphic object a slave agent wraps. Implementations
// are never assumed thread-safe; every method is called exclusively from
// the owning slave agent's reactor goroutine.
type Instance interface {
	// TypeDescription returns the immutable blueprint this instance was
	// created from.
	TypeDescription() model.SlaveTypeDescription

	// Setup is called exactly once, immediately after construction and
	// before StartSimulation.
	Setup(slaveName, executionName string, startTime, stopTime model.TimePoint, adaptiveStepSize bool, relativeTolerance float64) error

	// StartSimulation and EndSimulation are each called exactly once, in
	// that order, bracketing every DoStep call.
	StartSimulation() error
	EndSimulation() error

	GetRealVariable(id model.VariableID) (float64, error)
	GetIntegerVariable(id model.VariableID) (int64, error)
	GetBooleanVariable(id model.VariableID) (bool, error)
	GetStringVariable(id model.VariableID) (string, error)

	// SetXVariable reports whether the assignment was accepted; a false
	// return is not itself an error, merely a refusal (e.g. value out of
	// range for a tunable parameter after simulation start).
	SetRealVariable(id model.VariableID, v float64) (bool, error)
	SetIntegerVariable(id model.VariableID, v int64) (bool, error)
	SetBooleanVariable(id model.VariableID, v bool) (bool, error)
	SetStringVariable(id model.VariableID, v string) (bool, error)

	// DoStep advances the instance by Δt starting at t. false means the
	// instance could not complete a step of this size (spec.md §4.9:
	// the agent replies cannot_perform_timestep and transitions to
	// StepFailed).
	DoStep(t model.TimePoint, dt model.TimeDuration) (bool, error)
}

// GetScalar reads v's current value by its declared DataType, dispatching
// to the appropriate typed getter. Returns an error if v's type is
// unspecified.
func GetScalar(inst Instance, v model.VariableDescription) (model.ScalarValue, error) {
	switch v.DataType {
	case model.DataTypeReal:
		x, err := inst.GetRealVariable(v.ID)
		return model.RealValue(x), err
	case model.DataTypeInteger:
		x, err := inst.GetIntegerVariable(v.ID)
		return model.IntegerValue(x), err
	case model.DataTypeBoolean:
		x, err := inst.GetBooleanVariable(v.ID)
		return model.BooleanValue(x), err
	case model.DataTypeString:
		x, err := inst.GetStringVariable(v.ID)
		return model.StringValue(x), err
	default:
		return model.ScalarValue{}, errUnspecifiedType(v.ID)
	}
}

// SetScalar writes value to v, dispatching by value.Type. Returns whether
// the instance accepted the assignment.
func SetScalar(inst Instance, id model.VariableID, value model.ScalarValue) (bool, error) {
	switch value.Type {
	case model.DataTypeReal:
		return inst.SetRealVariable(id, value.Real)
	case model.DataTypeInteger:
		return inst.SetIntegerVariable(id, value.Integer)
	case model.DataTypeBoolean:
		return inst.SetBooleanVariable(id, value.Boolean)
	case model.DataTypeString:
		return inst.SetStringVariable(id, value.String)
	default:
		return false, errUnspecifiedType(id)
	}
}

type unspecifiedTypeError struct{ id model.VariableID }

func (e unspecifiedTypeError) Error() string {
	return "slaveinstance: variable has unspecified data type"
}

func errUnspecifiedType(id model.VariableID) error { return unspecifiedTypeError{id: id} }

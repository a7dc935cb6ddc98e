// Package execution implements the master execution state machine of
// spec.md §4.7, the heart of the system: it owns the execution-wide
// state (§3), fans per-slave operations out across every connected
// slave's internal/slavectrl.Controller, and only transitions state once
// every fanned-out operation has completed or been aborted.
//
// The fan-out/collect discipline itself is grounded on spec.md §4.7's
// own operationCount/WhenAllSlaveOpsComplete description and on §9's
// coroutine-elision note (each per-slave leg runs through the ordinary
// callback chain already built by internal/messenger and
// internal/slavectrl; there is no separate goroutine per leg because
// every one of those callbacks already runs on the reactor goroutine).
// Stale-continuation cancellation on state re-entry is implemented with a
// generation counter, the same "epoch" trick the teacher's scheduler
// uses via gocron's singleton-mode job guard to keep an overlapping run
// from touching state a newer run already owns.
package execution

import (
	"context"
	"math"
	"time"

	"github.com/viproma/coral-sub001/internal/coreerr"
	"github.com/viproma/coral-sub001/internal/execproto"
	"github.com/viproma/coral-sub001/internal/metrics"
	"github.com/viproma/coral-sub001/internal/model"
	"github.com/viproma/coral-sub001/internal/reactor"
	"github.com/viproma/coral-sub001/internal/slavectrl"
)

// State is the execution-wide state of spec.md §4.7's table.
type State int

const (
	Ready State = iota
	Reconstituting
	Reconfiguring
	Priming
	Stepping
	StepOk
	Accepting
	StepFailed
	FatalError
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Reconstituting:
		return "Reconstituting"
	case Reconfiguring:
		return "Reconfiguring"
	case Priming:
		return "Priming"
	case Stepping:
		return "Stepping"
	case StepOk:
		return "StepOk"
	case Accepting:
		return "Accepting"
	case StepFailed:
		return "StepFailed"
	case FatalError:
		return "FatalError"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Setup is the execution-wide configuration fixed at creation (spec.md §3).
type Setup struct {
	ExecutionName       string
	StartTime           model.TimePoint
	StopTime            model.TimePoint
	VariableRecvTimeout model.TimeDuration
}

type slaveEntry struct {
	ctrl        *slavectrl.Controller
	locator     model.SlaveLocator
	description model.SlaveDescription
	name        string
}

// SlaveSpec describes one slave to connect during Reconstitute.
type SlaveSpec struct {
	Name                  string
	ControlEndpoint       model.Endpoint
	DataPubEndpoint       model.Endpoint
	MaxConnectionAttempts int
	ConnectTimeout        time.Duration
	SetupTimeout          time.Duration
	MaxVersion            uint16
}

// SlaveResult is the per-slave outcome of a Reconstitute call.
type SlaveResult struct {
	ID    model.SlaveID // InvalidSlaveID if the connection failed
	Name  string
	Error error
}

// Engine is the master execution state machine (component G).
type Engine struct {
	r          *reactor.Reactor
	setup      Setup
	slaves     map[model.SlaveID]*slaveEntry
	lastID     model.SlaveID
	stepID     model.StepID
	simTime    model.TimePoint
	pendingStepSize model.TimeDuration

	state      State
	generation uint64

	metrics *metrics.Registry
}

// SetMetrics attaches a metrics.Registry the engine reports step outcomes
// and slave counts to. Optional; a nil Registry (the default) is a no-op.
func (e *Engine) SetMetrics(m *metrics.Registry) { e.metrics = m }

// New creates an Engine in state Ready with no slaves yet.
func New(r *reactor.Reactor, setup Setup) *Engine {
	return &Engine{
		r:      r,
		setup:  setup,
		slaves: make(map[model.SlaveID]*slaveEntry),
		stepID: model.InvalidStepID,
		simTime: setup.StartTime,
		state:  Ready,
	}
}

// State returns the engine's current state.
func (e *Engine) State() State { return e.state }

// IsReady reports whether the engine is quiescent and will accept the next
// operation — one of spec.md §4.7's two predicate queries.
func (e *Engine) IsReady() bool { return e.state == Ready }

// IsTerminated reports whether the engine has shut down — the second of
// spec.md §4.7's two predicate queries.
func (e *Engine) IsTerminated() bool { return e.state == Terminated }

func (e *Engine) precondition(op string, allowed ...State) *coreerr.Error {
	for _, s := range allowed {
		if e.state == s {
			return nil
		}
	}
	return coreerr.PreconditionViolation(op, e.state.String())
}

// enter begins a new state and bumps the generation counter, so that any
// completion callback from the just-left state observes a generation
// mismatch and drops itself instead of acting on stale data. The
// superseded operation's onDone is then never called: no aborted error
// is delivered for it.
func (e *Engine) enter(s State) uint64 {
	e.generation++
	e.state = s
	return e.generation
}

// fanOut calls perItem(i, done) once for every index in [0,n), and calls
// allDone with the collected per-item errors only after every done has
// fired and the generation captured at entry still matches the engine's
// (i.e. no intervening state transition aborted this round).
func (e *Engine) fanOut(gen uint64, n int, perItem func(i int, done func(error)), allDone func([]error)) {
	if n == 0 {
		allDone(nil)
		return
	}
	errs := make([]error, n)
	remaining := n
	for i := 0; i < n; i++ {
		i := i
		perItem(i, func(err error) {
			if gen != e.generation {
				return // this round was aborted by a later state transition
			}
			errs[i] = err
			remaining--
			if remaining == 0 {
				allDone(errs)
			}
		})
	}
}

// Reconstitute connects every slave in specs concurrently. Valid only
// from Ready. Per spec.md §4.7's tie-break: if any slave fails to
// connect, IDs are still assigned to the ones that succeeded (reported in
// the per-slave results), but the overall operation fails and the engine
// moves to FatalError, since partial reconstitution breaks downstream
// wiring assumptions.
func (e *Engine) Reconstitute(ctx context.Context, specs []SlaveSpec, onDone func([]SlaveResult, error)) {
	if err := e.precondition("Reconstitute", Ready); err != nil {
		onDone(nil, err)
		return
	}
	gen := e.enter(Reconstituting)

	type attempt struct {
		spec SlaveSpec
		ctrl *slavectrl.Controller
		err  error
	}
	attempts := make([]attempt, len(specs))
	for i, spec := range specs {
		attempts[i] = attempt{spec: spec, ctrl: slavectrl.New(e.r, slavectrl.Config{
			Endpoint:              spec.ControlEndpoint,
			MaxVersion:            spec.MaxVersion,
			MaxConnectionAttempts: spec.MaxConnectionAttempts,
			ConnectTimeout:        spec.ConnectTimeout,
			SetupTimeout:          spec.SetupTimeout,
			Setup: model.SlaveSetup{
				SlaveName:           spec.Name,
				ExecutionName:       e.setup.ExecutionName,
				StartTime:           e.setup.StartTime,
				StopTime:            e.setup.StopTime,
				VariableRecvTimeout: e.setup.VariableRecvTimeout,
			},
		})}
	}

	e.fanOut(gen, len(attempts), func(i int, done func(error)) {
		attempts[i].ctrl.Connect(ctx, func(err error) {
			attempts[i].err = err
			done(err)
		})
	}, func(errs []error) {
		results := make([]SlaveResult, len(attempts))
		anyFailed := false
		for i, a := range attempts {
			if a.err != nil {
				anyFailed = true
				results[i] = SlaveResult{ID: model.InvalidSlaveID, Name: a.spec.Name, Error: a.err}
				continue
			}
			if e.lastID == math.MaxUint16 {
				anyFailed = true
				results[i] = SlaveResult{ID: model.InvalidSlaveID, Name: a.spec.Name, Error: coreerr.InvalidInput("Reconstitute", "slave count cannot exceed 65535")}
				continue
			}
			e.lastID++
			id := e.lastID
			e.slaves[id] = &slaveEntry{
				ctrl: a.ctrl,
				name: a.spec.Name,
				locator: model.SlaveLocator{
					ControlEndpoint: a.spec.ControlEndpoint,
					DataPubEndpoint: a.spec.DataPubEndpoint,
				},
			}
			results[i] = SlaveResult{ID: id, Name: a.spec.Name}
		}
		if anyFailed {
			e.state = FatalError
			e.metrics.SetActiveSlaves(len(e.slaves))
			onDone(results, coreerr.New(coreerr.CodeFatal, "execution: reconstitute failed for one or more slaves"))
			return
		}
		e.state = Ready
		e.metrics.SetActiveSlaves(len(e.slaves))
		onDone(results, nil)
	})
}

// ReconfigureChange is one slave's variable-setting and peer-list update.
type ReconfigureChange struct {
	Slave    model.SlaveID
	Settings []model.VariableSetting
	Peers    []execproto.Peer
}

// Reconfigure dispatches SetVariables/SetPeers to the named slaves
// concurrently. Not atomic across slaves (spec.md §4.7): per-slave
// failures are reported individually, but the engine always ends in
// Ready.
func (e *Engine) Reconfigure(changes []ReconfigureChange, timeout time.Duration, onDone func([]error)) {
	if err := e.precondition("Reconfigure", Ready); err != nil {
		onDone([]error{err})
		return
	}
	gen := e.enter(Reconfiguring)

	e.fanOut(gen, len(changes), func(i int, done func(error)) {
		c := changes[i]
		entry, ok := e.slaves[c.Slave]
		if !ok {
			done(coreerr.ForSlave(coreerr.CodeOperationFailed, c.Slave, "execution: unknown slave"))
			return
		}
		entry.ctrl.Messenger().SetVariables(c.Settings, timeout, func(err error) {
			if err != nil {
				done(err)
				return
			}
			if len(c.Peers) == 0 {
				done(nil)
				return
			}
			entry.ctrl.Messenger().SetPeers(c.Peers, timeout, done)
		})
	}, func(errs []error) {
		e.state = Ready
		onDone(errs)
	})
}

// Prime issues RESEND_VARS to every slave, retrying up to maxAttempts
// full rounds (spec.md §4.7: necessary because pub/sub has no
// subscription barrier, so a freshly (re)connected subscriber needs the
// producer to replay its current outputs).
func (e *Engine) Prime(maxAttempts int, timeout time.Duration, onDone func(error)) {
	if err := e.precondition("Prime", Ready); err != nil {
		onDone(err)
		return
	}
	gen := e.enter(Priming)
	e.primeRound(gen, 1, maxAttempts, timeout, onDone)
}

func (e *Engine) primeRound(gen uint64, attempt, maxAttempts int, timeout time.Duration, onDone func(error)) {
	ids := make([]model.SlaveID, 0, len(e.slaves))
	for id := range e.slaves {
		ids = append(ids, id)
	}
	e.fanOut(gen, len(ids), func(i int, done func(error)) {
		e.slaves[ids[i]].ctrl.Messenger().ResendVars(timeout, done)
	}, func(errs []error) {
		failed := false
		for _, err := range errs {
			if err != nil {
				failed = true
				break
			}
		}
		if !failed {
			e.state = Ready
			onDone(nil)
			return
		}
		if attempt >= maxAttempts {
			e.state = FatalError
			onDone(coreerr.New(coreerr.CodeFatal, "execution: priming failed after %d attempts", attempt))
			return
		}
		e.primeRound(gen, attempt+1, maxAttempts, timeout, onDone)
	})
}

// Step sends STEP to every slave in parallel for the next step ID.
// Valid only from Ready. If any slave's error carries the
// cannot_perform_timestep code (coreerr.IsCannotPerformTimestep) the
// engine moves to StepFailed; if any leg fails with another error
// (a slave's data_timeout reply included) it moves to FatalError;
// otherwise to StepOk with stepSize stashed for AcceptStep.
func (e *Engine) Step(stepSize model.TimeDuration, timeout time.Duration, onDone func(error)) {
	if err := e.precondition("Step", Ready); err != nil {
		onDone(err)
		return
	}
	if stepSize <= 0 {
		onDone(coreerr.InvalidInput("Step", "stepSize must be > 0"))
		return
	}
	gen := e.enter(Stepping)
	started := time.Now()

	nextStepID := e.stepID + 1
	body := execproto.StepBody{StepID: nextStepID, CurrentTime: e.simTime, StepSize: stepSize}

	ids := make([]model.SlaveID, 0, len(e.slaves))
	for id := range e.slaves {
		ids = append(ids, id)
	}
	e.fanOut(gen, len(ids), func(i int, done func(error)) {
		e.slaves[ids[i]].ctrl.Step(body, timeout, done)
	}, func(errs []error) {
		for _, err := range errs {
			if coreerr.IsCannotPerformTimestep(err) {
				e.state = StepFailed
				e.metrics.ObserveStep(time.Since(started), false)
				onDone(err)
				return
			}
		}
		for _, err := range errs {
			if err != nil {
				e.state = FatalError
				e.metrics.ObserveStep(time.Since(started), false)
				onDone(err)
				return
			}
		}
		e.stepID = nextStepID
		e.pendingStepSize = stepSize
		e.state = StepOk
		e.metrics.ObserveStep(time.Since(started), true)
		onDone(nil)
	})
}

// AcceptStep confirms the step just taken to every slave. Valid only
// from StepOk; on success simTime advances by the stashed step size and
// the engine returns to Ready, on failure it moves to FatalError.
func (e *Engine) AcceptStep(timeout time.Duration, onDone func(error)) {
	if err := e.precondition("AcceptStep", StepOk); err != nil {
		onDone(err)
		return
	}
	gen := e.enter(Accepting)

	ids := make([]model.SlaveID, 0, len(e.slaves))
	for id := range e.slaves {
		ids = append(ids, id)
	}
	e.fanOut(gen, len(ids), func(i int, done func(error)) {
		e.slaves[ids[i]].ctrl.AcceptStep(timeout, done)
	}, func(errs []error) {
		for _, err := range errs {
			if err != nil {
				e.state = FatalError
				onDone(err)
				return
			}
		}
		e.simTime += model.TimePoint(e.pendingStepSize)
		e.state = Ready
		onDone(nil)
	})
}

// Terminate visits every slave whose controller is not NotConnected and
// sends TERMINATE without waiting for acknowledgement, then moves the
// engine to Terminated. Valid from any state; on an engine that is
// already Terminated it is a no-op.
func (e *Engine) Terminate() {
	if e.state == Terminated {
		return
	}
	e.enter(Terminated)
	for _, entry := range e.slaves {
		if entry.ctrl.State() != slavectrl.NotConnected {
			entry.ctrl.Terminate()
		}
	}
	e.metrics.SetActiveSlaves(0)
}

// Package slaveagent implements the slave side of the master↔slave
// control protocol (spec.md §4.9): the mirror image of
// internal/messenger's client state machine, plus the variable pub/sub
// plumbing (internal/pubsub) a slave needs to feed a
// internal/slaveinstance.Instance every step.
package slaveagent

import (
	"context"
	"net"
	"time"

	"github.com/viproma/coral-sub001/internal/coreerr"
	"github.com/viproma/coral-sub001/internal/execproto"
	"github.com/viproma/coral-sub001/internal/model"
	"github.com/viproma/coral-sub001/internal/pubsub"
	"github.com/viproma/coral-sub001/internal/reactor"
	"github.com/viproma/coral-sub001/internal/rpcsock"
	"github.com/viproma/coral-sub001/internal/slaveinstance"
)

// State is the agent's externally visible lifecycle state (spec.md §4.9).
type State int

const (
	NotConnected State = iota
	Connected
	Ready
	Published
	StepFailed
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "NotConnected"
	case Connected:
		return "Connected"
	case Ready:
		return "Ready"
	case Published:
		return "Published"
	case StepFailed:
		return "StepFailed"
	default:
		return "Unknown"
	}
}

// Agent drives one slave instance through the control protocol and the
// pub/sub fabric. Everything here runs on one reactor goroutine.
type Agent struct {
	r    *reactor.Reactor
	srv  *rpcsock.Server
	pub  *pubsub.Publisher
	sub  *pubsub.Subscriber
	inst slaveinstance.Instance

	typeDesc model.SlaveTypeDescription
	inputs   []model.VariableDescription
	outputs  []model.VariableDescription

	// inputConnections maps a local input variable to the remote output
	// it is currently wired from, if any (SET_VARS's connect/disconnect).
	inputConnections map[model.VariableID]model.Variable

	inactivityTimeout time.Duration
	inactivityTimer   reactor.TimerHandle

	hasMaster  bool
	masterConn rpcsock.ConnID

	state       State
	id          model.SlaveID
	setup       model.SlaveSetup
	stepID      model.StepID
	currentTime model.TimePoint

	pendingStepConn rpcsock.ConnID
	hasPendingStep  bool
}

// New binds controlLn for the control protocol and dataLn for this
// slave's published outputs, and returns an Agent ready to accept one
// master connection. inactivityTimeout is the master-silence deadline of
// spec.md §4.9; zero disables it (intended for tests only).
func New(r *reactor.Reactor, controlLn, dataLn net.Listener, maxVersion uint16, inst slaveinstance.Instance, inactivityTimeout time.Duration) *Agent {
	a := &Agent{
		r:                 r,
		pub:               pubsub.NewPublisher(r, dataLn),
		sub:               pubsub.NewSubscriber(r),
		inst:              inst,
		typeDesc:          inst.TypeDescription(),
		inputConnections:  make(map[model.VariableID]model.Variable),
		inactivityTimeout: inactivityTimeout,
		state:             NotConnected,
		stepID:            model.InvalidStepID,
	}
	for _, v := range a.typeDesc.Variables {
		switch v.Causality {
		case model.CausalityInput:
			a.inputs = append(a.inputs, v)
		case model.CausalityOutput:
			a.outputs = append(a.outputs, v)
		}
	}

	a.srv = rpcsock.NewServer(r, controlLn, maxVersion, a.handleRequest)
	a.srv.OnNegotiated(a.onNegotiated)
	a.srv.OnDisconnect(a.onDisconnect)
	return a
}

// ControlAddr returns the control socket's bound address.
func (a *Agent) ControlAddr() net.Addr { return a.srv.Addr() }

// DataAddr returns the publisher socket's bound address.
func (a *Agent) DataAddr() net.Addr { return a.pub.Addr() }

// State returns the agent's current state.
func (a *Agent) State() State { return a.state }

func (a *Agent) onNegotiated(id rpcsock.ConnID, _ uint16) {
	a.hasMaster = true
	a.masterConn = id
	a.state = Connected
	a.resetInactivityTimer()
}

func (a *Agent) onDisconnect(id rpcsock.ConnID) {
	if !a.hasMaster || id != a.masterConn {
		return
	}
	a.hasMaster = false
	a.state = NotConnected
	a.inactivityTimer.Cancel()
}

func (a *Agent) resetInactivityTimer() {
	a.inactivityTimer.Cancel()
	if a.inactivityTimeout <= 0 {
		return
	}
	h, err := a.r.ScheduleOnce(a.inactivityTimeout, a.onInactivityTimeout)
	if err == nil {
		a.inactivityTimer = h
	}
}

// onInactivityTimeout aborts the reactor so the hosting process can shut
// down cleanly (spec.md §4.9).
func (a *Agent) onInactivityTimeout() {
	a.r.Abort(coreerr.ErrMasterInactivityTimeout(a.id))
}

func (a *Agent) precondition(op string, allowed ...State) *coreerr.Error {
	for _, s := range allowed {
		if a.state == s {
			return nil
		}
	}
	return coreerr.PreconditionViolation(op, a.state.String())
}

func replyErr(err *coreerr.Error) (uint16, []byte, bool) {
	t, b := rpcsock.Reply(err)
	return t, b, false
}

// handleRequest dispatches one Normal message per spec.md §4.9's state
// table. Invoked on the reactor goroutine by internal/rpcsock.Server.
func (a *Agent) handleRequest(id rpcsock.ConnID, _ uint16, msgType uint16, body []byte) (uint16, []byte, bool) {
	if a.hasMaster && id == a.masterConn {
		a.resetInactivityTimer()
	}

	switch execproto.MessageType(msgType) {
	case execproto.MsgTerminate:
		a.terminate()
		return 0, nil, true

	case execproto.MsgSetup:
		return a.handleSetup(body)

	case execproto.MsgDescribe:
		return a.handleDescribe()

	case execproto.MsgSetVars:
		return a.handleSetVars(body)

	case execproto.MsgSetPeers:
		return a.handleSetPeers(body)

	case execproto.MsgResendVars:
		return a.handleResendVars()

	case execproto.MsgStep:
		return a.handleStep(id, body)

	case execproto.MsgAcceptStep:
		return a.handleAcceptStep()

	default:
		return replyErr(coreerr.New(coreerr.CodeBadMessage, "slaveagent: unexpected message type %d", msgType))
	}
}

func (a *Agent) handleSetup(body []byte) (uint16, []byte, bool) {
	if err := a.precondition("Setup", Connected); err != nil {
		return replyErr(err)
	}
	setup, derr := execproto.DecodeSetup(body)
	if derr != nil {
		return replyErr(coreerr.Wrap(coreerr.CodeBadMessage, 0, derr, "slaveagent: decoding SETUP"))
	}
	a.setup = setup
	a.id = setup.SlaveID
	a.currentTime = setup.StartTime
	if err := a.inst.Setup(setup.SlaveName, setup.ExecutionName, setup.StartTime, setup.StopTime, false, 0); err != nil {
		return replyErr(coreerr.Wrap(coreerr.CodeOperationFailed, a.id, err, "slaveagent: instance setup failed"))
	}
	if err := a.inst.StartSimulation(); err != nil {
		return replyErr(coreerr.Wrap(coreerr.CodeOperationFailed, a.id, err, "slaveagent: starting simulation"))
	}
	a.state = Ready
	return uint16(execproto.MsgReady), nil, false
}

func (a *Agent) handleDescribe() (uint16, []byte, bool) {
	if err := a.precondition("GetDescription", Ready, Published); err != nil {
		return replyErr(err)
	}
	desc := model.SlaveDescription{Type: a.typeDesc, ID: a.id, Name: a.setup.SlaveName}
	return uint16(execproto.MsgDescription), execproto.EncodeDescription(desc), false
}

func (a *Agent) handleSetVars(body []byte) (uint16, []byte, bool) {
	if err := a.precondition("SetVariables", Ready); err != nil {
		return replyErr(err)
	}
	settings, derr := execproto.DecodeSetVars(body)
	if derr != nil {
		return replyErr(coreerr.Wrap(coreerr.CodeBadMessage, a.id, derr, "slaveagent: decoding SET_VARS"))
	}
	for _, s := range settings {
		if s.HasConnection() {
			if old, ok := a.inputConnections[s.Variable]; ok {
				a.sub.Unsubscribe(old)
				delete(a.inputConnections, s.Variable)
			}
			if out := s.ConnectedOutput(); out.IsValid() {
				a.sub.Subscribe(out)
				a.inputConnections[s.Variable] = out
			}
		}
		if s.HasValue() {
			if _, err := slaveinstance.SetScalar(a.inst, s.Variable, s.Value()); err != nil {
				return replyErr(coreerr.Wrap(coreerr.CodeOperationFailed, a.id, err, "slaveagent: setting variable %d", s.Variable))
			}
		}
	}
	return uint16(execproto.MsgHelloOK), nil, false
}

func (a *Agent) handleSetPeers(body []byte) (uint16, []byte, bool) {
	if err := a.precondition("SetPeers", Ready); err != nil {
		return replyErr(err)
	}
	peers, derr := execproto.DecodeSetPeers(body)
	if derr != nil {
		return replyErr(coreerr.Wrap(coreerr.CodeBadMessage, a.id, derr, "slaveagent: decoding SET_PEERS"))
	}
	endpoints := make([]model.Endpoint, len(peers))
	for i, p := range peers {
		endpoints[i] = p.DataPubEndpoint
	}
	if err := a.sub.Reconnect(context.Background(), endpoints); err != nil {
		return replyErr(coreerr.Wrap(coreerr.CodeConnectionRefused, a.id, err, "slaveagent: reconnecting to peers"))
	}
	return uint16(execproto.MsgHelloOK), nil, false
}

func (a *Agent) handleResendVars() (uint16, []byte, bool) {
	if err := a.precondition("ResendVars", Ready); err != nil {
		return replyErr(err)
	}
	a.publishOutputs(a.stepID)
	return uint16(execproto.MsgHelloOK), nil, false
}

// handleStep starts the 6-step sequence of spec.md §4.9. It always
// returns ignore=true: the reply is sent asynchronously, once the
// subscriber's Update settles, via internal/rpcsock.Server.Reply.
func (a *Agent) handleStep(id rpcsock.ConnID, body []byte) (uint16, []byte, bool) {
	if err := a.precondition("Step", Ready); err != nil {
		return replyErr(err)
	}
	step, derr := execproto.DecodeStep(body)
	if derr != nil {
		return replyErr(coreerr.Wrap(coreerr.CodeBadMessage, a.id, derr, "slaveagent: decoding STEP"))
	}
	a.pendingStepConn = id
	a.hasPendingStep = true

	timeout := time.Duration(float64(a.setup.VariableRecvTimeout) * float64(time.Second))
	a.sub.Update(step.StepID, timeout, func(ok bool) { a.completeStep(step, ok) })
	return 0, nil, true
}

func (a *Agent) completeStep(step execproto.StepBody, gotValues bool) {
	if !a.hasPendingStep {
		return
	}
	conn := a.pendingStepConn
	a.hasPendingStep = false

	if !gotValues {
		a.state = StepFailed
		t, b := rpcsock.Reply(coreerr.ForSlave(coreerr.CodeDataTimeout, a.id, "timed out waiting for peer values at step %d", step.StepID))
		_ = a.srv.Reply(conn, t, b)
		return
	}

	for localVar, remote := range a.inputConnections {
		if v, ok := a.sub.Value(remote); ok {
			_, _ = slaveinstance.SetScalar(a.inst, localVar, v)
		}
	}

	ok, err := a.inst.DoStep(step.CurrentTime, step.StepSize)
	if err != nil || !ok {
		a.state = StepFailed
		var stepErr *coreerr.Error
		if err != nil {
			stepErr = coreerr.Wrap(coreerr.CodeCannotPerformTimestep, a.id, err, "could not take step of size %v", step.StepSize)
		} else {
			stepErr = coreerr.ForSlave(coreerr.CodeCannotPerformTimestep, a.id, "could not take step of size %v", step.StepSize)
		}
		t, b := rpcsock.Reply(stepErr)
		_ = a.srv.Reply(conn, t, b)
		return
	}

	a.currentTime = model.TimePoint(float64(step.CurrentTime) + float64(step.StepSize))
	a.stepID = step.StepID + 1
	a.publishOutputs(a.stepID)
	a.state = Published
	_ = a.srv.Reply(conn, uint16(execproto.MsgStepOK), nil)
}

func (a *Agent) publishOutputs(stepID model.StepID) {
	for _, v := range a.outputs {
		value, err := slaveinstance.GetScalar(a.inst, v)
		if err != nil {
			continue
		}
		a.pub.Publish(stepID, model.Variable{Slave: a.id, Variable: v.ID}, value)
	}
}

func (a *Agent) handleAcceptStep() (uint16, []byte, bool) {
	if err := a.precondition("AcceptStep", Published); err != nil {
		return replyErr(err)
	}
	a.state = Ready
	return uint16(execproto.MsgHelloOK), nil, false
}

// terminate is the TERMINATE handler: best-effort cleanup, no reply
// (spec.md §4.5: fire-and-forget). The reactor is stopped gracefully so
// the hosting process can exit.
func (a *Agent) terminate() {
	_ = a.inst.EndSimulation()
	a.sub.Close()
	_ = a.pub.Close()
	a.r.Stop()
}

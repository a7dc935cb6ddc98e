package slaveagent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viproma/coral-sub001/internal/coreerr"
	"github.com/viproma/coral-sub001/internal/execproto"
	"github.com/viproma/coral-sub001/internal/messenger"
	"github.com/viproma/coral-sub001/internal/model"
	"github.com/viproma/coral-sub001/internal/pubsub"
	"github.com/viproma/coral-sub001/internal/reactor"
	"github.com/viproma/coral-sub001/internal/rpcsock"
	"github.com/viproma/coral-sub001/internal/slaveinstance"
)

func newRunningReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = r.Run(ctx) }()
	return r
}

func dialMessenger(t *testing.T, r *reactor.Reactor, addr net.Addr) *messenger.Messenger {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	client := rpcsock.NewClient(r, conn, execproto.ProtocolVersion)
	return messenger.New(client)
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func TestAgentFullStepLifecycle(t *testing.T) {
	r := newRunningReactor(t)
	controlLn, dataLn := listen(t), listen(t)
	inst := slaveinstance.NewIdentity()
	agent := New(r, controlLn, dataLn, execproto.ProtocolVersion, inst, 0)

	var m *messenger.Messenger
	done := make(chan struct{})
	require.NoError(t, r.Post(func() {
		m = dialMessenger(t, r, controlLn.Addr())

		m.Setup(model.SlaveSetup{SlaveID: 1, SlaveName: "s1", ExecutionName: "e", StopTime: 10, VariableRecvTimeout: 1}, time.Second, func(err error) {
			require.NoError(t, err)
			assert.Equal(t, Ready, agent.State())

			m.SetVariables([]model.VariableSetting{model.NewValueSetting(slaveinstance.VarRealIn, model.RealValue(3.5))}, time.Second, func(err error) {
				require.NoError(t, err)

				m.Step(execproto.StepBody{StepID: 0, CurrentTime: 0, StepSize: 1.0}, time.Second, func(err error) {
					require.NoError(t, err)
					assert.Equal(t, Published, agent.State())

					m.AcceptStep(time.Second, func(err error) {
						require.NoError(t, err)
						assert.Equal(t, Ready, agent.State())
						close(done)
					})
				})
			})
		})
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("agent step lifecycle never completed")
	}
}

func TestAgentPublishesOutputReadableBySubscriber(t *testing.T) {
	r := newRunningReactor(t)
	controlLn, dataLn := listen(t), listen(t)
	inst := slaveinstance.NewIdentity()
	agent := New(r, controlLn, dataLn, execproto.ProtocolVersion, inst, 0)

	sub := pubsub.NewSubscriber(r)
	remoteOut := model.Variable{Slave: 1, Variable: slaveinstance.VarRealOut}

	var m *messenger.Messenger
	done := make(chan struct{})
	require.NoError(t, r.Post(func() {
		require.NoError(t, sub.Reconnect(context.Background(), []model.Endpoint{{Transport: "tcp", Address: dataLn.Addr().String()}}))
		sub.Subscribe(remoteOut)

		m = dialMessenger(t, r, controlLn.Addr())
		m.Setup(model.SlaveSetup{SlaveID: 1, SlaveName: "s1", ExecutionName: "e", StopTime: 10, VariableRecvTimeout: 1}, time.Second, func(err error) {
			require.NoError(t, err)
			m.SetVariables([]model.VariableSetting{model.NewValueSetting(slaveinstance.VarRealIn, model.RealValue(9.0))}, time.Second, func(err error) {
				require.NoError(t, err)
				m.Step(execproto.StepBody{StepID: 0, CurrentTime: 0, StepSize: 1.0}, time.Second, func(err error) {
					require.NoError(t, err)

					sub.Update(1, time.Second, func(ok bool) {
						assert.True(t, ok)
						v, got := sub.Value(remoteOut)
						assert.True(t, got)
						assert.Equal(t, 9.0, v.Real)
						close(done)
					})
				})
			})
		})
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish/subscribe round trip never completed")
	}
}

func TestAgentStepFailureTransitionsToStepFailed(t *testing.T) {
	r := newRunningReactor(t)
	controlLn, dataLn := listen(t), listen(t)
	inst := slaveinstance.NewIdentity()
	inst.FailAbove = 0.5
	agent := New(r, controlLn, dataLn, execproto.ProtocolVersion, inst, 0)

	var m *messenger.Messenger
	done := make(chan struct{})
	require.NoError(t, r.Post(func() {
		m = dialMessenger(t, r, controlLn.Addr())
		m.Setup(model.SlaveSetup{SlaveID: 1, SlaveName: "s1", ExecutionName: "e", StopTime: 10}, time.Second, func(err error) {
			require.NoError(t, err)
			m.Step(execproto.StepBody{StepID: 0, CurrentTime: 0, StepSize: 1.0}, time.Second, func(err error) {
				require.Error(t, err)
				assert.True(t, coreerr.IsCannotPerformTimestep(err))
				assert.Equal(t, StepFailed, agent.State())
				close(done)
			})
		})
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("step-failure path never completed")
	}
}

func TestAgentRejectsStepBeforeSetup(t *testing.T) {
	r := newRunningReactor(t)
	controlLn, dataLn := listen(t), listen(t)
	inst := slaveinstance.NewIdentity()
	New(r, controlLn, dataLn, execproto.ProtocolVersion, inst, 0)

	var m *messenger.Messenger
	done := make(chan struct{})
	require.NoError(t, r.Post(func() {
		m = dialMessenger(t, r, controlLn.Addr())
		m.Step(execproto.StepBody{StepID: 0, StepSize: 1.0}, time.Second, func(err error) {
			require.Error(t, err)
			close(done)
		})
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("precondition violation path never completed")
	}
}

func TestAgentAbortsOnMasterInactivity(t *testing.T) {
	r, err := reactor.New()
	require.NoError(t, err)
	controlLn, dataLn := listen(t), listen(t)
	inst := slaveinstance.NewIdentity()
	New(r, controlLn, dataLn, execproto.ProtocolVersion, inst, 50*time.Millisecond)

	ctx := context.Background()
	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx) }()

	conn, err := net.Dial("tcp", controlLn.Addr().String())
	require.NoError(t, err)
	client := rpcsock.NewClient(r, conn, execproto.ProtocolVersion)
	m := messenger.New(client)
	require.NoError(t, r.Post(func() {
		m.Setup(model.SlaveSetup{SlaveID: 1, SlaveName: "s1", ExecutionName: "e", StopTime: 10}, time.Second, func(error) {})
	}))

	select {
	case err := <-runDone:
		require.Error(t, err)
		assert.True(t, coreerr.IsTimedOut(err))
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not abort on master inactivity")
	}
}

package execution

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viproma/coral-sub001/internal/coreerr"
	"github.com/viproma/coral-sub001/internal/execproto"
	"github.com/viproma/coral-sub001/internal/model"
	"github.com/viproma/coral-sub001/internal/reactor"
	"github.com/viproma/coral-sub001/internal/rpcsock"
)

func fakeSlave(t *testing.T, r *reactor.Reactor, refuseStep bool) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := rpcsock.NewServer(r, ln, execproto.ProtocolVersion, func(id rpcsock.ConnID, version uint16, msgType uint16, body []byte) (uint16, []byte, bool) {
		switch execproto.MessageType(msgType) {
		case execproto.MsgSetup:
			return uint16(execproto.MsgReady), nil, false
		case execproto.MsgStep:
			if refuseStep {
				msgType, body := rpcsock.Reply(coreerr.ForSlave(coreerr.CodeCannotPerformTimestep, 1, "refusing step"))
				return msgType, body, false
			}
			return uint16(execproto.MsgStepOK), nil, false
		case execproto.MsgSetVars, execproto.MsgSetPeers, execproto.MsgResendVars, execproto.MsgAcceptStep:
			return uint16(execproto.MsgHelloOK), nil, false
		default:
			return uint16(execproto.MsgHelloOK), nil, false
		}
	})
	t.Cleanup(func() { _ = srv.CloseAll() })
	return ln.Addr()
}

func newRunningReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = r.Run(ctx) }()
	return r
}

func TestEngineFullLifecycle(t *testing.T) {
	r := newRunningReactor(t)

	addr1 := fakeSlave(t, r, false)
	addr2 := fakeSlave(t, r, false)

	var eng *Engine
	done := make(chan struct{})
	require.NoError(t, r.Post(func() {
		eng = New(r, Setup{ExecutionName: "test", StopTime: 10})
		assert.True(t, eng.IsReady())

		specs := []SlaveSpec{
			{Name: "a", ControlEndpoint: model.Endpoint{Transport: "tcp", Address: addr1.String()}, MaxConnectionAttempts: 1, ConnectTimeout: time.Second, SetupTimeout: time.Second},
			{Name: "b", ControlEndpoint: model.Endpoint{Transport: "tcp", Address: addr2.String()}, MaxConnectionAttempts: 1, ConnectTimeout: time.Second, SetupTimeout: time.Second},
		}
		eng.Reconstitute(context.Background(), specs, func(results []SlaveResult, err error) {
			require.NoError(t, err)
			assert.Len(t, results, 2)
			assert.True(t, eng.IsReady())

			eng.Step(model.TimeDuration(0.1), time.Second, func(err error) {
				require.NoError(t, err)
				assert.Equal(t, StepOk, eng.State())

				eng.AcceptStep(time.Second, func(err error) {
					require.NoError(t, err)
					assert.True(t, eng.IsReady())
					eng.Terminate()
					assert.True(t, eng.IsTerminated())
					close(done)
				})
			})
		})
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine lifecycle never completed")
	}
}

func TestEngineStepFailurePropagates(t *testing.T) {
	r := newRunningReactor(t)
	addr := fakeSlave(t, r, true)

	var eng *Engine
	done := make(chan struct{})
	require.NoError(t, r.Post(func() {
		eng = New(r, Setup{ExecutionName: "test"})
		specs := []SlaveSpec{
			{Name: "a", ControlEndpoint: model.Endpoint{Transport: "tcp", Address: addr.String()}, MaxConnectionAttempts: 1, ConnectTimeout: time.Second, SetupTimeout: time.Second},
		}
		eng.Reconstitute(context.Background(), specs, func(results []SlaveResult, err error) {
			require.NoError(t, err)
			eng.Step(model.TimeDuration(0.1), time.Second, func(err error) {
				assert.Error(t, err)
				assert.Equal(t, StepFailed, eng.State())
				close(done)
			})
		})
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine step-failure path never completed")
	}
}

func TestEngineStepRejectsNonPositiveStepSize(t *testing.T) {
	r := newRunningReactor(t)
	addr := fakeSlave(t, r, false)

	var eng *Engine
	done := make(chan struct{})
	require.NoError(t, r.Post(func() {
		eng = New(r, Setup{ExecutionName: "test"})
		specs := []SlaveSpec{
			{Name: "a", ControlEndpoint: model.Endpoint{Transport: "tcp", Address: addr.String()}, MaxConnectionAttempts: 1, ConnectTimeout: time.Second, SetupTimeout: time.Second},
		}
		eng.Reconstitute(context.Background(), specs, func(results []SlaveResult, err error) {
			require.NoError(t, err)
			eng.Step(0, time.Second, func(err error) {
				assert.Error(t, err)
				assert.True(t, eng.IsReady(), "a rejected stepSize must not move the engine out of Ready")
				close(done)
			})
		})
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("non-positive stepSize rejection never completed")
	}
}

func TestEngineReconstituteRejectsSlaveIDOverflow(t *testing.T) {
	r := newRunningReactor(t)
	addr := fakeSlave(t, r, false)

	var eng *Engine
	done := make(chan struct{})
	require.NoError(t, r.Post(func() {
		eng = New(r, Setup{ExecutionName: "test"})
		eng.lastID = math.MaxUint16 // simulate 65535 slaves already assigned
		specs := []SlaveSpec{
			{Name: "one-too-many", ControlEndpoint: model.Endpoint{Transport: "tcp", Address: addr.String()}, MaxConnectionAttempts: 1, ConnectTimeout: time.Second, SetupTimeout: time.Second},
		}
		eng.Reconstitute(context.Background(), specs, func(results []SlaveResult, err error) {
			assert.Error(t, err)
			assert.Equal(t, FatalError, eng.State())
			require.Len(t, results, 1)
			assert.False(t, results[0].ID.IsValid())
			close(done)
		})
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("slave-ID overflow rejection never completed")
	}
}

func TestEngineReconstitutePartialFailure(t *testing.T) {
	r := newRunningReactor(t)
	addrGood := fakeSlave(t, r, false)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addrBad := ln.Addr().String()
	require.NoError(t, ln.Close())

	var eng *Engine
	done := make(chan struct{})
	require.NoError(t, r.Post(func() {
		eng = New(r, Setup{ExecutionName: "test"})
		specs := []SlaveSpec{
			{Name: "good", ControlEndpoint: model.Endpoint{Transport: "tcp", Address: addrGood.String()}, MaxConnectionAttempts: 1, ConnectTimeout: 200 * time.Millisecond, SetupTimeout: time.Second},
			{Name: "bad", ControlEndpoint: model.Endpoint{Transport: "tcp", Address: addrBad}, MaxConnectionAttempts: 1, ConnectTimeout: 200 * time.Millisecond, SetupTimeout: time.Second},
		}
		eng.Reconstitute(context.Background(), specs, func(results []SlaveResult, err error) {
			assert.Error(t, err)
			assert.Equal(t, FatalError, eng.State())
			require.Len(t, results, 2)
			foundGoodID, foundBadInvalid := false, false
			for _, res := range results {
				if res.Name == "good" && res.ID.IsValid() {
					foundGoodID = true
				}
				if res.Name == "bad" && !res.ID.IsValid() {
					foundBadInvalid = true
				}
			}
			assert.True(t, foundGoodID)
			assert.True(t, foundBadInvalid)
			close(done)
		})
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("partial-failure reconstitute never completed")
	}
}

package pubsub

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viproma/coral-sub001/internal/model"
	"github.com/viproma/coral-sub001/internal/reactor"
	"github.com/viproma/coral-sub001/internal/wire"
)

func newLoopback(t *testing.T) (*reactor.Reactor, func()) {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Run(ctx) }()
	return r, cancel
}

func TestPublishSubscribeUpdate(t *testing.T) {
	pubReactor, stopPub := newLoopback(t)
	defer stopPub()
	subReactor, stopSub := newLoopback(t)
	defer stopSub()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	var pub *Publisher
	require.NoError(t, pubReactor.Post(func() {
		pub = NewPublisher(pubReactor, ln)
		close(done)
	}))
	<-done

	v1 := model.Variable{Slave: 1, Variable: 10}
	v2 := model.Variable{Slave: 1, Variable: 11}

	sub := NewSubscriber(subReactor)
	connected := make(chan struct{})
	require.NoError(t, subReactor.Post(func() {
		sub.Subscribe(v1)
		sub.Subscribe(v2)
		require.NoError(t, sub.Reconnect(context.Background(), []model.Endpoint{{Transport: "tcp", Address: ln.Addr().String()}}))
		close(connected)
	}))
	<-connected

	// Give the subscriber's dialed connection time to register on the
	// publisher's accept pump before publishing.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, pubReactor.Post(func() {
		pub.Publish(model.StepID(1), v1, model.RealValue(3.25))
		pub.Publish(model.StepID(1), v2, model.IntegerValue(7))
	}))

	result := make(chan bool, 1)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, subReactor.Post(func() {
		sub.Update(model.StepID(1), time.Second, func(ok bool) { result <- ok })
	}))

	select {
	case ok := <-result:
		assert.True(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("Update never completed")
	}

	require.NoError(t, subReactor.Post(func() {
		v, ok := sub.Value(v1)
		assert.True(t, ok)
		assert.Equal(t, 3.25, v.Real)
		v, ok = sub.Value(v2)
		assert.True(t, ok)
		assert.Equal(t, int64(7), v.Integer)
	}))
	time.Sleep(20 * time.Millisecond)
}

func TestUpdateTimesOutWithoutAllValues(t *testing.T) {
	r, stop := newLoopback(t)
	defer stop()

	sub := NewSubscriber(r)
	v := model.Variable{Slave: 2, Variable: 5}

	result := make(chan bool, 1)
	require.NoError(t, r.Post(func() {
		sub.Subscribe(v)
		sub.Update(model.StepID(0), 30*time.Millisecond, func(ok bool) { result <- ok })
	}))

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Update never completed")
	}
}

func TestUnsubscribeDropsBufferedValue(t *testing.T) {
	r, stop := newLoopback(t)
	defer stop()

	sub := NewSubscriber(r)
	v := model.Variable{Slave: 3, Variable: 1}

	done := make(chan struct{})
	require.NoError(t, r.Post(func() {
		sub.Subscribe(v)
		sub.onMessage(v, wire.PubSubPayload{StepID: model.StepID(0), Value: model.BooleanValue(true)})
		sub.Unsubscribe(v)
		sub.Subscribe(v)
		_, ok := sub.Value(v)
		assert.False(t, ok)
		close(done)
	}))
	<-done
}

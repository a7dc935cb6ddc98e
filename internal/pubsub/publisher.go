// Package pubsub implements the variable pub/sub fabric of spec.md
// §4.3: a stateless-on-the-publisher-side broadcast fanout, and a
// subscriber holding a per-variable FIFO plus the step-aligned
// Update/Value synchronisation primitive slave agents use every step.
package pubsub

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/viproma/coral-sub001/internal/metrics"
	"github.com/viproma/coral-sub001/internal/model"
	"github.com/viproma/coral-sub001/internal/reactor"
	"github.com/viproma/coral-sub001/internal/wire"
)

type connID uint64

var nextConnID atomic.Uint64

// Publisher binds one transport endpoint and broadcasts every Publish
// call to every currently-connected subscriber. It keeps no record of
// which variables any subscriber is interested in (spec.md §4.3's
// rationale: subscription filtering is entirely the subscriber's job,
// so a late subscriber simply misses earlier messages).
type Publisher struct {
	r  *reactor.Reactor
	ln net.Listener

	conns   map[connID]net.Conn
	metrics *metrics.Registry
}

// NewPublisher binds ln and starts accepting subscriber connections.
func NewPublisher(r *reactor.Reactor, ln net.Listener) *Publisher {
	p := &Publisher{r: r, ln: ln, conns: make(map[connID]net.Conn)}
	r.Spawn(context.Background(), p.acceptPump)
	return p
}

// SetMetrics attaches a metrics.Registry the publisher reports throughput
// to. Optional; a nil Registry (the default) is a no-op.
func (p *Publisher) SetMetrics(m *metrics.Registry) { p.metrics = m }

// Addr returns the socket's bound address.
func (p *Publisher) Addr() net.Addr { return p.ln.Addr() }

func (p *Publisher) acceptPump(ctx context.Context, deliver func(reactor.Handler)) error {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return err
		}
		id := connID(nextConnID.Add(1))
		deliver(func() { p.conns[id] = conn })
		// Subscribers never write to a Publisher; this pump only exists
		// to notice disconnects and stop broadcasting to a dead conn.
		p.r.Spawn(ctx, func(ctx context.Context, deliver func(reactor.Handler)) error {
			buf := make([]byte, 1)
			_, err := conn.Read(buf)
			deliver(func() {
				delete(p.conns, id)
				_ = conn.Close()
			})
			return err
		})
	}
}

// Publish broadcasts one variable's value at stepID to every connected
// subscriber. Must be called from the reactor goroutine.
func (p *Publisher) Publish(stepID model.StepID, v model.Variable, value model.ScalarValue) {
	topic := wire.EncodeTopicPrefix(v)
	payload := wire.EncodePubSubPayload(wire.PubSubPayload{StepID: stepID, Value: value})
	frames := [][]byte{topic[:], payload}

	p.metrics.ObservePublishedValue()
	for id, conn := range p.conns {
		if err := wire.WriteMessage(conn, frames); err != nil {
			delete(p.conns, id)
			_ = conn.Close()
		}
	}
}

// Close shuts down the listener and every connected subscriber.
func (p *Publisher) Close() error {
	for id, conn := range p.conns {
		_ = conn.Close()
		delete(p.conns, id)
	}
	return p.ln.Close()
}

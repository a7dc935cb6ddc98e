package pubsub

import (
	"context"
	"net"
	"time"

	"github.com/viproma/coral-sub001/internal/model"
	"github.com/viproma/coral-sub001/internal/reactor"
	"github.com/viproma/coral-sub001/internal/wire"
)

// varState is the per-subscribed-variable FIFO plus the value currently
// latched for the in-progress or most recently completed Update.
type varState struct {
	fifo       []wire.PubSubPayload
	hasCurrent bool
	current    model.ScalarValue
}

type pendingUpdate struct {
	targetStepID model.StepID
	timer        reactor.TimerHandle
	onComplete   func(ok bool)
}

// Subscriber dials one or more Publisher endpoints and applies the
// step-aligned synchronisation primitive of spec.md §4.3: Update blocks
// (in the reactor sense — it's asynchronous, signalled via a callback)
// until every subscribed variable has produced a value for the exact
// target step, or the timeout elapses. A value with a later stepID is
// buffered, not consumed early, so it can satisfy a future Update for
// that step.
type Subscriber struct {
	r     *reactor.Reactor
	conns map[connID]net.Conn

	subscribed map[model.Variable]*varState
	pending    *pendingUpdate
}

// NewSubscriber returns a Subscriber with no connections and no
// subscriptions yet.
func NewSubscriber(r *reactor.Reactor) *Subscriber {
	return &Subscriber{
		r:          r,
		conns:      make(map[connID]net.Conn),
		subscribed: make(map[model.Variable]*varState),
	}
}

// Reconnect closes every existing connection and dials endpoints afresh,
// replacing the connection set wholesale — this is what a slave agent
// does on SET_PEERS (spec.md §4.9).
func (s *Subscriber) Reconnect(ctx context.Context, endpoints []model.Endpoint) error {
	for id, conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, id)
	}
	for _, ep := range endpoints {
		conn, err := net.Dial(ep.Transport, ep.Address)
		if err != nil {
			return err
		}
		id := connID(nextConnID.Add(1))
		s.conns[id] = conn
		s.r.Spawn(ctx, func(ctx context.Context, deliver func(reactor.Handler)) error {
			for {
				frames, err := wire.ReadMessage(conn)
				if err != nil {
					deliver(func() { delete(s.conns, id) })
					return err
				}
				if len(frames) != 2 {
					continue
				}
				v, derr := wire.DecodeTopicPrefix(frames[0])
				if derr != nil {
					continue
				}
				payload, err := wire.DecodePubSubPayload(frames[1])
				if err != nil {
					continue
				}
				deliver(func() { s.onMessage(v, payload) })
			}
		})
	}
	return nil
}

// Subscribe starts tracking v. Messages for v that arrived before
// Subscribe was called are not retroactively retained.
func (s *Subscriber) Subscribe(v model.Variable) {
	if _, ok := s.subscribed[v]; !ok {
		s.subscribed[v] = &varState{}
	}
}

// Unsubscribe stops tracking v and discards any buffered values.
func (s *Subscriber) Unsubscribe(v model.Variable) {
	delete(s.subscribed, v)
}

func (s *Subscriber) onMessage(v model.Variable, payload wire.PubSubPayload) {
	st, ok := s.subscribed[v]
	if !ok {
		return // not subscribed; drop, per spec.md §4.3's stateless publisher design
	}
	st.fifo = append(st.fifo, payload)
	if s.pending != nil && s.checkReady() {
		s.completePending(true)
	}
}

// checkReady drains every subscribed variable's FIFO, discarding entries
// older than the pending target step and latching the entry for the
// exact target step if one has arrived, and reports whether every
// subscribed variable now has a current value.
func (s *Subscriber) checkReady() bool {
	target := s.pending.targetStepID
	ready := true
	for _, st := range s.subscribed {
		if st.hasCurrent {
			continue
		}
		for len(st.fifo) > 0 {
			head := st.fifo[0]
			if head.StepID < target {
				st.fifo = st.fifo[1:]
				continue
			}
			if head.StepID > target {
				// Buffered for a future Update at that exact step
				// (spec.md §4.3); leave it in the FIFO rather than
				// treating it as an early satisfaction.
				break
			}
			st.hasCurrent = true
			st.current = head.Value
			st.fifo = st.fifo[1:]
			break
		}
		if !st.hasCurrent {
			ready = false
		}
	}
	return ready
}

// Update waits for every subscribed variable to have produced a value
// for exactly targetStepID, invoking onComplete(true) once they all
// have, or onComplete(false) if timeout elapses first. Only one Update
// may be in flight at a time.
func (s *Subscriber) Update(targetStepID model.StepID, timeout time.Duration, onComplete func(ok bool)) {
	for _, st := range s.subscribed {
		st.hasCurrent = false
	}
	s.pending = &pendingUpdate{targetStepID: targetStepID, onComplete: onComplete}

	if s.checkReady() {
		s.completePending(true)
		return
	}

	if timeout > 0 {
		h, err := s.r.ScheduleOnce(timeout, s.handleTimeout)
		if err == nil {
			s.pending.timer = h
		}
	}
}

func (s *Subscriber) handleTimeout() {
	if s.pending == nil {
		return
	}
	s.completePending(false)
}

func (s *Subscriber) completePending(ok bool) {
	p := s.pending
	s.pending = nil
	p.timer.Cancel()
	p.onComplete(ok)
}

// Value returns the value latched for v by the most recently completed
// Update. The returned value is only valid until the next Update call.
func (s *Subscriber) Value(v model.Variable) (model.ScalarValue, bool) {
	st, ok := s.subscribed[v]
	if !ok || !st.hasCurrent {
		return model.ScalarValue{}, false
	}
	return st.current, true
}

// Close closes every connection.
func (s *Subscriber) Close() {
	for id, conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, id)
	}
}

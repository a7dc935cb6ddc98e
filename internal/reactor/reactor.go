// Package reactor implements the single-threaded event loop of spec.md
// §4.1 / §5: one goroutine owns every state transition in a running
// execution, slave agent, or slave provider. All handler dispatch is
// serialised through github.com/joeycumines/go-eventloop's Loop, which
// supplies the task queue, timer heap, and Promise/future bridge this
// package builds on.
//
// Blocking I/O (reading framed messages off a net.Conn) cannot be
// folded into Loop's native-fd poller without reaching for raw syscall
// plumbing, so each registered connection instead gets its own
// dedicated reader goroutine — the coroutine-elision pattern spec.md
// §9 sanctions for exactly this situation. That goroutine only ever
// touches the connection and a channel; every observed message is
// handed back to the reactor via Post, so all mutable state remains
// single-writer.
package reactor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	eventloop "github.com/joeycumines/go-eventloop"
)

// Handler is a unit of work dispatched on the reactor's own goroutine.
type Handler func()

// Reactor owns a set of timers and a set of spawned I/O pumps, serialising
// all of their completions onto one goroutine (spec.md §4.1).
type Reactor struct {
	loop *eventloop.Loop

	wg      sync.WaitGroup
	closing chan struct{}
	once    sync.Once

	abortErr atomic.Value // error
}

// New creates a Reactor. Call Run to start processing; it must run on
// the goroutine that will own all dispatched handlers.
func New() (*Reactor, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, fmt.Errorf("reactor: creating event loop: %w", err)
	}
	return &Reactor{loop: loop, closing: make(chan struct{})}, nil
}

// Run blocks, dispatching posted handlers and fired timers, until ctx is
// cancelled or Stop is called. Errors from handlers propagate out of
// Run, ending the loop (spec.md §4.1: "Reactor does not catch user
// exceptions").
func (r *Reactor) Run(ctx context.Context) error {
	err := r.loop.Run(ctx)
	if aborted, _ := r.abortErr.Load().(error); aborted != nil {
		return aborted
	}
	return err
}

// Stop causes a running Run to return once the current handler yields.
func (r *Reactor) Stop() {
	r.once.Do(func() { close(r.closing) })
	_ = r.loop.Shutdown(context.Background())
}

// Abort stops the loop the way Stop does, but Run subsequently returns err
// instead of nil. Used for conditions a reactor cannot recover from on its
// own and that must be surfaced to whatever process hosts it — e.g. a slave
// agent's master-inactivity timeout (spec.md §4.9).
func (r *Reactor) Abort(err error) {
	r.abortErr.Store(err)
	r.Stop()
}

// Shutdown stops the loop and waits for every spawned I/O pump to exit.
func (r *Reactor) Shutdown(ctx context.Context) error {
	r.once.Do(func() { close(r.closing) })
	err := r.loop.Shutdown(ctx)
	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Post schedules fn to run on the reactor's goroutine. Safe to call from
// any goroutine, including spawned I/O pumps.
func (r *Reactor) Post(fn Handler) error {
	if err := r.loop.Submit(func() { fn() }); err != nil {
		return fmt.Errorf("reactor: post: %w", err)
	}
	return nil
}

// TimerHandle cancels a timer registered with ScheduleRepeating /
// ScheduleOnce. Canceling an already-fired one-shot timer is a no-op.
type TimerHandle struct {
	cancel func()
}

// Cancel stops the timer. Safe to call more than once.
func (h TimerHandle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

// ScheduleOnce fires fn once after delay, on the reactor's goroutine.
func (r *Reactor) ScheduleOnce(delay time.Duration, fn Handler) (TimerHandle, error) {
	return r.ScheduleRepeating(delay, 1, fn)
}

// ScheduleRepeating fires fn every interval, on the reactor's goroutine,
// remainingFires times (or forever if remainingFires < 0), matching
// spec.md §4.1's timer model: each fire is scheduled relative to the
// previous fire time, not wall-clock time at handler entry, so a slow
// handler does not cause drift to accumulate.
func (r *Reactor) ScheduleRepeating(interval time.Duration, remainingFires int, fn Handler) (TimerHandle, error) {
	var (
		mu        sync.Mutex
		cancelled bool
	)
	cancel := func() {
		mu.Lock()
		cancelled = true
		mu.Unlock()
	}

	var arm func() error
	arm = func() error {
		return r.loop.ScheduleTimer(interval, func() {
			mu.Lock()
			done := cancelled
			mu.Unlock()
			if done {
				return
			}
			fn()

			mu.Lock()
			if !cancelled && remainingFires != 0 {
				if remainingFires > 0 {
					remainingFires--
				}
				mu.Unlock()
				_ = arm()
				return
			}
			mu.Unlock()
		})
	}
	if err := arm(); err != nil {
		return TimerHandle{}, fmt.Errorf("reactor: scheduling timer: %w", err)
	}
	return TimerHandle{cancel: cancel}, nil
}

// Pump is a long-lived I/O loop registered with Spawn: it blocks reading
// its source and, for each observed event, calls deliver with a handler
// that will run on the reactor's goroutine. Pump returns when its
// source is closed or ctx is cancelled.
type Pump func(ctx context.Context, deliver func(Handler)) error

// Spawn starts pump in its own goroutine (spec.md §9's coroutine-elision
// note), tracked so Shutdown can wait for it to exit. Events the pump
// observes are always delivered back onto the reactor's own goroutine
// via Post, preserving the single-writer invariant.
func (r *Reactor) Spawn(ctx context.Context, pump Pump) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = pump(ctx, func(h Handler) {
			_ = r.Post(h)
		})
	}()
}

// Promisify runs fn in a new goroutine and returns a Promise settled
// with its result, resolved back onto the reactor's goroutine. Used by
// internal/slavectrl, internal/provider and internal/cluster to run a
// blocking call off the reactor goroutine.
func (r *Reactor) Promisify(ctx context.Context, fn func(ctx context.Context) (any, error)) eventloop.Promise {
	return r.loop.Promisify(ctx, fn)
}

// AwaitPromise spawns a pump that blocks on p's channel and delivers
// onDone back onto the reactor's goroutine once it settles. Promise only
// exposes a channel (not a same-thread callback), and reading that
// channel directly from a reactor handler would risk deadlocking the
// very goroutine that needs to run to settle it — so, as with socket
// reads, a dedicated goroutine does the blocking wait and Posts the
// result across.
func (r *Reactor) AwaitPromise(ctx context.Context, p eventloop.Promise, onDone func(result any)) {
	r.Spawn(ctx, func(ctx context.Context, deliver func(Handler)) error {
		select {
		case result := <-p.ToChannel():
			deliver(func() { onDone(result) })
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

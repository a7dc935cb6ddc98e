// Package facade implements the execution facade of spec.md §4.8: the
// public, synchronous entry point. It owns a dedicated worker goroutine
// running an internal/reactor.Reactor and an internal/execution.Engine,
// and translates every blocking public call into a posted task plus a
// future-style wait — the same "owns a background goroutine, callers
// talk to it via channels" shape as the teacher's long-running service
// loops: the future side is a per-call result channel raced against the
// worker's exit, not a go-eventloop Promise.
package facade

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/viproma/coral-sub001/internal/coreerr"
	"github.com/viproma/coral-sub001/internal/execution"
	"github.com/viproma/coral-sub001/internal/metrics"
	"github.com/viproma/coral-sub001/internal/model"
	"github.com/viproma/coral-sub001/internal/reactor"
)

// Facade is the public, thread-safe entry point over one Engine. Every
// method may be called from any goroutine; each blocks until the
// operation completes on the worker.
type Facade struct {
	r   *reactor.Reactor
	eng *execution.Engine

	dead  atomic.Bool
	cause atomic.Value // error

	workerDone chan struct{}
}

// New starts the worker goroutine and returns a ready Facade. ctx governs
// the worker's lifetime; cancelling it shuts the Reactor down, after
// which every Facade method returns ErrCommThreadDead.
func New(ctx context.Context, setup execution.Setup) (*Facade, error) {
	r, err := reactor.New()
	if err != nil {
		return nil, err
	}
	f := &Facade{r: r, eng: execution.New(r, setup), workerDone: make(chan struct{})}

	go func() {
		runErr := r.Run(ctx)
		f.cause.Store(runErrOrNil(runErr))
		f.dead.Store(true)
		close(f.workerDone)
	}()

	return f, nil
}

// SetMetrics attaches a metrics.Registry the underlying Engine reports
// step outcomes and slave counts to. Must be called before the first
// operation reaches the worker goroutine, since Engine state is only
// safe to touch from there afterwards; New itself is the natural place.
func (f *Facade) SetMetrics(m *metrics.Registry) { f.eng.SetMetrics(m) }

func runErrOrNil(err error) error {
	if err == nil {
		return context.Canceled
	}
	return err
}

// call posts fn onto the worker goroutine and blocks until either done
// is invoked or the worker dies, whichever comes first.
func (f *Facade) call(fn func(done func(error))) error {
	if f.dead.Load() {
		return f.deadErr()
	}
	result := make(chan error, 1)
	if err := f.r.Post(func() { fn(func(e error) { result <- e }) }); err != nil {
		return f.deadErr()
	}
	select {
	case err := <-result:
		return err
	case <-f.workerDone:
		return f.deadErr()
	}
}

func (f *Facade) deadErr() *coreerr.Error {
	cause, _ := f.cause.Load().(error)
	return coreerr.ErrCommThreadDead(cause)
}

// Reconstitute blocks until every slave in specs has been connected (or
// failed to connect); see internal/execution.Engine.Reconstitute.
func (f *Facade) Reconstitute(ctx context.Context, specs []execution.SlaveSpec) ([]execution.SlaveResult, error) {
	var results []execution.SlaveResult
	err := f.call(func(done func(error)) {
		f.eng.Reconstitute(ctx, specs, func(r []execution.SlaveResult, err error) {
			results = r
			done(err)
		})
	})
	return results, err
}

// Reconfigure blocks until every change has been dispatched; see
// internal/execution.Engine.Reconfigure.
func (f *Facade) Reconfigure(changes []execution.ReconfigureChange, timeout time.Duration) ([]error, error) {
	var perSlave []error
	err := f.call(func(done func(error)) {
		f.eng.Reconfigure(changes, timeout, func(errs []error) {
			perSlave = errs
			done(nil)
		})
	})
	return perSlave, err
}

// Prime blocks until priming succeeds or exhausts maxAttempts; see
// internal/execution.Engine.Prime.
func (f *Facade) Prime(maxAttempts int, timeout time.Duration) error {
	return f.call(func(done func(error)) {
		f.eng.Prime(maxAttempts, timeout, done)
	})
}

// Step blocks until every slave has responded to STEP; see
// internal/execution.Engine.Step.
func (f *Facade) Step(stepSize model.TimeDuration, timeout time.Duration) error {
	return f.call(func(done func(error)) {
		f.eng.Step(stepSize, timeout, done)
	})
}

// AcceptStep blocks until every slave has confirmed the step; see
// internal/execution.Engine.AcceptStep.
func (f *Facade) AcceptStep(timeout time.Duration) error {
	return f.call(func(done func(error)) {
		f.eng.AcceptStep(timeout, done)
	})
}

// Terminate visits every slave and shuts the execution down. Does not
// fail even if the worker is already dead — termination is best-effort.
func (f *Facade) Terminate() {
	_ = f.call(func(done func(error)) {
		f.eng.Terminate()
		done(nil)
	})
}

// State returns the engine's current state, or a zero State and
// ErrCommThreadDead if the worker has died.
func (f *Facade) State() (execution.State, error) {
	var s execution.State
	err := f.call(func(done func(error)) {
		s = f.eng.State()
		done(nil)
	})
	return s, err
}

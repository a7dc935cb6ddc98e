// Package slavectrl implements the slave controller of spec.md §4.6: a
// thin layer over internal/messenger that adds connection establishment
// (with bounded, exponentially backed-off retry driven by the reactor's
// own timers — no dedicated retry thread, unlike the teacher's
// connection.Manager) and the post-HELLO SETUP handshake, then gets out
// of the way and passes every other operation straight through.
package slavectrl

import (
	"context"
	"math/rand"
	"net"
	"time"

	"github.com/viproma/coral-sub001/internal/coreerr"
	"github.com/viproma/coral-sub001/internal/execproto"
	"github.com/viproma/coral-sub001/internal/messenger"
	"github.com/viproma/coral-sub001/internal/model"
	"github.com/viproma/coral-sub001/internal/reactor"
	"github.com/viproma/coral-sub001/internal/rpcsock"
)

const (
	backoffInitial = 200 * time.Millisecond
	backoffMax     = 5 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2
)

// State is a controller's externally visible state (spec.md §4.6).
type State int

const (
	NotConnected State = iota
	Busy
	Ready
	StepOk
	StepFailed
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "NotConnected"
	case Busy:
		return "Busy"
	case Ready:
		return "Ready"
	case StepOk:
		return "StepOk"
	case StepFailed:
		return "StepFailed"
	default:
		return "Unknown"
	}
}

// Config bundles the parameters needed to connect and set up a slave.
type Config struct {
	Endpoint              model.Endpoint
	MaxVersion            uint16
	MaxConnectionAttempts int
	Setup                 model.SlaveSetup
	ConnectTimeout        time.Duration
	SetupTimeout          time.Duration
}

// Controller owns one slave's control connection across its whole
// lifetime: connect, retry, SETUP, then pass-through to its Messenger.
type Controller struct {
	r      *reactor.Reactor
	cfg    Config
	m      *messenger.Messenger
	state  State
	attempt int
	timer  reactor.TimerHandle
}

// New creates a disconnected Controller. Call Connect to start.
func New(r *reactor.Reactor, cfg Config) *Controller {
	return &Controller{r: r, cfg: cfg, state: NotConnected}
}

// State returns the controller's current externally visible state.
func (c *Controller) State() State { return c.state }

// Messenger returns the underlying messenger, valid once State is Ready,
// StepOk, or StepFailed.
func (c *Controller) Messenger() *messenger.Messenger { return c.m }

// Connect dials cfg.Endpoint, retrying up to cfg.MaxConnectionAttempts
// times with exponential-ish backoff (each wait scheduled via the
// reactor's own timer, never a blocking sleep), then issues SETUP. onDone
// is called exactly once, with the final success or failure.
func (c *Controller) Connect(ctx context.Context, onDone func(error)) {
	if c.state != NotConnected {
		onDone(coreerr.PreconditionViolation("Connect", c.state.String()))
		return
	}
	c.attempt = 0
	c.state = Busy
	c.dial(ctx, onDone)
}

func (c *Controller) dial(ctx context.Context, onDone func(error)) {
	c.attempt++
	p := c.r.Promisify(ctx, func(ctx context.Context) (any, error) {
		return net.DialTimeout(c.cfg.Endpoint.Transport, c.cfg.Endpoint.Address, c.cfg.ConnectTimeout)
	})
	c.r.AwaitPromise(ctx, p, func(result any) {
		if err, ok := result.(error); ok {
			c.retryOrFail(ctx, err, onDone)
			return
		}
		conn, _ := result.(net.Conn)
		client := rpcsock.NewClient(c.r, conn, c.cfg.MaxVersion)
		c.m = messenger.New(client)
		c.m.Setup(c.cfg.Setup, c.cfg.SetupTimeout, func(err error) {
			if err != nil {
				c.retryOrFail(ctx, err, onDone)
				return
			}
			c.state = Ready
			onDone(nil)
		})
	})
}

func (c *Controller) retryOrFail(ctx context.Context, cause error, onDone func(error)) {
	if c.cfg.MaxConnectionAttempts > 0 && c.attempt >= c.cfg.MaxConnectionAttempts {
		c.state = NotConnected
		onDone(coreerr.Wrap(coreerr.CodeConnectionRefused, 0, cause, "slavectrl: giving up after %d attempts", c.attempt))
		return
	}
	delay := backoffFor(c.attempt)
	h, err := c.r.ScheduleOnce(delay, func() { c.dial(ctx, onDone) })
	if err != nil {
		c.state = NotConnected
		onDone(coreerr.Wrap(coreerr.CodeFatal, 0, err, "slavectrl: scheduling reconnect"))
		return
	}
	c.timer = h
}

// backoffFor returns the jittered backoff before reconnect attempt n+1,
// matching the teacher's nextBackoff/jitter shape but rooted much lower
// (the target is a co-located process, not a WAN-facing agent).
func backoffFor(attempt int) time.Duration {
	d := backoffInitial
	for i := 1; i < attempt && d < backoffMax; i++ {
		d = time.Duration(float64(d) * backoffFactor)
	}
	if d > backoffMax {
		d = backoffMax
	}
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

// Step fans through to the messenger's Step, tracking the externally
// visible Busy/StepOk/StepFailed transitions the engine (internal/execution)
// watches for its own fan-out accounting (spec.md §4.7).
func (c *Controller) Step(s execproto.StepBody, timeout time.Duration, onDone func(error)) {
	if c.state != Ready {
		onDone(coreerr.PreconditionViolation("Step", c.state.String()))
		return
	}
	c.state = Busy
	c.m.Step(s, timeout, func(err error) {
		if err != nil {
			if coreerr.IsCannotPerformTimestep(err) {
				c.state = StepFailed
			} else {
				c.state = NotConnected
			}
			onDone(err)
			return
		}
		c.state = StepOk
		onDone(nil)
	})
}

// AcceptStep fans through to the messenger's AcceptStep, returning to
// Ready on success.
func (c *Controller) AcceptStep(timeout time.Duration, onDone func(error)) {
	if c.state != StepOk {
		onDone(coreerr.PreconditionViolation("AcceptStep", c.state.String()))
		return
	}
	c.state = Busy
	c.m.AcceptStep(timeout, func(err error) {
		if err != nil {
			c.state = NotConnected
			onDone(err)
			return
		}
		c.state = Ready
		onDone(nil)
	})
}

// Terminate visits the messenger (if one exists) and sends TERMINATE
// without waiting for a reply, per spec.md §4.7's termination rule.
func (c *Controller) Terminate() {
	c.timer.Cancel()
	if c.m != nil {
		c.m.Terminate()
	}
	c.state = NotConnected
}

// Close tears the connection down locally.
func (c *Controller) Close() {
	c.timer.Cancel()
	if c.m != nil {
		c.m.Close()
	}
	c.state = NotConnected
}

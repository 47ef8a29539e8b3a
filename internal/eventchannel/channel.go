package eventchannel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/immxrtalbeast/teamsync/internal/backoff"
	"github.com/immxrtalbeast/teamsync/internal/domain"
	"github.com/immxrtalbeast/teamsync/lib/logger/sl"
)

const sendBufferSize = 256

type Options struct {
	URL    string
	Dialer Dialer
	Policy backoff.Policy
	// MaxFailures consecutive failed dials switch the state to Degraded.
	MaxFailures int
	// HeartbeatInterval enables periodic heartbeat frames when positive.
	HeartbeatInterval time.Duration
	Log               *slog.Logger
}

// Channel keeps one connection to the coordinator alive, reconnecting with
// backoff. Each successful dial starts a new epoch.
type Channel struct {
	opts     Options
	log      *slog.Logger
	handlers *registry

	mu      sync.Mutex
	state   State
	epoch   uint64
	conn    Conn
	out     chan domain.Envelope
	pending map[uint64]AckFunc
	nextAck uint64
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	stateMu       sync.RWMutex
	stateHandlers map[uint64]func(State)
	nextStateID   uint64

	connected chan struct{}
}

func New(opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.Policy.Initial <= 0 {
		opts.Policy = backoff.DefaultPolicy()
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		opts:          opts,
		log:           log.With(slog.String("component", "eventchannel")),
		handlers:      newRegistry(),
		state:         StateDisconnected,
		pending:       make(map[uint64]AckFunc),
		stateHandlers: make(map[uint64]func(State)),
		connected:     make(chan struct{}),
	}
}

// Connect starts the connection loop and waits for the first connection.
// The loop keeps retrying after ctx is done; Disconnect stops it.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.running {
		loopCtx, cancel := context.WithCancel(context.Background())
		c.running = true
		c.cancel = cancel
		c.done = make(chan struct{})
		go c.run(loopCtx, c.done)
	}
	connected := c.connected
	c.mu.Unlock()

	select {
	case <-connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops reconnecting and closes the current connection. Pending
// acks complete with ErrConnectionLost.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	cancel, done, conn := c.cancel, c.done, c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	c.setState(StateClosed)
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *Channel) Emit(event string, payload any) error {
	return c.emit(event, payload, nil)
}

func (c *Channel) EmitWithAck(event string, payload any, ack AckFunc) error {
	return c.emit(event, payload, ack)
}

func (c *Channel) emit(event string, payload any, ack AckFunc) error {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if ack != nil {
		c.nextAck++
		env.Ack = c.nextAck
	}
	select {
	case c.out <- env:
	default:
		return ErrSendBufferFull
	}
	if ack != nil {
		c.pending[env.Ack] = ack
	}
	return nil
}

func (c *Channel) On(event string, h Handler) Subscription {
	return c.handlers.on(event, h)
}

func (c *Channel) OnEpoch(fn EpochFunc) Subscription {
	return c.handlers.onEpoch(fn)
}

// Off removes every handler of event.
func (c *Channel) Off(event string) {
	c.handlers.off(event)
}

func (c *Channel) Unsubscribe(sub Subscription) {
	c.handlers.unsubscribe(sub)

	c.stateMu.Lock()
	delete(c.stateHandlers, sub.id)
	c.stateMu.Unlock()
}

// OnState registers fn for state changes.
func (c *Channel) OnState(fn func(State)) Subscription {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.nextStateID++
	id := c.nextStateID | 1<<63
	c.stateHandlers[id] = fn
	return Subscription{id: id}
}

func (c *Channel) setState(state State) {
	c.mu.Lock()
	if c.state == state || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	c.stateMu.RLock()
	fns := make([]func(State), 0, len(c.stateHandlers))
	for _, fn := range c.stateHandlers {
		fns = append(fns, fn)
	}
	c.stateMu.RUnlock()

	for _, fn := range fns {
		fn(state)
	}
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	const op = "eventchannel.run"
	log := c.log.With(slog.String("op", op), slog.String("url", c.opts.URL))
	defer close(done)

	failures := 0
	for {
		if failures < c.opts.MaxFailures {
			c.setState(StateConnecting)
		}

		conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			delay := c.opts.Policy.Delay(failures)
			if failures >= c.opts.MaxFailures {
				c.setState(StateDegraded)
			} else {
				c.setState(StateDisconnected)
			}
			log.Warn("dial failed", slog.Int("failures", failures), slog.Duration("retry_in", delay), sl.Err(err))
			if backoff.Sleep(ctx, delay) != nil {
				return
			}
			continue
		}

		failures = 0
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		if backoff.Sleep(ctx, c.opts.Policy.Delay(1)) != nil {
			return
		}
	}
}

// serve runs one epoch. It returns when the connection is lost.
func (c *Channel) serve(ctx context.Context, conn Conn) {
	const op = "eventchannel.serve"

	out := make(chan domain.Envelope, sendBufferSize)
	stop := make(chan struct{})

	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	c.conn = conn
	c.out = out
	connected := c.connected
	c.mu.Unlock()

	log := c.log.With(slog.String("op", op), slog.Uint64("epoch", epoch))
	log.Info("connected")

	writerDone := make(chan struct{})
	go c.writeLoop(conn, out, stop, writerDone)

	c.setState(StateConnected)
	select {
	case <-connected:
	default:
		close(connected)
	}

	c.handlers.dispatchEpoch(epoch)

	err := c.readLoop(conn)
	if ctx.Err() == nil {
		log.Warn("connection lost", sl.Err(err))
	}

	c.mu.Lock()
	c.conn = nil
	c.out = nil
	pending := c.pending
	c.pending = make(map[uint64]AckFunc)
	c.mu.Unlock()

	close(stop)
	conn.Close()
	<-writerDone

	for _, ack := range pending {
		ack(nil, ErrConnectionLost)
	}
	if ctx.Err() == nil {
		c.setState(StateDisconnected)
	}
}

func (c *Channel) readLoop(conn Conn) error {
	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}

		if env.Event == domain.EventAck {
			c.mu.Lock()
			ack, ok := c.pending[env.Ack]
			delete(c.pending, env.Ack)
			c.mu.Unlock()
			if ok {
				ack(env.Data, nil)
			}
			continue
		}

		if c.handlers.dispatch(env.Event, env.Data) == 0 {
			c.log.Debug("unhandled event", slog.String("event", env.Event))
		}
	}
}

func (c *Channel) writeLoop(conn Conn, out <-chan domain.Envelope, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var heartbeat <-chan time.Time
	if c.opts.HeartbeatInterval > 0 {
		ticker := time.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-stop:
			return
		case env := <-out:
			if err := conn.WriteJSON(env); err != nil {
				conn.Close()
				return
			}
		case <-heartbeat:
			if err := conn.WriteJSON(domain.Envelope{Event: domain.EventHeartbeat}); err != nil {
				conn.Close()
				return
			}
		}
	}
}

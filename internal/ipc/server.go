package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rbright/portguard/internal/fsm"
	"github.com/rbright/portguard/internal/logging"
	"github.com/rbright/portguard/internal/session"
)

const DefaultIOTimeout = 2 * time.Second

var ErrAlreadyStarted = errors.New("coordinator already started")

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Logger    *slog.Logger
	Identity  session.Identity
	Codec     Codec
	Policy    Policy
	IOTimeout time.Duration
	// OnShutdown runs once after a compliant shutdown response was sent and
	// the listener was closed.
	OnShutdown func()
}

// Coordinator owns the control-port listener and answers shutdown requests.
type Coordinator struct {
	logger     *slog.Logger
	identity   session.Identity
	codec      Codec
	ioTimeout  time.Duration
	onShutdown func()

	mu       sync.RWMutex
	state    fsm.State
	policy   Policy
	listener net.Listener

	shutdownOnce sync.Once
}

// NewCoordinator constructs a coordinator with safe default fallbacks.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard().Logger
	}
	identity := opts.Identity
	if identity == "" {
		identity = session.NewIdentity()
	}
	codec := opts.Codec
	if codec == nil {
		codec = LengthPrefixedCodec{}
	}
	ioTimeout := opts.IOTimeout
	if ioTimeout <= 0 {
		ioTimeout = DefaultIOTimeout
	}
	onShutdown := opts.OnShutdown
	if onShutdown == nil {
		onShutdown = func() {}
	}

	return &Coordinator{
		logger:     logger,
		identity:   identity,
		codec:      codec,
		ioTimeout:  ioTimeout,
		onShutdown: onShutdown,
		state:      fsm.StateIdle,
		policy:     opts.Policy,
	}
}

// Listen binds the control port on host.
func Listen(host string, port int) (net.Listener, error) {
	if !ValidPort(port) {
		return nil, fmt.Errorf("listen control port: port %d out of range", port)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen control port %s: %w", addr, err)
	}
	return listener, nil
}

// State returns the lifecycle state snapshot.
func (c *Coordinator) State() fsm.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Identity returns the session identity sent in responses.
func (c *Coordinator) Identity() session.Identity {
	return c.identity
}

// Policy returns the decision policy currently in effect.
func (c *Coordinator) Policy() Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// SetPolicy replaces the decision policy for subsequent requests.
func (c *Coordinator) SetPolicy(policy Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = policy
}

// Addr returns the bound listener address, or nil before Serve.
func (c *Coordinator) Addr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Serve runs the accept loop on listener until it is closed by Stop, by ctx
// cancellation, or by a compliant shutdown request. Connections are handled
// one at a time. Serve takes ownership of listener and closes it even when it
// returns ErrAlreadyStarted.
func (c *Coordinator) Serve(ctx context.Context, listener net.Listener) error {
	if err := c.start(listener); err != nil {
		_ = listener.Close()
		return err
	}

	served := make(chan struct{})
	defer close(served)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Stop()
		case <-served:
		}
	}()

	c.logger.Info("control port listening",
		"addr", listener.Addr().String(),
		"session_id", c.identity.String(),
		"framing", c.codec.Name(),
	)

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || c.State() != fsm.StateListening {
				c.markClosed()
				return nil
			}

			// Errors such as EMFILE pass; keep holding the port.
			backoff = nextBackoff(backoff)
			c.logger.Warn("accept control connection failed",
				"error", err.Error(),
				"retry_in", backoff.String(),
			)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		decision, err := c.handle(conn)
		if err != nil {
			c.logger.Error("control connection failed",
				"peer", conn.RemoteAddr().String(),
				"error", err.Error(),
			)
			continue
		}
		if decision.ShouldComply() {
			c.comply(listener, decision)
			return nil
		}
	}
}

// Stop closes the listener, which ends Serve.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	listener := c.listener
	c.state, _ = fsm.Transition(c.state, fsm.EventClose)
	c.mu.Unlock()

	if listener == nil {
		return nil
	}
	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close control listener: %w", err)
	}
	return nil
}

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

func nextBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptBackoff
	}
	return min(prev*2, maxAcceptBackoff)
}

func (c *Coordinator) start(listener net.Listener) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != fsm.StateIdle {
		return ErrAlreadyStarted
	}
	next, err := fsm.Transition(c.state, fsm.EventStart)
	if err != nil {
		return err
	}
	c.state = next
	c.listener = listener
	return nil
}

func (c *Coordinator) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state, _ = fsm.Transition(c.state, fsm.EventClose)
}

// handle reads one request frame from conn and writes one response frame.
// The connection is closed before handle returns.
func (c *Coordinator) handle(conn net.Conn) (Decision, error) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.ioTimeout)); err != nil {
		return 0, fmt.Errorf("set deadline: %w", err)
	}

	req, err := c.codec.ReadFrame(conn)
	if err != nil {
		return 0, fmt.Errorf("read request: %w", err)
	}

	switch req.Message {
	case TagShutdownRequest:
		decision := Decide(c.Policy(), req.Content)
		c.logger.Info("remote shutdown request",
			"peer", conn.RemoteAddr().String(),
			"peer_session_id", req.SessionID,
			"decision", decision.String(),
			"comply", decision.ShouldComply(),
		)
		if err := c.codec.WriteFrame(conn, NewResponse(decision, c.identity)); err != nil {
			return 0, fmt.Errorf("write response: %w", err)
		}
		return decision, nil
	default:
		return 0, &ProtocolError{Op: "dispatch", Err: fmt.Errorf("unknown message tag %q", req.Message)}
	}
}

// comply closes the listener and runs the shutdown hook once.
func (c *Coordinator) comply(listener net.Listener, decision Decision) {
	c.mu.Lock()
	if next, err := fsm.Transition(c.state, fsm.EventComply); err == nil {
		c.state = next
	}
	c.mu.Unlock()

	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.Warn("close control listener failed", "error", err.Error())
	}
	c.markClosed()

	c.logger.Info("control port released after remote shutdown", "decision", decision.String())
	c.shutdownOnce.Do(c.onShutdown)
}

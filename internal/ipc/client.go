package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rbright/portguard/internal/secret"
	"github.com/rbright/portguard/internal/session"
)

const DefaultDialTimeout = 2 * time.Second

var (
	ErrInvalidTarget  = errors.New("invalid shutdown target")
	ErrSecretRequired = errors.New("shutdown password is required")
)

// Client sends shutdown requests to the instance holding a control port.
type Client struct {
	Codec       Codec
	Identity    session.Identity
	DialTimeout time.Duration
	IOTimeout   time.Duration
}

// Reply is the single value delivered by RequestShutdownAsync.
type Reply struct {
	Envelope Envelope
	Err      error
}

// RequestShutdown performs one request/response roundtrip with host:port.
func (c Client) RequestShutdown(ctx context.Context, host string, port int, s *secret.Secret) (Envelope, error) {
	if strings.TrimSpace(host) == "" {
		return Envelope{}, fmt.Errorf("%w: host must not be empty", ErrInvalidTarget)
	}
	if !ValidPort(port) {
		return Envelope{}, fmt.Errorf("%w: port %d out of range", ErrInvalidTarget, port)
	}
	if s.IsEmpty() {
		return Envelope{}, ErrSecretRequired
	}

	codec := c.Codec
	if codec == nil {
		codec = LengthPrefixedCodec{}
	}
	identity := c.Identity
	if identity == "" {
		identity = session.NewIdentity()
	}

	req, err := NewEnvelope(TagShutdownRequest, s.Hash(), identity)
	if err != nil {
		return Envelope{}, err
	}

	dialer := net.Dialer{Timeout: durationOr(c.DialTimeout, DefaultDialTimeout)}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return Envelope{}, fmt.Errorf("dial control port: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(durationOr(c.IOTimeout, DefaultIOTimeout))
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return Envelope{}, fmt.Errorf("set deadline: %w", err)
	}

	if err := codec.WriteFrame(conn, req); err != nil {
		return Envelope{}, fmt.Errorf("send request: %w", err)
	}

	resp, err := codec.ReadFrame(conn)
	if err != nil {
		return Envelope{}, fmt.Errorf("read response: %w", err)
	}
	if resp.Message != TagShutdownResponse {
		return Envelope{}, &ProtocolError{Op: "read response", Err: fmt.Errorf("unexpected message tag %q", resp.Message)}
	}

	return resp, nil
}

// RequestShutdownAsync runs RequestShutdown on its own goroutine. The
// returned channel receives exactly one Reply.
func (c Client) RequestShutdownAsync(ctx context.Context, host string, port int, s *secret.Secret) <-chan Reply {
	out := make(chan Reply, 1)
	go func() {
		env, err := c.RequestShutdown(ctx, host, port, s)
		out <- Reply{Envelope: env, Err: err}
	}()
	return out
}

// ResponseDecision interprets a shutdown response, preferring the decision
// code and falling back to the canonical message.
func ResponseDecision(resp Envelope) (Decision, error) {
	if resp.Decision != "" {
		if decision, ok := DecisionFromCode(resp.Decision); ok {
			return decision, nil
		}
		return 0, &ProtocolError{Op: "interpret response", Err: fmt.Errorf("unknown decision code %q", resp.Decision)}
	}
	if decision, ok := DecisionFromMessage(resp.Content); ok {
		return decision, nil
	}
	return 0, &ProtocolError{Op: "interpret response", Err: fmt.Errorf("unrecognized response content %q", resp.Content)}
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

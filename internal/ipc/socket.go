package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/rbright/portguard/internal/logging"
	"github.com/rbright/portguard/internal/secret"
)

const (
	DefaultHost         = "127.0.0.1"
	DefaultWaitTimeout  = 5 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
)

// BindResult is the terminal outcome of one startup bind attempt.
type BindResult int

const (
	BindPortAvailable BindResult = iota + 1
	BindRemoteShutdownDisabled
	BindInvalidPort
	BindPasswordNotSet
	BindRemoteShutdownDenied
	BindRemoteShutdownFailed
	BindTimedOutAfterRemoteShutdown
	BindSuccessAfterRemoteShutdown
	BindPortUnavailable
)

type bindResultInfo struct {
	name    string
	message string
	success bool
}

var bindResults = map[BindResult]bindResultInfo{
	BindPortAvailable: {
		name:    "PORT_AVAILABLE",
		message: "control port is available",
		success: true,
	},
	BindRemoteShutdownDisabled: {
		name:    "REMOTE_SHUTDOWN_REQUESTS_DISABLED",
		message: "control port is in use and remote shutdown requests are disabled",
	},
	BindInvalidPort: {
		name:    "INVALID_PORT",
		message: "control port is outside the valid TCP port range",
	},
	BindPasswordNotSet: {
		name:    "PASSWORD_NOT_SET",
		message: "control port is in use and no remote shutdown password is configured",
	},
	BindRemoteShutdownDenied: {
		name:    "REMOTE_SHUTDOWN_REQUEST_DENIED",
		message: "running instance denied the remote shutdown request",
	},
	BindRemoteShutdownFailed: {
		name:    "FAILURE_WHILE_ATTEMPTING_REMOTE_SHUTDOWN",
		message: "remote shutdown request to the running instance failed",
	},
	BindTimedOutAfterRemoteShutdown: {
		name:    "TIMED_OUT_AFTER_SUCCESSFUL_REMOTE_SHUTDOWN",
		message: "running instance accepted shutdown but did not release the port in time",
	},
	BindSuccessAfterRemoteShutdown: {
		name:    "SUCCESS_AFTER_REMOTE_SHUTDOWN",
		message: "running instance shut down and released the control port",
		success: true,
	},
	BindPortUnavailable: {
		name:    "PORT_UNAVAILABLE",
		message: "control port could not be bound",
	},
}

// Success reports whether the port may be bound.
func (r BindResult) Success() bool { return bindResults[r].success }

func (r BindResult) Message() string { return bindResults[r].message }

func (r BindResult) String() string {
	if info, ok := bindResults[r]; ok {
		return info.name
	}
	return "UNKNOWN"
}

// BindError is the fatal startup error for a non-success BindResult.
type BindError struct {
	Result BindResult
	Err    error
}

func (e *BindError) Error() string {
	msg := fmt.Sprintf("acquire control port: %s: %s", e.Result, e.Result.Message())
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BindError) Unwrap() error { return e.Err }

// ShutdownRequester asks the instance at host:port to shut down. The
// returned channel delivers exactly one Reply.
type ShutdownRequester interface {
	RequestShutdownAsync(ctx context.Context, host string, port int, s *secret.Secret) <-chan Reply
}

// Resolver decides whether this instance may bind the control port.
type Resolver struct {
	Host                  string
	Port                  int
	RemoteShutdownEnabled bool
	Secret                *secret.Secret
	Requester             ShutdownRequester
	// Available overrides PortAvailable in tests.
	Available    func(host string, port int) bool
	WaitTimeout  time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Resolve evaluates the bind decision tree once and returns a terminal
// result. It only contacts the peer when the port is taken, remote shutdown
// is enabled, the port is valid, and a password is configured.
func (r Resolver) Resolve(ctx context.Context) BindResult {
	logger := r.logger()
	host := r.host()
	available := r.Available
	if available == nil {
		available = PortAvailable
	}

	if available(host, r.Port) {
		return BindPortAvailable
	}
	if !r.RemoteShutdownEnabled {
		return BindRemoteShutdownDisabled
	}
	if !ValidPort(r.Port) {
		return BindInvalidPort
	}
	if r.Secret.IsEmpty() {
		return BindPasswordNotSet
	}

	requester := r.Requester
	if requester == nil {
		requester = Client{}
	}

	logger.Info("control port in use; requesting remote shutdown", "host", host, "port", r.Port)
	replies := requester.RequestShutdownAsync(ctx, host, r.Port, r.Secret)
	var reply Reply
	select {
	case reply = <-replies:
	case <-ctx.Done():
		// A reply that is already in hand still counts.
		select {
		case reply = <-replies:
		default:
			reply = Reply{Err: ctx.Err()}
		}
	}
	resp, err := reply.Envelope, reply.Err
	if err != nil {
		logger.Error("remote shutdown request failed", "port", r.Port, "error", err.Error())
		return BindRemoteShutdownFailed
	}

	decision, err := ResponseDecision(resp)
	if err != nil {
		logger.Error("remote shutdown response invalid", "port", r.Port, "error", err.Error())
		return BindRemoteShutdownFailed
	}
	logger.Info("remote shutdown response",
		"decision", decision.String(),
		"peer_session_id", resp.SessionID,
	)
	if !decision.ShouldComply() {
		return BindRemoteShutdownDenied
	}

	if r.waitAvailable(ctx, available, host) {
		return BindSuccessAfterRemoteShutdown
	}
	return BindTimedOutAfterRemoteShutdown
}

// waitAvailable polls until the port frees, the wait window elapses, or ctx
// is cancelled.
func (r Resolver) waitAvailable(ctx context.Context, available func(string, int) bool, host string) bool {
	deadline := time.NewTimer(durationOr(r.WaitTimeout, DefaultWaitTimeout))
	defer deadline.Stop()
	ticker := time.NewTicker(durationOr(r.PollInterval, DefaultPollInterval))
	defer ticker.Stop()

	for {
		if available(host, r.Port) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return available(host, r.Port)
		case <-ticker.C:
		}
	}
}

func (r Resolver) host() string {
	if r.Host == "" {
		return DefaultHost
	}
	return r.Host
}

func (r Resolver) logger() *slog.Logger {
	if r.Logger == nil {
		return logging.Discard().Logger
	}
	return r.Logger
}

// Acquire resolves the bind decision and binds the control port. Any
// non-success result is returned as a *BindError.
func Acquire(ctx context.Context, r Resolver) (net.Listener, BindResult, error) {
	result := r.Resolve(ctx)
	if !result.Success() {
		return nil, result, &BindError{Result: result}
	}

	listener, err := Listen(r.host(), r.Port)
	if err != nil {
		return nil, BindPortUnavailable, &BindError{Result: BindPortUnavailable, Err: err}
	}
	return listener, result, nil
}

// ValidPort reports whether port is in 1..65535.
func ValidPort(port int) bool {
	return port > 0 && port <= 65535
}

// PortAvailable reports whether host:port can be bound right now.
func PortAvailable(host string, port int) bool {
	if !ValidPort(port) {
		return false
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

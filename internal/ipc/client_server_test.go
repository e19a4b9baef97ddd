package ipc

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rbright/portguard/internal/fsm"
	"github.com/rbright/portguard/internal/secret"
)

type coordinatorHarness struct {
	coord    *Coordinator
	host     string
	port     int
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	shutdown chan struct{}
}

func startCoordinator(t *testing.T, opts CoordinatorOptions) *coordinatorHarness {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := &coordinatorHarness{
		host:     "127.0.0.1",
		port:     listener.Addr().(*net.TCPAddr).Port,
		done:     make(chan struct{}),
		shutdown: make(chan struct{}),
	}
	var once sync.Once
	opts.OnShutdown = func() { once.Do(func() { close(h.shutdown) }) }
	h.coord = NewCoordinator(opts)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.err = h.coord.Serve(ctx, listener)
		close(h.done)
	}()

	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *coordinatorHarness) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case <-h.done:
		return h.err
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop")
		return nil
	}
}

func (h *coordinatorHarness) shutdownCalled() bool {
	select {
	case <-h.shutdown:
		return true
	default:
		return false
	}
}

func testClient() Client {
	return Client{Identity: "client-session", DialTimeout: 500 * time.Millisecond, IOTimeout: time.Second}
}

func TestShutdownRequestCorrectPasswordReleasesPort(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{
		Identity: "server-session",
		Policy:   Policy{Secret: secret.New("s3cret")},
	})

	resp, err := testClient().RequestShutdown(context.Background(), h.host, h.port, secret.New("s3cret"))
	require.NoError(t, err)
	require.Equal(t, TagShutdownResponse, resp.Message)
	require.Equal(t, "Shutdown request accepted, password correct", resp.Content)
	require.Equal(t, "server-session", resp.SessionID)

	require.NoError(t, h.waitDone(t))
	require.True(t, h.shutdownCalled())
	require.Equal(t, fsm.StateClosed, h.coord.State())
	require.True(t, PortAvailable(h.host, h.port))
}

func TestShutdownRequestWrongPasswordKeepsListening(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{Policy: Policy{Secret: secret.New("s3cret")}})

	resp, err := testClient().RequestShutdown(context.Background(), h.host, h.port, secret.New("wrong"))
	require.NoError(t, err)
	require.Equal(t, "Shutdown request denied, password incorrect", resp.Content)
	decision, err := ResponseDecision(resp)
	require.NoError(t, err)
	require.Equal(t, DecisionPasswordIncorrect, decision)

	require.False(t, h.shutdownCalled())
	require.False(t, PortAvailable(h.host, h.port))
	require.Equal(t, fsm.StateListening, h.coord.State())

	resp, err = testClient().RequestShutdown(context.Background(), h.host, h.port, secret.New("s3cret"))
	require.NoError(t, err)
	require.Equal(t, DecisionPasswordCorrect.Message(), resp.Content)
	require.NoError(t, h.waitDone(t))
}

func TestShutdownRequestWithoutServerSecretIsDenied(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{})

	resp, err := testClient().RequestShutdown(context.Background(), h.host, h.port, secret.New("anything"))
	require.NoError(t, err)
	require.Equal(t, DecisionPasswordNotFound.Code(), resp.Decision)
	require.False(t, h.shutdownCalled())
}

func TestShutdownRequestAutoComplianceWithDelimitedFraming(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{
		Codec:  DelimitedCodec{},
		Policy: Policy{AutoComply: true},
	})

	client := testClient()
	client.Codec = DelimitedCodec{}
	resp, err := client.RequestShutdown(context.Background(), h.host, h.port, secret.New("irrelevant"))
	require.NoError(t, err)
	require.Equal(t, DecisionAutoComplianceEnabled.Message(), resp.Content)
	require.NoError(t, h.waitDone(t))
	require.True(t, h.shutdownCalled())
}

func TestSetPolicyAppliesToNextRequest(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{Policy: Policy{Secret: secret.New("old")}})

	resp, err := testClient().RequestShutdown(context.Background(), h.host, h.port, secret.New("new"))
	require.NoError(t, err)
	require.Equal(t, DecisionPasswordIncorrect.Code(), resp.Decision)

	h.coord.SetPolicy(Policy{Secret: secret.New("new")})
	require.Equal(t, secret.Hash("new"), h.coord.Policy().Secret.Hash())

	resp, err = testClient().RequestShutdown(context.Background(), h.host, h.port, secret.New("new"))
	require.NoError(t, err)
	require.Equal(t, DecisionPasswordCorrect.Code(), resp.Decision)
	require.NoError(t, h.waitDone(t))
}

func TestServeSurvivesUnknownTagAndGarbage(t *testing.T) {
	var logs safeBuffer
	h := startCoordinator(t, CoordinatorOptions{
		Logger: slog.New(slog.NewJSONHandler(&logs, nil)),
		Policy: Policy{Secret: secret.New("s3cret")},
	})

	conn, err := net.Dial("tcp", net.JoinHostPort(h.host, strconv.Itoa(h.port)))
	require.NoError(t, err)
	env := Envelope{Message: "Hello", Content: "hi", SessionID: "peer"}
	require.NoError(t, LengthPrefixedCodec{}.WriteFrame(conn, env))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = io.ReadAll(conn)
	require.NoError(t, err)
	_ = conn.Close()

	conn, err = net.Dial("tcp", net.JoinHostPort(h.host, strconv.Itoa(h.port)))
	require.NoError(t, err)
	_, err = conn.Write([]byte("not a frame at all"))
	require.NoError(t, err)
	_ = conn.Close()

	resp, err := testClient().RequestShutdown(context.Background(), h.host, h.port, secret.New("wrong"))
	require.NoError(t, err)
	require.Equal(t, DecisionPasswordIncorrect.Code(), resp.Decision)

	require.Contains(t, logs.String(), `unknown message tag \"Hello\"`)
	require.Contains(t, logs.String(), "control connection failed")
}

func TestServeDropsSilentPeerAfterIOTimeout(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{
		IOTimeout: 100 * time.Millisecond,
		Policy:    Policy{AutoComply: true},
	})

	silent, err := net.Dial("tcp", net.JoinHostPort(h.host, strconv.Itoa(h.port)))
	require.NoError(t, err)
	defer silent.Close()

	resp, err := testClient().RequestShutdown(context.Background(), h.host, h.port, secret.New("x"))
	require.NoError(t, err)
	require.Equal(t, DecisionAutoComplianceEnabled.Code(), resp.Decision)
	require.NoError(t, h.waitDone(t))
}

func TestConcurrentRequestsReceiveWellFormedResponses(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{Policy: Policy{Secret: secret.New("s3cret")}})

	const clients = 4
	var wg sync.WaitGroup
	replies := make(chan Reply, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env, err := testClient().RequestShutdown(context.Background(), h.host, h.port, secret.New("wrong"))
			replies <- Reply{Envelope: env, Err: err}
		}()
	}
	wg.Wait()
	close(replies)

	for reply := range replies {
		require.NoError(t, reply.Err)
		require.Equal(t, TagShutdownResponse, reply.Envelope.Message)
		require.Equal(t, DecisionPasswordIncorrect.Message(), reply.Envelope.Content)
	}
	require.False(t, h.shutdownCalled())
}

func TestRequestShutdownAsyncDeliversOneReply(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{Policy: Policy{Secret: secret.New("s3cret")}})

	replies := testClient().RequestShutdownAsync(context.Background(), h.host, h.port, secret.New("s3cret"))
	select {
	case reply := <-replies:
		require.NoError(t, reply.Err)
		require.Equal(t, DecisionPasswordCorrect.Code(), reply.Envelope.Decision)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
	require.NoError(t, h.waitDone(t))
}

func TestRequestShutdownValidatesArguments(t *testing.T) {
	client := testClient()
	ctx := context.Background()

	_, err := client.RequestShutdown(ctx, "", 4000, secret.New("x"))
	require.ErrorIs(t, err, ErrInvalidTarget)

	_, err = client.RequestShutdown(ctx, "127.0.0.1", 0, secret.New("x"))
	require.ErrorIs(t, err, ErrInvalidTarget)

	_, err = client.RequestShutdown(ctx, "127.0.0.1", 70000, secret.New("x"))
	require.ErrorIs(t, err, ErrInvalidTarget)

	_, err = client.RequestShutdown(ctx, "127.0.0.1", 4000, secret.New(""))
	require.ErrorIs(t, err, ErrSecretRequired)

	reply := <-client.RequestShutdownAsync(ctx, "127.0.0.1", 4000, nil)
	require.ErrorIs(t, reply.Err, ErrSecretRequired)
}

func TestRequestShutdownConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	_, err = testClient().RequestShutdown(context.Background(), "127.0.0.1", port, secret.New("x"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "dial control port")
}

func TestRequestShutdownTimesOutOnSilentServer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(io.Discard, conn)
	}()

	client := testClient()
	client.IOTimeout = 100 * time.Millisecond
	start := time.Now()
	_, err = client.RequestShutdown(context.Background(), "127.0.0.1", listener.Addr().(*net.TCPAddr).Port, secret.New("x"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "read response")
	require.Less(t, time.Since(start), time.Second)
}

func TestRequestShutdownRejectsUnexpectedResponseTag(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		if _, readErr := (LengthPrefixedCodec{}).ReadFrame(reader); readErr != nil {
			return
		}
		_ = LengthPrefixedCodec{}.WriteFrame(conn, Envelope{Message: TagShutdownRequest, Content: "x", SessionID: "y"})
	}()

	_, err = testClient().RequestShutdown(context.Background(), "127.0.0.1", listener.Addr().(*net.TCPAddr).Port, secret.New("x"))
	require.ErrorIs(t, err, ErrProtocol)
	require.Contains(t, err.Error(), "unexpected message tag")
}

func TestServeContextCancelStopsWithoutShutdownHook(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{})

	_, err := testClient().RequestShutdown(context.Background(), h.host, h.port, secret.New("x"))
	require.NoError(t, err)

	h.cancel()
	require.NoError(t, h.waitDone(t))
	require.False(t, h.shutdownCalled())
	require.Equal(t, fsm.StateClosed, h.coord.State())
	require.True(t, PortAvailable(h.host, h.port))
}

func TestServeTwiceReturnsErrAlreadyStarted(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{})

	_, err := testClient().RequestShutdown(context.Background(), h.host, h.port, secret.New("x"))
	require.NoError(t, err)
	require.NotNil(t, h.coord.Addr())

	other, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer other.Close()

	err = h.coord.Serve(context.Background(), other)
	require.True(t, errors.Is(err, ErrAlreadyStarted))

	_, err = other.Accept()
	require.ErrorIs(t, err, net.ErrClosed)
}

func TestServeAfterStopClosesGivenListener(t *testing.T) {
	coord := NewCoordinator(CoordinatorOptions{})
	require.NoError(t, coord.Stop())
	require.Equal(t, fsm.StateClosed, coord.State())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port

	err = coord.Serve(context.Background(), listener)
	require.ErrorIs(t, err, ErrAlreadyStarted)
	require.True(t, PortAvailable("127.0.0.1", port))
}

// flakyListener fails the first n Accept calls with a transient error.
type flakyListener struct {
	net.Listener
	mu       sync.Mutex
	failures int
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return nil, errors.New("accept: too many open files")
	}
	l.mu.Unlock()
	return l.Listener.Accept()
}

func TestServeKeepsListeningAfterTransientAcceptErrors(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := inner.Addr().(*net.TCPAddr).Port

	logs := &safeBuffer{}
	coord := NewCoordinator(CoordinatorOptions{
		Logger: slog.New(slog.NewTextHandler(logs, nil)),
		Policy: Policy{Secret: secret.New("pw")},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Serve(ctx, &flakyListener{Listener: inner, failures: 3}) }()

	resp, err := testClient().RequestShutdown(context.Background(), "127.0.0.1", port, secret.New("wrong"))
	require.NoError(t, err)
	require.Equal(t, DecisionPasswordIncorrect.Message(), resp.Content)
	require.Equal(t, fsm.StateListening, coord.State())
	require.Contains(t, logs.String(), "accept control connection failed")

	cancel()
	require.NoError(t, <-done)
}

func TestNextBackoffDoublesUpToCap(t *testing.T) {
	require.Equal(t, minAcceptBackoff, nextBackoff(0))
	require.Equal(t, 2*minAcceptBackoff, nextBackoff(minAcceptBackoff))
	require.Equal(t, maxAcceptBackoff, nextBackoff(maxAcceptBackoff))
	require.Equal(t, maxAcceptBackoff, nextBackoff(800*time.Millisecond))
}

func TestStopEndsServe(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{})

	_, err := testClient().RequestShutdown(context.Background(), h.host, h.port, secret.New("x"))
	require.NoError(t, err)

	require.NoError(t, h.coord.Stop())
	require.NoError(t, h.waitDone(t))
	require.NoError(t, h.coord.Stop())
}

func TestListenRejectsInvalidPortAndBusyPort(t *testing.T) {
	_, err := Listen("127.0.0.1", 0)
	require.Error(t, err)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	_, err = Listen("127.0.0.1", busy.Addr().(*net.TCPAddr).Port)
	require.Error(t, err)
	require.Contains(t, err.Error(), "listen control port")
}

type safeBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *safeBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *safeBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// Package app wires CLI commands to the control-port coordinator.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/rbright/portguard/internal/cli"
	"github.com/rbright/portguard/internal/config"
	"github.com/rbright/portguard/internal/doctor"
	"github.com/rbright/portguard/internal/ipc"
	"github.com/rbright/portguard/internal/logging"
	"github.com/rbright/portguard/internal/owner"
	"github.com/rbright/portguard/internal/secret"
	"github.com/rbright/portguard/internal/session"
	"github.com/rbright/portguard/internal/version"
)

const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitUsage          = 2
	ExitRemoteShutdown = 3
)

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText("portguard"))
		return ExitUsage
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText("portguard"))
		return ExitOK
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return ExitOK
	}

	logOpts := logging.Options{Attrs: []any{"command", string(parsed.Command)}}
	if parsed.Verbose {
		logOpts.Level = slog.LevelDebug
	}
	logRuntime, err := logging.New(logOpts)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return ExitFailure
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("load config failed", "error", err.Error())
		return ExitFailure
	}
	applyOverrides(&cfgLoaded.Config, parsed)
	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}

	logger.Info("command start",
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
		"port", cfgLoaded.Config.Control.Port,
	)

	switch parsed.Command {
	case cli.CommandDoctor:
		report := doctor.Run(cfgLoaded)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return ExitOK
		}
		return ExitFailure
	case cli.CommandStatus:
		return r.commandStatus(cfgLoaded.Config)
	case cli.CommandShutdown:
		return r.commandShutdown(ctx, cfgLoaded.Config, logger)
	case cli.CommandRun:
		return r.commandRun(ctx, cfgLoaded, logger)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return ExitUsage
	}
}

func applyOverrides(cfg *config.Config, parsed cli.Parsed) {
	if parsed.Host != "" {
		cfg.Control.Host = parsed.Host
	}
	if parsed.Port != 0 {
		cfg.Control.Port = parsed.Port
	}
}

func (r Runner) commandStatus(cfg config.Config) int {
	control := cfg.Control
	addr := fmt.Sprintf("%s:%d", control.Host, control.Port)

	if !ipc.ValidPort(control.Port) {
		fmt.Fprintf(r.Stderr, "error: %s\n", ipc.BindInvalidPort.Message())
		return ExitFailure
	}
	if ipc.PortAvailable(control.Host, control.Port) {
		fmt.Fprintf(r.Stdout, "%s free\n", addr)
		return ExitOK
	}

	path, err := owner.Path(control.Port)
	if err != nil {
		fmt.Fprintf(r.Stdout, "%s in use\n", addr)
		return ExitOK
	}
	rec, err := owner.Read(path)
	switch {
	case errors.Is(err, owner.ErrNotFound):
		fmt.Fprintf(r.Stdout, "%s in use (no owner record)\n", addr)
	case err != nil:
		fmt.Fprintf(r.Stdout, "%s in use (%v)\n", addr, err)
	default:
		fmt.Fprintf(r.Stdout, "%s in use by %s\n", addr, rec.String())
	}
	return ExitOK
}

func (r Runner) commandShutdown(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	codec, err := ipc.CodecByName(cfg.Protocol.Framing)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return ExitFailure
	}

	sec := secret.New(cfg.RemoteShutdown.Password)
	defer sec.Destroy()

	client := ipc.Client{Codec: codec, IOTimeout: cfg.RemoteShutdown.IOTimeout()}
	resp, err := client.RequestShutdown(ctx, cfg.Control.Host, cfg.Control.Port, sec)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("remote shutdown request failed", "port", cfg.Control.Port, "error", err.Error())
		return ExitFailure
	}

	decision, err := ipc.ResponseDecision(resp)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return ExitFailure
	}
	logger.Info("remote shutdown response",
		"decision", decision.String(),
		"peer_session_id", resp.SessionID,
	)

	fmt.Fprintln(r.Stdout, decision.Message())
	if decision.ShouldComply() {
		return ExitOK
	}
	return ExitFailure
}

func (r Runner) commandRun(ctx context.Context, loaded config.Loaded, logger *slog.Logger) int {
	cfg := loaded.Config
	identity := session.NewIdentity()
	logger = logger.With("session_id", identity.String())

	codec, err := ipc.CodecByName(cfg.Protocol.Framing)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return ExitFailure
	}

	secrets := &secretSet{}
	defer secrets.destroyAll()
	sec := secrets.add(cfg.RemoteShutdown.Password)

	resolver := ipc.Resolver{
		Host:                  cfg.Control.Host,
		Port:                  cfg.Control.Port,
		RemoteShutdownEnabled: cfg.RemoteShutdown.Enable,
		Secret:                sec,
		Requester: ipc.Client{
			Codec:     codec,
			Identity:  identity,
			IOTimeout: cfg.RemoteShutdown.IOTimeout(),
		},
		WaitTimeout:  cfg.RemoteShutdown.WaitTimeout(),
		PollInterval: cfg.RemoteShutdown.PollInterval(),
		Logger:       logger,
	}

	listener, result, err := ipc.Acquire(ctx, resolver)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("acquire control port failed", "result", result.String(), "error", err.Error())
		return ExitFailure
	}
	logger.Info("control port acquired", "result", result.String(), "addr", listener.Addr().String())
	fmt.Fprintf(r.Stdout, "%s: listening on %s\n", result, listener.Addr())

	ownerPath, err := owner.Path(cfg.Control.Port)
	if err == nil {
		err = owner.Write(ownerPath, owner.Current(identity, cfg.Control.Host, cfg.Control.Port))
	}
	if err != nil {
		logger.Warn("owner record not written", "error", err.Error())
	} else {
		defer func() {
			if err := owner.Remove(ownerPath, identity); err != nil {
				logger.Warn("owner record not removed", "error", err.Error())
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var remoteShutdown atomic.Bool
	coordinator := ipc.NewCoordinator(ipc.CoordinatorOptions{
		Logger:    logger,
		Identity:  identity,
		Codec:     codec,
		Policy:    ipc.Policy{AutoComply: cfg.RemoteShutdown.AutoComply, Secret: sec},
		IOTimeout: cfg.RemoteShutdown.IOTimeout(),
		OnShutdown: func() {
			remoteShutdown.Store(true)
			cancel()
		},
	})

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return coordinator.Serve(gctx, listener)
	})

	if loaded.Path != "" {
		watcher, err := config.NewWatcher(loaded.Path, logger)
		if err != nil {
			logger.Warn("config watch disabled", "error", err.Error())
		} else {
			g.Go(func() error {
				return watcher.Run(gctx, func(next config.Loaded) {
					rs := next.Config.RemoteShutdown
					coordinator.SetPolicy(ipc.Policy{
						AutoComply: rs.AutoComply,
						Secret:     secrets.add(rs.Password),
					})
					logger.Info("shutdown policy updated", "auto_comply", rs.AutoComply)
				})
			})
		}
	}

	if err := g.Wait(); err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("control port server failed", "error", err.Error())
		return ExitFailure
	}

	if remoteShutdown.Load() {
		logger.Info("exiting after remote shutdown")
		fmt.Fprintln(r.Stdout, "shut down by remote request")
		return ExitRemoteShutdown
	}
	logger.Info("exiting")
	return ExitOK
}

// secretSet owns every password loaded during one run. Replaced secrets may
// still be read by an in-flight request, so they are only wiped on exit.
type secretSet struct {
	mu    sync.Mutex
	items []*secret.Secret
}

func (s *secretSet) add(password string) *secret.Secret {
	sec := secret.New(password)
	s.mu.Lock()
	s.items = append(s.items, sec)
	s.mu.Unlock()
	return sec
}

func (s *secretSet) destroyAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sec := range s.items {
		sec.Destroy()
	}
	s.items = nil
}

// Package doctor runs readiness diagnostics for config, the control port, and log output.
package doctor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rbright/portguard/internal/config"
	"github.com/rbright/portguard/internal/ipc"
	"github.com/rbright/portguard/internal/logging"
	"github.com/rbright/portguard/internal/owner"
)

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes config and environment checks for a loaded config.
func Run(cfg config.Loaded) Report {
	return run(cfg, ipc.PortAvailable)
}

func run(cfg config.Loaded, available func(host string, port int) bool) Report {
	checks := []Check{}

	configMsg := fmt.Sprintf("loaded %q", cfg.Path)
	if !cfg.Exists {
		configMsg = fmt.Sprintf("using defaults (%q not found)", cfg.Path)
	}
	checks = append(checks, Check{Name: "config", Pass: true, Message: configMsg})

	checks = append(checks, checkPort(cfg.Config.Control))
	checks = append(checks, checkPassword(cfg.Config.RemoteShutdown))
	checks = append(checks, checkFraming(cfg.Config.Protocol))
	if ipc.ValidPort(cfg.Config.Control.Port) {
		checks = append(checks, checkHolder(cfg.Config.Control, available))
	}
	checks = append(checks, checkLogPath())

	return Report{Checks: checks}
}

func checkPort(control config.ControlConfig) Check {
	if !ipc.ValidPort(control.Port) {
		return Check{Name: "control.port", Pass: false, Message: fmt.Sprintf("port %d is outside 1..65535", control.Port)}
	}
	return Check{Name: "control.port", Pass: true, Message: fmt.Sprintf("%s:%d", control.Host, control.Port)}
}

func checkPassword(rs config.RemoteShutdownConfig) Check {
	switch {
	case !rs.Enable:
		return Check{Name: "remote_shutdown.password", Pass: true, Message: "remote shutdown requests disabled"}
	case rs.Password == "":
		return Check{Name: "remote_shutdown.password", Pass: false, Message: "password is empty; set it or " + config.PasswordEnv}
	default:
		return Check{Name: "remote_shutdown.password", Pass: true, Message: "password configured"}
	}
}

func checkFraming(protocol config.ProtocolConfig) Check {
	codec, err := ipc.CodecByName(protocol.Framing)
	if err != nil {
		return Check{Name: "protocol.framing", Pass: false, Message: err.Error()}
	}
	return Check{Name: "protocol.framing", Pass: true, Message: codec.Name()}
}

// checkHolder reports who holds the control port. A port held by a process
// with no owner record is most likely a foreign service and cannot be
// reclaimed through remote shutdown.
func checkHolder(control config.ControlConfig, available func(string, int) bool) Check {
	if available(control.Host, control.Port) {
		return Check{Name: "control.holder", Pass: true, Message: "port is free"}
	}

	path, err := owner.Path(control.Port)
	if err != nil {
		return Check{Name: "control.holder", Pass: false, Message: err.Error()}
	}
	rec, err := owner.Read(path)
	if errors.Is(err, owner.ErrNotFound) {
		return Check{Name: "control.holder", Pass: false, Message: "port is in use by a process without an owner record"}
	}
	if err != nil {
		return Check{Name: "control.holder", Pass: false, Message: err.Error()}
	}
	return Check{Name: "control.holder", Pass: true, Message: "held by " + rec.String()}
}

func checkLogPath() Check {
	path, err := logging.ResolvePath()
	if err != nil {
		return Check{Name: "log", Pass: false, Message: err.Error()}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Check{Name: "log", Pass: false, Message: fmt.Sprintf("cannot create %q: %v", dir, err)}
	}
	return Check{Name: "log", Pass: true, Message: path}
}

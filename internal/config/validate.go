package config

import (
	"fmt"
	"strings"
)

// Validate enforces config invariants and returns non-fatal warnings.
//
// An out-of-range control port is only a warning here: startup reports it as
// the INVALID_PORT bind result once the port is found to be in use.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if strings.TrimSpace(cfg.Control.Host) == "" {
		return nil, fmt.Errorf("control.host must not be empty")
	}
	if cfg.RemoteShutdown.WaitTimeoutMS <= 0 {
		return nil, fmt.Errorf("remote_shutdown.wait_timeout_ms must be > 0")
	}
	if cfg.RemoteShutdown.PollIntervalMS <= 0 {
		return nil, fmt.Errorf("remote_shutdown.poll_interval_ms must be > 0")
	}
	if cfg.RemoteShutdown.PollIntervalMS > cfg.RemoteShutdown.WaitTimeoutMS {
		return nil, fmt.Errorf("remote_shutdown.poll_interval_ms must be <= wait_timeout_ms")
	}
	if cfg.RemoteShutdown.IOTimeoutMS <= 0 {
		return nil, fmt.Errorf("remote_shutdown.io_timeout_ms must be > 0")
	}

	framing := strings.ToLower(strings.TrimSpace(cfg.Protocol.Framing))
	if framing != "length" && framing != "delimiter" {
		return nil, fmt.Errorf("protocol.framing must be one of: length, delimiter")
	}

	if cfg.Control.Port <= 0 || cfg.Control.Port > 65535 {
		warnings = append(warnings, Warning{Message: fmt.Sprintf("control.port %d is outside 1..65535", cfg.Control.Port)})
	}
	if cfg.RemoteShutdown.Enable && cfg.RemoteShutdown.Password == "" {
		warnings = append(warnings, Warning{Message: "remote_shutdown.password is empty; running instances cannot be replaced"})
	}

	return warnings, nil
}

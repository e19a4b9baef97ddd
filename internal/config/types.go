// Package config resolves, parses, validates, and defaults portguard configuration.
package config

import "time"

// Config is the fully materialized runtime configuration used by portguard.
type Config struct {
	Control        ControlConfig
	RemoteShutdown RemoteShutdownConfig
	Protocol       ProtocolConfig
}

// ControlConfig locates the control port this instance owns.
type ControlConfig struct {
	Host string
	Port int
}

// RemoteShutdownConfig controls both sides of the remote shutdown exchange.
type RemoteShutdownConfig struct {
	Enable         bool
	AutoComply     bool
	Password       string
	WaitTimeoutMS  int
	PollIntervalMS int
	IOTimeoutMS    int
}

func (c RemoteShutdownConfig) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutMS) * time.Millisecond
}

func (c RemoteShutdownConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c RemoteShutdownConfig) IOTimeout() time.Duration {
	return time.Duration(c.IOTimeoutMS) * time.Millisecond
}

// ProtocolConfig selects wire framing.
type ProtocolConfig struct {
	Framing string
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}

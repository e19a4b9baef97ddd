package config

import (
	"errors"
	"fmt"
	"os"
)

// PasswordEnv overrides remote_shutdown.password when set.
const PasswordEnv = "PORTGUARD_PASSWORD"

// Loaded captures resolved config path, parsed values, and non-fatal warnings.
type Loaded struct {
	Path     string
	Config   Config
	Warnings []Warning
	Exists   bool
}

// Load resolves, reads, parses, and validates the runtime configuration.
func Load(explicitPath string) (Loaded, error) {
	resolvedPath, err := ResolvePath(explicitPath)
	if err != nil {
		return Loaded{}, err
	}

	base := Default()
	content, err := os.ReadFile(resolvedPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Loaded{}, fmt.Errorf("read config %q: %w", resolvedPath, err)
		}

		applyEnv(&base)
		warnings, err := Validate(base)
		if err != nil {
			return Loaded{}, fmt.Errorf("validate defaults: %w", err)
		}
		return Loaded{
			Path:   resolvedPath,
			Config: base,
			Warnings: append([]Warning{{
				Message: fmt.Sprintf("config file %q not found; using defaults", resolvedPath),
			}}, warnings...),
			Exists: false,
		}, nil
	}

	cfg, warnings, err := parse(string(content), base)
	if err != nil {
		return Loaded{}, fmt.Errorf("parse config %q: %w", resolvedPath, err)
	}
	applyEnv(&cfg)

	validatedWarnings, err := Validate(cfg)
	if err != nil {
		return Loaded{}, fmt.Errorf("parse config %q: %w", resolvedPath, err)
	}

	return Loaded{
		Path:     resolvedPath,
		Config:   cfg,
		Warnings: append(warnings, validatedWarnings...),
		Exists:   true,
	}, nil
}

func applyEnv(cfg *Config) {
	if password, ok := os.LookupEnv(PasswordEnv); ok && password != "" {
		cfg.RemoteShutdown.Password = password
	}
}

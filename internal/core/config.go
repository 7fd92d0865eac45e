// Package core holds the ambient pieces of the ptyrun binary that sit
// outside internal/exec's process-supervision domain: configuration
// loading and version reporting. The config format and loading style
// (hclsimple.DecodeFile, falling back to defaults when the file is
// absent) are carried over from the teacher's internal/core/hcl_config.go,
// reduced to the knobs a single-shot PTY-exec engine actually needs.
package core

import (
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the decoded contents of ptyrun's HCL configuration file.
type Config struct {
	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `hcl:"log_level,optional"`
	// TTYGroup is the group the allocated pty follower is chowned to;
	// empty skips the chgrp (spec.md §3 device ownership).
	TTYGroup string `hcl:"tty_group,optional"`
	// RawMode is decoded from the config file but not passed on to the
	// engine: internal/exec/parent switches the invoking terminal to raw
	// mode whenever the command starts in the foreground, whatever this
	// is set to.
	RawMode bool `hcl:"raw_mode,optional"`
	// PipeCapacity sizes the PTY relay buffers (spec.md §4.C).
	PipeCapacity int `hcl:"pipe_capacity,optional"`
}

// Default returns the zero-config defaults, used when no config file is
// present so the CLI works out of the box (matching the teacher's
// InitializeConfig, which tolerates a missing config file).
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		TTYGroup:     "tty",
		RawMode:      true,
		PipeCapacity: 65536,
	}
}

// LoadConfig reads and decodes the HCL file at path. A missing file is
// not an error: it yields Default() so ptyrun runs unconfigured.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err := hclsimple.DecodeFile(path, nil, cfg); err != nil {
		return nil, fmt.Errorf("core: decode config %s: %w", path, err)
	}
	return cfg, nil
}

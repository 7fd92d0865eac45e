package core

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log level info, got %q", cfg.LogLevel)
	}
	if cfg.PipeCapacity != 65536 {
		t.Fatalf("expected default pipe capacity 65536, got %d", cfg.PipeCapacity)
	}
	if !cfg.RawMode {
		t.Fatalf("expected raw mode to default true")
	}
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.hcl"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected defaults when config file is absent, got %+v", cfg)
	}
}

func TestLoadConfigEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.TTYGroup != "tty" {
		t.Fatalf("expected default tty group, got %+v", cfg)
	}
}

func TestLoadConfigParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ptyrun.hcl")
	contents := `
log_level     = "debug"
tty_group     = ""
raw_mode      = false
pipe_capacity = 4096
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log_level debug, got %q", cfg.LogLevel)
	}
	if cfg.TTYGroup != "" {
		t.Fatalf("expected tty_group cleared, got %q", cfg.TTYGroup)
	}
	if cfg.RawMode {
		t.Fatalf("expected raw_mode false")
	}
	if cfg.PipeCapacity != 4096 {
		t.Fatalf("expected pipe_capacity 4096, got %d", cfg.PipeCapacity)
	}
}

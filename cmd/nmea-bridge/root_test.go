package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"nmea-bridge/internal/config"
	"nmea-bridge/internal/server"
)

func TestExitCodes(t *testing.T) {
	bind := fmt.Errorf("%w: tcp :10110: address in use", server.ErrBind)
	if got := exitCode(bind); got != 2 {
		t.Fatalf("bind failure exit = %d, want 2", got)
	}
	wrapped := fmt.Errorf("starting servers: %w", bind)
	if got := exitCode(wrapped); got != 2 {
		t.Fatalf("wrapped bind failure exit = %d, want 2", got)
	}
	if got := exitCode(errors.New("scenario \"x\": not a built-in and not a file")); got != 1 {
		t.Fatalf("scenario error exit = %d, want 1", got)
	}
}

func TestOverlayPrecedence(t *testing.T) {
	t.Cleanup(func() {
		flagTCPAddr = ""
		flagTick = 0
		flagSeed = 0
	})
	cmd := &cobra.Command{}
	cmd.Flags().StringVar(&flagTCPAddr, "tcp-addr", "", "")
	cmd.Flags().DurationVar(&flagTick, "tick", 0, "")
	cmd.Flags().Int64Var(&flagSeed, "seed", 0, "")
	if err := cmd.Flags().Set("tcp-addr", ":7000"); err != nil {
		t.Fatalf("set tcp-addr: %v", err)
	}
	if err := cmd.Flags().Set("tick", "250ms"); err != nil {
		t.Fatalf("set tick: %v", err)
	}

	cfg := config.Default()
	overlay(cmd, &cfg)
	if cfg.TCPAddr != ":7000" {
		t.Errorf("tcp addr = %q, want :7000", cfg.TCPAddr)
	}
	if cfg.TickMS != 250 {
		t.Errorf("tick = %d, want 250", cfg.TickMS)
	}
	if cfg.Seed != config.Default().Seed {
		t.Errorf("seed changed without the flag being set: %d", cfg.Seed)
	}
	if cfg.WSAddr != config.Default().WSAddr {
		t.Errorf("ws addr changed without the flag being set: %q", cfg.WSAddr)
	}

	d := 2500 * time.Millisecond
	cmd2 := &cobra.Command{}
	cmd2.Flags().DurationVar(&flagTick, "tick", 0, "")
	if err := cmd2.Flags().Set("tick", d.String()); err != nil {
		t.Fatalf("set tick: %v", err)
	}
	overlay(cmd2, &cfg)
	if cfg.TickMS != 2500 {
		t.Errorf("tick = %d, want 2500", cfg.TickMS)
	}
}

func TestResolveSourceScenario(t *testing.T) {
	t.Cleanup(func() { flagScenario = "" })

	flagScenario = "harbor-cruise"
	src, err := resolveSource(config.Default())
	if err != nil {
		t.Fatalf("built-in scenario: %v", err)
	}
	if src == nil {
		t.Fatalf("expected a starter for a built-in scenario")
	}

	flagScenario = "atlantis-run"
	if _, err := resolveSource(config.Default()); err == nil {
		t.Fatalf("expected error for unknown scenario")
	} else if !strings.Contains(err.Error(), "not a built-in") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResolveSourceFile(t *testing.T) {
	t.Cleanup(func() { flagFile = "" })

	flagFile = filepath.Join(t.TempDir(), "missing.jsonl")
	if _, err := resolveSource(config.Default()); err == nil {
		t.Fatalf("expected error for missing session file")
	}
}

func TestResolveSourceIdle(t *testing.T) {
	src, err := resolveSource(config.Default())
	if err != nil {
		t.Fatalf("idle resolve: %v", err)
	}
	if src != nil {
		t.Fatalf("expected no starter without a mode flag")
	}
}

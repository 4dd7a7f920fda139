package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/kestrelhq/kestrel/internal/config"
)

func TestShellExecDisabled(t *testing.T) {
	sh := NewShellExec(config.ExecConfig{Enabled: false}, t.TempDir())
	if _, err := sh.Exec(context.Background(), "echo hi", 0); err == nil {
		t.Error("disabled executor must refuse commands")
	}
}

func TestShellExecDeniedPatterns(t *testing.T) {
	sh := NewShellExec(config.ExecConfig{Enabled: true}, t.TempDir())
	if _, err := sh.Exec(context.Background(), "rm -rf / --no-preserve-root", 0); err == nil {
		t.Error("denied pattern not blocked")
	}

	custom := NewShellExec(config.ExecConfig{Enabled: true, DeniedPatterns: []string{"shutdown"}}, t.TempDir())
	if _, err := custom.Exec(context.Background(), "shutdown -h now", 0); err == nil {
		t.Error("custom denied pattern not blocked")
	}
}

func TestShellExecAllowlist(t *testing.T) {
	sh := NewShellExec(config.ExecConfig{Enabled: true, AllowedPatterns: []string{"echo"}}, t.TempDir())

	out, err := sh.Exec(context.Background(), "echo allowed", 0)
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if !strings.Contains(out, "allowed") {
		t.Errorf("output = %q", out)
	}

	if _, err := sh.Exec(context.Background(), "ls /", 0); err == nil {
		t.Error("command outside allowlist must fail")
	}
}

func TestShellExecExitCode(t *testing.T) {
	sh := NewShellExec(config.ExecConfig{Enabled: true}, t.TempDir())

	out, err := sh.Exec(context.Background(), "echo oops >&2; exit 3", 0)
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if !strings.Contains(out, "exit code: 3") {
		t.Errorf("output missing exit code: %q", out)
	}
	if !strings.Contains(out, "oops") {
		t.Errorf("output missing stderr: %q", out)
	}
}

func TestShellExecTimeout(t *testing.T) {
	sh := NewShellExec(config.ExecConfig{Enabled: true}, t.TempDir())
	if _, err := sh.Exec(context.Background(), "sleep 5", 1); err == nil {
		t.Error("expected timeout error")
	}
}

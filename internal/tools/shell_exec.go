package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kestrelhq/kestrel/internal/config"
)

// ShellExec provides command execution capabilities.
type ShellExec struct {
	enabled        bool
	workingDir     string
	allowedCmds    []string // empty = allow all (when enabled)
	deniedCmds     []string
	defaultTimeout time.Duration
	maxOutputBytes int
}

// defaultDeniedCmds are command patterns blocked regardless of config.
var defaultDeniedCmds = []string{
	"rm -rf /",
	"rm -rf /*",
	"mkfs",
	"dd if=",
	"> /dev/sd",
	"chmod -R 777 /",
	":(){ :|:& };:", // fork bomb
}

// NewShellExec creates a shell executor from config.
func NewShellExec(cfg config.ExecConfig, workspace string) *ShellExec {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	workingDir := cfg.WorkingDir
	if workingDir == "" {
		workingDir = workspace
	}
	return &ShellExec{
		enabled:        cfg.Enabled,
		workingDir:     workingDir,
		allowedCmds:    cfg.AllowedPatterns,
		deniedCmds:     append(append([]string{}, defaultDeniedCmds...), cfg.DeniedPatterns...),
		defaultTimeout: timeout,
		maxOutputBytes: 100 * 1024,
	}
}

// Exec executes a shell command and formats the outcome for the model.
func (s *ShellExec) Exec(ctx context.Context, command string, timeoutSec int) (string, error) {
	if !s.enabled {
		return "", fmt.Errorf("shell execution is disabled")
	}

	cmdLower := strings.ToLower(command)
	for _, denied := range s.deniedCmds {
		if strings.Contains(cmdLower, strings.ToLower(denied)) {
			return "", fmt.Errorf("command blocked by security policy: matches denied pattern %q", denied)
		}
	}

	if len(s.allowedCmds) > 0 {
		allowed := false
		for _, prefix := range s.allowedCmds {
			if strings.HasPrefix(command, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("command not in allowlist")
		}
	}

	timeout := s.defaultTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	if timeout > 5*time.Minute {
		timeout = 5 * time.Minute
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if s.workingDir != "" {
		cmd.Dir = s.workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s", timeout)
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", fmt.Errorf("run command: %w", err)
		}
	}

	var b strings.Builder
	if out := truncateOutput(stdout.String(), s.maxOutputBytes); out != "" {
		b.WriteString(out)
	}
	if errOut := truncateOutput(stderr.String(), s.maxOutputBytes); errOut != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n" + errOut)
	}
	if exitCode != 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "exit code: %d", exitCode)
	}
	if b.Len() == 0 {
		return "(no output)", nil
	}
	return b.String(), nil
}

// truncateOutput truncates output to maxBytes, adding a note if
// truncated.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}

// RegisterShellExec adds the exec tool to a registry when enabled.
func RegisterShellExec(r *Registry, cfg config.ExecConfig, workspace string) {
	if !cfg.Enabled {
		return
	}
	sh := NewShellExec(cfg, workspace)

	r.Register(&Tool{
		Name:        "exec",
		Description: "Run a shell command in the workspace and return its output.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command to execute.",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": "Timeout in seconds. Default: 30, maximum: 300.",
				},
			},
			"required": []string{"command"},
		},
		Handler: func(ctx context.Context, _ Call, args map[string]any) (string, error) {
			command, _ := args["command"].(string)
			if command == "" {
				return "", fmt.Errorf("command is required")
			}
			timeout, _ := args["timeout"].(float64)
			return sh.Exec(ctx, command, int(timeout))
		},
	})
}

package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxExecOutput is the byte cap on exec output returned to the model.
const MaxExecOutput = 10000

// DefaultExecTimeout applies when neither config nor the call sets one.
const DefaultExecTimeout = 60 * time.Second

// ExecTool runs shell commands with the working directory confined to
// the workspace. The command text itself is not sandboxed.
type ExecTool struct {
	workspace  string
	timeout    time.Duration
	maxTimeout time.Duration
	guard      *CommandGuard
	logger     *slog.Logger
}

// NewExecTool creates an exec tool. A nil guard disables checks and auditing.
func NewExecTool(workspace string, timeout, maxTimeout time.Duration, guard *CommandGuard, logger *slog.Logger) *ExecTool {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	if maxTimeout < timeout {
		maxTimeout = timeout
	}
	return &ExecTool{
		workspace:  workspace,
		timeout:    timeout,
		maxTimeout: maxTimeout,
		guard:      guard,
		logger:     logger.With("component", "exec"),
	}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command. The working directory defaults to the workspace. Use with caution."
}

func (t *ExecTool) Parameters() map[string]any {
	return schema(map[string]any{
		"command":     prop("string", "Shell command to run"),
		"working_dir": prop("string", "Working directory inside the workspace (optional)"),
		"timeout":     prop("integer", "Timeout in seconds (optional)"),
	}, "command")
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	command, err := StringArg(args, "command")
	if err != nil {
		return "", err
	}
	workingDir, err := OptionalStringArg(args, "working_dir")
	if err != nil {
		return "", err
	}
	secs, err := IntArg(args, "timeout", 0)
	if err != nil {
		return "", err
	}

	dir := t.workspace
	if workingDir != "" {
		resolved, err := ValidatePath(workingDir, t.workspace)
		if err != nil {
			return "", err
		}
		dir = resolved.String()
	}

	timeout := t.timeout
	if secs > 0 {
		timeout = time.Duration(secs) * time.Second
		if timeout > t.maxTimeout {
			timeout = t.maxTimeout
		}
	}

	if ok, reason := t.guard.Check(command); !ok {
		result := "COMMAND BLOCKED: " + reason
		t.guard.Audit(t.Name(), args, false, result)
		t.logger.Warn("command blocked", "command", command, "reason", reason)
		return result, nil
	}

	result := t.run(ctx, command, dir, timeout)
	t.guard.Audit(t.Name(), args, true, result)
	return result, nil
}

func (t *ExecTool) run(ctx context.Context, command, dir string, timeout time.Duration) string {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = dir
	// Kill stragglers holding the pipes open after the shell exits.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	t.logger.Debug("executing", "command", command, "dir", dir, "timeout", timeout)
	err := cmd.Run()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("TIMEOUT AFTER %d SECONDS", int(timeout.Seconds()))
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return "COMMAND CANCELLED"
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "EXECUTION FAILED: " + err.Error()
		}
		exitCode = exitErr.ExitCode()
	}

	return truncateOutput(formatExecOutput(stdout.String(), stderr.String(), exitCode), MaxExecOutput)
}

func formatExecOutput(stdout, stderr string, exitCode int) string {
	var parts []string
	if stdout != "" {
		parts = append(parts, stdout)
	}
	if stderr != "" {
		parts = append(parts, "STDERR:\n"+stderr)
	}
	if exitCode != 0 {
		parts = append(parts, fmt.Sprintf("EXIT CODE: %d", exitCode))
	}
	if len(parts) == 0 {
		return "(NO OUTPUT)"
	}
	return strings.Join(parts, "\n")
}

func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return fmt.Sprintf("%s\nOUTPUT TRUNCATED: %d BYTES REMAINING", s[:max], len(s)-max)
}

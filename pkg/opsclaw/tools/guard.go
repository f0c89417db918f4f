package tools

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// GuardConfig configures the exec command guard.
type GuardConfig struct {
	// Enabled turns on deny-list checks. Auditing works either way.
	Enabled bool

	// AuditLogPath receives one line per tool execution when set.
	AuditLogPath string

	// ExtraPatterns are regexes blocked in addition to the defaults.
	ExtraPatterns []string
}

// defaultDenyPatterns catch commands that wreck the host no matter which
// directory they run in.
var defaultDenyPatterns = []string{
	`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+/(\s|$|\*)`, // rm -rf /
	`\bmkfs(\.[a-z0-9]+)?\b`,
	`\bdd\s+.*of=/dev/`,
	`>\s*/dev/(sd|nvme|hd)`,
	`\bchmod\s+(-R\s+)?777\s+/(\s|$)`,
	`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`, // fork bomb
	`\b(shutdown|reboot|poweroff|halt)\b`,
}

// CommandGuard blocks a small deny-list of shell commands and writes an
// audit trail of tool executions. It does not sandbox command text.
type CommandGuard struct {
	cfg      GuardConfig
	logger   *slog.Logger
	patterns []*regexp.Regexp

	mu        sync.Mutex
	auditFile *os.File
}

// NewCommandGuard compiles the deny-list and opens the audit log.
// An audit log that cannot be opened is logged and skipped.
func NewCommandGuard(cfg GuardConfig, logger *slog.Logger) *CommandGuard {
	g := &CommandGuard{
		cfg:    cfg,
		logger: logger.With("component", "command_guard"),
	}

	for _, p := range append(append([]string{}, defaultDenyPatterns...), cfg.ExtraPatterns...) {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			g.logger.Warn("invalid deny pattern", "pattern", p, "error", err)
			continue
		}
		g.patterns = append(g.patterns, re)
	}

	if cfg.AuditLogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.AuditLogPath), 0o755); err == nil {
			f, err := os.OpenFile(cfg.AuditLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
			if err != nil {
				g.logger.Warn("cannot open audit log", "path", cfg.AuditLogPath, "error", err)
			} else {
				g.auditFile = f
			}
		}
	}
	return g
}

// Check reports whether command may run, and why not.
func (g *CommandGuard) Check(command string) (bool, string) {
	if g == nil || !g.cfg.Enabled {
		return true, ""
	}
	for _, re := range g.patterns {
		if re.MatchString(command) {
			return false, "matches deny rule " + re.String()
		}
	}
	return true, ""
}

// Audit records one tool execution.
func (g *CommandGuard) Audit(tool string, args map[string]any, allowed bool, result string) {
	if g == nil {
		return
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] tool=%s allowed=%v", time.Now().Format("2006-01-02 15:04:05"), tool, allowed)
	for _, k := range keys {
		v := fmt.Sprint(args[k])
		if len(v) > 200 {
			v = v[:200] + "...[truncated]"
		}
		fmt.Fprintf(&b, " %s=%q", k, v)
	}
	if len(result) > 100 {
		result = result[:100] + "..."
	}
	fmt.Fprintf(&b, " result=%q", result)

	g.logger.Debug("tool execution", "entry", b.String())

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.auditFile != nil {
		_, _ = g.auditFile.WriteString(b.String() + "\n")
	}
}

// Close closes the audit log.
func (g *CommandGuard) Close() error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.auditFile == nil {
		return nil
	}
	err := g.auditFile.Close()
	g.auditFile = nil
	return err
}

package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Dangerous command patterns denied regardless of whitelist settings.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b|\bformat\s`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount)\b`),
	regexp.MustCompile(`\bchmod\s+[0-7]{3,4}\s+/`),
	regexp.MustCompile(`\bchown\b.*\s+/`),
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`/var/run/docker\.sock`),
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`\b(killall|pkill)\b`),
	regexp.MustCompile(`\beval\s*\$`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),
}

// DangerousPatterns returns the deny pattern sources, for the settings UI.
func DangerousPatterns() []string {
	out := make([]string, len(denyPatterns))
	for i, re := range denyPatterns {
		out[i] = re.String()
	}
	return out
}

// ShellTool runs shell commands in the workspace with a timeout, an output
// cap and an append-only audit log.
type ShellTool struct {
	workspace string
	timeout   time.Duration
	whitelist []string // non-empty enables whitelist mode: first word must match
	maxOutput int
	auditPath string
}

// ShellConfig holds the shell tool settings.
type ShellConfig struct {
	Workspace string
	Timeout   time.Duration
	Whitelist []string
	MaxOutput int
	DataDir   string
}

func NewShellTool(cfg ShellConfig) *ShellTool {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxOutput := cfg.MaxOutput
	if maxOutput <= 0 {
		maxOutput = 10000
	}
	auditPath := ""
	if cfg.DataDir != "" {
		auditPath = filepath.Join(cfg.DataDir, "shell_audit.log")
	}
	return &ShellTool{
		workspace: cfg.Workspace,
		timeout:   timeout,
		whitelist: cfg.Whitelist,
		maxOutput: maxOutput,
		auditPath: auditPath,
	}
}

func (t *ShellTool) Name() string { return "exec_shell" }
func (t *ShellTool) Description() string {
	return "Execute a shell command in the workspace and return its output"
}
func (t *ShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to execute",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	command = strings.TrimSpace(command)
	if command == "" {
		return ErrorResult("command is required")
	}

	if reason := t.checkCommand(command); reason != "" {
		t.audit(command, "denied: "+reason)
		return ErrorResult("Command denied: " + reason)
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.workspace
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()
	if len(output) > t.maxOutput {
		output = output[:t.maxOutput] + fmt.Sprintf("\n... (truncated at %d bytes)", t.maxOutput)
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		t.audit(command, "timeout")
		return ErrorResult(fmt.Sprintf("Command timed out after %s", t.timeout))
	case err != nil:
		t.audit(command, "error: "+err.Error())
		if output == "" {
			return ErrorResult(fmt.Sprintf("Command failed: %v", err))
		}
		return ErrorResult(fmt.Sprintf("Command failed: %v\n%s", err, output))
	}

	t.audit(command, "ok")
	if output == "" {
		return NewResult("(no output)")
	}
	return NewResult(output)
}

func (t *ShellTool) checkCommand(command string) string {
	for _, re := range denyPatterns {
		if re.MatchString(command) {
			return "matches blocked pattern"
		}
	}
	if len(t.whitelist) > 0 {
		fields := strings.Fields(command)
		first := ""
		if len(fields) > 0 {
			first = filepath.Base(fields[0])
		}
		for _, allowed := range t.whitelist {
			if first == allowed {
				return ""
			}
		}
		return fmt.Sprintf("%q is not in the command whitelist", first)
	}
	return ""
}

func (t *ShellTool) audit(command, outcome string) {
	if t.auditPath == "" {
		return
	}
	line := fmt.Sprintf("%s\t%s\t%s\n",
		time.Now().Format(time.RFC3339), outcome, strings.ReplaceAll(command, "\n", " "))
	f, err := os.OpenFile(t.auditPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		slog.Warn("shell audit log unavailable", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		slog.Warn("shell audit write failed", "error", err)
	}
}

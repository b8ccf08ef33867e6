package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"github.com/clawdeploy/clawd/internal/log"
)

// ErrBlockedCommand rejects a diagnostic command matching the
// deny-list. The rejection happens before any subprocess is spawned.
var ErrBlockedCommand = errors.New("blocked dangerous command")

const (
	defaultBashTimeout = 30 * time.Second
	maxBashOutput      = 10 * 1024
)

// blockedPatterns match destructive commands the diagnostic shell must
// never run.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-rf\s+/`),
	regexp.MustCompile(`docker\s+rm\s+-f`),
	regexp.MustCompile(`docker\s+system\s+prune`),
	regexp.MustCompile(`mkfs`),
	regexp.MustCompile(`dd\s+if=`),
	regexp.MustCompile(`chmod\s+777\s+/`),
	regexp.MustCompile(`wget.*\|\s*sh`),
	regexp.MustCompile(`curl.*\|\s*sh`),
	regexp.MustCompile(`:\(\)\{\s*:\|:&\s*\};:`),
}

// BashParams are the diagnostic execution parameters.
type BashParams struct {
	Command string `json:"command"`
	// TimeoutSeconds overrides the default 30s timeout.
	TimeoutSeconds int `json:"timeout,omitempty"`
}

// BashResult carries the combined output and exit code. A non-zero
// exit code is a result, not an operation error.
type BashResult struct {
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output"`
}

func (r *Registry) bash(ctx context.Context, _ string, raw json.RawMessage) (any, error) {
	params, err := decode[BashParams](raw)
	if err != nil {
		return nil, err
	}
	if params.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	if err := checkCommand(params.Command); err != nil {
		return nil, err
	}

	timeout := defaultBashTimeout
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Info("executing diagnostic command", "command", truncate(params.Command, 200))

	cmd := exec.CommandContext(ctx, "bash", "-c", params.Command)
	out, err := cmd.CombinedOutput()

	result := BashResult{Output: truncate(string(out), maxBashOutput)}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			return nil, fmt.Errorf("command timed out after %s", timeout)
		} else {
			return nil, fmt.Errorf("executing command: %w", err)
		}
	}
	if result.Output == "" {
		result.Output = "(no output)"
	}
	return result, nil
}

// checkCommand rejects commands matching any deny-list pattern.
func checkCommand(command string) error {
	for _, pattern := range blockedPatterns {
		if pattern.MatchString(command) {
			return fmt.Errorf("%w: %s", ErrBlockedCommand, truncate(command, 80))
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

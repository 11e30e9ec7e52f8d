package tools

import (
	"context"
	"fmt"
	"time"

	"appforge/pkg/sandbox"
)

// RunCommandTool executes shell commands in the job's sandbox. Every
// invocation carries a timeout; the default comes from config, and the
// model may lower (not raise) it per call.
type RunCommandTool struct {
	conn           sandbox.Conn
	defaultTimeout time.Duration
}

// NewRunCommandTool creates the run_command tool.
func NewRunCommandTool(conn sandbox.Conn, defaultTimeout time.Duration) *RunCommandTool {
	return &RunCommandTool{conn: conn, defaultTimeout: defaultTimeout}
}

// Name returns the tool name.
func (t *RunCommandTool) Name() string {
	return ToolRunCommand
}

// Definition returns the tool definition for the model.
func (t *RunCommandTool) Definition() Definition {
	return Definition{
		Name:        ToolRunCommand,
		Description: "Run a shell command in the sandbox and return stdout, stderr, and exit code.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"command": {
					Type:        "string",
					Description: "Shell command to execute",
				},
				"timeout_seconds": {
					Type:        "integer",
					Description: "Optional timeout in seconds; capped at the configured maximum",
				},
			},
			Required: []string{"command"},
		},
	}
}

// Exec runs the command. Transport failures come back as a structured
// success=false result carrying any partial output, not as an error,
// so the calling role can decide what still needs doing.
func (t *RunCommandTool) Exec(ctx context.Context, args map[string]any) (map[string]any, error) {
	command, ok := args["command"].(string)
	if !ok || command == "" {
		return nil, fmt.Errorf("command is required and must be a string")
	}

	timeout := t.defaultTimeout
	if secs, ok := numberArg(args, "timeout_seconds"); ok && secs > 0 {
		requested := time.Duration(secs) * time.Second
		if requested < timeout {
			timeout = requested
		}
	}

	result, err := t.conn.Exec(ctx, command, timeout)
	if err != nil {
		return map[string]any{
			"success":   false,
			"error":     truncate(err.Error(), 1024),
			"stdout":    result.Stdout,
			"stderr":    result.Stderr,
			"exit_code": -1,
		}, nil
	}

	return map[string]any{
		"success":   result.ExitCode == 0,
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
		"exit_code": result.ExitCode,
	}, nil
}

// numberArg extracts an integer-ish argument. JSON unmarshalling hands
// numbers over as float64.
func numberArg(args map[string]any, key string) (int, bool) {
	v, exists := args[key]
	if !exists {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		return int(val), true
	case int:
		return val, true
	case int64:
		return int(val), true
	default:
		return 0, false
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

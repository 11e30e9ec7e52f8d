package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/sandbox"
)

// testConn is a scriptable sandbox connection for tool tests.
type testConn struct {
	files      map[string]string
	execResult sandbox.ExecResult
	execErr    error
	writeFails map[string]error
	lastCmd    string
	lastTmout  time.Duration
}

func newTestConn() *testConn {
	return &testConn{
		files:      make(map[string]string),
		writeFails: make(map[string]error),
	}
}

func (c *testConn) Handle() sandbox.Handle {
	return sandbox.Handle{ID: "sbx-test", State: sandbox.StateConnected}
}

func (c *testConn) Exec(_ context.Context, command string, timeout time.Duration) (sandbox.ExecResult, error) {
	c.lastCmd = command
	c.lastTmout = timeout
	return c.execResult, c.execErr
}

func (c *testConn) WriteFile(_ context.Context, path, content string) error {
	if err, ok := c.writeFails[path]; ok {
		return err
	}
	c.files[path] = content
	return nil
}

func (c *testConn) ReadFile(_ context.Context, path string) (string, error) {
	content, ok := c.files[path]
	if !ok {
		return "", fmt.Errorf("file %s not found", path)
	}
	return content, nil
}

func TestRunCommandSuccess(t *testing.T) {
	conn := newTestConn()
	conn.execResult = sandbox.ExecResult{Stdout: "ok\n", ExitCode: 0}
	tool := NewRunCommandTool(conn, 2*time.Minute)

	out, err := tool.Exec(context.Background(), map[string]any{"command": "npm run build"})
	require.NoError(t, err)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "ok\n", out["stdout"])
	assert.Equal(t, 0, out["exit_code"])
	assert.Equal(t, "npm run build", conn.lastCmd)
	assert.Equal(t, 2*time.Minute, conn.lastTmout)
}

func TestRunCommandNonZeroExit(t *testing.T) {
	conn := newTestConn()
	conn.execResult = sandbox.ExecResult{Stderr: "lint error", ExitCode: 1}
	tool := NewRunCommandTool(conn, time.Minute)

	out, err := tool.Exec(context.Background(), map[string]any{"command": "npm run lint"})
	require.NoError(t, err)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, 1, out["exit_code"])
	assert.Equal(t, "lint error", out["stderr"])
}

func TestRunCommandTransportFailureIsStructured(t *testing.T) {
	conn := newTestConn()
	conn.execErr = errors.New("connection reset")
	tool := NewRunCommandTool(conn, time.Minute)

	out, err := tool.Exec(context.Background(), map[string]any{"command": "npm test"})
	require.NoError(t, err, "transport failure must not surface as a Go error")
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["error"], "connection reset")
	assert.Equal(t, -1, out["exit_code"])
}

func TestRunCommandTimeoutCap(t *testing.T) {
	conn := newTestConn()
	tool := NewRunCommandTool(conn, time.Minute)

	// A lower requested timeout wins.
	_, err := tool.Exec(context.Background(), map[string]any{
		"command": "sleep 5", "timeout_seconds": float64(10),
	})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, conn.lastTmout)

	// A higher one is capped at the default.
	_, err = tool.Exec(context.Background(), map[string]any{
		"command": "sleep 5", "timeout_seconds": float64(600),
	})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, conn.lastTmout)
}

func TestRunCommandRejectsMissingCommand(t *testing.T) {
	tool := NewRunCommandTool(newTestConn(), time.Minute)
	_, err := tool.Exec(context.Background(), map[string]any{})
	assert.Error(t, err)
}

func TestWriteFilesAll(t *testing.T) {
	conn := newTestConn()
	tool := NewWriteFilesTool(conn)

	out, err := tool.Exec(context.Background(), map[string]any{
		"files": []any{
			map[string]any{"path": "src/app.tsx", "content": "export {}"},
			map[string]any{"path": "src/index.ts", "content": "import './app'"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, []string{"src/app.tsx", "src/index.ts"}, out["written_paths"])
	assert.Equal(t, 2, out["total_file_count"])
	assert.Equal(t, "export {}", conn.files["src/app.tsx"])
}

func TestWriteFilesPartialFailureReportsPerPath(t *testing.T) {
	conn := newTestConn()
	conn.writeFails["b.ts"] = errors.New("disk full")
	tool := NewWriteFilesTool(conn)

	out, err := tool.Exec(context.Background(), map[string]any{
		"files": []any{
			map[string]any{"path": "a.ts", "content": "a"},
			map[string]any{"path": "b.ts", "content": "b"},
			map[string]any{"path": "c.ts", "content": "c"},
		},
	})
	require.NoError(t, err)

	// Items 1 and 3 written, item 2 failed; never a single aggregate failure.
	assert.Equal(t, false, out["success"])
	assert.Equal(t, []string{"a.ts", "c.ts"}, out["written_paths"])
	failed, ok := out["failed"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, failed, 1)
	assert.Equal(t, "b.ts", failed[0]["path"])
	assert.Contains(t, failed[0]["error"], "disk full")
}

func TestReadFilesMissingFileIsPerPath(t *testing.T) {
	conn := newTestConn()
	conn.files["exists.ts"] = "content"
	tool := NewReadFilesTool(conn)

	out, err := tool.Exec(context.Background(), map[string]any{
		"paths": []any{"exists.ts", "missing.ts"},
	})
	require.NoError(t, err)

	files, ok := out["files"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, files, 2)
	assert.Equal(t, "content", files[0]["content"])
	assert.NotContains(t, files[0], "error")
	assert.Contains(t, files[1]["error"], "not found")
	assert.NotContains(t, files[1], "content")
}

func TestRegistryHasExactlyThreeTools(t *testing.T) {
	registry := NewRegistry(newTestConn(), time.Minute)

	defs := registry.Definitions()
	assert.Len(t, defs, 3)

	for _, name := range []string{ToolRunCommand, ToolWriteFiles, ToolReadFiles} {
		tool, err := registry.Get(name)
		require.NoError(t, err)
		assert.Equal(t, name, tool.Name())
	}

	_, err := registry.Get("delete_sandbox")
	assert.Error(t, err)
}

// Package tools exposes the capabilities the agent pipeline may invoke
// against a live sandbox: run a command, write files, read files.
// Every tool is bound to the single sandbox connection of the current
// job; there is no cross-job access.
package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"appforge/pkg/sandbox"
)

// Tool name constants.
const (
	ToolRunCommand = "run_command"
	ToolWriteFiles = "write_files"
	ToolReadFiles  = "read_files"
)

// Property describes one parameter in a tool's input schema.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Items       *Property `json:"items,omitempty"`
}

// InputSchema is the JSON schema for a tool's arguments.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required"`
}

// Definition is the tool description handed to the model.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// Tool is one capability the pipeline can invoke. Exec returns a
// structured result map; it returns a Go error only for malformed
// arguments, never for in-sandbox failures, so the calling role can
// reason about partial output.
type Tool interface {
	Name() string
	Definition() Definition
	Exec(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Registry holds the tools available to one job's pipeline run.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry builds the standard three-tool registry around one
// sandbox connection.
func NewRegistry(conn sandbox.Conn, commandTimeout time.Duration) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	r.mustRegister(NewRunCommandTool(conn, commandTimeout))
	r.mustRegister(NewWriteFilesTool(conn))
	r.mustRegister(NewReadFilesTool(conn))
	return r
}

func (r *Registry) mustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool %s not found", name)
	}
	return tool, nil
}

// Definitions returns every registered tool's definition for the
// model request.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition())
	}
	return defs
}

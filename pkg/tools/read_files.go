package tools

import (
	"context"
	"fmt"

	"appforge/pkg/sandbox"
)

// ReadFilesTool reads a batch of files from the job's sandbox. A
// missing or unreadable file never aborts the batch; it is reported
// per path.
type ReadFilesTool struct {
	conn sandbox.Conn
}

// NewReadFilesTool creates the read_files tool.
func NewReadFilesTool(conn sandbox.Conn) *ReadFilesTool {
	return &ReadFilesTool{conn: conn}
}

// Name returns the tool name.
func (t *ReadFilesTool) Name() string {
	return ToolReadFiles
}

// Definition returns the tool definition for the model.
func (t *ReadFilesTool) Definition() Definition {
	return Definition{
		Name:        ToolReadFiles,
		Description: "Read one or more files from the sandbox. Unreadable files are reported per path.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"paths": {
					Type:        "array",
					Description: "File paths to read",
					Items:       &Property{Type: "string", Description: "file path"},
				},
			},
			Required: []string{"paths"},
		},
	}
}

// Exec reads each path, substituting an error placeholder for files
// that cannot be read.
func (t *ReadFilesTool) Exec(ctx context.Context, args map[string]any) (map[string]any, error) {
	rawPaths, ok := args["paths"].([]any)
	if !ok || len(rawPaths) == 0 {
		return nil, fmt.Errorf("paths is required and must be a non-empty array")
	}

	files := make([]map[string]any, 0, len(rawPaths))
	for i, raw := range rawPaths {
		path, ok := raw.(string)
		if !ok || path == "" {
			return nil, fmt.Errorf("paths[%d] must be a non-empty string", i)
		}

		content, err := t.conn.ReadFile(ctx, path)
		if err != nil {
			files = append(files, map[string]any{
				"path":  path,
				"error": truncate(err.Error(), 512),
			})
			continue
		}
		files = append(files, map[string]any{
			"path":    path,
			"content": content,
		})
	}

	return map[string]any{"files": files}, nil
}

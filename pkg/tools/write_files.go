package tools

import (
	"context"
	"fmt"

	"appforge/pkg/sandbox"
)

// WriteFilesTool writes a batch of files into the job's sandbox.
// Writes are not transactional across the batch: a crash or failure
// mid-list leaves earlier files written, and the result reports each
// path individually so a retrying step knows what remains.
type WriteFilesTool struct {
	conn sandbox.Conn
}

// NewWriteFilesTool creates the write_files tool.
func NewWriteFilesTool(conn sandbox.Conn) *WriteFilesTool {
	return &WriteFilesTool{conn: conn}
}

// Name returns the tool name.
func (t *WriteFilesTool) Name() string {
	return ToolWriteFiles
}

// Definition returns the tool definition for the model.
func (t *WriteFilesTool) Definition() Definition {
	return Definition{
		Name:        ToolWriteFiles,
		Description: "Write one or more files into the sandbox. Reports per-file success; partial failure is possible.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"files": {
					Type:        "array",
					Description: "Files to write, each with path and content",
					Items:       &Property{Type: "object", Description: "{path, content}"},
				},
			},
			Required: []string{"files"},
		},
	}
}

// Exec writes each file in order, continuing past failures.
func (t *WriteFilesTool) Exec(ctx context.Context, args map[string]any) (map[string]any, error) {
	rawFiles, ok := args["files"].([]any)
	if !ok || len(rawFiles) == 0 {
		return nil, fmt.Errorf("files is required and must be a non-empty array")
	}

	writtenPaths := make([]string, 0, len(rawFiles))
	failed := make([]map[string]any, 0)

	for i, raw := range rawFiles {
		entry, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("files[%d] must be an object with path and content", i)
		}
		path, ok := entry["path"].(string)
		if !ok || path == "" {
			return nil, fmt.Errorf("files[%d].path is required and must be a string", i)
		}
		content, ok := entry["content"].(string)
		if !ok {
			return nil, fmt.Errorf("files[%d].content is required and must be a string", i)
		}

		if err := t.conn.WriteFile(ctx, path, content); err != nil {
			failed = append(failed, map[string]any{
				"path":  path,
				"error": truncate(err.Error(), 512),
			})
			continue
		}
		writtenPaths = append(writtenPaths, path)
	}

	return map[string]any{
		"success":          len(failed) == 0,
		"written_paths":    writtenPaths,
		"failed":           failed,
		"total_file_count": len(rawFiles),
	}, nil
}

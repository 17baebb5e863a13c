package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/haasonsaas/teleton/internal/tools"
)

// ModuleName is the registry module owning the workspace tools.
const ModuleName = "workspace"

// RegisterTools installs the workspace file tools on the registry.
func RegisterTools(registry *tools.Registry, guard *Guard) error {
	entries := []struct {
		def  tools.Definition
		exec tools.ExecutorFunc
	}{
		{
			def: tools.Definition{
				Name:        "workspace_read",
				Description: "Read a text file from the agent workspace.",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {"path": {"type": "string", "description": "Workspace-relative path"}},
					"required": ["path"],
					"additionalProperties": false
				}`),
				Category: tools.CategoryData,
				Module:   ModuleName,
				Scope:    tools.ScopeAlways,
			},
			exec: guard.readTool,
		},
		{
			def: tools.Definition{
				Name:        "workspace_write",
				Description: "Write a text file in the agent workspace, creating directories as needed.",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"path": {"type": "string", "description": "Workspace-relative path"},
						"content": {"type": "string"}
					},
					"required": ["path", "content"],
					"additionalProperties": false
				}`),
				Category: tools.CategoryAction,
				Module:   ModuleName,
				Scope:    tools.ScopeAlways,
			},
			exec: guard.writeTool,
		},
		{
			def: tools.Definition{
				Name:        "workspace_list",
				Description: "List files and directories in the agent workspace.",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {"path": {"type": "string", "description": "Workspace-relative directory, defaults to the root"}},
					"additionalProperties": false
				}`),
				Category: tools.CategoryData,
				Module:   ModuleName,
				Scope:    tools.ScopeAlways,
			},
			exec: guard.listTool,
		},
		{
			def: tools.Definition{
				Name:        "workspace_delete",
				Description: "Delete a file from the agent workspace.",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {"path": {"type": "string", "description": "Workspace-relative path"}},
					"required": ["path"],
					"additionalProperties": false
				}`),
				Category: tools.CategoryAction,
				Module:   ModuleName,
				Scope:    tools.ScopeAdminOnly,
			},
			exec: guard.deleteTool,
		},
	}

	for _, entry := range entries {
		if err := registry.Register(entry.def, entry.exec); err != nil {
			return err
		}
	}
	return nil
}

type pathParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func decodeParams(raw json.RawMessage) (pathParams, error) {
	var p pathParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, err
	}
	return p, nil
}

// denial turns guard errors into tool-visible failures without leaking
// absolute paths.
func denial(err error) (*tools.Result, error) {
	switch {
	case errors.Is(err, ErrOutsideWorkspace), errors.Is(err, ErrProtectedPath):
		return &tools.Result{Content: "Access denied: " + err.Error(), IsError: true}, nil
	case os.IsNotExist(err):
		return &tools.Result{Content: "File not found", IsError: true}, nil
	default:
		return nil, err
	}
}

func (g *Guard) readTool(_ context.Context, raw json.RawMessage, _ tools.Invocation) (*tools.Result, error) {
	p, err := decodeParams(raw)
	if err != nil {
		return nil, err
	}
	content, err := g.ReadFile(p.Path)
	if err != nil {
		return denial(err)
	}
	return &tools.Result{Content: content}, nil
}

func (g *Guard) writeTool(_ context.Context, raw json.RawMessage, _ tools.Invocation) (*tools.Result, error) {
	p, err := decodeParams(raw)
	if err != nil {
		return nil, err
	}
	if err := g.WriteFile(p.Path, p.Content); err != nil {
		return denial(err)
	}
	return &tools.Result{Content: fmt.Sprintf("Wrote %d bytes to %s", len(p.Content), p.Path)}, nil
}

func (g *Guard) listTool(_ context.Context, raw json.RawMessage, _ tools.Invocation) (*tools.Result, error) {
	p, err := decodeParams(raw)
	if err != nil {
		return nil, err
	}
	files, err := g.List(p.Path)
	if err != nil {
		return denial(err)
	}
	data, err := json.Marshal(files)
	if err != nil {
		return nil, err
	}
	return &tools.Result{Content: string(data)}, nil
}

func (g *Guard) deleteTool(_ context.Context, raw json.RawMessage, _ tools.Invocation) (*tools.Result, error) {
	p, err := decodeParams(raw)
	if err != nil {
		return nil, err
	}
	if err := g.DeleteFile(p.Path); err != nil {
		return denial(err)
	}
	return &tools.Result{Content: "Deleted " + p.Path}, nil
}

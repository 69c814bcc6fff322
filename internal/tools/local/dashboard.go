// Package local registers the built-in tool catalogs: dashboard tools
// execute in-process against the workspace store, editor tools are remote
// descriptors resolved in the browser-side CAD editor.
package local

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/user/cadpilot/internal/tools"
	"github.com/user/cadpilot/internal/types"
	"github.com/user/cadpilot/internal/workspace"
)

// RegisterDashboard adds the dashboard catalog to the registry, bound to the
// given workspace store.
func RegisterDashboard(reg *tools.Registry, ws *workspace.Store) {
	for _, def := range dashboardDefs(ws) {
		reg.Register(types.ContextDashboard, def)
	}
	reg.Register(types.ContextDashboard, NewReadURL())
}

func dashboardDefs(ws *workspace.Store) []*tools.Definition {
	return []*tools.Definition{
		{
			Name:        "list_projects",
			Description: "List all projects with their ids and names",
			Parameters:  objSchema(nil, nil),
			Exec: func(ctx context.Context, _ json.RawMessage) (string, error) {
				projects, err := ws.Projects()
				if err != nil {
					return "", err
				}
				return marshal(map[string]any{"projects": projects})
			},
		},
		{
			Name:        "create_project",
			Description: "Create a new project, optionally inside a workspace",
			Parameters: objSchema(map[string]string{
				"name":         "Name for the new project",
				"workspace_id": "Workspace to create the project in (optional)",
			}, []string{"name"}),
			Exec: func(ctx context.Context, args json.RawMessage) (string, error) {
				var p struct {
					Name        string `json:"name"`
					WorkspaceID string `json:"workspace_id"`
				}
				if err := json.Unmarshal(args, &p); err != nil {
					return "", fmt.Errorf("parse args: %w", err)
				}
				project, err := ws.CreateProject(p.WorkspaceID, p.Name)
				if err != nil {
					return "", err
				}
				return marshal(project)
			},
		},
		{
			Name:        "rename_project",
			Description: "Rename an existing project",
			Parameters: objSchema(map[string]string{
				"project_id": "Id of the project to rename",
				"name":       "New name",
			}, []string{"project_id", "name"}),
			Exec: func(ctx context.Context, args json.RawMessage) (string, error) {
				var p struct {
					ProjectID string `json:"project_id"`
					Name      string `json:"name"`
				}
				if err := json.Unmarshal(args, &p); err != nil {
					return "", fmt.Errorf("parse args: %w", err)
				}
				if err := ws.RenameProject(p.ProjectID, p.Name); err != nil {
					return "", err
				}
				return marshal(map[string]string{"status": "renamed"})
			},
		},
		{
			Name:        "create_folder",
			Description: "Create a folder inside a project",
			Parameters: objSchema(map[string]string{
				"project_id": "Project to create the folder in",
				"name":       "Folder name",
			}, []string{"project_id", "name"}),
			Exec: func(ctx context.Context, args json.RawMessage) (string, error) {
				var p struct {
					ProjectID string `json:"project_id"`
					Name      string `json:"name"`
				}
				if err := json.Unmarshal(args, &p); err != nil {
					return "", fmt.Errorf("parse args: %w", err)
				}
				folder, err := ws.CreateFolder(p.ProjectID, p.Name)
				if err != nil {
					return "", err
				}
				return marshal(folder)
			},
		},
		{
			Name:        "create_document",
			Description: "Create a CAD document inside a project, optionally in a folder",
			Parameters: objSchema(map[string]string{
				"project_id": "Project to create the document in",
				"folder_id":  "Folder to place the document in (optional)",
				"name":       "Document name",
			}, []string{"project_id", "name"}),
			Exec: func(ctx context.Context, args json.RawMessage) (string, error) {
				var p struct {
					ProjectID string `json:"project_id"`
					FolderID  string `json:"folder_id"`
					Name      string `json:"name"`
				}
				if err := json.Unmarshal(args, &p); err != nil {
					return "", fmt.Errorf("parse args: %w", err)
				}
				doc, err := ws.CreateDocument(p.ProjectID, p.FolderID, p.Name)
				if err != nil {
					return "", err
				}
				return marshal(doc)
			},
		},
		{
			Name:        "rename_document",
			Description: "Rename an existing document",
			Parameters: objSchema(map[string]string{
				"document_id": "Id of the document to rename",
				"name":        "New name",
			}, []string{"document_id", "name"}),
			Exec: func(ctx context.Context, args json.RawMessage) (string, error) {
				var p struct {
					DocumentID string `json:"document_id"`
					Name       string `json:"name"`
				}
				if err := json.Unmarshal(args, &p); err != nil {
					return "", fmt.Errorf("parse args: %w", err)
				}
				if err := ws.RenameDocument(p.DocumentID, p.Name); err != nil {
					return "", err
				}
				return marshal(map[string]string{"status": "renamed"})
			},
		},
		{
			Name:        "move_document",
			Description: "Move a document into a folder, or to the project root",
			Parameters: objSchema(map[string]string{
				"document_id": "Id of the document to move",
				"folder_id":   "Destination folder (empty for project root)",
			}, []string{"document_id"}),
			Exec: func(ctx context.Context, args json.RawMessage) (string, error) {
				var p struct {
					DocumentID string `json:"document_id"`
					FolderID   string `json:"folder_id"`
				}
				if err := json.Unmarshal(args, &p); err != nil {
					return "", fmt.Errorf("parse args: %w", err)
				}
				if err := ws.MoveDocument(p.DocumentID, p.FolderID); err != nil {
					return "", err
				}
				return marshal(map[string]string{"status": "moved"})
			},
		},
		{
			Name:        "create_branch",
			Description: "Create a named branch of a document",
			Parameters: objSchema(map[string]string{
				"document_id": "Document to branch",
				"name":        "Branch name",
			}, []string{"document_id", "name"}),
			Exec: func(ctx context.Context, args json.RawMessage) (string, error) {
				var p struct {
					DocumentID string `json:"document_id"`
					Name       string `json:"name"`
				}
				if err := json.Unmarshal(args, &p); err != nil {
					return "", fmt.Errorf("parse args: %w", err)
				}
				branch, err := ws.CreateBranch(p.DocumentID, p.Name)
				if err != nil {
					return "", err
				}
				return marshal(branch)
			},
		},
		{
			Name:        "delete_document",
			Description: "Permanently delete a document and its branches",
			Parameters: objSchema(map[string]string{
				"document_id": "Id of the document to delete",
			}, []string{"document_id"}),
			Exec: deleteByID(ws.DeleteDocument, "document_id"),
		},
		{
			Name:        "delete_folder",
			Description: "Delete a folder; its documents move to the project root",
			Parameters: objSchema(map[string]string{
				"folder_id": "Id of the folder to delete",
			}, []string{"folder_id"}),
			Exec: deleteByID(ws.DeleteFolder, "folder_id"),
		},
		{
			Name:        "delete_branch",
			Description: "Permanently delete a document branch",
			Parameters: objSchema(map[string]string{
				"branch_id": "Id of the branch to delete",
			}, []string{"branch_id"}),
			Exec: deleteByID(ws.DeleteBranch, "branch_id"),
		},
		{
			Name:        "delete_project",
			Description: "Permanently delete a project and everything in it",
			Parameters: objSchema(map[string]string{
				"project_id": "Id of the project to delete",
			}, []string{"project_id"}),
			Exec: deleteByID(ws.DeleteProject, "project_id"),
		},
		{
			Name:        "delete_workspace",
			Description: "Permanently delete a workspace and everything in it",
			Parameters: objSchema(map[string]string{
				"workspace_id": "Id of the workspace to delete",
			}, []string{"workspace_id"}),
			Exec: deleteByID(ws.DeleteWorkspace, "workspace_id"),
		},
	}
}

// deleteByID adapts a store delete method into a tool implementation taking
// a single id argument.
func deleteByID(del func(string) error, field string) func(context.Context, json.RawMessage) (string, error) {
	return func(_ context.Context, args json.RawMessage) (string, error) {
		var params map[string]string
		if err := json.Unmarshal(args, &params); err != nil {
			return "", fmt.Errorf("parse args: %w", err)
		}
		id := params[field]
		if id == "" {
			return "", fmt.Errorf("%s is required", field)
		}
		if err := del(id); err != nil {
			return "", err
		}
		return marshal(map[string]string{"status": "deleted"})
	}
}

// objSchema builds a JSON Schema for an object with string properties.
func objSchema(props map[string]string, required []string) json.RawMessage {
	properties := make(map[string]any, len(props))
	for name, desc := range props {
		properties[name] = map[string]any{"type": "string", "description": desc}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	data, _ := json.Marshal(schema)
	return data
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(data), nil
}

// Package workspace is the file-backed store behind the dashboard tool
// catalog: workspaces contain projects, projects contain folders and
// documents, documents carry branches. The CAD geometry itself lives in the
// collaborative document layer; this store only tracks the organizational
// tree the dashboard assistant manipulates.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Project struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
}

type Folder struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Document struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	FolderID  string    `json:"folder_id,omitempty"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Branch struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}

// Tree is the on-disk shape of the store.
type Tree struct {
	Workspaces []*Workspace `json:"workspaces"`
	Projects   []*Project   `json:"projects"`
	Folders    []*Folder    `json:"folders"`
	Documents  []*Document  `json:"documents"`
	Branches   []*Branch    `json:"branches"`
}

// Store is a JSON-file-backed workspace tree.
type Store struct {
	path string
	mu   sync.RWMutex
}

// NewStore creates a Store persisted at the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) load() (*Tree, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Tree{}, nil
		}
		return nil, fmt.Errorf("read workspace index: %w", err)
	}
	var idx Tree
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("unmarshal workspace index: %w", err)
	}
	return &idx, nil
}

func (s *Store) save(idx *Tree) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workspace index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp index: %w", err)
	}
	return nil
}

// mutate runs fn against the loaded Tree and persists the result.
func (s *Store) mutate(fn func(*Tree) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(idx); err != nil {
		return err
	}
	return s.save(idx)
}

func (s *Store) CreateWorkspace(name string) (*Workspace, error) {
	w := &Workspace{ID: uuid.New().String(), Name: name, CreatedAt: time.Now()}
	err := s.mutate(func(idx *Tree) error {
		idx.Workspaces = append(idx.Workspaces, w)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Store) CreateProject(workspaceID, name string) (*Project, error) {
	p := &Project{ID: uuid.New().String(), WorkspaceID: workspaceID, Name: name, CreatedAt: time.Now()}
	err := s.mutate(func(idx *Tree) error {
		if workspaceID != "" && findWorkspace(idx, workspaceID) == nil {
			return fmt.Errorf("workspace not found: %s", workspaceID)
		}
		idx.Projects = append(idx.Projects, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) CreateFolder(projectID, name string) (*Folder, error) {
	f := &Folder{ID: uuid.New().String(), ProjectID: projectID, Name: name, CreatedAt: time.Now()}
	err := s.mutate(func(idx *Tree) error {
		if findProject(idx, projectID) == nil {
			return fmt.Errorf("project not found: %s", projectID)
		}
		idx.Folders = append(idx.Folders, f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Store) CreateDocument(projectID, folderID, name string) (*Document, error) {
	now := time.Now()
	d := &Document{ID: uuid.New().String(), ProjectID: projectID, FolderID: folderID, Name: name, CreatedAt: now, UpdatedAt: now}
	err := s.mutate(func(idx *Tree) error {
		if findProject(idx, projectID) == nil {
			return fmt.Errorf("project not found: %s", projectID)
		}
		if folderID != "" && findFolder(idx, folderID) == nil {
			return fmt.Errorf("folder not found: %s", folderID)
		}
		idx.Documents = append(idx.Documents, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Store) CreateBranch(documentID, name string) (*Branch, error) {
	b := &Branch{ID: uuid.New().String(), DocumentID: documentID, Name: name, CreatedAt: time.Now()}
	err := s.mutate(func(idx *Tree) error {
		if findDocument(idx, documentID) == nil {
			return fmt.Errorf("document not found: %s", documentID)
		}
		idx.Branches = append(idx.Branches, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) RenameProject(id, name string) error {
	return s.mutate(func(idx *Tree) error {
		p := findProject(idx, id)
		if p == nil {
			return fmt.Errorf("project not found: %s", id)
		}
		p.Name = name
		return nil
	})
}

func (s *Store) RenameDocument(id, name string) error {
	return s.mutate(func(idx *Tree) error {
		d := findDocument(idx, id)
		if d == nil {
			return fmt.Errorf("document not found: %s", id)
		}
		d.Name = name
		d.UpdatedAt = time.Now()
		return nil
	})
}

// MoveDocument relocates a document into another folder ("" for the project
// root).
func (s *Store) MoveDocument(id, folderID string) error {
	return s.mutate(func(idx *Tree) error {
		d := findDocument(idx, id)
		if d == nil {
			return fmt.Errorf("document not found: %s", id)
		}
		if folderID != "" && findFolder(idx, folderID) == nil {
			return fmt.Errorf("folder not found: %s", folderID)
		}
		d.FolderID = folderID
		d.UpdatedAt = time.Now()
		return nil
	})
}

// DeleteWorkspace removes a workspace and everything beneath it.
func (s *Store) DeleteWorkspace(id string) error {
	return s.mutate(func(idx *Tree) error {
		if findWorkspace(idx, id) == nil {
			return fmt.Errorf("workspace not found: %s", id)
		}
		// Snapshot IDs first: deleteProject compacts the slice under us.
		var projectIDs []string
		for _, p := range idx.Projects {
			if p.WorkspaceID == id {
				projectIDs = append(projectIDs, p.ID)
			}
		}
		for _, pid := range projectIDs {
			deleteProject(idx, pid)
		}
		idx.Workspaces = filter(idx.Workspaces, func(w *Workspace) bool { return w.ID != id })
		return nil
	})
}

// DeleteProject removes a project and everything beneath it.
func (s *Store) DeleteProject(id string) error {
	return s.mutate(func(idx *Tree) error {
		if findProject(idx, id) == nil {
			return fmt.Errorf("project not found: %s", id)
		}
		deleteProject(idx, id)
		return nil
	})
}

// DeleteFolder removes a folder; its documents move to the project root.
func (s *Store) DeleteFolder(id string) error {
	return s.mutate(func(idx *Tree) error {
		if findFolder(idx, id) == nil {
			return fmt.Errorf("folder not found: %s", id)
		}
		for _, d := range idx.Documents {
			if d.FolderID == id {
				d.FolderID = ""
			}
		}
		idx.Folders = filter(idx.Folders, func(f *Folder) bool { return f.ID != id })
		return nil
	})
}

// DeleteDocument removes a document and its branches.
func (s *Store) DeleteDocument(id string) error {
	return s.mutate(func(idx *Tree) error {
		if findDocument(idx, id) == nil {
			return fmt.Errorf("document not found: %s", id)
		}
		deleteDocument(idx, id)
		return nil
	})
}

func (s *Store) DeleteBranch(id string) error {
	return s.mutate(func(idx *Tree) error {
		found := false
		idx.Branches = filter(idx.Branches, func(b *Branch) bool {
			if b.ID == id {
				found = true
				return false
			}
			return true
		})
		if !found {
			return fmt.Errorf("branch not found: %s", id)
		}
		return nil
	})
}

// Tree returns the whole workspace tree for listing.
func (s *Store) Tree() (*Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load()
}

// Projects returns all projects.
func (s *Store) Projects() ([]*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, err := s.load()
	if err != nil {
		return nil, err
	}
	return idx.Projects, nil
}

func deleteProject(idx *Tree, id string) {
	var docIDs []string
	for _, d := range idx.Documents {
		if d.ProjectID == id {
			docIDs = append(docIDs, d.ID)
		}
	}
	for _, did := range docIDs {
		deleteDocument(idx, did)
	}
	idx.Folders = filter(idx.Folders, func(f *Folder) bool { return f.ProjectID != id })
	idx.Projects = filter(idx.Projects, func(p *Project) bool { return p.ID != id })
}

func deleteDocument(idx *Tree, id string) {
	idx.Branches = filter(idx.Branches, func(b *Branch) bool { return b.DocumentID != id })
	idx.Documents = filter(idx.Documents, func(d *Document) bool { return d.ID != id })
}

func findWorkspace(idx *Tree, id string) *Workspace {
	for _, w := range idx.Workspaces {
		if w.ID == id {
			return w
		}
	}
	return nil
}

func findProject(idx *Tree, id string) *Project {
	for _, p := range idx.Projects {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func findFolder(idx *Tree, id string) *Folder {
	for _, f := range idx.Folders {
		if f.ID == id {
			return f
		}
	}
	return nil
}

func findDocument(idx *Tree, id string) *Document {
	for _, d := range idx.Documents {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func filter[T any](in []*T, keep func(*T) bool) []*T {
	out := in[:0]
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

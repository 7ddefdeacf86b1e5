package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Project is a registered codebase, keyed by its filesystem path.
type Project struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Files       *FileNode `json:"files,omitempty"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// UnmarshalJSON accepts "files" either as a single root node or as an array
// of top-level nodes, which is wrapped in an unnamed root directory.
func (p *Project) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name        string          `json:"name"`
		Path        string          `json:"path"`
		Files       json.RawMessage `json:"files"`
		LastUpdated time.Time       `json:"lastUpdated"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Name = raw.Name
	p.Path = raw.Path
	p.LastUpdated = raw.LastUpdated
	p.Files = nil

	files, err := decodeTree(raw.Files)
	if err != nil {
		return fmt.Errorf("project %q files: %w", raw.Path, err)
	}
	p.Files = files
	return nil
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	c := *p
	c.Files = p.Files.Clone()
	return &c
}

// Summary returns the list view of the project under the given folder label.
func (p *Project) Summary(folder string) ProjectSummary {
	return ProjectSummary{Name: p.Name, Path: p.Path, Folder: folder}
}

// ProjectSummary is the list view sent with the "projects" event.
type ProjectSummary struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Folder string `json:"folder"`
}

// FileEntry is one child of a directory as returned by a files listing.
type FileEntry struct {
	Name string   `json:"name"`
	Type NodeType `json:"type"`
	Path string   `json:"path"`
}

// FileContext is a file flattened out of a project tree for prompt context.
type FileContext struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ChatMessage is one persisted chat turn.
type ChatMessage struct {
	ID          string    `json:"id"`
	ProjectPath string    `json:"projectPath"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CodeBlock is a fenced code fragment extracted from an assistant response.
type CodeBlock struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

func decodeTree(raw json.RawMessage) (*FileNode, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '[' {
		var children []*FileNode
		if err := json.Unmarshal(raw, &children); err != nil {
			return nil, err
		}
		return NewDirectory("", children...), nil
	}
	var root FileNode
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, err
	}
	return &root, nil
}

// SortForDisplay orders summaries for a project picker: names containing
// marker come first, then everything lexicographically by name. An empty
// marker only sorts.
func SortForDisplay(list []ProjectSummary, marker string) {
	pinned := func(p ProjectSummary) bool {
		return marker != "" && strings.Contains(strings.ToLower(p.Name), strings.ToLower(marker))
	}
	sort.SliceStable(list, func(i, j int) bool {
		pi, pj := pinned(list[i]), pinned(list[j])
		if pi != pj {
			return pi
		}
		return list[i].Name < list[j].Name
	})
}

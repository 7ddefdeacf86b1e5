package models

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// NodeType tags a FileNode as a file or a directory.
type NodeType string

const (
	NodeFile      NodeType = "file"
	NodeDirectory NodeType = "directory"
)

// FileNode is a node of a project file tree. Files may carry content;
// directories carry children with names unique among siblings.
type FileNode struct {
	Name     string      `json:"name"`
	Type     NodeType    `json:"type"`
	Content  *string     `json:"content,omitempty"`
	Children []*FileNode `json:"children,omitempty"`
}

// NewFile returns a file node with the given content.
func NewFile(name, content string) *FileNode {
	return &FileNode{Name: name, Type: NodeFile, Content: &content}
}

// NewEmptyFile returns a file node with no captured content.
func NewEmptyFile(name string) *FileNode {
	return &FileNode{Name: name, Type: NodeFile}
}

// NewDirectory returns a directory node. Later children replace earlier
// children with the same name.
func NewDirectory(name string, children ...*FileNode) *FileNode {
	d := &FileNode{Name: name, Type: NodeDirectory}
	for _, c := range children {
		d.Put(c)
	}
	return d
}

// IsDir reports whether the node is a directory.
func (n *FileNode) IsDir() bool {
	return n != nil && n.Type == NodeDirectory
}

// Child returns the direct child with the given name.
func (n *FileNode) Child(name string) (*FileNode, bool) {
	if !n.IsDir() {
		return nil, false
	}
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Put adds child to a directory, replacing a sibling with the same name.
func (n *FileNode) Put(child *FileNode) {
	if child == nil || !n.IsDir() {
		return
	}
	for i, c := range n.Children {
		if c.Name == child.Name {
			n.Children[i] = child
			return
		}
	}
	n.Children = append(n.Children, child)
}

// Lookup resolves a slash-delimited path relative to n. Empty segments are
// ignored, so "" and "/" resolve to n itself. It fails when a segment is
// missing or when a file is reached with segments remaining.
func (n *FileNode) Lookup(p string) (*FileNode, bool) {
	if n == nil {
		return nil, false
	}
	cur := n
	for _, seg := range splitPath(p) {
		next, ok := cur.Child(seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Entries lists the children of a directory; dir is the path the directory
// was resolved from and prefixes each entry's path.
func (n *FileNode) Entries(dir string) []FileEntry {
	if !n.IsDir() {
		return []FileEntry{}
	}
	entries := make([]FileEntry, 0, len(n.Children))
	base := "/" + strings.Join(splitPath(dir), "/")
	for _, c := range n.Children {
		entries = append(entries, FileEntry{
			Name: c.Name,
			Type: c.Type,
			Path: path.Join(base, c.Name),
		})
	}
	return entries
}

// Flatten walks the tree below n in pre-order and returns up to limit files
// that carry content, with paths relative to n. Directories are expanded
// but never emitted themselves. A limit <= 0 means no limit.
func (n *FileNode) Flatten(limit int) []FileContext {
	var out []FileContext
	var walk func(node *FileNode, prefix string) bool
	walk = func(node *FileNode, prefix string) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		p := path.Join(prefix, node.Name)
		switch node.Type {
		case NodeDirectory:
			for _, c := range node.Children {
				if !walk(c, p) {
					return false
				}
			}
		case NodeFile:
			if node.Content != nil {
				out = append(out, FileContext{Path: p, Content: *node.Content})
			}
		}
		return true
	}
	if n == nil {
		return out
	}
	if !n.IsDir() {
		walk(n, "/")
		return out
	}
	for _, c := range n.Children {
		if !walk(c, "/") {
			break
		}
	}
	return out
}

// Clone returns a deep copy of the subtree rooted at n.
func (n *FileNode) Clone() *FileNode {
	if n == nil {
		return nil
	}
	c := &FileNode{Name: n.Name, Type: n.Type}
	if n.Content != nil {
		content := *n.Content
		c.Content = &content
	}
	if len(n.Children) > 0 {
		c.Children = make([]*FileNode, len(n.Children))
		for i, child := range n.Children {
			c.Children[i] = child.Clone()
		}
	}
	return c
}

// UnmarshalJSON normalizes a node: a missing type is inferred from the
// presence of children, files drop children, directories drop content, and
// duplicate sibling names keep the last occurrence.
func (n *FileNode) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name     string      `json:"name"`
		Type     NodeType    `json:"type"`
		Content  *string     `json:"content"`
		Children []*FileNode `json:"children"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	typ := raw.Type
	switch typ {
	case NodeFile, NodeDirectory:
	case "dir", "folder":
		typ = NodeDirectory
	case "":
		typ = NodeFile
		if raw.Children != nil {
			typ = NodeDirectory
		}
	default:
		return fmt.Errorf("node %q: unknown type %q", raw.Name, raw.Type)
	}

	*n = FileNode{Name: raw.Name, Type: typ}
	if typ == NodeFile {
		n.Content = raw.Content
		return nil
	}
	for _, c := range raw.Children {
		n.Put(c)
	}
	return nil
}

func splitPath(p string) []string {
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" && s != "." {
			segs = append(segs, s)
		}
	}
	return segs
}

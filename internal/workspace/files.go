package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// MaxReadBytes bounds files returned by Read.
	MaxReadBytes = 10 << 20

	DefaultTreeDepth = 3
	MaxTreeDepth     = 8
)

var ErrTooLarge = errors.New("file too large")

// skippedDirs are left out of tree listings.
var skippedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
}

// EntryType distinguishes directories from everything else.
type EntryType string

const (
	TypeDir  EntryType = "dir"
	TypeFile EntryType = "file"
)

// Entry is a single directory listing row.
type Entry struct {
	Name string    `json:"name"`
	Type EntryType `json:"type"`
}

// Node is a file or directory in a workspace tree.
type Node struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	IsDir    bool   `json:"isDir"`
	Children []Node `json:"children,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Files performs file manager operations inside session workspaces. Every
// operation resolves through the Resolver first and then does its I/O through
// an os.Root opened at the session workspace, so symlinks created inside the
// workspace cannot lead outside of it.
type Files struct {
	resolver *Resolver
}

// NewFiles creates a Files bound to the resolver.
func NewFiles(resolver *Resolver) *Files {
	return &Files{resolver: resolver}
}

// List returns the entries of a directory, optionally filtered by a
// case-insensitive substring of the name.
func (f *Files) List(sessionID, dir, search string) ([]Entry, error) {
	p, err := f.resolver.Resolve(sessionID, dir)
	if err != nil {
		return nil, err
	}
	root, err := openRoot(p)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	d, err := root.Open(p.Rel)
	if err != nil {
		return nil, sanitize("open", dir, err)
	}
	defer d.Close()

	dirents, err := d.ReadDir(-1)
	if err != nil {
		return nil, sanitize("readdir", dir, err)
	}

	needle := strings.ToLower(search)
	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		if needle != "" && !strings.Contains(strings.ToLower(de.Name()), needle) {
			continue
		}
		t := TypeFile
		if de.IsDir() {
			t = TypeDir
		}
		entries = append(entries, Entry{Name: de.Name(), Type: t})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type == TypeDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// Read returns the contents of a file as text.
func (f *Files) Read(sessionID, name string) (string, error) {
	p, err := f.resolveFile(sessionID, name)
	if err != nil {
		return "", err
	}
	root, err := openRoot(p)
	if err != nil {
		return "", err
	}
	defer root.Close()

	info, err := root.Stat(p.Rel)
	if err != nil {
		return "", sanitize("stat", name, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("read %s: is a directory", name)
	}
	if info.Size() > MaxReadBytes {
		return "", fmt.Errorf("read %s: %w", name, ErrTooLarge)
	}

	data, err := root.ReadFile(p.Rel)
	if err != nil {
		return "", sanitize("read", name, err)
	}
	return string(data), nil
}

// Write replaces the contents of a file, creating parent directories.
func (f *Files) Write(sessionID, name, content string) error {
	p, err := f.resolveFile(sessionID, name)
	if err != nil {
		return err
	}
	root, err := openRoot(p)
	if err != nil {
		return err
	}
	defer root.Close()

	if err := mkdirParent(root, p.Rel, name); err != nil {
		return err
	}
	if err := root.WriteFile(p.Rel, []byte(content), 0o644); err != nil {
		return sanitize("write", name, err)
	}
	return nil
}

// Create makes an empty file, or a directory tree when kind is TypeDir.
func (f *Files) Create(sessionID, name string, kind EntryType) error {
	p, err := f.resolveFile(sessionID, name)
	if err != nil {
		return err
	}
	root, err := openRoot(p)
	if err != nil {
		return err
	}
	defer root.Close()

	if kind == TypeDir {
		if err := root.MkdirAll(p.Rel, 0o755); err != nil {
			return sanitize("mkdir", name, err)
		}
		return nil
	}
	if err := mkdirParent(root, p.Rel, name); err != nil {
		return err
	}
	if err := root.WriteFile(p.Rel, nil, 0o644); err != nil {
		return sanitize("create", name, err)
	}
	return nil
}

// Delete removes a file or directory tree. Missing targets are not an error.
func (f *Files) Delete(sessionID, name string) error {
	p, err := f.resolver.Resolve(sessionID, name)
	if err != nil {
		return err
	}
	if p.IsRoot() {
		return ErrWorkspaceRoot
	}
	root, err := openRoot(p)
	if err != nil {
		return err
	}
	defer root.Close()

	if err := root.RemoveAll(p.Rel); err != nil {
		return sanitize("delete", name, err)
	}
	return nil
}

// Rename moves oldName to newName, creating the parent of newName.
func (f *Files) Rename(sessionID, oldName, newName string) error {
	from, err := f.resolver.Resolve(sessionID, oldName)
	if err != nil {
		return err
	}
	to, err := f.resolver.Resolve(sessionID, newName)
	if err != nil {
		return err
	}
	if from.IsRoot() || to.IsRoot() {
		return ErrWorkspaceRoot
	}
	root, err := openRoot(from)
	if err != nil {
		return err
	}
	defer root.Close()

	if err := mkdirParent(root, to.Rel, newName); err != nil {
		return err
	}
	if err := root.Rename(from.Rel, to.Rel); err != nil {
		return sanitize("rename", oldName, err)
	}
	return nil
}

// Tree returns a depth-limited tree rooted at dir. Directories come first.
func (f *Files) Tree(sessionID, dir string, depth int) ([]Node, error) {
	p, err := f.resolver.Resolve(sessionID, dir)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = DefaultTreeDepth
	}
	if depth > MaxTreeDepth {
		depth = MaxTreeDepth
	}
	root, err := openRoot(p)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	fsys := root.FS()
	start := filepath.ToSlash(p.Rel)
	if _, err := fs.ReadDir(fsys, start); err != nil {
		return nil, sanitize("readdir", dir, err)
	}
	return buildTree(fsys, start, 0, depth), nil
}

func buildTree(fsys fs.FS, dir string, depth, maxDepth int) []Node {
	if depth >= maxDepth {
		return nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil
	}

	var dirs, files []fs.DirEntry
	for _, e := range entries {
		if e.IsDir() {
			if skippedDirs[e.Name()] {
				continue
			}
			dirs = append(dirs, e)
		} else {
			files = append(files, e)
		}
	}

	nodes := make([]Node, 0, len(dirs)+len(files))
	for _, d := range dirs {
		p := path.Join(dir, d.Name())
		nodes = append(nodes, Node{
			Name:     d.Name(),
			Path:     p,
			IsDir:    true,
			Children: buildTree(fsys, p, depth+1, maxDepth),
		})
	}
	for _, file := range files {
		var size int64
		if info, err := file.Info(); err == nil {
			size = info.Size()
		}
		nodes = append(nodes, Node{
			Name: file.Name(),
			Path: path.Join(dir, file.Name()),
			Size: size,
		})
	}
	return nodes
}

// resolveFile resolves a path that must name something below the root.
func (f *Files) resolveFile(sessionID, name string) (Paths, error) {
	p, err := f.resolver.Resolve(sessionID, name)
	if err != nil {
		return Paths{}, err
	}
	if p.IsRoot() {
		return Paths{}, ErrInvalidPath
	}
	return p, nil
}

func openRoot(p Paths) (*os.Root, error) {
	root, err := os.OpenRoot(p.Base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("workspace not found: %w", fs.ErrNotExist)
		}
		return nil, fmt.Errorf("open workspace: %w", unwrapPath(err))
	}
	return root, nil
}

func mkdirParent(root *os.Root, rel, name string) error {
	dir := filepath.Dir(rel)
	if dir == "." {
		return nil
	}
	if err := root.MkdirAll(dir, 0o755); err != nil {
		return sanitize("mkdir", path.Dir(filepath.ToSlash(name)), err)
	}
	return nil
}

// sanitize rewrites filesystem errors so they name the session-relative path
// instead of the absolute host path.
func sanitize(op, name string, err error) error {
	return fmt.Errorf("%s %s: %w", op, name, unwrapPath(err))
}

func unwrapPath(err error) error {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return pathErr.Err
	}
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return linkErr.Err
	}
	return err
}

package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidSession = errors.New("invalid session")
	ErrInvalidPath    = errors.New("invalid path")
	ErrWorkspaceRoot  = errors.New("refusing to modify workspace root")
)

// Resolver maps session identifiers and session-relative paths onto the
// workspaces root. All checks are lexical and happen before any filesystem
// call.
type Resolver struct {
	root string
}

// Paths is the result of resolving a session-relative path.
type Paths struct {
	Base   string // session workspace root
	Target string // absolute resolved target
	Rel    string // target relative to Base, "." for the root itself
}

// IsRoot reports whether the target is the workspace root.
func (p Paths) IsRoot() bool {
	return p.Rel == "."
}

// NewResolver creates a resolver rooted at the given directory.
func NewResolver(root string) (*Resolver, error) {
	if root == "" {
		return nil, fmt.Errorf("workspaces root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspaces root: %w", err)
	}
	return &Resolver{root: filepath.Clean(abs)}, nil
}

// Root returns the global workspaces root.
func (r *Resolver) Root() string {
	return r.root
}

// Base returns the workspace root of a session.
func (r *Resolver) Base(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsRune(sessionID, 0) {
		return "", ErrInvalidSession
	}
	if filepath.IsAbs(sessionID) || strings.ContainsAny(sessionID, `/\`) || hasDotDot(sessionID) {
		return "", ErrInvalidSession
	}

	base := resolve(r.root, sessionID)
	rel, err := filepath.Rel(r.root, base)
	if err != nil || rel != sessionID {
		return "", ErrInvalidSession
	}
	if rel == "." || escapes(rel) {
		return "", ErrInvalidSession
	}
	return base, nil
}

// Resolve validates sessionID and target and returns the session root and the
// resolved target. An empty target resolves to the session root.
func (r *Resolver) Resolve(sessionID, target string) (Paths, error) {
	base, err := r.Base(sessionID)
	if err != nil {
		return Paths{}, err
	}
	if strings.ContainsRune(target, 0) || isAbsolute(target) || hasDotDot(target) {
		return Paths{}, ErrInvalidPath
	}

	resolved := resolve(base, target)
	rel, err := filepath.Rel(base, resolved)
	if err != nil || escapes(rel) || filepath.IsAbs(rel) {
		return Paths{}, ErrInvalidPath
	}
	return Paths{Base: base, Target: resolved, Rel: rel}, nil
}

// Ensure resolves the session root and creates it if missing.
func (r *Resolver) Ensure(sessionID string) (string, error) {
	base, err := r.Base(sessionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return base, nil
}

// resolve joins p onto base unless p is absolute, in which case p wins.
func resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// isAbsolute also catches forward-slash and drive-letter forms that
// filepath.IsAbs does not treat as absolute on every platform.
func isAbsolute(p string) bool {
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return true
	}
	return filepath.VolumeName(p) != ""
}

func hasDotDot(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

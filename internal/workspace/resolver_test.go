package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(t.TempDir())
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	return r
}

func TestNewResolver_EmptyRoot(t *testing.T) {
	if _, err := NewResolver(""); err == nil {
		t.Fatal("expected error for empty root")
	}
}

func TestResolve_EmptyPathIsRoot(t *testing.T) {
	r := newTestResolver(t)

	p, err := r.Resolve("S1", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := filepath.Join(r.Root(), "S1")
	if p.Base != want {
		t.Errorf("expected base %s, got %s", want, p.Base)
	}
	if p.Target != want {
		t.Errorf("expected target %s, got %s", want, p.Target)
	}
	if !p.IsRoot() {
		t.Error("expected IsRoot for empty path")
	}
}

func TestResolve_NestedPath(t *testing.T) {
	r := newTestResolver(t)

	p, err := r.Resolve("S1", "src/./main.go")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := filepath.Join(r.Root(), "S1", "src", "main.go")
	if p.Target != want {
		t.Errorf("expected %s, got %s", want, p.Target)
	}
	if p.Rel != filepath.Join("src", "main.go") {
		t.Errorf("unexpected rel %s", p.Rel)
	}
}

func TestResolve_InvalidSession(t *testing.T) {
	r := newTestResolver(t)

	tests := []string{
		"",
		".",
		"..",
		"../other",
		"a/../b",
		"a/b",
		`a\b`,
		"/etc",
		"S1\x00",
	}

	for _, id := range tests {
		if _, err := r.Resolve(id, ""); !errors.Is(err, ErrInvalidSession) {
			t.Errorf("session %q: expected ErrInvalidSession, got %v", id, err)
		}
	}
}

func TestResolve_InvalidPath(t *testing.T) {
	r := newTestResolver(t)

	tests := []string{
		"..",
		"../S2/file",
		"a/../../etc/passwd",
		"a/../b",
		"a/..",
		`..\x`,
		"/etc/passwd",
		`\etc\passwd`,
		"file\x00.txt",
	}

	for _, target := range tests {
		if _, err := r.Resolve("S1", target); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("path %q: expected ErrInvalidPath, got %v", target, err)
		}
	}
}

func TestResolve_RejectsBeforeTouchingDisk(t *testing.T) {
	r := newTestResolver(t)

	// Nothing exists on disk yet; traversal must still be rejected.
	if _, err := r.Resolve("missing", "../../x"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(r.Root(), "missing")); !os.IsNotExist(err) {
		t.Error("expected resolver not to create the workspace")
	}
}

func TestResolve_DotsInNamesAllowed(t *testing.T) {
	r := newTestResolver(t)

	for _, target := range []string{"..foo", "foo..", ".hidden", "a/...", "."} {
		if _, err := r.Resolve("S1", target); err != nil {
			t.Errorf("path %q: unexpected error %v", target, err)
		}
	}
}

func TestEnsure_CreatesWorkspace(t *testing.T) {
	r := newTestResolver(t)

	base, err := r.Ensure("S1")
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	info, err := os.Stat(base)
	if err != nil {
		t.Fatalf("stat workspace: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected workspace to be a directory")
	}
	entries, _ := os.ReadDir(base)
	if len(entries) != 0 {
		t.Errorf("expected empty workspace, got %d entries", len(entries))
	}

	// Idempotent.
	if _, err := r.Ensure("S1"); err != nil {
		t.Errorf("second Ensure failed: %v", err)
	}
}

func TestEnsure_InvalidSession(t *testing.T) {
	r := newTestResolver(t)
	if _, err := r.Ensure("../escape"); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("expected ErrInvalidSession, got %v", err)
	}
}

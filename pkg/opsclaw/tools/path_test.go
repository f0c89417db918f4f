package tools

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// newWorkspace returns a temp workspace and its canonical form.
func newWorkspace(t *testing.T) (string, string) {
	t.Helper()
	ws := t.TempDir()
	real, err := filepath.EvalSymlinks(ws)
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	return ws, real
}

func isInside(root, p string) bool {
	rootParts := strings.Split(filepath.Clean(root), string(filepath.Separator))
	parts := strings.Split(filepath.Clean(p), string(filepath.Separator))
	if len(parts) < len(rootParts) {
		return false
	}
	for i := range rootParts {
		if rootParts[i] != parts[i] {
			return false
		}
	}
	return true
}

func TestValidatePathInside(t *testing.T) {
	ws, real := newWorkspace(t)
	if err := os.MkdirAll(filepath.Join(ws, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, "docs", "a.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{
		"docs/a.md",
		"docs",
		"./docs/../docs/a.md",
		"new/nested/file.txt",
		filepath.Join(ws, "docs", "a.md"),
		filepath.Join(ws, "missing.txt"),
	} {
		got, err := ValidatePath(p, ws)
		if err != nil {
			t.Errorf("ValidatePath(%q): unexpected error %v", p, err)
			continue
		}
		if !isInside(real, got.String()) {
			t.Errorf("ValidatePath(%q) = %q, not under %q", p, got, real)
		}
	}
}

func TestValidatePathWorkspaceItself(t *testing.T) {
	ws, real := newWorkspace(t)
	for _, p := range []string{".", ws, ""} {
		got, err := ValidatePath(p, ws)
		if err != nil {
			t.Fatalf("ValidatePath(%q): %v", p, err)
		}
		if got.String() != real {
			t.Errorf("ValidatePath(%q) = %q, want %q", p, got, real)
		}
	}
}

func TestValidatePathOutside(t *testing.T) {
	ws, real := newWorkspace(t)
	outside := t.TempDir()

	for _, p := range []string{
		"../escape.txt",
		"docs/../../escape.txt",
		"/etc/passwd",
		outside,
		filepath.Join(outside, "new.txt"),
	} {
		_, err := ValidatePath(p, ws)
		var outErr *OutsideWorkspaceError
		if !errors.As(err, &outErr) {
			t.Errorf("ValidatePath(%q): err = %v, want OutsideWorkspaceError", p, err)
			continue
		}
		if outErr.Path != p || outErr.Workspace != real {
			t.Errorf("error fields = %+v", outErr)
		}
	}
}

func TestValidatePathSiblingPrefix(t *testing.T) {
	parent := t.TempDir()
	ws := filepath.Join(parent, "workspace")
	sibling := filepath.Join(parent, "workspace-other")
	for _, d := range []string{ws, sibling} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := ValidatePath(filepath.Join(sibling, "x.txt"), ws); err == nil {
		t.Fatal("sibling directory sharing a string prefix was accepted")
	}
}

func TestValidatePathSymlinkEscape(t *testing.T) {
	ws, _ := newWorkspace(t)
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Directory symlink pointing outward.
	if err := os.Symlink(outside, filepath.Join(ws, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	// File symlink pointing outward.
	if err := os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(ws, "secret")); err != nil {
		t.Fatal(err)
	}
	// Dangling symlink whose target would be created outside.
	if err := os.Symlink(filepath.Join(outside, "planted.txt"), filepath.Join(ws, "dangling")); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{
		"link",
		"link/secret.txt",
		"link/not-yet/created.txt",
		"secret",
		"dangling",
	} {
		if _, err := ValidatePath(p, ws); err == nil {
			t.Errorf("ValidatePath(%q) accepted a path escaping through a symlink", p)
		}
	}
}

func TestValidatePathSymlinkInside(t *testing.T) {
	ws, real := newWorkspace(t)
	if err := os.MkdirAll(filepath.Join(ws, "data"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(ws, "data"), filepath.Join(ws, "alias")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	got, err := ValidatePath("alias/new.txt", ws)
	if err != nil {
		t.Fatalf("ValidatePath: %v", err)
	}
	if want := filepath.Join(real, "data", "new.txt"); got.String() != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestValidatePathSymlinkedWorkspace(t *testing.T) {
	ws, real := newWorkspace(t)
	linkParent := t.TempDir()
	linkedWS := filepath.Join(linkParent, "ws")
	if err := os.Symlink(ws, linkedWS); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	got, err := ValidatePath("file.txt", linkedWS)
	if err != nil {
		t.Fatalf("ValidatePath through symlinked workspace: %v", err)
	}
	if got.String() != filepath.Join(real, "file.txt") {
		t.Errorf("got %q", got)
	}
}

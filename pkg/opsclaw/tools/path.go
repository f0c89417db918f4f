package tools

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ValidatedPath is an absolute, symlink-resolved path inside the workspace.
type ValidatedPath string

// String returns the path.
func (p ValidatedPath) String() string { return string(p) }

// OutsideWorkspaceError is returned when a path resolves outside the workspace.
type OutsideWorkspaceError struct {
	Path      string
	Workspace string
}

func (e *OutsideWorkspaceError) Error() string {
	return fmt.Sprintf("path %s is outside workspace %s", e.Path, e.Workspace)
}

// ValidatePath resolves path against workspace and rejects it unless the
// result lies inside the workspace. Relative paths are taken from the
// workspace and "~/" expands to the home directory. Symlinks are resolved
// before the containment check, including those in the parents of a path
// that does not exist yet.
func ValidatePath(path, workspace string) (ValidatedPath, error) {
	candidate, err := expandPath(path, workspace)
	if err != nil {
		return "", err
	}

	resolved := resolvePath(candidate)
	root := resolvePath(filepath.Clean(workspace))

	if !within(root, resolved) {
		return "", &OutsideWorkspaceError{Path: path, Workspace: root}
	}
	return ValidatedPath(resolved), nil
}

func expandPath(path, workspace string) (string, error) {
	switch {
	case path == "~" || strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	case filepath.IsAbs(path):
		return filepath.Clean(path), nil
	default:
		return filepath.Join(workspace, path), nil
	}
}

// maxLinkDepth bounds dangling-symlink chains, matching the kernel's ELOOP limit.
const maxLinkDepth = 40

// resolvePath returns the canonical form of p. An existing path is
// resolved directly. For a missing path the nearest existing ancestor is
// resolved and the missing suffix re-appended.
func resolvePath(p string) string {
	return resolveDepth(p, 0)
}

func resolveDepth(p string, depth int) string {
	if info, err := os.Lstat(p); err == nil {
		if real, err := canonical(p); err == nil {
			return real
		}
		// A dangling link is followed to where a write would land.
		if info.Mode()&fs.ModeSymlink != 0 && depth < maxLinkDepth {
			if target, err := os.Readlink(p); err == nil {
				if !filepath.IsAbs(target) {
					target = filepath.Join(filepath.Dir(p), target)
				}
				return resolveDepth(target, depth+1)
			}
		}
		return absFromCwd(p)
	}

	var suffix []string
	dir := p
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		suffix = append(suffix, filepath.Base(dir))
		dir = parent

		_, err := os.Lstat(dir)
		if err == nil {
			real := resolveDepth(dir, depth)
			for i := len(suffix) - 1; i >= 0; i-- {
				real = filepath.Join(real, suffix[i])
			}
			return real
		}
		if !errors.Is(err, fs.ErrNotExist) {
			break
		}
	}
	return absFromCwd(p)
}

func canonical(p string) (string, error) {
	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", err
	}
	return filepath.Abs(real)
}

func absFromCwd(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return filepath.Clean(p)
	}
	return filepath.Join(cwd, p)
}

// within compares path components, so /ws-other is not inside /ws.
func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	first := strings.SplitN(rel, string(filepath.Separator), 2)[0]
	return first != ".." && !filepath.IsAbs(rel)
}

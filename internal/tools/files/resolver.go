package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideWorkspace is returned for any path that resolves to neither the
// workspace root nor one of its descendants.
var ErrOutsideWorkspace = errors.New("outside the workspace")

// Resolver maps user-supplied paths to absolute paths inside the workspace.
type Resolver struct {
	Root string
}

// Resolve strips leading separators, joins against the workspace root, and
// verifies the cleaned result stays inside it. The boundary check is on a
// path-separator boundary so "/work" does not admit "/work-evil".
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", errors.New("path is required")
	}
	clean = strings.TrimLeft(clean, "/\\")

	root := r.Root
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}

	target := filepath.Clean(filepath.Join(rootAbs, clean))
	if target != rootAbs && !strings.HasPrefix(target, rootAbs+string(os.PathSeparator)) {
		return "", ErrOutsideWorkspace
	}
	return target, nil
}

// Rel returns the workspace-relative, slash-separated form of an absolute
// path previously produced by Resolve.
func (r Resolver) Rel(target string) string {
	rootAbs, err := filepath.Abs(r.Root)
	if err != nil {
		return target
	}
	rel, err := filepath.Rel(rootAbs, target)
	if err != nil {
		return target
	}
	return filepath.ToSlash(rel)
}

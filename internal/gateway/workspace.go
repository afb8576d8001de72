package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/haasonsaas/klaus/internal/agent"
	"github.com/haasonsaas/klaus/internal/tools/files"
)

// maxWorkspaceFileBytes caps the file endpoint's response payload.
const maxWorkspaceFileBytes = 5 << 20

// treeSkip holds directory names excluded from the workspace tree.
var treeSkip = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"__pycache__":  true,
	".venv":        true,
}

// treeNode is one entry in the workspace tree. Children is nil for files.
type treeNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Type     string      `json:"type"`
	Children []*treeNode `json:"children,omitempty"`
}

func (s *Server) handleWorkspaceTree(w http.ResponseWriter, r *http.Request) {
	tree, err := buildTree(s.cfg.WorkspaceDir, "")
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, agent.SanitizeErrorText(err.Error()))
		return
	}

	encoded, err := json.Marshal(tree)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "encode tree")
		return
	}
	sum := sha256.Sum256(encoded)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, max-age=5")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tree":      tree,
		"workspace": filepath.Base(absPath(s.cfg.WorkspaceDir)),
	})
}

// buildTree walks one directory level and recurses. Directories sort before
// files, each group alphabetically.
func buildTree(root, rel string) ([]*treeNode, error) {
	entries, err := os.ReadDir(filepath.Join(root, rel))
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	nodes := make([]*treeNode, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.ToSlash(filepath.Join(rel, name))
		if entry.IsDir() {
			if treeSkip[name] {
				continue
			}
			children, err := buildTree(root, filepath.Join(rel, name))
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, &treeNode{Name: name, Path: path, Type: "dir", Children: children})
			continue
		}
		nodes = append(nodes, &treeNode{Name: name, Path: path, Type: "file"})
	}
	return nodes, nil
}

func (s *Server) handleWorkspaceFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, r, http.StatusBadRequest, "path is required")
		return
	}

	resolved, err := s.resolver.Resolve(path)
	if err != nil {
		if errors.Is(err, files.ErrOutsideWorkspace) {
			writeError(w, r, http.StatusForbidden, "path is outside the workspace")
			return
		}
		writeError(w, r, http.StatusBadRequest, agent.SanitizeErrorText(err.Error()))
		return
	}

	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		writeError(w, r, http.StatusNotFound, "file not found")
		return
	}
	if info.Size() > maxWorkspaceFileBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, "file exceeds 5 MB limit")
		return
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "read file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content": string(content),
		"size":    info.Size(),
		"path":    s.resolver.Rel(resolved),
	})
}

func (s *Server) handleWorkspaceRollback(w http.ResponseWriter, r *http.Request) {
	if err := s.git.Rollback(r.Context()); err != nil {
		s.logger.Error(r.Context(), "workspace rollback failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "rollback failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

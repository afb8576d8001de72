package gateway

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func seedWorkspace(t *testing.T, root string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "node_modules", "left-pad"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	files := map[string]string{
		"README.md":   "# project\n",
		"src/main.go": "package main\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func TestWorkspaceTree(t *testing.T) {
	env := newTestServer(t)
	seedWorkspace(t, env.cfg.WorkspaceDir)

	rec := env.get(t, "/api/workspace/tree")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "private, max-age=5" {
		t.Errorf("Cache-Control = %q", cc)
	}
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("ETag missing")
	}

	var out struct {
		Tree []*treeNode `json:"tree"`
	}
	decodeBody(t, rec.Body, &out)

	names := map[string]string{}
	for _, node := range out.Tree {
		names[node.Name] = node.Type
	}
	if names["src"] != "dir" || names["README.md"] != "file" {
		t.Errorf("tree = %+v", names)
	}
	if _, ok := names["node_modules"]; ok {
		t.Error("node_modules should be skipped")
	}

	t.Run("304 on matching etag", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/workspace/tree", nil)
		req.Header.Set("Authorization", "Bearer "+testSecret)
		req.Header.Set("If-None-Match", etag)
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusNotModified {
			t.Errorf("status = %d, want 304", rec.Code)
		}
	})

	t.Run("etag changes with content", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(env.cfg.WorkspaceDir, "new.txt"), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		rec := env.get(t, "/api/workspace/tree")
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200 after change", rec.Code)
		}
		if rec.Header().Get("ETag") == etag {
			t.Error("ETag unchanged after workspace mutation")
		}
	})
}

func TestWorkspaceFile(t *testing.T) {
	env := newTestServer(t)
	seedWorkspace(t, env.cfg.WorkspaceDir)

	t.Run("reads a file", func(t *testing.T) {
		rec := env.get(t, "/api/workspace/file?path=src/main.go")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var out struct {
			Content string `json:"content"`
			Size    int64  `json:"size"`
			Path    string `json:"path"`
		}
		decodeBody(t, rec.Body, &out)
		if out.Content != "package main\n" || out.Path != "src/main.go" {
			t.Errorf("out = %+v", out)
		}
	})

	t.Run("missing path param", func(t *testing.T) {
		if rec := env.get(t, "/api/workspace/file"); rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("escape attempt", func(t *testing.T) {
		if rec := env.get(t, "/api/workspace/file?path=../../etc/passwd"); rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("absent file", func(t *testing.T) {
		if rec := env.get(t, "/api/workspace/file?path=nope.txt"); rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("oversized file", func(t *testing.T) {
		big := make([]byte, maxWorkspaceFileBytes+1)
		if err := os.WriteFile(filepath.Join(env.cfg.WorkspaceDir, "big.bin"), big, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if rec := env.get(t, "/api/workspace/file?path=big.bin"); rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want 413", rec.Code)
		}
	})
}

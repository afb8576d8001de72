package agent

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRegistry_ValidateRejectsBadInput(t *testing.T) {
	r := NewRegistry()
	tool := &fakeTool{
		name:   "read_file",
		schema: `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"],"additionalProperties":false}`,
	}
	if err := r.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}

	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"valid", `{"path":"main.go"}`, ""},
		{"missing required field", `{}`, "Validation failed"},
		{"wrong type", `{"path":42}`, "Validation failed"},
		{"not json", `{broken`, "Validation failed"},
		{"extra property", `{"path":"a","x":1}`, "Validation failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate("read_file", json.RawMessage(tt.input))
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.HasPrefix(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want prefix %q", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	r := NewRegistry()
	err := r.Validate("nonexistent", json.RawMessage(`{}`))
	if err == nil || err.Error() != "Unknown tool: nonexistent" {
		t.Errorf("error = %v, want Unknown tool: nonexistent", err)
	}
}

func TestRegistry_RegisterRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&fakeTool{name: "broken", schema: `{"type":`})
	if err == nil {
		t.Error("expected error for malformed schema")
	}
}

func TestRegistry_SpecsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"write_file", "read_file", "list_files"} {
		if err := r.Register(&fakeTool{name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	specs := r.Specs()
	want := []string{"list_files", "read_file", "write_file"}
	for i, spec := range specs {
		if spec.Name != want[i] {
			t.Errorf("specs[%d] = %s, want %s", i, spec.Name, want[i])
		}
	}
}

func TestRegistry_IsReadOnly(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{name: "read_file", readOnly: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(&fakeTool{name: "write_file"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if !r.IsReadOnly("read_file") {
		t.Error("read_file should be read-only")
	}
	if r.IsReadOnly("write_file") {
		t.Error("write_file should not be read-only")
	}
	if r.IsReadOnly("unknown") {
		t.Error("unknown tool should not be read-only")
	}
}

package dsl

import (
	"os"
	"path/filepath"
	"testing"
)

const yamlDoc = `
workflow:
  id: wf1
  name: greet
  variables:
    name: world
nodes:
  - id: start
    kind: start
    next: call
  - id: call
    kind: function
    function: echo
    params:
      msg: "hello ${name}"
    output: r
    next: end
  - id: end
    kind: end
`

const jsonDoc = `{
  "workflow": {"id": "wf1", "name": "greet"},
  "nodes": [
    {"id": "start", "kind": "start", "next": "end"},
    {"id": "end", "kind": "end"}
  ]
}`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadFileYAML(t *testing.T) {
	path := writeTemp(t, "wf.yaml", yamlDoc)
	doc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if doc.Workflow.ID != "wf1" || len(doc.Nodes) != 3 {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if doc.Workflow.Variables["name"] != "world" {
		t.Fatalf("expected variable name=world, got %+v", doc.Workflow.Variables)
	}
}

func TestLoadFileJSON(t *testing.T) {
	path := writeTemp(t, "wf.json", jsonDoc)
	doc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if doc.Workflow.Name != "greet" || len(doc.Nodes) != 2 {
		t.Fatalf("unexpected document: %+v", doc)
	}
}

func TestLoadFileUnknownExtension(t *testing.T) {
	path := writeTemp(t, "wf.txt", yamlDoc)
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected an error for an unrecognized extension")
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

package dsl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader parses a workflow document from a file. Extensions reports the
// glob patterns (e.g. "*.yaml") the loader claims, matching the shape of a
// plugin-discoverable loader registry.
type Loader interface {
	Extensions() []string
	Load(path string) (*Document, error)
}

// YAMLLoader loads workflow documents from YAML files.
type YAMLLoader struct{}

func NewYAMLLoader() *YAMLLoader { return &YAMLLoader{} }

func (l *YAMLLoader) Extensions() []string { return []string{"*.yaml", "*.yml"} }

func (l *YAMLLoader) Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dsl: reading %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("dsl: parsing YAML %s: %w", path, err)
	}
	return &doc, nil
}

// JSONLoader loads workflow documents from JSON files.
type JSONLoader struct{}

func NewJSONLoader() *JSONLoader { return &JSONLoader{} }

func (l *JSONLoader) Extensions() []string { return []string{"*.json"} }

func (l *JSONLoader) Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dsl: reading %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("dsl: parsing JSON %s: %w", path, err)
	}
	return &doc, nil
}

// LoadFile picks a Loader by file extension and loads the document.
func LoadFile(path string) (*Document, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return NewYAMLLoader().Load(path)
	case ".json":
		return NewJSONLoader().Load(path)
	default:
		return nil, fmt.Errorf("dsl: unrecognized document extension for %s", path)
	}
}

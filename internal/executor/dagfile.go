package executor

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ZanzyTHEbar/layerbridge"
)

// DefinitionLoader decodes a workflow definition from raw bytes.
type DefinitionLoader interface {
	Parse(data []byte) (*layerbridge.WorkflowDefinition, error)
	Format() string // e.g. "yaml", "json"
}

var (
	loaderMu       sync.RWMutex
	loaderRegistry = make(map[string]DefinitionLoader)
)

// RegisterDefinitionLoader registers a loader under its format name.
func RegisterDefinitionLoader(loader DefinitionLoader) {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	loaderRegistry[loader.Format()] = loader
}

// GetDefinitionLoader retrieves a loader by format name.
func GetDefinitionLoader(format string) (DefinitionLoader, bool) {
	loaderMu.RLock()
	defer loaderMu.RUnlock()
	loader, ok := loaderRegistry[format]
	return loader, ok
}

// YAMLLoader reads YAML definitions. Durations use Go syntax ("30s", "2m").
type YAMLLoader struct{}

func (YAMLLoader) Parse(data []byte) (*layerbridge.WorkflowDefinition, error) {
	var def layerbridge.WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow YAML: %w", err)
	}
	return &def, nil
}

func (YAMLLoader) Format() string { return "yaml" }

// JSONLoader reads JSON definitions. JSON is a subset of YAML, so the YAML
// decoder is reused and durations keep the same string syntax.
type JSONLoader struct{}

func (JSONLoader) Parse(data []byte) (*layerbridge.WorkflowDefinition, error) {
	def, err := YAMLLoader{}.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse workflow JSON: %w", err)
	}
	return def, nil
}

func (JSONLoader) Format() string { return "json" }

func init() {
	RegisterDefinitionLoader(YAMLLoader{})
	RegisterDefinitionLoader(JSONLoader{})
}

// ParseDefinition decodes data with the loader for format and validates the
// result.
func ParseDefinition(data []byte, format string) (*layerbridge.WorkflowDefinition, error) {
	loader, ok := GetDefinitionLoader(format)
	if !ok {
		return nil, layerbridge.NewValidationError("load", fmt.Sprintf("no loader for format %q", format), nil)
	}
	def, err := loader.Parse(data)
	if err != nil {
		return nil, layerbridge.NewValidationError("load", "invalid workflow definition", err)
	}
	for i := range def.Steps {
		for k, v := range def.Steps[i].Input {
			def.Steps[i].Input[k] = toOutputRefs(v)
		}
	}
	if err := Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadDefinitionFile reads and validates a definition; the format follows
// the file extension.
func LoadDefinitionFile(path string) (*layerbridge.WorkflowDefinition, error) {
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workflow file: %w", err)
	}
	return ParseDefinition(data, format)
}

// toOutputRefs converts the "$step.output" and "$step.output.field"
// shorthands into typed references.
func toOutputRefs(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if !strings.HasPrefix(val, "$") {
			return val
		}
		parts := strings.Split(strings.TrimPrefix(val, "$"), ".")
		if len(parts) >= 2 && parts[0] != "" && parts[1] == "output" {
			return layerbridge.Ref(parts[0], parts[2:]...)
		}
		return val
	case map[string]interface{}:
		for k, item := range val {
			val[k] = toOutputRefs(item)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = toOutputRefs(item)
		}
		return val
	}
	return v
}

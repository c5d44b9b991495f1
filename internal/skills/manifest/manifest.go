package manifest

import (
	"fmt"
	"os"
	"regexp"

	"github.com/loqalabs/loqa-live/internal/tools"
	"gopkg.in/yaml.v3"
)

// Manifest describes a WASM skill exposed to the model as a tool.
type Manifest struct {
	Metadata   Metadata      `yaml:"metadata"`
	Runtime    RuntimeSpec   `yaml:"runtime"`
	Parameters []tools.Param `yaml:"parameters,omitempty"`
	Env        []string      `yaml:"env,omitempty"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Tags        []string `yaml:"tags,omitempty"`
}

type RuntimeSpec struct {
	Mode        string `yaml:"mode"`
	Module      string `yaml:"module"`
	Entrypoint  string `yaml:"entrypoint"`
	HostVersion string `yaml:"host_version"`
}

// Tool names double as function declaration names on the wire.
var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

// Load reads a manifest from disk.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate ensures manifest contains required fields.
func Validate(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if !namePattern.MatchString(m.Metadata.Name) {
		return fmt.Errorf("metadata.name %q must start with a letter and contain only letters, digits or underscores", m.Metadata.Name)
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if m.Metadata.Description == "" {
		return fmt.Errorf("metadata.description is required")
	}
	if m.Runtime.Mode == "" {
		return fmt.Errorf("runtime.mode is required")
	}
	switch m.Runtime.Mode {
	case "wasm":
		if m.Runtime.Module == "" {
			return fmt.Errorf("runtime.module is required for wasm")
		}
		if m.Runtime.Entrypoint == "" {
			return fmt.Errorf("runtime.entrypoint is required for wasm")
		}
	default:
		return fmt.Errorf("runtime.mode %q not supported", m.Runtime.Mode)
	}
	seen := make(map[string]struct{}, len(m.Parameters))
	for i, p := range m.Parameters {
		if !namePattern.MatchString(p.Name) {
			return fmt.Errorf("parameters[%d].name %q is invalid", i, p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("parameter %q declared twice", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

// ToolSpec is the declaration advertised to the model.
func (m Manifest) ToolSpec() tools.Spec {
	return tools.Spec{
		Name:        m.Metadata.Name,
		Description: m.Metadata.Description,
		Params:      append([]tools.Param(nil), m.Parameters...),
	}
}

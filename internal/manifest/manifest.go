// Package manifest reads the list of functions scheduled for implementation.
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rogers-f/crucible/internal/domain"
)

// Manifest is the YAML document handed over by the scaffolding phase.
type Manifest struct {
	Project   string                `yaml:"project"`
	Functions []domain.FunctionSpec `yaml:"functions"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates manifest YAML.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, domain.WrapEngineError(domain.ErrManifestInvalid.Code, "parse manifest YAML", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Modules returns the distinct modules in first-seen order.
func (m *Manifest) Modules() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range m.Functions {
		if !seen[f.Module] {
			seen[f.Module] = true
			out = append(out, f.Module)
		}
	}
	return out
}

// Lookup returns the spec of a function by id.
func (m *Manifest) Lookup(id string) (domain.FunctionSpec, bool) {
	for _, f := range m.Functions {
		if f.ID == id {
			return f, true
		}
	}
	return domain.FunctionSpec{}, false
}

func (m *Manifest) validate() error {
	var problems []string
	if len(m.Functions) == 0 {
		problems = append(problems, "no functions listed")
	}
	seen := make(map[string]bool, len(m.Functions))
	for i, f := range m.Functions {
		switch {
		case f.ID == "":
			problems = append(problems, fmt.Sprintf("functions[%d]: id is required", i))
		case seen[f.ID]:
			problems = append(problems, fmt.Sprintf("functions[%d]: duplicate id %s", i, f.ID))
		}
		seen[f.ID] = true
		if f.Module == "" {
			problems = append(problems, fmt.Sprintf("functions[%d]: module is required", i))
		}
	}
	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrManifestInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrManifestInvalid.Message, problems),
		}
	}
	return nil
}

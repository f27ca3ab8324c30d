// Package definition reads pipeline files (YAML or JSON) into stage definitions.
package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"storyforge/internal/graph"
	"storyforge/internal/stage"
)

const maxDefinitionSize = 1 << 20

var ErrInvalidDefinition = errors.New("invalid pipeline definition")

// Pipeline is the file format. JSON input parses the same way since YAML is a superset.
type Pipeline struct {
	Name   string      `yaml:"name" json:"name"`
	Stages []StageSpec `yaml:"stages" json:"stages"`
}

type StageSpec struct {
	Name         string   `yaml:"name" json:"name"`
	Kind         string   `yaml:"kind,omitempty" json:"kind,omitempty"`
	Executor     string   `yaml:"executor" json:"executor"`
	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Context      []string `yaml:"context,omitempty" json:"context,omitempty"`
	Output       string   `yaml:"output,omitempty" json:"output,omitempty"`
}

// Parse decodes a pipeline document. Unknown fields are rejected.
func Parse(raw []byte) (Pipeline, error) {
	if len(raw) > maxDefinitionSize {
		return Pipeline{}, fmt.Errorf("%w: document exceeds %d bytes", ErrInvalidDefinition, maxDefinitionSize)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return Pipeline{}, fmt.Errorf("%w: empty document", ErrInvalidDefinition)
		}
		return Pipeline{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return p, nil
}

// Load reads and parses a pipeline from r.
func Load(r io.Reader) (Pipeline, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxDefinitionSize+1))
	if err != nil {
		return Pipeline{}, fmt.Errorf("read pipeline: %w", err)
	}
	return Parse(raw)
}

func LoadFile(path string) (Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("open pipeline %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Definitions converts the document to stage definitions in declaration order.
// It checks field-level rules only; graph rules are left to Validate.
func (p Pipeline) Definitions() ([]stage.Definition, error) {
	if len(p.Stages) == 0 {
		return nil, fmt.Errorf("%w: no stages", ErrInvalidDefinition)
	}
	defs := make([]stage.Definition, 0, len(p.Stages))
	for i, s := range p.Stages {
		kind, err := stage.ParseKind(s.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: stage %d (%s): %v", ErrInvalidDefinition, i, s.Name, err)
		}
		executor := strings.TrimSpace(s.Executor)
		if executor == "" {
			return nil, fmt.Errorf("%w: stage %d (%s): executor is required", ErrInvalidDefinition, i, s.Name)
		}
		defs = append(defs, stage.Definition{
			ID:        strings.TrimSpace(s.Name),
			Kind:      kind,
			DependsOn: trimAll(s.Dependencies),
			Context:   trimAll(s.Context),
			Executor:  executor,
			Output:    strings.TrimSpace(s.Output),
		})
	}
	return defs, nil
}

// Validate converts the document and resolves its execution order.
func (p Pipeline) Validate() ([]stage.Definition, []string, error) {
	defs, err := p.Definitions()
	if err != nil {
		return nil, nil, err
	}
	order, err := graph.Resolve(defs)
	if err != nil {
		return nil, nil, err
	}
	return defs, order, nil
}

func trimAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		out = append(out, strings.TrimSpace(v))
	}
	return out
}

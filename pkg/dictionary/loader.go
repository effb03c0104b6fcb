// ABOUTME: Builds dictionaries from declarative YAML files
// ABOUTME: Each document entry is a pass-through or key-set dictionary

package dictionary

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ErrBadDefinition is returned for dictionary definitions that cannot be built
var ErrBadDefinition = errors.New("invalid dictionary definition")

// Definition is the declarative form of a dictionary
type Definition struct {
	Type     string            `yaml:"type" mapstructure:"type"`
	Bucket   string            `yaml:"bucket" mapstructure:"bucket"`
	Keys     []string          `yaml:"keys" mapstructure:"keys"`
	Rename   map[string]string `yaml:"rename" mapstructure:"rename"`
	Required []string          `yaml:"required" mapstructure:"required"`
	File     string            `yaml:"file" mapstructure:"file"`
}

type definitionFile struct {
	Dictionaries []Definition `yaml:"dictionaries"`
}

// Build constructs the dictionaries described by def. A definition with
// File set expands to the dictionaries in that file.
func Build(def Definition) ([]Dictionary, error) {
	if def.File != "" {
		return LoadFile(def.File)
	}
	switch def.Type {
	case "", "passthrough":
		return []Dictionary{NewPassThrough(def.Bucket)}, nil
	case "keyset":
		if def.Bucket == "" {
			return nil, fmt.Errorf("%w: keyset needs a bucket", ErrBadDefinition)
		}
		if len(def.Keys) == 0 && len(def.Rename) == 0 {
			return nil, fmt.Errorf("%w: keyset %q has no keys", ErrBadDefinition, def.Bucket)
		}
		d := NewKeySet(def.Bucket, def.Keys...)
		renamed := make([]string, 0, len(def.Rename))
		for key := range def.Rename {
			renamed = append(renamed, key)
		}
		slices.Sort(renamed)
		for _, key := range renamed {
			d.Map(key, def.Rename[key])
		}
		d.Require(def.Required...)
		return []Dictionary{d}, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrBadDefinition, def.Type)
}

// Parse reads dictionaries from YAML
func Parse(data []byte) ([]Dictionary, error) {
	var f definitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadDefinition, err)
	}
	var out []Dictionary
	for _, def := range f.Dictionaries {
		if def.File != "" {
			return nil, fmt.Errorf("%w: nested file references are not supported", ErrBadDefinition)
		}
		ds, err := Build(def)
		if err != nil {
			return nil, err
		}
		out = append(out, ds...)
	}
	return out, nil
}

// LoadFile reads dictionaries from a YAML file
func LoadFile(path string) ([]Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dictionary file: %w", err)
	}
	return Parse(data)
}

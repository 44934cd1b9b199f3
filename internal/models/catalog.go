package models

import (
	"fmt"
	"sort"

	"github.com/san-kum/cellforge/internal/dynamo"
	"github.com/san-kum/cellforge/internal/model"
)

// Definition builds a fresh model from its parameters.
type Definition interface {
	Build() (*model.Model, error)
}

var catalog = map[string]func() Definition{
	"isomerization":   func() Definition { return NewIsomerization() },
	"decay":           func() Definition { return NewDecay() },
	"chain":           func() Definition { return NewChain() },
	"gene_expression": func() Definition { return NewGeneExpression() },
	"enzyme":          func() Definition { return NewEnzyme() },
}

// Build returns the named model with default parameters.
func Build(name string) (*model.Model, error) {
	fn, ok := catalog[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown model %q", dynamo.ErrConfiguration, name)
	}
	return fn().Build()
}

func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package graph

import (
	"os"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/v-shavyaa/metaflow/types"
)

/**
 * FlowDef is the on-disk YAML form of a flow. Steps reference each
 * other by name through `next`, so definition order does not matter
 * except that it fixes the step registration order.
 */
type FlowDef struct {
	Flow       string         `yaml:"flow"`
	Parameters map[string]any `yaml:"parameters,omitempty"`
	Decorators []DecoratorDef `yaml:"decorators,omitempty"`
	Steps      []StepDef      `yaml:"steps"`
}

type StepDef struct {
	Name       string         `yaml:"name"`
	Type       string         `yaml:"type,omitempty"`
	Next       []string       `yaml:"next,omitempty"`
	Decorators []DecoratorDef `yaml:"decorators,omitempty"`
}

type DecoratorDef struct {
	Kind       string         `yaml:"kind"`
	Attributes map[string]any `yaml:"attributes,omitempty"`
}

func Load(path string) (*types.Graph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*types.Graph, error) {
	def := &FlowDef{}
	if err := yaml.Unmarshal(raw, def); err != nil {
		return nil, errors.Annotatef(err, "parse flow definition")
	}
	return FromDef(def)
}

func FromDef(def *FlowDef) (*types.Graph, error) {
	b := NewBuilder(def.Flow)
	for name, value := range def.Parameters {
		b.Parameter(name, value)
	}

	flowDecorators, err := convertDecorators(def.Decorators)
	if err != nil {
		return nil, errors.Annotatef(err, "flow %s", def.Flow)
	}
	b.Decorate(flowDecorators...)

	for _, step := range def.Steps {
		decorators, err := convertDecorators(step.Decorators)
		if err != nil {
			return nil, errors.Annotatef(err, "step %s", step.Name)
		}
		typ, err := types.ParseNodeType(step.Type)
		if err != nil {
			return nil, errors.Annotatef(err, "step %s", step.Name)
		}

		switch typ {
		case types.NodeForeach:
			err = b.Foreach(step.Name, decorators...)
		case types.NodeJoin:
			err = b.Join(step.Name, decorators...)
		default:
			err = b.Step(step.Name, decorators...)
		}
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	// edges once every step is registered, so forward references work
	for _, step := range def.Steps {
		for _, next := range step.Next {
			if err := b.Edge(step.Name, next); err != nil {
				return nil, errors.Trace(err)
			}
		}
	}
	return b.Build()
}

func convertDecorators(defs []DecoratorDef) ([]types.Decorator, error) {
	decorators := make([]types.Decorator, 0, len(defs))
	for _, d := range defs {
		kind, err := types.ParseDecoratorKind(d.Kind)
		if err != nil {
			return nil, errors.Trace(err)
		}
		attrs := types.Data{}
		for k, v := range d.Attributes {
			attrs.Set(k, v)
		}
		decorators = append(decorators, types.Decorator{Kind: kind, Attributes: attrs})
	}
	return decorators, nil
}

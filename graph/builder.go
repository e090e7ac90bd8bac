package graph

import (
	"github.com/juju/errors"

	"github.com/v-shavyaa/metaflow/types"
)

type stepEntity struct {
	name       string
	typ        types.NodeType
	decorators []types.Decorator
}

/**
 * Builder collects steps and edges and freezes them into a
 * types.Graph. It plays the validator role for the whole pipeline:
 * Build is the only place structural invariants are checked, the
 * compiler downstream assumes they hold.
 */
type Builder struct {
	flowName   string
	steps      map[string]*stepEntity
	order      []string
	outEdges   map[string][]string
	parameters types.Data
	decorators []types.Decorator
}

func NewBuilder(flowName string) *Builder {
	return &Builder{
		flowName:   flowName,
		steps:      map[string]*stepEntity{},
		outEdges:   map[string][]string{},
		parameters: types.Data{},
	}
}

func (b *Builder) register(name string, typ types.NodeType, decorators []types.Decorator) error {
	if name == "" {
		return errors.BadRequestf("step name is empty")
	}
	if _, exists := b.steps[name]; exists {
		return errors.AlreadyExistsf("step: %s", name)
	}
	b.steps[name] = &stepEntity{name: name, typ: typ, decorators: decorators}
	b.order = append(b.order, name)
	return nil
}

func (b *Builder) Step(name string, decorators ...types.Decorator) error {
	return errors.Trace(b.register(name, types.NodeLinear, decorators))
}

func (b *Builder) Foreach(name string, decorators ...types.Decorator) error {
	return errors.Trace(b.register(name, types.NodeForeach, decorators))
}

func (b *Builder) Join(name string, decorators ...types.Decorator) error {
	return errors.Trace(b.register(name, types.NodeJoin, decorators))
}

// Edge appends a successor; out edge order is declaration order and
// survives into the compiled manifest.
func (b *Builder) Edge(from, to string) error {
	if _, exists := b.steps[from]; !exists {
		return errors.NotFoundf("from: %v", from)
	}
	if _, exists := b.steps[to]; !exists {
		return errors.NotFoundf("to: %v", to)
	}
	for _, next := range b.outEdges[from] {
		if next == to {
			return errors.AlreadyExistsf("edge %s -> %s", from, to)
		}
	}
	b.outEdges[from] = append(b.outEdges[from], to)
	return nil
}

func (b *Builder) Parameter(name string, defaultValue any) {
	b.parameters.Set(name, defaultValue)
}

// Decorate attaches flow level decorators, e.g. schedule or exit
// handler configuration.
func (b *Builder) Decorate(decorators ...types.Decorator) {
	b.decorators = append(b.decorators, decorators...)
}

func (b *Builder) Build() (*types.Graph, error) {
	if _, exists := b.steps[types.StartNodeName]; !exists {
		return nil, errors.NotFoundf("step: %s", types.StartNodeName)
	}

	nodes := make(map[string]*types.Node, len(b.steps))
	ordered := make([]*types.Node, 0, len(b.steps))
	for _, name := range b.order {
		entity := b.steps[name]
		node := &types.Node{
			Name:       name,
			Type:       entity.typ,
			OutEdges:   append([]string{}, b.outEdges[name]...),
			Decorators: entity.decorators,
		}
		nodes[name] = node
		ordered = append(ordered, node)
	}
	for _, node := range ordered {
		for _, next := range node.OutEdges {
			nodes[next].InEdges = append(nodes[next].InEdges, node.Name)
		}
	}

	if len(nodes[types.StartNodeName].InEdges) > 0 {
		return nil, errors.BadRequestf("step %s can not have incoming edges", types.StartNodeName)
	}
	for _, node := range ordered {
		if node.IsForeach() && len(node.OutEdges) != 1 {
			return nil, errors.BadRequestf("foreach step %s needs exactly one successor", node.Name)
		}
	}

	visited, err := deriveSplits(nodes)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, node := range ordered {
		if !visited[node.Name] {
			return nil, errors.BadRequestf("step %s is not reachable from %s", node.Name, types.StartNodeName)
		}
		if node.IsForeach() && node.MatchingJoin == "" {
			return nil, errors.BadRequestf("foreach step %s has no matching join", node.Name)
		}
	}

	return types.NewGraph(b.flowName, ordered, b.parameters.Clone(), b.decorators)
}

/**
 * deriveSplits walks the graph once from start carrying the stack of
 * open splits. It fills SplitParents and MatchingJoin, and rejects
 * cycles, joins with no open split, and reconvergence that disagrees
 * about the enclosing splits. A linear step with several out edges
 * opens a split region the same way a foreach does; the region closes
 * at the join that observes it on top of the stack.
 */
func deriveSplits(nodes map[string]*types.Node) (map[string]bool, error) {
	visited := make(map[string]bool, len(nodes))
	onStack := make(map[string]bool, len(nodes))

	var walk func(name string, splitStack []string) error
	walk = func(name string, splitStack []string) error {
		node := nodes[name]
		if node == nil {
			return errors.NotFoundf("step: %s", name)
		}
		if onStack[name] {
			return errors.Forbiddenf("cycle through step %s", name)
		}

		effective := splitStack
		if node.IsJoin() {
			if len(splitStack) == 0 {
				return errors.BadRequestf("join %s has no open split", name)
			}
			split := nodes[splitStack[len(splitStack)-1]]
			if split.MatchingJoin == "" {
				split.MatchingJoin = name
			} else if split.MatchingJoin != name {
				return errors.BadRequestf("split %s is closed by both %s and %s",
					split.Name, split.MatchingJoin, name)
			}
			effective = splitStack[:len(splitStack)-1]
		}

		if visited[name] {
			if !equalStack(node.SplitParents, effective) {
				return errors.BadRequestf("step %s reached with unbalanced splits", name)
			}
			return nil
		}
		visited[name] = true
		onStack[name] = true

		node.SplitParents = append([]string{}, effective...)

		childStack := node.SplitParents
		if node.IsForeach() || len(node.OutEdges) > 1 {
			childStack = append(append([]string{}, effective...), name)
		}
		for _, next := range node.OutEdges {
			if err := walk(next, childStack); err != nil {
				return errors.Trace(err)
			}
		}
		onStack[name] = false
		return nil
	}

	if err := walk(types.StartNodeName, nil); err != nil {
		return nil, errors.Trace(err)
	}
	return visited, nil
}

func equalStack(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

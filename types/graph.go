package types

import (
	"github.com/juju/errors"
)

const StartNodeName = "start"

/**
 * Graph is the immutable flow model handed to the compiler. It is
 * produced by the graph package, which also guarantees the structural
 * invariants (single start, acyclic, matched foreach/join regions);
 * the compiler does not re-validate them.
 */
type Graph struct {
	flowName   string
	nodes      map[string]*Node
	order      []string
	parameters Data
	decorators []Decorator
}

func NewGraph(flowName string, nodes []*Node, parameters Data, decorators []Decorator) (*Graph, error) {
	if flowName == "" {
		return nil, errors.BadRequestf("flow name is empty")
	}
	g := &Graph{
		flowName:   flowName,
		nodes:      make(map[string]*Node, len(nodes)),
		order:      make([]string, 0, len(nodes)),
		parameters: parameters,
		decorators: decorators,
	}
	if g.parameters == nil {
		g.parameters = Data{}
	}
	for _, node := range nodes {
		if _, exists := g.nodes[node.Name]; exists {
			return nil, errors.AlreadyExistsf("node: %s", node.Name)
		}
		g.nodes[node.Name] = node
		g.order = append(g.order, node.Name)
	}
	if _, exists := g.nodes[StartNodeName]; !exists {
		return nil, errors.NotFoundf("start node")
	}
	return g, nil
}

func (g *Graph) FlowName() string {
	return g.flowName
}

// Node returns nil for an unknown name; callers walking edges treat
// nil as a graph integrity violation.
func (g *Graph) Node(name string) *Node {
	return g.nodes[name]
}

func (g *Graph) Start() *Node {
	return g.nodes[StartNodeName]
}

// Names in registration order.
func (g *Graph) Names() []string {
	return g.order
}

func (g *Graph) Len() int {
	return len(g.order)
}

func (g *Graph) Parameters() Data {
	return g.parameters
}

// FindDecorator returns the first flow-level decorator of the kind.
func (g *Graph) FindDecorator(kind DecoratorKind) (*Decorator, bool) {
	for i := range g.decorators {
		if g.decorators[i].Kind == kind {
			return &g.decorators[i], true
		}
	}
	return nil, false
}

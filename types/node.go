package types

type Decorator struct {
	Kind       DecoratorKind
	Attributes Data
}

/**
 * Node is one step of the flow graph. It is owned by the Graph and
 * immutable once the graph is built: the compiler only ever reads it.
 *
 * OutEdges keeps declaration order; a foreach node has exactly one
 * out edge (the loop body) and MatchingJoin names the join that closes
 * its region. SplitParents lists the enclosing split names outermost
 * first, so SplitParents[len-1] is the innermost enclosing split.
 */
type Node struct {
	Name         string
	Type         NodeType
	InEdges      []string
	OutEdges     []string
	Decorators   []Decorator
	MatchingJoin string
	SplitParents []string
}

func (n *Node) IsForeach() bool {
	return n.Type == NodeForeach
}

func (n *Node) IsJoin() bool {
	return n.Type == NodeJoin
}

// FindDecorator returns the first decorator of the given kind.
func (n *Node) FindDecorator(kind DecoratorKind) (*Decorator, bool) {
	for i := range n.Decorators {
		if n.Decorators[i].Kind == kind {
			return &n.Decorators[i], true
		}
	}
	return nil, false
}

// Decorators of one kind, in declaration order.
func (n *Node) FindDecorators(kind DecoratorKind) []Decorator {
	found := make([]Decorator, 0)
	for _, deco := range n.Decorators {
		if deco.Kind == kind {
			found = append(found, deco)
		}
	}
	return found
}

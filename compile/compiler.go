package compile

import (
	"fmt"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/v-shavyaa/metaflow/argo"
	"github.com/v-shavyaa/metaflow/types"
	"github.com/v-shavyaa/metaflow/utils"
)

/**
 * CompiledDAG is the output of the compiler and the input of the exit
 * handler weaver and the manifest emitter. Templates hold every step,
 * hook, volume and scope template; task wiring lives inside the DAG
 * templates. The emitter owns everything above the template list
 * (workflow metadata, policy, kind).
 */
type CompiledDAG struct {
	FlowName     string
	WorkflowName string
	Entrypoint   string
	OnExit       string
	Templates    []*argo.Template
	Parameters   []argo.Parameter
}

func (d *CompiledDAG) Template(name string) *argo.Template {
	for _, tmpl := range d.Templates {
		if tmpl.Name == name {
			return tmpl
		}
	}
	return nil
}

func (d *CompiledDAG) EntrypointTemplate() *argo.Template {
	return d.Template(d.Entrypoint)
}

/**
 * scope is one DAG template under construction: the entrypoint, or the
 * body of a foreach construct. It is the compiler's split context:
 * construct names the task representing this scope in the parent
 * scope, splitIndexExpr is the symbolic split index every task inside
 * the scope runs under, and tasks accumulate in visit order.
 */
type scope struct {
	parent         *scope
	construct      string
	template       *argo.Template
	splitIndexExpr string
	tasks          []*argo.DAGTask
}

func (s *scope) addTask(task *argo.DAGTask) {
	s.tasks = append(s.tasks, task)
}

// compiledTask is the visited-arena entry of one graph node.
type compiledTask struct {
	task  *argo.DAGTask
	scope *scope
}

/**
 * Compiler walks the flow graph depth first and emits one template and
 * one DAG task per node, plus the auxiliary templates decorators ask
 * for. It assumes the graph package has already validated structure;
 * anything inconsistent found during the walk is an invariant error
 * and aborts the compile with no partial output.
 */
type Compiler struct {
	graph      *types.Graph
	components map[string]*types.Component
	opts       *types.PipelineOptions
	env        commandEnv

	dag           *CompiledDAG
	scopes        []*scope
	visited       map[string]*compiledTask
	resourceTasks map[string]*argo.DAGTask
	names         map[string]bool
}

func NewCompiler(graph *types.Graph, components map[string]*types.Component, opts *types.PipelineOptions, packageURL string) *Compiler {
	return &Compiler{
		graph:      graph,
		components: components,
		opts:       opts,
		env: commandEnv{
			flowName:   graph.FlowName(),
			packageURL: packageURL,
			namespace:  opts.UserNamespace,
			username:   opts.Username,
		},
		visited:       map[string]*compiledTask{},
		resourceTasks: map[string]*argo.DAGTask{},
		names:         map[string]bool{},
	}
}

/**
 * Compile runs the recursive walk from the start node and then the
 * dependency wiring pass over the whole node space. Exit handler specs
 * are compiled as ordinary parallel tasks of the entrypoint; the
 * weaver later detaches them into the onExit sub DAG.
 */
func (c *Compiler) Compile(handlers []*types.ExitHandlerSpec) (*CompiledDAG, error) {
	workflowName := utils.SanitizeName(c.graph.FlowName())
	c.dag = &CompiledDAG{
		FlowName:     c.graph.FlowName(),
		WorkflowName: workflowName,
		Entrypoint:   workflowName,
		Parameters:   flowParameters(c.graph.Parameters()),
	}

	root := &scope{template: &argo.Template{Name: workflowName}}
	c.scopes = append(c.scopes, root)
	c.dag.Templates = append(c.dag.Templates, root.template)
	if err := c.claimName(workflowName); err != nil {
		return nil, errors.Trace(err)
	}

	sensor, err := c.compileS3Sensor(root)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if err := c.walk(c.graph.Start(), root, nil); err != nil {
		return nil, errors.Trace(err)
	}
	if err := c.wireDependencies(); err != nil {
		return nil, errors.Trace(err)
	}
	if sensor != nil {
		// the whole flow is gated on the sensor through its start step
		start := c.visited[c.graph.Start().Name]
		start.task.Dependencies = appendUnique(start.task.Dependencies, sensor.Name)
	}
	for _, handler := range handlers {
		if err := c.compileExitHandler(root, handler); err != nil {
			return nil, errors.Trace(err)
		}
	}

	c.sealScopes()
	log.Debugf("compiled flow %s: %d templates", c.graph.FlowName(), len(c.dag.Templates))
	return c.dag, nil
}

/**
 * hookBinding carries the output references of a preceding hook into
 * the step that consumes them. Inside a foreach scope the references
 * are rebound to scope inputs, so task holds the hook task name only
 * while producer and consumer share a scope.
 */
type hookBinding struct {
	task   string
	params []argo.Parameter
}

func (c *Compiler) walk(node *types.Node, sc *scope, hook *hookBinding) error {
	if node == nil {
		return types.NewInvariantErrorf("walk reached an unresolvable node")
	}
	if _, done := c.visited[node.Name]; done {
		return nil
	}
	comp := c.components[node.Name]
	if comp == nil {
		return types.NewInvariantErrorf("no component for step %s", node.Name)
	}
	log.Debugf("compiling step %s (%s)", node.Name, node.Type)

	// A hook on a successor runs between this node and that successor,
	// so its input fields must be exported from this node's template.
	nextHookSpec, hookStep := c.successorHook(node)

	taskName := utils.SanitizeName(node.Name)
	if err := c.claimName(taskName); err != nil {
		return errors.Trace(err)
	}

	tmpl := c.stepTemplate(node, comp, hook, nextHookSpec)
	c.dag.Templates = append(c.dag.Templates, tmpl)

	task := &argo.DAGTask{Name: taskName, Template: taskName}
	if comp.IsSplitIndexed && sc.splitIndexExpr != "" {
		task.Arguments = addArgument(task.Arguments, splitIndexParam, sc.splitIndexExpr)
	}
	if hook != nil {
		for _, param := range hook.params {
			task.Arguments = addArgument(task.Arguments, param.Name, param.Value)
		}
		if hook.task != "" {
			task.Dependencies = appendUnique(task.Dependencies, hook.task)
		}
	}
	sc.addTask(task)
	c.visited[node.Name] = &compiledTask{task: task, scope: sc}

	if comp.Resources.HasVolume() {
		if err := c.compileVolume(node, comp, sc, task); err != nil {
			return errors.Trace(err)
		}
	}

	nextHook, err := c.compileHook(node, taskName, nextHookSpec, hookStep, sc)
	if err != nil {
		return errors.Trace(err)
	}

	if node.IsForeach() {
		return errors.Trace(c.walkForeach(node, sc, taskName, nextHook))
	}

	for _, next := range node.OutEdges {
		child := c.graph.Node(next)
		if child == nil {
			return types.NewInvariantErrorf("step %s points at unknown step %s", node.Name, next)
		}
		if child.IsJoin() && c.closesForeach(child) {
			// The matching join of a foreach is compiled exactly once,
			// by walkForeach in the split's outer scope.
			continue
		}
		if err := c.walk(child, sc, nextHook); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

/**
 * walkForeach opens the bounded parallel construct of a foreach node:
 * a nested DAG template fanned out by the symbolic foreach-splits
 * output of the split step. The loop body is compiled inside the
 * nested scope and recursion halts at the matching join, which is then
 * compiled here, once, back in the split's own scope.
 */
func (c *Compiler) walkForeach(node *types.Node, sc *scope, splitTask string, hook *hookBinding) error {
	constructName := splitTask + "-foreach"
	if err := c.claimName(constructName); err != nil {
		return errors.Trace(err)
	}

	inner := &scope{
		parent:         sc,
		construct:      constructName,
		template:       &argo.Template{Name: constructName},
		splitIndexExpr: fmt.Sprintf("{{inputs.parameters.%s}}", splitIndexParam),
	}
	inner.template.Inputs = &argo.Inputs{Parameters: []argo.Parameter{{Name: splitIndexParam}}}
	c.scopes = append(c.scopes, inner)
	c.dag.Templates = append(c.dag.Templates, inner.template)

	splitIndexValue := "{{item}}"
	if sc.splitIndexExpr != "" {
		// nested foreach: compose the enclosing index with this one
		splitIndexValue = sc.splitIndexExpr + "_{{item}}"
	}

	construct := &argo.DAGTask{
		Name:         constructName,
		Template:     constructName,
		Dependencies: []string{splitTask},
		WithParam:    fmt.Sprintf("{{tasks.%s.outputs.parameters.%s}}", splitTask, foreachSplitsParam),
	}
	construct.Arguments = addArgument(construct.Arguments, splitIndexParam, splitIndexValue)

	// Inherited hook bindings cross the scope boundary as inputs of the
	// nested template; inside the scope they are plain input refs.
	innerHook := hook
	if hook != nil {
		if hook.task != "" {
			construct.Dependencies = appendUnique(construct.Dependencies, hook.task)
		}
		rebound := &hookBinding{}
		for _, param := range hook.params {
			construct.Arguments = addArgument(construct.Arguments, param.Name, param.Value)
			inner.template.Inputs.Parameters = append(inner.template.Inputs.Parameters, argo.Parameter{Name: param.Name})
			rebound.params = append(rebound.params, argo.Parameter{
				Name:  param.Name,
				Value: fmt.Sprintf("{{inputs.parameters.%s}}", param.Name),
			})
		}
		innerHook = rebound
	}
	sc.addTask(construct)

	body := c.graph.Node(node.OutEdges[0])
	if body == nil {
		return types.NewInvariantErrorf("foreach %s has no body step", node.Name)
	}
	if err := c.walk(body, inner, innerHook); err != nil {
		return errors.Trace(err)
	}

	join := c.graph.Node(node.MatchingJoin)
	if join == nil {
		return types.NewInvariantErrorf("foreach %s has no matching join", node.Name)
	}
	return errors.Trace(c.walk(join, sc, hook))
}

// successorHook returns the hook spec declared on this node's first
// successor. Hooks sit on linear chains, so the first successor is
// the only place one can appear.
func (c *Compiler) successorHook(node *types.Node) (*types.HookSpec, string) {
	if len(node.OutEdges) == 0 {
		return nil, ""
	}
	first := node.OutEdges[0]
	if comp := c.components[first]; comp != nil && comp.Hook != nil {
		return comp.Hook, first
	}
	return nil, ""
}

/**
 * compileHook emits the auxiliary node a preceding hook decorator
 * injects between a step and its successor. The hook consumes output
 * fields of the current step and its own outputs are handed to the
 * successor through the returned binding.
 */
func (c *Compiler) compileHook(node *types.Node, taskName string, spec *types.HookSpec, hookStep string, sc *scope) (*hookBinding, error) {
	if spec == nil {
		return nil, nil
	}
	hookName := utils.SanitizeName(hookStep) + "-preceding"
	if err := c.claimName(hookName); err != nil {
		return nil, errors.Trace(err)
	}

	tmpl := hookTemplate(hookName, spec)
	c.dag.Templates = append(c.dag.Templates, tmpl)

	task := &argo.DAGTask{
		Name:         hookName,
		Template:     hookName,
		Dependencies: []string{taskName},
	}
	for _, input := range spec.Inputs {
		task.Arguments = addArgument(task.Arguments, input,
			fmt.Sprintf("{{tasks.%s.outputs.parameters.%s}}", taskName, input))
	}
	sc.addTask(task)

	binding := &hookBinding{task: hookName}
	for _, output := range spec.Outputs {
		binding.params = append(binding.params, argo.Parameter{
			Name:  output,
			Value: fmt.Sprintf("{{tasks.%s.outputs.parameters.%s}}", hookName, output),
		})
	}
	return binding, nil
}

// compileVolume emits the volume-provisioning resource node of a step
// and rewires the step to mount the claim it creates.
func (c *Compiler) compileVolume(node *types.Node, comp *types.Component, sc *scope, stepTask *argo.DAGTask) error {
	volumeTask := "create-" + utils.SanitizeName(node.Name) + "-volume"
	if err := c.claimName(volumeTask); err != nil {
		return errors.Trace(err)
	}

	c.dag.Templates = append(c.dag.Templates, volumeTemplate(volumeTask, comp))

	task := &argo.DAGTask{Name: volumeTask, Template: volumeTask}
	sc.addTask(task)
	c.resourceTasks[node.Name] = task

	stepTask.Dependencies = appendUnique(stepTask.Dependencies, volumeTask)
	stepTask.Arguments = addArgument(stepTask.Arguments, volumeNameParam,
		fmt.Sprintf("{{tasks.%s.outputs.parameters.name}}", volumeTask))
	return nil
}

func (c *Compiler) compileExitHandler(root *scope, handler *types.ExitHandlerSpec) error {
	if err := c.claimName(handler.Name); err != nil {
		return errors.Trace(err)
	}
	c.dag.Templates = append(c.dag.Templates, exitHandlerTemplate(handler, c.env))
	root.addTask(&argo.DAGTask{Name: handler.Name, Template: handler.Name})
	return nil
}

/**
 * wireDependencies is the post order pass over the full node id space:
 * every input edge of the original graph becomes a dependency of the
 * compiled task, translated across scope boundaries, and is propagated
 * onto the step's volume resource node. Edges leading into a foreach
 * scope are already ordered by the construct task and map to nothing.
 */
func (c *Compiler) wireDependencies() error {
	for _, name := range c.graph.Names() {
		node := c.graph.Node(name)
		child := c.visited[name]
		if child == nil {
			return types.NewInvariantErrorf("step %s was never compiled", name)
		}
		for _, parentName := range node.InEdges {
			parent := c.visited[parentName]
			if parent == nil {
				return types.NewInvariantErrorf("step %s depends on uncompiled step %s", name, parentName)
			}
			dep, crossesInward := c.dependencyName(parent, child)
			if crossesInward {
				continue
			}
			child.task.Dependencies = appendUnique(child.task.Dependencies, dep)
			if resource := c.resourceTasks[name]; resource != nil {
				resource.Dependencies = appendUnique(resource.Dependencies, dep)
			}
		}
	}
	return nil
}

/**
 * dependencyName maps a graph edge onto a task dependency. Within one
 * scope it is the parent task itself; when the parent sits inside a
 * foreach region and the child outside, the dependency collapses onto
 * the construct task that wraps the region (this is how a foreach join
 * ends up referencing the construct once instead of every branch).
 * An edge from a split into its own body runs inward and has no task
 * level counterpart.
 */
func (c *Compiler) dependencyName(parent, child *compiledTask) (string, bool) {
	if parent.scope == child.scope {
		return parent.task.Name, false
	}
	for sc := parent.scope; sc != nil; sc = sc.parent {
		if sc.parent == child.scope {
			return sc.construct, false
		}
	}
	return "", true
}

// closesForeach reports whether the split this join terminates is a
// foreach; such joins belong to the innermost enclosing foreach
// handling, not to the branch that reached them.
func (c *Compiler) closesForeach(join *types.Node) bool {
	for _, name := range c.graph.Names() {
		node := c.graph.Node(name)
		if node.MatchingJoin == join.Name {
			return node.IsForeach()
		}
	}
	return false
}

// claimName enforces global template/task name uniqueness within one
// compiled manifest.
func (c *Compiler) claimName(name string) error {
	if c.names[name] {
		return types.NewInvariantErrorf("compiled name %s is not unique", name)
	}
	c.names[name] = true
	return nil
}

// sealScopes materializes the accumulated task pointers into the DAG
// templates once all wiring passes are done mutating them.
func (c *Compiler) sealScopes() {
	for _, sc := range c.scopes {
		dagTemplate := &argo.DAGTemplate{Tasks: make([]argo.DAGTask, 0, len(sc.tasks))}
		for _, task := range sc.tasks {
			dagTemplate.Tasks = append(dagTemplate.Tasks, *task)
		}
		sc.template.DAG = dagTemplate
	}
}

func flowParameters(params types.Data) []argo.Parameter {
	parameters := make([]argo.Parameter, 0, len(params))
	for _, key := range params.Keys() {
		value, _ := params.GetString(key)
		parameters = append(parameters, argo.Parameter{Name: key, Value: value})
	}
	return parameters
}

func addArgument(args *argo.Arguments, name, value string) *argo.Arguments {
	if args == nil {
		args = &argo.Arguments{}
	}
	args.Parameters = append(args.Parameters, argo.Parameter{Name: name, Value: value})
	return args
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}

package compile

import (
	"strings"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/v-shavyaa/metaflow/argo"
	"github.com/v-shavyaa/metaflow/types"
)

const (
	ExitHandlerTemplateName = "exit-handler"

	SQSExitHandlerName    = "sqs-exit-handler"
	NotifyExitHandlerName = "notify-email-exit-handler"
	UserExitHandlerName   = "user-defined-exit-handler"

	statusNotSucceeded = "{{workflow.status}} != 'Succeeded'"
	statusSucceeded    = "{{workflow.status}} == 'Succeeded'"
)

/**
 * BuildExitHandlers derives the completion handlers of a flow from the
 * pipeline options and the flow level exit_handler decorator: a dead
 * letter publisher when an SQS URL is configured, an email notifier
 * when notification is enabled, and the user defined handler, which is
 * referenced as a container command rather than shipped as code.
 */
func BuildExitHandlers(graph *types.Graph, opts *types.PipelineOptions) ([]*types.ExitHandlerSpec, error) {
	handlers := make([]*types.ExitHandlerSpec, 0, 3)

	if opts.SQSURLOnError != "" {
		handlers = append(handlers, &types.ExitHandlerSpec{
			Name:      SQSExitHandlerName,
			Condition: types.RunOnFailure,
			Image:     opts.BaseImage,
			Env: map[string]string{
				"METAFLOW_SQS_URL_ON_ERROR":      opts.SQSURLOnError,
				"METAFLOW_SQS_ROLE_ARN_ON_ERROR": opts.SQSRoleARNOnError,
			},
		})
	}

	if opts.Notify {
		condition := types.RunOnFailure
		if opts.NotifyOnSuccess != "" {
			// runs unconditionally: the on-error recipient may still be
			// injected at admission time
			condition = types.RunAlways
		}
		handlers = append(handlers, &types.ExitHandlerSpec{
			Name:      NotifyExitHandlerName,
			Condition: condition,
			Image:     opts.BaseImage,
			Env: map[string]string{
				"METAFLOW_NOTIFY_ON_ERROR":   opts.NotifyOnError,
				"METAFLOW_NOTIFY_ON_SUCCESS": opts.NotifyOnSuccess,
			},
		})
	}

	if deco, found := graph.FindDecorator(types.DecoratorExitHandler); found {
		image, _ := deco.Attributes.GetString("image")
		if image == "" {
			image = opts.BaseImage
		}
		command, _ := deco.Attributes.GetStringSlice("command")
		if len(command) == 0 {
			return nil, errors.BadRequestf("exit_handler decorator needs a command")
		}
		onSuccess := true
		if v, exists := deco.Attributes.GetBool("on_success"); exists {
			onSuccess = v
		}
		onFailure := true
		if v, exists := deco.Attributes.GetBool("on_failure"); exists {
			onFailure = v
		}
		vars, _ := deco.Attributes.GetStringMap("vars")
		handlers = append(handlers, &types.ExitHandlerSpec{
			Name:      UserExitHandlerName,
			Condition: types.RunCustom,
			OnSuccess: onSuccess,
			OnFailure: onFailure,
			Image:     image,
			Command:   command,
			Env:       vars,
		})
	}

	for _, handler := range handlers {
		if handler.Env == nil {
			handler.Env = map[string]string{}
		}
		handler.Env["METAFLOW_FLOW_NAME"] = graph.FlowName()
	}
	return handlers, nil
}

/**
 * Weave detaches the completion handlers from the entrypoint and hangs
 * them under a dedicated exit-handler DAG referenced by the manifest's
 * onExit field. The handlers were compiled as ordinary parallel tasks
 * of the entrypoint for template reuse; they must never execute
 * inline. With no handlers configured the compiled DAG passes through
 * untouched.
 */
func Weave(dag *CompiledDAG, handlers []*types.ExitHandlerSpec) (*CompiledDAG, error) {
	if len(handlers) == 0 {
		return dag, nil
	}

	entry := dag.EntrypointTemplate()
	if entry == nil || entry.DAG == nil {
		return nil, types.NewInvariantErrorf("compiled DAG has no entrypoint template %s", dag.Entrypoint)
	}

	kept := entry.DAG.Tasks[:0]
	for _, task := range entry.DAG.Tasks {
		if strings.Contains(task.Name, ExitHandlerTemplateName) {
			continue
		}
		kept = append(kept, task)
	}
	entry.DAG.Tasks = kept

	exitDAG := &argo.DAGTemplate{}
	for _, handler := range handlers {
		when, err := runConditionExpr(handler)
		if err != nil {
			return nil, errors.Trace(err)
		}
		exitDAG.Tasks = append(exitDAG.Tasks, argo.DAGTask{
			Name:     handler.Name,
			Template: handler.Name,
			When:     when,
		})
	}

	dag.Templates = append(dag.Templates, &argo.Template{
		Name: ExitHandlerTemplateName,
		DAG:  exitDAG,
	})
	dag.OnExit = ExitHandlerTemplateName
	log.Debugf("wove %d exit handlers into %s", len(handlers), dag.WorkflowName)
	return dag, nil
}

// runConditionExpr translates a handler's run condition into the
// engine's conditional expression. A custom condition that is disabled
// for both outcomes can never run and is a configuration error, not a
// silent drop.
func runConditionExpr(handler *types.ExitHandlerSpec) (string, error) {
	switch handler.Condition {
	case types.RunAlways:
		return "", nil
	case types.RunOnFailure:
		return statusNotSucceeded, nil
	case types.RunOnSuccess:
		return statusSucceeded, nil
	case types.RunCustom:
		switch {
		case handler.OnSuccess && handler.OnFailure:
			return "", nil
		case handler.OnSuccess:
			return statusSucceeded, nil
		case handler.OnFailure:
			return statusNotSucceeded, nil
		}
		return "", errors.BadRequestf("exit handler %s: on_success and on_failure cannot both be false", handler.Name)
	}
	return "", errors.NotSupportedf("run condition %v", handler.Condition)
}

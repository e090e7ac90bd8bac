package types

import (
	"github.com/juju/errors"
)

type NodeType int32

const (
	NodeLinear  NodeType = 0
	NodeForeach NodeType = 1
	NodeJoin    NodeType = 2
)

func (t NodeType) String() string {
	switch t {
	case NodeForeach:
		return "foreach"
	case NodeJoin:
		return "join"
	default:
		return "linear"
	}
}

// ParseNodeType maps the textual form used by flow definition files.
// An empty string means a plain linear step.
func ParseNodeType(s string) (NodeType, error) {
	switch s {
	case "", "linear":
		return NodeLinear, nil
	case "foreach":
		return NodeForeach, nil
	case "join":
		return NodeJoin, nil
	}
	return NodeLinear, errors.NotSupportedf("node type: %s", s)
}

type DecoratorKind int32

const (
	DecoratorResources     DecoratorKind = 1
	DecoratorRetry         DecoratorKind = 2
	DecoratorAccelerator   DecoratorKind = 3
	DecoratorInterruptible DecoratorKind = 4
	DecoratorEnvironment   DecoratorKind = 5
	DecoratorHook          DecoratorKind = 6
	DecoratorExitHandler   DecoratorKind = 7
	DecoratorBatch         DecoratorKind = 8
	DecoratorSchedule      DecoratorKind = 9
	DecoratorS3Sensor      DecoratorKind = 10
)

func (k DecoratorKind) String() string {
	switch k {
	case DecoratorResources:
		return "resources"
	case DecoratorRetry:
		return "retry"
	case DecoratorAccelerator:
		return "accelerator"
	case DecoratorInterruptible:
		return "interruptible"
	case DecoratorEnvironment:
		return "environment"
	case DecoratorHook:
		return "hook"
	case DecoratorExitHandler:
		return "exit_handler"
	case DecoratorBatch:
		return "batch"
	case DecoratorSchedule:
		return "schedule"
	case DecoratorS3Sensor:
		return "s3_sensor"
	default:
		return "unknown"
	}
}

func ParseDecoratorKind(s string) (DecoratorKind, error) {
	for _, kind := range []DecoratorKind{
		DecoratorResources, DecoratorRetry, DecoratorAccelerator,
		DecoratorInterruptible, DecoratorEnvironment, DecoratorHook,
		DecoratorExitHandler, DecoratorBatch, DecoratorSchedule,
		DecoratorS3Sensor,
	} {
		if kind.String() == s {
			return kind, nil
		}
	}
	return 0, errors.NotSupportedf("decorator kind: %s", s)
}

type ManifestKind string

const (
	KindWorkflow         ManifestKind = "Workflow"
	KindWorkflowTemplate ManifestKind = "WorkflowTemplate"
	KindCronWorkflow     ManifestKind = "CronWorkflow"
	KindConfigMap        ManifestKind = "ConfigMap"
)

/**
 * ConcurrencyPolicy decides what the engine does when a recurring run
 * fires while previous runs are still going.
 */
type ConcurrencyPolicy string

const (
	ConcurrencyAllow   ConcurrencyPolicy = "Allow"
	ConcurrencyReplace ConcurrencyPolicy = "Replace"
	ConcurrencyForbid  ConcurrencyPolicy = "Forbid"
)

type RunCondition int32

const (
	RunAlways    RunCondition = 0
	RunOnFailure RunCondition = 1
	RunOnSuccess RunCondition = 2
	RunCustom    RunCondition = 3
)

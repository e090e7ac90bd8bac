package types

import (
	corev1 "k8s.io/api/core/v1"
)

/**
 * ResourceRequirements carries the unit-normalized resource attributes
 * of a step. Empty string means "not requested". Memory, volume and
 * shared-memory values are kubernetes quantities; bare numbers are
 * normalized to megabytes by the component builder.
 */
type ResourceRequirements struct {
	CPU          string
	Memory       string
	GPU          string
	GPUVendor    string
	Volume       string
	VolumeType   string
	VolumeDir    string
	SharedMemory string
}

func (r *ResourceRequirements) HasVolume() bool {
	return r.Volume != ""
}

func (r *ResourceRequirements) HasGPU() bool {
	return r.GPU != "" && r.GPU != "0"
}

/**
 * RetrySpec is the merged retry policy of a step. UserCodeRetries and
 * TotalRetries take the maximum over all retry-capable decorators;
 * BackoffDuration ("2m" style) and BackoffFactor come from the last
 * retry decorator and stay zero-valued when no retry decorator exists.
 */
type RetrySpec struct {
	UserCodeRetries int
	TotalRetries    int
	BackoffDuration string
	BackoffFactor   int
}

type SchedulingHints struct {
	MatchExpressions []corev1.NodeSelectorRequirement
	Tolerations      []corev1.Toleration
}

/**
 * HookSpec is a user hook that runs between a step and its successor.
 * It is referenced as an independently runnable container command;
 * outputs can be rebound as inputs of the successor step.
 */
type HookSpec struct {
	Image   string
	Command []string
	Inputs  []string
	Outputs []string
}

// Component is the per-node projection consumed by the DAG compiler.
// Built once per compile and never mutated afterwards.
type Component struct {
	StepName       string
	TaskID         string
	Image          string
	Resources      ResourceRequirements
	Retry          RetrySpec
	Scheduling     SchedulingHints
	EnvVars        map[string]string
	Hook           *HookSpec
	Interruptible  bool
	IsSplitIndexed bool
}

type ExitHandlerSpec struct {
	Name      string
	Condition RunCondition
	// OnSuccess/OnFailure are only consulted for RunCustom.
	OnSuccess bool
	OnFailure bool
	Image     string
	Command   []string
	Resources ResourceRequirements
	Retry     RetrySpec
	Env       map[string]string
}
